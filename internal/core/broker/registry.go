// Package broker holds data-broker removal definitions: where the opt-out
// form lives and how to drive it.
package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"remover/internal/logger"

	"gopkg.in/yaml.v3"
)

// Method selects how a broker's removal is performed.
type Method string

const (
	MethodBrowserForm Method = "browser_form"
	MethodEmail       Method = "email"
)

// FormSelectors maps profile fields to CSS selectors on the opt-out form.
// Empty selectors are skipped during fill.
type FormSelectors struct {
	ListingURLInput  string `yaml:"listing_url_input"`
	EmailInput       string `yaml:"email_input"`
	FirstNameInput   string `yaml:"first_name_input"`
	LastNameInput    string `yaml:"last_name_input"`
	FullNameInput    string `yaml:"full_name_input"`
	SubmitButton     string `yaml:"submit_button"`
	CaptchaFrame     string `yaml:"captcha_frame"`
	ErrorIndicator   string `yaml:"error_indicator"`
	SuccessIndicator string `yaml:"success_indicator"`
}

// EmailTemplate describes an email-based opt-out request.
type EmailTemplate struct {
	To      string `yaml:"to"`
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

// Definition is one broker's removal recipe.
type Definition struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Method    Method        `yaml:"method"`
	OptOutURL string        `yaml:"opt_out_url"`
	Selectors FormSelectors `yaml:"selectors"`
	Email     EmailTemplate `yaml:"email"`

	// Immediate brokers confirm removal synchronously; everyone else goes
	// through an async confirmation window first.
	Immediate bool `yaml:"immediate"`
}

func (d Definition) validate() error {
	if d.ID == "" {
		return fmt.Errorf("broker definition missing id")
	}
	switch d.Method {
	case MethodBrowserForm:
		if d.OptOutURL == "" {
			return fmt.Errorf("broker %s: browser_form requires opt_out_url", d.ID)
		}
	case MethodEmail:
		if d.Email.To == "" {
			return fmt.Errorf("broker %s: email method requires email.to", d.ID)
		}
	default:
		return fmt.Errorf("broker %s: unknown removal method %q", d.ID, d.Method)
	}
	return nil
}

// Registry resolves broker ids to removal definitions. Built-in defaults can
// be extended or overridden from a directory of YAML files.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
	log  *logger.Logger
}

func NewRegistry() *Registry {
	r := &Registry{defs: map[string]Definition{}, log: logger.New("BrokerRegistry")}
	for _, d := range builtins {
		r.defs[d.ID] = d
	}
	return r
}

// LoadDir merges every *.yml / *.yaml file under dir into the registry.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read broker dir: %w", err)
	}
	loaded := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return fmt.Errorf("read broker file %s: %w", e.Name(), err)
		}
		var def Definition
		if err := yaml.Unmarshal(b, &def); err != nil {
			return fmt.Errorf("parse broker file %s: %w", e.Name(), err)
		}
		if err := def.validate(); err != nil {
			return err
		}
		r.mu.Lock()
		r.defs[def.ID] = def
		r.mu.Unlock()
		loaded++
	}
	r.log.LogInfof("loaded %d broker definitions from %s", loaded, dir)
	return nil
}

// Get returns the definition for a broker id.
func (r *Registry) Get(id string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	if !ok {
		return Definition{}, fmt.Errorf("unknown broker: %s", id)
	}
	return d, nil
}

// IDs returns the known broker ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.defs))
	for id := range r.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var builtins = []Definition{
	{
		ID:        "spokeo",
		Name:      "Spokeo",
		Method:    MethodBrowserForm,
		OptOutURL: "https://www.spokeo.com/optout",
		Selectors: FormSelectors{
			ListingURLInput: "input[name='url']",
			EmailInput:      "input[name='email']",
			SubmitButton:    "button[type='submit']",
			CaptchaFrame:    "iframe[title='reCAPTCHA']",
			ErrorIndicator:  ".error-message",
		},
	},
	{
		ID:        "whitepages",
		Name:      "Whitepages",
		Method:    MethodBrowserForm,
		OptOutURL: "https://www.whitepages.com/suppression-requests",
		Selectors: FormSelectors{
			ListingURLInput: "input#listing-url",
			EmailInput:      "input#email",
			FirstNameInput:  "input#first-name",
			LastNameInput:   "input#last-name",
			SubmitButton:    "button.submit-request",
			CaptchaFrame:    "iframe[title='reCAPTCHA']",
			ErrorIndicator:  ".alert-error",
		},
	},
	{
		ID:     "beenverified",
		Name:   "BeenVerified",
		Method: MethodEmail,
		Email: EmailTemplate{
			To:      "privacy@beenverified.com",
			Subject: "Opt-out request",
			Body: "Hello,\n\nPlease remove the listing at {{listing_url}} " +
				"associated with {{first_name}} {{last_name}} ({{email}}) from your site.\n\nThank you.",
		},
	},
}
