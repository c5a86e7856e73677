package submit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"remover/internal/core/broker"
	"remover/internal/logger"
	"remover/internal/store"

	"github.com/playwright-community/playwright-go"
)

// EvidenceSink records submission evidence (screenshots) for an attempt.
type EvidenceSink interface {
	SaveEvidence(ctx context.Context, attemptID, screenshotPath string) error
}

// BrowserSubmitter drives a headless browser through a broker's opt-out
// form. One submitter call is one full browser session; the engine's
// admission controller bounds how many run at once.
type BrowserSubmitter struct {
	log      *logger.Logger
	registry *broker.Registry
	profiles ProfileSource
	evidence EvidenceSink
	dataDir  string
}

func NewBrowserSubmitter(registry *broker.Registry, profiles ProfileSource, evidence EvidenceSink, dataDir string) *BrowserSubmitter {
	return &BrowserSubmitter{
		log:      logger.New("BrowserSubmitter"),
		registry: registry,
		profiles: profiles,
		evidence: evidence,
		dataDir:  dataDir,
	}
}

func (b *BrowserSubmitter) Submit(ctx context.Context, attempt *store.RemovalAttempt) (Outcome, error) {
	def, err := b.registry.Get(attempt.BrokerID)
	if err != nil {
		return Outcome{}, err
	}
	if def.Method != broker.MethodBrowserForm {
		return Outcome{}, fmt.Errorf("broker %s does not use browser-form removal", def.ID)
	}

	profile, err := b.profiles.Profile(ctx, attempt.VaultID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load profile: %w", err)
	}
	fields, err := mapFields(profile, attempt.ListingURL)
	if err != nil {
		return Outcome{}, err
	}

	pw, err := playwright.Run()
	if err != nil {
		b.log.LogErrorf("Failed to start Playwright: %v", err)
		return Outcome{}, fmt.Errorf("playwright initialization failed: %w", err)
	}
	defer pw.Stop()

	browserInst, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args: []string{
			"--no-sandbox",
			"--disable-dev-shm-usage",
			"--disable-gpu",
		},
	})
	if err != nil {
		b.log.LogErrorf("Failed to launch browser: %v", err)
		return Outcome{}, fmt.Errorf("browser launch failed: %w", err)
	}
	defer browserInst.Close()

	bctx, err := browserInst.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: 1920, Height: 1080},
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("browser context creation failed: %w", err)
	}
	defer bctx.Close()

	page, err := bctx.NewPage()
	if err != nil {
		return Outcome{}, fmt.Errorf("page creation failed: %w", err)
	}

	b.log.LogInfof("navigating to %s for attempt %s", def.OptOutURL, attempt.ID)
	if _, err := page.Goto(def.OptOutURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(30000),
	}); err != nil {
		return Outcome{}, fmt.Errorf("navigation failed: %w", err)
	}

	sel := def.Selectors
	fill := []struct {
		selector string
		field    string
	}{
		{sel.ListingURLInput, "listing_url"},
		{sel.EmailInput, "email"},
		{sel.FirstNameInput, "first_name"},
		{sel.LastNameInput, "last_name"},
		{sel.FullNameInput, "full_name"},
	}
	for _, f := range fill {
		if f.selector == "" {
			continue
		}
		if err := page.Locator(f.selector).Fill(fields[f.field], playwright.LocatorFillOptions{
			Timeout: playwright.Float(10000),
		}); err != nil {
			return Outcome{}, fmt.Errorf("failed to fill %s field: %w", f.field, err)
		}
	}

	// A visible CAPTCHA frame means we cannot proceed automatically.
	if sel.CaptchaFrame != "" {
		if err := page.Locator(sel.CaptchaFrame).WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(1000),
		}); err == nil {
			b.log.LogWarnf("CAPTCHA detected on %s for attempt %s", def.ID, attempt.ID)
			b.capture(ctx, page, attempt.ID)
			return Captcha(def.OptOutURL), nil
		}
	}

	if sel.SubmitButton != "" {
		if err := page.Locator(sel.SubmitButton).Click(); err != nil {
			return Outcome{}, fmt.Errorf("failed to click submit button: %w", err)
		}
	}

	page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(3000),
	})

	errVisible := false
	var errText string
	if sel.ErrorIndicator != "" {
		if err := page.Locator(sel.ErrorIndicator).WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(500),
		}); err == nil {
			errVisible = true
			if text, terr := page.Locator(sel.ErrorIndicator).InnerText(); terr == nil {
				errText = text
			}
		}
	}

	successVisible := false
	if sel.SuccessIndicator != "" && !errVisible {
		if err := page.Locator(sel.SuccessIndicator).WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(5000),
		}); err == nil {
			successVisible = true
		}
	}

	b.capture(ctx, page, attempt.ID)

	outcome := resolveOutcome(def, errText, errVisible, successVisible)
	if outcome.Kind == KindSuccess {
		b.log.LogSuccessf("form submitted for attempt %s via %s", attempt.ID, def.ID)
	} else {
		b.log.LogWarnf("form submission rejected for attempt %s via %s: %s", attempt.ID, def.ID, outcome.Reason)
	}
	return outcome, nil
}

// resolveOutcome folds the post-submission indicator observations into the
// attempt's outcome. A configured success indicator that never appeared means
// the submission cannot be trusted.
func resolveOutcome(def broker.Definition, errText string, errVisible, successVisible bool) Outcome {
	if errVisible {
		if errText == "" {
			errText = "Unknown error"
		}
		return Failure(fmt.Sprintf("Form error: %s", errText))
	}
	if def.Selectors.SuccessIndicator != "" && !successVisible {
		return Failure("Success confirmation not detected")
	}
	if def.Immediate {
		return Success(store.StatusCompleted)
	}
	return Success(store.StatusSubmitted)
}

// capture stores a screenshot as evidence. Failures are logged, never fatal.
func (b *BrowserSubmitter) capture(ctx context.Context, page playwright.Page, attemptID string) {
	dir := filepath.Join(b.dataDir, "evidence")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		b.log.LogWarnf("evidence dir creation failed for attempt %s: %v", attemptID, err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%d.png", attemptID, time.Now().Unix()))
	if _, err := page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(path),
		FullPage: playwright.Bool(true),
		Type:     playwright.ScreenshotTypePng,
	}); err != nil {
		b.log.LogWarnf("screenshot capture failed for attempt %s: %v", attemptID, err)
		return
	}
	if b.evidence != nil {
		if err := b.evidence.SaveEvidence(ctx, attemptID, path); err != nil {
			b.log.LogWarnf("evidence record failed for attempt %s: %v", attemptID, err)
		}
	}
}
