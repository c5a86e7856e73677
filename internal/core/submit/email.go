package submit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"remover/internal/core/broker"
	"remover/internal/logger"
	"remover/internal/store"
)

// EmailLog records email-based removal submissions. The body itself is never
// stored, only its hash.
type EmailLog interface {
	LogEmailRemoval(ctx context.Context, attemptID, brokerID, method, recipient, subject, bodyHash string) error
}

// EmailSubmitter renders a broker's opt-out email template and records it as
// ready for sending. Actual SMTP delivery is a manual follow-up step; the
// rendered request is logged so the UI can surface a mailto: link.
type EmailSubmitter struct {
	log      *logger.Logger
	registry *broker.Registry
	profiles ProfileSource
	emails   EmailLog
}

func NewEmailSubmitter(registry *broker.Registry, profiles ProfileSource, emails EmailLog) *EmailSubmitter {
	return &EmailSubmitter{
		log:      logger.New("EmailSubmitter"),
		registry: registry,
		profiles: profiles,
		emails:   emails,
	}
}

func (e *EmailSubmitter) Submit(ctx context.Context, attempt *store.RemovalAttempt) (Outcome, error) {
	def, err := e.registry.Get(attempt.BrokerID)
	if err != nil {
		return Outcome{}, err
	}
	if def.Method != broker.MethodEmail {
		return Outcome{}, fmt.Errorf("broker %s does not use email removal", def.ID)
	}

	profile, err := e.profiles.Profile(ctx, attempt.VaultID)
	if err != nil {
		return Outcome{}, fmt.Errorf("load profile: %w", err)
	}
	fields, err := mapFields(profile, attempt.ListingURL)
	if err != nil {
		return Outcome{}, err
	}

	subject := renderTemplate(def.Email.Subject, fields)
	body := renderTemplate(def.Email.Body, fields)
	hash := bodyHash(body)

	if e.emails != nil {
		if err := e.emails.LogEmailRemoval(ctx, attempt.ID, def.ID, "mailto", def.Email.To, subject, hash); err != nil {
			return Outcome{}, fmt.Errorf("log email removal: %w", err)
		}
	}

	e.log.LogInfof("email removal prepared for attempt %s to %s", attempt.ID, def.Email.To)
	return Success(store.StatusSubmitted), nil
}

// renderTemplate substitutes {{field}} tokens with mapped values.
func renderTemplate(tmpl string, fields map[string]string) string {
	out := tmpl
	for k, v := range fields {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}

func bodyHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}
