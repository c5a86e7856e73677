// Package submit performs the external removal action for one attempt and
// reports one of three outcomes: success, CAPTCHA interruption, or failure.
package submit

import (
	"context"
	"fmt"

	"remover/internal/store"
)

// Kind tags a submission outcome.
type Kind string

const (
	KindSuccess Kind = "success"
	KindCaptcha Kind = "captcha"
	KindFailure Kind = "failure"
)

// Outcome is the transient result of one submitter call. It is never
// persisted on its own; the worker folds it into the attempt's next status.
type Outcome struct {
	Kind Kind

	// FinalStatus is StatusSubmitted or StatusCompleted for KindSuccess.
	FinalStatus store.Status

	// CaptchaURL is set for KindCaptcha.
	CaptchaURL string

	// Reason is set for KindFailure.
	Reason string
}

func Success(final store.Status) Outcome { return Outcome{Kind: KindSuccess, FinalStatus: final} }
func Captcha(url string) Outcome         { return Outcome{Kind: KindCaptcha, CaptchaURL: url} }
func Failure(reason string) Outcome      { return Outcome{Kind: KindFailure, Reason: reason} }

// Submitter performs the opt-out action for one attempt. Transport-level
// errors are returned as error and treated as transient failures by the
// caller.
type Submitter interface {
	Submit(ctx context.Context, attempt *store.RemovalAttempt) (Outcome, error)
}

// Profile carries the already-decrypted identity fields needed to fill a
// broker's opt-out form. Key management and decryption happen upstream.
type Profile struct {
	FirstName string
	LastName  string
	Email     string
}

// mapFields flattens profile plus the attempt's listing URL into the field
// names broker definitions reference.
func mapFields(p Profile, listingURL string) (map[string]string, error) {
	if p.Email == "" {
		return nil, fmt.Errorf("missing required field: email")
	}
	if p.FirstName == "" {
		return nil, fmt.Errorf("missing required field: first_name")
	}
	if p.LastName == "" {
		return nil, fmt.Errorf("missing required field: last_name")
	}
	return map[string]string{
		"listing_url": listingURL,
		"email":       p.Email,
		"first_name":  p.FirstName,
		"last_name":   p.LastName,
		"full_name":   p.FirstName + " " + p.LastName,
	}, nil
}

// ProfileSource resolves the profile to submit on behalf of a vault.
type ProfileSource interface {
	Profile(ctx context.Context, vaultID string) (Profile, error)
}

// StaticProfileSource serves one fixed profile for every vault.
type StaticProfileSource struct{ P Profile }

func (s StaticProfileSource) Profile(context.Context, string) (Profile, error) { return s.P, nil }
