package submit

import (
	"context"
	"fmt"

	"remover/internal/core/broker"
	"remover/internal/store"
)

// Router dispatches an attempt to the submitter matching the broker's
// removal method.
type Router struct {
	registry *broker.Registry
	browser  Submitter
	email    Submitter
}

func NewRouter(registry *broker.Registry, browser, email Submitter) *Router {
	return &Router{registry: registry, browser: browser, email: email}
}

func (r *Router) Submit(ctx context.Context, attempt *store.RemovalAttempt) (Outcome, error) {
	def, err := r.registry.Get(attempt.BrokerID)
	if err != nil {
		return Outcome{}, err
	}
	switch def.Method {
	case broker.MethodBrowserForm:
		return r.browser.Submit(ctx, attempt)
	case broker.MethodEmail:
		return r.email.Submit(ctx, attempt)
	default:
		return Outcome{}, fmt.Errorf("broker %s: unsupported removal method %q", def.ID, def.Method)
	}
}
