package plugins

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/arbor/internal/editor"
	"github.com/starford/arbor/internal/state"
)

// Middleware names.
const (
	StepLimitName = "step_limit"
	AuditName     = "audit"
)

// StepLimit rejects transactions carrying more than max top-level steps.
func StepLimit(max int) editor.Middleware {
	return editor.Middleware{
		Name: StepLimitName,
		BeforeDispatch: func(_ context.Context, tr *state.Transaction, _ *state.State) error {
			if n := tr.Len(); n > max {
				return fmt.Errorf("transaction has %d steps, limit is %d", n, max)
			}
			return nil
		},
	}
}

// Audit logs every committed apply with its author.
func Audit(logger *slog.Logger) editor.Middleware {
	return editor.Middleware{
		Name: AuditName,
		AfterDispatch: func(_ context.Context, res *state.Result) (*state.Transaction, error) {
			ids := make([]string, 0, len(res.Transactions))
			var author string
			for _, tr := range res.Transactions {
				ids = append(ids, tr.ID())
				if a, ok := state.MetaAs[string](tr, MetaAuthor); ok && author == "" {
					author = a
				}
			}
			logger.Info("audit: committed",
				slog.Uint64("version", res.State.Version()),
				slog.String("author", author),
				slog.Any("transactions", ids))
			return nil, nil
		},
	}
}

// Catalog resolves a single stock plugin by key.
func Catalog(stampAttr string) func(name string) (state.Plugin, error) {
	return func(name string) (state.Plugin, error) {
		ps, err := ByName([]string{name}, stampAttr)
		if err != nil {
			return state.Plugin{}, err
		}
		return ps[0], nil
	}
}
