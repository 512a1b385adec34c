// Package pipeline validates mutations before they are committed to the
// change log. A validation failure becomes a permanent rejection reported to
// the originating client, never a conflict.
package pipeline

import (
	"context"
	"fmt"

	"github.com/objectql/sync/internal/syncwire"
)

// Applier decides whether a mutation may be committed. A nil return accepts
// the mutation; an error rejects it, with the error text as the reason sent
// back to the client. Validation must be deterministic so a replayed
// mutation gets the same verdict.
type Applier interface {
	Validate(ctx context.Context, m *syncwire.Mutation) error
}

// AllowAll accepts every well-formed mutation.
type AllowAll struct{}

func (AllowAll) Validate(ctx context.Context, m *syncwire.Mutation) error {
	return nil
}

// Rule validates one object type.
type Rule func(m *syncwire.Mutation) error

// Rules dispatches validation by object name. Objects without a rule are
// accepted unless strict mode is on.
type Rules struct {
	rules  map[string]Rule
	strict bool
}

func NewRules(strict bool) *Rules {
	return &Rules{rules: make(map[string]Rule), strict: strict}
}

// Register installs the rule for an object name, replacing any previous one.
func (r *Rules) Register(objectName string, rule Rule) {
	r.rules[objectName] = rule
}

func (r *Rules) Validate(ctx context.Context, m *syncwire.Mutation) error {
	rule, ok := r.rules[m.ObjectName]
	if !ok {
		if r.strict {
			return fmt.Errorf("unknown object %q", m.ObjectName)
		}
		return nil
	}
	return rule(m)
}
