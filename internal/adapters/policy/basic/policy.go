// Package basic provides the built-in exit status policies.
package basic

import (
	"context"
	"fmt"

	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-cgi-gateway/internal/core/ports"
)

const (
	// Lenient trusts the header block; a non-zero exit is only logged.
	Lenient = "lenient"
	// Strict spools the body and turns a non-zero exit into a 502.
	Strict = "strict"
)

// Policy implements ports.ExitPolicy.
type Policy struct {
	name   string
	strict bool
}

var _ ports.ExitPolicy = (*Policy)(nil)

// NewPolicy returns the named policy. An empty name selects Lenient.
func NewPolicy(name string) (*Policy, error) {
	switch name {
	case "", Lenient:
		return &Policy{name: Lenient}, nil
	case Strict:
		return &Policy{name: Strict, strict: true}, nil
	default:
		return nil, fmt.Errorf("unknown exit policy %q", name)
	}
}

func (p *Policy) Name() string {
	return p.name
}

func (p *Policy) HoldResponse() bool {
	return p.strict
}

// Check rejects a non-zero exit under the strict policy.
func (p *Policy) Check(ctx context.Context, exitCode int) error {
	if !p.strict || exitCode == 0 {
		return nil
	}
	return domain.ErrExitStatus(exitCode)
}
