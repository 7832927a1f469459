package token

import (
	"context"
	"log/slog"

	"github.com/gematik/zero-idp/pkg/oauth2"
)

// Pipeline parses a token and runs its validators in order. The first failing
// validator decides the outcome.
type Pipeline struct {
	// Kind names the token in errors and logs, e.g. "challenge" or "code".
	Kind       string
	Parser     Parser
	Validators []Validator
}

func (p *Pipeline) Process(ctx context.Context, raw string) (*Token, error) {
	if raw == "" {
		return nil, oauth2.NewError(oauth2.KindInvalidRequest, "missing %s", p.Kind)
	}

	tok, err := p.Parser.Parse(ctx, raw)
	if err != nil {
		slog.Debug("token parsing failed", "kind", p.Kind, "error", err)
		return nil, err
	}

	for _, validate := range p.Validators {
		if err := validate(ctx, tok); err != nil {
			tok.Wipe()
			slog.Debug("token validation failed", "kind", p.Kind, "error", err)
			return nil, err
		}
	}

	return tok, nil
}
