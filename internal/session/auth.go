package session

import (
	"context"
	"fmt"

	"transactor/internal/config"
	"transactor/pkg/domain"
)

// Grant is what a token entitles its bearer to.
type Grant struct {
	Workspace domain.WorkspaceID
	Account   domain.Account
	// Upgrade sessions put the workspace into maintenance.
	Upgrade bool
}

// Authenticator resolves connection tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Grant, error)
}

// StaticAuthenticator serves grants listed in configuration.
type StaticAuthenticator struct {
	grants map[string]Grant
}

// NewStaticAuthenticator indexes the configured token grants.
func NewStaticAuthenticator(cfg config.Auth) (*StaticAuthenticator, error) {
	a := &StaticAuthenticator{grants: make(map[string]Grant, len(cfg.Tokens))}
	for i, t := range cfg.Tokens {
		if t.Token == "" {
			return nil, fmt.Errorf("auth.tokens[%d]: empty token", i)
		}
		role := domain.RoleUser
		if t.Role != "" {
			r, err := domain.ParseRole(t.Role)
			if err != nil {
				return nil, fmt.Errorf("auth.tokens[%d]: %w", i, err)
			}
			role = r
		}
		account := domain.Ref(t.Account)
		a.grants[t.Token] = Grant{
			Workspace: domain.WorkspaceID(t.Workspace),
			Account:   domain.Account{UUID: account, Role: role, SocialID: account},
			Upgrade:   t.Upgrade,
		}
	}
	return a, nil
}

// Add registers a grant for token.
func (a *StaticAuthenticator) Add(token string, g Grant) {
	a.grants[token] = g
}

// Authenticate looks the token up.
func (a *StaticAuthenticator) Authenticate(_ context.Context, token string) (Grant, error) {
	g, ok := a.grants[token]
	if !ok {
		return Grant{}, domain.Forbidden("unknown token")
	}
	return g, nil
}
