package ably

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// TokenDetails is a bearer token and its expiry.
type TokenDetails struct {
	Token   string
	Expires time.Time
}

// TokenProvider supplies bearer tokens. With refresh false the provider may
// return a cached token; with refresh true it must return a new one.
// Implementations are called from their own goroutine and may block until
// ctx is done.
type TokenProvider interface {
	Token(ctx context.Context, refresh bool) (*TokenDetails, error)
}

// TokenProviderFunc adapts a function to TokenProvider.
type TokenProviderFunc func(ctx context.Context, refresh bool) (*TokenDetails, error)

// Token implements TokenProvider.
func (f TokenProviderFunc) Token(ctx context.Context, refresh bool) (*TokenDetails, error) {
	return f(ctx, refresh)
}

type staticToken string

// StaticToken returns a provider that always yields token and cannot renew
// it.
func StaticToken(token string) TokenProvider {
	return staticToken(token)
}

func (s staticToken) Token(ctx context.Context, refresh bool) (*TokenDetails, error) {
	if refresh {
		return nil, errNoTokenRenewal()
	}
	return &TokenDetails{Token: string(s)}, nil
}

func canRenew(p TokenProvider) bool {
	if p == nil {
		return false
	}
	_, static := p.(staticToken)
	return !static
}

// fetchToken runs the provider on its own goroutine and delivers the result
// through done, so the caller's timeline never blocks on token issuing.
func fetchToken(ctx context.Context, p TokenProvider, refresh bool, done func(*TokenDetails, error)) {
	if p == nil {
		done(nil, nil)
		return
	}
	go func() {
		td, err := p.Token(ctx, refresh)
		if err == nil && (td == nil || td.Token == "") {
			err = errors.New("token provider returned an empty token")
		}
		if err != nil {
			err = errors.Wrap(err, "token request failed")
		}
		done(td, err)
	}()
}
