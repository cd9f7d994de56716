package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rointenexa/internal/clock"
)

// Broker unifies both authenticators behind "get a currently-valid token of
// kind K". A stale or absent token triggers exactly one refresh per kind at a
// time; concurrent callers wait for the in-flight attempt instead of issuing
// duplicate network calls.
type Broker struct {
	store    *Store
	rest     *RestAuthenticator
	firebase *FirebaseAuthenticator
	clock    clock.Clock
	logger   *zap.Logger

	mu       chan struct{} // guards inflight
	inflight map[TokenKind]*refreshCall
}

type refreshCall struct {
	done chan struct{}
	err  error
}

// NewBroker creates a token broker over the two authenticators.
func NewBroker(store *Store, rest *RestAuthenticator, firebase *FirebaseAuthenticator, clk clock.Clock, logger *zap.Logger) *Broker {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &Broker{
		store:    store,
		rest:     rest,
		firebase: firebase,
		clock:    clk,
		logger:   logger,
		mu:       mu,
		inflight: make(map[TokenKind]*refreshCall),
	}
}

// Token returns a valid token of the given kind, refreshing or logging in
// first when the cached one is missing or inside the expiry buffer.
func (b *Broker) Token(ctx context.Context, kind TokenKind) (string, error) {
	if state := b.store.Token(kind); state.Usable(b.clock.Now()) {
		return state.Value, nil
	}

	if err := b.refresh(ctx, kind); err != nil {
		// A failed refresh keeps the previous state; it may still be
		// usable if the caller raced the buffer rather than the expiry.
		if state := b.store.Token(kind); state.Usable(b.clock.Now()) {
			return state.Value, nil
		}
		return "", err
	}

	state := b.store.Token(kind)
	if !state.Usable(b.clock.Now()) {
		return "", fmt.Errorf("%s token still unusable after refresh", kind)
	}
	return state.Value, nil
}

// Invalidate drops the cached token value for kind so the next Token call
// refreshes. The refresh token is kept.
func (b *Broker) Invalidate(kind TokenKind) {
	state := b.store.Token(kind)
	state.Value = ""
	state.ExpiresAt = time.Time{}
	b.store.SetToken(kind, state)
}

// refresh runs one refresh attempt for kind, deduplicating concurrent callers
// onto a single in-flight call.
func (b *Broker) refresh(ctx context.Context, kind TokenKind) error {
	select {
	case <-b.mu:
	case <-ctx.Done():
		return ctx.Err()
	}

	if call, ok := b.inflight[kind]; ok {
		b.mu <- struct{}{}
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	call := &refreshCall{done: make(chan struct{})}
	b.inflight[kind] = call
	b.mu <- struct{}{}

	call.err = b.doRefresh(ctx, kind)
	close(call.done)

	<-b.mu
	delete(b.inflight, kind)
	b.mu <- struct{}{}

	return call.err
}

func (b *Broker) doRefresh(ctx context.Context, kind TokenKind) error {
	switch kind {
	case TokenREST:
		// The vendor has no REST refresh grant; a full login is the refresh.
		return b.rest.Login(ctx)

	case TokenFirebase:
		// Firebase sign-in needs the user id from the REST login.
		if b.store.UserID() == "" {
			if err := b.rest.Login(ctx); err != nil {
				return fmt.Errorf("REST login for firebase identity: %w", err)
			}
		}

		if b.store.Token(TokenFirebase).RefreshToken != "" {
			err := b.firebase.Refresh(ctx)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrReauthRequired) {
				return err
			}
			b.logger.Warn("Firebase refresh token rejected, falling back to sign-in",
				zap.Error(err))
		}
		return b.firebase.SignIn(ctx)

	default:
		return fmt.Errorf("unknown token kind %q", kind)
	}
}
