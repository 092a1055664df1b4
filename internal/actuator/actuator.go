// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package actuator performs the authenticated "thanks" action on a tracker site.
package actuator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/autothanks/internal/sites"
)

var (
	// ErrLoginFailed means the site rejected the configured credentials.
	ErrLoginFailed = errors.New("site login failed")
	ErrNotLoggedIn = errors.New("site session is not authenticated")
)

// Outcome is the result of a thank attempt that reached the site.
type Outcome string

const (
	OutcomeThanked        Outcome = "thanked"
	OutcomeAlreadyThanked Outcome = "already_thanked"
	OutcomeNotFound       Outcome = "not_found"
)

// Session is a stateful, logged-in view of one site. A Session is not safe
// for concurrent use; callers serialize access per site.
type Session interface {
	EnsureAuthenticated(ctx context.Context, creds sites.Credentials) error
	Thank(ctx context.Context, torrentID string) (Outcome, error)
	Close() error
}

// Factory opens a new Session for a site.
type Factory func(ctx context.Context, site *sites.Site) (Session, error)

// Pool keeps one Session per site key for the lifetime of the process.
type Pool struct {
	factory Factory

	mu       sync.Mutex
	sessions map[string]Session
	closed   bool
}

func NewPool(factory Factory) *Pool {
	return &Pool{
		factory:  factory,
		sessions: make(map[string]Session),
	}
}

// Get returns the Session for site, opening it on first use.
func (p *Pool) Get(ctx context.Context, site *sites.Site) (Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("actuator pool is closed")
	}
	if s, ok := p.sessions[site.Key]; ok {
		return s, nil
	}

	s, err := p.factory(ctx, site)
	if err != nil {
		return nil, errors.Wrapf(err, "open session for %s", site.Key)
	}
	p.sessions[site.Key] = s
	return s, nil
}

// Close closes every open Session.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	var firstErr error
	for key, s := range p.sessions {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("site", key).Msg("Failed to close site session")
			if firstErr == nil {
				firstErr = err
			}
		}
		delete(p.sessions, key)
	}
	return firstErr
}
