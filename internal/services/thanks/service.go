// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package thanks turns work items into serialized actuator calls, one queue per site.
package thanks

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/autothanks/internal/actuator"
	"github.com/autobrr/autothanks/internal/models"
	"github.com/autobrr/autothanks/internal/queue"
	"github.com/autobrr/autothanks/internal/sites"
)

// Origin names the trigger that produced a work item.
type Origin string

const (
	OriginCLI     Origin = "cli"
	OriginWebhook Origin = "webhook"
	OriginScan    Origin = "scan"
)

// OutcomeFailed is recorded for attempts that ended in an error.
const OutcomeFailed = "failed"

// WorkItem is a single request to thank one torrent on one site.
type WorkItem struct {
	SiteKey     string
	TorrentID   string
	Credentials sites.Credentials
	Origin      Origin
	// Hash is the torrent client hash the item was derived from, if any.
	Hash string
}

// HistoryRecorder stores finished attempts.
type HistoryRecorder interface {
	Record(ctx context.Context, rec *models.ThankRecord) error
}

// Observer receives per-attempt metrics.
type Observer interface {
	ObserveThank(site, origin, outcome string, took time.Duration)
	SetQueueDepth(site string, depth int)
}

// SiteLookup finds registered sites by key.
type SiteLookup interface {
	Lookup(key string) (*sites.Site, error)
}

// Ticket tracks a submitted work item.
type Ticket struct {
	handle  *queue.Handle
	outcome actuator.Outcome
}


// Wait blocks until the item has been processed or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (actuator.Outcome, error) {
	if err := t.handle.Wait(ctx); err != nil {
		return "", err
	}
	return t.outcome, nil
}

type Service struct {
	sites    SiteLookup
	pool     *actuator.Pool
	queue    *queue.Manager
	history  HistoryRecorder
	observer Observer
	now      func() time.Time
}

// NewService wires the per-site queue to the actuator pool. history and observer may be nil.
func NewService(lookup SiteLookup, pool *actuator.Pool, history HistoryRecorder, observer Observer) *Service {
	s := &Service{
		sites:    lookup,
		pool:     pool,
		history:  history,
		observer: observer,
		now:      time.Now,
	}
	s.queue = queue.NewManager(queue.WithDepthObserver(func(key string, depth int) {
		if s.observer != nil {
			s.observer.SetQueueDepth(key, depth)
		}
	}))
	return s
}

// Submit enqueues item on its site's queue. Items for the same site run one
// at a time in submission order.
func (s *Service) Submit(item WorkItem) (*Ticket, error) {
	site, err := s.sites.Lookup(item.SiteKey)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(item.TorrentID) == "" {
		return nil, errors.New("torrent id is required")
	}
	if item.Origin == "" {
		item.Origin = OriginCLI
	}

	t := &Ticket{}
	t.handle = s.queue.Enqueue(site.Key, func(ctx context.Context) error {
		outcome, err := s.process(ctx, site, item)
		t.outcome = outcome
		return err
	})
	return t, nil
}

// Pending returns the number of unfinished items for a site.
func (s *Service) Pending(siteKey string) int {
	return s.queue.Pending(siteKey)
}

func (s *Service) process(ctx context.Context, site *sites.Site, item WorkItem) (actuator.Outcome, error) {
	l := log.With().
		Str("module", "thanks").
		Str("site", site.Key).
		Str("torrentID", item.TorrentID).
		Str("origin", string(item.Origin)).
		Logger()

	started := s.now()
	outcome, err := s.thank(ctx, site, item)
	took := s.now().Sub(started)

	recorded := string(outcome)
	if err != nil {
		recorded = OutcomeFailed
		l.Error().Err(err).Dur("took", took).Msg("Failed to thank torrent")
	} else {
		l.Info().Str("outcome", recorded).Dur("took", took).Msg("Processed torrent")
	}

	if s.observer != nil {
		s.observer.ObserveThank(site.Key, string(item.Origin), recorded, took)
	}
	if s.history != nil {
		rec := &models.ThankRecord{
			SiteKey:    site.Key,
			TorrentID:  item.TorrentID,
			Origin:     string(item.Origin),
			Hash:       item.Hash,
			Outcome:    recorded,
			DurationMS: took.Milliseconds(),
			CreatedAt:  started,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		// history survives a cancelled task context
		if herr := s.history.Record(context.WithoutCancel(ctx), rec); herr != nil {
			l.Warn().Err(herr).Msg("Failed to record thank history")
		}
	}

	return outcome, err
}

func (s *Service) thank(ctx context.Context, site *sites.Site, item WorkItem) (actuator.Outcome, error) {
	session, err := s.pool.Get(ctx, site)
	if err != nil {
		return "", err
	}
	if err := session.EnsureAuthenticated(ctx, item.Credentials); err != nil {
		return "", err
	}
	return session.Thank(ctx, item.TorrentID)
}

// Close waits for queued items, then closes every site session.
func (s *Service) Close(ctx context.Context) error {
	qerr := s.queue.Close(ctx)
	if err := s.pool.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close site sessions")
	}
	return qerr
}
