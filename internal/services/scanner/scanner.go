// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scanner reconciles the torrent client against the tracker sites by
// thanking every torrent whose comment links to a registered site.
package scanner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/autothanks/internal/actuator"
	"github.com/autobrr/autothanks/internal/qbittorrent"
	"github.com/autobrr/autothanks/internal/services/thanks"
	"github.com/autobrr/autothanks/internal/sites"
)

var ErrScanInProgress = errors.New("scan already in progress")

// Tracker is the part of the torrent client the scanner reads from.
type Tracker interface {
	ListTorrents(ctx context.Context) ([]qbittorrent.TorrentRef, error)
	GetComment(ctx context.Context, hash string) (string, error)
}

// Directory resolves comments and credentials for registered sites.
type Directory interface {
	Resolve(comment string) (sites.Location, bool)
	Get(key string) (*sites.Site, bool)
	Credentials(key string) (sites.Credentials, error)
}

// Submitter queues work items.
type Submitter interface {
	Submit(item thanks.WorkItem) (*thanks.Ticket, error)
}

// History answers whether a torrent already has a record with one of outcomes.
type History interface {
	WasThanked(ctx context.Context, siteKey, torrentID string, outcomes ...string) (bool, error)
}

// ScanObserver receives a summary of each finished scan.
type ScanObserver interface {
	ObserveScan(result string, thanked, skipped, errored int, finished time.Time)
}

// Result summarises one scan.
type Result struct {
	Total     int           `json:"total"`
	Thanked   int           `json:"thanked"`
	Skipped   int           `json:"skipped"`
	Errored   int           `json:"errored"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"startedAt"`
}

type Service struct {
	tracker   Tracker
	directory Directory
	submitter Submitter
	history   History
	observer  ScanObserver

	running atomic.Bool
	lastMu  sync.RWMutex
	last    *Result
	now     func() time.Time
}

// NewService builds a scanner. history and observer may be nil.
func NewService(tracker Tracker, directory Directory, submitter Submitter, history History, observer ScanObserver) *Service {
	return &Service{
		tracker:   tracker,
		directory: directory,
		submitter: submitter,
		history:   history,
		observer:  observer,
		now:       time.Now,
	}
}

type pending struct {
	hash   string
	loc    sites.Location
	ticket *thanks.Ticket
}

// Scan thanks every torrent in the client that resolves to a registered site.
// Only a failure to list torrents aborts the scan; per torrent failures are counted.
func (s *Service) Scan(ctx context.Context) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrScanInProgress
	}
	defer s.running.Store(false)

	return s.scan(ctx)
}

// Start claims the scan slot and runs the scan in the background. It returns
// ErrScanInProgress without starting anything when a scan is already running.
func (s *Service) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}

	go func() {
		defer s.running.Store(false)
		if _, err := s.scan(ctx); err != nil {
			log.Error().Err(err).Str("module", "scanner").Msg("Background scan failed")
		}
	}()
	return nil
}

func (s *Service) scan(ctx context.Context) (Result, error) {
	l := log.With().Str("module", "scanner").Logger()

	started := s.now()
	res := Result{StartedAt: started}

	torrents, err := s.tracker.ListTorrents(ctx)
	if err != nil {
		l.Error().Err(err).Msg("Scan aborted: could not list torrents")
		s.observe("failed", res)
		return res, errors.Wrap(err, "list torrents")
	}
	res.Total = len(torrents)
	l.Info().Int("torrents", res.Total).Msg("Starting scan")

	var queued []pending
	for _, torrent := range torrents {
		if ctx.Err() != nil {
			break
		}

		tl := l.With().Str("hash", torrent.Hash).Str("name", torrent.Name).Logger()

		comment, err := s.tracker.GetComment(ctx, torrent.Hash)
		if err != nil {
			tl.Warn().Err(err).Msg("Failed to read torrent comment")
			res.Errored++
			continue
		}
		if comment == "" {
			res.Skipped++
			continue
		}

		loc, ok := s.directory.Resolve(comment)
		if !ok {
			res.Skipped++
			continue
		}
		if _, ok := s.directory.Get(loc.SiteKey); !ok {
			res.Skipped++
			continue
		}

		if s.alreadyThanked(ctx, loc) {
			tl.Debug().Str("site", loc.SiteKey).Str("torrentID", loc.TorrentID).Msg("Already thanked, skipping")
			res.Skipped++
			continue
		}

		creds, err := s.directory.Credentials(loc.SiteKey)
		if err != nil {
			tl.Warn().Err(err).Str("site", loc.SiteKey).Msg("Skipping torrent")
			res.Skipped++
			continue
		}

		ticket, err := s.submitter.Submit(thanks.WorkItem{
			SiteKey:     loc.SiteKey,
			TorrentID:   loc.TorrentID,
			Credentials: creds,
			Origin:      thanks.OriginScan,
			Hash:        torrent.Hash,
		})
		if err != nil {
			tl.Error().Err(err).Msg("Failed to queue torrent")
			res.Errored++
			continue
		}
		queued = append(queued, pending{hash: torrent.Hash, loc: loc, ticket: ticket})
	}

	// every site queue drains in parallel; waiting in submission order is enough
	for _, p := range queued {
		outcome, err := p.ticket.Wait(ctx)
		if err != nil {
			l.Warn().Err(err).
				Str("hash", p.hash).
				Str("site", p.loc.SiteKey).
				Str("torrentID", p.loc.TorrentID).
				Msg("Failed to thank torrent")
			res.Errored++
			continue
		}
		res.Thanked++
		l.Debug().Str("site", p.loc.SiteKey).Str("torrentID", p.loc.TorrentID).Str("outcome", string(outcome)).Msg("Torrent processed")
	}

	res.Duration = s.now().Sub(started)

	l.Info().
		Int("total", res.Total).
		Int("thanked", res.Thanked).
		Int("skipped", res.Skipped).
		Int("errored", res.Errored).
		Dur("duration", res.Duration).
		Msg("Scan finished")

	s.observe("success", res)
	return res, nil
}

// alreadyThanked reports whether history has a successful record for loc.
// A lookup failure is logged and the torrent is processed anyway.
func (s *Service) alreadyThanked(ctx context.Context, loc sites.Location) bool {
	if s.history == nil {
		return false
	}
	done, err := s.history.WasThanked(ctx, loc.SiteKey, loc.TorrentID,
		string(actuator.OutcomeThanked), string(actuator.OutcomeAlreadyThanked))
	if err != nil {
		log.Warn().Err(err).Str("module", "scanner").Str("site", loc.SiteKey).Msg("Failed to read thank history")
		return false
	}
	return done
}

func (s *Service) observe(result string, res Result) {
	s.lastMu.Lock()
	r := res
	s.last = &r
	s.lastMu.Unlock()

	if s.observer != nil {
		s.observer.ObserveScan(result, res.Thanked, res.Skipped, res.Errored, s.now())
	}
}

// LastResult returns the summary of the most recent scan, if any.
func (s *Service) LastResult() (Result, bool) {
	s.lastMu.RLock()
	defer s.lastMu.RUnlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// Running reports whether a scan is in progress.
func (s *Service) Running() bool {
	return s.running.Load()
}
