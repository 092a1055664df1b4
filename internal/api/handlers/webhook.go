// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/autothanks/internal/qbittorrent"
	"github.com/autobrr/autothanks/internal/services/thanks"
	"github.com/autobrr/autothanks/internal/sites"
)

const (
	defaultWebhookDedupWindow    = 10 * time.Minute
	defaultWebhookProcessTimeout = 10 * time.Minute

	grabEventType = "Grab"
)

// Webhook statuses reported to the caller and to metrics.
const (
	WebhookStatusAccepted  = "accepted"
	WebhookStatusIgnored   = "ignored"
	WebhookStatusDuplicate = "duplicate"
	WebhookStatusInvalid   = "invalid"
)

// CommentFetcher reads the comment of a freshly grabbed torrent.
type CommentFetcher interface {
	GetCommentWithRetry(ctx context.Context, hash string, opts qbittorrent.RetryOptions) (string, error)
}

// SiteDirectory resolves torrent comments to registered sites.
type SiteDirectory interface {
	Resolve(comment string) (sites.Location, bool)
	Get(key string) (*sites.Site, bool)
	Credentials(key string) (sites.Credentials, error)
}

// WorkSubmitter queues thank requests.
type WorkSubmitter interface {
	Submit(item thanks.WorkItem) (*thanks.Ticket, error)
}

// WebhookObserver counts webhook deliveries.
type WebhookObserver interface {
	ObserveWebhook(source, status string)
}

type WebhookConfig struct {
	Sources        []string
	DedupWindow    time.Duration
	ProcessTimeout time.Duration
	Retry          qbittorrent.RetryOptions
}

// arrPayload holds the fields of a Radarr/Sonarr webhook the handler reads.
type arrPayload struct {
	EventType  string `json:"eventType"`
	DownloadID string `json:"downloadId"`
	Release    *struct {
		DownloadID   string `json:"downloadId"`
		ReleaseTitle string `json:"releaseTitle"`
	} `json:"release"`
	Movie *struct {
		Title string `json:"title"`
	} `json:"movie"`
	Series *struct {
		Title string `json:"title"`
	} `json:"series"`
}

func (p *arrPayload) hash() string {
	if h := strings.TrimSpace(p.DownloadID); h != "" {
		return h
	}
	if p.Release != nil {
		return strings.TrimSpace(p.Release.DownloadID)
	}
	return ""
}

func (p *arrPayload) title() string {
	switch {
	case p.Movie != nil && p.Movie.Title != "":
		return p.Movie.Title
	case p.Series != nil && p.Series.Title != "":
		return p.Series.Title
	case p.Release != nil && p.Release.ReleaseTitle != "":
		return p.Release.ReleaseTitle
	}
	return "unknown"
}

type WebhookHandler struct {
	cfg       WebhookConfig
	comments  CommentFetcher
	directory SiteDirectory
	submitter WorkSubmitter
	observer  WebhookObserver

	seenMu sync.Mutex
	seen   *ttlcache.Cache[string, time.Time]

	// baseCtx outlives requests; background work is cancelled with it
	baseCtx context.Context
	wg      sync.WaitGroup
	now     func() time.Time
}

func NewWebhookHandler(ctx context.Context, cfg WebhookConfig, comments CommentFetcher, directory SiteDirectory, submitter WorkSubmitter, observer WebhookObserver) *WebhookHandler {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultWebhookDedupWindow
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = defaultWebhookProcessTimeout
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = []string{"radarr", "sonarr"}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	return &WebhookHandler{
		cfg:       cfg,
		comments:  comments,
		directory: directory,
		submitter: submitter,
		observer:  observer,
		seen:      ttlcache.New(ttlcache.Options[string, time.Time]{}.SetDefaultTTL(cfg.DedupWindow)),
		baseCtx:   ctx,
		now:       time.Now,
	}
}

func (h *WebhookHandler) Routes(r chi.Router) {
	r.Post("/webhook/{source}", h.HandleWebhook)
}

// Sources returns the accepted webhook sources.
func (h *WebhookHandler) Sources() []string {
	return append([]string(nil), h.cfg.Sources...)
}

func (h *WebhookHandler) sourceEnabled(source string) (string, bool) {
	for _, s := range h.cfg.Sources {
		if strings.EqualFold(strings.TrimSpace(s), source) {
			return strings.ToLower(strings.TrimSpace(s)), true
		}
	}
	return "", false
}

func (h *WebhookHandler) observe(source, status string) {
	if h.observer != nil {
		h.observer.ObserveWebhook(source, status)
	}
}

// HandleWebhook accepts Radarr/Sonarr grab notifications. It answers right away
// and thanks the torrent in the background.
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	source, ok := h.sourceEnabled(chi.URLParam(r, "source"))
	if !ok {
		NotFound(w, r)
		return
	}

	var payload arrPayload
	if !DecodeJSON(w, r, &payload) {
		h.observe(source, WebhookStatusInvalid)
		return
	}

	l := log.With().Str("module", "webhook").Str("source", source).Logger()

	if payload.EventType != grabEventType {
		eventType := payload.EventType
		if eventType == "" {
			eventType = "unknown"
		}
		l.Info().Str("eventType", eventType).Msg("Ignoring event")
		h.observe(source, WebhookStatusIgnored)
		RespondJSON(w, http.StatusOK, map[string]string{
			"status": WebhookStatusIgnored,
			"reason": fmt.Sprintf("Event type %q is not %q.", payload.EventType, grabEventType),
		})
		return
	}

	hash := payload.hash()
	if hash == "" {
		h.observe(source, WebhookStatusInvalid)
		RespondError(w, http.StatusBadRequest, "No downloadId found in payload.")
		return
	}

	title := payload.title()
	l = l.With().Str("hash", hash).Str("title", title).Logger()

	if !h.markSeen(hash) {
		l.Info().Msg("Duplicate grab event, already processing")
		h.observe(source, WebhookStatusDuplicate)
		RespondJSON(w, http.StatusOK, map[string]string{"status": WebhookStatusDuplicate, "hash": hash})
		return
	}

	l.Info().Msg("Grab event received")
	h.observe(source, WebhookStatusAccepted)
	RespondJSON(w, http.StatusOK, map[string]string{"status": WebhookStatusAccepted, "hash": hash})

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.process(l, hash)
	}()
}

// markSeen records hash and reports whether it was new within the dedup window.
func (h *WebhookHandler) markSeen(hash string) bool {
	key := strings.ToLower(hash)

	h.seenMu.Lock()
	defer h.seenMu.Unlock()

	if _, found := h.seen.Get(key); found {
		return false
	}
	h.seen.Set(key, h.now(), ttlcache.DefaultTTL)
	return true
}

// forget lets a redelivery of hash be processed again.
func (h *WebhookHandler) forget(hash string) {
	h.seenMu.Lock()
	defer h.seenMu.Unlock()
	h.seen.Delete(strings.ToLower(hash))
}

func (h *WebhookHandler) process(l zerolog.Logger, hash string) {
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered panic while processing grab")
			h.forget(hash)
		}
	}()

	ctx, cancel := context.WithTimeout(h.baseCtx, h.cfg.ProcessTimeout)
	defer cancel()

	if err := h.processGrab(ctx, l, hash); err != nil {
		l.Error().Err(err).Msg("Failed to process grab")
		h.forget(hash)
		return
	}
}

func (h *WebhookHandler) processGrab(ctx context.Context, l zerolog.Logger, hash string) error {
	l.Debug().Msg("Querying qBittorrent for torrent comment")
	comment, err := h.comments.GetCommentWithRetry(ctx, hash, h.cfg.Retry)
	if err != nil {
		return errors.Wrap(err, "read torrent comment")
	}

	loc, ok := h.directory.Resolve(comment)
	if !ok {
		l.Info().Str("comment", comment).Msg("No matching site URL in comment, skipping")
		return nil
	}

	site, ok := h.directory.Get(loc.SiteKey)
	if !ok {
		l.Info().Str("site", loc.SiteKey).Msg("Unknown site, skipping")
		return nil
	}

	l = l.With().Str("site", site.Key).Str("torrentID", loc.TorrentID).Logger()
	l.Info().Msgf("Matched %s torrent %s", site.Name, loc.TorrentID)

	creds, err := h.directory.Credentials(site.Key)
	if err != nil {
		l.Warn().Err(err).Msg("Missing credentials, skipping")
		return nil
	}

	ticket, err := h.submitter.Submit(thanks.WorkItem{
		SiteKey:     site.Key,
		TorrentID:   loc.TorrentID,
		Credentials: creds,
		Origin:      thanks.OriginWebhook,
		Hash:        hash,
	})
	if err != nil {
		return errors.Wrap(err, "queue thank")
	}

	outcome, err := ticket.Wait(ctx)
	if err != nil {
		return errors.Wrapf(err, "thank %s torrent %s", site.Key, loc.TorrentID)
	}

	l.Info().Str("outcome", string(outcome)).Msg("Done processing grab")
	return nil
}

// Wait blocks until background processing started so far has finished or ctx is done.
func (h *WebhookHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
