// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/autobrr/autothanks/internal/dbinterface"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ThankRecord is one finished attempt to thank a torrent.
type ThankRecord struct {
	ID         int64     `json:"id"`
	SiteKey    string    `json:"site"`
	TorrentID  string    `json:"torrentId"`
	Origin     string    `json:"origin"`
	Hash       string    `json:"hash,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ThankHistoryStore struct {
	db dbinterface.Querier
}

func NewThankHistoryStore(db dbinterface.Querier) *ThankHistoryStore {
	return &ThankHistoryStore{db: db}
}

func (s *ThankHistoryStore) Record(ctx context.Context, rec *ThankRecord) error {
	if rec == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()

	res, err := s.db.ExecContext(ctx, `INSERT INTO thank_history
		(site_key, torrent_id, origin, torrent_hash, outcome, error, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SiteKey, rec.TorrentID, rec.Origin, strings.ToLower(rec.Hash), rec.Outcome, rec.Error, rec.DurationMS, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert thank history: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// List returns the newest records first. An empty siteKey lists every site.
func (s *ThankHistoryStore) List(ctx context.Context, siteKey string, limit int) ([]ThankRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := `SELECT id, site_key, torrent_id, origin, torrent_hash, outcome, error, duration_ms, created_at
		FROM thank_history`
	args := []any{}
	if siteKey != "" {
		query += " WHERE site_key = ?"
		args = append(args, siteKey)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]ThankRecord, 0, limit)
	for rows.Next() {
		var rec ThankRecord
		if err := rows.Scan(&rec.ID, &rec.SiteKey, &rec.TorrentID, &rec.Origin, &rec.Hash,
			&rec.Outcome, &rec.Error, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// WasThanked reports whether the torrent already has a successful record.
func (s *ThankHistoryStore) WasThanked(ctx context.Context, siteKey, torrentID string, outcomes ...string) (bool, error) {
	if len(outcomes) == 0 {
		return false, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(outcomes)), ",")
	args := []any{siteKey, torrentID}
	for _, o := range outcomes {
		args = append(args, o)
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM thank_history WHERE site_key = ? AND torrent_id = ? AND outcome IN ("+placeholders+")",
		args...).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Prune deletes records created before cutoff.
func (s *ThankHistoryStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM thank_history WHERE created_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
