// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package qbittorrent

import (
	"context"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
)

// ErrCommentEmpty means qBittorrent kept answering with an empty comment.
// It is never returned for transport or auth failures.
var ErrCommentEmpty = errors.New("torrent comment still empty")

const (
	DefaultCommentMaxAttempts  = 5
	DefaultCommentInitialDelay = 5 * time.Second
)

type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultCommentMaxAttempts
	}
	if o.InitialDelay < 0 {
		o.InitialDelay = DefaultCommentInitialDelay
	}
	return o
}

// backoffDelay is initial * 2^n for the n-th retry, counted from zero.
func backoffDelay(n uint, initial time.Duration) time.Duration {
	return initial << n
}

// GetCommentWithRetry polls the torrent comment until it is populated.
// Empty comments and request errors are retried with exponential backoff and no jitter.
// When the last attempt saw an empty comment the result wraps ErrCommentEmpty,
// otherwise it is the error of the last attempt. Login failures are not retried.
func (c *Client) GetCommentWithRetry(ctx context.Context, hash string, opts RetryOptions) (string, error) {
	opts = opts.withDefaults()

	var comment string
	attempt := 0

	err := retry.Do(
		func() error {
			attempt++
			value, err := c.GetComment(ctx, hash)
			if err != nil {
				return err
			}
			if value == "" {
				return ErrCommentEmpty
			}
			comment = value
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(opts.MaxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrLoginFailed)
		}),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			return c.backoff(n, opts.InitialDelay)
		}),
		retry.OnRetry(func(n uint, err error) {
			ev := c.log.Debug()
			if !errors.Is(err, ErrCommentEmpty) {
				ev = c.log.Warn().Err(err)
			}
			ev.Str("hash", hash).
				Uint("attempt", n+1).
				Int("maxAttempts", opts.MaxAttempts).
				Msg("Torrent comment not available yet")
		}),
	)
	if err == nil {
		return comment, nil
	}

	if errors.Is(err, ErrCommentEmpty) {
		return "", errors.Wrapf(ErrCommentEmpty, "torrent %s after %d attempts", hash, attempt)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return "", errors.Wrapf(err, "torrent %s: gave up after %d attempts", hash, attempt)
	}
	return "", err
}
