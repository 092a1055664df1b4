// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package scheduler runs a task once a day at a fixed local hour.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Task is the work run on every tick.
type Task func(ctx context.Context) error

// Timer is the subset of *time.Timer the scheduler needs.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time { return r.t.C }
func (r realTimer) Stop() bool          { return r.t.Stop() }

// NextRun returns today at hour:00:00 in now's location if that is still
// ahead of now, otherwise the same wall clock time tomorrow.
func NextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = time.Date(now.Year(), now.Month(), now.Day()+1, hour, 0, 0, 0, now.Location())
	}
	return next
}

// ValidHour reports whether hour is a valid hour of day.
func ValidHour(hour int) bool {
	return hour >= 0 && hour <= 23
}

type Option func(*Daily)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Daily) { d.now = now }
}

// WithTimer replaces time.NewTimer.
func WithTimer(newTimer func(time.Duration) Timer) Option {
	return func(d *Daily) { d.newTimer = newTimer }
}

// Daily fires a task every day at the configured hour. The hour can be
// changed while Run is active; the pending wait is recomputed.
type Daily struct {
	name     string
	hour     atomic.Int32
	now      func() time.Time
	newTimer func(time.Duration) Timer
	reset    chan struct{}
	log      zerolog.Logger
}

func NewDaily(name string, hour int, opts ...Option) (*Daily, error) {
	if !ValidHour(hour) {
		return nil, fmt.Errorf("invalid hour %d: must be between 0 and 23", hour)
	}

	d := &Daily{
		name:     name,
		now:      time.Now,
		newTimer: func(dur time.Duration) Timer { return realTimer{time.NewTimer(dur)} },
		reset:    make(chan struct{}, 1),
		log:      log.With().Str("module", "scheduler").Str("job", name).Logger(),
	}
	d.hour.Store(int32(hour))
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Daily) Hour() int {
	return int(d.hour.Load())
}

// SetHour changes the hour of day the task runs at.
func (d *Daily) SetHour(hour int) error {
	if !ValidHour(hour) {
		return fmt.Errorf("invalid hour %d: must be between 0 and 23", hour)
	}
	if int(d.hour.Swap(int32(hour))) == hour {
		return nil
	}
	select {
	case d.reset <- struct{}{}:
	default:
	}
	return nil
}

// NextRun returns when the task will fire next.
func (d *Daily) NextRun() time.Time {
	return NextRun(d.now(), d.Hour())
}

// Run blocks until ctx is done, running task once a day. Task failures and
// panics are logged and never stop the loop.
func (d *Daily) Run(ctx context.Context, task Task) {
	for {
		now := d.now()
		next := NextRun(now, d.Hour())
		wait := next.Sub(now)

		d.log.Info().
			Time("next", next).
			Str("in", fmt.Sprintf("%.1fh", wait.Hours())).
			Msg("Next run scheduled")

		timer := d.newTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.reset:
			timer.Stop()
			continue
		case <-timer.C():
		}

		d.log.Info().Msg("Running scheduled task")
		started := d.now()
		if err := d.runTask(ctx, task); err != nil {
			d.log.Error().Err(err).Msg("Scheduled task failed")
		} else {
			d.log.Info().Dur("took", d.now().Sub(started)).Msg("Scheduled task finished")
		}
	}
}

func (d *Daily) runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered panic in scheduled task")
			err = fmt.Errorf("scheduled task panicked: %v", r)
		}
	}()
	return task(ctx)
}
