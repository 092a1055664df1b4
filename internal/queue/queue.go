// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package queue runs tasks one at a time per key, in submission order.
// Different keys are drained by independent workers.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("queue manager is closed")

// Task is a unit of work for a key. The context is cancelled when the
// manager is shut down without waiting for pending work.
type Task func(ctx context.Context) error

// Handle settles with the outcome of exactly one task.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

func (h *Handle) settle(err error) {
	h.err = err
	close(h.done)
}

// Done is closed once the task has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task error. Only meaningful after Done is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done. Giving up on the wait
// does not cancel the task.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type job struct {
	task   Task
	handle *Handle
}

type keyQueue struct {
	jobs    []job
	running bool
	// inflight counts queued jobs plus the one being executed
	inflight int
}

// DepthObserver is told the number of unfinished tasks for a key whenever it changes.
// It is called with the manager lock held, so calls for a key arrive in order and
// must not call back into the Manager.
type DepthObserver func(key string, depth int)

type Option func(*Manager)

func WithDepthObserver(fn DepthObserver) Option {
	return func(m *Manager) { m.observe = fn }
}

// Manager owns one FIFO per key and a worker goroutine for every key that has work.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
	closed bool
	wg     sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	observe DepthObserver
	log     zerolog.Logger
}

func NewManager(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		queues:  make(map[string]*keyQueue),
		ctx:     ctx,
		cancel:  cancel,
		observe: func(string, int) {},
		log:     log.With().Str("module", "queue").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue appends task to the queue for key. It starts after every task
// enqueued earlier for the same key has finished, whatever their outcome.
func (m *Manager) Enqueue(key string, task Task) *Handle {
	h := newHandle()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		h.settle(ErrClosed)
		return h
	}

	q, ok := m.queues[key]
	if !ok {
		q = &keyQueue{}
		m.queues[key] = q
	}
	q.jobs = append(q.jobs, job{task: task, handle: h})
	q.inflight++
	m.observe(key, q.inflight)

	if !q.running {
		q.running = true
		m.wg.Add(1)
		go m.drain(key, q)
	}
	m.mu.Unlock()

	return h
}

// drain runs the jobs of one key until its queue is empty, then exits.
// The next Enqueue for that key starts a fresh worker.
func (m *Manager) drain(key string, q *keyQueue) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		if len(q.jobs) == 0 {
			q.running = false
			if q.inflight == 0 {
				delete(m.queues, key)
			}
			m.mu.Unlock()
			return
		}
		next := q.jobs[0]
		q.jobs[0] = job{}
		q.jobs = q.jobs[1:]
		m.mu.Unlock()

		err := m.run(key, next.task)

		m.mu.Lock()
		q.inflight--
		m.observe(key, q.inflight)
		m.mu.Unlock()

		next.handle.settle(err)
	}
}

func (m *Manager) run(key string, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().
				Str("key", key).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Recovered panic in queued task")
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	return task(m.ctx)
}

// Pending returns the number of unfinished tasks for key, including a running one.
func (m *Manager) Pending(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[key]; ok {
		return q.inflight
	}
	return 0
}

// Keys returns the keys that currently have unfinished tasks.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.queues))
	for k := range m.queues {
		keys = append(keys, k)
	}
	return keys
}

// Close rejects new tasks and waits for queued ones to finish. If ctx ends first
// the running tasks see their context cancelled and Close returns ctx.Err().
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}
