/*
Copyright (C) 2026 Skald Labs

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package request tracks playback request lifecycles. Exactly one request is
// current at any time; creating a new one cancels everything before it, so
// slow resolution work can detect it has been superseded and stop quietly.
package request

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Status of a playback request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// terminal reports whether no further transitions are allowed.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// Request is a single playback attempt for a song.
type Request struct {
	ID        string
	SongID    int64
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
	Reason    string

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the request is cancelled or superseded.
func (r *Request) Context() context.Context {
	return r.ctx
}

// keepTerminal bounds how many finished records stay around for debugging.
const keepTerminal = 3

// Manager owns the request table.
type Manager struct {
	mu        sync.Mutex
	requests  map[string]*Request
	currentID string
	counter   uint64
	log       zerolog.Logger
}

// NewManager creates a request manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		requests: make(map[string]*Request),
		log:      log.With().Str("component", "request").Logger(),
	}
}

// Create cancels every live request and registers a new pending one for
// songID. The returned request's context ends when it is superseded.
func (m *Manager) Create(ctx context.Context, songID int64) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelAllLocked("superseded")

	m.counter++
	id := fmt.Sprintf("playback_%d_%d", time.Now().UnixMilli(), m.counter)
	reqCtx, cancel := context.WithCancel(ctx)
	req := &Request{
		ID:        id,
		SongID:    songID,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		ctx:       reqCtx,
		cancel:    cancel,
	}
	m.requests[id] = req
	m.currentID = id
	m.pruneLocked()

	m.log.Debug().Str("request_id", id).Int64("song_id", songID).Msg("request created")
	return req
}

// Activate moves a pending request to active. Returns false when the request
// is no longer current or already finished.
func (m *Manager) Activate(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok || id != m.currentID || req.Status != StatusPending {
		return false
	}
	req.Status = StatusActive
	req.UpdatedAt = time.Now()
	return true
}

// Complete marks the current request finished successfully.
func (m *Manager) Complete(id string) bool {
	return m.finish(id, StatusCompleted, "")
}

// Fail marks the current request failed with a reason.
func (m *Manager) Fail(id, reason string) bool {
	return m.finish(id, StatusFailed, reason)
}

func (m *Manager) finish(id string, status Status, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok || req.Status.terminal() {
		return false
	}
	req.Status = status
	req.Reason = reason
	req.UpdatedAt = time.Now()
	req.cancel()
	return true
}

// Cancel cancels a specific request if it is still live.
func (m *Manager) Cancel(id, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok || req.Status.terminal() {
		return false
	}
	m.cancelOneLocked(req, reason)
	return true
}

// CancelAll cancels every live request.
func (m *Manager) CancelAll(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelAllLocked(reason)
}

func (m *Manager) cancelAllLocked(reason string) {
	for _, req := range m.requests {
		if !req.Status.terminal() {
			m.cancelOneLocked(req, reason)
		}
	}
}

func (m *Manager) cancelOneLocked(req *Request, reason string) {
	req.Status = StatusCancelled
	req.Reason = reason
	req.UpdatedAt = time.Now()
	req.cancel()
	m.log.Debug().Str("request_id", req.ID).Str("reason", reason).Msg("request cancelled")
}

// Valid reports whether id is still the current, non-cancelled request.
// Resolution stages call this after every blocking step.
func (m *Manager) Valid(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return false
	}
	return id == m.currentID && req.Status != StatusCancelled
}

// Current returns the current request, or nil when none is live.
func (m *Manager) Current() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[m.currentID]
	if !ok {
		return nil
	}
	return req
}

// Get looks up a request by id.
func (m *Manager) Get(id string) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	return req, ok
}

// pruneLocked drops all but the newest terminal records.
func (m *Manager) pruneLocked() {
	var terminal []*Request
	for _, req := range m.requests {
		if req.Status.terminal() {
			terminal = append(terminal, req)
		}
	}
	if len(terminal) <= keepTerminal {
		return
	}
	for i := 0; i < len(terminal); i++ {
		for j := i + 1; j < len(terminal); j++ {
			if terminal[j].UpdatedAt.After(terminal[i].UpdatedAt) {
				terminal[i], terminal[j] = terminal[j], terminal[i]
			}
		}
	}
	for _, req := range terminal[keepTerminal:] {
		delete(m.requests, req.ID)
	}
}
