// Package connmgr tracks the set of in-flight connections the dispatcher
// reactor owns, adapted from the teacher's session registry.
package connmgr

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openbbs/logind/internal/loginstate"
	"github.com/openbbs/logind/internal/telnetfilter"
)

// LifecyclePhase is where a Connection sits in the accept-to-handoff
// pipeline, restated from spec §4.11.
type LifecyclePhase int

const (
	PhaseReading LifecyclePhase = iota
	PhaseWaitingAck
	PhaseEnding
)

// Connection is one in-flight TELNET login dialogue: the wrapped socket,
// its login state machine, and its place in the teardown lifecycle.
type Connection struct {
	ID   int
	Conn *telnetfilter.Conn
	Ctx  *loginstate.Context

	// CorrelationID ties this connection's log lines together across the
	// accept, challenge, and handoff phases, the way the teacher tags
	// file/message records with a uuid rather than a reused integer.
	CorrelationID uuid.UUID

	Phase     LifecyclePhase
	StartTime time.Time

	// endTimer fires endConnection's deferred teardown when a positive
	// grace period was requested; nil otherwise.
	endTimer *time.Timer

	endOnce sync.Once
}

// NewConnection wraps conn and ctx into a tracked Connection.
func NewConnection(id int, conn *telnetfilter.Conn, ctx *loginstate.Context) *Connection {
	return &Connection{
		ID:            id,
		Conn:          conn,
		Ctx:           ctx,
		CorrelationID: uuid.New(),
		Phase:         PhaseReading,
		StartTime:     time.Now(),
	}
}

// End tears the connection down, restated from spec §4.11's
// endConnection(conn, graceSec): a zero grace period closes the socket
// immediately; a positive grace period arms a one-shot timer. Idempotent —
// only the first call has any effect, matching the "called exactly once"
// invariant.
func (c *Connection) End(graceSec int, onExpire func()) {
	c.endOnce.Do(func() {
		c.Phase = PhaseEnding
		if graceSec <= 0 {
			c.Conn.Close()
			if onExpire != nil {
				onExpire()
			}
			return
		}
		c.endTimer = time.AfterFunc(time.Duration(graceSec)*time.Second, func() {
			c.Conn.Close()
			if onExpire != nil {
				onExpire()
			}
		})
	})
}

// CancelPendingEnd stops a still-pending graced teardown timer, used when a
// connection that had started ending is instead reused (not expected on
// the accept path but kept symmetrical with the timer it arms).
func (c *Connection) CancelPendingEnd() {
	if c.endTimer != nil {
		c.endTimer.Stop()
	}
}

// Registry tracks all in-flight connections by id, adapted from the
// teacher's SessionRegistry.
type Registry struct {
	mu    sync.RWMutex
	conns map[int]*Connection
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[int]*Connection)}
}

func (r *Registry) Register(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
}

func (r *Registry) Unregister(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *Registry) Get(id int) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// ListActive returns all tracked connections ordered by id, mirroring the
// teacher's sorted ListActive.
func (r *Registry) ListActive() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Count returns the number of tracked connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
