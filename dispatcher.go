package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// sessionEntry pairs a live session with its own mutex. Holding the
// mutex while handling an event is what serializes a user's stream:
// no two events for the same user are ever processed concurrently, no
// matter whether they came from the transport or from an interrupt.
type sessionEntry struct {
	mu sync.Mutex
	s  *Session
}

// Dispatcher routes inbound events to the owning user's state machine
// instance, creating sessions lazily and retiring them after the idle
// timeout. It also implements MatchNotifier so the engine's out-of-band
// triggers travel through the same per-user serialization.
type Dispatcher struct {
	sm          *StateMachine
	idleTimeout time.Duration
	now         func() time.Time

	deliver    func(OutboundMessage)
	checkpoint *SessionCheckpoint // optional, nil when Redis is not configured

	mu       sync.RWMutex
	sessions map[string]*sessionEntry

	stop chan struct{}
	done chan struct{}
}

func NewDispatcher(sm *StateMachine, idleTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		sm:          sm,
		idleTimeout: idleTimeout,
		now:         time.Now,
		deliver:     func(OutboundMessage) {},
		sessions:    make(map[string]*sessionEntry),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetDeliver wires the transport's delivery function, used for messages
// that have no inbound caller to return to (interrupt notifications).
func (d *Dispatcher) SetDeliver(fn func(OutboundMessage)) { d.deliver = fn }

// SetCheckpoint enables session checkpointing.
func (d *Dispatcher) SetCheckpoint(cp *SessionCheckpoint) { d.checkpoint = cp }

// entryFor returns the live entry for userID, creating it lazily. A
// checkpointed session (if checkpointing is on) is restored; otherwise
// the session starts at Idle and bootstraps on its first event.
func (d *Dispatcher) entryFor(userID string) *sessionEntry {
	d.mu.RLock()
	e, ok := d.sessions[userID]
	d.mu.RUnlock()
	if ok {
		return e
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok = d.sessions[userID]; ok {
		return e
	}

	s := &Session{UserID: userID, State: StateIdle, LastActivity: d.now()}
	if d.checkpoint != nil {
		if restored, ok := d.checkpoint.Load(userID); ok {
			s = restored
		}
	}
	e = &sessionEntry{s: s}
	d.sessions[userID] = e
	return e
}

// Dispatch feeds one inbound event to the owning session and returns
// the outbound messages to deliver.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) []OutboundMessage {
	e := d.entryFor(ev.UserID)
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := d.sm.HandleEvent(ctx, e.s, ev)
	if err != nil {
		log.Printf("dispatch for %s failed: %v", ev.UserID, err)
		out = append(out, OutboundMessage{
			TargetUserID: ev.UserID,
			Text:         "Something went wrong, please try again.",
		})
	}
	d.saveCheckpoint(e.s)
	return out
}

// Touch refreshes the session's activity clock without running an
// event. Returns false when no live session exists for the user.
func (d *Dispatcher) Touch(userID string) bool {
	d.mu.RLock()
	e, ok := d.sessions[userID]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	e.s.LastActivity = d.now()
	d.saveCheckpoint(e.s)
	e.mu.Unlock()
	return true
}

// SessionCount reports the number of live sessions (health endpoint).
func (d *Dispatcher) SessionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.sessions)
}

func (d *Dispatcher) saveCheckpoint(s *Session) {
	if d.checkpoint != nil {
		d.checkpoint.Save(s)
	}
}

// --- MatchNotifier ---
//
// Both triggers run on their own goroutine: the engine fires them while
// the requester's session lock is held, and taking the target's lock
// inline could deadlock when two users like each other at the same
// moment. The target's entry lock still serializes the injected event
// against the target's own input.

func (d *Dispatcher) MatchRequested(targetID, requesterID string) {
	go d.injectLocked(targetID, func(ctx context.Context, s *Session) ([]OutboundMessage, error) {
		return d.sm.InjectRequest(ctx, s, requesterID)
	})
}

func (d *Dispatcher) MatchAccepted(userID, acceptedByID, contactHandle string) {
	go d.injectLocked(userID, func(ctx context.Context, s *Session) ([]OutboundMessage, error) {
		return d.sm.InjectAccepted(ctx, s, acceptedByID, contactHandle)
	})
}

func (d *Dispatcher) injectLocked(userID string, fn func(context.Context, *Session) ([]OutboundMessage, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e := d.entryFor(userID)
	e.mu.Lock()
	out, err := fn(ctx, e.s)
	d.saveCheckpoint(e.s)
	e.mu.Unlock()

	if err != nil {
		log.Printf("interrupt for %s failed: %v", userID, err)
		return
	}
	for _, msg := range out {
		d.deliver(msg)
	}
}

// --- eviction ---

// StartEviction launches the background sweep. Call Stop to end it.
func (d *Dispatcher) StartEviction() {
	interval := d.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.evictIdle()
			case <-d.stop:
				return
			}
		}
	}()
}

func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

// evictIdle drops sessions idle past the timeout. Uncommitted draft
// data goes with them; committed profile state is untouched because it
// was persisted on commit, not teardown.
func (d *Dispatcher) evictIdle() {
	cutoff := d.now().Add(-d.idleTimeout)

	d.mu.Lock()
	var evicted []string
	for id, e := range d.sessions {
		e.mu.Lock()
		idle := e.s.LastActivity.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(d.sessions, id)
			evicted = append(evicted, id)
		}
	}
	d.mu.Unlock()

	for _, id := range evicted {
		if d.checkpoint != nil {
			d.checkpoint.Delete(id)
		}
	}
	if len(evicted) > 0 {
		log.Printf("evicted %d idle session(s)", len(evicted))
	}
}
