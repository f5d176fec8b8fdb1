package keyshare

import (
	"context"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/gwillem/megolm-go/internal/event"
)

// DefaultForwardWindow is how long an unrequested forward waits for a
// matching invite before it is discarded.
const DefaultForwardWindow = 10 * time.Minute

// AcceptForwardFunc stores a forwarded key once it has been legitimized.
type AcceptForwardFunc func(ctx context.Context, forwarderKey string, content event.ForwardedRoomKeyContent) error

type pendingForward struct {
	senderKey string
	content   event.ForwardedRoomKeyContent
	received  time.Time
}

type pendingInvite struct {
	roomID   string
	received time.Time
}

// UnrequestedForwardManager quarantines key forwards that arrived without
// a matching request. A forward becomes legitimate only if the same user
// invites us to the key's room within the window of each other, in either
// order; everything else ages out silently. All state is confined to a
// single worker goroutine, so no locking is needed around the buffers.
type UnrequestedForwardManager struct {
	Accept AcceptForwardFunc
	Window time.Duration
	Log    slog.Logger

	// forwards and invites are keyed by the Matrix user ID that sent the
	// forward, respectively issued the invite.
	forwards map[string][]pendingForward
	invites  map[string][]pendingInvite

	exec      chan func()
	quit      chan struct{}
	closeOnce sync.Once
	now       func() time.Time
}

// NewUnrequestedForwardManager starts the manager's worker goroutine.
func NewUnrequestedForwardManager(accept AcceptForwardFunc) *UnrequestedForwardManager {
	m := &UnrequestedForwardManager{
		Accept:   accept,
		Window:   DefaultForwardWindow,
		forwards: make(map[string][]pendingForward),
		invites:  make(map[string][]pendingInvite),
		exec:     make(chan func()),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go m.loop()
	return m
}

func (m *UnrequestedForwardManager) log() slog.Logger {
	if m.Log == nil {
		return slog.Disabled
	}
	return m.Log
}

func (m *UnrequestedForwardManager) loop() {
	for {
		select {
		case f := <-m.exec:
			f()
		case <-m.quit:
			return
		}
	}
}

// post runs f on the worker goroutine and returns once it completed.
func (m *UnrequestedForwardManager) post(f func()) {
	done := make(chan struct{})
	select {
	case m.exec <- func() { f(); close(done) }:
		<-done
	case <-m.quit:
	}
}

// Close stops the worker. Buffered forwards are dropped.
func (m *UnrequestedForwardManager) Close() {
	m.closeOnce.Do(func() { close(m.quit) })
}

// BufferForward ingests a forward from sender. If sender already invited
// us to the key's room within the window, the forward is accepted right
// away; otherwise it is quarantined until an invite legitimizes it.
func (m *UnrequestedForwardManager) BufferForward(ctx context.Context, sender string, senderKey string, content event.ForwardedRoomKeyContent) {
	m.post(func() {
		m.prune()
		for _, inv := range m.invites[sender] {
			if inv.roomID == content.RoomID {
				if err := m.Accept(ctx, senderKey, content); err != nil {
					m.log().Warnf("accepting forward of session %s failed: %v", content.SessionID, err)
				} else {
					m.log().Debugf("accepted forward of session %s from earlier invite to %s", content.SessionID, content.RoomID)
				}
				return
			}
		}
		m.forwards[sender] = append(m.forwards[sender], pendingForward{
			senderKey: senderKey,
			content:   content,
			received:  m.now(),
		})
		m.log().Debugf("quarantined forward of session %s from %s", content.SessionID, sender)
	})
}

// OnRoomInvite releases buffered forwards for roomID from the inviting
// user, provided they arrived within the window, and remembers the invite
// so a forward that arrives after it is accepted too.
func (m *UnrequestedForwardManager) OnRoomInvite(ctx context.Context, roomID, inviterUserID string) {
	m.post(func() {
		m.prune()
		m.recordInvite(roomID, inviterUserID)
		pending := m.forwards[inviterUserID]
		var kept []pendingForward
		for _, p := range pending {
			if p.content.RoomID != roomID {
				kept = append(kept, p)
				continue
			}
			if err := m.Accept(ctx, p.senderKey, p.content); err != nil {
				m.log().Warnf("accepting forward of session %s failed: %v", p.content.SessionID, err)
				continue
			}
			m.log().Debugf("accepted forward of session %s after invite to %s", p.content.SessionID, roomID)
		}
		if len(kept) == 0 {
			delete(m.forwards, inviterUserID)
		} else {
			m.forwards[inviterUserID] = kept
		}
	})
}

// recordInvite remembers an invite, refreshing the timestamp of a repeat
// invite to the same room. Runs on the worker.
func (m *UnrequestedForwardManager) recordInvite(roomID, inviterUserID string) {
	for i, inv := range m.invites[inviterUserID] {
		if inv.roomID == roomID {
			m.invites[inviterUserID][i].received = m.now()
			return
		}
	}
	m.invites[inviterUserID] = append(m.invites[inviterUserID], pendingInvite{
		roomID:   roomID,
		received: m.now(),
	})
}

// prune drops forwards and invites older than the window. Runs on the
// worker.
func (m *UnrequestedForwardManager) prune() {
	cutoff := m.now().Add(-m.Window)
	for sender, pending := range m.forwards {
		var kept []pendingForward
		for _, p := range pending {
			if p.received.After(cutoff) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(m.forwards, sender)
		} else {
			m.forwards[sender] = kept
		}
	}
	for inviter, pending := range m.invites {
		var kept []pendingInvite
		for _, p := range pending {
			if p.received.After(cutoff) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(m.invites, inviter)
		} else {
			m.invites[inviter] = kept
		}
	}
}
