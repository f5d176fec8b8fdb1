package roomcrypto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/gwillem/megolm-go/internal/olm"
	"github.com/gwillem/megolm-go/internal/store"
)

// Defaults for outbound session rotation.
const (
	DefaultRotationPeriodMsgs = 100
	DefaultRotationPeriod     = 7 * 24 * time.Hour
	shareBatchSize            = 100
)

// Config tunes encryption behavior for a room.
type Config struct {
	// RotationPeriodMsgs is how many messages an outbound session
	// encrypts before rotation.
	RotationPeriodMsgs int
	// RotationPeriod is how long an outbound session lives before
	// rotation.
	RotationPeriod time.Duration
	// BlockUnverifiedDevices withholds keys from devices the local user
	// has not verified.
	BlockUnverifiedDevices bool
	// SharedHistory marks shared keys as re-shareable with users joining
	// later, per the room's history visibility.
	SharedHistory bool
}

func (c Config) withDefaults() Config {
	if c.RotationPeriodMsgs <= 0 {
		c.RotationPeriodMsgs = DefaultRotationPeriodMsgs
	}
	if c.RotationPeriod <= 0 {
		c.RotationPeriod = DefaultRotationPeriod
	}
	return c
}

// BackupNotifier is poked whenever a new decryptable session is stored, so
// the backup service can schedule an upload.
type BackupNotifier interface {
	MaybeBackupKeys()
}

// Encryptor encrypts room events for one room and manages the room's
// outbound session lifecycle. Its methods are safe for concurrent use;
// encryptions for the same room are serialized so each one advances the
// ratchet exactly once.
type Encryptor struct {
	RoomID   string
	Account  *olm.Account
	Store    *store.Store
	Devices  DeviceSource
	Pairwise PairwiseEncryptor
	Sender   ToDeviceSender
	Backup   BackupNotifier
	Config   Config
	Log      slog.Logger

	mu sync.Mutex
}

func (e *Encryptor) log() slog.Logger {
	if e.Log == nil {
		return slog.Disabled
	}
	return e.Log
}

// needsRotation reports whether the session has hit the message-count or
// age limit.
func (e *Encryptor) needsRotation(rec *store.OutboundSessionRecord) bool {
	cfg := e.Config.withDefaults()
	if rec.UseCount >= cfg.RotationPeriodMsgs {
		return true
	}
	return time.Since(rec.CreationTime) >= cfg.RotationPeriod
}

// sharedWithDeparted reports whether the session was ever shared with a
// device that is not among the current recipients. Such sessions rotate
// so departed devices cannot read new messages.
func (e *Encryptor) sharedWithDeparted(sessionID string, recipients map[string]map[string]bool) (bool, error) {
	shared, err := e.Store.SharedWithDevices(e.RoomID, sessionID)
	if err != nil {
		return false, err
	}
	for _, d := range shared {
		if !recipients[d.UserID][d.DeviceID] {
			e.log().Debugf("rotating session %s in %s: shared with departed device %s/%s",
				sessionID, e.RoomID, d.UserID, d.DeviceID)
			return true, nil
		}
	}
	return false, nil
}

// ensureOutboundSession returns the room's current outbound session,
// rotating it if stale or over-shared, and creating one if absent. The
// recipients map (user ID to device ID set) drives the departed-device
// check.
func (e *Encryptor) ensureOutboundSession(recipients map[string]map[string]bool) (*store.OutboundSessionRecord, error) {
	rec, err := e.Store.GetOutboundGroupSession(e.RoomID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		rotate := e.needsRotation(rec)
		if !rotate {
			rotate, err = e.sharedWithDeparted(rec.Session.ID(), recipients)
			if err != nil {
				return nil, err
			}
		}
		if !rotate {
			return rec, nil
		}
		if err := e.Store.DiscardOutboundGroupSession(e.RoomID); err != nil {
			return nil, err
		}
	}
	return e.newOutboundSession()
}

// newOutboundSession creates a fresh outbound session, stores it, and
// imports it as our own trusted inbound session so our other devices and
// backups can decrypt our own messages.
func (e *Encryptor) newOutboundSession() (*store.OutboundSessionRecord, error) {
	sess, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, err
	}
	rec := &store.OutboundSessionRecord{
		Session:      sess,
		CreationTime: time.Now(),
	}
	if err := e.Store.StoreOutboundGroupSession(e.RoomID, rec); err != nil {
		return nil, err
	}

	inbound, err := olm.ImportSessionKey(sess.SessionKey())
	if err != nil {
		return nil, fmt.Errorf("roomcrypto: import own session: %w", err)
	}
	igs := &store.InboundGroupSession{
		Session:   inbound,
		RoomID:    e.RoomID,
		SenderKey: e.Account.IdentityKey(),
		KeysClaimed: map[string]string{
			"ed25519": e.Account.Ed25519Key(),
		},
		SharedHistory: e.Config.SharedHistory,
		Trusted:       true,
	}
	if err := e.Store.PutInboundGroupSession(igs); err != nil {
		return nil, err
	}
	e.log().Debugf("created outbound session %s for room %s", sess.ID(), e.RoomID)
	if e.Backup != nil {
		e.Backup.MaybeBackupKeys()
	}
	return rec, nil
}

// DiscardSessionKey drops the room's outbound session so the next message
// starts a new one.
func (e *Encryptor) DiscardSessionKey(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Store.DiscardOutboundGroupSession(e.RoomID)
}
