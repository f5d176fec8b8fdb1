package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/decred/slog"

	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/olm"
	"github.com/gwillem/megolm-go/internal/roomcrypto"
	"github.com/gwillem/megolm-go/internal/store"
)

const (
	// backupChunkSize caps how many sessions one upload carries.
	backupChunkSize = 100
	// DefaultMaxBackupDelay is the upper bound of the random delay before
	// a scheduled upload, spreading load across a user's devices.
	DefaultMaxBackupDelay = 10 * time.Second
)

// SessionImporter stores restored sessions. Implemented by the room
// decryption layer.
type SessionImporter interface {
	ImportSessions(ctx context.Context, sessions []*event.MegolmSessionData, trusted bool, progress func(done, total int)) (roomcrypto.ImportResult, error)
}

// Service runs key backup for one device: it tracks the active version,
// uploads new session keys with a jittered delay, and restores backups.
type Service struct {
	Account  *olm.Account
	Store    *store.Store
	Client   *Client
	Importer SessionImporter
	// Devices resolves our other devices when judging whose signature on
	// a backup version counts. Nil means only our own signature does.
	Devices roomcrypto.DeviceSource
	Log     slog.Logger
	// MaxBackupDelay bounds the random upload delay. Zero means
	// DefaultMaxBackupDelay.
	MaxBackupDelay time.Duration

	state   stateMachine
	mu      sync.Mutex
	version *VersionResult
	timer   *time.Timer
}

func (s *Service) log() slog.Logger {
	if s.Log == nil {
		return slog.Disabled
	}
	return s.Log
}

// State returns the current backup state.
func (s *Service) State() State { return s.state.get() }

// AddStateListener registers a listener for state transitions.
func (s *Service) AddStateListener(l StateListener) { s.state.addListener(l) }

// Version returns the backup version this device uploads to, or nil.
func (s *Service) Version() *VersionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

func (s *Service) enableVersion(v *VersionResult) error {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
	if err := s.Store.SetKeyBackupVersion(v.Version); err != nil {
		return err
	}
	s.state.set(StateReadyToBackUp)
	s.log().Infof("key backup enabled, version %s", v.Version)
	return nil
}

// CheckAndStartKeysBackup asks the server for its current backup version
// and activates it if this device trusts it. Returns the server's
// version, or nil when no backup exists.
func (s *Service) CheckAndStartKeysBackup(ctx context.Context) (*VersionResult, error) {
	s.state.set(StateCheckingBackUpOnHomeserver)
	version, err := s.Client.CurrentVersion(ctx)
	if errors.Is(err, ErrNotFound) {
		s.mu.Lock()
		s.version = nil
		s.mu.Unlock()
		if err := s.Store.SetKeyBackupVersion(""); err != nil {
			return nil, err
		}
		s.state.set(StateDisabled)
		return nil, nil
	}
	if err != nil {
		s.state.set(StateUnknown)
		return nil, err
	}

	if trust := s.GetTrust(ctx, version); !trust.UsableBySignature {
		s.log().Infof("backup version %s exists but is not trusted by this device", version.Version)
		s.state.set(StateNotTrusted)
		return version, nil
	}
	s.state.set(StateEnabling)
	if err := s.enableVersion(version); err != nil {
		return nil, err
	}
	s.MaybeBackupKeys()
	return version, nil
}

// DisableKeysBackup stops uploads until the next check.
func (s *Service) DisableKeysBackup() {
	s.mu.Lock()
	s.version = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.state.set(StateDisabled)
}

// DeleteBackup deletes a backup version from the server. Deleting the
// active version disables backup.
func (s *Service) DeleteBackup(ctx context.Context, version string) error {
	if err := s.Client.DeleteVersion(ctx, version); err != nil {
		return err
	}
	s.mu.Lock()
	active := s.version != nil && s.version.Version == version
	s.mu.Unlock()
	if active {
		s.DisableKeysBackup()
	}
	return nil
}

// MaybeBackupKeys schedules an upload of any sessions not yet backed up.
// The upload starts after a random delay so a user's devices do not all
// upload at once. A no-op unless the service is ready.
func (s *Service) MaybeBackupKeys() {
	if !s.state.compareAndSet(StateReadyToBackUp, StateWillBackUp) {
		return
	}
	maxDelay := s.MaxBackupDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxBackupDelay
	}
	delay := rand.N(maxDelay)
	s.log().Debugf("scheduling key backup in %v", delay)
	s.mu.Lock()
	s.timer = time.AfterFunc(delay, func() {
		if err := s.BackupAllKeys(context.Background()); err != nil {
			s.log().Warnf("key backup failed: %v", err)
		}
	})
	s.mu.Unlock()
}

// BackupAllKeys uploads every session not yet backed up, in chunks,
// marking each chunk only after the server acknowledged it.
func (s *Service) BackupAllKeys(ctx context.Context) error {
	if !s.state.compareAndSet(StateWillBackUp, StateBackingUp) &&
		!s.state.compareAndSet(StateReadyToBackUp, StateBackingUp) {
		return nil
	}
	s.mu.Lock()
	version := s.version
	s.mu.Unlock()
	if version == nil {
		s.state.set(StateDisabled)
		return fmt.Errorf("backup: no active version")
	}

	for {
		sessions, err := s.Store.InboundGroupSessionsToBackup(backupChunkSize)
		if err != nil {
			s.state.set(StateReadyToBackUp)
			return err
		}
		if len(sessions) == 0 {
			s.state.set(StateReadyToBackUp)
			return nil
		}
		if err := s.backupChunk(ctx, version, sessions); err != nil {
			var serr *ServerError
			if errors.As(err, &serr) && serr.Code == errWrongRoomKeysVersion {
				s.log().Warnf("backup version %s superseded on server", version.Version)
				s.state.set(StateWrongBackUpVersion)
				return err
			}
			s.state.set(StateReadyToBackUp)
			return err
		}
		s.log().Debugf("backed up %d sessions to version %s", len(sessions), version.Version)
	}
}

func (s *Service) backupChunk(ctx context.Context, version *VersionResult, sessions []*store.InboundGroupSession) error {
	payload := &KeysBackupData{Rooms: make(map[string]RoomKeysBackupData)}
	for _, igs := range sessions {
		data, err := s.encryptSession(version, igs)
		if err != nil {
			return err
		}
		room, ok := payload.Rooms[igs.RoomID]
		if !ok {
			room = RoomKeysBackupData{Sessions: make(map[string]KeyBackupData)}
			payload.Rooms[igs.RoomID] = room
		}
		room.Sessions[igs.Session.ID()] = *data
	}
	if err := s.Client.SendKeys(ctx, version.Version, payload); err != nil {
		return err
	}
	return s.Store.MarkInboundSessionsBackedUp(sessions)
}

// encryptSession renders one session as its backup blob: the portable
// session data encrypted to the backup public key.
func (s *Service) encryptSession(version *VersionResult, igs *store.InboundGroupSession) (*KeyBackupData, error) {
	data, err := igs.ExportKeys()
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("backup: marshal session: %w", err)
	}
	msg, err := olm.PKEncrypt(version.AuthData.PublicKey, plaintext)
	if err != nil {
		return nil, err
	}
	sessionData, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("backup: marshal blob: %w", err)
	}
	return &KeyBackupData{
		FirstMessageIndex: int(igs.Session.FirstKnownIndex()),
		ForwardedCount:    len(igs.ForwardingKeyChain),
		IsVerified:        igs.Trusted,
		SessionData:       sessionData,
	}, nil
}
