// Package megolm implements the device-side crypto core for encrypted
// Matrix rooms: Megolm group sessions with rotation, key sharing with
// withheld notices, the key request protocol between a user's own
// devices, and encrypted server-side key backup.
package megolm

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"

	"github.com/gwillem/megolm-go/internal/backup"
	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/keyshare"
	"github.com/gwillem/megolm-go/internal/olm"
	"github.com/gwillem/megolm-go/internal/roomcrypto"
	"github.com/gwillem/megolm-go/internal/store"
	"github.com/gwillem/megolm-go/internal/syncws"
)

// Re-exported types so callers do not need the internal packages.
type (
	// ToDeviceEvent is a to-device event as delivered by sync.
	ToDeviceEvent = event.ToDevice
	// EncryptedContent is the m.room.encrypted payload.
	EncryptedContent = event.EncryptedContent
	// DecryptedEvent is a decrypted room event with its trust metadata.
	DecryptedEvent = roomcrypto.DecryptedEvent
	// DecryptError explains why a room event could not be decrypted.
	DecryptError = roomcrypto.DecryptError
	// UnknownDeviceError aborts encryption until new devices are reviewed.
	UnknownDeviceError = roomcrypto.UnknownDeviceError
	// DeviceInfo describes one device of a user.
	DeviceInfo = roomcrypto.DeviceInfo
	// DeviceSource resolves user and device identities.
	DeviceSource = roomcrypto.DeviceSource
	// ToDeviceSender delivers to-device events.
	ToDeviceSender = roomcrypto.ToDeviceSender
	// Config tunes rotation and device-blocking behavior.
	Config = roomcrypto.Config
	// SessionExport is the portable form of a decryption key, as used by
	// key exports, forwards, and backups.
	SessionExport = event.MegolmSessionData
	// ImportResult reports a bulk session import.
	ImportResult = roomcrypto.ImportResult
	// BackupService manages encrypted server-side key backup.
	BackupService = backup.Service
)

// Machine is one device's crypto state: its identity keys, group
// sessions, and the services that keep keys flowing between devices.
type Machine struct {
	userID   string
	deviceID string

	dbPath  string
	logger  slog.Logger
	tlsConf *tls.Config
	config  Config
	devices DeviceSource
	sender  ToDeviceSender
	homeURL string
	token   string
	gossip  func() bool

	store     *store.Store
	account   *olm.Account
	pairwise  *roomcrypto.AccountPairwise
	decryptor *roomcrypto.Decryptor
	requests  *keyshare.Coordinator
	forwards  *keyshare.UnrequestedForwardManager
	backup    *backup.Service

	mu         sync.Mutex
	encryptors map[string]*roomcrypto.Encryptor
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger. Logging is off by default.
func WithLogger(l slog.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

// WithDBPath sets the SQLite database path. The default derives a
// per-device path under the user data directory.
func WithDBPath(path string) Option {
	return func(m *Machine) { m.dbPath = path }
}

// WithTLSConfig sets the TLS configuration for the sync stream.
func WithTLSConfig(c *tls.Config) Option {
	return func(m *Machine) { m.tlsConf = c }
}

// WithConfig sets rotation and device-blocking behavior.
func WithConfig(c Config) Option {
	return func(m *Machine) { m.config = c }
}

// WithDeviceSource sets the device directory. Required.
func WithDeviceSource(d DeviceSource) Option {
	return func(m *Machine) { m.devices = d }
}

// WithToDeviceSender sets the to-device transport. Required.
func WithToDeviceSender(s ToDeviceSender) Option {
	return func(m *Machine) { m.sender = s }
}

// WithKeyGossip gates the automatic key requests sent to the user's
// other devices when an event cannot be decrypted. The predicate is
// consulted per missing key; by default requests are always sent.
func WithKeyGossip(enabled func() bool) Option {
	return func(m *Machine) { m.gossip = enabled }
}

// WithHomeserver configures the homeserver key backup endpoint. Without
// it, Backup returns nil and keys are never uploaded.
func WithHomeserver(baseURL, accessToken string) Option {
	return func(m *Machine) {
		m.homeURL = baseURL
		m.token = accessToken
	}
}

func (m *Machine) log() slog.Logger {
	if m.logger == nil {
		return slog.Disabled
	}
	return m.logger
}

// defaultDBPath derives a per-device database path from the Matrix IDs.
func defaultDBPath(userID, deviceID string) string {
	clean := strings.NewReplacer("@", "", ":", "_", "/", "_").Replace(userID)
	return filepath.Join(store.DefaultDataDir(), fmt.Sprintf("%s-%s.db", clean, deviceID))
}

// NewMachine opens (or creates) the device's crypto state and wires up
// the key sharing, request, and backup services.
func NewMachine(userID, deviceID string, opts ...Option) (*Machine, error) {
	if userID == "" || deviceID == "" {
		return nil, fmt.Errorf("megolm: user and device IDs are required")
	}
	m := &Machine{
		userID:     userID,
		deviceID:   deviceID,
		encryptors: make(map[string]*roomcrypto.Encryptor),
	}
	for _, o := range opts {
		o(m)
	}
	if m.devices == nil {
		return nil, fmt.Errorf("megolm: no device source configured (use WithDeviceSource)")
	}
	if m.sender == nil {
		return nil, fmt.Errorf("megolm: no to-device sender configured (use WithToDeviceSender)")
	}

	if m.dbPath == "" {
		m.dbPath = defaultDBPath(userID, deviceID)
	}
	st, err := store.Open(m.dbPath)
	if err != nil {
		return nil, err
	}
	m.store = st

	account, err := st.LoadAccount()
	if err != nil {
		st.Close()
		return nil, err
	}
	if account == nil {
		account, err = olm.NewAccount(userID, deviceID)
		if err != nil {
			st.Close()
			return nil, err
		}
		if err := st.SaveAccount(account); err != nil {
			st.Close()
			return nil, err
		}
		m.log().Infof("generated new identity for %s/%s", userID, deviceID)
	} else if account.UserID != userID || account.DeviceID != deviceID {
		st.Close()
		return nil, fmt.Errorf("megolm: store at %s belongs to %s/%s", m.dbPath, account.UserID, account.DeviceID)
	}
	m.account = account
	m.pairwise = &roomcrypto.AccountPairwise{Account: account}

	m.requests = &keyshare.Coordinator{
		Account: account,
		Store:   st,
		Sender:  m.sender,
		Reshare: m.ReshareKey,
		Log:     m.logger,
	}
	m.decryptor = &roomcrypto.Decryptor{
		Account:       account,
		Store:         st,
		Devices:       m.devices,
		Requester:     m.requests,
		Log:           m.logger,
		GossipEnabled: m.gossip,
	}
	m.forwards = keyshare.NewUnrequestedForwardManager(m.decryptor.AcceptForwardedKey)
	m.forwards.Log = m.logger
	m.decryptor.Forwards = m.forwards

	if m.homeURL != "" {
		m.backup = &backup.Service{
			Account:  account,
			Store:    st,
			Client:   backup.NewClient(m.homeURL, m.token, m.logger),
			Importer: m.decryptor,
			Devices:  m.devices,
			Log:      m.logger,
		}
		m.decryptor.Backup = m.backup
	}
	return m, nil
}

// Close releases the machine's resources. Quarantined key forwards are
// dropped; everything else is already on disk.
func (m *Machine) Close() error {
	m.forwards.Close()
	return m.store.Close()
}

// UserID returns the Matrix user ID this machine belongs to.
func (m *Machine) UserID() string { return m.userID }

// DeviceID returns the device ID this machine belongs to.
func (m *Machine) DeviceID() string { return m.deviceID }

// IdentityKey returns the device's curve25519 identity key.
func (m *Machine) IdentityKey() string { return m.account.IdentityKey() }

// SigningKey returns the device's ed25519 signing key.
func (m *Machine) SigningKey() string { return m.account.Ed25519Key() }

// Backup returns the key backup service, or nil when no homeserver is
// configured.
func (m *Machine) Backup() *BackupService { return m.backup }

// encryptorFor returns the per-room encryptor, creating it on first use.
func (m *Machine) encryptorFor(roomID string) *roomcrypto.Encryptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.encryptors[roomID]
	if !ok {
		e = &roomcrypto.Encryptor{
			RoomID:   roomID,
			Account:  m.account,
			Store:    m.store,
			Devices:  m.devices,
			Pairwise: m.pairwise,
			Sender:   m.sender,
			Config:   m.config,
			Log:      m.logger,
		}
		if m.backup != nil {
			e.Backup = m.backup
		}
		m.encryptors[roomID] = e
	}
	return e
}

// ReshareKey re-sends a session key to one device. Verified devices get
// it outright; any other device needs a share record proving it had the
// key, with its identity key unchanged, or the key is withheld.
func (m *Machine) ReshareKey(ctx context.Context, roomID, sessionID, userID, deviceID, senderKey string) error {
	return m.encryptorFor(roomID).ReshareKey(ctx, sessionID, userID, deviceID, senderKey)
}

// EncryptEvent encrypts a room event for the given room members,
// rotating and sharing the outbound session as needed. It fails with
// *UnknownDeviceError, sharing nothing, if any recipient has devices the
// local user has not reviewed.
func (m *Machine) EncryptEvent(ctx context.Context, roomID, eventType string, content any, userIDs []string) (*EncryptedContent, error) {
	return m.encryptorFor(roomID).EncryptEventContent(ctx, eventType, content, userIDs)
}

// PreshareKey shares the room's current session key with the given
// members without sending a message, so their first decrypt succeeds.
func (m *Machine) PreshareKey(ctx context.Context, roomID string, userIDs []string) error {
	return m.encryptorFor(roomID).PreshareKey(ctx, userIDs)
}

// DiscardOutboundSession drops the room's outbound session so the next
// message starts a fresh one.
func (m *Machine) DiscardOutboundSession(ctx context.Context, roomID string) error {
	return m.encryptorFor(roomID).DiscardSessionKey(ctx)
}

// DecryptEvent decrypts an m.room.encrypted event from the given room.
// Failures are *DecryptError; a missing key triggers a key request to
// the user's other devices as a side effect.
func (m *Machine) DecryptEvent(ctx context.Context, roomID string, content *EncryptedContent) (*DecryptedEvent, error) {
	return m.decryptor.DecryptEvent(ctx, roomID, content)
}

// OnNewSession registers a callback invoked whenever a new decryption
// key is stored. Callers use it to retry events that failed to decrypt.
func (m *Machine) OnNewSession(fn func(roomID, sessionID, senderKey string)) {
	m.decryptor.OnNewSession = fn
}

// OnToDeviceEvent routes one to-device event to the right handler:
// encrypted envelopes are unwrapped and their room keys ingested, key
// requests are answered, withheld notices recorded. Unknown event types
// are ignored.
func (m *Machine) OnToDeviceEvent(ctx context.Context, ev *ToDeviceEvent) error {
	switch ev.Type {
	case event.TypeEncrypted:
		return m.onEncryptedToDevice(ctx, ev)
	case event.TypeRoomKeyRequest:
		return m.requests.HandleIncomingRequest(ctx, ev)
	case event.TypeRoomKeyWithheld:
		return m.decryptor.OnRoomKeyWithheldEvent(ev)
	default:
		m.log().Tracef("ignoring to-device event %s from %s", ev.Type, ev.Sender)
		return nil
	}
}

func (m *Machine) onEncryptedToDevice(ctx context.Context, ev *ToDeviceEvent) error {
	inner, err := m.pairwise.DecryptFrom(ev.Content)
	if err != nil {
		return err
	}
	// The envelope authenticates the sender key; the outer sender field
	// is the server's word for who sent it.
	inner.ToDevice.Sender = ev.Sender
	switch inner.Type {
	case event.TypeRoomKey:
		return m.decryptor.OnRoomKeyEvent(ctx, inner)
	case event.TypeForwardedRoomKey:
		return m.decryptor.OnForwardedRoomKeyEvent(ctx, inner)
	default:
		m.log().Debugf("ignoring encrypted to-device event %s from %s", inner.Type, ev.Sender)
		return nil
	}
}

// OnRoomInvite releases any quarantined key forwards from the inviting
// user that match the room, provided they arrived recently.
func (m *Machine) OnRoomInvite(ctx context.Context, roomID, inviterUserID string) {
	m.forwards.OnRoomInvite(ctx, roomID, inviterUserID)
}

// SendPendingKeyRequests flushes key requests recorded but never sent,
// typically after a restart.
func (m *Machine) SendPendingKeyRequests(ctx context.Context) error {
	return m.requests.SendPendingRequests(ctx)
}

// ImportSessions stores a batch of exported decryption keys with the
// trust level the caller assigns; keys from an unverified source should
// not be trusted.
func (m *Machine) ImportSessions(ctx context.Context, sessions []*SessionExport, trusted bool, progress func(done, total int)) (ImportResult, error) {
	return m.decryptor.ImportSessions(ctx, sessions, trusted, progress)
}

// SessionCounts returns how many decryption keys are stored and how many
// of those the server backup already holds.
func (m *Machine) SessionCounts() (total, backedUp int, err error) {
	return m.store.InboundGroupSessionCounts()
}

// ExportSessions renders every stored decryption key in the portable
// export format.
func (m *Machine) ExportSessions() ([]*SessionExport, error) {
	all, err := m.store.AllInboundGroupSessions()
	if err != nil {
		return nil, err
	}
	exports := make([]*SessionExport, 0, len(all))
	for _, igs := range all {
		data, err := igs.ExportKeys()
		if err != nil {
			m.log().Warnf("cannot export session %s: %v", igs.Session.ID(), err)
			continue
		}
		exports = append(exports, data)
	}
	return exports, nil
}

// Listen connects to the homeserver's to-device sync stream and routes
// events until the context is cancelled. Each batch is acknowledged
// after its events have been handled; per-event failures are logged, not
// fatal, so one malformed event cannot stall the stream.
func (m *Machine) Listen(ctx context.Context, wsURL string) error {
	conn, err := syncws.DialPersistent(ctx, wsURL, m.tlsConf)
	if err != nil {
		return err
	}
	defer conn.Close()

	for {
		msg, err := conn.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if msg.Type != syncws.TypeEvents {
			continue
		}
		for i := range msg.Events {
			if err := m.OnToDeviceEvent(ctx, &msg.Events[i]); err != nil {
				m.log().Warnf("handling %s from %s failed: %v",
					msg.Events[i].Type, msg.Events[i].Sender, err)
			}
		}
		if msg.NextBatch != "" {
			if err := conn.Ack(ctx, msg.NextBatch); err != nil {
				m.log().Warnf("acknowledging batch %s failed: %v", msg.NextBatch, err)
			}
		}
	}
}

// MarshalSessionExports renders exported keys as JSON, the interchange
// format understood by other Matrix clients.
func MarshalSessionExports(sessions []*SessionExport) ([]byte, error) {
	return json.Marshal(sessions)
}

// UnmarshalSessionExports parses a JSON key export.
func UnmarshalSessionExports(data []byte) ([]*SessionExport, error) {
	var sessions []*SessionExport
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("megolm: parse key export: %w", err)
	}
	return sessions, nil
}
