package roomcrypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/decred/slog"

	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/olm"
	"github.com/gwillem/megolm-go/internal/store"
)

// KeyRequester asks other devices for a missing session key and reacts
// when one arrives.
type KeyRequester interface {
	// RequestKey queues an outgoing key request for the session. Repeat
	// calls for the same session are deduplicated by the implementation.
	RequestKey(ctx context.Context, body event.RoomKeyRequestBody) error
	// OnRoomKeyArrived cancels any outstanding request for the session.
	OnRoomKeyArrived(ctx context.Context, roomID, sessionID, senderKey string) error
}

// ForwardBuffer holds forwarded keys that arrived without a matching
// request, pending a membership change that legitimizes them. The buffer
// may accept a forward immediately when the matching invite was already
// seen.
type ForwardBuffer interface {
	BufferForward(ctx context.Context, sender string, senderKey string, content event.ForwardedRoomKeyContent)
}

// DecryptedEvent is the result of decrypting an m.room.encrypted event.
type DecryptedEvent struct {
	// Type and Content are the cleartext event type and content.
	Type    string
	Content json.RawMessage
	// SenderKey is the curve25519 key of the session creator.
	SenderKey string
	// ClaimedEd25519Key is the ed25519 key the session creator claimed.
	// It is authenticated only for sessions received directly.
	ClaimedEd25519Key string
	// ForwardingKeyChain lists the devices the session passed through
	// before reaching us. Empty for directly received sessions.
	ForwardingKeyChain []string
	// Trusted means the session came straight from its creator over a
	// secure channel, not from a forward or an unverified backup.
	Trusted bool
}

// Decryptor decrypts room events and ingests the room key traffic that
// makes them decryptable.
type Decryptor struct {
	Account   *olm.Account
	Store     *store.Store
	Devices   DeviceSource
	Requester KeyRequester
	Forwards  ForwardBuffer
	Backup    BackupNotifier
	Log       slog.Logger
	// OnNewSession is invoked after a new session is stored, with the
	// room, session ID, and sender key. Callers use it to retry events
	// that previously failed to decrypt.
	OnNewSession func(roomID, sessionID, senderKey string)
	// GossipEnabled gates the automatic key requests sent when an event
	// cannot be decrypted. Nil means enabled.
	GossipEnabled func() bool
}

func (d *Decryptor) log() slog.Logger {
	if d.Log == nil {
		return slog.Disabled
	}
	return d.Log
}

// DecryptEvent decrypts an m.room.encrypted event from the given room.
// Failures are *DecryptError; a stored withheld notice takes precedence
// over the generic unknown-session and unknown-index errors so the caller
// can show the real reason.
func (d *Decryptor) DecryptEvent(ctx context.Context, roomID string, content *event.EncryptedContent) (*DecryptedEvent, error) {
	if content.SenderKey == "" || content.SessionID == "" || content.Ciphertext == "" {
		return nil, decryptErr(DecryptMissingFields, "missing fields in encrypted content")
	}
	igs, err := d.Store.GetInboundGroupSession(content.SessionID, content.SenderKey)
	if err != nil {
		return nil, err
	}
	if igs == nil {
		if derr := d.withheldError(roomID, content.SessionID); derr != nil {
			return nil, derr
		}
		d.requestKey(ctx, roomID, content)
		return nil, decryptErr(DecryptUnknownSession, "no session %s from %s", content.SessionID, content.SenderKey)
	}
	if igs.RoomID != roomID {
		return nil, decryptErr(DecryptOlm, "session %s belongs to another room", content.SessionID)
	}

	plaintext, _, err := igs.Session.Decrypt(content.Ciphertext)
	if errors.Is(err, olm.ErrUnknownMessageIndex) {
		if derr := d.withheldError(roomID, content.SessionID); derr != nil {
			return nil, derr
		}
		d.requestKey(ctx, roomID, content)
		return nil, decryptErr(DecryptUnknownMessageIndex, "message predates session %s", content.SessionID)
	}
	if err != nil {
		return nil, decryptErr(DecryptOlm, "%v", err)
	}

	var payload struct {
		RoomID  string          `json:"room_id"`
		Type    string          `json:"type"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, decryptErr(DecryptOlm, "malformed cleartext: %v", err)
	}
	if payload.RoomID != roomID {
		return nil, decryptErr(DecryptOlm, "cleartext names room %s", payload.RoomID)
	}
	return &DecryptedEvent{
		Type:               payload.Type,
		Content:            payload.Content,
		SenderKey:          igs.SenderKey,
		ClaimedEd25519Key:  igs.KeysClaimed["ed25519"],
		ForwardingKeyChain: igs.ForwardingKeyChain,
		Trusted:            igs.Trusted,
	}, nil
}

func (d *Decryptor) withheldError(roomID, sessionID string) *DecryptError {
	w, err := d.Store.GetWithheld(roomID, sessionID)
	if err != nil {
		d.log().Warnf("withheld lookup failed: %v", err)
		return nil
	}
	if w == nil {
		return nil
	}
	return &DecryptError{
		Code:         DecryptKeysWithheld,
		Reason:       w.Reason,
		WithheldCode: w.Code,
	}
}

func (d *Decryptor) requestKey(ctx context.Context, roomID string, content *event.EncryptedContent) {
	if d.Requester == nil {
		return
	}
	if d.GossipEnabled != nil && !d.GossipEnabled() {
		return
	}
	err := d.Requester.RequestKey(ctx, event.RoomKeyRequestBody{
		Algorithm: content.Algorithm,
		RoomID:    roomID,
		SenderKey: content.SenderKey,
		SessionID: content.SessionID,
	})
	if err != nil {
		d.log().Warnf("queueing key request for %s failed: %v", content.SessionID, err)
	}
}

// AddResult says what happened to an incoming session key.
type AddResult int

const (
	// Imported means the session was stored.
	Imported AddResult = iota
	// NotImportedHigherIndex means a session covering an earlier or equal
	// index is already stored, so the incoming one adds nothing.
	NotImportedHigherIndex
)

// addInboundGroupSession stores a session unless an existing one already
// covers at least as much of the ratchet. A kept session never loses its
// trusted or backed-up flags to a re-import.
func (d *Decryptor) addInboundGroupSession(igs *store.InboundGroupSession) (AddResult, error) {
	existing, err := d.Store.GetInboundGroupSession(igs.Session.ID(), igs.SenderKey)
	if err != nil {
		return NotImportedHigherIndex, err
	}
	if existing != nil {
		if existing.Session.FirstKnownIndex() <= igs.Session.FirstKnownIndex() {
			return NotImportedHigherIndex, nil
		}
		igs.Trusted = igs.Trusted || existing.Trusted
	}
	if err := d.Store.PutInboundGroupSession(igs); err != nil {
		return NotImportedHigherIndex, err
	}
	return Imported, nil
}

// OnRoomKeyEvent ingests an m.room_key event. The event must have arrived
// over the pairwise channel: the authenticated sender key becomes the
// session's sender key.
func (d *Decryptor) OnRoomKeyEvent(ctx context.Context, ev *event.DecryptedToDevice) error {
	if ev.SenderKey == "" {
		return fmt.Errorf("roomcrypto: room key did not arrive encrypted")
	}
	var content event.RoomKeyContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return fmt.Errorf("roomcrypto: parse room key: %w", err)
	}
	if content.Algorithm != event.AlgorithmMegolm {
		return fmt.Errorf("roomcrypto: unexpected algorithm %q", content.Algorithm)
	}
	if content.RoomID == "" || content.SessionID == "" || content.SessionKey == "" {
		return fmt.Errorf("roomcrypto: room key missing fields")
	}
	sess, err := olm.ImportSessionKey(content.SessionKey)
	if err != nil {
		return err
	}
	if sess.ID() != content.SessionID {
		return fmt.Errorf("roomcrypto: session key id mismatch")
	}
	igs := &store.InboundGroupSession{
		Session:   sess,
		RoomID:    content.RoomID,
		SenderKey: ev.SenderKey,
		KeysClaimed: map[string]string{
			"ed25519": ev.ClaimedEd25519Key,
		},
		SharedHistory: content.SharedHistory,
		Trusted:       true,
	}
	return d.finishAddSession(ctx, igs)
}

// OnForwardedRoomKeyEvent ingests an m.forwarded_room_key event. Unless
// we have an outstanding request for the session, the key is buffered
// rather than stored: unsolicited forwards are only accepted when a room
// invite from the forwarder follows shortly.
func (d *Decryptor) OnForwardedRoomKeyEvent(ctx context.Context, ev *event.DecryptedToDevice) error {
	if ev.SenderKey == "" {
		return fmt.Errorf("roomcrypto: forwarded key did not arrive encrypted")
	}
	var content event.ForwardedRoomKeyContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return fmt.Errorf("roomcrypto: parse forwarded key: %w", err)
	}
	if content.Algorithm != event.AlgorithmMegolm {
		return fmt.Errorf("roomcrypto: unexpected algorithm %q", content.Algorithm)
	}
	if content.RoomID == "" || content.SessionID == "" || content.SessionKey == "" || content.SenderKey == "" {
		return fmt.Errorf("roomcrypto: forwarded key missing fields")
	}

	requested, err := d.Store.GetOutgoingKeyRequestForSession(content.RoomID, content.SessionID, content.SenderKey)
	if err != nil {
		return err
	}
	if requested == nil {
		if d.Forwards != nil {
			d.Forwards.BufferForward(ctx, ev.Sender, ev.SenderKey, content)
		} else {
			d.log().Debugf("dropping unrequested forward of session %s from %s", content.SessionID, ev.Sender)
		}
		return nil
	}
	return d.AcceptForwardedKey(ctx, ev.SenderKey, content)
}

// AcceptForwardedKey stores a forwarded session key, extending its
// forwarding chain with the device that forwarded it. Also used by the
// unrequested-forward buffer once a forward is legitimized.
func (d *Decryptor) AcceptForwardedKey(ctx context.Context, forwarderKey string, content event.ForwardedRoomKeyContent) error {
	sess, err := olm.ImportExportedSessionKey(content.SessionKey)
	if err != nil {
		return err
	}
	if sess.ID() != content.SessionID {
		return fmt.Errorf("roomcrypto: forwarded key id mismatch")
	}
	chain := append(append([]string{}, content.ForwardingKeyChain...), forwarderKey)
	igs := &store.InboundGroupSession{
		Session:   sess,
		RoomID:    content.RoomID,
		SenderKey: content.SenderKey,
		KeysClaimed: map[string]string{
			"ed25519": content.SenderClaimedEd25519Key,
		},
		ForwardingKeyChain: chain,
		ExportFormat:       true,
		SharedHistory:      content.SharedHistory,
	}
	return d.finishAddSession(ctx, igs)
}

func (d *Decryptor) finishAddSession(ctx context.Context, igs *store.InboundGroupSession) error {
	result, err := d.addInboundGroupSession(igs)
	if err != nil {
		return err
	}
	if result != Imported {
		d.log().Debugf("session %s already known at an earlier index", igs.Session.ID())
		return nil
	}
	d.log().Debugf("stored session %s for room %s", igs.Session.ID(), igs.RoomID)
	if d.Requester != nil {
		if err := d.Requester.OnRoomKeyArrived(ctx, igs.RoomID, igs.Session.ID(), igs.SenderKey); err != nil {
			d.log().Warnf("cancelling key request failed: %v", err)
		}
	}
	if d.OnNewSession != nil {
		d.OnNewSession(igs.RoomID, igs.Session.ID(), igs.SenderKey)
	}
	if d.Backup != nil {
		d.Backup.MaybeBackupKeys()
	}
	return nil
}

// OnRoomKeyWithheldEvent records a withheld notice so later decryption
// failures can surface the sender's stated reason.
func (d *Decryptor) OnRoomKeyWithheldEvent(ev *event.ToDevice) error {
	var content event.RoomKeyWithheldContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return fmt.Errorf("roomcrypto: parse withheld notice: %w", err)
	}
	if content.Code == "" {
		return fmt.Errorf("roomcrypto: withheld notice missing code")
	}
	// m.no_olm is not session scoped; there is nothing to record against.
	if content.RoomID == "" || content.SessionID == "" {
		d.log().Debugf("withheld notice %s from %s with no session scope", content.Code, ev.Sender)
		return nil
	}
	reason := content.Reason
	if reason == "" {
		reason = content.Code.Reason()
	}
	return d.Store.PutWithheld(store.WithheldRecord{
		RoomID:    content.RoomID,
		SessionID: content.SessionID,
		Code:      content.Code,
		Reason:    reason,
		SenderKey: content.SenderKey,
	})
}

// ImportResult reports a bulk session import.
type ImportResult struct {
	Imported int
	Total    int
}

// ImportSessions stores a batch of portable sessions, as produced by a
// key export or a backup. Sessions already known at an earlier or equal
// index are skipped. Individually corrupt entries are skipped too; the
// import keeps going.
func (d *Decryptor) ImportSessions(ctx context.Context, sessions []*event.MegolmSessionData, trusted bool, progress func(done, total int)) (ImportResult, error) {
	res := ImportResult{Total: len(sessions)}
	for i, data := range sessions {
		if err := d.importOne(ctx, data, trusted); err != nil {
			d.log().Warnf("skipping session %s: %v", data.SessionID, err)
		} else {
			res.Imported++
		}
		if progress != nil {
			progress(i+1, res.Total)
		}
	}
	return res, nil
}

func (d *Decryptor) importOne(ctx context.Context, data *event.MegolmSessionData, trusted bool) error {
	sess, err := olm.ImportExportedSessionKey(data.SessionKey)
	if err != nil {
		return err
	}
	if data.SessionID != "" && sess.ID() != data.SessionID {
		return fmt.Errorf("roomcrypto: session id mismatch")
	}
	igs := &store.InboundGroupSession{
		Session:            sess,
		RoomID:             data.RoomID,
		SenderKey:          data.SenderKey,
		KeysClaimed:        data.SenderClaimedKeys,
		ForwardingKeyChain: data.ForwardingKeyChain,
		ExportFormat:       true,
		SharedHistory:      data.SharedHistory,
		Trusted:            trusted,
	}
	result, err := d.addInboundGroupSession(igs)
	if err != nil {
		return err
	}
	if result != Imported {
		return fmt.Errorf("roomcrypto: already known at an earlier index")
	}
	if d.Requester != nil {
		if err := d.Requester.OnRoomKeyArrived(ctx, igs.RoomID, igs.Session.ID(), igs.SenderKey); err != nil {
			d.log().Warnf("cancelling key request failed: %v", err)
		}
	}
	if d.OnNewSession != nil {
		d.OnNewSession(igs.RoomID, igs.Session.ID(), igs.SenderKey)
	}
	return nil
}
