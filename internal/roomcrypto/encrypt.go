package roomcrypto

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/store"
)

// classified is the device roster for one encryption, split by what each
// device gets: the key, a withheld notice, or nothing until reviewed.
type classified struct {
	recipients []DeviceInfo
	blocked    []DeviceInfo
	unverified []DeviceInfo
	unknown    map[string][]string
}

func (e *Encryptor) classifyDevices(devices map[string][]DeviceInfo) classified {
	cfg := e.Config.withDefaults()
	var c classified
	for userID, list := range devices {
		for _, d := range list {
			if d.UserID == e.Account.UserID && d.DeviceID == e.Account.DeviceID {
				continue
			}
			switch {
			case d.Blocked:
				c.blocked = append(c.blocked, d)
			case !d.Known:
				if c.unknown == nil {
					c.unknown = make(map[string][]string)
				}
				c.unknown[userID] = append(c.unknown[userID], d.DeviceID)
			case cfg.BlockUnverifiedDevices && !d.Verified:
				c.unverified = append(c.unverified, d)
			default:
				c.recipients = append(c.recipients, d)
			}
		}
	}
	return c
}

func recipientSet(recipients []DeviceInfo) map[string]map[string]bool {
	set := make(map[string]map[string]bool)
	for _, d := range recipients {
		if set[d.UserID] == nil {
			set[d.UserID] = make(map[string]bool)
		}
		set[d.UserID][d.DeviceID] = true
	}
	return set
}

// EncryptEventContent encrypts a room event for the given users' devices.
// It ensures a fresh enough outbound session, shares its key with every
// eligible device that lacks it, notifies ineligible devices the key is
// withheld, and returns the m.room.encrypted content.
//
// If any recipient device is unknown to the local user, nothing is
// encrypted and an *UnknownDeviceError lists them.
func (e *Encryptor) EncryptEventContent(ctx context.Context, eventType string, content any, userIDs []string) (*event.EncryptedContent, error) {
	// The ratchet index lives in the stored session record. Concurrent
	// encryptions must not load the same index, or two messages would
	// reuse the same keystream.
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.prepareSession(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"room_id": e.RoomID,
		"type":    eventType,
		"content": content,
	})
	if err != nil {
		return nil, fmt.Errorf("roomcrypto: marshal payload: %w", err)
	}
	ciphertext, err := rec.Session.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	rec.UseCount++
	if err := e.Store.StoreOutboundGroupSession(e.RoomID, rec); err != nil {
		return nil, err
	}
	return &event.EncryptedContent{
		Algorithm:  event.AlgorithmMegolm,
		SenderKey:  e.Account.IdentityKey(),
		Ciphertext: ciphertext,
		SessionID:  rec.Session.ID(),
		DeviceID:   e.Account.DeviceID,
	}, nil
}

// PreshareKey distributes the room's current session key to the given
// users' devices without encrypting anything, so the first message sends
// without the sharing latency.
func (e *Encryptor) PreshareKey(ctx context.Context, userIDs []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.prepareSession(ctx, userIDs)
	return err
}

// prepareSession runs the shared front half of encrypt and preshare:
// download and classify devices, rotate or create the session, share the
// key, and send withheld notices.
func (e *Encryptor) prepareSession(ctx context.Context, userIDs []string) (*store.OutboundSessionRecord, error) {
	devices, err := e.Devices.DownloadKeys(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("roomcrypto: download device keys: %w", err)
	}
	c := e.classifyDevices(devices)
	if len(c.unknown) > 0 {
		return nil, &UnknownDeviceError{Devices: c.unknown}
	}

	rec, err := e.ensureOutboundSession(recipientSet(c.recipients))
	if err != nil {
		return nil, err
	}
	if err := e.shareKey(ctx, rec, c.recipients); err != nil {
		return nil, err
	}
	e.notifyWithheld(ctx, rec.Session.ID(), event.WithheldBlacklisted, c.blocked)
	e.notifyWithheld(ctx, rec.Session.ID(), event.WithheldUnverified, c.unverified)
	return rec, nil
}

// shareKey sends the session key to every device that does not have it
// yet, in sequential batches so one huge room cannot produce an unbounded
// request.
func (e *Encryptor) shareKey(ctx context.Context, rec *store.OutboundSessionRecord, devices []DeviceInfo) error {
	var missing []DeviceInfo
	for _, d := range devices {
		shared, err := e.Store.GetSharedWith(e.RoomID, rec.Session.ID(), d.UserID, d.DeviceID)
		if err != nil {
			return err
		}
		if shared == nil {
			missing = append(missing, d)
		}
	}
	for len(missing) > 0 {
		batch := missing
		if len(batch) > shareBatchSize {
			batch = batch[:shareBatchSize]
		}
		missing = missing[len(batch):]
		if err := e.shareKeyBatch(ctx, rec, batch); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encryptor) shareKeyBatch(ctx context.Context, rec *store.OutboundSessionRecord, batch []DeviceInfo) error {
	// Pairwise channels are established per user in parallel; everything
	// after that is cheap local crypto.
	byUser := make(map[string][]DeviceInfo)
	for _, d := range batch {
		byUser[d.UserID] = append(byUser[d.UserID], d)
	}
	var (
		mu    sync.Mutex
		ready []DeviceInfo
		noOlm []DeviceInfo
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, userDevices := range byUser {
		g.Go(func() error {
			ok, missing, err := e.Pairwise.EnsureSessions(gctx, userDevices)
			if err != nil {
				return err
			}
			mu.Lock()
			ready = append(ready, ok...)
			noOlm = append(noOlm, missing...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("roomcrypto: establish sessions: %w", err)
	}

	chainIndex := rec.Session.MessageIndex()
	roomKey := event.RoomKeyContent{
		Algorithm:     event.AlgorithmMegolm,
		RoomID:        e.RoomID,
		SessionID:     rec.Session.ID(),
		SessionKey:    rec.Session.SessionKey(),
		ChainIndex:    chainIndex,
		SharedHistory: e.Config.SharedHistory,
	}
	messages := make(map[string]map[string]any)
	for _, d := range ready {
		encrypted, err := e.Pairwise.EncryptTo(d, event.TypeRoomKey, roomKey)
		if err != nil {
			return err
		}
		if messages[d.UserID] == nil {
			messages[d.UserID] = make(map[string]any)
		}
		messages[d.UserID][d.DeviceID] = json.RawMessage(encrypted)
	}
	if len(messages) > 0 {
		if err := e.Sender.SendToDevice(ctx, event.TypeEncrypted, messages); err != nil {
			return fmt.Errorf("roomcrypto: send room key: %w", err)
		}
	}
	// Record shares only after the send succeeded, so a failed send is
	// retried rather than silently skipped next time.
	for _, d := range ready {
		err := e.Store.MarkSessionSharedWith(e.RoomID, rec.Session.ID(), store.SharedWithDevice{
			UserID:      d.UserID,
			DeviceID:    d.DeviceID,
			IdentityKey: d.IdentityKey,
			ChainIndex:  chainIndex,
		})
		if err != nil {
			return err
		}
	}
	e.notifyWithheld(ctx, rec.Session.ID(), event.WithheldNoOlm, noOlm)
	return nil
}

// notifyWithheld tells the given devices, in plaintext, that the session
// key is deliberately not shared with them. Failures are logged, not
// fatal: the notice is best effort.
func (e *Encryptor) notifyWithheld(ctx context.Context, sessionID string, code event.WithheldCode, devices []DeviceInfo) {
	if len(devices) == 0 {
		return
	}
	content := event.RoomKeyWithheldContent{
		Algorithm:  event.AlgorithmMegolm,
		RoomID:     e.RoomID,
		SessionID:  sessionID,
		SenderKey:  e.Account.IdentityKey(),
		Code:       code,
		Reason:     code.Reason(),
		FromDevice: e.Account.DeviceID,
	}
	// m.no_olm applies to all future sessions with the device, so it
	// omits the room and session.
	if code == event.WithheldNoOlm {
		content.RoomID = ""
		content.SessionID = ""
	}
	messages := make(map[string]map[string]any)
	for _, d := range devices {
		if messages[d.UserID] == nil {
			messages[d.UserID] = make(map[string]any)
		}
		messages[d.UserID][d.DeviceID] = content
	}
	if err := e.Sender.SendToDevice(ctx, event.TypeRoomKeyWithheld, messages); err != nil {
		e.log().Warnf("sending withheld notice (%s) failed: %v", code, err)
	}
}

// ReshareKey re-sends a session key to one device, in response to its key
// request. Verified devices get the key outright. For everything else a
// share record must prove the device already received this key, and the
// device must still hold the identity key it was shared to.
func (e *Encryptor) ReshareKey(ctx context.Context, sessionID, userID, deviceID, senderKey string) error {
	device, err := e.Devices.UserDevice(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return fmt.Errorf("roomcrypto: reshare to unknown device %s/%s", userID, deviceID)
	}
	if !device.Verified {
		shared, err := e.Store.GetSharedWith(e.RoomID, sessionID, userID, deviceID)
		if err != nil {
			return err
		}
		if shared == nil || shared.IdentityKey != device.IdentityKey {
			e.notifyWithheld(ctx, sessionID, event.WithheldUnauthorised, []DeviceInfo{*device})
			return fmt.Errorf("roomcrypto: device %s/%s is not authorised for session %s", userID, deviceID, sessionID)
		}
	}

	igs, err := e.Store.GetInboundGroupSession(sessionID, senderKey)
	if err != nil {
		return err
	}
	if igs == nil {
		e.notifyWithheld(ctx, sessionID, event.WithheldUnavailable, []DeviceInfo{*device})
		return fmt.Errorf("roomcrypto: session %s not found for reshare", sessionID)
	}
	data, err := igs.ExportKeys()
	if err != nil {
		return err
	}
	forward := event.ForwardedRoomKeyContent{
		Algorithm:               data.Algorithm,
		RoomID:                  data.RoomID,
		SenderKey:               data.SenderKey,
		SessionID:               data.SessionID,
		SessionKey:              data.SessionKey,
		SenderClaimedEd25519Key: data.SenderClaimedKeys["ed25519"],
		ForwardingKeyChain:      data.ForwardingKeyChain,
		SharedHistory:           data.SharedHistory,
	}
	ready, _, err := e.Pairwise.EnsureSessions(ctx, []DeviceInfo{*device})
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return fmt.Errorf("roomcrypto: no secure channel to %s/%s", userID, deviceID)
	}
	encrypted, err := e.Pairwise.EncryptTo(*device, event.TypeForwardedRoomKey, forward)
	if err != nil {
		return err
	}
	messages := map[string]map[string]any{
		userID: {deviceID: json.RawMessage(encrypted)},
	}
	if err := e.Sender.SendToDevice(ctx, event.TypeEncrypted, messages); err != nil {
		return fmt.Errorf("roomcrypto: send reshared key: %w", err)
	}
	e.log().Debugf("reshared session %s with %s/%s", sessionID, userID, deviceID)
	return nil
}
