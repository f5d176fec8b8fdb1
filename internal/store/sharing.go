package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/gwillem/megolm-go/internal/event"
)

// SharedWithDevice records that a session key was sent to one device at a
// given ratchet index.
type SharedWithDevice struct {
	UserID      string
	DeviceID    string
	IdentityKey string
	ChainIndex  uint32
}

// MarkSessionSharedWith records that the session was shared with the
// device at chainIndex. Re-sharing at a different index keeps the lowest
// index, since that is what the device can decrypt from.
func (s *Store) MarkSessionSharedWith(roomID, sessionID string, d SharedWithDevice) error {
	_, err := s.db.Exec(`
		INSERT INTO shared_with (room_id, session_id, user_id, device_id, identity_key, chain_index)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id, session_id, user_id, device_id) DO UPDATE SET
			identity_key = excluded.identity_key,
			chain_index = MIN(chain_index, excluded.chain_index)`,
		roomID, sessionID, d.UserID, d.DeviceID, d.IdentityKey, d.ChainIndex)
	if err != nil {
		return fmt.Errorf("store: mark shared with: %w", err)
	}
	return nil
}

// GetSharedWith returns the share record for one device, or nil if the
// session was never shared with it.
func (s *Store) GetSharedWith(roomID, sessionID, userID, deviceID string) (*SharedWithDevice, error) {
	var d SharedWithDevice
	err := s.db.QueryRow(`
		SELECT user_id, device_id, identity_key, chain_index FROM shared_with
		WHERE room_id = ? AND session_id = ? AND user_id = ? AND device_id = ?`,
		roomID, sessionID, userID, deviceID).
		Scan(&d.UserID, &d.DeviceID, &d.IdentityKey, &d.ChainIndex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get shared with: %w", err)
	}
	return &d, nil
}

// SharedWithDevices returns every device a session was shared with.
func (s *Store) SharedWithDevices(roomID, sessionID string) ([]SharedWithDevice, error) {
	rows, err := s.db.Query(`
		SELECT user_id, device_id, identity_key, chain_index FROM shared_with
		WHERE room_id = ? AND session_id = ?`,
		roomID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: shared with devices: %w", err)
	}
	defer rows.Close()
	var out []SharedWithDevice
	for rows.Next() {
		var d SharedWithDevice
		if err := rows.Scan(&d.UserID, &d.DeviceID, &d.IdentityKey, &d.ChainIndex); err != nil {
			return nil, fmt.Errorf("store: shared with devices: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// WithheldRecord is a received m.room_key.withheld notice, kept so that
// later decryption failures can surface the real reason instead of a
// generic unknown-session error.
type WithheldRecord struct {
	RoomID    string
	SessionID string
	Code      event.WithheldCode
	Reason    string
	SenderKey string
}

// PutWithheld records a withheld notice for a session.
func (s *Store) PutWithheld(w WithheldRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO withheld (room_id, session_id, code, reason, sender_key)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room_id, session_id) DO UPDATE SET
			code = excluded.code,
			reason = excluded.reason,
			sender_key = excluded.sender_key`,
		w.RoomID, w.SessionID, string(w.Code), w.Reason, w.SenderKey)
	if err != nil {
		return fmt.Errorf("store: put withheld: %w", err)
	}
	return nil
}

// GetWithheld returns the withheld notice for a session, or nil.
func (s *Store) GetWithheld(roomID, sessionID string) (*WithheldRecord, error) {
	var (
		w    WithheldRecord
		code string
	)
	err := s.db.QueryRow(
		"SELECT room_id, session_id, code, reason, sender_key FROM withheld WHERE room_id = ? AND session_id = ?",
		roomID, sessionID).
		Scan(&w.RoomID, &w.SessionID, &code, &w.Reason, &w.SenderKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get withheld: %w", err)
	}
	w.Code = event.WithheldCode(code)
	return &w, nil
}
