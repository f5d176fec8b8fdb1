package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/olm"
)

// InboundGroupSession is a received group session plus the metadata needed
// to judge trust, answer key requests, and back it up.
type InboundGroupSession struct {
	Session            *olm.InboundGroupSession
	RoomID             string
	SenderKey          string
	KeysClaimed        map[string]string
	ForwardingKeyChain []string
	// ExportFormat records whether the session arrived as an unsigned
	// export (forwarded or restored) rather than directly from its
	// creator.
	ExportFormat  bool
	SharedHistory bool
	Trusted       bool
	BackedUp      bool
}

// ExportKeys renders the session in the portable format used for forwards
// and backups, exported at its first known index.
func (igs *InboundGroupSession) ExportKeys() (*event.MegolmSessionData, error) {
	exported, err := igs.Session.Export(igs.Session.FirstKnownIndex())
	if err != nil {
		return nil, err
	}
	claimed := igs.KeysClaimed
	if claimed == nil {
		claimed = map[string]string{}
	}
	chain := igs.ForwardingKeyChain
	if chain == nil {
		chain = []string{}
	}
	return &event.MegolmSessionData{
		Algorithm:          event.AlgorithmMegolm,
		RoomID:             igs.RoomID,
		SenderKey:          igs.SenderKey,
		SessionID:          igs.Session.ID(),
		SessionKey:         exported,
		SenderClaimedKeys:  claimed,
		ForwardingKeyChain: chain,
		SharedHistory:      igs.SharedHistory,
	}, nil
}

// PutInboundGroupSession inserts or replaces an inbound session. The
// caller decides whether a replace is warranted; the store does not
// compare indices.
func (s *Store) PutInboundGroupSession(igs *InboundGroupSession) error {
	exported, err := igs.Session.Export(igs.Session.FirstKnownIndex())
	if err != nil {
		return fmt.Errorf("store: export inbound session: %w", err)
	}
	claimed, err := json.Marshal(igs.KeysClaimed)
	if err != nil {
		return fmt.Errorf("store: marshal claimed keys: %w", err)
	}
	chain := igs.ForwardingKeyChain
	if chain == nil {
		chain = []string{}
	}
	chainJSON, err := json.Marshal(chain)
	if err != nil {
		return fmt.Errorf("store: marshal forwarding chain: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO inbound_group_session
			(session_id, sender_key, room_id, session_key, first_known_index,
			 keys_claimed, forwarding_chain, export_format, shared_history, trusted, backed_up)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, sender_key) DO UPDATE SET
			room_id = excluded.room_id,
			session_key = excluded.session_key,
			first_known_index = excluded.first_known_index,
			keys_claimed = excluded.keys_claimed,
			forwarding_chain = excluded.forwarding_chain,
			export_format = excluded.export_format,
			shared_history = excluded.shared_history,
			trusted = excluded.trusted,
			backed_up = excluded.backed_up`,
		igs.Session.ID(), igs.SenderKey, igs.RoomID, exported,
		igs.Session.FirstKnownIndex(), string(claimed), string(chainJSON),
		igs.ExportFormat, igs.SharedHistory, igs.Trusted, igs.BackedUp,
	)
	if err != nil {
		return fmt.Errorf("store: put inbound session: %w", err)
	}
	return nil
}

func scanInboundSession(row interface{ Scan(...any) error }) (*InboundGroupSession, error) {
	var (
		sessionKey, senderKey, roomID string
		claimed, chain                string
		igs                           InboundGroupSession
	)
	err := row.Scan(&senderKey, &roomID, &sessionKey, &claimed, &chain,
		&igs.ExportFormat, &igs.SharedHistory, &igs.Trusted, &igs.BackedUp)
	if err != nil {
		return nil, err
	}
	sess, err := olm.ImportExportedSessionKey(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt inbound session: %w", err)
	}
	igs.Session = sess
	igs.SenderKey = senderKey
	igs.RoomID = roomID
	if err := json.Unmarshal([]byte(claimed), &igs.KeysClaimed); err != nil {
		return nil, fmt.Errorf("store: corrupt claimed keys: %w", err)
	}
	if err := json.Unmarshal([]byte(chain), &igs.ForwardingKeyChain); err != nil {
		return nil, fmt.Errorf("store: corrupt forwarding chain: %w", err)
	}
	return &igs, nil
}

const inboundColumns = `sender_key, room_id, session_key, keys_claimed,
	forwarding_chain, export_format, shared_history, trusted, backed_up`

// GetInboundGroupSession returns the stored session, or nil if absent.
func (s *Store) GetInboundGroupSession(sessionID, senderKey string) (*InboundGroupSession, error) {
	row := s.db.QueryRow(
		"SELECT "+inboundColumns+" FROM inbound_group_session WHERE session_id = ? AND sender_key = ?",
		sessionID, senderKey,
	)
	igs, err := scanInboundSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get inbound session: %w", err)
	}
	return igs, nil
}

func (s *Store) queryInboundSessions(query string, args ...any) ([]*InboundGroupSession, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query inbound sessions: %w", err)
	}
	defer rows.Close()
	var sessions []*InboundGroupSession
	for rows.Next() {
		igs, err := scanInboundSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan inbound session: %w", err)
		}
		sessions = append(sessions, igs)
	}
	return sessions, rows.Err()
}

// AllInboundGroupSessions returns every stored inbound session, for bulk
// export.
func (s *Store) AllInboundGroupSessions() ([]*InboundGroupSession, error) {
	return s.queryInboundSessions(
		"SELECT " + inboundColumns + " FROM inbound_group_session ORDER BY session_id")
}

// InboundGroupSessionsToBackup returns up to limit sessions not yet
// acknowledged by the backup server.
func (s *Store) InboundGroupSessionsToBackup(limit int) ([]*InboundGroupSession, error) {
	return s.queryInboundSessions(
		"SELECT "+inboundColumns+" FROM inbound_group_session WHERE backed_up = 0 ORDER BY session_id LIMIT ?",
		limit)
}

// MarkInboundSessionsBackedUp flags the given sessions as acknowledged by
// the backup server.
func (s *Store) MarkInboundSessionsBackedUp(sessions []*InboundGroupSession) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: mark backed up: %w", err)
	}
	defer tx.Rollback()
	for _, igs := range sessions {
		_, err := tx.Exec(
			"UPDATE inbound_group_session SET backed_up = 1 WHERE session_id = ? AND sender_key = ?",
			igs.Session.ID(), igs.SenderKey)
		if err != nil {
			return fmt.Errorf("store: mark backed up: %w", err)
		}
	}
	return tx.Commit()
}

// ResetBackupMarkers clears the backed-up flag on every session, forcing a
// full re-upload after the backup version changes.
func (s *Store) ResetBackupMarkers() error {
	if _, err := s.db.Exec("UPDATE inbound_group_session SET backed_up = 0"); err != nil {
		return fmt.Errorf("store: reset backup markers: %w", err)
	}
	return nil
}

// InboundGroupSessionCounts returns the total number of inbound sessions
// and how many of them are already backed up.
func (s *Store) InboundGroupSessionCounts() (total, backedUp int, err error) {
	err = s.db.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(backed_up), 0) FROM inbound_group_session").
		Scan(&total, &backedUp)
	if err != nil {
		return 0, 0, fmt.Errorf("store: count inbound sessions: %w", err)
	}
	return total, backedUp, nil
}

// OutboundSessionRecord is a persisted outbound session together with the
// rotation counters the encryption layer tracks.
type OutboundSessionRecord struct {
	Session      *olm.OutboundGroupSession
	CreationTime time.Time
	UseCount     int
}

// StoreOutboundGroupSession persists the room's current outbound session.
func (s *Store) StoreOutboundGroupSession(roomID string, rec *OutboundSessionRecord) error {
	pickle, err := rec.Session.Pickle()
	if err != nil {
		return fmt.Errorf("store: pickle outbound session: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO outbound_group_session (room_id, pickle, creation_ts, use_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			pickle = excluded.pickle,
			creation_ts = excluded.creation_ts,
			use_count = excluded.use_count`,
		roomID, pickle, rec.CreationTime.UnixMilli(), rec.UseCount)
	if err != nil {
		return fmt.Errorf("store: store outbound session: %w", err)
	}
	return nil
}

// GetOutboundGroupSession returns the room's current outbound session, or
// nil if none is stored.
func (s *Store) GetOutboundGroupSession(roomID string) (*OutboundSessionRecord, error) {
	var (
		pickle     []byte
		creationTS int64
		useCount   int
	)
	err := s.db.QueryRow(
		"SELECT pickle, creation_ts, use_count FROM outbound_group_session WHERE room_id = ?",
		roomID).Scan(&pickle, &creationTS, &useCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get outbound session: %w", err)
	}
	sess, err := olm.UnpickleOutboundGroupSession(pickle)
	if err != nil {
		return nil, fmt.Errorf("store: corrupt outbound session: %w", err)
	}
	return &OutboundSessionRecord{
		Session:      sess,
		CreationTime: time.UnixMilli(creationTS),
		UseCount:     useCount,
	}, nil
}

// DiscardOutboundGroupSession drops the room's outbound session so the
// next encryption creates a fresh one. Shared-with records for the old
// session are kept: they still answer re-share requests.
func (s *Store) DiscardOutboundGroupSession(roomID string) error {
	if _, err := s.db.Exec("DELETE FROM outbound_group_session WHERE room_id = ?", roomID); err != nil {
		return fmt.Errorf("store: discard outbound session: %w", err)
	}
	return nil
}
