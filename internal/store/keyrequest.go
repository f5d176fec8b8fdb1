package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// RequestState tracks an outgoing key request through its lifecycle.
type RequestState int

const (
	RequestUnsent RequestState = iota
	RequestSent
)

// OutgoingKeyRequest is a pending or sent m.room_key_request of ours.
type OutgoingKeyRequest struct {
	RequestID string
	RoomID    string
	SessionID string
	SenderKey string
	Algorithm string
	State     RequestState
}

// AddOutgoingKeyRequest records a new key request. If a request for the
// same session already exists, the existing one is returned and created is
// false.
func (s *Store) AddOutgoingKeyRequest(req *OutgoingKeyRequest) (existing *OutgoingKeyRequest, created bool, err error) {
	prior, err := s.GetOutgoingKeyRequestForSession(req.RoomID, req.SessionID, req.SenderKey)
	if err != nil {
		return nil, false, err
	}
	if prior != nil {
		return prior, false, nil
	}
	_, err = s.db.Exec(`
		INSERT INTO outgoing_key_request (request_id, room_id, session_id, sender_key, algorithm, state)
		VALUES (?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.RoomID, req.SessionID, req.SenderKey, req.Algorithm, int(req.State))
	if err != nil {
		return nil, false, fmt.Errorf("store: add key request: %w", err)
	}
	return req, true, nil
}

func scanKeyRequest(row interface{ Scan(...any) error }) (*OutgoingKeyRequest, error) {
	var (
		req   OutgoingKeyRequest
		state int
	)
	err := row.Scan(&req.RequestID, &req.RoomID, &req.SessionID, &req.SenderKey, &req.Algorithm, &state)
	if err != nil {
		return nil, err
	}
	req.State = RequestState(state)
	return &req, nil
}

const keyRequestColumns = "request_id, room_id, session_id, sender_key, algorithm, state"

// GetOutgoingKeyRequest returns a request by its ID, or nil.
func (s *Store) GetOutgoingKeyRequest(requestID string) (*OutgoingKeyRequest, error) {
	req, err := scanKeyRequest(s.db.QueryRow(
		"SELECT "+keyRequestColumns+" FROM outgoing_key_request WHERE request_id = ?",
		requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get key request: %w", err)
	}
	return req, nil
}

// GetOutgoingKeyRequestForSession returns the request covering a session,
// or nil.
func (s *Store) GetOutgoingKeyRequestForSession(roomID, sessionID, senderKey string) (*OutgoingKeyRequest, error) {
	req, err := scanKeyRequest(s.db.QueryRow(
		"SELECT "+keyRequestColumns+" FROM outgoing_key_request WHERE room_id = ? AND session_id = ? AND sender_key = ?",
		roomID, sessionID, senderKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get key request for session: %w", err)
	}
	return req, nil
}

// SetOutgoingKeyRequestState advances a request's lifecycle state.
func (s *Store) SetOutgoingKeyRequestState(requestID string, state RequestState) error {
	_, err := s.db.Exec(
		"UPDATE outgoing_key_request SET state = ? WHERE request_id = ?",
		int(state), requestID)
	if err != nil {
		return fmt.Errorf("store: set key request state: %w", err)
	}
	return nil
}

// DeleteOutgoingKeyRequest removes a request, typically after the key
// arrived or a cancellation was sent.
func (s *Store) DeleteOutgoingKeyRequest(requestID string) error {
	if _, err := s.db.Exec("DELETE FROM outgoing_key_request WHERE request_id = ?", requestID); err != nil {
		return fmt.Errorf("store: delete key request: %w", err)
	}
	return nil
}

// PendingOutgoingKeyRequests returns requests in the given state, oldest
// insertion order first.
func (s *Store) PendingOutgoingKeyRequests(state RequestState) ([]*OutgoingKeyRequest, error) {
	rows, err := s.db.Query(
		"SELECT "+keyRequestColumns+" FROM outgoing_key_request WHERE state = ? ORDER BY rowid",
		int(state))
	if err != nil {
		return nil, fmt.Errorf("store: pending key requests: %w", err)
	}
	defer rows.Close()
	var out []*OutgoingKeyRequest
	for rows.Next() {
		req, err := scanKeyRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("store: pending key requests: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
