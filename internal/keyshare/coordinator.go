// Package keyshare implements the room key gossip protocol: outgoing key
// requests with deduplication and cancellation, answering incoming
// requests from our own devices, and quarantining key forwards nobody
// asked for.
package keyshare

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/olm"
	"github.com/gwillem/megolm-go/internal/roomcrypto"
	"github.com/gwillem/megolm-go/internal/store"
)

// ReshareFunc re-sends a previously shared session key to one device. It
// must fail closed when no share record exists.
type ReshareFunc func(ctx context.Context, roomID, sessionID, userID, deviceID, senderKey string) error

// Coordinator manages this device's side of the key request protocol.
type Coordinator struct {
	Account *olm.Account
	Store   *store.Store
	Sender  roomcrypto.ToDeviceSender
	Reshare ReshareFunc
	Log     slog.Logger
}

func (c *Coordinator) log() slog.Logger {
	if c.Log == nil {
		return slog.Disabled
	}
	return c.Log
}

// RequestKey sends a key request for the session to all of our user's
// devices. A request already covering the session, sent or pending, is
// not repeated.
func (c *Coordinator) RequestKey(ctx context.Context, body event.RoomKeyRequestBody) error {
	req := &store.OutgoingKeyRequest{
		RequestID: uuid.NewString(),
		RoomID:    body.RoomID,
		SessionID: body.SessionID,
		SenderKey: body.SenderKey,
		Algorithm: body.Algorithm,
		State:     store.RequestUnsent,
	}
	_, created, err := c.Store.AddOutgoingKeyRequest(req)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	return c.sendRequest(ctx, req)
}

func (c *Coordinator) sendRequest(ctx context.Context, req *store.OutgoingKeyRequest) error {
	content := event.RoomKeyRequestContent{
		Action: event.ActionRequest,
		Body: &event.RoomKeyRequestBody{
			Algorithm: req.Algorithm,
			RoomID:    req.RoomID,
			SenderKey: req.SenderKey,
			SessionID: req.SessionID,
		},
		RequestingDeviceID: c.Account.DeviceID,
		RequestID:          req.RequestID,
	}
	messages := map[string]map[string]any{
		c.Account.UserID: {"*": content},
	}
	if err := c.Sender.SendToDevice(ctx, event.TypeRoomKeyRequest, messages); err != nil {
		return fmt.Errorf("keyshare: send key request: %w", err)
	}
	if err := c.Store.SetOutgoingKeyRequestState(req.RequestID, store.RequestSent); err != nil {
		return err
	}
	c.log().Debugf("sent key request %s for session %s", req.RequestID, req.SessionID)
	return nil
}

// SendPendingRequests flushes requests that were recorded but never made
// it out, typically after a restart or a transient send failure.
func (c *Coordinator) SendPendingRequests(ctx context.Context) error {
	pending, err := c.Store.PendingOutgoingKeyRequests(store.RequestUnsent)
	if err != nil {
		return err
	}
	for _, req := range pending {
		if err := c.sendRequest(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// OnRoomKeyArrived cancels the outstanding request for a session whose
// key just arrived, telling the other devices to stop looking.
func (c *Coordinator) OnRoomKeyArrived(ctx context.Context, roomID, sessionID, senderKey string) error {
	req, err := c.Store.GetOutgoingKeyRequestForSession(roomID, sessionID, senderKey)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}
	if req.State == store.RequestSent {
		content := event.RoomKeyRequestContent{
			Action:             event.ActionRequestCancellation,
			RequestingDeviceID: c.Account.DeviceID,
			RequestID:          req.RequestID,
		}
		messages := map[string]map[string]any{
			c.Account.UserID: {"*": content},
		}
		if err := c.Sender.SendToDevice(ctx, event.TypeRoomKeyRequest, messages); err != nil {
			return fmt.Errorf("keyshare: send cancellation: %w", err)
		}
	}
	c.log().Debugf("cancelled key request %s, session %s arrived", req.RequestID, sessionID)
	return c.Store.DeleteOutgoingKeyRequest(req.RequestID)
}

// HandleIncomingRequest answers an m.room_key_request event. Only our own
// user's other devices are served; requests from anyone else are ignored.
// The actual resharing fails closed: the reshare path withholds the key
// unless a share record proves the device had it.
func (c *Coordinator) HandleIncomingRequest(ctx context.Context, ev *event.ToDevice) error {
	var content event.RoomKeyRequestContent
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return fmt.Errorf("keyshare: parse key request: %w", err)
	}
	switch content.Action {
	case event.ActionRequest:
	case event.ActionRequestCancellation:
		// Requests are handled synchronously, so a cancellation arriving
		// afterwards has nothing to stop.
		c.log().Debugf("key request %s cancelled by %s", content.RequestID, ev.Sender)
		return nil
	default:
		return fmt.Errorf("keyshare: unknown action %q", content.Action)
	}
	if content.Body == nil || content.RequestingDeviceID == "" {
		return fmt.Errorf("keyshare: key request missing fields")
	}
	if ev.Sender != c.Account.UserID {
		c.log().Debugf("ignoring key request from other user %s", ev.Sender)
		return nil
	}
	if content.RequestingDeviceID == c.Account.DeviceID {
		return nil
	}
	if content.Body.Algorithm != event.AlgorithmMegolm {
		c.log().Debugf("ignoring key request for algorithm %q", content.Body.Algorithm)
		return nil
	}
	if c.Reshare == nil {
		return nil
	}
	err := c.Reshare(ctx, content.Body.RoomID, content.Body.SessionID,
		ev.Sender, content.RequestingDeviceID, content.Body.SenderKey)
	if err != nil {
		c.log().Warnf("resharing session %s with %s/%s failed: %v",
			content.Body.SessionID, ev.Sender, content.RequestingDeviceID, err)
	}
	return nil
}
