package keyshare

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/olm"
	"github.com/gwillem/megolm-go/internal/store"
)

type sentMessage struct {
	eventType string
	messages  map[string]map[string]any
}

type fakeSender struct {
	sent []sentMessage
}

func (f *fakeSender) SendToDevice(_ context.Context, eventType string, messages map[string]map[string]any) error {
	f.sent = append(f.sent, sentMessage{eventType, messages})
	return nil
}

func testCoordinator(t *testing.T) (*Coordinator, *fakeSender) {
	t.Helper()
	acct, err := olm.NewAccount("@alice:example.org", "ALICEDEV")
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Open(filepath.Join(t.TempDir(), "crypto.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	sender := &fakeSender{}
	return &Coordinator{Account: acct, Store: st, Sender: sender}, sender
}

func requestBody() event.RoomKeyRequestBody {
	return event.RoomKeyRequestBody{
		Algorithm: event.AlgorithmMegolm,
		RoomID:    "!room:example.org",
		SenderKey: "senderkey",
		SessionID: "sessionid",
	}
}

func TestRequestKeySendsAndDedups(t *testing.T) {
	ctx := context.Background()
	c, sender := testCoordinator(t)
	if err := c.RequestKey(ctx, requestBody()); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 || sender.sent[0].eventType != event.TypeRoomKeyRequest {
		t.Fatalf("sent = %+v", sender.sent)
	}
	content, ok := sender.sent[0].messages["@alice:example.org"]["*"].(event.RoomKeyRequestContent)
	if !ok {
		t.Fatalf("content type %T", sender.sent[0].messages["@alice:example.org"]["*"])
	}
	if content.Action != event.ActionRequest || content.Body.SessionID != "sessionid" {
		t.Fatalf("content = %+v", content)
	}
	if content.RequestingDeviceID != "ALICEDEV" || content.RequestID == "" {
		t.Fatalf("content = %+v", content)
	}

	// A second request for the same session is a no-op.
	if err := c.RequestKey(ctx, requestBody()); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sender.sent))
	}
}

func TestOnRoomKeyArrivedCancels(t *testing.T) {
	ctx := context.Background()
	c, sender := testCoordinator(t)
	body := requestBody()
	if err := c.RequestKey(ctx, body); err != nil {
		t.Fatal(err)
	}
	requestID := sender.sent[0].messages["@alice:example.org"]["*"].(event.RoomKeyRequestContent).RequestID

	if err := c.OnRoomKeyArrived(ctx, body.RoomID, body.SessionID, body.SenderKey); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 2 {
		t.Fatalf("sent = %d, want request + cancellation", len(sender.sent))
	}
	cancel := sender.sent[1].messages["@alice:example.org"]["*"].(event.RoomKeyRequestContent)
	if cancel.Action != event.ActionRequestCancellation || cancel.RequestID != requestID {
		t.Fatalf("cancel = %+v", cancel)
	}

	// The request is gone; a new one for the same session sends again.
	if err := c.RequestKey(ctx, body); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 3 {
		t.Fatalf("sent = %d, want 3", len(sender.sent))
	}
}

func TestOnRoomKeyArrivedWithoutRequest(t *testing.T) {
	ctx := context.Background()
	c, sender := testCoordinator(t)
	if err := c.OnRoomKeyArrived(ctx, "!r", "sess", "sk"); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("cancellation sent for unknown request")
	}
}

func TestSendPendingRequests(t *testing.T) {
	ctx := context.Background()
	c, sender := testCoordinator(t)
	_, _, err := c.Store.AddOutgoingKeyRequest(&store.OutgoingKeyRequest{
		RequestID: "stale", RoomID: "!r", SessionID: "sess",
		SenderKey: "sk", Algorithm: event.AlgorithmMegolm,
		State: store.RequestUnsent,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SendPendingRequests(ctx); err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d", len(sender.sent))
	}
	req, err := c.Store.GetOutgoingKeyRequest("stale")
	if err != nil {
		t.Fatal(err)
	}
	if req.State != store.RequestSent {
		t.Fatalf("state = %d", req.State)
	}
}

type reshareCall struct {
	roomID, sessionID, userID, deviceID, senderKey string
}

func incomingRequest(t *testing.T, sender string, content event.RoomKeyRequestContent) *event.ToDevice {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatal(err)
	}
	return &event.ToDevice{Type: event.TypeRoomKeyRequest, Sender: sender, Content: raw}
}

func TestIncomingRequestFromOwnDeviceReshares(t *testing.T) {
	ctx := context.Background()
	c, _ := testCoordinator(t)
	var calls []reshareCall
	c.Reshare = func(_ context.Context, roomID, sessionID, userID, deviceID, senderKey string) error {
		calls = append(calls, reshareCall{roomID, sessionID, userID, deviceID, senderKey})
		return nil
	}
	body := requestBody()
	ev := incomingRequest(t, "@alice:example.org", event.RoomKeyRequestContent{
		Action: event.ActionRequest, Body: &body,
		RequestingDeviceID: "OTHERDEV", RequestID: "r1",
	})
	if err := c.HandleIncomingRequest(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("reshare calls = %d", len(calls))
	}
	if calls[0].deviceID != "OTHERDEV" || calls[0].sessionID != "sessionid" {
		t.Fatalf("call = %+v", calls[0])
	}
}

func TestIncomingRequestFromOtherUserIgnored(t *testing.T) {
	ctx := context.Background()
	c, _ := testCoordinator(t)
	called := false
	c.Reshare = func(_ context.Context, _, _, _, _, _ string) error {
		called = true
		return nil
	}
	body := requestBody()
	ev := incomingRequest(t, "@eve:example.org", event.RoomKeyRequestContent{
		Action: event.ActionRequest, Body: &body,
		RequestingDeviceID: "EVEDEV", RequestID: "r1",
	})
	if err := c.HandleIncomingRequest(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("reshared to another user")
	}
}

func TestIncomingRequestFromSelfIgnored(t *testing.T) {
	ctx := context.Background()
	c, _ := testCoordinator(t)
	called := false
	c.Reshare = func(_ context.Context, _, _, _, _, _ string) error {
		called = true
		return nil
	}
	body := requestBody()
	ev := incomingRequest(t, "@alice:example.org", event.RoomKeyRequestContent{
		Action: event.ActionRequest, Body: &body,
		RequestingDeviceID: "ALICEDEV", RequestID: "r1",
	})
	if err := c.HandleIncomingRequest(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("answered our own request")
	}
}

func forwardContent(roomID, sessionID string) event.ForwardedRoomKeyContent {
	return event.ForwardedRoomKeyContent{
		Algorithm:  event.AlgorithmMegolm,
		RoomID:     roomID,
		SenderKey:  "creatorkey",
		SessionID:  sessionID,
		SessionKey: "exportedkey",
	}
}

func TestForwardReleasedOnInvite(t *testing.T) {
	ctx := context.Background()
	var accepted []event.ForwardedRoomKeyContent
	m := NewUnrequestedForwardManager(func(_ context.Context, _ string, content event.ForwardedRoomKeyContent) error {
		accepted = append(accepted, content)
		return nil
	})
	defer m.Close()

	m.BufferForward(ctx, "@alice:example.org", "alicekey", forwardContent("!r", "sess1"))
	m.OnRoomInvite(ctx, "!r", "@alice:example.org")
	if len(accepted) != 1 || accepted[0].SessionID != "sess1" {
		t.Fatalf("accepted = %+v", accepted)
	}
}

func TestForwardAfterInviteAccepted(t *testing.T) {
	ctx := context.Background()
	var accepted []event.ForwardedRoomKeyContent
	m := NewUnrequestedForwardManager(func(_ context.Context, _ string, content event.ForwardedRoomKeyContent) error {
		accepted = append(accepted, content)
		return nil
	})
	defer m.Close()

	current := time.Now()
	m.now = func() time.Time { return current }
	m.OnRoomInvite(ctx, "!r", "@alice:example.org")
	if len(accepted) != 0 {
		t.Fatalf("accepted = %+v", accepted)
	}

	// The forward trails the invite; it must be accepted on arrival.
	current = current.Add(2 * time.Second)
	m.BufferForward(ctx, "@alice:example.org", "alicekey", forwardContent("!r", "sess1"))
	if len(accepted) != 1 || accepted[0].SessionID != "sess1" {
		t.Fatalf("accepted = %+v", accepted)
	}
}

func TestForwardAfterInviteFromOtherUserQuarantined(t *testing.T) {
	ctx := context.Background()
	var accepted []event.ForwardedRoomKeyContent
	m := NewUnrequestedForwardManager(func(_ context.Context, _ string, content event.ForwardedRoomKeyContent) error {
		accepted = append(accepted, content)
		return nil
	})
	defer m.Close()

	m.OnRoomInvite(ctx, "!r", "@eve:example.org")
	m.BufferForward(ctx, "@alice:example.org", "alicekey", forwardContent("!r", "sess1"))
	if len(accepted) != 0 {
		t.Fatalf("accepted = %+v", accepted)
	}
}

func TestInviteExpires(t *testing.T) {
	ctx := context.Background()
	var accepted []event.ForwardedRoomKeyContent
	m := NewUnrequestedForwardManager(func(_ context.Context, _ string, content event.ForwardedRoomKeyContent) error {
		accepted = append(accepted, content)
		return nil
	})
	defer m.Close()

	current := time.Now()
	m.now = func() time.Time { return current }
	m.OnRoomInvite(ctx, "!r", "@alice:example.org")

	current = current.Add(DefaultForwardWindow + time.Minute)
	m.BufferForward(ctx, "@alice:example.org", "alicekey", forwardContent("!r", "sess1"))
	if len(accepted) != 0 {
		t.Fatalf("forward accepted from expired invite: %+v", accepted)
	}
}

func TestForwardNotReleasedForOtherInviter(t *testing.T) {
	ctx := context.Background()
	var accepted []event.ForwardedRoomKeyContent
	m := NewUnrequestedForwardManager(func(_ context.Context, _ string, content event.ForwardedRoomKeyContent) error {
		accepted = append(accepted, content)
		return nil
	})
	defer m.Close()

	m.BufferForward(ctx, "@alice:example.org", "alicekey", forwardContent("!r", "sess1"))
	m.OnRoomInvite(ctx, "!r", "@eve:example.org")
	if len(accepted) != 0 {
		t.Fatalf("accepted = %+v", accepted)
	}
	// The forward is still buffered for the right inviter.
	m.OnRoomInvite(ctx, "!r", "@alice:example.org")
	if len(accepted) != 1 {
		t.Fatalf("accepted = %+v", accepted)
	}
}

func TestForwardNotReleasedForOtherRoom(t *testing.T) {
	ctx := context.Background()
	var accepted []event.ForwardedRoomKeyContent
	m := NewUnrequestedForwardManager(func(_ context.Context, _ string, content event.ForwardedRoomKeyContent) error {
		accepted = append(accepted, content)
		return nil
	})
	defer m.Close()

	m.BufferForward(ctx, "@alice:example.org", "alicekey", forwardContent("!r", "sess1"))
	m.OnRoomInvite(ctx, "!other", "@alice:example.org")
	if len(accepted) != 0 {
		t.Fatalf("accepted = %+v", accepted)
	}
}

func TestForwardExpires(t *testing.T) {
	ctx := context.Background()
	var accepted []event.ForwardedRoomKeyContent
	m := NewUnrequestedForwardManager(func(_ context.Context, _ string, content event.ForwardedRoomKeyContent) error {
		accepted = append(accepted, content)
		return nil
	})
	defer m.Close()

	current := time.Now()
	m.now = func() time.Time { return current }
	m.BufferForward(ctx, "@alice:example.org", "alicekey", forwardContent("!r", "sess1"))

	current = current.Add(DefaultForwardWindow + time.Minute)
	m.OnRoomInvite(ctx, "!r", "@alice:example.org")
	if len(accepted) != 0 {
		t.Fatalf("expired forward accepted: %+v", accepted)
	}
}
