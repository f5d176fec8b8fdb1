package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/olm"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAccountRoundTrip(t *testing.T) {
	s := tempStore(t)
	none, err := s.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatal("account in empty store")
	}
	acct, err := olm.NewAccount("@alice:example.org", "ALICEDEV")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAccount(acct); err != nil {
		t.Fatal(err)
	}
	loaded, err := s.LoadAccount()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.IdentityKey() != acct.IdentityKey() || loaded.DeviceID != "ALICEDEV" {
		t.Fatal("loaded account differs")
	}
}

func newInbound(t *testing.T, roomID string) *InboundGroupSession {
	t.Helper()
	out, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	in, err := olm.ImportSessionKey(out.SessionKey())
	if err != nil {
		t.Fatal(err)
	}
	return &InboundGroupSession{
		Session:     in,
		RoomID:      roomID,
		SenderKey:   "sender" + out.ID()[:8],
		KeysClaimed: map[string]string{"ed25519": "claimedkey"},
		Trusted:     true,
	}
}

func TestInboundSessionRoundTrip(t *testing.T) {
	s := tempStore(t)
	igs := newInbound(t, "!room:example.org")
	igs.ForwardingKeyChain = []string{"hop1"}
	igs.ExportFormat = true
	if err := s.PutInboundGroupSession(igs); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetInboundGroupSession(igs.Session.ID(), igs.SenderKey)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("session not found")
	}
	if got.RoomID != igs.RoomID || got.Session.ID() != igs.Session.ID() {
		t.Fatal("identity fields differ")
	}
	if got.KeysClaimed["ed25519"] != "claimedkey" {
		t.Fatal("claimed keys lost")
	}
	if len(got.ForwardingKeyChain) != 1 || got.ForwardingKeyChain[0] != "hop1" {
		t.Fatal("forwarding chain lost")
	}
	if !got.ExportFormat || !got.Trusted || got.BackedUp {
		t.Fatalf("flags: export=%v trusted=%v backedUp=%v",
			got.ExportFormat, got.Trusted, got.BackedUp)
	}

	missing, err := s.GetInboundGroupSession("nope", "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatal("found nonexistent session")
	}
}

func TestBackupMarkers(t *testing.T) {
	s := tempStore(t)
	var sessions []*InboundGroupSession
	for range 3 {
		igs := newInbound(t, "!room:example.org")
		if err := s.PutInboundGroupSession(igs); err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, igs)
	}

	todo, err := s.InboundGroupSessionsToBackup(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(todo) != 3 {
		t.Fatalf("sessions to back up = %d, want 3", len(todo))
	}
	limited, err := s.InboundGroupSessionsToBackup(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("limited query returned %d", len(limited))
	}

	if err := s.MarkInboundSessionsBackedUp(sessions[:2]); err != nil {
		t.Fatal(err)
	}
	total, backedUp, err := s.InboundGroupSessionCounts()
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || backedUp != 2 {
		t.Fatalf("counts = %d/%d, want 2/3 backed up", backedUp, total)
	}

	if err := s.ResetBackupMarkers(); err != nil {
		t.Fatal(err)
	}
	_, backedUp, err = s.InboundGroupSessionCounts()
	if err != nil {
		t.Fatal(err)
	}
	if backedUp != 0 {
		t.Fatalf("backed up after reset = %d", backedUp)
	}
}

func TestOutboundSessionRoundTrip(t *testing.T) {
	s := tempStore(t)
	out, err := olm.NewOutboundGroupSession()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := out.Encrypt([]byte("x")); err != nil {
		t.Fatal(err)
	}
	created := time.Now().Truncate(time.Millisecond)
	rec := &OutboundSessionRecord{Session: out, CreationTime: created, UseCount: 1}
	if err := s.StoreOutboundGroupSession("!room:example.org", rec); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetOutboundGroupSession("!room:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("session not found")
	}
	if got.Session.ID() != out.ID() || got.Session.MessageIndex() != 1 {
		t.Fatal("session state differs")
	}
	if !got.CreationTime.Equal(created) || got.UseCount != 1 {
		t.Fatalf("metadata differs: %v count=%d", got.CreationTime, got.UseCount)
	}

	if err := s.DiscardOutboundGroupSession("!room:example.org"); err != nil {
		t.Fatal(err)
	}
	gone, err := s.GetOutboundGroupSession("!room:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Fatal("session survived discard")
	}
}

func TestSharedWith(t *testing.T) {
	s := tempStore(t)
	d := SharedWithDevice{
		UserID: "@bob:example.org", DeviceID: "BOBDEV",
		IdentityKey: "bobkey", ChainIndex: 5,
	}
	if err := s.MarkSessionSharedWith("!r", "sess", d); err != nil {
		t.Fatal(err)
	}
	// Re-sharing at a higher index must not raise the recorded index.
	d.ChainIndex = 9
	if err := s.MarkSessionSharedWith("!r", "sess", d); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetSharedWith("!r", "sess", "@bob:example.org", "BOBDEV")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ChainIndex != 5 {
		t.Fatalf("got %+v, want chain index 5", got)
	}

	none, err := s.GetSharedWith("!r", "sess", "@bob:example.org", "OTHERDEV")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatal("found share record for unshared device")
	}

	all, err := s.SharedWithDevices("!r", "sess")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("devices = %d", len(all))
	}
}

func TestWithheld(t *testing.T) {
	s := tempStore(t)
	none, err := s.GetWithheld("!r", "sess")
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Fatal("withheld record in empty store")
	}
	w := WithheldRecord{
		RoomID: "!r", SessionID: "sess",
		Code: event.WithheldBlacklisted, Reason: event.WithheldBlacklisted.Reason(),
		SenderKey: "senderkey",
	}
	if err := s.PutWithheld(w); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetWithheld("!r", "sess")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Code != event.WithheldBlacklisted || got.SenderKey != "senderkey" {
		t.Fatalf("got %+v", got)
	}
}

func TestOutgoingKeyRequestDedup(t *testing.T) {
	s := tempStore(t)
	req := &OutgoingKeyRequest{
		RequestID: "req1", RoomID: "!r", SessionID: "sess",
		SenderKey: "sk", Algorithm: event.AlgorithmMegolm,
	}
	got, created, err := s.AddOutgoingKeyRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if !created || got.RequestID != "req1" {
		t.Fatalf("created=%v id=%s", created, got.RequestID)
	}

	dup := &OutgoingKeyRequest{
		RequestID: "req2", RoomID: "!r", SessionID: "sess",
		SenderKey: "sk", Algorithm: event.AlgorithmMegolm,
	}
	got, created, err = s.AddOutgoingKeyRequest(dup)
	if err != nil {
		t.Fatal(err)
	}
	if created || got.RequestID != "req1" {
		t.Fatalf("duplicate request created=%v id=%s", created, got.RequestID)
	}
}

func TestOutgoingKeyRequestLifecycle(t *testing.T) {
	s := tempStore(t)
	req := &OutgoingKeyRequest{
		RequestID: "req1", RoomID: "!r", SessionID: "sess",
		SenderKey: "sk", Algorithm: event.AlgorithmMegolm,
	}
	if _, _, err := s.AddOutgoingKeyRequest(req); err != nil {
		t.Fatal(err)
	}

	pending, err := s.PendingOutgoingKeyRequests(RequestUnsent)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("unsent = %d", len(pending))
	}

	if err := s.SetOutgoingKeyRequestState("req1", RequestSent); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetOutgoingKeyRequest("req1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.State != RequestSent {
		t.Fatalf("got %+v", got)
	}

	if err := s.DeleteOutgoingKeyRequest("req1"); err != nil {
		t.Fatal(err)
	}
	gone, err := s.GetOutgoingKeyRequest("req1")
	if err != nil {
		t.Fatal(err)
	}
	if gone != nil {
		t.Fatal("request survived delete")
	}
}

func TestMetaSettings(t *testing.T) {
	s := tempStore(t)
	v, err := s.KeyBackupVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Fatalf("version in empty store: %q", v)
	}
	if err := s.SetKeyBackupVersion("3"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetKeyBackupVersion("4"); err != nil {
		t.Fatal(err)
	}
	v, err = s.KeyBackupVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != "4" {
		t.Fatalf("version = %q", v)
	}
}

func TestExportKeys(t *testing.T) {
	s := tempStore(t)
	igs := newInbound(t, "!room:example.org")
	if err := s.PutInboundGroupSession(igs); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetInboundGroupSession(igs.Session.ID(), igs.SenderKey)
	if err != nil {
		t.Fatal(err)
	}
	data, err := got.ExportKeys()
	if err != nil {
		t.Fatal(err)
	}
	if data.Algorithm != event.AlgorithmMegolm || data.SessionID != igs.Session.ID() {
		t.Fatalf("got %+v", data)
	}
	if data.ForwardingKeyChain == nil || data.SenderClaimedKeys == nil {
		t.Fatal("nil collections in export")
	}
	reimported, err := olm.ImportExportedSessionKey(data.SessionKey)
	if err != nil {
		t.Fatal(err)
	}
	if reimported.ID() != igs.Session.ID() {
		t.Fatal("export changed session identity")
	}
}
