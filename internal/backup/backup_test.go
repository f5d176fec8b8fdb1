package backup

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/gwillem/megolm-go/internal/event"
	"github.com/gwillem/megolm-go/internal/olm"
	"github.com/gwillem/megolm-go/internal/roomcrypto"
	"github.com/gwillem/megolm-go/internal/store"
)

func TestRecoveryKeyRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	recovery := ComputeRecoveryKey(key)
	if !IsValidRecoveryKey(recovery) {
		t.Fatalf("generated key invalid: %s", recovery)
	}
	got, err := ExtractKeyFromRecoveryKey(recovery)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, key) {
		t.Fatal("round trip changed key")
	}
	// Whitespace and grouping are cosmetic.
	compact := strings.Join(strings.Fields(recovery), "")
	if _, err := ExtractKeyFromRecoveryKey(compact); err != nil {
		t.Fatal(err)
	}
}

func TestRecoveryKeyRejectsCorruption(t *testing.T) {
	key := make([]byte, 32)
	recovery := ComputeRecoveryKey(key)
	// Flip one character.
	corrupted := []byte(strings.Join(strings.Fields(recovery), ""))
	if corrupted[10] == 'a' {
		corrupted[10] = 'b'
	} else {
		corrupted[10] = 'a'
	}
	if IsValidRecoveryKey(string(corrupted)) {
		t.Fatal("corrupted recovery key accepted")
	}
	if IsValidRecoveryKey("too short") {
		t.Fatal("garbage accepted")
	}
}

func TestPassphraseDerivationMatchesPBKDF2(t *testing.T) {
	const iterations = 1000
	got := deriveKey("correct horse", "somesalt", iterations, nil)
	want := pbkdf2.Key([]byte("correct horse"), []byte("somesalt"), iterations, derivedKeyLen, sha512.New)
	if !bytes.Equal(got, want) {
		t.Fatal("derived key differs from PBKDF2 reference")
	}
}

func TestPassphraseProgressReaches100(t *testing.T) {
	var last int
	deriveKey("pw", "salt", 500, func(percent int) { last = percent })
	if last != 100 {
		t.Fatalf("final progress = %d", last)
	}
}

func TestGenerateAndRetrievePrivateKey(t *testing.T) {
	key, salt, iterations, err := GeneratePrivateKeyWithPassword("hunter2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if iterations != DefaultKeyIterations || salt == "" {
		t.Fatalf("salt=%q iterations=%d", salt, iterations)
	}
	again, err := RetrievePrivateKeyWithPassword("hunter2", salt, iterations, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, again) {
		t.Fatal("re-derived key differs")
	}
	other, err := RetrievePrivateKeyWithPassword("wrong", salt, iterations, nil)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(key, other) {
		t.Fatal("wrong passphrase derived the same key")
	}
}

// fakeBackupServer is an in-memory /room_keys implementation.
type fakeBackupServer struct {
	mu       sync.Mutex
	versions map[string]*VersionResult
	current  string
	nextVer  int
	keys     map[string]*KeysBackupData // by version
}

func newFakeBackupServer() *fakeBackupServer {
	return &fakeBackupServer{
		versions: make(map[string]*VersionResult),
		keys:     make(map[string]*KeysBackupData),
	}
}

func (f *fakeBackupServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/_matrix/client/v3/room_keys/version", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			v, ok := f.versions[f.current]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				json.NewEncoder(w).Encode(map[string]string{"errcode": "M_NOT_FOUND"})
				return
			}
			json.NewEncoder(w).Encode(v)
		case http.MethodPost:
			var body VersionResult
			json.NewDecoder(r.Body).Decode(&body)
			f.nextVer++
			version := strconv.Itoa(f.nextVer)
			body.Version = version
			f.versions[version] = &body
			f.current = version
			f.keys[version] = &KeysBackupData{Rooms: map[string]RoomKeysBackupData{}}
			json.NewEncoder(w).Encode(map[string]string{"version": version})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/_matrix/client/v3/room_keys/version/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		version := strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/room_keys/version/")
		v, ok := f.versions[version]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_NOT_FOUND"})
			return
		}
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(v)
		case http.MethodPut:
			var body VersionResult
			json.NewDecoder(r.Body).Decode(&body)
			v.AuthData = body.AuthData
			w.Write([]byte("{}"))
		case http.MethodDelete:
			delete(f.versions, version)
			delete(f.keys, version)
			if f.current == version {
				f.current = ""
			}
			w.Write([]byte("{}"))
		}
	})
	mux.HandleFunc("/_matrix/client/v3/room_keys/keys", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		version := r.URL.Query().Get("version")
		if version != f.current {
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]string{"errcode": "M_WRONG_ROOM_KEYS_VERSION"})
			return
		}
		stored := f.keys[version]
		switch r.Method {
		case http.MethodPut:
			var body KeysBackupData
			json.NewDecoder(r.Body).Decode(&body)
			for roomID, room := range body.Rooms {
				dst, ok := stored.Rooms[roomID]
				if !ok {
					dst = RoomKeysBackupData{Sessions: map[string]KeyBackupData{}}
					stored.Rooms[roomID] = dst
				}
				for id, data := range room.Sessions {
					dst.Sessions[id] = data
				}
			}
			w.Write([]byte("{}"))
		case http.MethodGet:
			json.NewEncoder(w).Encode(stored)
		}
	})
	return mux
}

type backupFixture struct {
	service *Service
	server  *fakeBackupServer
	store   *store.Store
	dec     *roomcrypto.Decryptor
}

func newFixture(t *testing.T) *backupFixture {
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

	fake := newFakeBackupServer()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	dec := &roomcrypto.Decryptor{Account: acct, Store: st}
	return &backupFixture{
		service: &Service{
			Account:  acct,
			Store:    st,
			Client:   NewClient(srv.URL, "token", nil),
			Importer: dec,
			// Keep the scheduled upload from firing mid-test; tests
			// drive BackupAllKeys explicitly.
			MaxBackupDelay: time.Hour,
		},
		server: fake,
		store:  st,
		dec:    dec,
	}
}

// seedSessions stores n fresh inbound sessions and returns their IDs.
func (fx *backupFixture) seedSessions(t *testing.T, n int) []string {
	t.Helper()
	var ids []string
	for range n {
		out, err := olm.NewOutboundGroupSession()
		if err != nil {
			t.Fatal(err)
		}
		in, err := olm.ImportSessionKey(out.SessionKey())
		if err != nil {
			t.Fatal(err)
		}
		err = fx.store.PutInboundGroupSession(&store.InboundGroupSession{
			Session:     in,
			RoomID:      "!room:example.org",
			SenderKey:   "senderkey",
			KeysClaimed: map[string]string{"ed25519": "claimed"},
			Trusted:     true,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, in.ID())
	}
	return ids
}

func TestCheckWithNoServerBackup(t *testing.T) {
	fx := newFixture(t)
	v, err := fx.service.CheckAndStartKeysBackup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != nil {
		t.Fatalf("version = %+v", v)
	}
	if fx.service.State() != StateDisabled {
		t.Fatalf("state = %s", fx.service.State())
	}
}

func TestCreateAndBackupFlow(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	ids := fx.seedSessions(t, 3)

	info, err := fx.service.PrepareVersion("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !IsValidRecoveryKey(info.RecoveryKey) {
		t.Fatalf("bad recovery key %q", info.RecoveryKey)
	}
	version, err := fx.service.CreateVersion(ctx, info)
	if err != nil {
		t.Fatal(err)
	}
	if fx.service.State() != StateWillBackUp {
		t.Fatalf("state after create = %s", fx.service.State())
	}
	if err := fx.service.BackupAllKeys(ctx); err != nil {
		t.Fatal(err)
	}
	if fx.service.State() != StateReadyToBackUp {
		t.Fatalf("state after backup = %s", fx.service.State())
	}
	total, backedUp, err := fx.store.InboundGroupSessionCounts()
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || backedUp != 3 {
		t.Fatalf("counts = %d/%d", backedUp, total)
	}

	// The server holds one blob per session, each opening with the
	// recovery key.
	priv, err := ExtractKeyFromRecoveryKey(info.RecoveryKey)
	if err != nil {
		t.Fatal(err)
	}
	stored := fx.server.keys[version.Version].Rooms["!room:example.org"].Sessions
	if len(stored) != 3 {
		t.Fatalf("server sessions = %d", len(stored))
	}
	for _, id := range ids {
		data, ok := stored[id]
		if !ok {
			t.Fatalf("session %s not on server", id)
		}
		session, err := decryptSessionData(priv, data.SessionData)
		if err != nil {
			t.Fatal(err)
		}
		if session.SessionID != id {
			t.Fatalf("blob names session %s", session.SessionID)
		}
	}
}

func TestBackupSkipsAlreadyBackedUp(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedSessions(t, 2)

	info, err := fx.service.PrepareVersion("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.service.CreateVersion(ctx, info); err != nil {
		t.Fatal(err)
	}
	if err := fx.service.BackupAllKeys(ctx); err != nil {
		t.Fatal(err)
	}
	todo, err := fx.store.InboundGroupSessionsToBackup(100)
	if err != nil {
		t.Fatal(err)
	}
	if len(todo) != 0 {
		t.Fatalf("sessions still pending = %d", len(todo))
	}
}

func TestWrongVersionStopsBackup(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedSessions(t, 1)

	info, err := fx.service.PrepareVersion("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.service.CreateVersion(ctx, info); err != nil {
		t.Fatal(err)
	}
	// Another device supersedes our version on the server.
	info2, err := fx.service.PrepareVersion("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.service.Client.CreateVersion(ctx, info2.Algorithm, info2.AuthData); err != nil {
		t.Fatal(err)
	}

	err = fx.service.BackupAllKeys(ctx)
	if err == nil {
		t.Fatal("upload to superseded version succeeded")
	}
	if fx.service.State() != StateWrongBackUpVersion {
		t.Fatalf("state = %s", fx.service.State())
	}
}

func TestTrustFlowFromSecondDevice(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	info, err := fx.service.PrepareVersion("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.service.CreateVersion(ctx, info); err != nil {
		t.Fatal(err)
	}

	// A second device sees the backup but has not signed it.
	other, err := olm.NewAccount("@alice:example.org", "OTHERDEV")
	if err != nil {
		t.Fatal(err)
	}
	st2, err := store.Open(filepath.Join(t.TempDir(), "other.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st2.Close() })
	second := &Service{
		Account:        other,
		Store:          st2,
		Client:         fx.service.Client,
		Importer:       &roomcrypto.Decryptor{Account: other, Store: st2},
		MaxBackupDelay: time.Hour,
	}
	version, err := second.CheckAndStartKeysBackup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second.State() != StateNotTrusted {
		t.Fatalf("state = %s", second.State())
	}

	if err := second.TrustVersionWithRecoveryKey(ctx, version, info.RecoveryKey); err != nil {
		t.Fatal(err)
	}
	if second.State() != StateWillBackUp && second.State() != StateReadyToBackUp {
		t.Fatalf("state after trust = %s", second.State())
	}
	if !second.GetTrust(ctx, version).UsableBySignature {
		t.Fatal("own signature missing after trust")
	}

	wrongKey := ComputeRecoveryKey(make([]byte, 32))
	if err := second.TrustVersionWithRecoveryKey(ctx, version, wrongKey); err == nil {
		t.Fatal("wrong recovery key accepted")
	}
}

type fakeDeviceSource struct {
	devices map[string][]roomcrypto.DeviceInfo
}

func (f *fakeDeviceSource) DownloadKeys(_ context.Context, userIDs []string) (map[string][]roomcrypto.DeviceInfo, error) {
	out := make(map[string][]roomcrypto.DeviceInfo)
	for _, u := range userIDs {
		out[u] = append([]roomcrypto.DeviceInfo{}, f.devices[u]...)
	}
	return out, nil
}

func (f *fakeDeviceSource) DeviceWithIdentityKey(_ context.Context, userID, identityKey string) (*roomcrypto.DeviceInfo, error) {
	for _, d := range f.devices[userID] {
		if d.IdentityKey == identityKey {
			return &d, nil
		}
	}
	return nil, nil
}

func (f *fakeDeviceSource) UserDevice(_ context.Context, userID, deviceID string) (*roomcrypto.DeviceInfo, error) {
	for _, d := range f.devices[userID] {
		if d.DeviceID == deviceID {
			return &d, nil
		}
	}
	return nil, nil
}

func TestTrustAcceptsVerifiedSiblingSignature(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	info, err := fx.service.PrepareVersion("", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.service.CreateVersion(ctx, info); err != nil {
		t.Fatal(err)
	}

	// A second device never signed the backup, but it has verified the
	// device that did.
	other, err := olm.NewAccount("@alice:example.org", "OTHERDEV")
	if err != nil {
		t.Fatal(err)
	}
	st2, err := store.Open(filepath.Join(t.TempDir(), "other.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st2.Close() })
	creator := roomcrypto.DeviceInfo{
		UserID:      "@alice:example.org",
		DeviceID:    "ALICEDEV",
		IdentityKey: fx.service.Account.IdentityKey(),
		SigningKey:  fx.service.Account.Ed25519Key(),
		Verified:    true,
		Known:       true,
	}
	roster := &fakeDeviceSource{devices: map[string][]roomcrypto.DeviceInfo{
		"@alice:example.org": {creator},
	}}
	second := &Service{
		Account:        other,
		Store:          st2,
		Client:         fx.service.Client,
		Importer:       &roomcrypto.Decryptor{Account: other, Store: st2},
		Devices:        roster,
		MaxBackupDelay: time.Hour,
	}
	version, err := second.CheckAndStartKeysBackup(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !second.GetTrust(ctx, version).UsableBySignature {
		t.Fatal("signature of verified sibling device not accepted")
	}
	if second.State() != StateWillBackUp && second.State() != StateReadyToBackUp {
		t.Fatalf("state = %s", second.State())
	}

	// Without verification the same signature proves nothing.
	creator.Verified = false
	roster.devices["@alice:example.org"] = []roomcrypto.DeviceInfo{creator}
	if second.GetTrust(ctx, version).UsableBySignature {
		t.Fatal("signature of unverified device accepted")
	}
}

func TestRestoreWithRecoveryKey(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	ids := fx.seedSessions(t, 2)

	info, err := fx.service.PrepareVersion("", nil)
	if err != nil {
		t.Fatal(err)
	}
	version, err := fx.service.CreateVersion(ctx, info)
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.service.BackupAllKeys(ctx); err != nil {
		t.Fatal(err)
	}

	// A fresh device restores everything.
	restored := newFixture(t)
	restored.service.Client = fx.service.Client
	var steps []RestoreStep
	result, err := restored.service.RestoreWithRecoveryKey(ctx, version, info.RecoveryKey,
		func(step RestoreStep, _, _ int) { steps = append(steps, step) })
	if err != nil {
		t.Fatal(err)
	}
	if result.Imported != 2 || result.Total != 2 {
		t.Fatalf("result = %+v", result)
	}
	for _, id := range ids {
		igs, err := restored.store.GetInboundGroupSession(id, "senderkey")
		if err != nil {
			t.Fatal(err)
		}
		if igs == nil {
			t.Fatalf("session %s not restored", id)
		}
		if igs.Trusted {
			t.Fatal("restored session marked trusted")
		}
	}
	sawDownload, sawImport := false, false
	for _, s := range steps {
		switch s {
		case StepDownloadingKey:
			sawDownload = true
		case StepImportingKey:
			sawImport = true
		}
	}
	if !sawDownload || !sawImport {
		t.Fatalf("steps = %v", steps)
	}

	_, err = restored.service.RestoreWithRecoveryKey(ctx, version, ComputeRecoveryKey(make([]byte, 32)), nil)
	if err == nil {
		t.Fatal("restore with wrong key succeeded")
	}
}

func TestRestoreWithPassphrase(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	fx.seedSessions(t, 1)

	// A low iteration count keeps the test fast; the count is recorded in
	// the auth data, so restore honors it.
	key := deriveKey("hunter2", "fixedsalt", 1000, nil)
	pub, err := olm.PKPublicKeyFromPrivate(key)
	if err != nil {
		t.Fatal(err)
	}
	authData := &AuthData{
		PublicKey:            pub,
		PrivateKeySalt:       "fixedsalt",
		PrivateKeyIterations: 1000,
	}
	sigs, err := fx.service.Account.SignJSON(authData)
	if err != nil {
		t.Fatal(err)
	}
	authData.Signatures = sigs
	info := &CreationInfo{
		Algorithm:   event.AlgorithmMegolmBackup,
		AuthData:    authData,
		RecoveryKey: ComputeRecoveryKey(key),
	}
	version, err := fx.service.CreateVersion(ctx, info)
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.service.BackupAllKeys(ctx); err != nil {
		t.Fatal(err)
	}

	restored := newFixture(t)
	restored.service.Client = fx.service.Client
	result, err := restored.service.RestoreWithPassphrase(ctx, version, "hunter2", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Imported != 1 {
		t.Fatalf("result = %+v", result)
	}
	if _, err := restored.service.RestoreWithPassphrase(ctx, version, "wrong", nil); err == nil {
		t.Fatal("wrong passphrase accepted")
	}
}

func TestStateListener(t *testing.T) {
	fx := newFixture(t)
	var transitions []State
	fx.service.AddStateListener(func(_, next State) {
		transitions = append(transitions, next)
	})
	if _, err := fx.service.CheckAndStartKeysBackup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 2 ||
		transitions[0] != StateCheckingBackUpOnHomeserver || transitions[1] != StateDisabled {
		t.Fatalf("transitions = %v", transitions)
	}
}

func TestDeleteActiveBackupDisables(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t)
	info, err := fx.service.PrepareVersion("", nil)
	if err != nil {
		t.Fatal(err)
	}
	version, err := fx.service.CreateVersion(ctx, info)
	if err != nil {
		t.Fatal(err)
	}
	if err := fx.service.DeleteBackup(ctx, version.Version); err != nil {
		t.Fatal(err)
	}
	if fx.service.State() != StateDisabled {
		t.Fatalf("state = %s", fx.service.State())
	}
}
