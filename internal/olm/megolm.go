package olm

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Megolm wire format versions.
const (
	megolmMessageVersion    = 0x03
	megolmSessionKeyVersion = 0x02
	megolmExportVersion     = 0x01
)

const (
	ratchetPartCount = 4
	ratchetPartLen   = 32
	ratchetLen       = ratchetPartCount * ratchetPartLen
	megolmMacLen     = 8
	megolmKeyInfo    = "MEGOLM_KEYS"
)

// ErrUnknownMessageIndex is returned when a message was encrypted at a
// ratchet index earlier than the first index this session knows; the
// ratchet only advances, so such messages cannot be decrypted.
var ErrUnknownMessageIndex = errors.New("olm: unknown message index")

// ErrBadMessageMAC is returned when the truncated HMAC does not verify.
var ErrBadMessageMAC = errors.New("olm: bad message MAC")

// ErrBadSignature is returned when the message signature does not verify.
var ErrBadSignature = errors.New("olm: bad message signature")

// megolmRatchet is the four-part hash ratchet. Part 3 advances on every
// step; part 2 every 2^8 steps, part 1 every 2^16, part 0 every 2^24.
// When part j steps, parts j..3 are all rederived from the old part j,
// so holding the state at index i lets you reach any index >= i but none
// before it.
type megolmRatchet struct {
	data    [ratchetLen]byte
	counter uint32
}

func newMegolmRatchet() (megolmRatchet, error) {
	var r megolmRatchet
	if _, err := rand.Read(r.data[:]); err != nil {
		return r, fmt.Errorf("olm: seed ratchet: %w", err)
	}
	return r, nil
}

func (r *megolmRatchet) part(i int) []byte {
	return r.data[i*ratchetPartLen : (i+1)*ratchetPartLen]
}

// rehash computes HMAC-SHA256(key=src, msg=[partIndex]).
func rehash(src []byte, partIndex byte) []byte {
	mac := hmac.New(sha256.New, src)
	mac.Write([]byte{partIndex})
	return mac.Sum(nil)
}

func (r *megolmRatchet) advance() {
	n := r.counter + 1
	var j int
	switch {
	case n&0x00FFFFFF == 0:
		j = 0
	case n&0x0000FFFF == 0:
		j = 1
	case n&0x000000FF == 0:
		j = 2
	default:
		j = 3
	}
	src := make([]byte, ratchetPartLen)
	copy(src, r.part(j))
	for k := j; k < ratchetPartCount; k++ {
		copy(r.part(k), rehash(src, byte(k)))
	}
	r.counter = n
}

func (r *megolmRatchet) advanceTo(index uint32) {
	for r.counter < index {
		r.advance()
	}
}

// keys derives the AES/HMAC/IV block for the current ratchet state.
func (r *megolmRatchet) keys() (cipherKeys, error) {
	return deriveCipherKeys(r.data[:], megolmKeyInfo)
}

// OutboundGroupSession encrypts messages for one room. Each message
// advances the ratchet; the state at a given index can be exported as a
// session key for recipients joining at that index.
type OutboundGroupSession struct {
	ratchet     megolmRatchet
	signingPriv ed25519.PrivateKey
	signingPub  ed25519.PublicKey
	id          string
}

// NewOutboundGroupSession creates a session with a random ratchet seed and
// a fresh signing key. The session ID is the unpadded base64 of the
// signing public key.
func NewOutboundGroupSession() (*OutboundGroupSession, error) {
	ratchet, err := newMegolmRatchet()
	if err != nil {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("olm: generate session signing key: %w", err)
	}
	return &OutboundGroupSession{
		ratchet:     ratchet,
		signingPriv: priv,
		signingPub:  pub,
		id:          b64.EncodeToString(pub),
	}, nil
}

// ID returns the session identifier.
func (s *OutboundGroupSession) ID() string { return s.id }

// MessageIndex returns the index the next message will be encrypted at.
func (s *OutboundGroupSession) MessageIndex() uint32 { return s.ratchet.counter }

// Encrypt encrypts plaintext at the current ratchet index and advances the
// ratchet. The result is base64(version || index || ciphertext || mac || sig).
func (s *OutboundGroupSession) Encrypt(plaintext []byte) (string, error) {
	keys, err := s.ratchet.keys()
	if err != nil {
		return "", err
	}
	ct, err := keys.encryptCBC(plaintext)
	if err != nil {
		return "", err
	}

	body := make([]byte, 0, 5+len(ct)+megolmMacLen+ed25519.SignatureSize)
	body = append(body, megolmMessageVersion)
	body = binary.BigEndian.AppendUint32(body, s.ratchet.counter)
	body = append(body, ct...)
	body = append(body, keys.mac8(body)...)
	body = append(body, ed25519.Sign(s.signingPriv, body)...)

	s.ratchet.advance()
	return b64.EncodeToString(body), nil
}

// SessionKey exports the current ratchet state in the signed session-key
// format carried by m.room_key events. A recipient importing it can
// decrypt messages from the current index onward.
func (s *OutboundGroupSession) SessionKey() string {
	out := make([]byte, 0, 5+ratchetLen+ed25519.PublicKeySize+ed25519.SignatureSize)
	out = append(out, megolmSessionKeyVersion)
	out = binary.BigEndian.AppendUint32(out, s.ratchet.counter)
	out = append(out, s.ratchet.data[:]...)
	out = append(out, s.signingPub...)
	out = append(out, ed25519.Sign(s.signingPriv, out)...)
	return b64.EncodeToString(out)
}

type outboundPickle struct {
	Counter    uint32 `json:"counter"`
	Ratchet    string `json:"ratchet"`
	SigningKey string `json:"signing_key"`
}

// Pickle serializes the outbound session for the crypto store, preserving
// the exact ratchet index so restarts never reuse an index.
func (s *OutboundGroupSession) Pickle() ([]byte, error) {
	return json.Marshal(outboundPickle{
		Counter:    s.ratchet.counter,
		Ratchet:    b64.EncodeToString(s.ratchet.data[:]),
		SigningKey: b64.EncodeToString(s.signingPriv.Seed()),
	})
}

// UnpickleOutboundGroupSession restores a pickled outbound session.
func UnpickleOutboundGroupSession(data []byte) (*OutboundGroupSession, error) {
	var p outboundPickle
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("olm: unpickle outbound session: %w", err)
	}
	ratchet, err := b64.DecodeString(p.Ratchet)
	if err != nil || len(ratchet) != ratchetLen {
		return nil, fmt.Errorf("olm: unpickle outbound session: bad ratchet")
	}
	seed, err := b64.DecodeString(p.SigningKey)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("olm: unpickle outbound session: bad signing key")
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	s := &OutboundGroupSession{
		signingPriv: priv,
		signingPub:  pub,
		id:          b64.EncodeToString(pub),
	}
	copy(s.ratchet.data[:], ratchet)
	s.ratchet.counter = p.Counter
	return s, nil
}

// InboundGroupSession decrypts messages for one room session. It holds the
// ratchet at the earliest index it was given; messages before that index
// are undecryptable by construction.
type InboundGroupSession struct {
	ratchet    megolmRatchet
	signingPub ed25519.PublicKey
	id         string
}

// ImportSessionKey parses the signed session-key format produced by
// SessionKey.
func ImportSessionKey(sessionKey string) (*InboundGroupSession, error) {
	raw, err := b64.DecodeString(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("olm: decode session key: %w", err)
	}
	const bodyLen = 5 + ratchetLen + ed25519.PublicKeySize
	if len(raw) != bodyLen+ed25519.SignatureSize || raw[0] != megolmSessionKeyVersion {
		return nil, fmt.Errorf("olm: malformed session key")
	}
	pub := ed25519.PublicKey(raw[5+ratchetLen : bodyLen])
	if !ed25519.Verify(pub, raw[:bodyLen], raw[bodyLen:]) {
		return nil, ErrBadSignature
	}
	return newInboundFromParts(raw, pub)
}

// ImportExportedSessionKey parses the unsigned export format used by
// forwarded keys and backups.
func ImportExportedSessionKey(exported string) (*InboundGroupSession, error) {
	raw, err := b64.DecodeString(exported)
	if err != nil {
		return nil, fmt.Errorf("olm: decode exported key: %w", err)
	}
	if len(raw) != 5+ratchetLen+ed25519.PublicKeySize || raw[0] != megolmExportVersion {
		return nil, fmt.Errorf("olm: malformed exported key")
	}
	pub := ed25519.PublicKey(raw[5+ratchetLen:])
	return newInboundFromParts(raw, pub)
}

func newInboundFromParts(raw []byte, pub ed25519.PublicKey) (*InboundGroupSession, error) {
	s := &InboundGroupSession{
		signingPub: append(ed25519.PublicKey(nil), pub...),
		id:         b64.EncodeToString(pub),
	}
	s.ratchet.counter = binary.BigEndian.Uint32(raw[1:5])
	copy(s.ratchet.data[:], raw[5:5+ratchetLen])
	return s, nil
}

// ID returns the session identifier.
func (s *InboundGroupSession) ID() string { return s.id }

// FirstKnownIndex returns the earliest ratchet index this session can
// decrypt from.
func (s *InboundGroupSession) FirstKnownIndex() uint32 { return s.ratchet.counter }

// Decrypt authenticates and decrypts a group message, returning the
// plaintext and the ratchet index it was encrypted at. The session state
// is never mutated: a copy of the ratchet is advanced instead, so the
// first known index is preserved.
func (s *InboundGroupSession) Decrypt(message string) ([]byte, uint32, error) {
	raw, err := b64.DecodeString(message)
	if err != nil {
		return nil, 0, fmt.Errorf("olm: decode message: %w", err)
	}
	minLen := 5 + megolmMacLen + ed25519.SignatureSize
	if len(raw) < minLen || raw[0] != megolmMessageVersion {
		return nil, 0, fmt.Errorf("olm: malformed message")
	}
	sigStart := len(raw) - ed25519.SignatureSize
	macStart := sigStart - megolmMacLen
	if !ed25519.Verify(s.signingPub, raw[:sigStart], raw[sigStart:]) {
		return nil, 0, ErrBadSignature
	}

	index := binary.BigEndian.Uint32(raw[1:5])
	if index < s.ratchet.counter {
		return nil, 0, ErrUnknownMessageIndex
	}
	r := s.ratchet // copy
	r.advanceTo(index)
	keys, err := r.keys()
	if err != nil {
		return nil, 0, err
	}
	if !hmac.Equal(keys.mac8(raw[:macStart]), raw[macStart:sigStart]) {
		return nil, 0, ErrBadMessageMAC
	}
	plaintext, err := keys.decryptCBC(raw[5:macStart])
	if err != nil {
		return nil, 0, err
	}
	return plaintext, index, nil
}

// Export renders the session at the given index in the unsigned export
// format. It fails with ErrUnknownMessageIndex if index precedes the
// first known index.
func (s *InboundGroupSession) Export(index uint32) (string, error) {
	if index < s.ratchet.counter {
		return "", ErrUnknownMessageIndex
	}
	r := s.ratchet // copy
	r.advanceTo(index)
	out := make([]byte, 0, 5+ratchetLen+ed25519.PublicKeySize)
	out = append(out, megolmExportVersion)
	out = binary.BigEndian.AppendUint32(out, r.counter)
	out = append(out, r.data[:]...)
	out = append(out, s.signingPub...)
	return b64.EncodeToString(out), nil
}
