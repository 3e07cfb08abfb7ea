// Package cryptoctx defines the five-entry-point opaque processing
// pipeline contract (§4.5) the core calls per client instance, plus a
// concrete X25519/ChaCha20-Poly1305 implementation of it. The core
// (pkg/multi) only ever depends on the Context interface.
package cryptoctx

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
)

// Action is the per-call outcome the core translates into instance
// lifecycle transitions (§4.5).
type Action uint8

const (
	ActionOK Action = iota
	ActionSoftReset
	ActionHardFail
	ActionRekeyRequested
)

// Context is the opaque per-client cryptographic/packet-processing
// pipeline. The core never inspects its fields, only the five methods
// and the ConnectionEstablished flag.
type Context interface {
	ProcessIncomingLink(buf []byte) (inner []byte, action Action, err error)
	ProcessIncomingTun(inner []byte) (link []byte, action Action, err error)
	ProcessOutgoingLink() ([]byte, error)
	ProcessOutgoingTun() ([]byte, error)
	PreSelect(now time.Time) (nextWake time.Time, wantsRead, wantsWrite bool)
	ConnectionEstablished() bool
	Close()
}

// KeyPair is an X25519 static keypair.
type KeyPair struct {
	PrivateKey [32]byte
	PublicKey  [32]byte
}

// GenerateKeyPair generates a new X25519 key pair, clamped per the
// X25519 spec.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.PrivateKey[:]); err != nil {
		return nil, errors.Wrap(err, "generate private key")
	}
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64
	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp, nil
}

// LoadOrGenerateKeyPair reads a hex-encoded private key from path, or
// generates a fresh keypair and writes it there if the file does not
// exist yet — the teacher's LoadClientConfig/SaveClientConfig
// fall-back-to-defaults idiom, repurposed for key material instead of
// JSON config.
func LoadOrGenerateKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		raw, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s", path)
		}
		if len(raw) != 32 {
			return nil, errors.Errorf("%s: private key must be 32 bytes, got %d", path, len(raw))
		}
		kp := &KeyPair{}
		copy(kp.PrivateKey[:], raw)
		curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrapf(err, "read %s", path)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.PrivateKey[:])), 0600); err != nil {
		return nil, errors.Wrapf(err, "write %s", path)
	}
	return kp, nil
}

// ComputeSharedSecret runs X25519 key agreement.
func ComputeSharedSecret(privateKey, peerPublicKey *[32]byte) ([32]byte, error) {
	var sharedSecret [32]byte
	out, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return sharedSecret, errors.Wrap(err, "X25519")
	}
	copy(sharedSecret[:], out)
	return sharedSecret, nil
}

// ReplayWindowSize bounds how far behind the highest seen counter a
// packet may still arrive and be accepted.
const ReplayWindowSize = 64

// ReplayWindow is a sliding-window anti-replay filter keyed by the
// counter-based nonce prefix each Encryptor writes.
type ReplayWindow struct {
	mu     sync.Mutex
	highest uint64
	seen    map[uint64]bool
}

func NewReplayWindow() *ReplayWindow {
	return &ReplayWindow{seen: make(map[uint64]bool)}
}

// Check reports whether ctr is acceptable (not a replay, not too old)
// and records it as seen if so. Counter 0 is never valid: real
// counters start at 1 (Encryptor's first Encrypt call emits 1).
func (rw *ReplayWindow) Check(ctr uint64) bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	if ctr == 0 {
		return false
	}
	if ctr > rw.highest {
		// advance the window; forget counters that fall out of range
		for c := range rw.seen {
			if ctr-c > ReplayWindowSize {
				delete(rw.seen, c)
			}
		}
		rw.highest = ctr
		rw.seen[ctr] = true
		return true
	}
	if rw.highest-ctr > ReplayWindowSize {
		return false
	}
	if rw.seen[ctr] {
		return false
	}
	rw.seen[ctr] = true
	return true
}

// Encryptor performs ChaCha20-Poly1305 AEAD sealing/opening with a
// deterministic counter-based nonce prefix plus anti-replay on the
// receive side.
type Encryptor struct {
	mu      sync.Mutex
	cipher  cipher.AEAD
	counter uint64
	replay  *ReplayWindow
}

func NewEncryptor(sharedSecret [32]byte) (*Encryptor, error) {
	aead, err := chacha20poly1305.NewX(sharedSecret[:])
	if err != nil {
		return nil, errors.Wrap(err, "init AEAD")
	}
	return &Encryptor{cipher: aead, replay: NewReplayWindow()}, nil
}

// Encrypt seals plaintext under a fresh monotonic counter nonce.
func (e *Encryptor) Encrypt(plaintext []byte) (nonce [24]byte, ciphertext []byte, err error) {
	e.mu.Lock()
	e.counter++
	ctr := e.counter
	e.mu.Unlock()

	binary.LittleEndian.PutUint64(nonce[:8], ctr)
	if _, err := io.ReadFull(rand.Reader, nonce[8:]); err != nil {
		return nonce, nil, errors.Wrap(err, "fill nonce tail")
	}
	ciphertext = e.cipher.Seal(nil, nonce[:], plaintext, nil)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext and rejects replayed counters.
func (e *Encryptor) Decrypt(nonce [24]byte, ciphertext []byte) ([]byte, error) {
	ctr := binary.LittleEndian.Uint64(nonce[:8])
	if !e.replay.Check(ctr) {
		return nil, errors.New("replay detected")
	}
	plaintext, err := e.cipher.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, errors.Wrap(err, "AEAD open")
	}
	return plaintext, nil
}

// GenerateClientID generates a random 32-byte client identifier.
func GenerateClientID() ([32]byte, error) {
	var id [32]byte
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return id, errors.Wrap(err, "generate client id")
	}
	return id, nil
}

// rekeyInterval is the age after which NeedsRekey reports true.
// Rekeying is advisory: no PeerContext method returns
// ActionRekeyRequested, and the core may ignore NeedsRekey.
const rekeyInterval = 2 * time.Hour

// SessionID is an 8-byte session identifier. PeerContext's own frames
// do not carry one.
type SessionID [8]byte

// Defined reports whether s holds a session id, i.e. is not all zero.
func (s SessionID) Defined() bool {
	return s != SessionID{}
}

// handshakeState tracks PeerContext's local progress through the
// simplified key-exchange this repository performs.
type handshakeState uint8

const (
	handshakePending handshakeState = iota
	handshakeEstablished
)

// PeerContext is the concrete Context implementation: X25519 key
// agreement performed once at construction (the caller already
// resolved the peer's public key out of band), framed data packets via
// Encryptor.
type PeerContext struct {
	mu sync.Mutex

	local   *KeyPair
	encrypt *Encryptor

	state     handshakeState
	createdAt time.Time

	pendingInner []byte
	pendingLink  []byte

	msgPrefix string
}

// NewPeerContext builds a PeerContext given the local static keypair
// and the already-known peer public key (§4.5's constructor contract:
// takes a configured options struct).
func NewPeerContext(local *KeyPair, peerPublicKey [32]byte, msgPrefix string) (*PeerContext, error) {
	secret, err := ComputeSharedSecret(&local.PrivateKey, &peerPublicKey)
	if err != nil {
		return nil, err
	}
	enc, err := NewEncryptor(secret)
	if err != nil {
		return nil, err
	}
	return &PeerContext{
		local:     local,
		encrypt:   enc,
		state:     handshakeEstablished,
		createdAt: time.Now(),
		msgPrefix: msgPrefix,
	}, nil
}

// ProcessIncomingLink decrypts buf and stages the plaintext as
// pendingInner for ProcessOutgoingTun to drain, in addition to
// returning it directly — the core's routing decision (forward,
// broadcast, or deliver to the local TUN) still runs on the returned
// slice, but the "deliver to the local TUN" branch drains the same
// bytes back out through ProcessOutgoingTun, per §4.8's two-phase
// process_outgoing_tun contract.
func (c *PeerContext) ProcessIncomingLink(buf []byte) ([]byte, Action, error) {
	if len(buf) < 24 {
		return nil, ActionHardFail, errors.New("link frame too short for nonce")
	}
	var nonce [24]byte
	copy(nonce[:], buf[:24])
	plaintext, err := c.encrypt.Decrypt(nonce, buf[24:])
	if err != nil {
		return nil, ActionSoftReset, err
	}

	c.mu.Lock()
	c.pendingInner = plaintext
	c.mu.Unlock()
	return plaintext, ActionOK, nil
}

func (c *PeerContext) ProcessIncomingTun(inner []byte) ([]byte, Action, error) {
	nonce, ciphertext, err := c.encrypt.Encrypt(inner)
	if err != nil {
		return nil, ActionHardFail, err
	}
	buf := make([]byte, 24+len(ciphertext))
	copy(buf[:24], nonce[:])
	copy(buf[24:], ciphertext)

	c.mu.Lock()
	c.pendingLink = buf
	c.mu.Unlock()
	return buf, ActionOK, nil
}

func (c *PeerContext) ProcessOutgoingLink() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.pendingLink
	c.pendingLink = nil
	return buf, nil
}

func (c *PeerContext) ProcessOutgoingTun() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := c.pendingInner
	c.pendingInner = nil
	return buf, nil
}

func (c *PeerContext) PreSelect(now time.Time) (time.Time, bool, bool) {
	next := c.createdAt.Add(rekeyInterval)
	return next, true, false
}

func (c *PeerContext) ConnectionEstablished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == handshakeEstablished
}

func (c *PeerContext) Close() {}

// NeedsRekey reports whether this context's AEAD session has been
// alive long enough that a policy layer above the core ought to
// rotate keys; purely advisory per §4.5.
func (c *PeerContext) NeedsRekey() bool {
	return time.Since(c.createdAt) > rekeyInterval
}

// IsExpired reports whether the context has been alive far past its
// rekey window without ever being rotated.
func (c *PeerContext) IsExpired() bool {
	return time.Since(c.createdAt) > 2*rekeyInterval
}
