// Package crypto implements CryptoCore: per-channel/per-client key
// derivation from a master secret, AES-256-GCM seal/open for voice frames,
// and scheduled key rotation.
//
// Grounded on floegence-flowersec's crypto/e2ee package (kdf.go, secureconn.go):
// same AES-256-GCM-over-derived-key shape, same key-id-prefixed wrapper
// framing idea, simplified from HKDF extract+expand to a single HMAC-SHA256
// call per spec.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	MasterKeyLen  = 32
	ChannelKeyLen = 32
	nonceLen      = 12
	tagLen        = 16
	// minWrapperLen is the smallest legal ENCRYPTED_WRAPPER payload passed to
	// Open: key_id(4) + nonce(12) + tag(16), with zero ciphertext bytes.
	minWrapperLen = 4 + nonceLen + tagLen

	rotationAge = 24 * time.Hour
)

var (
	ErrOpenFailed    = errors.New("crypto: open failed")
	ErrShortPacket   = errors.New("crypto: packet too short")
	ErrBadMasterKey  = errors.New("crypto: master key must be 32 bytes")
)

// Core derives channel/client traffic keys from a master secret and performs
// AEAD seal/open for voice frames. Safe for concurrent use.
type Core struct {
	master []byte

	mu            sync.RWMutex
	currentKeyID  uint32
	currentKeyAge time.Time
}

// New constructs a Core from a 32-byte master secret.
func New(master []byte) (*Core, error) {
	if len(master) != MasterKeyLen {
		return nil, ErrBadMasterKey
	}
	cp := make([]byte, MasterKeyLen)
	copy(cp, master)
	return &Core{master: cp, currentKeyAge: time.Now()}, nil
}

// DeriveChannelKey returns HMAC-SHA256(master, "vibespeak-voice-"+channelID+"-"+keyID).
func (c *Core) DeriveChannelKey(channelID string, keyID uint32) []byte {
	mac := hmac.New(sha256.New, c.master)
	mac.Write([]byte("vibespeak-voice-"))
	mac.Write([]byte(channelID))
	mac.Write([]byte("-"))
	var kidBuf [4]byte
	binary.BigEndian.PutUint32(kidBuf[:], keyID)
	mac.Write(kidBuf[:])
	return mac.Sum(nil)
}

// DeriveClientKey returns HMAC-SHA256(master, "client-"+clientID), truncated to 32 bytes.
func (c *Core) DeriveClientKey(clientID string) []byte {
	mac := hmac.New(sha256.New, c.master)
	mac.Write([]byte("client-"))
	mac.Write([]byte(clientID))
	sum := mac.Sum(nil)
	return sum[:ChannelKeyLen]
}

// CurrentKeyID returns the active key id used by Seal.
func (c *Core) CurrentKeyID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentKeyID
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// sealNonce builds the 12-byte nonce: 8 zero bytes || big-endian u32(sequence).
func sealNonce(sequence uint32) [nonceLen]byte {
	var n [nonceLen]byte
	binary.BigEndian.PutUint32(n[8:], sequence)
	return n
}

// Seal encrypts plaintext under the channel's current key and returns the
// wire framing: key_id:u32 BE || nonce:12 || tag:16 || ciphertext.
func (c *Core) Seal(plaintext []byte, channelID string, sequence uint32) ([]byte, error) {
	keyID := c.CurrentKeyID()
	key := c.DeriveChannelKey(channelID, keyID)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := sealNonce(sequence)
	sealed := aead.Seal(nil, nonce[:], plaintext, nil)
	// Go's GCM appends the tag to the ciphertext; split it back out so the
	// wire framing carries tag and ciphertext as separate fixed/variable
	// fields per spec §4.1.
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	out := make([]byte, 4+nonceLen+tagLen+len(ct))
	binary.BigEndian.PutUint32(out[0:4], keyID)
	copy(out[4:4+nonceLen], nonce[:])
	copy(out[4+nonceLen:4+nonceLen+tagLen], tag)
	copy(out[4+nonceLen+tagLen:], ct)
	return out, nil
}

// Open parses the wrapper framing, derives the key from the embedded key id,
// and AEAD-verifies. Returns ok=false (never an exception) on any short
// packet or authentication failure, so callers can count failures without
// aborting the relay loop.
func (c *Core) Open(packet []byte, channelID string) (plaintext []byte, ok bool) {
	if len(packet) < minWrapperLen {
		return nil, false
	}
	keyID := binary.BigEndian.Uint32(packet[0:4])
	nonce := packet[4 : 4+nonceLen]
	tag := packet[4+nonceLen : 4+nonceLen+tagLen]
	ct := packet[4+nonceLen+tagLen:]

	key := c.DeriveChannelKey(channelID, keyID)
	aead, err := newAEAD(key)
	if err != nil {
		return nil, false
	}
	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	pt, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, false
	}
	return pt, true
}

// Rotate increments the current key id and records the rotation time. Old
// keys remain derivable (and thus usable for verification) since derivation
// is deterministic and stateless; Core never forgets a key id.
func (c *Core) Rotate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentKeyID++
	c.currentKeyAge = time.Now()
	return c.currentKeyID
}

// MaybeRotate rotates if the current key is older than 24h, returning
// (newKeyID, true) if a rotation happened.
func (c *Core) MaybeRotate(now time.Time) (uint32, bool) {
	c.mu.RLock()
	age := now.Sub(c.currentKeyAge)
	c.mu.RUnlock()
	if age <= rotationAge {
		return 0, false
	}
	return c.Rotate(), true
}

// RandomMasterKey generates a fresh 32-byte master key, used for dev-mode
// bootstrap when VOICE_MASTER_KEY is unset.
func RandomMasterKey() ([]byte, error) {
	buf := make([]byte, MasterKeyLen)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
