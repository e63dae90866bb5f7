// Package token implements TokenService: HS256 bearer token issue/verify
// with a multi-secret rotation window (spec §4.7).
//
// Grounded on floegence-flowersec's controlplane/token/token.go, which
// splits Sign/Parse/Verify, tries each key in a KeyLookup in order, and
// uses typed Err* sentinels for every failure mode. Re-keyed here from
// Ed25519 signing to HMAC-SHA256, and reshaped into a standard three-part
// base64url(header).base64url(payload).base64url(signature) JWT so the
// wire format matches "HS256 bearer tokens" literally.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidFormat = errors.New("token: invalid format")
	ErrBadSignature  = errors.New("token: bad signature")
	ErrExpired       = errors.New("token: expired")
	ErrNoActiveSecret = errors.New("token: no active secret")
)

const (
	defaultTTL      = 7 * 24 * time.Hour
	maxSecrets      = 3
	secretMaxAge    = 7 * 24 * time.Hour
	rotationTrigger = 24 * time.Hour
	idPrefixLen     = 4
)

// header is the fixed JWT header; alg is always HS256 for this service.
type header struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
}

var fixedHeader = header{Alg: "HS256", Typ: "JWT"}

// Payload is the token's claim set, per spec §4.7.
type Payload struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name,omitempty"`
	IssuedAt    int64  `json:"iat"`
	ExpiresAt   int64  `json:"exp"`
	KeyPrefix   string `json:"kp"`
}

// secretEntry is one active signing/verification secret, per spec §3.
type secretEntry struct {
	secret    []byte
	id        string
	createdAt time.Time
}

// Service issues and verifies bearer tokens and manages secret rotation.
// Safe for concurrent use.
type Service struct {
	mu      sync.RWMutex
	secrets []secretEntry // newest first
}

// New constructs a Service with the configured master secret as the
// newest entry, and an optional previous secret for bootstrap rotation.
func New(master string, previous string) *Service {
	s := &Service{}
	now := time.Now()
	if previous != "" {
		s.secrets = append(s.secrets, secretEntry{secret: []byte(previous), id: newSecretID(), createdAt: now.Add(-secretMaxAge / 2)})
	}
	s.secrets = append([]secretEntry{{secret: []byte(master), id: newSecretID(), createdAt: now}}, s.secrets...)
	return s
}

func newSecretID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func sign(secret []byte, signingInput string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// Issue signs a new token for the given identity, using the newest secret.
func (s *Service) Issue(id, username, displayName string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.secrets) == 0 {
		return "", ErrNoActiveSecret
	}
	newest := s.secrets[0]

	now := time.Now()
	prefix := newest.id
	if len(prefix) > idPrefixLen {
		prefix = prefix[:idPrefixLen]
	}
	payload := Payload{
		ID:          id,
		Username:    username,
		DisplayName: displayName,
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(defaultTTL).Unix(),
		KeyPrefix:   prefix,
	}

	headerJSON, err := json.Marshal(fixedHeader)
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	signingInput := b64(headerJSON) + "." + b64(payloadJSON)
	sig := sign(newest.secret, signingInput)
	return signingInput + "." + b64(sig), nil
}

// Verify tries each active secret newest-first and returns the payload of
// the first one whose signature checks and whose expiry hasn't passed.
func (s *Service) Verify(tok string) (Payload, error) {
	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		return Payload{}, ErrInvalidFormat
	}
	signingInput := parts[0] + "." + parts[1]
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Payload{}, ErrInvalidFormat
	}
	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Payload{}, ErrInvalidFormat
	}
	var payload Payload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return Payload{}, ErrInvalidFormat
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var verified bool
	for _, entry := range s.secrets {
		expected := sign(entry.secret, signingInput)
		if hmac.Equal(expected, sig) {
			verified = true
			break
		}
	}
	if !verified {
		return Payload{}, ErrBadSignature
	}
	if time.Now().Unix() > payload.ExpiresAt {
		return Payload{}, ErrExpired
	}
	return payload, nil
}

// Rotate prepends a freshly generated 32-byte random secret, trims to
// maxSecrets, and drops any secret older than secretMaxAge — except the
// newest is always preserved even past that age.
func (s *Service) Rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	fresh := secretEntry{secret: buf, id: newSecretID(), createdAt: time.Now()}

	s.secrets = append([]secretEntry{fresh}, s.secrets...)
	if len(s.secrets) > maxSecrets {
		s.secrets = s.secrets[:maxSecrets]
	}

	now := time.Now()
	kept := s.secrets[:1]
	for _, entry := range s.secrets[1:] {
		if now.Sub(entry.createdAt) <= secretMaxAge {
			kept = append(kept, entry)
		}
	}
	s.secrets = kept
}

// MaybeRotate rotates if the newest secret is older than 24h.
func (s *Service) MaybeRotate() bool {
	s.mu.RLock()
	var age time.Duration
	if len(s.secrets) > 0 {
		age = time.Since(s.secrets[0].createdAt)
	}
	s.mu.RUnlock()

	if age <= rotationTrigger {
		return false
	}
	s.Rotate()
	return true
}

// Status is the TokenService observability snapshot, per spec §4.7.
type Status struct {
	ActiveCount     int
	CurrentAge      time.Duration
	CurrentIDPrefix string
	RotationNeeded  bool
}

// Status reports the current rotation state.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.secrets) == 0 {
		return Status{}
	}
	newest := s.secrets[0]
	age := time.Since(newest.createdAt)
	prefix := newest.id
	if len(prefix) > idPrefixLen {
		prefix = prefix[:idPrefixLen]
	}
	return Status{
		ActiveCount:     len(s.secrets),
		CurrentAge:      age,
		CurrentIDPrefix: prefix,
		RotationNeeded:  age > rotationTrigger,
	}
}
