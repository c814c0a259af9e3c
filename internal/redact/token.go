package redact

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoSigningKey = errors.New("recording signing key not configured")
	ErrInvalidToken = errors.New("invalid recording token")
	ErrTokenExpired = errors.New("recording token expired")
)

// RecordingClaims identifies the recording a token grants access to.
type RecordingClaims struct {
	ExecutionID string
	Subject     string
	ExpiresAt   time.Time
}

// Signer issues and checks short-lived recording tokens. A token is
// base64url(execution|subject|expiry) "." base64url(hmac-sha256).
type Signer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewSigner(key string, ttl time.Duration) (*Signer, error) {
	if strings.TrimSpace(key) == "" {
		return nil, ErrNoSigningKey
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Signer{key: []byte(key), ttl: ttl, now: time.Now}, nil
}

// Sign returns a token for executionID bound to subject.
func (s *Signer) Sign(executionID, subject string) (string, time.Time) {
	expires := s.now().Add(s.ttl).UTC().Truncate(time.Second)
	payload := executionID + "|" + subject + "|" + strconv.FormatInt(expires.Unix(), 10)
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(payload)) + "." + enc.EncodeToString(s.mac(payload)), expires
}

// Verify checks the signature and the expiry of token.
func (s *Signer) Verify(token string) (RecordingClaims, error) {
	enc := base64.RawURLEncoding
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return RecordingClaims{}, ErrInvalidToken
	}
	payload, err := enc.DecodeString(body)
	if err != nil {
		return RecordingClaims{}, ErrInvalidToken
	}
	gotMAC, err := enc.DecodeString(sig)
	if err != nil || !hmac.Equal(gotMAC, s.mac(string(payload))) {
		return RecordingClaims{}, ErrInvalidToken
	}
	parts := strings.Split(string(payload), "|")
	if len(parts) != 3 || parts[0] == "" {
		return RecordingClaims{}, ErrInvalidToken
	}
	unix, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return RecordingClaims{}, fmt.Errorf("%w: bad expiry", ErrInvalidToken)
	}
	claims := RecordingClaims{ExecutionID: parts[0], Subject: parts[1], ExpiresAt: time.Unix(unix, 0).UTC()}
	if !s.now().Before(claims.ExpiresAt) {
		return claims, ErrTokenExpired
	}
	return claims, nil
}

func (s *Signer) mac(payload string) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(payload))
	return h.Sum(nil)
}
