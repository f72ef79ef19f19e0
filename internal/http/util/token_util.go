package util

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strings"
	"time"
)

const (
	nonceLen = 8
	macLen   = 16

	// DefaultTokenTTL applies when NewTokenSigner gets a non-positive ttl.
	DefaultTokenTTL = 5 * time.Minute
)

var (
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrMissingSecret = errors.New("unlock token secret is not configured")
)

// TokenSigner issues short-lived continuation tokens proving that the
// password of a given short code was verified.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenSigner returns a signer that issues compact HMAC tokens.
func NewTokenSigner(secret []byte, ttl time.Duration) *TokenSigner {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenSigner{
		secret: secret,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue mints a token bound to code. The token is "<payload>.<mac>" where the
// payload is a 4 byte expiry followed by a random nonce.
func (s *TokenSigner) Issue(code string) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrMissingSecret
	}

	payload := make([]byte, 4+nonceLen)
	binary.BigEndian.PutUint32(payload[:4], uint32(s.now().Add(s.ttl).Unix()))
	if _, err := rand.Read(payload[4:]); err != nil {
		return "", err
	}

	mac := s.sign(code, payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac[:macLen]), nil
}

// Validate checks that token was issued for code and has not expired.
func (s *TokenSigner) Validate(code, token string) error {
	if len(s.secret) == 0 {
		return ErrMissingSecret
	}

	payloadEnc, macEnc, ok := strings.Cut(token, ".")
	if !ok {
		return ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadEnc)
	if err != nil || len(payload) != 4+nonceLen {
		return ErrInvalidToken
	}
	provided, err := base64.RawURLEncoding.DecodeString(macEnc)
	if err != nil || len(provided) != macLen {
		return ErrInvalidToken
	}

	expected := s.sign(code, payload)
	if !hmac.Equal(provided, expected[:macLen]) {
		return ErrInvalidToken
	}

	expires := binary.BigEndian.Uint32(payload[:4])
	if s.now().Unix() > int64(expires) {
		return ErrInvalidToken
	}
	return nil
}

func (s *TokenSigner) sign(code string, payload []byte) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(code))
	mac.Write([]byte("|"))
	mac.Write(payload)
	return mac.Sum(nil)
}
