package signature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deliverURL = "https://edge.example.com/queue/process-click"

func TestVerify_CurrentKey(t *testing.T) {
	body := []byte(`{"linkId":"L1"}`)
	token, err := NewSigner("current").Sign(body, deliverURL, "msg-1")
	require.NoError(t, err)

	v := NewVerifier("current", "next", deliverURL)
	assert.NoError(t, v.Verify(token, body, "msg-1"))
}

func TestVerify_NextKeyDuringRotation(t *testing.T) {
	body := []byte(`{"linkId":"L1"}`)
	token, err := NewSigner("next").Sign(body, deliverURL, "msg-1")
	require.NoError(t, err)

	v := NewVerifier("current", "next", deliverURL)
	assert.NoError(t, v.Verify(token, body, "msg-1"))
}

func TestVerify_Failures(t *testing.T) {
	body := []byte(`{"linkId":"L1"}`)
	good, err := NewSigner("current").Sign(body, deliverURL, "msg-1")
	require.NoError(t, err)

	t.Run("missing", func(t *testing.T) {
		err := NewVerifier("current", "next", "").Verify("", body, "msg-1")
		assert.ErrorIs(t, err, ErrMissingSignature)
	})

	t.Run("unknown key", func(t *testing.T) {
		token, err := NewSigner("stranger").Sign(body, deliverURL, "msg-1")
		require.NoError(t, err)
		err = NewVerifier("current", "next", "").Verify(token, body, "msg-1")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("tampered body", func(t *testing.T) {
		err := NewVerifier("current", "next", "").Verify(good, []byte(`{"linkId":"L2"}`), "msg-1")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("wrong subject", func(t *testing.T) {
		err := NewVerifier("current", "next", "https://other.example.com").Verify(good, body, "msg-1")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("garbage", func(t *testing.T) {
		err := NewVerifier("current", "next", "").Verify("not-a-jwt", body, "msg-1")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("expired", func(t *testing.T) {
		s := NewSigner("current")
		s.now = func() time.Time { return time.Now().Add(-time.Hour) }
		token, err := s.Sign(body, deliverURL, "msg-1")
		require.NoError(t, err)
		err = NewVerifier("current", "", "").Verify(token, body, "msg-1")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("replayed under another message id", func(t *testing.T) {
		err := NewVerifier("current", "next", deliverURL).Verify(good, body, "msg-2")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("message id stripped", func(t *testing.T) {
		err := NewVerifier("current", "next", deliverURL).Verify(good, body, "")
		assert.ErrorIs(t, err, ErrInvalidSignature)
	})

	t.Run("no keys", func(t *testing.T) {
		err := NewVerifier("", "", "").Verify(good, body, "msg-1")
		assert.ErrorIs(t, err, ErrMissingKey)
	})
}

func TestSign_MissingKey(t *testing.T) {
	_, err := NewSigner("").Sign([]byte("x"), deliverURL, "")
	assert.ErrorIs(t, err, ErrMissingKey)
}
