package replay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
	"time"

	"github.com/smallbiznis/vida/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardRemembersUntilTTL(t *testing.T) {
	c := clock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	g := NewGuard(c, DefaultTTL)

	assert.False(t, g.Seen(EventKey("evt-1", "sig")))
	assert.True(t, g.Claim(EventKey("evt-1", "sig")))
	assert.False(t, g.Claim(EventKey("evt-1", "other-sig")))
	assert.True(t, g.Claim(EventKey("evt-2", "sig")))

	c.Advance(DefaultTTL - time.Second)
	assert.True(t, g.Seen("evt-1"))
	assert.False(t, g.Claim("evt-1"))

	c.Advance(time.Second)
	assert.False(t, g.Seen("evt-1"))
	assert.Zero(t, g.Len())
}

func TestGuardFallsBackToSignature(t *testing.T) {
	g := NewGuard(nil, 0)
	assert.Equal(t, "abc", EventKey(" ", " abc "))
	assert.True(t, g.Claim(EventKey("", "abc")))
	assert.False(t, g.Claim(EventKey("", "abc")))

	// keyless events are never treated as duplicates
	assert.True(t, g.Claim(EventKey("", "")))
	assert.True(t, g.Claim(EventKey("", "")))
	assert.Equal(t, 1, g.Len())
}

func TestShouldProcessRecordsEvent(t *testing.T) {
	g := NewGuard(nil, time.Hour)

	assert.True(t, g.ShouldProcess("evt-1", "sig"))
	assert.True(t, g.Seen("evt-1"))
	assert.False(t, g.ShouldProcess("evt-1", "other-sig"))
	assert.False(t, g.Claim("evt-1"))

	assert.True(t, g.ShouldProcess("", "sig-only"))
	assert.False(t, g.ShouldProcess("", "sig-only"))

	g.Forget("evt-1")
	assert.True(t, g.ShouldProcess("evt-1", ""))
}

func TestGuardClaim(t *testing.T) {
	g := NewGuard(nil, time.Hour)
	assert.True(t, g.Claim("k"))
	assert.False(t, g.Claim("k"))
	g.Forget("k")
	assert.True(t, g.Claim("k"))
	g.Reset()
	assert.Zero(t, g.Len())
}

func TestVerifier(t *testing.T) {
	body := []byte(`{"status":"delivered"}`)
	v := NewVerifier("s3cret", false)

	sig := Sign("s3cret", body)
	require.NoError(t, v.Verify(body, sig))
	require.NoError(t, v.Verify(body, "sha256="+sig))

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	require.NoError(t, v.Verify(body, base64.StdEncoding.EncodeToString(mac.Sum(nil))))

	assert.ErrorIs(t, v.Verify(body, Sign("wrong", body)), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify([]byte("tampered"), sig), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(body, ""), ErrMissingSignature)
}

func TestVerifierWithoutSecret(t *testing.T) {
	assert.ErrorIs(t, NewVerifier("", false).Verify([]byte("x"), "abc"), ErrMissingSecret)
	assert.NoError(t, NewVerifier("", true).Verify([]byte("x"), ""))
	assert.NoError(t, NewVerifier("k", true).Verify([]byte("x"), ""))
}
