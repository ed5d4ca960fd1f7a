package token

import (
	"testing"
	"time"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	sig := Sign("secret", "tok-1", 10, types.OpRead, 0, 4096)
	assert.True(t, Verify("secret", "tok-1", 10, types.OpRead, 0, 4096, sig))
	assert.False(t, Verify("other-secret", "tok-1", 10, types.OpRead, 0, 4096, sig))
	assert.False(t, Verify("secret", "tok-1", 11, types.OpRead, 0, 4096, sig))
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	assert.True(t, IsExpired(now, now), "a token expiring exactly now must be considered expired")
	assert.False(t, IsExpired(now.Add(time.Second), now))
}

func TestComputeExpiry(t *testing.T) {
	now := time.Now()
	got := ComputeExpiry(now, 30)
	assert.True(t, got.Equal(now.Add(30*time.Second)))
}

func validToken(now time.Time) *types.IOToken {
	const secret = "cluster-secret"
	tokenID := "tok-1"
	return &types.IOToken{
		TokenID:   tokenID,
		VolumeID:  10,
		Operation: types.OpRead,
		Offset:    0,
		Length:    4096,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Minute),
		Status:    types.TokenIssued,
		Signature: Sign(secret, tokenID, 10, types.OpRead, 0, 4096),
	}
}

func TestValidateForIOAccepts(t *testing.T) {
	now := time.Now()
	tok := validToken(now)
	require.NoError(t, ValidateForIO(tok, "cluster-secret", 10, types.OpRead, 0, 4096, now))
}

func TestValidateForIOConsumedReportsReplay(t *testing.T) {
	now := time.Now()
	tok := validToken(now)
	tok.Status = types.TokenConsumed
	err := ValidateForIO(tok, "cluster-secret", 10, types.OpRead, 0, 4096, now)
	assert.Equal(t, apierr.Replay, apierr.KindOf(err))
}

func TestValidateForIOExpired(t *testing.T) {
	now := time.Now()
	tok := validToken(now)
	err := ValidateForIO(tok, "cluster-secret", 10, types.OpRead, 0, 4096, now.Add(2*time.Minute))
	assert.Equal(t, apierr.Expired, apierr.KindOf(err))
}

func TestValidateForIOWrongVolume(t *testing.T) {
	now := time.Now()
	tok := validToken(now)
	err := ValidateForIO(tok, "cluster-secret", 99, types.OpRead, 0, 4096, now)
	assert.Equal(t, apierr.Unauthorized, apierr.KindOf(err))
}

func TestValidateForIOWrongOp(t *testing.T) {
	now := time.Now()
	tok := validToken(now)
	err := ValidateForIO(tok, "cluster-secret", 10, types.OpWrite, 0, 4096, now)
	assert.Equal(t, apierr.Unauthorized, apierr.KindOf(err))
}

func TestValidateForIORangeNotContained(t *testing.T) {
	now := time.Now()
	tok := validToken(now)
	err := ValidateForIO(tok, "cluster-secret", 10, types.OpRead, 2048, 4096, now)
	assert.Equal(t, apierr.Unauthorized, apierr.KindOf(err))
}

func TestValidateForIOBadSignature(t *testing.T) {
	now := time.Now()
	tok := validToken(now)
	tok.Signature = "deadbeef"
	err := ValidateForIO(tok, "cluster-secret", 10, types.OpRead, 0, 4096, now)
	assert.Equal(t, apierr.Unauthorized, apierr.KindOf(err))
}

func TestComponentAuthHashDeterministic(t *testing.T) {
	a := ComponentAuthHash("secret", "sds-0")
	b := ComponentAuthHash("secret", "sds-0")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ComponentAuthHash("secret", "sds-1"))
}
