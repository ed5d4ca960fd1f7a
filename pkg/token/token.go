// Package token implements the capability-token primitives of the data
// path: signing, verification and expiry for per-I/O tokens, and the
// component-auth hash used by discovery registration.
//
// Signing is HMAC-SHA256 over "token_id|volume_id|op|offset|length",
// hex-encoded, verified in constant time.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/types"
)

// NewTokenID mints a fresh UUID token id.
func NewTokenID() string {
	return uuid.NewString()
}

func canonicalMessage(tokenID string, volumeID int64, op types.IOOperation, offset, length int64) []byte {
	return []byte(fmt.Sprintf("%s|%d|%s|%d|%d", tokenID, volumeID, op, offset, length))
}

// Sign computes the hex HMAC-SHA256 signature for a token's fields under the
// given cluster secret.
func Sign(secret, tokenID string, volumeID int64, op types.IOOperation, offset, length int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonicalMessage(tokenID, volumeID, op, offset, length))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time against
// sig.
func Verify(secret, tokenID string, volumeID int64, op types.IOOperation, offset, length int64, sig string) bool {
	expected := Sign(secret, tokenID, volumeID, op, offset, length)
	return hmac.Equal([]byte(expected), []byte(sig))
}

// IsExpired reports whether expiresAt has passed as of now. A token exactly
// at expiresAt is considered expired.
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

// ComputeExpiry returns now+ttl.
func ComputeExpiry(now time.Time, ttlSeconds int) time.Time {
	return now.Add(time.Duration(ttlSeconds) * time.Second)
}

// ComponentAuthHash computes the discovery handshake hash
// SHA256(cluster_secret || component_id), hex-encoded.
func ComponentAuthHash(clusterSecret, componentID string) string {
	sum := sha256.Sum256([]byte(clusterSecret + componentID))
	return hex.EncodeToString(sum[:])
}

// ValidateForIO performs the ordered checks against an issued token: status
// (so an already-consumed token reports as a replay, not a generic
// unauthorized), then expiry, then volume match, then operation match, then
// offset/length containment, then signature. The order matters: a replayed
// token must be reported as Replay even if it has also since expired.
func ValidateForIO(tok *types.IOToken, secret string, volumeID int64, op types.IOOperation, offset, length int64, now time.Time) error {
	if tok.Status != types.TokenIssued {
		if tok.Status == types.TokenConsumed {
			return apierr.New(apierr.Replay, "token %s already consumed", tok.TokenID)
		}
		return apierr.New(apierr.Unauthorized, "token %s is %s", tok.TokenID, tok.Status)
	}
	if IsExpired(tok.ExpiresAt, now) {
		return apierr.New(apierr.Expired, "token %s expired at %s", tok.TokenID, tok.ExpiresAt)
	}
	if tok.VolumeID != volumeID {
		return apierr.New(apierr.Unauthorized, "token bound to volume %d, not %d", tok.VolumeID, volumeID)
	}
	if tok.Operation != op {
		return apierr.New(apierr.Unauthorized, "token bound to op %s, not %s", tok.Operation, op)
	}
	if offset < tok.Offset || offset+length > tok.Offset+tok.Length {
		return apierr.New(apierr.Unauthorized, "request range [%d,%d) not contained in token range [%d,%d)", offset, offset+length, tok.Offset, tok.Offset+tok.Length)
	}
	if !Verify(secret, tok.TokenID, tok.VolumeID, tok.Operation, tok.Offset, tok.Length, tok.Signature) {
		return apierr.New(apierr.Unauthorized, "token %s signature invalid", tok.TokenID)
	}
	return nil
}
