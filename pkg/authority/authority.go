// Package authority implements the token authority: issuing capability
// tokens bound to a volume/range/op, recording SDS acknowledgements,
// and expiring or revoking tokens.
package authority

import (
	"time"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/metrics"
	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/token"
	"github.com/cuemby/flexsim/pkg/types"
)

// Authority issues and tracks IOTokens against a cluster secret.
type Authority struct {
	store         storage.Store
	clusterSecret string
	now           func() time.Time
}

func New(store storage.Store, clusterSecret string) *Authority {
	return &Authority{store: store, clusterSecret: clusterSecret, now: time.Now}
}

// IssueInput carries the parameters of an issue_token call.
type IssueInput struct {
	VolumeID int64
	SDCID    int64
	Op       types.IOOperation
	Offset   int64
	Length   int64
	IOPlan   string
	TTL      int
}

// Issue validates volume and client existence, mints a token id, signs
// it, persists it ISSUED, and returns the full token payload.
func (a *Authority) Issue(in IssueInput) (*types.IOToken, error) {
	if _, err := a.store.GetVolume(in.VolumeID); err != nil {
		return nil, err
	}
	if _, err := a.store.GetSDCClient(in.SDCID); err != nil {
		return nil, err
	}

	now := a.now()
	ttl := in.TTL
	if ttl <= 0 {
		ttl = 300
	}

	tok := &types.IOToken{
		TokenID:   token.NewTokenID(),
		VolumeID:  in.VolumeID,
		SDCID:     in.SDCID,
		Operation: in.Op,
		Offset:    in.Offset,
		Length:    in.Length,
		IOPlan:    in.IOPlan,
		IssuedAt:  now,
		ExpiresAt: token.ComputeExpiry(now, ttl),
		Status:    types.TokenIssued,
	}
	tok.Signature = token.Sign(a.clusterSecret, tok.TokenID, tok.VolumeID, tok.Operation, tok.Offset, tok.Length)

	if err := a.store.CreateToken(tok); err != nil {
		return nil, err
	}
	metrics.TokensIssuedTotal.Inc()
	return tok, nil
}

// RecordAck appends an IOTransactionAck, marks the token CONSUMED on a
// first successful ack, and — for a successful write ack carrying a
// positive generation — advances the acked chunk's generation,
// checksum and last-write bookkeeping.
func (a *Authority) RecordAck(tokenID string, sdsID int64, success bool, bytesProcessed, durationMillis int64, chunkID, generation int64, checksum string, offsetBytes, lengthBytes int64) error {
	tok, err := a.store.GetToken(tokenID)
	if err != nil {
		return err
	}

	ack := &types.IOTransactionAck{
		TokenID:        tokenID,
		SDSID:          sdsID,
		Success:        success,
		BytesProcessed: bytesProcessed,
		DurationMillis: durationMillis,
		ReceivedAt:     a.now(),
	}
	if err := a.store.CreateAck(ack); err != nil {
		return err
	}

	if success && tok.Status != types.TokenConsumed {
		now := a.now()
		tok.Status = types.TokenConsumed
		tok.ConsumedAt = &now
		if err := a.store.UpdateToken(tok); err != nil {
			return err
		}
	}

	if success && generation > 0 && chunkID != 0 {
		chunk, err := a.store.GetChunk(chunkID)
		if err != nil {
			return err
		}
		if generation > chunk.Generation {
			chunk.Generation = generation
		}
		chunk.Checksum = checksum
		chunk.LastWriteOffset = offsetBytes
		chunk.LastWriteLength = lengthBytes
		chunk.LastWriteTime = a.now()
		if err := a.store.UpdateChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

// CleanupExpired scans ISSUED tokens past expiry in bounded batches and
// marks them EXPIRED.
func (a *Authority) CleanupExpired(batchSize int) (int, error) {
	expired, err := a.store.ListIssuedTokensBefore(a.now().UnixNano())
	if err != nil {
		return 0, err
	}
	count := 0
	for _, tok := range expired {
		if batchSize > 0 && count >= batchSize {
			break
		}
		tok.Status = types.TokenExpired
		if err := a.store.UpdateToken(tok); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		metrics.TokensExpiredTotal.Add(float64(count))
	}
	return count, nil
}

// Revoke transitions a token to REVOKED.
func (a *Authority) Revoke(tokenID string) error {
	tok, err := a.store.GetToken(tokenID)
	if err != nil {
		return err
	}
	if tok.Status == types.TokenConsumed {
		return apierr.New(apierr.Conflict, "token %s already consumed, cannot revoke", tokenID)
	}
	tok.Status = types.TokenRevoked
	return a.store.UpdateToken(tok)
}

// Verify validates a token against the requested (volume, op, range)
// using the constant-time token package primitives.
func (a *Authority) Verify(tokenID string, volumeID int64, op types.IOOperation, offset, length int64) (*types.IOToken, error) {
	tok, err := a.store.GetToken(tokenID)
	if err != nil {
		return nil, err
	}
	if err := token.ValidateForIO(tok, a.clusterSecret, volumeID, op, offset, length, a.now()); err != nil {
		metrics.TokenVerifyFailuresTotal.WithLabelValues(string(apierr.KindOf(err))).Inc()
		return nil, err
	}
	return tok, nil
}
