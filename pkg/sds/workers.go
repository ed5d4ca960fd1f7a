package sds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/flexsim/pkg/metrics"
)

// RunWorkers launches the ACK sender, heartbeat sender and journal
// pruner as a supervised group; it blocks until ctx is cancelled or one
// of the workers returns a non-retryable error.
func (s *Server) RunWorkers(ctx context.Context, componentID string, ackInterval, heartbeatInterval time.Duration) error {
	if ackInterval <= 0 {
		ackInterval = DefaultAckInterval
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.runAckSender(ctx, ackInterval)
	})
	g.Go(func() error {
		return s.runHeartbeatSender(ctx, componentID, heartbeatInterval)
	})
	g.Go(func() error {
		return s.runJournalPruner(ctx)
	})

	return g.Wait()
}

func (s *Server) runAckSender(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.flushAcks(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("ack flush failed, will retry next tick")
				time.Sleep(time.Second)
			}
		}
	}
}

func (s *Server) flushAcks(ctx context.Context) error {
	s.mu.Lock()
	if len(s.ackQueue) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.ackQueue
	if len(batch) > DefaultAckBatchSize {
		batch = batch[:DefaultAckBatchSize]
	}
	s.ackQueue = s.ackQueue[len(batch):]
	remaining := len(s.ackQueue)
	s.mu.Unlock()
	metrics.SDCAckQueueDepth.Set(float64(remaining))

	for i, ack := range batch {
		body, _ := json.Marshal(map[string]any{
			"token_id":         ack.TokenID,
			"sds_cluster_node": s.ClusterNodeID,
			"success":          ack.Success,
			"bytes_processed":  ack.BytesProcessed,
			"duration_millis":  ack.DurationMillis,
			"chunk_id":         ack.ChunkID,
			"generation":       ack.Generation,
			"checksum":         ack.Checksum,
			"offset_bytes":     ack.OffsetBytes,
			"length_bytes":     ack.LengthBytes,
		})
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.MDMBaseURL+"/tx/ack", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := s.HTTPClient.Do(req)
		if err != nil {
			// Re-queue the unsent remainder, including this ack, for the next tick.
			s.mu.Lock()
			s.ackQueue = append(append([]ackEntry(nil), batch[i:]...), s.ackQueue...)
			s.mu.Unlock()
			return fmt.Errorf("sds: post ack: %w", err)
		}
		resp.Body.Close()
	}
	return nil
}

func (s *Server) runHeartbeatSender(ctx context.Context, componentID string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.MDMBaseURL+"/discovery/heartbeat/"+componentID, nil)
			if err != nil {
				continue
			}
			resp, err := s.HTTPClient.Do(req)
			if err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat failed, will retry next tick")
				continue
			}
			resp.Body.Close()
		}
	}
}

func (s *Server) runJournalPruner(ctx context.Context) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.PruneJournal()
		}
	}
}
