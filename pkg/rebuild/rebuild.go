// Package rebuild implements the rebuild engine: SDS fail/recover
// handlers and the rate-limited rebuild job lifecycle.
package rebuild

import (
	"fmt"
	"time"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/engine"
	"github.com/cuemby/flexsim/pkg/log"
	"github.com/cuemby/flexsim/pkg/metrics"
	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/types"
)

// StallTimeout is the default duration a rebuild job may run with zero
// progress before being marked STALLED.
const StallTimeout = 60 * time.Second

// Engine drives SDS failure/recovery and rebuild job progress.
type Engine struct {
	store  storage.Store
	engine *engine.Engine
	now    func() time.Time
}

func New(store storage.Store, eng *engine.Engine) *Engine {
	return &Engine{store: store, engine: eng, now: time.Now}
}

func (e *Engine) emit(t types.EventType, msg string, poolID, sdsID *int64) {
	_ = e.store.AppendEvent(&types.Event{Type: t, Message: msg, PoolID: poolID, SDSID: sdsID, Timestamp: e.now()})
}

// FailSDSNode transitions an SDS to DOWN, marks its replicas
// unavailable, degrades affected chunks and pools, and auto-starts a
// rebuild job per affected pool.
func (e *Engine) FailSDSNode(sdsID int64) error {
	sds, err := e.store.GetSDSNode(sdsID)
	if err != nil {
		return err
	}
	if sds.State == types.SDSNodeDown {
		return nil
	}
	sds.State = types.SDSNodeDown
	sds.StateLastChange = e.now()
	if err := e.store.UpdateSDSNode(sds); err != nil {
		return err
	}

	replicas, err := e.store.ListReplicasForSDS(sdsID)
	if err != nil {
		return err
	}

	affectedPools := make(map[int64]bool)
	for _, r := range replicas {
		r.IsAvailable = false
		if err := e.store.UpdateReplica(r); err != nil {
			return err
		}
		chunk, err := e.store.GetChunk(r.ChunkID)
		if err != nil {
			continue
		}
		vol, err := e.store.GetVolume(chunk.VolumeID)
		if err != nil {
			continue
		}
		pool, err := e.store.GetPool(vol.PoolID)
		if err != nil {
			continue
		}
		siblings, err := e.store.ListReplicasForChunk(chunk.ID)
		if err != nil {
			return err
		}
		engine.RecomputeChunkDegraded(chunk, siblings, pool.ProtectionPolicy.ReplicaCount())
		if err := e.store.UpdateChunk(chunk); err != nil {
			return err
		}
		affectedPools[pool.ID] = true
	}

	for poolID := range affectedPools {
		pool, err := e.store.GetPool(poolID)
		if err != nil {
			continue
		}
		pool.Health = types.PoolHealthDegraded
		if err := e.store.UpdatePool(pool); err != nil {
			return err
		}
		if _, err := e.StartRebuild(poolID); err != nil {
			log.Warn().Int64("pool_id", poolID).Err(err).Msg("auto rebuild start failed after sds failure")
		}
	}

	e.emit(types.EventSDSStateChange, fmt.Sprintf("sds %d failed (DOWN)", sdsID), nil, &sdsID)
	return nil
}

// RecoverSDSNode transitions an SDS to UP, marks its replicas
// available, clears chunk degradation where policy is met, and
// recomputes affected pool health.
func (e *Engine) RecoverSDSNode(sdsID int64) error {
	sds, err := e.store.GetSDSNode(sdsID)
	if err != nil {
		return err
	}
	sds.State = types.SDSNodeUp
	sds.StateLastChange = e.now()
	if err := e.store.UpdateSDSNode(sds); err != nil {
		return err
	}

	replicas, err := e.store.ListReplicasForSDS(sdsID)
	if err != nil {
		return err
	}

	affectedPools := make(map[int64]bool)
	for _, r := range replicas {
		r.IsAvailable = true
		if err := e.store.UpdateReplica(r); err != nil {
			return err
		}
		chunk, err := e.store.GetChunk(r.ChunkID)
		if err != nil {
			continue
		}
		vol, err := e.store.GetVolume(chunk.VolumeID)
		if err != nil {
			continue
		}
		pool, err := e.store.GetPool(vol.PoolID)
		if err != nil {
			continue
		}
		siblings, err := e.store.ListReplicasForChunk(chunk.ID)
		if err != nil {
			return err
		}
		engine.RecomputeChunkDegraded(chunk, siblings, pool.ProtectionPolicy.ReplicaCount())
		if err := e.store.UpdateChunk(chunk); err != nil {
			return err
		}
		affectedPools[pool.ID] = true
	}

	for poolID := range affectedPools {
		if err := e.recomputeAndStorePoolHealth(poolID); err != nil {
			return err
		}
	}

	e.emit(types.EventSDSStateChange, fmt.Sprintf("sds %d recovered (UP)", sdsID), nil, &sdsID)
	return nil
}

func (e *Engine) recomputeAndStorePoolHealth(poolID int64) error {
	pool, err := e.store.GetPool(poolID)
	if err != nil {
		return err
	}
	health, err := e.engine.EvaluatePoolHealth(pool)
	if err != nil {
		return err
	}
	pool.Health = health
	return e.store.UpdatePool(pool)
}

// StartRebuild refuses if a non-terminal job already exists for the
// pool; otherwise it collects degraded chunks, picks a rebuild target
// per chunk (excluding SDSes already holding a replica of that chunk),
// creates non-available rebuilding replicas, and starts the job
// IN_PROGRESS at 0%.
func (e *Engine) StartRebuild(poolID int64) (*types.RebuildJob, error) {
	if active, err := e.store.GetActiveRebuildJobForPool(poolID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, apierr.New(apierr.Conflict, "pool %d already has an active rebuild job", poolID)
	}

	pool, err := e.store.GetPool(poolID)
	if err != nil {
		return nil, err
	}
	pd, err := e.store.GetPD(pool.PDID)
	if err != nil {
		return nil, err
	}

	volumes, err := e.store.ListVolumes(poolID)
	if err != nil {
		return nil, err
	}

	var degradedChunks []*types.Chunk
	for _, v := range volumes {
		chunks, err := e.store.ListDegradedChunksForVolume(v.ID)
		if err != nil {
			return nil, err
		}
		degradedChunks = append(degradedChunks, chunks...)
	}

	if len(degradedChunks) == 0 {
		return nil, apierr.New(apierr.InvalidArgument, "pool %d has no degraded chunks to rebuild", poolID)
	}

	for _, chunk := range degradedChunks {
		existing, err := e.store.ListReplicasForChunk(chunk.ID)
		if err != nil {
			return nil, err
		}
		exclude := make(map[int64]bool, len(existing))
		for _, r := range existing {
			exclude[r.SDSID] = true
		}
		targets, err := e.engine.PlaceChunk(pd, pool, exclude)
		if err != nil {
			log.Warn().Int64("chunk_id", chunk.ID).Err(err).Msg("no rebuild target available for chunk")
			continue
		}
		// Only the first eligible target is used per missing replica slot;
		// a chunk missing k replicas gets k new rebuilding replicas.
		needed := pool.ProtectionPolicy.ReplicaCount() - len(existing)
		for i := 0; i < needed && i < len(targets); i++ {
			replica := &types.Replica{ChunkID: chunk.ID, SDSID: targets[i].ID, IsAvailable: false, IsCurrent: false, IsRebuilding: true}
			if err := e.store.CreateReplica(replica); err != nil {
				return nil, err
			}
		}
	}

	job := &types.RebuildJob{
		PoolID:              poolID,
		State:               types.RebuildInProgress,
		TotalBytesToRebuild: int64(len(degradedChunks)) * pool.ChunkSizeBytes,
		StartedAt:           e.now(),
	}
	if err := e.store.CreateRebuildJob(job); err != nil {
		return nil, err
	}

	pool.RebuildState = types.RebuildInProgress
	pool.RebuildProgressPercent = 0
	if err := e.store.UpdatePool(pool); err != nil {
		return nil, err
	}

	metrics.RebuildJobsActiveTotal.Inc()
	e.emit(types.EventRebuildStart, fmt.Sprintf("rebuild started for pool %d (%d chunks)", poolID, len(degradedChunks)), &poolID, nil)
	return job, nil
}

// ProgressTick advances an in-progress rebuild job by one tick: it
// computes the chunk budget from the pool's rate limit, completes that
// many rebuilding replicas, updates progress, and checks for
// completion or stall.
func (e *Engine) ProgressTick(jobID int64, tickDuration time.Duration) error {
	job, err := e.store.GetRebuildJob(jobID)
	if err != nil {
		return err
	}
	if job.State != types.RebuildInProgress {
		return nil
	}
	pool, err := e.store.GetPool(job.PoolID)
	if err != nil {
		return err
	}

	rate := pool.RebuildRateLimitBps
	if rate <= 0 {
		rate = 1
	}
	bytesThisTick := int64(float64(rate) * tickDuration.Seconds())
	chunksThisTick := bytesThisTick / pool.ChunkSizeBytes

	rebuilding, err := e.store.ListRebuildingReplicas()
	if err != nil {
		return err
	}
	var forThisJob []*types.Replica
	for _, r := range rebuilding {
		chunk, err := e.store.GetChunk(r.ChunkID)
		if err != nil {
			continue
		}
		vol, err := e.store.GetVolume(chunk.VolumeID)
		if err != nil {
			continue
		}
		if vol.PoolID == job.PoolID {
			forThisJob = append(forThisJob, r)
		}
	}

	completed := int64(0)
	for i := int64(0); i < chunksThisTick && i < int64(len(forThisJob)); i++ {
		r := forThisJob[i]
		r.IsAvailable = true
		r.IsCurrent = true
		r.IsRebuilding = false
		if err := e.store.UpdateReplica(r); err != nil {
			return err
		}
		completed++
	}

	if completed > 0 {
		metrics.RebuildBytesRebuiltTotal.WithLabelValues(fmt.Sprintf("%d", pool.ID)).Add(float64(completed) * float64(pool.ChunkSizeBytes))
	}
	job.BytesRebuilt += completed * pool.ChunkSizeBytes
	if job.TotalBytesToRebuild > 0 {
		job.ProgressPercent = int(job.BytesRebuilt * 100 / job.TotalBytesToRebuild)
	}
	job.CurrentRebuildRateBps = rate
	remaining := job.TotalBytesToRebuild - job.BytesRebuilt
	if remaining < 0 {
		remaining = 0
	}
	if rate > 0 {
		job.EstimatedTimeRemainingSeconds = remaining / rate
	}

	pool.RebuildProgressPercent = job.ProgressPercent

	remainingRebuilding := len(forThisJob) - int(completed)
	if remainingRebuilding <= 0 {
		if err := e.finalizeRebuild(job, pool); err != nil {
			return err
		}
		return nil
	}

	if e.now().Sub(job.StartedAt) > StallTimeout && job.BytesRebuilt == 0 {
		job.State = types.RebuildStalled
		pool.RebuildState = types.RebuildStalled
		metrics.RebuildStalledTotal.Inc()
		metrics.RebuildJobsActiveTotal.Dec()
		if err := e.store.UpdateRebuildJob(job); err != nil {
			return err
		}
		return e.store.UpdatePool(pool)
	}

	if err := e.store.UpdateRebuildJob(job); err != nil {
		return err
	}
	return e.store.UpdatePool(pool)
}

func (e *Engine) finalizeRebuild(job *types.RebuildJob, pool *types.StoragePool) error {
	volumes, err := e.store.ListVolumes(pool.ID)
	if err != nil {
		return err
	}
	for _, v := range volumes {
		chunks, err := e.store.ListChunksForVolume(v.ID)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			replicas, err := e.store.ListReplicasForChunk(c.ID)
			if err != nil {
				return err
			}
			engine.RecomputeChunkDegraded(c, replicas, pool.ProtectionPolicy.ReplicaCount())
			if err := e.store.UpdateChunk(c); err != nil {
				return err
			}
		}
	}

	now := e.now()
	job.State = types.RebuildCompleted
	job.ProgressPercent = 100
	job.CompletedAt = &now
	if err := e.store.UpdateRebuildJob(job); err != nil {
		return err
	}
	metrics.RebuildJobsActiveTotal.Dec()
	metrics.RebuildDuration.Observe(now.Sub(job.StartedAt).Seconds())

	health, err := e.engine.EvaluatePoolHealth(pool)
	if err != nil {
		return err
	}
	pool.Health = health
	pool.RebuildState = types.RebuildCompleted
	pool.RebuildProgressPercent = 100
	if err := e.store.UpdatePool(pool); err != nil {
		return err
	}

	e.emit(types.EventRebuildComplete, fmt.Sprintf("rebuild completed for pool %d", pool.ID), &pool.ID, nil)
	return nil
}

// GetStatus returns the current job for external reporting.
func (e *Engine) GetStatus(jobID int64) (*types.RebuildJob, error) {
	return e.store.GetRebuildJob(jobID)
}
