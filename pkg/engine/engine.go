// Package engine implements the storage engine: capacity accounting,
// chunk/replica placement, validation primitives and pool health
// evaluation. It never touches the network or the backing files; it is
// the pure metadata core that pkg/volume and pkg/rebuild orchestrate.
package engine

import (
	"sort"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/types"
)

// Engine evaluates placement and capacity against a Store. It holds no
// state of its own.
type Engine struct {
	store storage.Store
}

func New(store storage.Store) *Engine {
	return &Engine{store: store}
}

// ReserveThick increases both used and reserved by sizeBytes, failing if
// the pool lacks headroom.
func (e *Engine) ReserveThick(pool *types.StoragePool, sizeBytes int64) error {
	if sizeBytes > pool.TotalCapacityBytes-pool.UsedCapacityBytes-pool.ReservedCapacityBytes {
		return apierr.New(apierr.InsufficientCapacity, "pool %d: need %d bytes, have %d available", pool.ID, sizeBytes, pool.TotalCapacityBytes-pool.UsedCapacityBytes-pool.ReservedCapacityBytes)
	}
	pool.ReservedCapacityBytes += sizeBytes
	pool.UsedCapacityBytes += sizeBytes
	return nil
}

// ReserveThin reserves the fixed metadata footprint for a thin volume.
func (e *Engine) ReserveThin(pool *types.StoragePool) error {
	if types.ThinMetadataReserveBytes > pool.TotalCapacityBytes-pool.UsedCapacityBytes-pool.ReservedCapacityBytes {
		return apierr.New(apierr.InsufficientCapacity, "pool %d: need %d bytes for thin metadata reserve", pool.ID, types.ThinMetadataReserveBytes)
	}
	pool.ReservedCapacityBytes += types.ThinMetadataReserveBytes
	pool.UsedCapacityBytes += types.ThinMetadataReserveBytes
	return nil
}

// ReleaseCapacity gives back bytes reserved and used by a deleted or
// shrunk volume (thick accounting only; thin's reserve is released on
// delete the same way since it was consumed on create).
func (e *Engine) ReleaseCapacity(pool *types.StoragePool, sizeBytes int64) {
	pool.ReservedCapacityBytes -= sizeBytes
	pool.UsedCapacityBytes -= sizeBytes
	if pool.ReservedCapacityBytes < 0 {
		pool.ReservedCapacityBytes = 0
	}
	if pool.UsedCapacityBytes < 0 {
		pool.UsedCapacityBytes = 0
	}
}

// ChunkCount returns the number of chunks a volume of sizeBytes produces
// under chunkSizeBytes: ceil(size/chunk_size).
func ChunkCount(sizeBytes, chunkSizeBytes int64) int64 {
	if sizeBytes <= 0 {
		return 0
	}
	return (sizeBytes + chunkSizeBytes - 1) / chunkSizeBytes
}

type candidate struct {
	sds      *types.SDSNode
	faultSet int64 // 0 means "no fault set"
}

func loadScore(n *types.SDSNode) float64 {
	if n.TotalCapacity == 0 {
		return 1.0
	}
	return float64(n.UsedCapacity) / float64(n.TotalCapacity)
}

// PlaceChunk selects N SDS targets for one chunk of a pool, applying the
// five strictly-ordered selection rules: PD+UP membership, no repeat SDS,
// prefer one-per-FaultSet spreading when enough distinct fault sets are
// eligible, then least-loaded by used/total ratio (ties by lower SDS id).
func (e *Engine) PlaceChunk(pd *types.ProtectionDomain, pool *types.StoragePool, excludeSDS map[int64]bool) ([]*types.SDSNode, error) {
	n := pool.ProtectionPolicy.ReplicaCount()

	nodes, err := e.store.ListSDSNodes(pd.ID)
	if err != nil {
		return nil, err
	}

	var eligible []candidate
	for _, node := range nodes {
		if node.State != types.SDSNodeUp {
			continue
		}
		if excludeSDS[node.ID] {
			continue
		}
		fs := int64(0)
		if node.FaultSetID != nil {
			fs = *node.FaultSetID
		}
		eligible = append(eligible, candidate{sds: node, faultSet: fs})
	}

	byFaultSet := make(map[int64][]candidate)
	for _, c := range eligible {
		byFaultSet[c.faultSet] = append(byFaultSet[c.faultSet], c)
	}
	distinctFaultSets := 0
	for fs := range byFaultSet {
		if fs != 0 {
			distinctFaultSets++
		}
	}

	var chosen []*types.SDSNode

	if distinctFaultSets >= n {
		// Pick the single least-loaded node from each distinct fault set,
		// then take the N least-loaded of those one-per-fault-set picks.
		var perFaultSetBest []*types.SDSNode
		for fs, cands := range byFaultSet {
			if fs == 0 {
				continue
			}
			perFaultSetBest = append(perFaultSetBest, bestInFaultSet(cands).sds)
		}
		sort.Slice(perFaultSetBest, func(i, j int) bool {
			li, lj := loadScore(perFaultSetBest[i]), loadScore(perFaultSetBest[j])
			if li != lj {
				return li < lj
			}
			return perFaultSetBest[i].ID < perFaultSetBest[j].ID
		})
		for i := 0; i < n && i < len(perFaultSetBest); i++ {
			chosen = append(chosen, perFaultSetBest[i])
		}
	} else {
		sort.Slice(eligible, func(i, j int) bool {
			li, lj := loadScore(eligible[i].sds), loadScore(eligible[j].sds)
			if li != lj {
				return li < lj
			}
			return eligible[i].sds.ID < eligible[j].sds.ID
		})
		for i := 0; i < n && i < len(eligible); i++ {
			chosen = append(chosen, eligible[i].sds)
		}
	}

	if len(chosen) < n {
		return nil, apierr.New(apierr.InsufficientReplicationTargets, "pool %d: need %d replica targets, found %d eligible", pool.ID, n, len(chosen))
	}

	return chosen, nil
}

func bestInFaultSet(cands []candidate) candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		if loadScore(c.sds) < loadScore(best.sds) || (loadScore(c.sds) == loadScore(best.sds) && c.sds.ID < best.sds.ID) {
			best = c
		}
	}
	return best
}

// CanMap reports whether a volume is in a mappable state.
func CanMap(v *types.Volume) error {
	if v.State == types.VolumeDegraded {
		return apierr.New(apierr.MappingForbidden, "volume %d is degraded", v.ID)
	}
	if v.State == types.VolumeDeleting {
		return apierr.New(apierr.MappingForbidden, "volume %d is being deleted", v.ID)
	}
	return nil
}

// CanDelete reports whether a volume may be deleted.
func CanDelete(v *types.Volume) error {
	if v.MappingCount > 0 {
		return apierr.New(apierr.Conflict, "volume %d has %d active mappings", v.ID, v.MappingCount)
	}
	return nil
}

// RecomputeChunkDegraded sets a chunk's is_degraded flag from its
// replicas: degraded iff the number of available replicas is strictly
// less than the policy's required count.
func RecomputeChunkDegraded(chunk *types.Chunk, replicas []*types.Replica, requiredCount int) {
	available := 0
	for _, r := range replicas {
		if r.IsAvailable {
			available++
		}
	}
	chunk.IsDegraded = available < requiredCount
}

// EvaluatePoolHealth recomputes a pool's health by scanning its chunks
// and PD's SDS nodes: FAILED if any chunk has zero available replicas,
// DEGRADED if any chunk is degraded or any SDS in the PD is DOWN,
// otherwise OK. This must run after any event that can change
// availability (node fail/recover, rebuild completion, volume
// create/delete) — rebuild completion alone does not guarantee OK, since
// replicas migrated during a rebuild leave the originally failed SDS
// still DOWN.
func (e *Engine) EvaluatePoolHealth(pool *types.StoragePool) (types.PoolHealth, error) {
	volumes, err := e.store.ListVolumes(pool.ID)
	if err != nil {
		return "", err
	}

	anyDegraded := false
	for _, v := range volumes {
		chunks, err := e.store.ListChunksForVolume(v.ID)
		if err != nil {
			return "", err
		}
		for _, c := range chunks {
			replicas, err := e.store.ListReplicasForChunk(c.ID)
			if err != nil {
				return "", err
			}
			available := 0
			for _, r := range replicas {
				if r.IsAvailable {
					available++
				}
			}
			if available == 0 {
				return types.PoolHealthFailed, nil
			}
			if c.IsDegraded {
				anyDegraded = true
			}
		}
	}

	nodes, err := e.store.ListSDSNodes(pool.PDID)
	if err != nil {
		return "", err
	}
	for _, n := range nodes {
		if n.State == types.SDSNodeDown {
			anyDegraded = true
		}
	}

	if anyDegraded {
		return types.PoolHealthDegraded, nil
	}
	return types.PoolHealthOK, nil
}

// AuditPlacement validates a chunk's replica set has no duplicate SDS,
// no available replica sitting on a DOWN SDS, and at least one available
// replica.
func (e *Engine) AuditPlacement(chunk *types.Chunk) error {
	replicas, err := e.store.ListReplicasForChunk(chunk.ID)
	if err != nil {
		return err
	}

	seen := make(map[int64]bool)
	anyAvailable := false
	for _, r := range replicas {
		if seen[r.SDSID] {
			return apierr.New(apierr.Internal, "chunk %d has duplicate replica on sds %d", chunk.ID, r.SDSID)
		}
		seen[r.SDSID] = true

		if r.IsAvailable {
			anyAvailable = true
			sds, err := e.store.GetSDSNode(r.SDSID)
			if err != nil {
				return err
			}
			if sds.State == types.SDSNodeDown {
				return apierr.New(apierr.Internal, "chunk %d has available replica on down sds %d", chunk.ID, sds.ID)
			}
		}
	}
	if !anyAvailable {
		return apierr.New(apierr.Internal, "chunk %d has no available replica", chunk.ID)
	}
	return nil
}
