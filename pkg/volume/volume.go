package volume

import (
	"fmt"
	"time"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/bfile"
	"github.com/cuemby/flexsim/pkg/engine"
	"github.com/cuemby/flexsim/pkg/log"
	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/types"
)

// Manager orchestrates volume lifecycle operations.
type Manager struct {
	store  storage.Store
	engine *engine.Engine
	layout *bfile.Layout
	now    func() time.Time
}

func New(store storage.Store, eng *engine.Engine, layout *bfile.Layout) *Manager {
	return &Manager{store: store, engine: eng, layout: layout, now: time.Now}
}

func (m *Manager) emit(t types.EventType, msg string, poolID, volumeID *int64) {
	_ = m.store.AppendEvent(&types.Event{
		Type:      t,
		Message:   msg,
		PoolID:    poolID,
		VolumeID:  volumeID,
		Timestamp: m.now(),
	})
}

// CreateInput carries the parameters of a Create call.
type CreateInput struct {
	PoolID       int64              `json:"pool_id"`
	Name         string             `json:"name"`
	SizeBytes    int64              `json:"size_bytes"`
	Provisioning types.Provisioning `json:"provisioning"`
}

// Create validates the pool and name, reserves capacity, allocates
// chunks and replicas, creates backing replica files, and transitions
// the volume CREATING -> AVAILABLE. Any failure rolls back every prior
// step of this call.
func (m *Manager) Create(in CreateInput) (*types.Volume, error) {
	if in.SizeBytes <= 0 {
		return nil, apierr.New(apierr.InvalidArgument, "size_bytes must be positive")
	}
	if in.Name == "" {
		return nil, apierr.New(apierr.InvalidArgument, "name must not be empty")
	}

	pool, err := m.store.GetPool(in.PoolID)
	if err != nil {
		return nil, err
	}
	if existing, _ := m.store.GetVolumeByName(in.Name); existing != nil {
		return nil, apierr.New(apierr.Conflict, "volume name %q already in use", in.Name)
	}

	if in.Provisioning == types.ProvisioningThick {
		if err := m.engine.ReserveThick(pool, in.SizeBytes); err != nil {
			return nil, err
		}
	} else {
		if err := m.engine.ReserveThin(pool); err != nil {
			return nil, err
		}
	}

	vol := &types.Volume{
		PoolID:       pool.ID,
		Name:         in.Name,
		SizeBytes:    in.SizeBytes,
		Provisioning: in.Provisioning,
		State:        types.VolumeCreating,
	}
	if err := m.store.CreateVolume(vol); err != nil {
		m.engine.ReleaseCapacity(pool, reservedAmount(in.Provisioning, in.SizeBytes))
		return nil, err
	}

	pd, err := m.store.GetPD(pool.PDID)
	if err != nil {
		return nil, m.rollbackCreate(pool, vol, in, err)
	}

	chunkCount := engine.ChunkCount(in.SizeBytes, pool.ChunkSizeBytes)
	var createdChunks []*types.Chunk
	for idx := int64(0); idx < chunkCount; idx++ {
		targets, err := m.engine.PlaceChunk(pd, pool, nil)
		if err != nil {
			return nil, m.rollbackCreate(pool, vol, in, err, createdChunks...)
		}

		chunk := &types.Chunk{VolumeID: vol.ID, ChunkIndex: idx}
		if err := m.store.CreateChunk(chunk); err != nil {
			return nil, m.rollbackCreate(pool, vol, in, err, createdChunks...)
		}
		createdChunks = append(createdChunks, chunk)

		for _, sds := range targets {
			replica := &types.Replica{ChunkID: chunk.ID, SDSID: sds.ID, IsAvailable: true, IsCurrent: true}
			if err := m.store.CreateReplica(replica); err != nil {
				return nil, m.rollbackCreate(pool, vol, in, err, createdChunks...)
			}
			sds.UsedCapacity += pool.ChunkSizeBytes
			if err := m.store.UpdateSDSNode(sds); err != nil {
				return nil, m.rollbackCreate(pool, vol, in, err, createdChunks...)
			}

			path := m.layout.ReplicaPath(vol.ID, sds.ClusterNodeID)
			if err := bfile.EnsureReplicaFile(path, vol.SizeBytes); err != nil {
				return nil, m.rollbackCreate(pool, vol, in, err, createdChunks...)
			}
		}
	}

	if err := m.store.UpdatePool(pool); err != nil {
		return nil, m.rollbackCreate(pool, vol, in, err, createdChunks...)
	}

	vol.State = types.VolumeAvailable
	if err := m.store.UpdateVolume(vol); err != nil {
		return nil, m.rollbackCreate(pool, vol, in, err, createdChunks...)
	}

	m.emit(types.EventVolumeCreated, fmt.Sprintf("volume %q created in pool %d", vol.Name, pool.ID), &pool.ID, &vol.ID)
	log.Info().Int64("volume_id", vol.ID).Str("name", vol.Name).Msg("volume created")
	return vol, nil
}

func reservedAmount(p types.Provisioning, sizeBytes int64) int64 {
	if p == types.ProvisioningThick {
		return sizeBytes
	}
	return types.ThinMetadataReserveBytes
}

func (m *Manager) rollbackCreate(pool *types.StoragePool, vol *types.Volume, in CreateInput, cause error, chunks ...*types.Chunk) error {
	for _, c := range chunks {
		replicas, _ := m.store.ListReplicasForChunk(c.ID)
		for _, r := range replicas {
			if sds, err := m.store.GetSDSNode(r.SDSID); err == nil {
				sds.UsedCapacity -= pool.ChunkSizeBytes
				if sds.UsedCapacity < 0 {
					sds.UsedCapacity = 0
				}
				_ = m.store.UpdateSDSNode(sds)
				_ = bfile.RemoveIfExists(m.layout.ReplicaPath(vol.ID, sds.ClusterNodeID))
			}
			_ = m.store.DeleteReplica(r.ID)
		}
		_ = m.store.DeleteChunk(c.ID)
	}
	_ = m.store.DeleteVolume(vol.ID)
	m.engine.ReleaseCapacity(pool, reservedAmount(in.Provisioning, in.SizeBytes))
	_ = m.store.UpdatePool(pool)
	return cause
}

// Map validates the volume and client, rejects duplicate mappings,
// records the mapping, publishes the mapping descriptor and device
// alias on the client, bumps mapping_count, and transitions to IN_USE
// on the first mapping.
func (m *Manager) Map(volumeID, sdcID int64, mode types.AccessMode) (*types.VolumeMapping, error) {
	vol, err := m.store.GetVolume(volumeID)
	if err != nil {
		return nil, err
	}
	if err := engine.CanMap(vol); err != nil {
		return nil, err
	}
	sdc, err := m.store.GetSDCClient(sdcID)
	if err != nil {
		return nil, err
	}
	comp, err := m.store.GetComponent(sdc.ClusterNodeID)
	if err != nil || comp.Status != types.ComponentActive {
		return nil, apierr.New(apierr.MappingForbidden, "sdc %d is not an ACTIVE cluster component", sdcID)
	}
	if existing, _ := m.store.GetMapping(volumeID, sdcID); existing != nil {
		return nil, apierr.New(apierr.Conflict, "volume %d already mapped to sdc %d", volumeID, sdcID)
	}

	mapping := &types.VolumeMapping{VolumeID: volumeID, SDCID: sdcID, AccessMode: mode}
	if err := m.store.CreateMapping(mapping); err != nil {
		return nil, err
	}

	chunks, err := m.store.ListChunksForVolume(volumeID)
	if err != nil {
		return nil, err
	}
	if len(chunks) > 0 {
		replicas, err := m.store.ListReplicasForChunk(chunks[0].ID)
		if err != nil {
			return nil, err
		}
		if len(replicas) > 0 {
			primary, err := m.store.GetSDSNode(replicas[0].SDSID)
			if err != nil {
				return nil, err
			}
			sourcePath := m.layout.ReplicaPath(volumeID, primary.ClusterNodeID)
			devicePath := m.layout.DevicePath(volumeID, sdc.ClusterNodeID)
			mappingPath := m.layout.MappingPath(volumeID, sdc.ClusterNodeID)

			descriptor := fmt.Sprintf(`{"volume_id":%d,"volume_name":%q,"size_bytes":%d,"access_mode":%q,"device_path":%q}`,
				vol.ID, vol.Name, vol.SizeBytes, mode, devicePath)
			if err := bfile.WriteMappingDescriptor(mappingPath, []byte(descriptor)); err != nil {
				return nil, err
			}
			if err := bfile.CreateDeviceAlias(sourcePath, devicePath); err != nil {
				return nil, err
			}
		}
	}

	vol.MappingCount++
	if vol.MappingCount == 1 {
		vol.State = types.VolumeInUse
	}
	if err := m.store.UpdateVolume(vol); err != nil {
		return nil, err
	}

	m.emit(types.EventVolumeMapped, fmt.Sprintf("volume %d mapped to sdc %d", volumeID, sdcID), nil, &volumeID)
	return mapping, nil
}

// Unmap deletes the mapping and access artifacts and decrements
// mapping_count, transitioning to AVAILABLE on the last unmap.
func (m *Manager) Unmap(volumeID, sdcID int64) error {
	vol, err := m.store.GetVolume(volumeID)
	if err != nil {
		return err
	}
	mapping, err := m.store.GetMapping(volumeID, sdcID)
	if err != nil {
		return err
	}
	sdc, err := m.store.GetSDCClient(sdcID)
	if err != nil {
		return err
	}

	devicePath := m.layout.DevicePath(volumeID, sdc.ClusterNodeID)
	mappingPath := m.layout.MappingPath(volumeID, sdc.ClusterNodeID)
	if err := bfile.RemoveIfExists(devicePath); err != nil {
		return err
	}
	if err := bfile.RemoveIfExists(mappingPath); err != nil {
		return err
	}

	if err := m.store.DeleteMapping(mapping.ID); err != nil {
		return err
	}

	vol.MappingCount--
	if vol.MappingCount < 0 {
		vol.MappingCount = 0
	}
	if vol.MappingCount == 0 && vol.State == types.VolumeInUse {
		vol.State = types.VolumeAvailable
	}
	if err := m.store.UpdateVolume(vol); err != nil {
		return err
	}

	m.emit(types.EventVolumeUnmapped, fmt.Sprintf("volume %d unmapped from sdc %d", volumeID, sdcID), nil, &volumeID)
	return nil
}

// Extend grows a volume, extending pool accounting and replica file
// sizes, and allocates newly created chunks with the same placer used
// on create.
func (m *Manager) Extend(volumeID, newSizeBytes int64) (*types.Volume, error) {
	vol, err := m.store.GetVolume(volumeID)
	if err != nil {
		return nil, err
	}
	if newSizeBytes <= vol.SizeBytes {
		return nil, apierr.New(apierr.InvalidArgument, "new_size_bytes %d must exceed current size %d", newSizeBytes, vol.SizeBytes)
	}
	pool, err := m.store.GetPool(vol.PoolID)
	if err != nil {
		return nil, err
	}
	pd, err := m.store.GetPD(pool.PDID)
	if err != nil {
		return nil, err
	}

	additional := newSizeBytes - vol.SizeBytes
	if vol.Provisioning == types.ProvisioningThick {
		if err := m.engine.ReserveThick(pool, additional); err != nil {
			return nil, err
		}
	}

	existingChunks, err := m.store.ListChunksForVolume(volumeID)
	if err != nil {
		return nil, err
	}
	newChunkCount := engine.ChunkCount(newSizeBytes, pool.ChunkSizeBytes)
	startIdx := int64(len(existingChunks))

	for idx := startIdx; idx < newChunkCount; idx++ {
		targets, err := m.engine.PlaceChunk(pd, pool, nil)
		if err != nil {
			if vol.Provisioning == types.ProvisioningThick {
				m.engine.ReleaseCapacity(pool, additional)
				_ = m.store.UpdatePool(pool)
			}
			return nil, err
		}
		chunk := &types.Chunk{VolumeID: volumeID, ChunkIndex: idx}
		if err := m.store.CreateChunk(chunk); err != nil {
			return nil, err
		}
		for _, sds := range targets {
			replica := &types.Replica{ChunkID: chunk.ID, SDSID: sds.ID, IsAvailable: true, IsCurrent: true}
			if err := m.store.CreateReplica(replica); err != nil {
				return nil, err
			}
			sds.UsedCapacity += pool.ChunkSizeBytes
			if err := m.store.UpdateSDSNode(sds); err != nil {
				return nil, err
			}
			path := m.layout.ReplicaPath(volumeID, sds.ClusterNodeID)
			if err := bfile.EnsureReplicaFile(path, pool.ChunkSizeBytes); err != nil {
				return nil, err
			}
		}
	}

	replicaSDS, err := m.replicaSDSNodesForVolume(volumeID)
	if err != nil {
		return nil, err
	}
	for _, sds := range replicaSDS {
		path := m.layout.ReplicaPath(volumeID, sds.ClusterNodeID)
		if err := bfile.EnsureReplicaFile(path, newSizeBytes); err != nil {
			return nil, err
		}
	}

	if err := m.store.UpdatePool(pool); err != nil {
		return nil, err
	}
	vol.SizeBytes = newSizeBytes
	if err := m.store.UpdateVolume(vol); err != nil {
		return nil, err
	}

	m.emit(types.EventVolumeExtended, fmt.Sprintf("volume %d extended to %d bytes", volumeID, newSizeBytes), &pool.ID, &volumeID)
	return vol, nil
}

func (m *Manager) replicaSDSNodesForVolume(volumeID int64) ([]*types.SDSNode, error) {
	chunks, err := m.store.ListChunksForVolume(volumeID)
	if err != nil {
		return nil, err
	}
	seen := make(map[int64]bool)
	var out []*types.SDSNode
	for _, c := range chunks {
		replicas, err := m.store.ListReplicasForChunk(c.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range replicas {
			if seen[r.SDSID] {
				continue
			}
			seen[r.SDSID] = true
			sds, err := m.store.GetSDSNode(r.SDSID)
			if err != nil {
				return nil, err
			}
			out = append(out, sds)
		}
	}
	return out, nil
}

// Delete requires mapping_count == 0, then marks DELETING, removes
// replicas and chunks, releases pool capacity, and deletes the volume.
func (m *Manager) Delete(volumeID int64) error {
	vol, err := m.store.GetVolume(volumeID)
	if err != nil {
		return err
	}
	if err := engine.CanDelete(vol); err != nil {
		return err
	}
	pool, err := m.store.GetPool(vol.PoolID)
	if err != nil {
		return err
	}

	vol.State = types.VolumeDeleting
	if err := m.store.UpdateVolume(vol); err != nil {
		return err
	}

	chunks, err := m.store.ListChunksForVolume(volumeID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		replicas, err := m.store.ListReplicasForChunk(c.ID)
		if err != nil {
			return err
		}
		for _, r := range replicas {
			sds, err := m.store.GetSDSNode(r.SDSID)
			if err == nil {
				sds.UsedCapacity -= pool.ChunkSizeBytes
				if sds.UsedCapacity < 0 {
					sds.UsedCapacity = 0
				}
				_ = m.store.UpdateSDSNode(sds)
				path := m.layout.ReplicaPath(volumeID, sds.ClusterNodeID)
				_ = bfile.RemoveIfExists(path)
			}
			if err := m.store.DeleteReplica(r.ID); err != nil {
				return err
			}
		}
		if err := m.store.DeleteChunk(c.ID); err != nil {
			return err
		}
	}

	m.engine.ReleaseCapacity(pool, reservedAmount(vol.Provisioning, vol.SizeBytes))
	if err := m.store.UpdatePool(pool); err != nil {
		return err
	}
	if err := m.store.DeleteVolume(volumeID); err != nil {
		return err
	}

	m.emit(types.EventVolumeDeleted, fmt.Sprintf("volume %d deleted", volumeID), &pool.ID, &volumeID)
	return nil
}
