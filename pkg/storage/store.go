// Package storage is the MDM's persistent metadata store: one table per
// cluster entity, all reachable through the Store interface so
// higher-level components never depend on the concrete backing engine.
package storage

import "github.com/cuemby/flexsim/pkg/types"

// Store is the MDM metadata store. Every mutation is a single transaction
// that commits entirely or rolls back; every Create of an int64-keyed
// entity assigns and returns an id, while components and tokens are
// stored under their own string ids.
type Store interface {
	CreatePD(*types.ProtectionDomain) error
	GetPD(id int64) (*types.ProtectionDomain, error)
	GetPDByName(name string) (*types.ProtectionDomain, error)
	ListPDs() ([]*types.ProtectionDomain, error)

	CreateFaultSet(*types.FaultSet) error
	GetFaultSet(id int64) (*types.FaultSet, error)
	ListFaultSets(pdID int64) ([]*types.FaultSet, error)

	CreatePool(*types.StoragePool) error
	GetPool(id int64) (*types.StoragePool, error)
	GetPoolByName(name string) (*types.StoragePool, error)
	UpdatePool(*types.StoragePool) error
	ListPools(pdID int64) ([]*types.StoragePool, error)
	DeletePool(id int64) error

	CreateSDSNode(*types.SDSNode) error
	GetSDSNode(id int64) (*types.SDSNode, error)
	GetSDSNodeByName(name string) (*types.SDSNode, error)
	UpdateSDSNode(*types.SDSNode) error
	ListSDSNodes(pdID int64) ([]*types.SDSNode, error)
	ListAllSDSNodes() ([]*types.SDSNode, error)

	CreateSDCClient(*types.SDCClient) error
	GetSDCClient(id int64) (*types.SDCClient, error)
	GetSDCClientByName(name string) (*types.SDCClient, error)
	ListSDCClients() ([]*types.SDCClient, error)

	CreateVolume(*types.Volume) error
	GetVolume(id int64) (*types.Volume, error)
	GetVolumeByName(name string) (*types.Volume, error)
	UpdateVolume(*types.Volume) error
	DeleteVolume(id int64) error
	ListVolumes(poolID int64) ([]*types.Volume, error)

	CreateMapping(*types.VolumeMapping) error
	GetMapping(volumeID, sdcID int64) (*types.VolumeMapping, error)
	DeleteMapping(id int64) error
	ListMappingsForVolume(volumeID int64) ([]*types.VolumeMapping, error)

	CreateChunk(*types.Chunk) error
	GetChunk(id int64) (*types.Chunk, error)
	UpdateChunk(*types.Chunk) error
	DeleteChunk(id int64) error
	ListChunksForVolume(volumeID int64) ([]*types.Chunk, error)
	ListDegradedChunksForVolume(volumeID int64) ([]*types.Chunk, error)

	CreateReplica(*types.Replica) error
	GetReplica(id int64) (*types.Replica, error)
	UpdateReplica(*types.Replica) error
	DeleteReplica(id int64) error
	ListReplicasForChunk(chunkID int64) ([]*types.Replica, error)
	ListReplicasForSDS(sdsID int64) ([]*types.Replica, error)
	ListRebuildingReplicas() ([]*types.Replica, error)

	CreateComponent(*types.ComponentRegistry) error
	GetComponent(componentID string) (*types.ComponentRegistry, error)
	UpdateComponent(*types.ComponentRegistry) error
	ListComponents() ([]*types.ComponentRegistry, error)
	ListComponentsByType(t types.ComponentType) ([]*types.ComponentRegistry, error)
	DeleteComponent(componentID string) error

	CreateToken(*types.IOToken) error
	GetToken(tokenID string) (*types.IOToken, error)
	UpdateToken(*types.IOToken) error
	ListIssuedTokensBefore(cutoffUnixNano int64) ([]*types.IOToken, error)

	CreateAck(*types.IOTransactionAck) error
	ListAcksForToken(tokenID string) ([]*types.IOTransactionAck, error)

	CreateRebuildJob(*types.RebuildJob) error
	GetRebuildJob(id int64) (*types.RebuildJob, error)
	UpdateRebuildJob(*types.RebuildJob) error
	GetActiveRebuildJobForPool(poolID int64) (*types.RebuildJob, error)
	GetLatestRebuildJobForPool(poolID int64) (*types.RebuildJob, error)

	AppendEvent(*types.Event) error
	ListEvents(limit int) ([]*types.Event, error)

	Close() error
}
