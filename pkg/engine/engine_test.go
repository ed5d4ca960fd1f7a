package engine

import (
	"testing"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/types"
)

// fakeStore implements storage.Store with in-memory slices, supplying
// only the behavior engine.go actually reads; every other method is a
// harmless no-op so the type satisfies the full interface.
type fakeStore struct {
	sdsNodes []*types.SDSNode
	volumes  []*types.Volume
	chunks   map[int64][]*types.Chunk
	replicas map[int64][]*types.Replica
}

var _ storage.Store = (*fakeStore)(nil)

func (f *fakeStore) ListSDSNodes(pdID int64) ([]*types.SDSNode, error) { return f.sdsNodes, nil }
func (f *fakeStore) GetSDSNode(id int64) (*types.SDSNode, error) {
	for _, n := range f.sdsNodes {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, apierr.New(apierr.NotFound, "sds %d not found", id)
}
func (f *fakeStore) ListVolumes(poolID int64) ([]*types.Volume, error) { return f.volumes, nil }
func (f *fakeStore) ListChunksForVolume(volumeID int64) ([]*types.Chunk, error) {
	return f.chunks[volumeID], nil
}
func (f *fakeStore) ListReplicasForChunk(chunkID int64) ([]*types.Replica, error) {
	return f.replicas[chunkID], nil
}

func (f *fakeStore) CreatePD(*types.ProtectionDomain) error               { return nil }
func (f *fakeStore) GetPD(int64) (*types.ProtectionDomain, error)         { return nil, nil }
func (f *fakeStore) GetPDByName(string) (*types.ProtectionDomain, error)  { return nil, nil }
func (f *fakeStore) ListPDs() ([]*types.ProtectionDomain, error)          { return nil, nil }
func (f *fakeStore) CreateFaultSet(*types.FaultSet) error                { return nil }
func (f *fakeStore) GetFaultSet(int64) (*types.FaultSet, error)          { return nil, nil }
func (f *fakeStore) ListFaultSets(int64) ([]*types.FaultSet, error)     { return nil, nil }
func (f *fakeStore) CreatePool(*types.StoragePool) error                { return nil }
func (f *fakeStore) GetPool(int64) (*types.StoragePool, error)          { return nil, nil }
func (f *fakeStore) GetPoolByName(string) (*types.StoragePool, error)   { return nil, nil }
func (f *fakeStore) UpdatePool(*types.StoragePool) error                { return nil }
func (f *fakeStore) ListPools(int64) ([]*types.StoragePool, error)     { return nil, nil }
func (f *fakeStore) DeletePool(int64) error                              { return nil }
func (f *fakeStore) CreateSDSNode(*types.SDSNode) error                  { return nil }
func (f *fakeStore) GetSDSNodeByName(string) (*types.SDSNode, error)    { return nil, nil }
func (f *fakeStore) UpdateSDSNode(*types.SDSNode) error                  { return nil }
func (f *fakeStore) ListAllSDSNodes() ([]*types.SDSNode, error)         { return nil, nil }
func (f *fakeStore) CreateSDCClient(*types.SDCClient) error              { return nil }
func (f *fakeStore) GetSDCClient(int64) (*types.SDCClient, error)       { return nil, nil }
func (f *fakeStore) GetSDCClientByName(string) (*types.SDCClient, error) { return nil, nil }
func (f *fakeStore) ListSDCClients() ([]*types.SDCClient, error)       { return nil, nil }
func (f *fakeStore) CreateVolume(*types.Volume) error                    { return nil }
func (f *fakeStore) GetVolume(int64) (*types.Volume, error)             { return nil, nil }
func (f *fakeStore) GetVolumeByName(string) (*types.Volume, error)      { return nil, nil }
func (f *fakeStore) UpdateVolume(*types.Volume) error                    { return nil }
func (f *fakeStore) DeleteVolume(int64) error                            { return nil }
func (f *fakeStore) CreateMapping(*types.VolumeMapping) error            { return nil }
func (f *fakeStore) GetMapping(int64, int64) (*types.VolumeMapping, error) { return nil, nil }
func (f *fakeStore) DeleteMapping(int64) error                           { return nil }
func (f *fakeStore) ListMappingsForVolume(int64) ([]*types.VolumeMapping, error) {
	return nil, nil
}
func (f *fakeStore) CreateChunk(*types.Chunk) error { return nil }
func (f *fakeStore) GetChunk(int64) (*types.Chunk, error) { return nil, nil }
func (f *fakeStore) UpdateChunk(*types.Chunk) error { return nil }
func (f *fakeStore) DeleteChunk(int64) error        { return nil }
func (f *fakeStore) ListDegradedChunksForVolume(int64) ([]*types.Chunk, error) {
	return nil, nil
}
func (f *fakeStore) CreateReplica(*types.Replica) error { return nil }
func (f *fakeStore) GetReplica(int64) (*types.Replica, error) { return nil, nil }
func (f *fakeStore) UpdateReplica(*types.Replica) error { return nil }
func (f *fakeStore) DeleteReplica(int64) error          { return nil }
func (f *fakeStore) ListReplicasForSDS(int64) ([]*types.Replica, error) { return nil, nil }
func (f *fakeStore) ListRebuildingReplicas() ([]*types.Replica, error) { return nil, nil }
func (f *fakeStore) CreateComponent(*types.ComponentRegistry) error     { return nil }
func (f *fakeStore) GetComponent(string) (*types.ComponentRegistry, error) { return nil, nil }
func (f *fakeStore) UpdateComponent(*types.ComponentRegistry) error     { return nil }
func (f *fakeStore) ListComponents() ([]*types.ComponentRegistry, error) { return nil, nil }
func (f *fakeStore) ListComponentsByType(types.ComponentType) ([]*types.ComponentRegistry, error) {
	return nil, nil
}
func (f *fakeStore) DeleteComponent(string) error              { return nil }
func (f *fakeStore) CreateToken(*types.IOToken) error          { return nil }
func (f *fakeStore) GetToken(string) (*types.IOToken, error)  { return nil, nil }
func (f *fakeStore) UpdateToken(*types.IOToken) error          { return nil }
func (f *fakeStore) ListIssuedTokensBefore(int64) ([]*types.IOToken, error) {
	return nil, nil
}
func (f *fakeStore) CreateAck(*types.IOTransactionAck) error { return nil }
func (f *fakeStore) ListAcksForToken(string) ([]*types.IOTransactionAck, error) {
	return nil, nil
}
func (f *fakeStore) CreateRebuildJob(*types.RebuildJob) error { return nil }
func (f *fakeStore) GetRebuildJob(int64) (*types.RebuildJob, error) { return nil, nil }
func (f *fakeStore) UpdateRebuildJob(*types.RebuildJob) error { return nil }
func (f *fakeStore) GetActiveRebuildJobForPool(int64) (*types.RebuildJob, error) {
	return nil, nil
}
func (f *fakeStore) GetLatestRebuildJobForPool(int64) (*types.RebuildJob, error) {
	return nil, nil
}
func (f *fakeStore) AppendEvent(*types.Event) error          { return nil }
func (f *fakeStore) ListEvents(int) ([]*types.Event, error) { return nil, nil }
func (f *fakeStore) Close() error                             { return nil }

func TestChunkCount(t *testing.T) {
	cases := []struct {
		size, chunk, want int64
	}{
		{0, 1024, 0},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{10 * 1024, 1024, 10},
	}
	for _, c := range cases {
		if got := ChunkCount(c.size, c.chunk); got != c.want {
			t.Errorf("ChunkCount(%d, %d) = %d, want %d", c.size, c.chunk, got, c.want)
		}
	}
}

func TestReserveThick(t *testing.T) {
	e := New(&fakeStore{})
	pool := &types.StoragePool{TotalCapacityBytes: 1000}

	if err := e.ReserveThick(pool, 400); err != nil {
		t.Fatalf("ReserveThick: %v", err)
	}
	if pool.UsedCapacityBytes != 400 || pool.ReservedCapacityBytes != 400 {
		t.Fatalf("pool accounting after reserve: used=%d reserved=%d", pool.UsedCapacityBytes, pool.ReservedCapacityBytes)
	}

	err := e.ReserveThick(pool, 700)
	if apierr.KindOf(err) != apierr.InsufficientCapacity {
		t.Fatalf("expected InsufficientCapacity, got %v", err)
	}
}

func TestReleaseCapacityClampsAtZero(t *testing.T) {
	e := New(&fakeStore{})
	pool := &types.StoragePool{UsedCapacityBytes: 100, ReservedCapacityBytes: 100}
	e.ReleaseCapacity(pool, 500)
	if pool.UsedCapacityBytes != 0 || pool.ReservedCapacityBytes != 0 {
		t.Fatalf("expected clamped-to-zero accounting, got used=%d reserved=%d", pool.UsedCapacityBytes, pool.ReservedCapacityBytes)
	}
}

func sdsNode(id int64, state types.SDSNodeState, faultSet *int64, used, total int64) *types.SDSNode {
	return &types.SDSNode{ID: id, State: state, FaultSetID: faultSet, UsedCapacity: used, TotalCapacity: total}
}

func ptr(v int64) *int64 { return &v }

func TestPlaceChunkPrefersDistinctFaultSets(t *testing.T) {
	store := &fakeStore{sdsNodes: []*types.SDSNode{
		sdsNode(1, types.SDSNodeUp, ptr(1), 10, 100),
		sdsNode(2, types.SDSNodeUp, ptr(1), 20, 100),
		sdsNode(3, types.SDSNodeUp, ptr(2), 50, 100),
		sdsNode(4, types.SDSNodeUp, ptr(3), 5, 100),
	}}
	e := New(store)
	pd := &types.ProtectionDomain{ID: 1}
	pool := &types.StoragePool{ID: 1, ProtectionPolicy: types.ProtectionTwoCopies}

	chosen, err := e.PlaceChunk(pd, pool, map[int64]bool{})
	if err != nil {
		t.Fatalf("PlaceChunk: %v", err)
	}
	if len(chosen) != 2 {
		t.Fatalf("len(chosen) = %d, want 2", len(chosen))
	}
	faultSets := map[int64]bool{}
	for _, n := range chosen {
		faultSets[*n.FaultSetID] = true
	}
	if len(faultSets) != 2 {
		t.Fatalf("expected replicas spread across 2 distinct fault sets, got %d", len(faultSets))
	}
}

func TestPlaceChunkExcludesDownAndRequested(t *testing.T) {
	store := &fakeStore{sdsNodes: []*types.SDSNode{
		sdsNode(1, types.SDSNodeDown, nil, 0, 100),
		sdsNode(2, types.SDSNodeUp, nil, 0, 100),
		sdsNode(3, types.SDSNodeUp, nil, 0, 100),
	}}
	e := New(store)
	pool := &types.StoragePool{ProtectionPolicy: types.ProtectionTwoCopies}

	_, err := e.PlaceChunk(&types.ProtectionDomain{}, pool, map[int64]bool{3: true})
	if apierr.KindOf(err) != apierr.InsufficientReplicationTargets {
		t.Fatalf("expected InsufficientReplicationTargets with only 1 eligible node, got %v", err)
	}
}

func TestCanMapAndCanDelete(t *testing.T) {
	if err := CanMap(&types.Volume{State: types.VolumeDegraded}); apierr.KindOf(err) != apierr.MappingForbidden {
		t.Fatalf("CanMap on degraded volume: %v", err)
	}
	if err := CanMap(&types.Volume{State: types.VolumeDeleting}); apierr.KindOf(err) != apierr.MappingForbidden {
		t.Fatalf("CanMap on deleting volume: %v", err)
	}
	if err := CanDelete(&types.Volume{MappingCount: 1}); apierr.KindOf(err) != apierr.Conflict {
		t.Fatalf("CanDelete with active mapping: %v", err)
	}
	if err := CanDelete(&types.Volume{MappingCount: 0}); err != nil {
		t.Fatalf("CanDelete unmapped volume should succeed: %v", err)
	}
}

func TestRecomputeChunkDegraded(t *testing.T) {
	chunk := &types.Chunk{}
	replicas := []*types.Replica{{IsAvailable: true}, {IsAvailable: false}}
	RecomputeChunkDegraded(chunk, replicas, 2)
	if !chunk.IsDegraded {
		t.Fatal("expected chunk to be degraded with 1 of 2 required replicas available")
	}
	RecomputeChunkDegraded(chunk, replicas, 1)
	if chunk.IsDegraded {
		t.Fatal("expected chunk not degraded with 1 of 1 required replicas available")
	}
}

func TestEvaluatePoolHealth(t *testing.T) {
	store := &fakeStore{
		volumes: []*types.Volume{{ID: 1}},
		chunks:  map[int64][]*types.Chunk{1: {{ID: 10, IsDegraded: false}}},
		replicas: map[int64][]*types.Replica{
			10: {{IsAvailable: true}, {IsAvailable: true}},
		},
		sdsNodes: []*types.SDSNode{sdsNode(1, types.SDSNodeUp, nil, 0, 100)},
	}
	e := New(store)
	health, err := e.EvaluatePoolHealth(&types.StoragePool{ID: 1})
	if err != nil {
		t.Fatalf("EvaluatePoolHealth: %v", err)
	}
	if health != types.PoolHealthOK {
		t.Fatalf("health = %s, want OK", health)
	}

	store.replicas[10] = []*types.Replica{{IsAvailable: false}, {IsAvailable: false}}
	health, err = e.EvaluatePoolHealth(&types.StoragePool{ID: 1})
	if err != nil {
		t.Fatalf("EvaluatePoolHealth: %v", err)
	}
	if health != types.PoolHealthFailed {
		t.Fatalf("health = %s, want FAILED when a chunk has zero available replicas", health)
	}
}
