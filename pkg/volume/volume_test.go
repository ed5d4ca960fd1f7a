package volume

import (
	"os"
	"testing"
	"time"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/bfile"
	"github.com/cuemby/flexsim/pkg/engine"
	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/types"
)

// fakeStore is a minimal in-memory storage.Store covering what a
// two-node pool needs to exercise Create and Map.
type fakeStore struct {
	pds        map[int64]*types.ProtectionDomain
	pools      map[int64]*types.StoragePool
	sds        map[int64]*types.SDSNode
	sdcClients map[int64]*types.SDCClient
	volumes    map[int64]*types.Volume
	mappings   map[int64]*types.VolumeMapping
	chunks     map[int64]*types.Chunk
	replicas   map[int64]*types.Replica
	components map[string]*types.ComponentRegistry
	nextID     int64
}

var _ storage.Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		pds:        map[int64]*types.ProtectionDomain{},
		pools:      map[int64]*types.StoragePool{},
		sds:        map[int64]*types.SDSNode{},
		sdcClients: map[int64]*types.SDCClient{},
		volumes:    map[int64]*types.Volume{},
		mappings:   map[int64]*types.VolumeMapping{},
		chunks:     map[int64]*types.Chunk{},
		replicas:   map[int64]*types.Replica{},
		components: map[string]*types.ComponentRegistry{},
	}
}

func (f *fakeStore) id() int64 { f.nextID++; return f.nextID }

func (f *fakeStore) CreatePD(p *types.ProtectionDomain) error { p.ID = f.id(); f.pds[p.ID] = p; return nil }
func (f *fakeStore) GetPD(id int64) (*types.ProtectionDomain, error) {
	p, ok := f.pds[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "pd %d", id)
	}
	return p, nil
}
func (f *fakeStore) GetPDByName(string) (*types.ProtectionDomain, error) { return nil, nil }
func (f *fakeStore) ListPDs() ([]*types.ProtectionDomain, error)         { return nil, nil }

func (f *fakeStore) CreateFaultSet(*types.FaultSet) error           { return nil }
func (f *fakeStore) GetFaultSet(int64) (*types.FaultSet, error)     { return nil, nil }
func (f *fakeStore) ListFaultSets(int64) ([]*types.FaultSet, error) { return nil, nil }

func (f *fakeStore) CreatePool(p *types.StoragePool) error { p.ID = f.id(); f.pools[p.ID] = p; return nil }
func (f *fakeStore) GetPool(id int64) (*types.StoragePool, error) {
	p, ok := f.pools[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "pool %d", id)
	}
	return p, nil
}
func (f *fakeStore) GetPoolByName(string) (*types.StoragePool, error) { return nil, nil }
func (f *fakeStore) UpdatePool(p *types.StoragePool) error            { f.pools[p.ID] = p; return nil }
func (f *fakeStore) ListPools(int64) ([]*types.StoragePool, error)    { return nil, nil }
func (f *fakeStore) DeletePool(int64) error                          { return nil }

func (f *fakeStore) CreateSDSNode(n *types.SDSNode) error { n.ID = f.id(); f.sds[n.ID] = n; return nil }
func (f *fakeStore) GetSDSNode(id int64) (*types.SDSNode, error) {
	n, ok := f.sds[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "sds %d", id)
	}
	return n, nil
}
func (f *fakeStore) GetSDSNodeByName(string) (*types.SDSNode, error) { return nil, nil }
func (f *fakeStore) UpdateSDSNode(n *types.SDSNode) error            { f.sds[n.ID] = n; return nil }
func (f *fakeStore) ListSDSNodes(pdID int64) ([]*types.SDSNode, error) {
	var out []*types.SDSNode
	for _, n := range f.sds {
		if n.PDID == pdID {
			out = append(out, n)
		}
	}
	return out, nil
}
func (f *fakeStore) ListAllSDSNodes() ([]*types.SDSNode, error) {
	var out []*types.SDSNode
	for _, n := range f.sds {
		out = append(out, n)
	}
	return out, nil
}

func (f *fakeStore) CreateSDCClient(c *types.SDCClient) error { c.ID = f.id(); f.sdcClients[c.ID] = c; return nil }
func (f *fakeStore) GetSDCClient(id int64) (*types.SDCClient, error) {
	c, ok := f.sdcClients[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "sdc %d", id)
	}
	return c, nil
}
func (f *fakeStore) GetSDCClientByName(string) (*types.SDCClient, error) { return nil, nil }
func (f *fakeStore) ListSDCClients() ([]*types.SDCClient, error)         { return nil, nil }

func (f *fakeStore) CreateVolume(v *types.Volume) error { v.ID = f.id(); f.volumes[v.ID] = v; return nil }
func (f *fakeStore) GetVolume(id int64) (*types.Volume, error) {
	v, ok := f.volumes[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "volume %d", id)
	}
	return v, nil
}
func (f *fakeStore) GetVolumeByName(name string) (*types.Volume, error) {
	for _, v := range f.volumes {
		if v.Name == name {
			return v, nil
		}
	}
	return nil, apierr.New(apierr.NotFound, "volume %q", name)
}
func (f *fakeStore) UpdateVolume(v *types.Volume) error { f.volumes[v.ID] = v; return nil }
func (f *fakeStore) DeleteVolume(id int64) error        { delete(f.volumes, id); return nil }
func (f *fakeStore) ListVolumes(int64) ([]*types.Volume, error) { return nil, nil }

func (f *fakeStore) CreateMapping(m *types.VolumeMapping) error {
	m.ID = f.id()
	f.mappings[m.ID] = m
	return nil
}
func (f *fakeStore) GetMapping(volumeID, sdcID int64) (*types.VolumeMapping, error) {
	for _, m := range f.mappings {
		if m.VolumeID == volumeID && m.SDCID == sdcID {
			return m, nil
		}
	}
	return nil, apierr.New(apierr.NotFound, "mapping")
}
func (f *fakeStore) DeleteMapping(id int64) error { delete(f.mappings, id); return nil }
func (f *fakeStore) ListMappingsForVolume(int64) ([]*types.VolumeMapping, error) { return nil, nil }

func (f *fakeStore) CreateChunk(c *types.Chunk) error { c.ID = f.id(); f.chunks[c.ID] = c; return nil }
func (f *fakeStore) GetChunk(id int64) (*types.Chunk, error) {
	c, ok := f.chunks[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "chunk %d", id)
	}
	return c, nil
}
func (f *fakeStore) UpdateChunk(c *types.Chunk) error { f.chunks[c.ID] = c; return nil }
func (f *fakeStore) DeleteChunk(id int64) error       { delete(f.chunks, id); return nil }
func (f *fakeStore) ListChunksForVolume(volumeID int64) ([]*types.Chunk, error) {
	var out []*types.Chunk
	for _, c := range f.chunks {
		if c.VolumeID == volumeID {
			out = append(out, c)
		}
	}
	return out, nil
}
func (f *fakeStore) ListDegradedChunksForVolume(int64) ([]*types.Chunk, error) { return nil, nil }

func (f *fakeStore) CreateReplica(r *types.Replica) error { r.ID = f.id(); f.replicas[r.ID] = r; return nil }
func (f *fakeStore) GetReplica(id int64) (*types.Replica, error) {
	r, ok := f.replicas[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "replica %d", id)
	}
	return r, nil
}
func (f *fakeStore) UpdateReplica(r *types.Replica) error { f.replicas[r.ID] = r; return nil }
func (f *fakeStore) DeleteReplica(id int64) error         { delete(f.replicas, id); return nil }
func (f *fakeStore) ListReplicasForChunk(chunkID int64) ([]*types.Replica, error) {
	var out []*types.Replica
	for _, r := range f.replicas {
		if r.ChunkID == chunkID {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeStore) ListReplicasForSDS(int64) ([]*types.Replica, error) { return nil, nil }
func (f *fakeStore) ListRebuildingReplicas() ([]*types.Replica, error)  { return nil, nil }

func (f *fakeStore) CreateComponent(c *types.ComponentRegistry) error {
	f.components[c.ComponentID] = c
	return nil
}
func (f *fakeStore) GetComponent(componentID string) (*types.ComponentRegistry, error) {
	c, ok := f.components[componentID]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "component %s", componentID)
	}
	return c, nil
}
func (f *fakeStore) UpdateComponent(c *types.ComponentRegistry) error {
	f.components[c.ComponentID] = c
	return nil
}
func (f *fakeStore) ListComponents() ([]*types.ComponentRegistry, error) { return nil, nil }
func (f *fakeStore) ListComponentsByType(types.ComponentType) ([]*types.ComponentRegistry, error) {
	return nil, nil
}
func (f *fakeStore) DeleteComponent(string) error { return nil }

func (f *fakeStore) CreateToken(*types.IOToken) error                        { return nil }
func (f *fakeStore) GetToken(string) (*types.IOToken, error)                 { return nil, nil }
func (f *fakeStore) UpdateToken(*types.IOToken) error                        { return nil }
func (f *fakeStore) ListIssuedTokensBefore(int64) ([]*types.IOToken, error)  { return nil, nil }
func (f *fakeStore) CreateAck(*types.IOTransactionAck) error                 { return nil }
func (f *fakeStore) ListAcksForToken(string) ([]*types.IOTransactionAck, error) { return nil, nil }

func (f *fakeStore) CreateRebuildJob(*types.RebuildJob) error       { return nil }
func (f *fakeStore) GetRebuildJob(int64) (*types.RebuildJob, error) { return nil, nil }
func (f *fakeStore) UpdateRebuildJob(*types.RebuildJob) error       { return nil }
func (f *fakeStore) GetActiveRebuildJobForPool(int64) (*types.RebuildJob, error) {
	return nil, nil
}
func (f *fakeStore) GetLatestRebuildJobForPool(int64) (*types.RebuildJob, error) {
	return nil, nil
}

func (f *fakeStore) AppendEvent(*types.Event) error         { return nil }
func (f *fakeStore) ListEvents(int) ([]*types.Event, error) { return nil, nil }
func (f *fakeStore) Close() error                           { return nil }

// setupTwoNodePool seeds a PD with two UP SDS nodes and a two-copy pool,
// enough for engine.PlaceChunk to satisfy any chunk's replica count.
func setupTwoNodePool(f *fakeStore) (*types.ProtectionDomain, *types.StoragePool) {
	pd := &types.ProtectionDomain{Name: "pd-a"}
	_ = f.CreatePD(pd)
	pool := &types.StoragePool{
		PDID:               pd.ID,
		Name:               "pool-a",
		TotalCapacityBytes: 1 << 40,
		ProtectionPolicy:   types.ProtectionTwoCopies,
		ChunkSizeBytes:     types.DefaultChunkSizeBytes,
		Health:             types.PoolHealthOK,
		RebuildState:       types.RebuildIdle,
	}
	_ = f.CreatePool(pool)
	_ = f.CreateSDSNode(&types.SDSNode{PDID: pd.ID, Name: "sds-1", ClusterNodeID: "sds-1", State: types.SDSNodeUp, TotalCapacity: 1 << 30})
	_ = f.CreateSDSNode(&types.SDSNode{PDID: pd.ID, Name: "sds-2", ClusterNodeID: "sds-2", State: types.SDSNodeUp, TotalCapacity: 1 << 30})
	return pd, pool
}

func newTestManager(t *testing.T, f *fakeStore) *Manager {
	eng := engine.New(f)
	layout := bfile.NewLayout(t.TempDir())
	m := New(f, eng, layout)
	m.now = func() time.Time { return time.Unix(0, 0) }
	return m
}

func TestCreateSizesReplicaFilesToTheWholeVolume(t *testing.T) {
	f := newFakeStore()
	_, pool := setupTwoNodePool(f)
	m := newTestManager(t, f)

	const sizeBytes = 3 * types.DefaultChunkSizeBytes // spans 3 chunks
	vol, err := m.Create(CreateInput{PoolID: pool.ID, Name: "vol-a", SizeBytes: sizeBytes, Provisioning: types.ProvisioningThick})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sdsNodes, err := f.ListAllSDSNodes()
	if err != nil {
		t.Fatalf("ListAllSDSNodes: %v", err)
	}
	if len(sdsNodes) == 0 {
		t.Fatal("expected seeded SDS nodes")
	}
	for _, sds := range sdsNodes {
		path := m.layout.ReplicaPath(vol.ID, sds.ClusterNodeID)
		info, err := os.Stat(path)
		if err != nil {
			// not every node necessarily holds a replica of every chunk
			// under two-copy placement with only two candidates, but with
			// exactly two nodes and a two-copy policy, every node holds one.
			t.Fatalf("stat replica file %s: %v", path, err)
		}
		if info.Size() != sizeBytes {
			t.Fatalf("replica file %s size = %d, want %d (full volume size, not chunk size)", path, info.Size(), sizeBytes)
		}
	}
}

func TestMapRejectsInactiveSDCComponent(t *testing.T) {
	f := newFakeStore()
	_, pool := setupTwoNodePool(f)
	m := newTestManager(t, f)

	vol, err := m.Create(CreateInput{PoolID: pool.ID, Name: "vol-b", SizeBytes: types.DefaultChunkSizeBytes, Provisioning: types.ProvisioningThick})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sdc := &types.SDCClient{Name: "sdc-1", ClusterNodeID: "sdc-1"}
	_ = f.CreateSDCClient(sdc)
	_ = f.CreateComponent(&types.ComponentRegistry{ComponentID: "sdc-1", ComponentType: types.ComponentSDC, Status: types.ComponentInactive})

	if _, err := m.Map(vol.ID, sdc.ID, types.AccessReadWrite); apierr.KindOf(err) != apierr.MappingForbidden {
		t.Fatalf("Map with inactive component: err = %v, want MappingForbidden", err)
	}
}

func TestMapSucceedsForActiveSDCComponent(t *testing.T) {
	f := newFakeStore()
	_, pool := setupTwoNodePool(f)
	m := newTestManager(t, f)

	vol, err := m.Create(CreateInput{PoolID: pool.ID, Name: "vol-c", SizeBytes: types.DefaultChunkSizeBytes, Provisioning: types.ProvisioningThick})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	sdc := &types.SDCClient{Name: "sdc-2", ClusterNodeID: "sdc-2"}
	_ = f.CreateSDCClient(sdc)
	_ = f.CreateComponent(&types.ComponentRegistry{ComponentID: "sdc-2", ComponentType: types.ComponentSDC, Status: types.ComponentActive})

	mapping, err := m.Map(vol.ID, sdc.ID, types.AccessReadWrite)
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if mapping.VolumeID != vol.ID || mapping.SDCID != sdc.ID {
		t.Fatalf("mapping = %+v, want volume %d / sdc %d", mapping, vol.ID, sdc.ID)
	}

	updated, err := f.GetVolume(vol.ID)
	if err != nil {
		t.Fatalf("GetVolume: %v", err)
	}
	if updated.State != types.VolumeInUse || updated.MappingCount != 1 {
		t.Fatalf("volume after first map = %+v, want IN_USE with mapping_count 1", updated)
	}
}
