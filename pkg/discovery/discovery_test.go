package discovery

import (
	"testing"
	"time"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/types"
)

type memStore struct {
	components map[string]*types.ComponentRegistry
}

var _ storage.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{components: map[string]*types.ComponentRegistry{}}
}

func (m *memStore) GetComponent(id string) (*types.ComponentRegistry, error) {
	c, ok := m.components[id]
	if !ok {
		return nil, apierr.New(apierr.NotFound, "component %s not found", id)
	}
	return c, nil
}
func (m *memStore) CreateComponent(c *types.ComponentRegistry) error {
	m.components[c.ComponentID] = c
	return nil
}
func (m *memStore) UpdateComponent(c *types.ComponentRegistry) error {
	m.components[c.ComponentID] = c
	return nil
}
func (m *memStore) ListComponents() ([]*types.ComponentRegistry, error) {
	var out []*types.ComponentRegistry
	for _, c := range m.components {
		out = append(out, c)
	}
	return out, nil
}
func (m *memStore) ListComponentsByType(t types.ComponentType) ([]*types.ComponentRegistry, error) {
	var out []*types.ComponentRegistry
	for _, c := range m.components {
		if c.ComponentType == t {
			out = append(out, c)
		}
	}
	return out, nil
}
func (m *memStore) DeleteComponent(id string) error {
	delete(m.components, id)
	return nil
}

func (m *memStore) CreatePD(*types.ProtectionDomain) error              { return nil }
func (m *memStore) GetPD(int64) (*types.ProtectionDomain, error)        { return nil, nil }
func (m *memStore) GetPDByName(string) (*types.ProtectionDomain, error) { return nil, nil }
func (m *memStore) ListPDs() ([]*types.ProtectionDomain, error)         { return nil, nil }
func (m *memStore) CreateFaultSet(*types.FaultSet) error                { return nil }
func (m *memStore) GetFaultSet(int64) (*types.FaultSet, error)          { return nil, nil }
func (m *memStore) ListFaultSets(int64) ([]*types.FaultSet, error)      { return nil, nil }
func (m *memStore) CreatePool(*types.StoragePool) error                 { return nil }
func (m *memStore) GetPool(int64) (*types.StoragePool, error)           { return nil, nil }
func (m *memStore) GetPoolByName(string) (*types.StoragePool, error)    { return nil, nil }
func (m *memStore) UpdatePool(*types.StoragePool) error                 { return nil }
func (m *memStore) ListPools(int64) ([]*types.StoragePool, error)       { return nil, nil }
func (m *memStore) DeletePool(int64) error                              { return nil }
func (m *memStore) CreateSDSNode(*types.SDSNode) error                  { return nil }
func (m *memStore) GetSDSNode(int64) (*types.SDSNode, error)            { return nil, nil }
func (m *memStore) GetSDSNodeByName(string) (*types.SDSNode, error)     { return nil, nil }
func (m *memStore) UpdateSDSNode(*types.SDSNode) error                  { return nil }
func (m *memStore) ListSDSNodes(int64) ([]*types.SDSNode, error)        { return nil, nil }
func (m *memStore) ListAllSDSNodes() ([]*types.SDSNode, error)          { return nil, nil }
func (m *memStore) CreateSDCClient(*types.SDCClient) error              { return nil }
func (m *memStore) GetSDCClient(int64) (*types.SDCClient, error)        { return nil, nil }
func (m *memStore) GetSDCClientByName(string) (*types.SDCClient, error) { return nil, nil }
func (m *memStore) ListSDCClients() ([]*types.SDCClient, error)         { return nil, nil }
func (m *memStore) CreateVolume(*types.Volume) error                    { return nil }
func (m *memStore) GetVolume(int64) (*types.Volume, error)              { return nil, nil }
func (m *memStore) GetVolumeByName(string) (*types.Volume, error)       { return nil, nil }
func (m *memStore) UpdateVolume(*types.Volume) error                    { return nil }
func (m *memStore) DeleteVolume(int64) error                            { return nil }
func (m *memStore) ListVolumes(int64) ([]*types.Volume, error)          { return nil, nil }
func (m *memStore) CreateMapping(*types.VolumeMapping) error            { return nil }
func (m *memStore) GetMapping(int64, int64) (*types.VolumeMapping, error) {
	return nil, nil
}
func (m *memStore) DeleteMapping(int64) error { return nil }
func (m *memStore) ListMappingsForVolume(int64) ([]*types.VolumeMapping, error) {
	return nil, nil
}
func (m *memStore) CreateChunk(*types.Chunk) error                   { return nil }
func (m *memStore) GetChunk(int64) (*types.Chunk, error)             { return nil, nil }
func (m *memStore) UpdateChunk(*types.Chunk) error                   { return nil }
func (m *memStore) DeleteChunk(int64) error                          { return nil }
func (m *memStore) ListChunksForVolume(int64) ([]*types.Chunk, error) { return nil, nil }
func (m *memStore) ListDegradedChunksForVolume(int64) ([]*types.Chunk, error) {
	return nil, nil
}
func (m *memStore) CreateReplica(*types.Replica) error                   { return nil }
func (m *memStore) GetReplica(int64) (*types.Replica, error)             { return nil, nil }
func (m *memStore) UpdateReplica(*types.Replica) error                   { return nil }
func (m *memStore) DeleteReplica(int64) error                            { return nil }
func (m *memStore) ListReplicasForChunk(int64) ([]*types.Replica, error) { return nil, nil }
func (m *memStore) ListReplicasForSDS(int64) ([]*types.Replica, error)   { return nil, nil }
func (m *memStore) ListRebuildingReplicas() ([]*types.Replica, error)    { return nil, nil }
func (m *memStore) CreateToken(*types.IOToken) error                    { return nil }
func (m *memStore) GetToken(string) (*types.IOToken, error)              { return nil, nil }
func (m *memStore) UpdateToken(*types.IOToken) error                    { return nil }
func (m *memStore) ListIssuedTokensBefore(int64) ([]*types.IOToken, error) {
	return nil, nil
}
func (m *memStore) CreateAck(*types.IOTransactionAck) error { return nil }
func (m *memStore) ListAcksForToken(string) ([]*types.IOTransactionAck, error) {
	return nil, nil
}
func (m *memStore) CreateRebuildJob(*types.RebuildJob) error       { return nil }
func (m *memStore) GetRebuildJob(int64) (*types.RebuildJob, error) { return nil, nil }
func (m *memStore) UpdateRebuildJob(*types.RebuildJob) error       { return nil }
func (m *memStore) GetActiveRebuildJobForPool(int64) (*types.RebuildJob, error) {
	return nil, nil
}
func (m *memStore) GetLatestRebuildJobForPool(int64) (*types.RebuildJob, error) {
	return nil, nil
}
func (m *memStore) AppendEvent(*types.Event) error          { return nil }
func (m *memStore) ListEvents(int) ([]*types.Event, error) { return nil, nil }
func (m *memStore) Close() error                             { return nil }

func TestRegisterFirstTime(t *testing.T) {
	store := newMemStore()
	r := New(store, "cluster-secret", "test-cluster")

	res, err := r.Register(RegisterInput{ComponentID: "sds-0", ComponentType: types.ComponentSDS, Address: "127.0.0.1", ControlPort: 9700})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.ClusterSecret != "cluster-secret" || res.ClusterName != "test-cluster" {
		t.Fatalf("unexpected RegisterResult: %+v", res)
	}
	if res.Component.Status != types.ComponentActive {
		t.Fatalf("Status = %s, want ACTIVE", res.Component.Status)
	}
}

func TestRegisterAgainWithWrongTokenRejected(t *testing.T) {
	store := newMemStore()
	r := New(store, "cluster-secret", "test-cluster")
	if _, err := r.Register(RegisterInput{ComponentID: "sds-0", ComponentType: types.ComponentSDS}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, err := r.Register(RegisterInput{ComponentID: "sds-0", ComponentType: types.ComponentSDS, AuthToken: "wrong"})
	if apierr.KindOf(err) != apierr.Unauthorized {
		t.Fatalf("Register with wrong auth token: %v", err)
	}
}

func TestRegisterAgainWithNoTokenTolerated(t *testing.T) {
	store := newMemStore()
	r := New(store, "cluster-secret", "test-cluster")
	if _, err := r.Register(RegisterInput{ComponentID: "sds-0", ComponentType: types.ComponentSDS}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := r.Register(RegisterInput{ComponentID: "sds-0", ComponentType: types.ComponentSDS, Address: "10.0.0.2"}); err != nil {
		t.Fatalf("re-register with no auth token should be tolerated: %v", err)
	}
}

func TestHeartbeatUpdatesStatus(t *testing.T) {
	store := newMemStore()
	r := New(store, "secret", "cluster")
	now := time.Now()
	r.now = func() time.Time { return now }

	if _, err := r.Register(RegisterInput{ComponentID: "sds-0", ComponentType: types.ComponentSDS}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	store.components["sds-0"].Status = types.ComponentInactive

	later := now.Add(time.Minute)
	r.now = func() time.Time { return later }
	if err := r.Heartbeat("sds-0"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	comp := store.components["sds-0"]
	if comp.Status != types.ComponentActive {
		t.Fatalf("Status = %s, want ACTIVE after heartbeat", comp.Status)
	}
	if !comp.LastHeartbeat.Equal(later) {
		t.Fatalf("LastHeartbeat = %v, want %v", comp.LastHeartbeat, later)
	}
}

func TestBootstrapMinimalTopology(t *testing.T) {
	store := newMemStore()
	r := New(store, "secret", "cluster")
	components, err := r.BootstrapMinimalTopology()
	if err != nil {
		t.Fatalf("BootstrapMinimalTopology: %v", err)
	}
	if len(components) != 4 {
		t.Fatalf("len(components) = %d, want 4", len(components))
	}
	peers, err := r.Peers(types.ComponentSDS)
	if err != nil {
		t.Fatalf("Peers: %v", err)
	}
	if len(peers) != 2 {
		t.Fatalf("len(SDS peers) = %d, want 2", len(peers))
	}
}
