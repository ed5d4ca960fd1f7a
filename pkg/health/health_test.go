package health

import (
	"testing"
	"time"

	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/types"
)

type fakeStore struct {
	components []*types.ComponentRegistry
	events     []*types.Event
}

var _ storage.Store = (*fakeStore)(nil)

func (f *fakeStore) ListComponents() ([]*types.ComponentRegistry, error) { return f.components, nil }
func (f *fakeStore) UpdateComponent(c *types.ComponentRegistry) error {
	for i, existing := range f.components {
		if existing.ComponentID == c.ComponentID {
			f.components[i] = c
			return nil
		}
	}
	return nil
}
func (f *fakeStore) AppendEvent(e *types.Event) error { f.events = append(f.events, e); return nil }

func (f *fakeStore) CreatePD(*types.ProtectionDomain) error              { return nil }
func (f *fakeStore) GetPD(int64) (*types.ProtectionDomain, error)        { return nil, nil }
func (f *fakeStore) GetPDByName(string) (*types.ProtectionDomain, error) { return nil, nil }
func (f *fakeStore) ListPDs() ([]*types.ProtectionDomain, error)         { return nil, nil }
func (f *fakeStore) CreateFaultSet(*types.FaultSet) error                { return nil }
func (f *fakeStore) GetFaultSet(int64) (*types.FaultSet, error)          { return nil, nil }
func (f *fakeStore) ListFaultSets(int64) ([]*types.FaultSet, error)      { return nil, nil }
func (f *fakeStore) CreatePool(*types.StoragePool) error                 { return nil }
func (f *fakeStore) GetPool(int64) (*types.StoragePool, error)           { return nil, nil }
func (f *fakeStore) GetPoolByName(string) (*types.StoragePool, error)    { return nil, nil }
func (f *fakeStore) UpdatePool(*types.StoragePool) error                 { return nil }
func (f *fakeStore) ListPools(int64) ([]*types.StoragePool, error)       { return nil, nil }
func (f *fakeStore) DeletePool(int64) error                              { return nil }
func (f *fakeStore) CreateSDSNode(*types.SDSNode) error                  { return nil }
func (f *fakeStore) GetSDSNode(int64) (*types.SDSNode, error)            { return nil, nil }
func (f *fakeStore) GetSDSNodeByName(string) (*types.SDSNode, error)     { return nil, nil }
func (f *fakeStore) UpdateSDSNode(*types.SDSNode) error                  { return nil }
func (f *fakeStore) ListSDSNodes(int64) ([]*types.SDSNode, error)        { return nil, nil }
func (f *fakeStore) ListAllSDSNodes() ([]*types.SDSNode, error)          { return nil, nil }
func (f *fakeStore) CreateSDCClient(*types.SDCClient) error              { return nil }
func (f *fakeStore) GetSDCClient(int64) (*types.SDCClient, error)        { return nil, nil }
func (f *fakeStore) GetSDCClientByName(string) (*types.SDCClient, error) { return nil, nil }
func (f *fakeStore) ListSDCClients() ([]*types.SDCClient, error)         { return nil, nil }
func (f *fakeStore) CreateVolume(*types.Volume) error                    { return nil }
func (f *fakeStore) GetVolume(int64) (*types.Volume, error)              { return nil, nil }
func (f *fakeStore) GetVolumeByName(string) (*types.Volume, error)       { return nil, nil }
func (f *fakeStore) UpdateVolume(*types.Volume) error                    { return nil }
func (f *fakeStore) DeleteVolume(int64) error                            { return nil }
func (f *fakeStore) ListVolumes(int64) ([]*types.Volume, error)          { return nil, nil }
func (f *fakeStore) CreateMapping(*types.VolumeMapping) error            { return nil }
func (f *fakeStore) GetMapping(int64, int64) (*types.VolumeMapping, error) {
	return nil, nil
}
func (f *fakeStore) DeleteMapping(int64) error { return nil }
func (f *fakeStore) ListMappingsForVolume(int64) ([]*types.VolumeMapping, error) {
	return nil, nil
}
func (f *fakeStore) CreateChunk(*types.Chunk) error                   { return nil }
func (f *fakeStore) GetChunk(int64) (*types.Chunk, error)             { return nil, nil }
func (f *fakeStore) UpdateChunk(*types.Chunk) error                   { return nil }
func (f *fakeStore) DeleteChunk(int64) error                          { return nil }
func (f *fakeStore) ListChunksForVolume(int64) ([]*types.Chunk, error) { return nil, nil }
func (f *fakeStore) ListDegradedChunksForVolume(int64) ([]*types.Chunk, error) {
	return nil, nil
}
func (f *fakeStore) CreateReplica(*types.Replica) error                   { return nil }
func (f *fakeStore) GetReplica(int64) (*types.Replica, error)             { return nil, nil }
func (f *fakeStore) UpdateReplica(*types.Replica) error                   { return nil }
func (f *fakeStore) DeleteReplica(int64) error                            { return nil }
func (f *fakeStore) ListReplicasForChunk(int64) ([]*types.Replica, error) { return nil, nil }
func (f *fakeStore) ListReplicasForSDS(int64) ([]*types.Replica, error)   { return nil, nil }
func (f *fakeStore) ListRebuildingReplicas() ([]*types.Replica, error)    { return nil, nil }
func (f *fakeStore) CreateComponent(*types.ComponentRegistry) error       { return nil }
func (f *fakeStore) GetComponent(string) (*types.ComponentRegistry, error) {
	return nil, nil
}
func (f *fakeStore) ListComponentsByType(types.ComponentType) ([]*types.ComponentRegistry, error) {
	return nil, nil
}
func (f *fakeStore) DeleteComponent(string) error                    { return nil }
func (f *fakeStore) CreateToken(*types.IOToken) error                { return nil }
func (f *fakeStore) GetToken(string) (*types.IOToken, error)         { return nil, nil }
func (f *fakeStore) UpdateToken(*types.IOToken) error                { return nil }
func (f *fakeStore) ListIssuedTokensBefore(int64) ([]*types.IOToken, error) {
	return nil, nil
}
func (f *fakeStore) CreateAck(*types.IOTransactionAck) error { return nil }
func (f *fakeStore) ListAcksForToken(string) ([]*types.IOTransactionAck, error) {
	return nil, nil
}
func (f *fakeStore) CreateRebuildJob(*types.RebuildJob) error       { return nil }
func (f *fakeStore) GetRebuildJob(int64) (*types.RebuildJob, error) { return nil, nil }
func (f *fakeStore) UpdateRebuildJob(*types.RebuildJob) error       { return nil }
func (f *fakeStore) GetActiveRebuildJobForPool(int64) (*types.RebuildJob, error) {
	return nil, nil
}
func (f *fakeStore) GetLatestRebuildJobForPool(int64) (*types.RebuildJob, error) {
	return nil, nil
}
func (f *fakeStore) ListEvents(int) ([]*types.Event, error) { return f.events, nil }
func (f *fakeStore) Close() error                           { return nil }

func newMonitor(store *fakeStore, now time.Time) *Monitor {
	m := New(store, time.Second, 30*time.Second)
	m.now = func() time.Time { return now }
	return m
}

func TestScanMarksStaleComponentInactive(t *testing.T) {
	now := time.Now()
	store := &fakeStore{components: []*types.ComponentRegistry{
		{ComponentID: "sds-0", Status: types.ComponentActive, LastHeartbeat: now.Add(-time.Minute)},
	}}
	m := newMonitor(store, now)

	if err := m.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if store.components[0].Status != types.ComponentInactive {
		t.Fatalf("Status = %s, want INACTIVE", store.components[0].Status)
	}
	if len(store.events) != 1 || store.events[0].Type != types.EventComponentInactive {
		t.Fatalf("events = %+v, want one COMPONENT_INACTIVE event", store.events)
	}
}

func TestScanRecoversComponentWithFreshHeartbeat(t *testing.T) {
	now := time.Now()
	store := &fakeStore{components: []*types.ComponentRegistry{
		{ComponentID: "sds-0", Status: types.ComponentInactive, LastHeartbeat: now.Add(-time.Second)},
	}}
	m := newMonitor(store, now)

	if err := m.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if store.components[0].Status != types.ComponentActive {
		t.Fatalf("Status = %s, want ACTIVE", store.components[0].Status)
	}
	if len(store.events) != 1 || store.events[0].Type != types.EventComponentRecovered {
		t.Fatalf("events = %+v, want one COMPONENT_RECOVERED event", store.events)
	}
}

func TestScanLeavesFreshActiveComponentAlone(t *testing.T) {
	now := time.Now()
	store := &fakeStore{components: []*types.ComponentRegistry{
		{ComponentID: "sds-0", Status: types.ComponentActive, LastHeartbeat: now.Add(-time.Second)},
	}}
	m := newMonitor(store, now)

	if err := m.Scan(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(store.events) != 0 {
		t.Fatalf("events = %+v, want none", store.events)
	}
}

func TestSummarizeAllActiveIsHealthy(t *testing.T) {
	now := time.Now()
	store := &fakeStore{components: []*types.ComponentRegistry{
		{ComponentID: "mdm-0", ComponentType: types.ComponentMDM, Status: types.ComponentActive},
		{ComponentID: "sds-0", ComponentType: types.ComponentSDS, Status: types.ComponentActive},
	}}
	m := newMonitor(store, now)

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Status != StatusHealthy || s.HealthScore != 100 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if s.ByType["MDM"] != 1 || s.ByType["SDS"] != 1 {
		t.Fatalf("unexpected ByType: %+v", s.ByType)
	}
}

func TestSummarizeAllInactiveIsCritical(t *testing.T) {
	now := time.Now()
	store := &fakeStore{components: []*types.ComponentRegistry{
		{ComponentID: "sds-0", ComponentType: types.ComponentSDS, Status: types.ComponentInactive},
		{ComponentID: "sds-1", ComponentType: types.ComponentSDS, Status: types.ComponentInactive},
	}}
	m := newMonitor(store, now)

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Status != StatusCritical || s.HealthScore != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}

func TestSummarizeMajorityActiveIsWarning(t *testing.T) {
	now := time.Now()
	store := &fakeStore{components: []*types.ComponentRegistry{
		{ComponentID: "sds-0", ComponentType: types.ComponentSDS, Status: types.ComponentActive},
		{ComponentID: "sds-1", ComponentType: types.ComponentSDS, Status: types.ComponentActive},
		{ComponentID: "sds-2", ComponentType: types.ComponentSDS, Status: types.ComponentInactive},
	}}
	m := newMonitor(store, now)

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Status != StatusWarning {
		t.Fatalf("Status = %s, want warning", s.Status)
	}
}

func TestSummarizeMinorityActiveIsDegraded(t *testing.T) {
	now := time.Now()
	store := &fakeStore{components: []*types.ComponentRegistry{
		{ComponentID: "sds-0", ComponentType: types.ComponentSDS, Status: types.ComponentActive},
		{ComponentID: "sds-1", ComponentType: types.ComponentSDS, Status: types.ComponentInactive},
		{ComponentID: "sds-2", ComponentType: types.ComponentSDS, Status: types.ComponentInactive},
	}}
	m := newMonitor(store, now)

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Status != StatusDegraded {
		t.Fatalf("Status = %s, want degraded", s.Status)
	}
}

func TestSummarizeEmptyClusterIsCritical(t *testing.T) {
	store := &fakeStore{}
	m := newMonitor(store, time.Now())

	s, err := m.Summarize()
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Status != StatusCritical || s.Total != 0 {
		t.Fatalf("unexpected summary: %+v", s)
	}
}
