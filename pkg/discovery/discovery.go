// Package discovery implements the discovery registry: component
// registration with an auth-token handshake, heartbeats, peer/topology
// lookup, and a bootstrap convenience for test environments.
package discovery

import (
	"time"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/metrics"
	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/token"
	"github.com/cuemby/flexsim/pkg/types"
)

// Registry tracks cluster component membership.
type Registry struct {
	store         storage.Store
	clusterSecret string
	clusterName   string
	now           func() time.Time
}

func New(store storage.Store, clusterSecret, clusterName string) *Registry {
	return &Registry{store: store, clusterSecret: clusterSecret, clusterName: clusterName, now: time.Now}
}

// RegisterInput carries the parameters of a register call.
type RegisterInput struct {
	ComponentID   string
	ComponentType types.ComponentType
	Address       string
	ControlPort   int
	DataPort      int
	MgmtPort      int
	Metadata      map[string]any
	AuthToken     string
}

// RegisterResult is returned on first registration so the caller can
// persist the cluster secret locally.
type RegisterResult struct {
	Component     *types.ComponentRegistry
	ClusterSecret string
	ClusterName   string
}

// Register mints a ComponentRegistry row on first call for a
// component_id, returning the cluster secret and name. Subsequent calls
// are treated as re-registration: a supplied auth_token must match, but
// an absent one is tolerated so a restarted component that lost its
// token can still re-register.
func (r *Registry) Register(in RegisterInput) (*RegisterResult, error) {
	existing, err := r.store.GetComponent(in.ComponentID)
	if err != nil && apierr.KindOf(err) != apierr.NotFound {
		return nil, err
	}

	now := r.now()

	if existing == nil {
		comp := &types.ComponentRegistry{
			ComponentID:   in.ComponentID,
			ComponentType: in.ComponentType,
			Address:       in.Address,
			ControlPort:   in.ControlPort,
			DataPort:      in.DataPort,
			MgmtPort:      in.MgmtPort,
			Metadata:      in.Metadata,
			AuthTokenHash: token.ComponentAuthHash(r.clusterSecret, in.ComponentID),
			ClusterName:   r.clusterName,
			Status:        types.ComponentActive,
			RegisteredAt:  now,
			LastHeartbeat: now,
		}
		if err := r.store.CreateComponent(comp); err != nil {
			return nil, err
		}
		return &RegisterResult{Component: comp, ClusterSecret: r.clusterSecret, ClusterName: r.clusterName}, nil
	}

	if in.AuthToken != "" {
		expected := token.ComponentAuthHash(r.clusterSecret, in.ComponentID)
		if in.AuthToken != expected {
			return nil, apierr.New(apierr.Unauthorized, "auth token mismatch for component %s", in.ComponentID)
		}
	}

	existing.Address = in.Address
	existing.ControlPort = in.ControlPort
	existing.DataPort = in.DataPort
	existing.MgmtPort = in.MgmtPort
	existing.Metadata = in.Metadata
	existing.Status = types.ComponentActive
	existing.LastHeartbeat = now
	if err := r.store.UpdateComponent(existing); err != nil {
		return nil, err
	}
	return &RegisterResult{Component: existing, ClusterSecret: r.clusterSecret, ClusterName: r.clusterName}, nil
}

// Heartbeat updates last_heartbeat and forces status ACTIVE.
func (r *Registry) Heartbeat(componentID string) error {
	comp, err := r.store.GetComponent(componentID)
	if err != nil {
		return err
	}
	comp.LastHeartbeat = r.now()
	comp.Status = types.ComponentActive
	metrics.HeartbeatsReceivedTotal.WithLabelValues(string(comp.ComponentType)).Inc()
	return r.store.UpdateComponent(comp)
}

// Unregister removes a component from the registry.
func (r *Registry) Unregister(componentID string) error {
	return r.store.DeleteComponent(componentID)
}

// Topology returns the full registry.
func (r *Registry) Topology() ([]*types.ComponentRegistry, error) {
	return r.store.ListComponents()
}

// Peers returns the registry filtered by component type.
func (r *Registry) Peers(t types.ComponentType) ([]*types.ComponentRegistry, error) {
	return r.store.ListComponentsByType(t)
}

// BootstrapMinimalTopology idempotently creates one MDM node, two SDS
// nodes, and one SDC node with deterministic addresses, for test
// environments.
func (r *Registry) BootstrapMinimalTopology() ([]*types.ComponentRegistry, error) {
	seed := []RegisterInput{
		{ComponentID: "mdm-0", ComponentType: types.ComponentMDM, Address: "127.0.0.1", ControlPort: 8001},
		{ComponentID: "sds-0", ComponentType: types.ComponentSDS, Address: "127.0.0.1", ControlPort: 9700, DataPort: 9701},
		{ComponentID: "sds-1", ComponentType: types.ComponentSDS, Address: "127.0.0.1", ControlPort: 9710, DataPort: 9711},
		{ComponentID: "sdc-0", ComponentType: types.ComponentSDC, Address: "127.0.0.1", ControlPort: 9300},
	}

	var out []*types.ComponentRegistry
	for _, in := range seed {
		res, err := r.Register(in)
		if err != nil {
			return nil, err
		}
		out = append(out, res.Component)
	}
	return out, nil
}
