// Package types defines the entities of the simulated storage cluster:
// protection domains, fault sets, pools, SDS/SDC nodes, volumes, chunks,
// replicas, discovery records, capability tokens and rebuild jobs.
package types

import "time"

// ProtectionPolicy selects the replication style for a StoragePool.
type ProtectionPolicy string

const (
	ProtectionTwoCopies     ProtectionPolicy = "two_copies"
	ProtectionErasureCoding ProtectionPolicy = "erasure_coding"
)

// ReplicaCount returns the number of replicas a chunk must have under this
// policy. erasure_coding is simulated as 3-way replication rather than
// real erasure-coded striping.
func (p ProtectionPolicy) ReplicaCount() int {
	if p == ProtectionErasureCoding {
		return 3
	}
	return 2
}

type PoolHealth string

const (
	PoolHealthOK       PoolHealth = "OK"
	PoolHealthDegraded PoolHealth = "DEGRADED"
	PoolHealthFailed   PoolHealth = "FAILED"
)

type RebuildState string

const (
	RebuildIdle       RebuildState = "IDLE"
	RebuildInProgress RebuildState = "IN_PROGRESS"
	RebuildStalled    RebuildState = "STALLED"
	RebuildCompleted  RebuildState = "COMPLETED"
	RebuildFailed     RebuildState = "FAILED"
)

type SDSNodeState string

const (
	SDSNodeUp       SDSNodeState = "UP"
	SDSNodeDown     SDSNodeState = "DOWN"
	SDSNodeDegraded SDSNodeState = "DEGRADED"
)

type VolumeState string

const (
	VolumeCreating VolumeState = "CREATING"
	VolumeAvailable VolumeState = "AVAILABLE"
	VolumeInUse     VolumeState = "IN_USE"
	VolumeDegraded  VolumeState = "DEGRADED"
	VolumeDeleting  VolumeState = "DELETING"
)

type Provisioning string

const (
	ProvisioningThin  Provisioning = "thin"
	ProvisioningThick Provisioning = "thick"
)

type AccessMode string

const (
	AccessReadWrite AccessMode = "read_write"
	AccessReadOnly  AccessMode = "read_only"
)

// ThinMetadataReserveBytes is the fixed footprint reserved up front for a
// thin-provisioned volume.
const ThinMetadataReserveBytes int64 = 100 * 1024 * 1024

// DefaultChunkSizeBytes is the default pool chunk size (4 MiB).
const DefaultChunkSizeBytes int64 = 4 * 1024 * 1024

// ProtectionDomain is the administrative boundary containing pools, SDS
// nodes and fault sets.
type ProtectionDomain struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// FaultSet groups SDS nodes that share a failure boundary (rack/chassis).
type FaultSet struct {
	ID    int64  `json:"id"`
	PDID  int64  `json:"pd_id"`
	Name  string `json:"name"`
}

// StoragePool is a capacity+policy container for volumes within a PD.
type StoragePool struct {
	ID                      int64            `json:"id"`
	PDID                    int64            `json:"pd_id"`
	Name                    string           `json:"name"`
	TotalCapacityBytes      int64            `json:"total_capacity_bytes"`
	UsedCapacityBytes       int64            `json:"used_capacity_bytes"`
	ReservedCapacityBytes   int64            `json:"reserved_capacity_bytes"`
	ProtectionPolicy        ProtectionPolicy `json:"protection_policy"`
	ChunkSizeBytes          int64            `json:"chunk_size_bytes"`
	RebuildRateLimitBps     int64            `json:"rebuild_rate_limit_bytes_per_sec"`
	Health                  PoolHealth       `json:"health"`
	RebuildState            RebuildState     `json:"rebuild_state"`
	RebuildProgressPercent  int              `json:"rebuild_progress_percent"`
}

// SDSNode is a storage data server: a node that stores replica bytes.
type SDSNode struct {
	ID              int64        `json:"id"`
	PDID            int64        `json:"pd_id"`
	FaultSetID      *int64       `json:"fault_set_id,omitempty"`
	Name            string       `json:"name"`
	ClusterNodeID   string       `json:"cluster_node_id"`
	TotalCapacity   int64        `json:"total_capacity_bytes"`
	UsedCapacity    int64        `json:"used_capacity_bytes"`
	State           SDSNodeState `json:"state"`
	StateLastChange time.Time    `json:"state_last_change"`
}

// SDCClient is a storage data client: a host that consumes volumes as
// block devices.
type SDCClient struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	ClusterNodeID string `json:"cluster_node_id"`
}

// Volume is a logical block device belonging to a pool.
type Volume struct {
	ID           int64        `json:"id"`
	PoolID       int64        `json:"pool_id"`
	Name         string       `json:"name"`
	SizeBytes    int64        `json:"size_bytes"`
	Provisioning Provisioning `json:"provisioning"`
	State        VolumeState  `json:"state"`
	MappingCount int          `json:"mapping_count"`
}

// VolumeMapping binds a volume to a client with an access mode. At most
// one mapping may exist per (volume, client) pair.
type VolumeMapping struct {
	ID         int64      `json:"id"`
	VolumeID   int64      `json:"volume_id"`
	SDCID      int64      `json:"sdc_id"`
	AccessMode AccessMode `json:"access_mode"`
}

// Chunk is a fixed-size slice of a volume.
type Chunk struct {
	ID               int64     `json:"id"`
	VolumeID         int64     `json:"volume_id"`
	ChunkIndex       int64     `json:"chunk_index"`
	IsDegraded       bool      `json:"is_degraded"`
	Generation       int64     `json:"generation"`
	Checksum         string    `json:"checksum"`
	LastWriteOffset  int64     `json:"last_write_offset"`
	LastWriteLength  int64     `json:"last_write_length"`
	LastWriteTime    time.Time `json:"last_write_time"`
}

// Replica is one physical copy of a chunk on a specific SDS.
type Replica struct {
	ID           int64 `json:"id"`
	ChunkID      int64 `json:"chunk_id"`
	SDSID        int64 `json:"sds_id"`
	IsAvailable  bool  `json:"is_available"`
	IsCurrent    bool  `json:"is_current"`
	IsRebuilding bool  `json:"is_rebuilding"`
}

// ComponentType enumerates the roles a cluster participant may advertise.
type ComponentType string

const (
	ComponentMDM  ComponentType = "MDM"
	ComponentSDS  ComponentType = "SDS"
	ComponentSDC  ComponentType = "SDC"
	ComponentMGMT ComponentType = "MGMT"
)

type ComponentStatus string

const (
	ComponentActive   ComponentStatus = "ACTIVE"
	ComponentDegraded ComponentStatus = "DEGRADED"
	ComponentDown     ComponentStatus = "DOWN"
	ComponentInactive ComponentStatus = "INACTIVE"
	ComponentUnknown  ComponentStatus = "UNKNOWN"
)

// ComponentRegistry is the discovery record a cluster participant registers
// under, keyed by component_id, with the cryptographic handshake fields.
type ComponentRegistry struct {
	ComponentID   string          `json:"component_id"`
	ComponentType ComponentType   `json:"component_type"`
	Address       string          `json:"address"`
	ControlPort   int             `json:"control_port"`
	DataPort      int             `json:"data_port,omitempty"`
	MgmtPort      int             `json:"mgmt_port,omitempty"`
	Metadata      map[string]any  `json:"metadata,omitempty"`
	AuthTokenHash string          `json:"-"`
	ClusterName   string          `json:"cluster_name"`
	Status        ComponentStatus `json:"status"`
	RegisteredAt  time.Time       `json:"registered_at"`
	LastHeartbeat time.Time       `json:"last_heartbeat"`
}

// IOTokenStatus is the lifecycle state of an issued capability token.
type IOTokenStatus string

const (
	TokenIssued   IOTokenStatus = "ISSUED"
	TokenConsumed IOTokenStatus = "CONSUMED"
	TokenExpired  IOTokenStatus = "EXPIRED"
	TokenRevoked  IOTokenStatus = "REVOKED"
)

type IOOperation string

const (
	OpRead  IOOperation = "read"
	OpWrite IOOperation = "write"
)

// IOToken is a short-lived signed capability binding an I/O to
// (volume, op, range).
type IOToken struct {
	TokenID    string        `json:"token_id"`
	VolumeID   int64         `json:"volume_id"`
	SDCID      int64         `json:"sdc_id"`
	Operation  IOOperation   `json:"operation"`
	Offset     int64         `json:"offset_bytes"`
	Length     int64         `json:"length_bytes"`
	IOPlan     string        `json:"io_plan"`
	Signature  string        `json:"signature"`
	IssuedAt   time.Time     `json:"issued_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	Status     IOTokenStatus `json:"status"`
	ConsumedAt *time.Time    `json:"consumed_at,omitempty"`
}

// IOTransactionAck is an SDS's report of an executed I/O back to the token
// authority.
type IOTransactionAck struct {
	ID             int64         `json:"id"`
	TokenID        string        `json:"token_id"`
	SDSID          int64         `json:"sds_id"`
	Success        bool          `json:"success"`
	BytesProcessed int64         `json:"bytes_processed"`
	DurationMillis int64         `json:"duration_millis"`
	ReceivedAt     time.Time     `json:"received_at"`
}

// RebuildJob tracks a single pool's rate-limited re-replication run.
type RebuildJob struct {
	ID                            int64        `json:"id"`
	PoolID                        int64        `json:"pool_id"`
	State                         RebuildState `json:"state"`
	ProgressPercent               int          `json:"progress_percent"`
	TotalBytesToRebuild           int64        `json:"total_bytes_to_rebuild"`
	BytesRebuilt                  int64        `json:"bytes_rebuilt"`
	CurrentRebuildRateBps         int64        `json:"current_rebuild_rate_bytes_per_sec"`
	EstimatedTimeRemainingSeconds int64        `json:"estimated_time_remaining_seconds"`
	StartedAt                     time.Time    `json:"started_at"`
	CompletedAt                   *time.Time   `json:"completed_at,omitempty"`
}

// EventType enumerates the audit event kinds emitted by mutating operations.
type EventType string

const (
	EventVolumeCreated    EventType = "VOLUME_CREATED"
	EventVolumeMapped     EventType = "VOLUME_MAPPED"
	EventVolumeUnmapped   EventType = "VOLUME_UNMAPPED"
	EventVolumeExtended   EventType = "VOLUME_EXTENDED"
	EventVolumeDeleted    EventType = "VOLUME_DELETED"
	EventSDSStateChange   EventType = "SDS_STATE_CHANGE"
	EventRebuildStart     EventType = "REBUILD_START"
	EventRebuildComplete  EventType = "REBUILD_COMPLETE"
	EventRebuildFailed    EventType = "REBUILD_FAILED"
	EventComponentInactive EventType = "COMPONENT_INACTIVE"
	EventComponentRecovered EventType = "COMPONENT_RECOVERED"
)

// Event is an audit record emitted by every mutating operation.
type Event struct {
	ID        int64     `json:"id"`
	Type      EventType `json:"type"`
	Message   string    `json:"message"`
	PoolID    *int64    `json:"pool_id,omitempty"`
	SDSID     *int64    `json:"sds_id,omitempty"`
	VolumeID  *int64    `json:"volume_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
