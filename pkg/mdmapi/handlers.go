package mdmapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/authority"
	"github.com/cuemby/flexsim/pkg/discovery"
	"github.com/cuemby/flexsim/pkg/types"
	"github.com/cuemby/flexsim/pkg/volume"
)

func pathID(r *http.Request, key string) (int64, error) {
	raw := chi.URLParam(r, key)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, apierr.New(apierr.InvalidArgument, "invalid id %q", raw)
	}
	return id, nil
}

// --- Protection domains ---

func (s *Server) handleCreatePD(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}
	if in.Name == "" {
		respondError(w, apierr.New(apierr.InvalidArgument, "name must not be empty"))
		return
	}
	pd := &types.ProtectionDomain{Name: in.Name}
	if err := s.store.CreatePD(pd); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"status": "ok", "id": pd.ID})
}

func (s *Server) handleListPDs(w http.ResponseWriter, _ *http.Request) {
	pds, err := s.store.ListPDs()
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, pds)
}

// --- Fault sets ---

func (s *Server) handleCreateFaultSet(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PDID int64  `json:"pd_id"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}
	fs := &types.FaultSet{PDID: in.PDID, Name: in.Name}
	if err := s.store.CreateFaultSet(fs); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"status": "ok", "id": fs.ID})
}

func (s *Server) handleListFaultSets(w http.ResponseWriter, r *http.Request) {
	pdID, _ := strconv.ParseInt(r.URL.Query().Get("pd_id"), 10, 64)
	fs, err := s.store.ListFaultSets(pdID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, fs)
}

// --- Pools ---

func (s *Server) handleCreatePool(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PDID                int64                  `json:"pd_id"`
		Name                string                 `json:"name"`
		TotalCapacityBytes  int64                  `json:"total_capacity_bytes"`
		ProtectionPolicy    types.ProtectionPolicy `json:"protection_policy"`
		ChunkSizeBytes      int64                  `json:"chunk_size_bytes"`
		RebuildRateLimitBps int64                  `json:"rebuild_rate_limit_bytes_per_sec"`
	}
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}
	if in.ChunkSizeBytes <= 0 {
		in.ChunkSizeBytes = types.DefaultChunkSizeBytes
	}
	pool := &types.StoragePool{
		PDID:                in.PDID,
		Name:                in.Name,
		TotalCapacityBytes:  in.TotalCapacityBytes,
		ProtectionPolicy:    in.ProtectionPolicy,
		ChunkSizeBytes:      in.ChunkSizeBytes,
		RebuildRateLimitBps: in.RebuildRateLimitBps,
		Health:              types.PoolHealthOK,
		RebuildState:        types.RebuildIdle,
	}
	if err := s.store.CreatePool(pool); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"status": "ok", "id": pool.ID})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	pdID, _ := strconv.ParseInt(r.URL.Query().Get("pd_id"), 10, 64)
	pools, err := s.store.ListPools(pdID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, pools)
}

func (s *Server) handleGetPool(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	pool, err := s.store.GetPool(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, pool)
}

func (s *Server) handleDeletePool(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	err = s.poolLocks.With(id, func() error {
		volumes, err := s.store.ListVolumes(id)
		if err != nil {
			return err
		}
		if len(volumes) > 0 {
			return apierr.New(apierr.Conflict, "pool %d still has %d volumes", id, len(volumes))
		}
		return s.store.DeletePool(id)
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]string{"status": "ok"})
}

// --- SDS nodes ---

func (s *Server) handleCreateSDS(w http.ResponseWriter, r *http.Request) {
	var in struct {
		PDID          int64  `json:"pd_id"`
		FaultSetID    *int64 `json:"fault_set_id,omitempty"`
		Name          string `json:"name"`
		ClusterNodeID string `json:"cluster_node_id"`
		TotalCapacity int64  `json:"total_capacity_bytes"`
	}
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}
	node := &types.SDSNode{
		PDID:          in.PDID,
		FaultSetID:    in.FaultSetID,
		Name:          in.Name,
		ClusterNodeID: in.ClusterNodeID,
		TotalCapacity: in.TotalCapacity,
		State:         types.SDSNodeUp,
	}
	if err := s.store.CreateSDSNode(node); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"status": "ok", "id": node.ID})
}

func (s *Server) handleListSDS(w http.ResponseWriter, r *http.Request) {
	pdID, _ := strconv.ParseInt(r.URL.Query().Get("pd_id"), 10, 64)
	nodes, err := s.store.ListSDSNodes(pdID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, nodes)
}

func (s *Server) handleFailSDS(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.rebuilds.FailSDSNode(id); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]string{"status": "ok"})
}

func (s *Server) handleRecoverSDS(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	if err := s.rebuilds.RecoverSDSNode(id); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]string{"status": "ok"})
}

// --- SDC clients ---

func (s *Server) handleCreateSDC(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name          string `json:"name"`
		ClusterNodeID string `json:"cluster_node_id"`
	}
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}
	sdc := &types.SDCClient{Name: in.Name, ClusterNodeID: in.ClusterNodeID}
	if err := s.store.CreateSDCClient(sdc); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"status": "ok", "id": sdc.ID})
}

func (s *Server) handleListSDC(w http.ResponseWriter, _ *http.Request) {
	clients, err := s.store.ListSDCClients()
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, clients)
}

// --- Volumes ---

func (s *Server) handleCreateVolume(w http.ResponseWriter, r *http.Request) {
	var in volume.CreateInput
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}

	var vol *types.Volume
	err := s.poolLocks.With(in.PoolID, func() error {
		created, err := s.volumes.Create(in)
		if err != nil {
			return err
		}
		vol = created
		return nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"status": "ok", "id": vol.ID})
}

func (s *Server) handleListVolumes(w http.ResponseWriter, r *http.Request) {
	poolID, _ := strconv.ParseInt(r.URL.Query().Get("pool_id"), 10, 64)
	volumes, err := s.store.ListVolumes(poolID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, volumes)
}

func (s *Server) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	vol, err := s.store.GetVolume(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, vol)
}

func (s *Server) handleMapVolume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	var in struct {
		SDCID      int64             `json:"sdc_id"`
		AccessMode types.AccessMode  `json:"access_mode"`
	}
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}

	var mapping *types.VolumeMapping
	err = s.volumeLocks.With(id, func() error {
		m, err := s.volumes.Map(id, in.SDCID, in.AccessMode)
		if err != nil {
			return err
		}
		mapping = m
		return nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"status": "ok", "id": mapping.ID})
}

func (s *Server) handleUnmapVolume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	var in struct {
		SDCID int64 `json:"sdc_id"`
	}
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}
	err = s.volumeLocks.With(id, func() error {
		return s.volumes.Unmap(id, in.SDCID)
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]string{"status": "ok"})
}

func (s *Server) handleExtendVolume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	var in struct {
		NewSizeBytes int64 `json:"new_size_bytes"`
	}
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}
	var vol *types.Volume
	err = s.volumeLocks.With(id, func() error {
		v, err := s.volumes.Extend(id, in.NewSizeBytes)
		if err != nil {
			return err
		}
		vol = v
		return nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"status": "ok", "size_bytes": vol.SizeBytes})
}

func (s *Server) handleDeleteVolume(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		respondError(w, err)
		return
	}
	err = s.volumeLocks.With(id, func() error {
		return s.volumes.Delete(id)
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]string{"status": "ok"})
}

// --- Plans, tokens, acks ---

func (s *Server) handlePlanRead(w http.ResponseWriter, r *http.Request) {
	s.handlePlan(w, r, types.OpRead)
}

func (s *Server) handlePlanWrite(w http.ResponseWriter, r *http.Request) {
	s.handlePlan(w, r, types.OpWrite)
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request, op types.IOOperation) {
	var in struct {
		VolumeID int64 `json:"volume_id"`
		SDCID    int64 `json:"sdc_id"`
		Offset   int64 `json:"offset_bytes"`
		Length   int64 `json:"length_bytes"`
	}
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}

	vol, err := s.store.GetVolume(in.VolumeID)
	if err != nil {
		respondError(w, err)
		return
	}
	mapping, err := s.store.GetMapping(in.VolumeID, in.SDCID)
	if err != nil {
		respondError(w, err)
		return
	}
	if op == types.OpWrite && mapping.AccessMode == types.AccessReadOnly {
		respondError(w, apierr.New(apierr.MappingForbidden, "volume %d is mapped read_only to sdc %d", in.VolumeID, in.SDCID))
		return
	}

	pool, err := s.store.GetPool(vol.PoolID)
	if err != nil {
		respondError(w, err)
		return
	}

	plan, err := s.buildPlan(op, vol, pool, in.SDCID, in.Offset, in.Length)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, plan)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var in struct {
		VolumeID int64             `json:"volume_id"`
		SDCID    int64             `json:"sdc_id"`
		Op       types.IOOperation `json:"operation"`
		Offset   int64             `json:"offset_bytes"`
		Length   int64             `json:"length_bytes"`
		IOPlan   string            `json:"io_plan"`
		TTL      int               `json:"ttl_seconds"`
	}
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.cfg.TokenTTLSeconds
	}
	tok, err := s.authority.Issue(authority.IssueInput{
		VolumeID: in.VolumeID,
		SDCID:    in.SDCID,
		Op:       in.Op,
		Offset:   in.Offset,
		Length:   in.Length,
		IOPlan:   in.IOPlan,
		TTL:      ttl,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, tok)
}

func (s *Server) handleTxAck(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TokenID        string `json:"token_id"`
		SDSClusterNode string `json:"sds_cluster_node"`
		Success        bool   `json:"success"`
		BytesProcessed int64  `json:"bytes_processed"`
		DurationMillis int64  `json:"duration_millis"`
		ChunkID        int64  `json:"chunk_id"`
		Generation     int64  `json:"generation"`
		Checksum       string `json:"checksum"`
		OffsetBytes    int64  `json:"offset_bytes"`
		LengthBytes    int64  `json:"length_bytes"`
	}
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}

	var sdsID int64
	if in.SDSClusterNode != "" {
		if nodes, err := s.store.ListAllSDSNodes(); err == nil {
			for _, n := range nodes {
				if n.ClusterNodeID == in.SDSClusterNode {
					sdsID = n.ID
					break
				}
			}
		}
	}

	if err := s.authority.RecordAck(in.TokenID, sdsID, in.Success, in.BytesProcessed, in.DurationMillis, in.ChunkID, in.Generation, in.Checksum, in.OffsetBytes, in.LengthBytes); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]string{"status": "ok"})
}

// --- Rebuild ---

func (s *Server) handleStartRebuild(w http.ResponseWriter, r *http.Request) {
	poolID, err := pathID(r, "poolID")
	if err != nil {
		respondError(w, err)
		return
	}
	var job *types.RebuildJob
	err = s.poolLocks.With(poolID, func() error {
		j, err := s.rebuilds.StartRebuild(poolID)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{"status": "ok", "id": job.ID})
}

func (s *Server) handleRebuildStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := pathID(r, "jobID")
	if err != nil {
		respondError(w, err)
		return
	}
	job, err := s.rebuilds.GetStatus(jobID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, job)
}

// --- Discovery ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in discovery.RegisterInput
	if err := decodeBody(r, &in); err != nil {
		respondError(w, err)
		return
	}
	res, err := s.discovery.Register(in)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]any{
		"status":         "ok",
		"component_id":   res.Component.ComponentID,
		"cluster_secret": res.ClusterSecret,
		"cluster_name":   res.ClusterName,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	componentID := chi.URLParam(r, "componentID")
	if err := s.discovery.Heartbeat(componentID); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]string{"status": "ok"})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	componentID := chi.URLParam(r, "componentID")
	if err := s.discovery.Unregister(componentID); err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, map[string]string{"status": "ok"})
}

func (s *Server) handleTopology(w http.ResponseWriter, _ *http.Request) {
	topo, err := s.discovery.Topology()
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, topo)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	t := types.ComponentType(chi.URLParam(r, "type"))
	peers, err := s.discovery.Peers(t)
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, peers)
}

func (s *Server) handleBootstrap(w http.ResponseWriter, _ *http.Request) {
	components, err := s.discovery.BootstrapMinimalTopology()
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, components)
}

// --- Health ---

func (s *Server) handleHealthSummary(w http.ResponseWriter, _ *http.Request) {
	summary, err := s.health.Summarize()
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, summary)
}

func (s *Server) handleComponentList(w http.ResponseWriter, _ *http.Request) {
	components, err := s.store.ListComponents()
	if err != nil {
		respondError(w, err)
		return
	}
	respondOK(w, components)
}
