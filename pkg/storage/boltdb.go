package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/types"
)

var buckets = []string{
	"pds", "fault_sets", "pools", "sds_nodes", "sdc_clients",
	"volumes", "mappings", "chunks", "replicas",
	"components", "tokens", "acks", "rebuild_jobs", "events",
}

// BoltStore is a go.etcd.io/bbolt backed Store, with one bucket per entity
// and JSON-encoded values keyed by an 8-byte big-endian autoincrement id
// taken from the bucket's own sequence; components and tokens are keyed
// by their string ids instead.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir, fileName string) (*BoltStore, error) {
	db, err := bbolt.Open(filepath.Join(dataDir, fileName), 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open bbolt: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func idKey(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func put(tx *bbolt.Tx, bucket string, id int64, v any) error {
	b := tx.Bucket([]byte(bucket))
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(idKey(id), data)
}

func get(tx *bbolt.Tx, bucket string, id int64, out any) (bool, error) {
	b := tx.Bucket([]byte(bucket))
	data := b.Get(idKey(id))
	if data == nil {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func nextID(tx *bbolt.Tx, bucket string) (int64, error) {
	b := tx.Bucket([]byte(bucket))
	seq, err := b.NextSequence()
	if err != nil {
		return 0, err
	}
	return int64(seq), nil
}

func del(tx *bbolt.Tx, bucket string, id int64) error {
	return tx.Bucket([]byte(bucket)).Delete(idKey(id))
}

func forEach(tx *bbolt.Tx, bucket string, fn func(data []byte) error) error {
	return tx.Bucket([]byte(bucket)).ForEach(func(_, v []byte) error {
		return fn(v)
	})
}

// --- ProtectionDomain ---

func (s *BoltStore) CreatePD(pd *types.ProtectionDomain) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "pds")
		if err != nil {
			return err
		}
		pd.ID = id
		return put(tx, "pds", id, pd)
	})
}

func (s *BoltStore) GetPD(id int64) (*types.ProtectionDomain, error) {
	var pd types.ProtectionDomain
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, "pds", id, &pd)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "protection domain %d not found", id)
	}
	return &pd, nil
}

func (s *BoltStore) GetPDByName(name string) (*types.ProtectionDomain, error) {
	var out *types.ProtectionDomain
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "pds", func(data []byte) error {
			var pd types.ProtectionDomain
			if err := json.Unmarshal(data, &pd); err != nil {
				return err
			}
			if pd.Name == name {
				out = &pd
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apierr.New(apierr.NotFound, "protection domain %q not found", name)
	}
	return out, nil
}

func (s *BoltStore) ListPDs() ([]*types.ProtectionDomain, error) {
	var out []*types.ProtectionDomain
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "pds", func(data []byte) error {
			var pd types.ProtectionDomain
			if err := json.Unmarshal(data, &pd); err != nil {
				return err
			}
			out = append(out, &pd)
			return nil
		})
	})
	return out, err
}

// --- FaultSet ---

func (s *BoltStore) CreateFaultSet(fs *types.FaultSet) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "fault_sets")
		if err != nil {
			return err
		}
		fs.ID = id
		return put(tx, "fault_sets", id, fs)
	})
}

func (s *BoltStore) GetFaultSet(id int64) (*types.FaultSet, error) {
	var fs types.FaultSet
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, "fault_sets", id, &fs)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "fault set %d not found", id)
	}
	return &fs, nil
}

func (s *BoltStore) ListFaultSets(pdID int64) ([]*types.FaultSet, error) {
	var out []*types.FaultSet
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "fault_sets", func(data []byte) error {
			var fs types.FaultSet
			if err := json.Unmarshal(data, &fs); err != nil {
				return err
			}
			if pdID == 0 || fs.PDID == pdID {
				out = append(out, &fs)
			}
			return nil
		})
	})
	return out, err
}

// --- StoragePool ---

func (s *BoltStore) CreatePool(p *types.StoragePool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "pools")
		if err != nil {
			return err
		}
		p.ID = id
		return put(tx, "pools", id, p)
	})
}

func (s *BoltStore) GetPool(id int64) (*types.StoragePool, error) {
	var p types.StoragePool
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, "pools", id, &p)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "pool %d not found", id)
	}
	return &p, nil
}

func (s *BoltStore) GetPoolByName(name string) (*types.StoragePool, error) {
	var out *types.StoragePool
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "pools", func(data []byte) error {
			var p types.StoragePool
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			if p.Name == name {
				out = &p
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apierr.New(apierr.NotFound, "pool %q not found", name)
	}
	return out, nil
}

func (s *BoltStore) UpdatePool(p *types.StoragePool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, "pools", p.ID, p)
	})
}

func (s *BoltStore) DeletePool(id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return del(tx, "pools", id)
	})
}

func (s *BoltStore) ListPools(pdID int64) ([]*types.StoragePool, error) {
	var out []*types.StoragePool
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "pools", func(data []byte) error {
			var p types.StoragePool
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			if pdID == 0 || p.PDID == pdID {
				out = append(out, &p)
			}
			return nil
		})
	})
	return out, err
}

// --- SDSNode ---

func (s *BoltStore) CreateSDSNode(n *types.SDSNode) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "sds_nodes")
		if err != nil {
			return err
		}
		n.ID = id
		return put(tx, "sds_nodes", id, n)
	})
}

func (s *BoltStore) GetSDSNode(id int64) (*types.SDSNode, error) {
	var n types.SDSNode
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, "sds_nodes", id, &n)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "sds node %d not found", id)
	}
	return &n, nil
}

func (s *BoltStore) GetSDSNodeByName(name string) (*types.SDSNode, error) {
	var out *types.SDSNode
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "sds_nodes", func(data []byte) error {
			var n types.SDSNode
			if err := json.Unmarshal(data, &n); err != nil {
				return err
			}
			if n.Name == name {
				out = &n
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apierr.New(apierr.NotFound, "sds node %q not found", name)
	}
	return out, nil
}

func (s *BoltStore) UpdateSDSNode(n *types.SDSNode) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, "sds_nodes", n.ID, n)
	})
}

func (s *BoltStore) ListSDSNodes(pdID int64) ([]*types.SDSNode, error) {
	var out []*types.SDSNode
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "sds_nodes", func(data []byte) error {
			var n types.SDSNode
			if err := json.Unmarshal(data, &n); err != nil {
				return err
			}
			if pdID == 0 || n.PDID == pdID {
				out = append(out, &n)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListAllSDSNodes() ([]*types.SDSNode, error) {
	return s.ListSDSNodes(0)
}

// --- SDCClient ---

func (s *BoltStore) CreateSDCClient(c *types.SDCClient) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "sdc_clients")
		if err != nil {
			return err
		}
		c.ID = id
		return put(tx, "sdc_clients", id, c)
	})
}

func (s *BoltStore) GetSDCClient(id int64) (*types.SDCClient, error) {
	var c types.SDCClient
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, "sdc_clients", id, &c)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "sdc client %d not found", id)
	}
	return &c, nil
}

func (s *BoltStore) GetSDCClientByName(name string) (*types.SDCClient, error) {
	var out *types.SDCClient
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "sdc_clients", func(data []byte) error {
			var c types.SDCClient
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			if c.Name == name {
				out = &c
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apierr.New(apierr.NotFound, "sdc client %q not found", name)
	}
	return out, nil
}

func (s *BoltStore) ListSDCClients() ([]*types.SDCClient, error) {
	var out []*types.SDCClient
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "sdc_clients", func(data []byte) error {
			var c types.SDCClient
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

// --- Volume ---

func (s *BoltStore) CreateVolume(v *types.Volume) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "volumes")
		if err != nil {
			return err
		}
		v.ID = id
		return put(tx, "volumes", id, v)
	})
}

func (s *BoltStore) GetVolume(id int64) (*types.Volume, error) {
	var v types.Volume
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, "volumes", id, &v)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "volume %d not found", id)
	}
	return &v, nil
}

func (s *BoltStore) GetVolumeByName(name string) (*types.Volume, error) {
	var out *types.Volume
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "volumes", func(data []byte) error {
			var v types.Volume
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			if v.Name == name {
				out = &v
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apierr.New(apierr.NotFound, "volume %q not found", name)
	}
	return out, nil
}

func (s *BoltStore) UpdateVolume(v *types.Volume) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, "volumes", v.ID, v)
	})
}

func (s *BoltStore) DeleteVolume(id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return del(tx, "volumes", id)
	})
}

func (s *BoltStore) ListVolumes(poolID int64) ([]*types.Volume, error) {
	var out []*types.Volume
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "volumes", func(data []byte) error {
			var v types.Volume
			if err := json.Unmarshal(data, &v); err != nil {
				return err
			}
			if poolID == 0 || v.PoolID == poolID {
				out = append(out, &v)
			}
			return nil
		})
	})
	return out, err
}

// --- VolumeMapping ---

func (s *BoltStore) CreateMapping(m *types.VolumeMapping) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "mappings")
		if err != nil {
			return err
		}
		m.ID = id
		return put(tx, "mappings", id, m)
	})
}

func (s *BoltStore) GetMapping(volumeID, sdcID int64) (*types.VolumeMapping, error) {
	var out *types.VolumeMapping
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "mappings", func(data []byte) error {
			var m types.VolumeMapping
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			if m.VolumeID == volumeID && m.SDCID == sdcID {
				out = &m
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, apierr.New(apierr.NotFound, "mapping for volume %d, sdc %d not found", volumeID, sdcID)
	}
	return out, nil
}

func (s *BoltStore) DeleteMapping(id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return del(tx, "mappings", id)
	})
}

func (s *BoltStore) ListMappingsForVolume(volumeID int64) ([]*types.VolumeMapping, error) {
	var out []*types.VolumeMapping
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "mappings", func(data []byte) error {
			var m types.VolumeMapping
			if err := json.Unmarshal(data, &m); err != nil {
				return err
			}
			if m.VolumeID == volumeID {
				out = append(out, &m)
			}
			return nil
		})
	})
	return out, err
}

// --- Chunk ---

func (s *BoltStore) CreateChunk(c *types.Chunk) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "chunks")
		if err != nil {
			return err
		}
		c.ID = id
		return put(tx, "chunks", id, c)
	})
}

func (s *BoltStore) GetChunk(id int64) (*types.Chunk, error) {
	var c types.Chunk
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, "chunks", id, &c)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "chunk %d not found", id)
	}
	return &c, nil
}

func (s *BoltStore) UpdateChunk(c *types.Chunk) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, "chunks", c.ID, c)
	})
}

func (s *BoltStore) DeleteChunk(id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return del(tx, "chunks", id)
	})
}

func (s *BoltStore) ListChunksForVolume(volumeID int64) ([]*types.Chunk, error) {
	var out []*types.Chunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "chunks", func(data []byte) error {
			var c types.Chunk
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			if c.VolumeID == volumeID {
				out = append(out, &c)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListDegradedChunksForVolume(volumeID int64) ([]*types.Chunk, error) {
	chunks, err := s.ListChunksForVolume(volumeID)
	if err != nil {
		return nil, err
	}
	var out []*types.Chunk
	for _, c := range chunks {
		if c.IsDegraded {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- Replica ---

func (s *BoltStore) CreateReplica(r *types.Replica) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "replicas")
		if err != nil {
			return err
		}
		r.ID = id
		return put(tx, "replicas", id, r)
	})
}

func (s *BoltStore) GetReplica(id int64) (*types.Replica, error) {
	var r types.Replica
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, "replicas", id, &r)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "replica %d not found", id)
	}
	return &r, nil
}

func (s *BoltStore) UpdateReplica(r *types.Replica) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, "replicas", r.ID, r)
	})
}

func (s *BoltStore) DeleteReplica(id int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return del(tx, "replicas", id)
	})
}

func (s *BoltStore) ListReplicasForChunk(chunkID int64) ([]*types.Replica, error) {
	var out []*types.Replica
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "replicas", func(data []byte) error {
			var r types.Replica
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			if r.ChunkID == chunkID {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListReplicasForSDS(sdsID int64) ([]*types.Replica, error) {
	var out []*types.Replica
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "replicas", func(data []byte) error {
			var r types.Replica
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			if r.SDSID == sdsID {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListRebuildingReplicas() ([]*types.Replica, error) {
	var out []*types.Replica
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "replicas", func(data []byte) error {
			var r types.Replica
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			if r.IsRebuilding {
				out = append(out, &r)
			}
			return nil
		})
	})
	return out, err
}

// --- ComponentRegistry ---

func (s *BoltStore) CreateComponent(c *types.ComponentRegistry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte("components"))
		data, err := json.Marshal(c)
		if err != nil {
			return err
		}
		return b.Put([]byte(c.ComponentID), data)
	})
}

func (s *BoltStore) GetComponent(componentID string) (*types.ComponentRegistry, error) {
	var c types.ComponentRegistry
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte("components")).Get([]byte(componentID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &c)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "component %q not found", componentID)
	}
	return &c, nil
}

func (s *BoltStore) UpdateComponent(c *types.ComponentRegistry) error {
	return s.CreateComponent(c)
}

func (s *BoltStore) DeleteComponent(componentID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("components")).Delete([]byte(componentID))
	})
}

func (s *BoltStore) ListComponents() ([]*types.ComponentRegistry, error) {
	var out []*types.ComponentRegistry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("components")).ForEach(func(_, data []byte) error {
			var c types.ComponentRegistry
			if err := json.Unmarshal(data, &c); err != nil {
				return err
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListComponentsByType(t types.ComponentType) ([]*types.ComponentRegistry, error) {
	all, err := s.ListComponents()
	if err != nil {
		return nil, err
	}
	var out []*types.ComponentRegistry
	for _, c := range all {
		if c.ComponentType == t {
			out = append(out, c)
		}
	}
	return out, nil
}

// --- IOToken ---

func (s *BoltStore) CreateToken(t *types.IOToken) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte("tokens"))
		if b.Get([]byte(t.TokenID)) != nil {
			return apierr.New(apierr.Conflict, "token %s already exists", t.TokenID)
		}
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(t.TokenID), data)
	})
}

func (s *BoltStore) GetToken(tokenID string) (*types.IOToken, error) {
	var t types.IOToken
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte("tokens")).Get([]byte(tokenID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "token %s not found", tokenID)
	}
	return &t, nil
}

func (s *BoltStore) UpdateToken(t *types.IOToken) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket([]byte("tokens")).Put([]byte(t.TokenID), data)
	})
}

func (s *BoltStore) ListIssuedTokensBefore(cutoffUnixNano int64) ([]*types.IOToken, error) {
	var out []*types.IOToken
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte("tokens")).ForEach(func(_, data []byte) error {
			var t types.IOToken
			if err := json.Unmarshal(data, &t); err != nil {
				return err
			}
			if t.Status == types.TokenIssued && t.ExpiresAt.UnixNano() <= cutoffUnixNano {
				out = append(out, &t)
			}
			return nil
		})
	})
	return out, err
}

// --- IOTransactionAck ---

func (s *BoltStore) CreateAck(a *types.IOTransactionAck) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "acks")
		if err != nil {
			return err
		}
		a.ID = id
		return put(tx, "acks", id, a)
	})
}

func (s *BoltStore) ListAcksForToken(tokenID string) ([]*types.IOTransactionAck, error) {
	var out []*types.IOTransactionAck
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "acks", func(data []byte) error {
			var a types.IOTransactionAck
			if err := json.Unmarshal(data, &a); err != nil {
				return err
			}
			if a.TokenID == tokenID {
				out = append(out, &a)
			}
			return nil
		})
	})
	return out, err
}

// --- RebuildJob ---

func (s *BoltStore) CreateRebuildJob(j *types.RebuildJob) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "rebuild_jobs")
		if err != nil {
			return err
		}
		j.ID = id
		return put(tx, "rebuild_jobs", id, j)
	})
}

func (s *BoltStore) GetRebuildJob(id int64) (*types.RebuildJob, error) {
	var j types.RebuildJob
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		found, err = get(tx, "rebuild_jobs", id, &j)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "rebuild job %d not found", id)
	}
	return &j, nil
}

func (s *BoltStore) UpdateRebuildJob(j *types.RebuildJob) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, "rebuild_jobs", j.ID, j)
	})
}

func (s *BoltStore) GetActiveRebuildJobForPool(poolID int64) (*types.RebuildJob, error) {
	var out *types.RebuildJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "rebuild_jobs", func(data []byte) error {
			var j types.RebuildJob
			if err := json.Unmarshal(data, &j); err != nil {
				return err
			}
			if j.PoolID == poolID && j.State == types.RebuildInProgress {
				out = &j
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) GetLatestRebuildJobForPool(poolID int64) (*types.RebuildJob, error) {
	var out *types.RebuildJob
	err := s.db.View(func(tx *bbolt.Tx) error {
		return forEach(tx, "rebuild_jobs", func(data []byte) error {
			var j types.RebuildJob
			if err := json.Unmarshal(data, &j); err != nil {
				return err
			}
			if j.PoolID == poolID && (out == nil || j.StartedAt.After(out.StartedAt)) {
				out = &j
			}
			return nil
		})
	})
	return out, err
}

// --- Event ---

func (s *BoltStore) AppendEvent(e *types.Event) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		id, err := nextID(tx, "events")
		if err != nil {
			return err
		}
		e.ID = id
		return put(tx, "events", id, e)
	})
}

func (s *BoltStore) ListEvents(limit int) ([]*types.Event, error) {
	var out []*types.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte("events")).Cursor()
		n := 0
		for k, v := c.Last(); k != nil && (limit <= 0 || n < limit); k, v = c.Prev() {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
			n++
		}
		return nil
	})
	return out, err
}
