package mdmapi

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/config"
	"github.com/cuemby/flexsim/pkg/metrics"
	"github.com/cuemby/flexsim/pkg/types"
)

// PlanTarget is one SDS endpoint a segment may be served by.
type PlanTarget struct {
	SDSID    int64  `json:"sds_id"`
	Host     string `json:"host"`
	DataPort int    `json:"data_port"`
}

// PlanSegment is one chunk-bounded slice of a requested I/O range.
type PlanSegment struct {
	ChunkID         int64        `json:"chunk_id"`
	ChunkGeneration int64        `json:"chunk_generation"`
	SegmentOffset   int64        `json:"segment_offset"`
	SegmentLength   int64        `json:"segment_length"`
	Targets         []PlanTarget `json:"targets"`
}

// AckPolicy is the commit rule a client must satisfy for a plan.
type AckPolicy string

const (
	AckAll          AckPolicy = "all"
	AckQuorum       AckPolicy = "quorum"
	AckFirstHealthy AckPolicy = "first_healthy"
)

// Plan is the full response to a plan/read or plan/write request.
type Plan struct {
	Op             types.IOOperation `json:"op"`
	VolumeID       int64             `json:"volume_id"`
	SDCID          int64             `json:"sdc_id"`
	Offset         int64             `json:"offset_bytes"`
	Length         int64             `json:"length_bytes"`
	IOMode         config.IOMode     `json:"io_mode"`
	AckPolicy      AckPolicy         `json:"ack_policy"`
	Segments       []PlanSegment     `json:"segments"`
	PlanGeneration string            `json:"plan_generation"`
}

// buildPlan walks offset..offset+length splitting on chunk boundaries,
// collecting per-segment targets from replicas whose SDS's component is
// ACTIVE, and stamps a deterministic plan_generation fingerprint.
func (s *Server) buildPlan(op types.IOOperation, vol *types.Volume, pool *types.StoragePool, sdcID, offset, length int64) (*Plan, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PlanGenerationDuration)

	if length <= 0 {
		return nil, apierr.New(apierr.InvalidArgument, "length_bytes must be positive")
	}
	if offset < 0 || offset+length > vol.SizeBytes {
		return nil, apierr.New(apierr.InvalidArgument, "range [%d,%d) exceeds volume size %d", offset, offset+length, vol.SizeBytes)
	}

	chunkSize := pool.ChunkSizeBytes
	var segments []PlanSegment

	cursor := offset
	end := offset + length
	for cursor < end {
		chunkIndex := cursor / chunkSize
		chunkStart := chunkIndex * chunkSize
		chunkEnd := chunkStart + chunkSize
		segEnd := end
		if chunkEnd < segEnd {
			segEnd = chunkEnd
		}
		segOffset := cursor
		segLength := segEnd - cursor

		chunk, err := s.chunkByIndex(vol.ID, chunkIndex)
		if err != nil {
			return nil, err
		}

		targets, err := s.activeTargetsForChunk(chunk.ID)
		if err != nil {
			return nil, err
		}
		if len(targets) == 0 {
			return nil, apierr.New(apierr.NoActiveTargets, "no active sds targets for chunk %d", chunk.ID)
		}

		segments = append(segments, PlanSegment{
			ChunkID:         chunk.ID,
			ChunkGeneration: chunk.Generation,
			SegmentOffset:   segOffset,
			SegmentLength:   segLength,
			Targets:         targets,
		})

		cursor = segEnd
	}

	ackPolicy := AckFirstHealthy
	if op == types.OpWrite {
		if s.cfg.WritePolicy == config.WriteQuorum {
			ackPolicy = AckQuorum
		} else {
			ackPolicy = AckAll
		}
	}

	plan := &Plan{
		Op:        op,
		VolumeID:  vol.ID,
		SDCID:     sdcID,
		Offset:    offset,
		Length:    length,
		IOMode:    s.cfg.IOMode,
		AckPolicy: ackPolicy,
		Segments:  segments,
	}
	plan.PlanGeneration = fingerprint(plan)
	return plan, nil
}

func fingerprint(p *Plan) string {
	var b []byte
	b = append(b, []byte(fmt.Sprintf("%s|%d|%d|%d|%d|%s|%s", p.Op, p.VolumeID, p.SDCID, p.Offset, p.Length, p.IOMode, p.AckPolicy))...)
	for _, seg := range p.Segments {
		b = append(b, []byte(fmt.Sprintf("|%d:%d:%d:%d", seg.ChunkID, seg.ChunkGeneration, seg.SegmentOffset, seg.SegmentLength))...)
		for _, t := range seg.Targets {
			b = append(b, []byte(fmt.Sprintf(":%d@%s:%d", t.SDSID, t.Host, t.DataPort))...)
		}
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func (s *Server) chunkByIndex(volumeID, chunkIndex int64) (*types.Chunk, error) {
	chunks, err := s.store.ListChunksForVolume(volumeID)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if c.ChunkIndex == chunkIndex {
			return c, nil
		}
	}
	return nil, apierr.New(apierr.NotFound, "volume %d has no chunk at index %d", volumeID, chunkIndex)
}

func (s *Server) activeTargetsForChunk(chunkID int64) ([]PlanTarget, error) {
	replicas, err := s.store.ListReplicasForChunk(chunkID)
	if err != nil {
		return nil, err
	}

	var targets []PlanTarget
	for _, r := range replicas {
		if !r.IsAvailable {
			continue
		}
		sds, err := s.store.GetSDSNode(r.SDSID)
		if err != nil {
			continue
		}
		comp, err := s.store.GetComponent(sds.ClusterNodeID)
		if err != nil || comp.Status != types.ComponentActive {
			continue
		}
		targets = append(targets, PlanTarget{SDSID: sds.ID, Host: comp.Address, DataPort: comp.DataPort})
	}
	return targets, nil
}
