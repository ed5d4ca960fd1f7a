// Package sdc implements the SDC I/O planner/executor: a CONNECT/READ/
// WRITE/DISCONNECT block-like interface that fetches plans and tokens
// from the MDM control API, caches plans briefly, and dispatches
// per-segment I/O to SDS targets over the newline-delimited JSON data
// plane.
package sdc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cuemby/flexsim/pkg/apierr"
	"github.com/cuemby/flexsim/pkg/bfile"
	"github.com/cuemby/flexsim/pkg/config"
	"github.com/cuemby/flexsim/pkg/log"
	"github.com/cuemby/flexsim/pkg/mdmapi"
	"github.com/cuemby/flexsim/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultPlanCacheTTL is how long a fetched I/O plan is reused before the
// SDC asks the MDM to replan.
const DefaultPlanCacheTTL = 30 * time.Second

// DefaultDataPlaneTimeout is the per-SDS RPC timeout for the SDC<->SDS
// data plane.
const DefaultDataPlaneTimeout = time.Second

type planCacheKey struct {
	Op       types.IOOperation
	VolumeID int64
	SDCID    int64
	Offset   int64
	Length   int64
}

type planCacheEntry struct {
	plan      *mdmapi.Plan
	expiresAt time.Time
}

// Client is one SDC's connection to a single mapped volume.
type Client struct {
	SDCID      int64
	MDMBaseURL string
	Mode       config.IOMode
	Layout     *bfile.Layout
	HTTPClient *http.Client
	PlanTTL    time.Duration

	logger zerolog.Logger

	mu        sync.Mutex
	planCache map[planCacheKey]planCacheEntry
}

func New(sdcID int64, mdmBaseURL string, mode config.IOMode, layout *bfile.Layout) *Client {
	return &Client{
		SDCID:      sdcID,
		MDMBaseURL: mdmBaseURL,
		Mode:       mode,
		Layout:     layout,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		PlanTTL:    DefaultPlanCacheTTL,
		logger:     log.WithComponent("sdc"),
		planCache:  make(map[planCacheKey]planCacheEntry),
	}
}

// InvalidateVolume drops every cached plan for a volume, e.g. on a
// target I/O error or a mapping change.
func (c *Client) InvalidateVolume(volumeID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.planCache {
		if k.VolumeID == volumeID {
			delete(c.planCache, k)
		}
	}
}

func (c *Client) cachedPlan(key planCacheKey) *mdmapi.Plan {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.planCache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.plan
}

func (c *Client) storePlan(key planCacheKey, plan *mdmapi.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.planCache[key] = planCacheEntry{plan: plan, expiresAt: time.Now().Add(c.PlanTTL)}
}

func (c *Client) fetchPlan(ctx context.Context, op types.IOOperation, volumeID, offset, length int64) (*mdmapi.Plan, error) {
	key := planCacheKey{Op: op, VolumeID: volumeID, SDCID: c.SDCID, Offset: offset, Length: length}
	if cached := c.cachedPlan(key); cached != nil {
		return cached, nil
	}

	path := "/plan/read"
	if op == types.OpWrite {
		path = "/plan/write"
	}
	body, _ := json.Marshal(map[string]any{
		"volume_id": volumeID, "sdc_id": c.SDCID, "offset_bytes": offset, "length_bytes": length,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.MDMBaseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, apierr.New(apierr.TargetIOError, "sdc: fetch plan: %v", err)
	}
	defer resp.Body.Close()

	var plan mdmapi.Plan
	if err := json.NewDecoder(resp.Body).Decode(&plan); err != nil {
		return nil, fmt.Errorf("sdc: decode plan: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apierr.New(httpErrorKind(resp.StatusCode), "mdm plan request failed with status %d", resp.StatusCode)
	}

	c.storePlan(key, &plan)
	return &plan, nil
}

func httpErrorKind(status int) apierr.Kind {
	switch status {
	case 503:
		return apierr.NoActiveTargets
	case 403:
		return apierr.Unauthorized
	case 404:
		return apierr.NotFound
	case 409:
		return apierr.Conflict
	default:
		return apierr.Internal
	}
}

func (c *Client) fetchToken(ctx context.Context, op types.IOOperation, volumeID, offset, length int64, ioPlan string) (*types.IOToken, error) {
	body, _ := json.Marshal(map[string]any{
		"volume_id": volumeID, "sdc_id": c.SDCID, "operation": op,
		"offset_bytes": offset, "length_bytes": length, "io_plan": ioPlan,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.MDMBaseURL+"/authorize", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, apierr.New(apierr.TargetIOError, "sdc: fetch token: %v", err)
	}
	defer resp.Body.Close()

	var tok types.IOToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return nil, fmt.Errorf("sdc: decode token: %w", err)
	}
	return &tok, nil
}

// Read executes a read across a plan's segments, trying each segment's
// targets in order and accepting the first successful response.
func (c *Client) Read(ctx context.Context, volumeID, offset, length int64) ([]byte, error) {
	plan, err := c.fetchPlan(ctx, types.OpRead, volumeID, offset, length)
	if err != nil {
		return nil, err
	}
	tok, err := c.fetchToken(ctx, types.OpRead, volumeID, offset, length, plan.PlanGeneration)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, length)
	for _, seg := range plan.Segments {
		data, err := c.readSegmentFirstSuccess(ctx, seg, volumeID, tok)
		if err != nil {
			c.InvalidateVolume(volumeID)
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

func (c *Client) readSegmentFirstSuccess(ctx context.Context, seg mdmapi.PlanSegment, volumeID int64, tok *types.IOToken) ([]byte, error) {
	var lastErr error
	for _, target := range seg.Targets {
		data, err := c.sendFrame(ctx, target, sds_Frame{
			Action: "read", Token: *tok, VolumeID: volumeID, ChunkID: seg.ChunkID,
			OffsetBytes: seg.SegmentOffset, LengthBytes: seg.SegmentLength,
		})
		if err == nil && data.OK {
			decoded, derr := bfile.DecodeBase64(data.DataB64)
			if derr == nil {
				return decoded, nil
			}
			lastErr = derr
			continue
		}
		lastErr = err
		if err == nil {
			lastErr = fmt.Errorf("sds %d: %s", target.SDSID, data.Error)
		}
	}
	if lastErr == nil {
		lastErr = apierr.New(apierr.NoActiveTargets, "segment chunk %d has no reachable targets", seg.ChunkID)
	}
	return nil, lastErr
}

// Write executes a write across a plan's segments, fanning out to every
// target per segment and requiring the write policy's ack count.
func (c *Client) Write(ctx context.Context, volumeID, offset int64, data []byte) error {
	length := int64(len(data))
	plan, err := c.fetchPlan(ctx, types.OpWrite, volumeID, offset, length)
	if err != nil {
		return err
	}
	tok, err := c.fetchToken(ctx, types.OpWrite, volumeID, offset, length, plan.PlanGeneration)
	if err != nil {
		return err
	}

	cursor := int64(0)
	for _, seg := range plan.Segments {
		segData := data[cursor : cursor+seg.SegmentLength]
		cursor += seg.SegmentLength

		if err := c.writeSegment(ctx, seg, volumeID, tok, segData, plan.AckPolicy); err != nil {
			if c.Mode == config.NetworkPreferLocal {
				if ferr := c.writeLocalFallback(volumeID, seg.SegmentOffset, segData); ferr == nil {
					continue
				}
			}
			c.InvalidateVolume(volumeID)
			return err
		}
	}
	return nil
}

func (c *Client) writeSegment(ctx context.Context, seg mdmapi.PlanSegment, volumeID int64, tok *types.IOToken, data []byte, policy mdmapi.AckPolicy) error {
	required := len(seg.Targets)
	if policy == mdmapi.AckQuorum {
		required = len(seg.Targets)/2 + 1
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	successes := 0

	for _, target := range seg.Targets {
		target := target
		g.Go(func() error {
			resp, err := c.sendFrame(gctx, target, sds_Frame{
				Action: "write", Token: *tok, VolumeID: volumeID, ChunkID: seg.ChunkID,
				OffsetBytes: seg.SegmentOffset, LengthBytes: int64(len(data)), DataB64: bfile.EncodeBase64(data),
			})
			if err != nil || !resp.OK {
				return nil // per-target failures are tallied, not fatal to the group
			}
			mu.Lock()
			successes++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if successes < required {
		return apierr.New(apierr.TargetIOError, "segment chunk %d: %d/%d required acks, got %d", seg.ChunkID, required, len(seg.Targets), successes)
	}
	return nil
}

func (c *Client) writeLocalFallback(volumeID, offset int64, data []byte) error {
	path := c.Layout.DevicePath(volumeID, fmt.Sprintf("sdc-%d", c.SDCID))
	return bfile.WriteAt(path, offset, data)
}

// sds_Frame mirrors pkg/sds.Frame field for field without importing
// pkg/sds; the two must stay compatible on the wire.
type sds_Frame struct {
	Action      string        `json:"action"`
	Token       types.IOToken `json:"token"`
	VolumeID    int64         `json:"volume_id"`
	ChunkID     int64         `json:"chunk_id"`
	OffsetBytes int64         `json:"offset_bytes"`
	LengthBytes int64         `json:"length_bytes"`
	DataB64     string        `json:"data_b64,omitempty"`
}

type sds_Response struct {
	OK           bool   `json:"ok"`
	BytesRead    int64  `json:"bytes_read,omitempty"`
	BytesWritten int64  `json:"bytes_written,omitempty"`
	DataB64      string `json:"data_b64,omitempty"`
	Generation   int64  `json:"generation,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (c *Client) sendFrame(ctx context.Context, target mdmapi.PlanTarget, frame sds_Frame) (*sds_Response, error) {
	addr := fmt.Sprintf("%s:%d", target.Host, target.DataPort)
	dialer := net.Dialer{Timeout: DefaultDataPlaneTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, apierr.New(apierr.TargetIOError, "sdc: dial sds %d at %s: %v", target.SDSID, addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(DefaultDataPlaneTimeout))

	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return nil, apierr.New(apierr.TargetIOError, "sdc: write to sds %d: %v", target.SDSID, err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, apierr.New(apierr.TargetIOError, "sdc: read from sds %d: %v", target.SDSID, err)
	}

	var resp sds_Response
	if err := json.Unmarshal(bytes.TrimSpace(line), &resp); err != nil {
		return nil, fmt.Errorf("sdc: decode response from sds %d: %w", target.SDSID, err)
	}
	return &resp, nil
}
