// Package sds implements the SDS data server: it verifies capability
// tokens, executes chunk reads/writes against its local backing files,
// journals intents, and reports back to the MDM token authority via a
// batched ACK sender and a periodic heartbeat sender. Wire framing is
// newline-delimited JSON.
package sds

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/flexsim/pkg/bfile"
	"github.com/cuemby/flexsim/pkg/keylock"
	"github.com/cuemby/flexsim/pkg/log"
	"github.com/cuemby/flexsim/pkg/metrics"
	"github.com/cuemby/flexsim/pkg/token"
	"github.com/cuemby/flexsim/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultAckInterval and DefaultAckBatchSize control the ACK sender's
// batching cadence.
const (
	DefaultAckInterval       = 5 * time.Second
	DefaultAckBatchSize      = 100
	DefaultHeartbeatInterval = 10 * time.Second
	journalRetention         = 24 * time.Hour
)

// Frame is the wire shape of a data-plane request.
type Frame struct {
	Action      string        `json:"action"`
	Token       types.IOToken `json:"token"`
	VolumeID    int64         `json:"volume_id"`
	ChunkID     int64         `json:"chunk_id"`
	OffsetBytes int64         `json:"offset_bytes"`
	LengthBytes int64         `json:"length_bytes"`
	DataB64     string        `json:"data_b64,omitempty"`
}

// Response is the wire shape of a data-plane reply.
type Response struct {
	OK            bool   `json:"ok"`
	BytesRead     int64  `json:"bytes_read,omitempty"`
	BytesWritten  int64  `json:"bytes_written,omitempty"`
	DataB64       string `json:"data_b64,omitempty"`
	Generation    int64  `json:"generation,omitempty"`
	Error         string `json:"error,omitempty"`
}

type journalEntry struct {
	TokenID  string
	Status   string // PENDING | COMMITTED
	Time     time.Time
}

type ackEntry struct {
	TokenID        string
	Success        bool
	BytesProcessed int64
	DurationMillis int64
	ChunkID        int64
	Generation     int64
	Checksum       string
	OffsetBytes    int64
	LengthBytes    int64
}

// Server is one SDS node's data-plane listener plus its local state:
// consumed tokens, the write journal, and the outbound ACK queue.
type Server struct {
	ClusterNodeID string
	ClusterSecret string
	MDMBaseURL    string
	Layout        *bfile.Layout
	HTTPClient    *http.Client

	chunkLocks *keylock.Registry
	logger     zerolog.Logger

	mu             sync.Mutex
	consumedTokens map[string]bool
	journal        map[string]journalEntry
	ackQueue       []ackEntry
	chunkGen       map[int64]int64

	stopCh chan struct{}
}

func New(clusterNodeID, clusterSecret, mdmBaseURL string, layout *bfile.Layout) *Server {
	return &Server{
		ClusterNodeID:  clusterNodeID,
		ClusterSecret:  clusterSecret,
		MDMBaseURL:     mdmBaseURL,
		Layout:         layout,
		HTTPClient:     &http.Client{Timeout: 5 * time.Second},
		chunkLocks:     keylock.NewRegistry(),
		logger:         log.WithComponent("sds"),
		consumedTokens: make(map[string]bool),
		journal:        make(map[string]journalEntry),
		chunkGen:       make(map[int64]int64),
		stopCh:         make(chan struct{}),
	}
}

// Serve accepts connections on listener and handles each as a
// newline-delimited JSON frame stream until the connection closes.
func (s *Server) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// Stop signals background workers to exit.
func (s *Server) Stop() {
	close(s.stopCh)
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			resp := s.dispatch(bytes.TrimSpace(line))
			data, _ := json.Marshal(resp)
			data = append(data, '\n')
			if _, werr := conn.Write(data); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) dispatch(line []byte) Response {
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		return Response{OK: false, Error: fmt.Sprintf("invalid frame: %v", err)}
	}

	switch frame.Action {
	case "init_volume":
		return s.initVolume(frame)
	case "write":
		return s.write(frame)
	case "read":
		return s.read(frame)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown action %q", frame.Action)}
	}
}

func (s *Server) initVolume(frame Frame) Response {
	path := s.Layout.ReplicaPath(frame.VolumeID, s.ClusterNodeID)
	if err := bfile.EnsureReplicaFile(path, frame.LengthBytes); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true}
}

func (s *Server) verifyToken(frame Frame, op types.IOOperation) error {
	s.mu.Lock()
	consumed := s.consumedTokens[frame.Token.TokenID]
	s.mu.Unlock()
	if consumed {
		return fmt.Errorf("Replay: token %s already consumed at this sds", frame.Token.TokenID)
	}

	return token.ValidateForIO(&frame.Token, s.ClusterSecret, frame.VolumeID, op, frame.OffsetBytes, frame.LengthBytes, time.Now())
}

func (s *Server) write(frame Frame) Response {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SDSIODuration, "write")

	if err := s.verifyToken(frame, types.OpWrite); err != nil {
		metrics.SDSIORequestsTotal.WithLabelValues("write", "verify_failed").Inc()
		return Response{OK: false, Error: err.Error()}
	}

	data, err := bfile.DecodeBase64(frame.DataB64)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}

	start := time.Now()
	var writeErr error
	var generation int64
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	err = s.chunkLocks.With(frame.ChunkID, func() error {
		s.recordJournal(frame.Token.TokenID, "PENDING")

		path := s.Layout.ReplicaPath(frame.VolumeID, s.ClusterNodeID)
		if werr := bfile.WriteAt(path, frame.OffsetBytes, data); werr != nil {
			writeErr = werr
			return werr
		}

		generation = s.bumpGeneration(frame.ChunkID)
		s.recordJournal(frame.Token.TokenID, "COMMITTED")
		return nil
	})
	if err != nil {
		s.queueAck(ackEntry{TokenID: frame.Token.TokenID, Success: false, DurationMillis: time.Since(start).Milliseconds()})
		metrics.SDSIORequestsTotal.WithLabelValues("write", "error").Inc()
		return Response{OK: false, Error: writeErr.Error()}
	}

	s.mu.Lock()
	s.consumedTokens[frame.Token.TokenID] = true
	s.mu.Unlock()

	s.queueAck(ackEntry{
		TokenID:        frame.Token.TokenID,
		Success:        true,
		BytesProcessed: int64(len(data)),
		DurationMillis: time.Since(start).Milliseconds(),
		ChunkID:        frame.ChunkID,
		Generation:     generation,
		Checksum:       checksum,
		OffsetBytes:    frame.OffsetBytes,
		LengthBytes:    int64(len(data)),
	})
	metrics.SDSIORequestsTotal.WithLabelValues("write", "ok").Inc()
	return Response{OK: true, BytesWritten: int64(len(data)), Generation: generation}
}

// bumpGeneration increments and returns the local per-chunk write
// generation counter, starting from 1 on a chunk's first write.
func (s *Server) bumpGeneration(chunkID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunkGen[chunkID]++
	return s.chunkGen[chunkID]
}

func (s *Server) read(frame Frame) Response {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.SDSIODuration, "read")

	if err := s.verifyToken(frame, types.OpRead); err != nil {
		metrics.SDSIORequestsTotal.WithLabelValues("read", "verify_failed").Inc()
		return Response{OK: false, Error: err.Error()}
	}

	start := time.Now()
	path := s.Layout.ReplicaPath(frame.VolumeID, s.ClusterNodeID)
	data, err := bfile.ReadAt(path, frame.OffsetBytes, frame.LengthBytes)
	if err != nil {
		s.queueAck(ackEntry{TokenID: frame.Token.TokenID, Success: false, DurationMillis: time.Since(start).Milliseconds()})
		metrics.SDSIORequestsTotal.WithLabelValues("read", "error").Inc()
		return Response{OK: false, Error: err.Error()}
	}

	s.mu.Lock()
	s.consumedTokens[frame.Token.TokenID] = true
	s.mu.Unlock()

	s.queueAck(ackEntry{TokenID: frame.Token.TokenID, Success: true, BytesProcessed: int64(len(data)), DurationMillis: time.Since(start).Milliseconds()})
	metrics.SDSIORequestsTotal.WithLabelValues("read", "ok").Inc()
	return Response{OK: true, BytesRead: int64(len(data)), DataB64: bfile.EncodeBase64(data)}
}

func (s *Server) recordJournal(tokenID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal[tokenID] = journalEntry{TokenID: tokenID, Status: status, Time: time.Now()}
}

func (s *Server) queueAck(entry ackEntry) {
	s.mu.Lock()
	s.ackQueue = append(s.ackQueue, entry)
	depth := len(s.ackQueue)
	s.mu.Unlock()
	metrics.SDCAckQueueDepth.Set(float64(depth))
}

// PruneJournal drops journal entries in a terminal status older than
// journalRetention.
func (s *Server) PruneJournal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-journalRetention)
	for id, entry := range s.journal {
		if entry.Status == "COMMITTED" && entry.Time.Before(cutoff) {
			delete(s.journal, id)
		}
	}
}
