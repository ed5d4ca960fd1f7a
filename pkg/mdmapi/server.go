// Package mdmapi is the MDM control API: a chi-routed HTTP/JSON server
// exposing protection domain, pool, SDS, SDC and volume CRUD, I/O plan
// generation, token issuance and acks, discovery, and health/bootstrap
// endpoints, with a per-volume/per-pool concurrency guard in front of
// the volume create/map/unmap/extend/delete and rebuild calls; the
// other mutating calls take no lock of their own.
package mdmapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cuemby/flexsim/pkg/authority"
	"github.com/cuemby/flexsim/pkg/config"
	"github.com/cuemby/flexsim/pkg/discovery"
	"github.com/cuemby/flexsim/pkg/engine"
	"github.com/cuemby/flexsim/pkg/health"
	"github.com/cuemby/flexsim/pkg/keylock"
	"github.com/cuemby/flexsim/pkg/log"
	"github.com/cuemby/flexsim/pkg/metrics"
	"github.com/cuemby/flexsim/pkg/rebuild"
	"github.com/cuemby/flexsim/pkg/storage"
	"github.com/cuemby/flexsim/pkg/volume"
)

// Server wires the storage engine, volume manager, rebuild engine,
// token authority, discovery registry and health monitor behind a
// single HTTP router.
type Server struct {
	Router *chi.Mux

	store     storage.Store
	cfg       *config.Config
	engine    *engine.Engine
	volumes   *volume.Manager
	rebuilds  *rebuild.Engine
	authority *authority.Authority
	discovery *discovery.Registry
	health    *health.Monitor

	volumeLocks *keylock.Registry
	poolLocks   *keylock.Registry

	startedAt time.Time
}

func New(store storage.Store, cfg *config.Config, eng *engine.Engine, volumes *volume.Manager, rebuilds *rebuild.Engine, auth *authority.Authority, disc *discovery.Registry, mon *health.Monitor) *Server {
	s := &Server{
		store:       store,
		cfg:         cfg,
		engine:      eng,
		volumes:     volumes,
		rebuilds:    rebuilds,
		authority:   auth,
		discovery:   disc,
		health:      mon,
		volumeLocks: keylock.NewRegistry(),
		poolLocks:   keylock.NewRegistry(),
		startedAt:   time.Now(),
	}
	s.Router = s.routes()
	return s
}

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/health/summary", s.handleHealthSummary)
	r.Get("/health/components", s.handleComponentList)

	r.Route("/pds", func(r chi.Router) {
		r.Post("/", s.handleCreatePD)
		r.Get("/", s.handleListPDs)
	})
	r.Route("/fault-sets", func(r chi.Router) {
		r.Post("/", s.handleCreateFaultSet)
		r.Get("/", s.handleListFaultSets)
	})
	r.Route("/pools", func(r chi.Router) {
		r.Post("/", s.handleCreatePool)
		r.Get("/", s.handleListPools)
		r.Get("/{id}", s.handleGetPool)
		r.Delete("/{id}", s.handleDeletePool)
	})
	r.Route("/sds", func(r chi.Router) {
		r.Post("/", s.handleCreateSDS)
		r.Get("/", s.handleListSDS)
		r.Post("/{id}/fail", s.handleFailSDS)
		r.Post("/{id}/recover", s.handleRecoverSDS)
	})
	r.Route("/sdc", func(r chi.Router) {
		r.Post("/", s.handleCreateSDC)
		r.Get("/", s.handleListSDC)
	})
	r.Route("/volumes", func(r chi.Router) {
		r.Post("/", s.handleCreateVolume)
		r.Get("/", s.handleListVolumes)
		r.Get("/{id}", s.handleGetVolume)
		r.Post("/{id}/map", s.handleMapVolume)
		r.Post("/{id}/unmap", s.handleUnmapVolume)
		r.Post("/{id}/extend", s.handleExtendVolume)
		r.Delete("/{id}", s.handleDeleteVolume)
	})

	r.Post("/plan/read", s.handlePlanRead)
	r.Post("/plan/write", s.handlePlanWrite)
	r.Post("/authorize", s.handleAuthorize)
	r.Post("/tx/ack", s.handleTxAck)

	r.Route("/rebuild", func(r chi.Router) {
		r.Post("/{poolID}/start", s.handleStartRebuild)
		r.Get("/{jobID}", s.handleRebuildStatus)
	})

	r.Route("/discovery", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/heartbeat/{componentID}", s.handleHeartbeat)
		r.Delete("/unregister/{componentID}", s.handleUnregister)
		r.Get("/topology", s.handleTopology)
		r.Get("/peers/{type}", s.handlePeers)
	})

	r.Post("/cluster/bootstrap", s.handleBootstrap)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	logger := log.WithComponent("mdmapi")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("elapsed", elapsed).
			Msg("request handled")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondOK(w, map[string]string{"status": "ok"})
}
