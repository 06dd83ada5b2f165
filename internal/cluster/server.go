// =============================================================================
// REPLICATION SERVER - HTTP ENDPOINTS FOR PEERS, CONTROLLER AND CLIENTS
// =============================================================================
//
// WHAT: The broker's HTTP/JSON surface:
//
//   POST /replication/fetch       follower and consumer fetches
//   POST /replication/produce     producer appends
//   POST /admin/leader-and-isr    controller leadership decisions
//   POST /admin/stop-replica      controller replica removal
//   POST /admin/update-metadata   controller metadata refresh
//   GET  /health                  liveness probe
//
// Delayed semantics: fetch and acks=all produce handlers park on a channel
// fed by the replica manager's completion callback, so the HTTP goroutine
// observes the delayed operation's outcome without polling.
//
// =============================================================================

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"logbroker/internal/storage"
)

// ReplicationServer serves the broker's HTTP surface.
type ReplicationServer struct {
	rm     *ReplicaManager
	router *chi.Mux
	server *http.Server
	logger *slog.Logger
}

// NewReplicationServer builds the server and its routes.
func NewReplicationServer(rm *ReplicaManager, addr string, logger *slog.Logger) *ReplicationServer {
	s := &ReplicationServer{
		rm:     rm,
		logger: logger.With("component", "replication-server"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/replication", func(r chi.Router) {
		r.Post("/fetch", s.handleFetch)
		r.Post("/produce", s.handleProduce)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Post("/leader-and-isr", s.handleLeaderAndIsr)
		r.Post("/stop-replica", s.handleStopReplica)
		r.Post("/update-metadata", s.handleUpdateMetadata)
	})

	s.router = r
	s.server = &http.Server{Addr: addr, Handler: r}
	return s
}

// Router exposes the mux for tests.
func (s *ReplicationServer) Router() http.Handler { return s.router }

// Start begins serving. Non-blocking.
func (s *ReplicationServer) Start() {
	go func() {
		s.logger.Info("replication server started", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("replication server failed", "error", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *ReplicationServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *ReplicationServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *ReplicationServer) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req FetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid fetch request body")
		return
	}

	done := make(chan []FetchPartitionResponse, 1)
	s.rm.FetchMessages(req.MaxWaitMs, req.ReplicaID, req.MinBytes, req.Partitions,
		func(responses []FetchPartitionResponse) {
			done <- responses
		})

	select {
	case responses := <-done:
		s.writeJSON(w, &FetchResponse{Partitions: responses})
	case <-r.Context().Done():
		// Client gone; the delayed operation still completes on its own.
	}
}

func (s *ReplicationServer) handleProduce(w http.ResponseWriter, r *http.Request) {
	var req ProduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid produce request body")
		return
	}

	entries := make(map[TopicPartition][]storage.Record, len(req.Partitions))
	for _, pp := range req.Partitions {
		tp := TopicPartition{Topic: pp.Topic, Partition: pp.Partition}
		entries[tp] = append(entries[tp], pp.Records...)
	}

	if req.RequiredAcks == AckNone {
		// Fire and forget: the appends run before the reply, but the
		// per-partition results are discarded and an empty map is returned.
		s.rm.AppendMessages(req.TimeoutMs, req.RequiredAcks, false, entries,
			func(map[string]ProducePartitionResponse) {})
		s.writeJSON(w, &ProduceResponse{Partitions: map[string]ProducePartitionResponse{}})
		return
	}

	done := make(chan map[string]ProducePartitionResponse, 1)
	s.rm.AppendMessages(req.TimeoutMs, req.RequiredAcks, false, entries,
		func(responses map[string]ProducePartitionResponse) {
			done <- responses
		})

	select {
	case responses := <-done:
		s.writeJSON(w, &ProduceResponse{Partitions: responses})
	case <-r.Context().Done():
	}
}

func (s *ReplicationServer) handleLeaderAndIsr(w http.ResponseWriter, r *http.Request) {
	var req LeaderAndIsrRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid leader-and-isr request body")
		return
	}
	s.writeJSON(w, s.rm.BecomeLeaderOrFollower(&req, nil))
}

func (s *ReplicationServer) handleStopReplica(w http.ResponseWriter, r *http.Request) {
	var req StopReplicaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid stop-replica request body")
		return
	}
	s.writeJSON(w, s.rm.StopReplicas(&req))
}

func (s *ReplicationServer) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	var req UpdateMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid update-metadata request body")
		return
	}
	s.writeJSON(w, s.rm.UpdateMetadata(&req))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func (s *ReplicationServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response failed", "error", err)
	}
}

func (s *ReplicationServer) badRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
