// Package api exposes one raftdb node's key/value surface and status over
// HTTP, the same thin-JSON shape the teacher's pkg/api used to wrap its
// node and store directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/raftkv/raftdb/pkg/raft"
)

// Server wraps one raftdb node's Raft engine in an HTTP handler. Unlike
// the teacher's handler, it never rejects a write on a non-leader node:
// pkg/raft forwards writes and lease-confirmed reads to the leader
// internally, so every node in the cluster answers every request.
type Server struct {
	node    *raft.Raft
	mux     *http.ServeMux
	logger  *log.Logger
	timeout time.Duration
}

// NewServer builds the HTTP surface for node, registering /kv/, /scan/,
// /cluster/nodes, and /status. A nil logger defaults to log.Default().
func NewServer(node *raft.Raft, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{node: node, mux: http.NewServeMux(), logger: logger, timeout: 5 * time.Second}
	s.mux.HandleFunc("/kv/", s.handleKV)
	s.mux.HandleFunc("/scan/", s.handleScan)
	s.mux.HandleFunc("/status", s.handleStatus)
	s.mux.HandleFunc("/cluster/nodes", s.handleClusterNodes)
	s.mux.HandleFunc("/cluster/nodes/", s.handleClusterNodeByID)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// SetTimeout overrides the per-request Commit deadline (default 5s).
func (s *Server) SetTimeout(d time.Duration) { s.timeout = d }

type kvResponse struct {
	Key   string `json:"key"`
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

type writeRequest struct {
	Value string `json:"value"`
}

type errorResponse struct {
	Error    string `json:"error"`
	LeaderID string `json:"leader_id,omitempty"`
}

func (s *Server) consistencyFor(r *http.Request) raft.Consistency {
	if r.URL.Query().Get("consistency") == "eventual" {
		return raft.Eventual
	}
	return raft.Linearizable
}

func (s *Server) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r, key)
	case http.MethodPut, http.MethodPost:
		s.handlePut(w, r, key)
	case http.MethodDelete:
		s.handleDelete(w, r, key)
	default:
		w.Header().Set("Allow", "GET, PUT, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	tx, err := s.node.Begin(s.consistencyFor(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	val, found, err := tx.Get([]byte(key))
	if err != nil {
		tx.Rollback()
		s.writeErr(w, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, kvResponse{Key: key, Value: string(val), Found: found})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	var req writeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	tx, err := s.node.Begin(raft.Linearizable)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := tx.Put([]byte(key), []byte(req.Value)); err != nil {
		tx.Rollback()
		s.writeErr(w, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, kvResponse{Key: key, Value: req.Value, Found: true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, key string) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	tx, err := s.node.Begin(raft.Linearizable)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := tx.Delete([]byte(key)); err != nil {
		tx.Rollback()
		s.writeErr(w, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleScan answers /scan/{prefix} with every key/value pair under it,
// read as a single ranged read for conflict-detection purposes.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	prefix := strings.TrimPrefix(r.URL.Path, "/scan/")

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	tx, err := s.node.Begin(s.consistencyFor(r))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	results := make([]kvResponse, 0)
	if err := tx.ScanPrefix([]byte(prefix), func(key, value []byte) bool {
		results = append(results, kvResponse{Key: string(key), Value: string(value), Found: true})
		return true
	}); err != nil {
		tx.Rollback()
		s.writeErr(w, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.writeErr(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, results)
}

type statusResponse struct {
	ID          string `json:"id"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	LeaderID    string `json:"leader_id"`
	CommitIndex uint64 `json:"commit_index"`
}

func roleString(r raft.Role) string {
	switch r {
	case raft.RoleLeader:
		return "leader"
	case raft.RoleCandidate:
		return "candidate"
	default:
		return "follower"
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		ID:          s.node.ID(),
		Role:        roleString(s.node.GetRole()),
		Term:        s.node.GetTerm(),
		LeaderID:    s.node.GetLeaderID(),
		CommitIndex: s.node.GetCommitIndex(),
	})
}

type clusterNodeRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"`
}

func (s *Server) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req clusterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" || req.Address == "" {
		http.Error(w, "node_id and address are required", http.StatusBadRequest)
		return
	}
	s.applyConfigChange(w, r, &raft.ConfigChange{Type: raft.ConfigAddNode, NodeID: req.NodeID, Address: req.Address})
}

func (s *Server) handleClusterNodeByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", "DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	nodeID := strings.TrimPrefix(r.URL.Path, "/cluster/nodes/")
	if nodeID == "" {
		http.Error(w, "missing node id", http.StatusBadRequest)
		return
	}
	s.applyConfigChange(w, r, &raft.ConfigChange{Type: raft.ConfigRemoveNode, NodeID: nodeID})
}

func (s *Server) applyConfigChange(w http.ResponseWriter, r *http.Request, cc *raft.ConfigChange) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	tx, err := s.node.Begin(raft.Linearizable)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if err := tx.SetConfigChange(cc); err != nil {
		tx.Rollback()
		s.writeErr(w, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("api: encode response: %v", err)
	}
}

// writeErr maps a pkg/raft sentinel error to an HTTP status, carrying the
// last known leader id as a hint for a client that wants to cache it.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error(), LeaderID: s.node.GetLeaderID()}
	switch {
	case errors.Is(err, raft.ErrNotLeader), errors.Is(err, raft.ErrNoLeader), errors.Is(err, raft.ErrNodeStopped):
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
	case errors.Is(err, raft.ErrRetryTransaction), errors.Is(err, raft.ErrStaleTransaction):
		s.writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, raft.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		s.writeJSON(w, http.StatusGatewayTimeout, resp)
	default:
		s.writeJSON(w, http.StatusInternalServerError, resp)
	}
}
