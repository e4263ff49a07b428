package mesh

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/journal"
	"github.com/corral-run/corral/pkg/observability"
)

// EventSource feeds the SSE stream. *journal.Journal satisfies it.
type EventSource interface {
	Subscribe(sessionID string) *journal.Subscription
}

// Hooks are the host-side callbacks behind the delegation routes. The mesh
// server owns only the peer table; tasks, consensus, contracts, and escrow
// are wired in by the node binary.
type Hooks struct {
	AcceptTask      func(ctx context.Context, req contracts.SwarmTaskRequest) error
	AcceptResult    func(ctx context.Context, res contracts.SwarmTaskResult) error
	TaskStatus      func(taskID string) (contracts.Checkpoint, bool)
	CancelTask      func(ctx context.Context, taskID string) error
	Checkpoints     func(taskID string) []contracts.Checkpoint
	CreateConsensus func(taskID string, requiredVoters int, requiredAgreement float64, expiresIn time.Duration) (any, error)
	Vote            func(taskID, voterNodeID, resultHash string, outcomeScore float64) (any, error)
	Renegotiate     func(contractID, requestedBy, reason string, proposed contracts.ContractSLO) (any, error)
	Deposit         func(nodeID string, amount float64) (any, error)
}

// AuthConfig enables inbound auth. With both fields empty the server is
// open; otherwise a request must carry a bearer token that either matches
// BearerToken or verifies as an HMAC-signed JWT under JWTSecret.
type AuthConfig struct {
	BearerToken string
	JWTSecret   []byte
}

func (a AuthConfig) enabled() bool {
	return a.BearerToken != "" || len(a.JWTSecret) > 0
}

// ServerConfig assembles the mesh server.
type ServerConfig struct {
	Self      contracts.PeerIdentity
	Table     *Table
	Events    EventSource
	Hooks     Hooks
	Auth      AuthConfig
	RateLimit rate.Limit // requests per second, 0 = unlimited
	RateBurst int
	Logger    *slog.Logger
	// Obs instruments the delegation routes; nil disables tracking.
	Obs *observability.Provider
}

// Server exposes the swarm surface under /plugins/swarm/.
type Server struct {
	self    contracts.PeerIdentity
	table   *Table
	events  EventSource
	hooks   Hooks
	auth    AuthConfig
	limiter *rate.Limiter
	logger  *slog.Logger
	obs     *observability.Provider
	clock   func() time.Time
}

// NewServer builds the server; Handler returns its routed http.Handler.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		self:   cfg.Self,
		table:  cfg.Table,
		events: cfg.Events,
		hooks:  cfg.Hooks,
		auth:   cfg.Auth,
		logger: cfg.Logger,
		obs:    cfg.Obs,
		clock:  time.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return s
}

// Handler routes the full swarm surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	p := routePrefix

	mux.HandleFunc("GET "+p+"/identity", s.handleIdentity)
	mux.HandleFunc("GET "+p+"/peers", s.handlePeers)
	mux.HandleFunc("POST "+p+"/join", s.handleJoin)
	mux.HandleFunc("POST "+p+"/leave", s.handleLeave)
	mux.HandleFunc("POST "+p+"/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("POST "+p+"/gossip", s.handleGossip)
	mux.HandleFunc("POST "+p+"/task", s.handleTask)
	mux.HandleFunc("POST "+p+"/result", s.handleResult)
	mux.HandleFunc("GET "+p+"/task/{taskID}/status", s.handleTaskStatus)
	mux.HandleFunc("POST "+p+"/task/{taskID}/cancel", s.handleTaskCancel)
	mux.HandleFunc("GET "+p+"/task/{taskID}/checkpoints", s.handleCheckpoints)
	mux.HandleFunc("GET "+p+"/events", s.handleEvents)
	mux.HandleFunc("POST "+p+"/verify/{taskID}/consensus", s.handleConsensus)
	mux.HandleFunc("POST "+p+"/verify/{taskID}/vote", s.handleVote)
	mux.HandleFunc("POST "+p+"/contracts/{contractID}/renegotiate", s.handleRenegotiate)
	mux.HandleFunc("POST "+p+"/escrow/deposit", s.handleDeposit)

	return s.middleware(mux)
}

func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		if s.auth.enabled() && !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return false
	}
	if s.auth.BearerToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(s.auth.BearerToken)) == 1 {
		return true
	}
	if len(s.auth.JWTSecret) > 0 {
		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.auth.JWTSecret, nil
		})
		return err == nil && parsed.Valid
	}
	return false
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.self)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	status := contracts.PeerStatus(r.URL.Query().Get("status"))
	var peers []contracts.PeerEntry
	if status != "" {
		peers = s.table.List(status)
	} else {
		peers = s.table.List()
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identity contracts.PeerIdentity `json:"identity"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	if body.Identity.NodeID == "" || body.Identity.APIURL == "" {
		writeError(w, http.StatusBadRequest, "identity requires node_id and api_url")
		return
	}
	entry := s.table.Join(body.Identity)
	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "peer": entry, "self": s.self})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID string `json:"node_id"`
		Reason string `json:"reason,omitempty"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	known := s.table.Leave(body.NodeID)
	writeJSON(w, http.StatusOK, map[string]any{"known": known})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb contracts.Heartbeat
	if !readJSON(w, r, &hb) {
		return
	}
	latency := int64(0)
	if !hb.Timestamp.IsZero() {
		latency = s.clock().Sub(hb.Timestamp).Milliseconds()
	}
	known := s.table.Heartbeat(hb.NodeID, latency)
	writeJSON(w, http.StatusOK, map[string]any{"known": known})
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SenderNodeID string                `json:"sender_node_id"`
		Peers        []contracts.PeerEntry `json:"peers"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	s.table.Merge(body.Peers)
	writeJSON(w, http.StatusOK, map[string]any{"merged": len(body.Peers)})
}

// track wraps one delegation operation in a span plus RED metrics. With no
// provider configured it is a no-op.
func (s *Server) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if s.obs == nil {
		return ctx, func(error) {}
	}
	return s.obs.TrackOperation(ctx, name, attrs...)
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if s.hooks.AcceptTask == nil {
		writeError(w, http.StatusNotImplemented, "task acceptance is not configured")
		return
	}
	var req contracts.SwarmTaskRequest
	if !readJSON(w, r, &req) {
		return
	}
	ctx, done := s.track(r.Context(), "swarm.task.accept",
		observability.AttrTaskID.String(req.TaskID),
		observability.AttrPeerNodeID.String(req.OriginatorNodeID),
		observability.AttrChainDepth.Int(req.ChainDepth))
	err := s.hooks.AcceptTask(ctx, req)
	done(err)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"accepted": true, "task_id": req.TaskID})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if s.hooks.AcceptResult == nil {
		writeError(w, http.StatusNotImplemented, "result acceptance is not configured")
		return
	}
	var res contracts.SwarmTaskResult
	if !readJSON(w, r, &res) {
		return
	}
	ctx, done := s.track(r.Context(), "swarm.result.accept",
		observability.AttrTaskID.String(res.TaskID),
		observability.AttrPeerNodeID.String(res.NodeID))
	err := s.hooks.AcceptResult(ctx, res)
	done(err)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if s.hooks.TaskStatus == nil {
		writeError(w, http.StatusNotImplemented, "task status is not configured")
		return
	}
	taskID := r.PathValue("taskID")
	cp, ok := s.hooks.TaskStatus(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "task "+taskID+" not found")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if s.hooks.CancelTask == nil {
		writeError(w, http.StatusNotImplemented, "task cancel is not configured")
		return
	}
	if err := s.hooks.CancelTask(r.Context(), r.PathValue("taskID")); err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Checkpoints == nil {
		writeError(w, http.StatusNotImplemented, "checkpoints are not configured")
		return
	}
	cps := s.hooks.Checkpoints(r.PathValue("taskID"))
	if cps == nil {
		cps = []contracts.Checkpoint{}
	}
	writeJSON(w, http.StatusOK, cps)
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	if s.hooks.CreateConsensus == nil {
		writeError(w, http.StatusNotImplemented, "consensus is not configured")
		return
	}
	var body struct {
		RequiredVoters    int     `json:"required_voters"`
		RequiredAgreement float64 `json:"required_agreement"`
		ExpiresInMs       int64   `json:"expires_in_ms"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	taskID := r.PathValue("taskID")
	_, done := s.track(r.Context(), "swarm.consensus.create",
		observability.AttrTaskID.String(taskID))
	out, err := s.hooks.CreateConsensus(taskID,
		body.RequiredVoters, body.RequiredAgreement, time.Duration(body.ExpiresInMs)*time.Millisecond)
	done(err)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Vote == nil {
		writeError(w, http.StatusNotImplemented, "consensus is not configured")
		return
	}
	var body struct {
		VoterNodeID  string  `json:"voter_node_id"`
		ResultHash   string  `json:"result_hash"`
		OutcomeScore float64 `json:"outcome_score"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	taskID := r.PathValue("taskID")
	_, done := s.track(r.Context(), "swarm.consensus.vote",
		observability.AttrTaskID.String(taskID),
		observability.AttrPeerNodeID.String(body.VoterNodeID))
	out, err := s.hooks.Vote(taskID, body.VoterNodeID, body.ResultHash, body.OutcomeScore)
	done(err)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRenegotiate(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Renegotiate == nil {
		writeError(w, http.StatusNotImplemented, "contracts are not configured")
		return
	}
	var body struct {
		RequestedBy string               `json:"requested_by"`
		Reason      string               `json:"reason,omitempty"`
		Proposed    contracts.ContractSLO `json:"proposed"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	out, err := s.hooks.Renegotiate(r.PathValue("contractID"), body.RequestedBy, body.Reason, body.Proposed)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if s.hooks.Deposit == nil {
		writeError(w, http.StatusNotImplemented, "escrow is not configured")
		return
	}
	var body struct {
		NodeID string  `json:"node_id"`
		Amount float64 `json:"amount"`
	}
	if !readJSON(w, r, &body) {
		return
	}
	_, done := s.track(r.Context(), "swarm.escrow.deposit",
		observability.AttrPeerNodeID.String(body.NodeID))
	out, err := s.hooks.Deposit(body.NodeID, body.Amount)
	done(err)
	if err != nil {
		writeCodedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleEvents streams journal events as SSE, filtered by task_id,
// peer_node_id, types (comma-separated), and level query parameters.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "event stream is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	q := r.URL.Query()
	filter := eventFilter{
		taskID:     q.Get("task_id"),
		peerNodeID: q.Get("peer_node_id"),
		level:      q.Get("level"),
	}
	if raw := q.Get("types"); raw != "" {
		filter.types = make(map[string]struct{})
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.types[t] = struct{}{}
			}
		}
	}

	sub := s.events.Subscribe("")
	defer sub.Unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !filter.matches(ev) {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

type eventFilter struct {
	taskID     string
	peerNodeID string
	level      string
	types      map[string]struct{}
}

func (f eventFilter) matches(ev contracts.JournalEvent) bool {
	if f.types != nil {
		if _, ok := f.types[ev.Type]; !ok {
			return false
		}
	}
	if f.taskID != "" && payloadString(ev, "task_id") != f.taskID {
		return false
	}
	if f.peerNodeID != "" && payloadString(ev, "peer_node_id") != f.peerNodeID {
		return false
	}
	if f.level != "" && payloadString(ev, "level") != f.level {
		return false
	}
	return true
}

func payloadString(ev contracts.JournalEvent, key string) string {
	if ev.Payload == nil {
		return ""
	}
	s, _ := ev.Payload[key].(string)
	return s
}

func readJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "status": status, "error": msg})
}

// writeCodedError maps stable error codes onto HTTP statuses.
func writeCodedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch contracts.CodeOf(err) {
	case contracts.CodeInvalidInput:
		status = http.StatusBadRequest
	case contracts.CodePermissionDenied, contracts.CodePolicyViolation:
		status = http.StatusForbidden
	case contracts.CodeToolNotFound, contracts.CodeScheduleNotFound:
		status = http.StatusNotFound
	case contracts.CodeTimeout:
		status = http.StatusRequestTimeout
	case contracts.CodeSwarmAttestationInvalid, contracts.CodeSwarmContractViolated:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{"ok": false, "status": status, "error": err.Error(),
		"code": contracts.CodeOf(err)})
}
