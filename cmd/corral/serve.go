package main

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/corral-run/corral/pkg/config"
	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/friction"
	"github.com/corral-run/corral/pkg/journal"
	"github.com/corral-run/corral/pkg/kernel"
	"github.com/corral-run/corral/pkg/observability"
	"github.com/corral-run/corral/pkg/permission"
	"github.com/corral-run/corral/pkg/planner"
	"github.com/corral-run/corral/pkg/policy"
	"github.com/corral-run/corral/pkg/reputation"
	"github.com/corral-run/corral/pkg/scheduler"
	"github.com/corral-run/corral/pkg/swarm/consensus"
	"github.com/corral-run/corral/pkg/swarm/contract"
	"github.com/corral-run/corral/pkg/swarm/distribute"
	"github.com/corral-run/corral/pkg/swarm/escrow"
	"github.com/corral-run/corral/pkg/swarm/firebreak"
	"github.com/corral-run/corral/pkg/swarm/mesh"
	"github.com/corral-run/corral/pkg/swarm/monitor"
	"github.com/corral-run/corral/pkg/swarm/optimize"
	"github.com/corral-run/corral/pkg/swarm/redelegate"
	"github.com/corral-run/corral/pkg/tools"
)

func runServer() int {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node, err := buildNode(ctx, cfg, logger)
	if err != nil {
		logger.Error("node startup failed", "error", err)
		return 1
	}
	defer node.shutdown(logger)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: node.handler()}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("corral node listening", "node_id", node.nodeID, "port", cfg.Port, "swarm", cfg.SwarmEnabled)

	node.start(ctx, logger)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return 0
}

// node holds the assembled subsystems of one corral process.
type node struct {
	nodeID string
	self   contracts.PeerIdentity

	jr       *journal.Journal
	kern     *kernel.Kernel
	sched    *scheduler.Scheduler
	obs      *observability.Provider
	table    *mesh.Table
	client   *mesh.Client
	gossiper *mesh.Gossiper
	server   *mesh.Server

	rep        *reputation.Tracker
	dist       *distribute.Distributor
	contracts  *contract.Manager
	attestor   *contract.Attestor
	escrow     *escrow.Ledger
	consensus  *consensus.Engine
	cpStore    *monitor.CheckpointStore
	taskMon    *monitor.Monitor
	redelegate *redelegate.Monitor
	optimizer  *optimize.Loop
	firebreak  *firebreak.Firebreak
	friction   *friction.Engine

	mu           sync.Mutex
	taskSessions map[string]string // task_id -> session_id

	seeds        []string
	gossipEvery  time.Duration
	swarmEnabled bool
}

func buildNode(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}
	secret := []byte(cfg.NodeSecret)
	if len(secret) == 0 {
		// Ephemeral secret: contracts signed by this node do not survive a
		// restart. Set CORRAL_NODE_SECRET in any real deployment.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		logger.Warn("CORRAL_NODE_SECRET not set, using an ephemeral secret")
	}

	var prof *config.NodeProfile
	if cfg.Profile != "" {
		loaded, err := config.LoadProfile(cfg.ProfileDir, cfg.Profile)
		if err != nil {
			return nil, err
		}
		prof = loaded
		logger.Info("node profile loaded", "profile", prof.Name)
	}

	n := &node{
		nodeID:       nodeID,
		taskSessions: make(map[string]string),
		seeds:        cfg.SeedPeers,
		gossipEvery:  cfg.GossipEvery,
		swarmEnabled: cfg.SwarmEnabled,
	}
	n.self = contracts.PeerIdentity{
		NodeID:      nodeID,
		DisplayName: cfg.DisplayName,
		APIURL:      "http://localhost:" + cfg.Port,
	}

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTLPEndpoint != ""
	if cfg.OTLPEndpoint != "" {
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Warn("telemetry init failed, continuing without", "error", err)
	} else {
		n.obs = obs
	}

	jr, err := journal.Open(filepath.Join(cfg.DataDir, "journal.jsonl"), journal.Options{})
	if err != nil {
		return nil, err
	}
	n.jr = jr

	// kernel stack
	registry := tools.NewRegistry()
	profile := &policy.Profile{AllowedPaths: []string{cfg.DataDir}, WritablePaths: []string{cfg.DataDir}}
	runtime := tools.NewRuntime(registry, jr, profile)
	perm := permission.NewEngine(nil, jr)
	kernCfg := kernel.DefaultConfig()
	kernCfg.Obs = n.obs
	kern, err := kernel.New(jr, runtime, registry, planner.NewScripted(), perm, kernCfg)
	if err != nil {
		return nil, err
	}
	n.kern = kern

	sched, err := scheduler.New(
		scheduler.NewStore(filepath.Join(cfg.DataDir, "schedules.jsonl")),
		func(_ context.Context, req scheduler.SessionRequest) (string, error) {
			sess := kern.CreateSession(req.TaskText, req.Mode, contracts.SessionLimits{})
			go func() {
				if err := kern.Run(context.Background(), sess.SessionID); err != nil {
					logger.Warn("scheduled session failed", "session_id", sess.SessionID, "error", err)
				}
			}()
			return sess.SessionID, nil
		},
		jr,
	)
	if err != nil {
		return nil, err
	}
	n.sched = sched

	// swarm stack
	n.table = mesh.NewTable(meshTimeouts(prof))
	clientCfg := mesh.ClientConfig{Timeout: 10 * time.Second, BearerToken: cfg.BearerToken}
	if prof != nil {
		clientCfg.HostPolicy = prof.IsAllowed
	}
	n.client = mesh.NewClient(clientCfg)
	n.rep, err = reputation.Open(filepath.Join(cfg.DataDir, "reputation.jsonl"), reputation.DefaultConfig())
	if err != nil {
		return nil, err
	}
	n.dist = distribute.New(n.table, n.client, n.rep, selectionOptions(prof)...)
	n.contracts, err = contract.NewManager(secret)
	if err != nil {
		return nil, err
	}
	n.attestor, err = contract.NewAttestor(secret)
	if err != nil {
		return nil, err
	}
	n.escrow, err = escrow.Open(filepath.Join(cfg.DataDir, "escrow.jsonl"))
	if err != nil {
		return nil, err
	}
	n.consensus = consensus.New()
	n.cpStore, err = monitor.OpenCheckpointStore(filepath.Join(cfg.DataDir, "checkpoints.db"))
	if err != nil {
		return nil, err
	}
	n.redelegate = redelegate.New(redelegate.DefaultConfig())
	n.optimizer = optimize.New(n.dist, optimize.DefaultConfig())
	n.firebreak = firebreak.New(firebreakConfig(prof))
	n.friction = friction.New(frictionConfig(prof))

	n.taskMon = monitor.New(n.client, n.cpStore, monitor.Callbacks{
		OnCheckpointsMissed: func(taskID, peerNodeID string) {
			n.optimizer.RecordMiss(taskID, peerNodeID)
		},
		OnTerminal: func(taskID string, state contracts.TaskState) {
			n.optimizer.ClearMisses(taskID)
		},
	})

	n.gossiper = mesh.NewGossiper(n.self, n.table, n.client, mesh.GossiperConfig{})
	n.server = mesh.NewServer(mesh.ServerConfig{
		Self:      n.self,
		Table:     n.table,
		Events:    jr,
		Hooks:     n.hooks(logger),
		Auth:      mesh.AuthConfig{BearerToken: cfg.BearerToken, JWTSecret: []byte(cfg.JWTSecret)},
		RateLimit: 50,
		RateBurst: 100,
		Logger:    logger,
		Obs:       n.obs,
	})
	return n, nil
}

// hooks binds the delegation routes to the node's subsystems.
func (n *node) hooks(logger *slog.Logger) mesh.Hooks {
	return mesh.Hooks{
		AcceptTask: func(ctx context.Context, req contracts.SwarmTaskRequest) error {
			if len(req.Attestations) > 0 {
				if err := n.attestor.Verify(req.Attestations); err != nil {
					return err
				}
			}
			var slo *contracts.ContractSLO
			if req.Contract != nil {
				slo = &req.Contract.SLO
			}
			if d := n.firebreak.Check(req.ChainDepth, nil, slo); d.Verdict != firebreak.Allow {
				return contracts.NewError(contracts.CodePermissionDenied,
					"delegation chain depth %d exceeds cap %d", req.ChainDepth, d.EffectiveMaxDepth)
			}
			if a := n.friction.Evaluate(friction.Signals{
				DepthRatio:   float64(req.ChainDepth) / 10,
				TrustDeficit: 1 - n.rep.Trust(req.OriginatorNodeID),
			}); a.Level == friction.LevelMandatoryHuman {
				return contracts.NewError(contracts.CodePermissionDenied,
					"task requires human review before acceptance")
			}

			sess := n.kern.CreateSession(req.TaskText, contracts.ModeReal, contracts.SessionLimits{})
			n.mu.Lock()
			n.taskSessions[req.TaskID] = sess.SessionID
			n.mu.Unlock()
			_ = n.cpStore.Record(contracts.Checkpoint{
				TaskID:     req.TaskID,
				NodeID:     n.nodeID,
				State:      contracts.TaskRunning,
				RecordedAt: time.Now(),
			})
			go func() {
				state := contracts.TaskCompleted
				if err := n.kern.Run(context.Background(), sess.SessionID); err != nil {
					state = contracts.TaskFailed
				}
				_ = n.cpStore.Record(contracts.Checkpoint{
					TaskID:      req.TaskID,
					NodeID:      n.nodeID,
					State:       state,
					ProgressPct: 100,
					RecordedAt:  time.Now(),
				})
			}()
			return nil
		},
		AcceptResult: func(ctx context.Context, res contracts.SwarmTaskResult) error {
			n.dist.Close(res.TaskID)
			n.taskMon.Stop(res.TaskID)
			n.redelegate.Untrack(res.TaskID)
			score := 0.0
			if res.State == contracts.TaskCompleted {
				score = 1.0
			}
			return n.rep.RecordOutcome(reputation.Outcome{
				NodeID:       res.NodeID,
				TaskID:       res.TaskID,
				Success:      res.State == contracts.TaskCompleted,
				OutcomeScore: score,
				CostUSD:      res.CostUSD,
				DurationMs:   res.DurationMs,
			})
		},
		TaskStatus: func(taskID string) (contracts.Checkpoint, bool) {
			cp, ok, err := n.cpStore.Latest(taskID)
			return cp, ok && err == nil
		},
		CancelTask: func(ctx context.Context, taskID string) error {
			n.mu.Lock()
			sessionID, ok := n.taskSessions[taskID]
			n.mu.Unlock()
			if !ok {
				return contracts.NewError(contracts.CodeInvalidInput, "unknown task %s", taskID)
			}
			n.kern.Abort(sessionID, "cancelled by originator")
			return nil
		},
		Checkpoints: func(taskID string) []contracts.Checkpoint {
			cps, err := n.cpStore.List(taskID)
			if err != nil {
				logger.Warn("checkpoint list failed", "task_id", taskID, "error", err)
				return nil
			}
			return cps
		},
		CreateConsensus: func(taskID string, requiredVoters int, requiredAgreement float64, _ time.Duration) (any, error) {
			return n.consensus.CreateRound(taskID, requiredVoters, requiredAgreement)
		},
		Vote: func(taskID, voterNodeID, resultHash string, outcomeScore float64) (any, error) {
			round, ok := n.openRoundFor(taskID)
			if !ok {
				return nil, contracts.NewError(contracts.CodeInvalidInput, "no open consensus round for task %s", taskID)
			}
			return n.consensus.Vote(round, voterNodeID, contracts.ConsensusVote{
				ResultHash:   resultHash,
				OutcomeScore: outcomeScore,
			})
		},
		Renegotiate: func(contractID, requestedBy, reason string, proposed contracts.ContractSLO) (any, error) {
			if err := n.contracts.RequestRenegotiation(contractID, requestedBy, reason, proposed); err != nil {
				return nil, err
			}
			c, _ := n.contracts.Get(contractID)
			return c, nil
		},
		Deposit: func(nodeID string, amount float64) (any, error) {
			if err := n.escrow.Deposit(nodeID, amount); err != nil {
				return nil, err
			}
			acct, _ := n.escrow.Account(nodeID)
			return acct, nil
		},
	}
}

func (n *node) openRoundFor(taskID string) (string, bool) {
	for _, round := range n.consensus.List() {
		if round.TaskID == taskID && !round.Status.Terminal() {
			return round.RoundID, true
		}
	}
	return "", false
}

func (n *node) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/plugins/swarm/", n.server.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","node_id":"` + n.nodeID + `"}`))
	})
	return mux
}

// start launches the background loops: scheduler, gossip, and the
// re-delegation optimizer.
func (n *node) start(ctx context.Context, logger *slog.Logger) {
	n.sched.Start(ctx)

	if !n.swarmEnabled {
		return
	}
	for _, seed := range n.seeds {
		if resp := n.client.JoinMesh(ctx, seed, n.self); !resp.OK {
			logger.Warn("seed join failed", "seed", seed, "error", resp.Error)
		}
	}
	go n.gossiper.Run(ctx, n.gossipEvery)
	go n.optimizer.Run(ctx, time.Minute, func(d optimize.Decision) {
		switch d.Kind {
		case optimize.Redelegate:
			if n.dist.Reassign(d.TaskID, d.Alternative, 0) {
				n.redelegate.RecordRedelegation(d.TaskID, d.Alternative)
				logger.Info("task redelegated", "task_id", d.TaskID,
					"from", d.CurrentPeer, "to", d.Alternative, "drift", d.Drift)
			}
		case optimize.Escalate:
			_, _ = n.jr.Emit("", "swarm.escalation", map[string]any{
				"task_id": d.TaskID,
				"peer":    d.CurrentPeer,
				"reason":  d.Reason,
			})
		}
	})
}

func (n *node) shutdown(logger *slog.Logger) {
	n.sched.Stop()
	n.taskMon.StopAll()
	if n.cpStore != nil {
		if err := n.cpStore.Close(); err != nil {
			logger.Warn("checkpoint store close failed", "error", err)
		}
	}
	if n.jr != nil {
		if err := n.jr.Close(); err != nil {
			logger.Warn("journal close failed", "error", err)
		}
	}
	if n.obs != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.obs.Shutdown(shutdownCtx)
	}
}
