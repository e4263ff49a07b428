package mesh

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/journal"
	"github.com/corral-run/corral/pkg/observability"
)

func newTestServer(t *testing.T, cfg ServerConfig) *httptest.Server {
	t.Helper()
	if cfg.Self.NodeID == "" {
		cfg.Self = contracts.PeerIdentity{NodeID: "self", APIURL: "https://self.example.com"}
	}
	if cfg.Table == nil {
		cfg.Table = NewTable(DefaultTimeouts())
	}
	srv := httptest.NewServer(NewServer(cfg).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(raw)))
	require.NoError(t, err)
	return resp
}

func TestJoinHeartbeatPeersFlow(t *testing.T) {
	table := NewTable(DefaultTimeouts())
	srv := newTestServer(t, ServerConfig{Table: table})

	resp := postJSON(t, srv.URL+"/plugins/swarm/join",
		map[string]any{"identity": identity("node-a")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/plugins/swarm/heartbeat", contracts.Heartbeat{
		NodeID: "node-a", Timestamp: time.Now(), ActiveSessions: 2, Load: 0.4,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hbOut map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hbOut))
	resp.Body.Close()
	assert.Equal(t, true, hbOut["known"])

	get, err := http.Get(srv.URL + "/plugins/swarm/peers?status=active")
	require.NoError(t, err)
	defer get.Body.Close()
	var peers []contracts.PeerEntry
	require.NoError(t, json.NewDecoder(get.Body).Decode(&peers))
	require.Len(t, peers, 1)
	assert.Equal(t, "node-a", peers[0].Identity.NodeID)
}

func TestJoinRejectsIncompleteIdentity(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})
	resp := postJSON(t, srv.URL+"/plugins/swarm/join",
		map[string]any{"identity": map[string]any{"node_id": "x"}})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t, ServerConfig{Auth: AuthConfig{BearerToken: "sekrit"}})

	resp, err := http.Get(srv.URL + "/plugins/swarm/identity")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/plugins/swarm/identity", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJWTAuth(t *testing.T) {
	secret := []byte("node-shared-secret")
	srv := newTestServer(t, ServerConfig{Auth: AuthConfig{JWTSecret: secret}})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "node-b", "exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString(secret)
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/plugins/swarm/identity", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).
		SignedString([]byte("other-secret"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bad)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, ServerConfig{RateLimit: rate.Limit(1), RateBurst: 2})

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp, err := http.Get(srv.URL + "/plugins/swarm/identity")
		require.NoError(t, err)
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}
	assert.Contains(t, statuses, http.StatusTooManyRequests)
	assert.Equal(t, http.StatusOK, statuses[0])
}

func TestTaskHooksAndStatusRoutes(t *testing.T) {
	accepted := make(chan contracts.SwarmTaskRequest, 1)
	hooks := Hooks{
		AcceptTask: func(ctx context.Context, req contracts.SwarmTaskRequest) error {
			accepted <- req
			return nil
		},
		TaskStatus: func(taskID string) (contracts.Checkpoint, bool) {
			if taskID != "task one" {
				return contracts.Checkpoint{}, false
			}
			return contracts.Checkpoint{TaskID: taskID, State: contracts.TaskRunning, ProgressPct: 40}, true
		},
	}
	srv := newTestServer(t, ServerConfig{Hooks: hooks})

	resp := postJSON(t, srv.URL+"/plugins/swarm/task",
		contracts.SwarmTaskRequest{TaskID: "task one", TaskText: "do it"})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	req := <-accepted
	assert.Equal(t, "task one", req.TaskID)

	// path params round-trip URL encoding
	client := NewClient(ClientConfig{AllowPrivate: true})
	cp, cr := client.TaskStatus(context.Background(), srv.URL, "task one")
	require.True(t, cr.OK, cr.Error)
	assert.Equal(t, contracts.TaskRunning, cp.State)
	assert.InDelta(t, 40, cp.ProgressPct, 0.001)

	_, cr = client.TaskStatus(context.Background(), srv.URL, "missing")
	assert.False(t, cr.OK)
	assert.Equal(t, http.StatusNotFound, cr.Status)
}

func TestInstrumentedRoutesWorkWithProvider(t *testing.T) {
	obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	require.NoError(t, err)
	t.Cleanup(func() { obs.Shutdown(context.Background()) })

	hooks := Hooks{
		AcceptTask: func(ctx context.Context, req contracts.SwarmTaskRequest) error {
			require.NotNil(t, ctx)
			return nil
		},
		AcceptResult: func(ctx context.Context, res contracts.SwarmTaskResult) error { return nil },
		Deposit: func(nodeID string, amount float64) (any, error) {
			return map[string]any{"balance": amount}, nil
		},
	}
	srv := newTestServer(t, ServerConfig{Hooks: hooks, Obs: obs})

	resp := postJSON(t, srv.URL+"/plugins/swarm/task",
		contracts.SwarmTaskRequest{TaskID: "t1", TaskText: "work"})
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/plugins/swarm/result",
		contracts.SwarmTaskResult{TaskID: "t1", NodeID: "peer-a", State: contracts.TaskCompleted})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, srv.URL+"/plugins/swarm/escrow/deposit",
		map[string]any{"node_id": "peer-a", "amount": 5.0})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientTimeoutMapsTo408(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer slow.Close()

	client := NewClient(ClientConfig{Timeout: 50 * time.Millisecond, AllowPrivate: true})
	resp := client.SendHeartbeat(context.Background(), slow.URL, contracts.Heartbeat{NodeID: "n"})
	assert.False(t, resp.OK)
	assert.Equal(t, http.StatusRequestTimeout, resp.Status)
	assert.Equal(t, "timed out", resp.Error)
}

func TestClientBlocksSSRFTargets(t *testing.T) {
	client := NewClient(ClientConfig{})
	resp := client.SendHeartbeat(context.Background(), "http://169.254.169.254", contracts.Heartbeat{})
	assert.False(t, resp.OK)
	assert.Equal(t, http.StatusForbidden, resp.Status)
}

func TestClientHostPolicyBlocksOutbound(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{
		AllowPrivate: true,
		HostPolicy:   func(string) bool { return false },
	})
	resp := client.SendHeartbeat(context.Background(), srv.URL, contracts.Heartbeat{NodeID: "n"})
	assert.False(t, resp.OK)
	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Contains(t, resp.Error, "networking policy")
	assert.False(t, hit, "blocked request must never reach the peer")
}

func TestClientHostPolicyAllowsListedHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := NewClient(ClientConfig{
		AllowPrivate: true,
		HostPolicy:   func(host string) bool { return host == "127.0.0.1" },
	})
	resp := client.SendHeartbeat(context.Background(), srv.URL, contracts.Heartbeat{NodeID: "n"})
	assert.True(t, resp.OK)
}

func TestEventStreamFilters(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.jsonl"), journal.Options{})
	require.NoError(t, err)
	defer j.Close()

	srv := newTestServer(t, ServerConfig{Events: j})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/plugins/swarm/events?types=swarm.task_delegated&task_id=t1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	go func() {
		// emitted after subscribe; the filtered-out events never arrive
		time.Sleep(100 * time.Millisecond)
		j.Emit("s1", "swarm.task_delegated", map[string]any{"task_id": "t2"})
		j.Emit("s1", "swarm.checkpoint", map[string]any{"task_id": "t1"})
		j.Emit("s1", "swarm.task_delegated", map[string]any{"task_id": "t1", "peer_node_id": "node-b"})
	}()

	reader := bufio.NewReader(resp.Body)
	var eventLine, dataLine string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	assert.Equal(t, "event: swarm.task_delegated", eventLine)

	var ev contracts.JournalEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &ev))
	assert.Equal(t, "t1", ev.Payload["task_id"])
	assert.Equal(t, "node-b", ev.Payload["peer_node_id"])
}
