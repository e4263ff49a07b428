package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/policy"
)

const routePrefix = "/plugins/swarm"

// Response is the uniform envelope of every transport call. Timeouts map to
// {ok:false, status:408, error:"timed out"} rather than a Go error so the
// caller's control flow stays data-driven.
type Response struct {
	OK     bool            `json:"ok"`
	Status int             `json:"status"`
	Error  string          `json:"error,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Decode unmarshals the response body into out.
func (r Response) Decode(out any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("mesh: empty response body")
	}
	return json.Unmarshal(r.Body, out)
}

// ClientConfig tunes the transport client.
type ClientConfig struct {
	Timeout     time.Duration
	BearerToken string
	// AllowPrivate skips the SSRF guard for loopback and RFC 1918 peers.
	// Only for single-host clusters and tests.
	AllowPrivate bool
	// HostPolicy, when set, vets the hostname of every outbound request.
	// A false return blocks the call. Node profiles bind their networking
	// allowlist/denylist/island policy here.
	HostPolicy func(hostname string) bool
}

// Client speaks the swarm HTTP protocol to peers. Every outbound URL passes
// the SSRF guard and the host policy before a connection is opened.
type Client struct {
	http         *http.Client
	timeout      time.Duration
	token        string
	allowPrivate bool
	hostPolicy   func(hostname string) bool
}

// NewClient builds a transport client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:         &http.Client{},
		timeout:      timeout,
		token:        cfg.BearerToken,
		allowPrivate: cfg.AllowPrivate,
		hostPolicy:   cfg.HostPolicy,
	}
}

// do issues one request. Non-2xx responses come back as OK=false with the
// peer's status code; transport failures synthesize a status.
func (c *Client) do(ctx context.Context, method, rawURL string, in any) Response {
	if !c.allowPrivate {
		if err := policy.CheckURL(rawURL); err != nil {
			return Response{OK: false, Status: http.StatusForbidden, Error: err.Error()}
		}
	}
	if c.hostPolicy != nil {
		u, err := url.Parse(rawURL)
		if err != nil {
			return Response{OK: false, Status: http.StatusInternalServerError, Error: err.Error()}
		}
		if !c.hostPolicy(u.Hostname()) {
			return Response{OK: false, Status: http.StatusForbidden,
				Error: "outbound host " + u.Hostname() + " blocked by networking policy"}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return Response{OK: false, Status: http.StatusInternalServerError, Error: err.Error()}
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return Response{OK: false, Status: http.StatusInternalServerError, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Response{OK: false, Status: http.StatusRequestTimeout, Error: "timed out"}
		}
		return Response{OK: false, Status: http.StatusBadGateway, Error: err.Error()}
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return Response{OK: false, Status: http.StatusBadGateway, Error: err.Error()}
	}
	out := Response{
		OK:     resp.StatusCode >= 200 && resp.StatusCode < 300,
		Status: resp.StatusCode,
		Body:   buf.Bytes(),
	}
	if !out.OK {
		out.Error = strings.TrimSpace(buf.String())
	}
	return out
}

func join(baseURL string, parts ...string) string {
	u := strings.TrimRight(baseURL, "/") + routePrefix
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// Identity fetches a peer's self-description.
func (c *Client) Identity(ctx context.Context, baseURL string) (contracts.PeerIdentity, Response) {
	resp := c.do(ctx, http.MethodGet, join(baseURL, "identity"), nil)
	var id contracts.PeerIdentity
	if resp.OK {
		if err := resp.Decode(&id); err != nil {
			resp.OK = false
			resp.Error = err.Error()
		}
	}
	return id, resp
}

// Peers fetches a peer's view, optionally filtered by status.
func (c *Client) Peers(ctx context.Context, baseURL string, status contracts.PeerStatus) ([]contracts.PeerEntry, Response) {
	u := join(baseURL, "peers")
	if status != "" {
		u += "?status=" + url.QueryEscape(string(status))
	}
	resp := c.do(ctx, http.MethodGet, u, nil)
	var peers []contracts.PeerEntry
	if resp.OK {
		if err := resp.Decode(&peers); err != nil {
			resp.OK = false
			resp.Error = err.Error()
		}
	}
	return peers, resp
}

// JoinMesh announces our identity to a peer.
func (c *Client) JoinMesh(ctx context.Context, baseURL string, identity contracts.PeerIdentity) Response {
	return c.do(ctx, http.MethodPost, join(baseURL, "join"), map[string]any{"identity": identity})
}

// LeaveMesh announces departure.
func (c *Client) LeaveMesh(ctx context.Context, baseURL, nodeID, reason string) Response {
	return c.do(ctx, http.MethodPost, join(baseURL, "leave"),
		map[string]any{"node_id": nodeID, "reason": reason})
}

// SendHeartbeat delivers a liveness ping.
func (c *Client) SendHeartbeat(ctx context.Context, baseURL string, hb contracts.Heartbeat) Response {
	return c.do(ctx, http.MethodPost, join(baseURL, "heartbeat"), hb)
}

// SendGossip shares a slice of our peer view.
func (c *Client) SendGossip(ctx context.Context, baseURL, senderNodeID string, peers []contracts.PeerEntry) Response {
	return c.do(ctx, http.MethodPost, join(baseURL, "gossip"),
		map[string]any{"sender_node_id": senderNodeID, "peers": peers})
}

// SendTask delegates a task to a peer.
func (c *Client) SendTask(ctx context.Context, baseURL string, task contracts.SwarmTaskRequest) Response {
	return c.do(ctx, http.MethodPost, join(baseURL, "task"), task)
}

// SendResult returns a completed task's result to its originator.
func (c *Client) SendResult(ctx context.Context, baseURL string, result contracts.SwarmTaskResult) Response {
	return c.do(ctx, http.MethodPost, join(baseURL, "result"), result)
}

// TaskStatus polls a delegated task's checkpoint status.
func (c *Client) TaskStatus(ctx context.Context, baseURL, taskID string) (contracts.Checkpoint, Response) {
	resp := c.do(ctx, http.MethodGet, join(baseURL, "task", taskID, "status"), nil)
	var cp contracts.Checkpoint
	if resp.OK {
		if err := resp.Decode(&cp); err != nil {
			resp.OK = false
			resp.Error = err.Error()
		}
	}
	return cp, resp
}

// CancelTask cancels a delegated task.
func (c *Client) CancelTask(ctx context.Context, baseURL, taskID string) Response {
	return c.do(ctx, http.MethodPost, join(baseURL, "task", taskID, "cancel"), nil)
}

// Checkpoints lists a task's recorded checkpoints for resume.
func (c *Client) Checkpoints(ctx context.Context, baseURL, taskID string) ([]contracts.Checkpoint, Response) {
	resp := c.do(ctx, http.MethodGet, join(baseURL, "task", taskID, "checkpoints"), nil)
	var cps []contracts.Checkpoint
	if resp.OK {
		if err := resp.Decode(&cps); err != nil {
			resp.OK = false
			resp.Error = err.Error()
		}
	}
	return cps, resp
}

// CreateConsensus opens a consensus round on a task's result.
func (c *Client) CreateConsensus(ctx context.Context, baseURL, taskID string, requiredVoters int, requiredAgreement float64, expiresIn time.Duration) Response {
	return c.do(ctx, http.MethodPost, join(baseURL, "verify", taskID, "consensus"), map[string]any{
		"required_voters":    requiredVoters,
		"required_agreement": requiredAgreement,
		"expires_in_ms":      expiresIn.Milliseconds(),
	})
}

// Vote submits a vote on a task's result.
func (c *Client) Vote(ctx context.Context, baseURL, taskID, voterNodeID, resultHash string, outcomeScore float64) Response {
	return c.do(ctx, http.MethodPost, join(baseURL, "verify", taskID, "vote"), map[string]any{
		"voter_node_id": voterNodeID,
		"result_hash":   resultHash,
		"outcome_score": outcomeScore,
	})
}

// Renegotiate proposes new contract terms.
func (c *Client) Renegotiate(ctx context.Context, baseURL, contractID, requestedBy, reason string, proposed contracts.ContractSLO) Response {
	return c.do(ctx, http.MethodPost, join(baseURL, "contracts", contractID, "renegotiate"), map[string]any{
		"requested_by": requestedBy,
		"reason":       reason,
		"proposed":     proposed,
	})
}

// Deposit funds a peer-side escrow account.
func (c *Client) Deposit(ctx context.Context, baseURL, nodeID string, amount float64) Response {
	return c.do(ctx, http.MethodPost, join(baseURL, "escrow", "deposit"),
		map[string]any{"node_id": nodeID, "amount": amount})
}
