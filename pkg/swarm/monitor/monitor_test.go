package monitor

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/swarm/mesh"
)

type scriptedClient struct {
	responses []func() (contracts.Checkpoint, mesh.Response)
	calls     int
}

func (s *scriptedClient) TaskStatus(ctx context.Context, baseURL, taskID string) (contracts.Checkpoint, mesh.Response) {
	if s.calls >= len(s.responses) {
		return contracts.Checkpoint{}, mesh.Response{OK: false, Status: http.StatusBadGateway, Error: "exhausted"}
	}
	fn := s.responses[s.calls]
	s.calls++
	return fn()
}

func running(pct float64) func() (contracts.Checkpoint, mesh.Response) {
	return func() (contracts.Checkpoint, mesh.Response) {
		return contracts.Checkpoint{TaskID: "t1", NodeID: "peer-a", State: contracts.TaskRunning, ProgressPct: pct},
			mesh.Response{OK: true, Status: 200}
	}
}

func terminal(state contracts.TaskState) func() (contracts.Checkpoint, mesh.Response) {
	return func() (contracts.Checkpoint, mesh.Response) {
		return contracts.Checkpoint{TaskID: "t1", NodeID: "peer-a", State: state, ProgressPct: 100},
			mesh.Response{OK: true, Status: 200}
	}
}

func miss() func() (contracts.Checkpoint, mesh.Response) {
	return func() (contracts.Checkpoint, mesh.Response) {
		return contracts.Checkpoint{}, mesh.Response{OK: false, Status: http.StatusRequestTimeout, Error: "timed out"}
	}
}

func TestCheckpointsRecordedUntilTerminal(t *testing.T) {
	store, err := OpenCheckpointStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	defer store.Close()

	var seen []contracts.Checkpoint
	var done []contracts.TaskState
	client := &scriptedClient{responses: []func() (contracts.Checkpoint, mesh.Response){
		running(25), running(70), terminal(contracts.TaskCompleted),
	}}
	m := New(client, store, Callbacks{
		OnCheckpoint: func(cp contracts.Checkpoint) { seen = append(seen, cp) },
		OnTerminal:   func(taskID string, state contracts.TaskState) { done = append(done, state) },
	}, WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }))

	// long interval; the test drives polls by hand
	m.Watch(context.Background(), "t1", "peer-a", "https://peer.example.com", time.Hour, 3)

	assert.False(t, m.Poll(context.Background(), "t1"))
	assert.False(t, m.Poll(context.Background(), "t1"))
	assert.True(t, m.Poll(context.Background(), "t1"), "terminal checkpoint stops monitoring")
	assert.False(t, m.Watching("t1"))

	require.Len(t, seen, 3)
	assert.Equal(t, []contracts.TaskState{contracts.TaskCompleted}, done)

	cps, err := store.List("t1")
	require.NoError(t, err)
	require.Len(t, cps, 3)
	assert.InDelta(t, 25, cps[0].ProgressPct, 0.001)
	assert.Equal(t, contracts.TaskCompleted, cps[2].State)

	latest, ok, err := store.Latest("t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 100, latest.ProgressPct, 0.001)
}

func TestMissedCheckpointsTriggerCallback(t *testing.T) {
	var missedTasks []string
	client := &scriptedClient{responses: []func() (contracts.Checkpoint, mesh.Response){
		miss(), miss(), running(10), miss(), miss(),
	}}
	m := New(client, nil, Callbacks{
		OnCheckpointsMissed: func(taskID, peerNodeID string) {
			missedTasks = append(missedTasks, taskID+"/"+peerNodeID)
		},
	})
	m.Watch(context.Background(), "t1", "peer-a", "https://peer.example.com", time.Hour, 2)

	m.Poll(context.Background(), "t1")
	assert.Empty(t, missedTasks, "one miss is below the threshold")
	m.Poll(context.Background(), "t1")
	assert.Equal(t, []string{"t1/peer-a"}, missedTasks)

	m.Poll(context.Background(), "t1") // success resets the count
	m.Poll(context.Background(), "t1")
	assert.Len(t, missedTasks, 1, "counter restarted after the checkpoint")
	m.Poll(context.Background(), "t1")
	assert.Len(t, missedTasks, 2)
}

func TestPollUnknownTaskIsDone(t *testing.T) {
	m := New(&scriptedClient{}, nil, Callbacks{})
	assert.True(t, m.Poll(context.Background(), "ghost"))
}

func TestStopAll(t *testing.T) {
	m := New(&scriptedClient{}, nil, Callbacks{})
	m.Watch(context.Background(), "t1", "p", "https://x.example.com", time.Hour, 3)
	m.Watch(context.Background(), "t2", "p", "https://x.example.com", time.Hour, 3)
	m.StopAll()
	assert.False(t, m.Watching("t1"))
	assert.False(t, m.Watching("t2"))
}
