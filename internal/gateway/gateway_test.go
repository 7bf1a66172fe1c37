package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ospray/ospray-server/internal/errs"
	"github.com/ospray/ospray-server/internal/implants"
	"github.com/ospray/ospray-server/internal/tasks"
)

type fakeRegistry struct {
	mu         sync.Mutex
	heartbeats []string
	telemetry  []*implants.TelemetrySample
	statuses   []implants.Status
}

func (r *fakeRegistry) GetImplant(_ context.Context, id string) (*implants.Implant, error) {
	if id == "imp-1" {
		return &implants.Implant{ID: id, Status: implants.StatusConnected}, nil
	}
	return nil, errs.ErrNotFound
}

func (r *fakeRegistry) OnConnect(_ context.Context, _ string, _ *implants.Connection) error {
	return nil
}

func (r *fakeRegistry) OnDisconnect(_ context.Context, _ string) {}

func (r *fakeRegistry) Heartbeat(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats = append(r.heartbeats, id)
	return nil
}

func (r *fakeRegistry) RecordTelemetry(_ context.Context, sample *implants.TelemetrySample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.telemetry = append(r.telemetry, sample)
	return nil
}

func (r *fakeRegistry) ReportStatus(_ context.Context, _ string, status implants.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status != implants.StatusBusy && status != implants.StatusIdle {
		return errs.ErrValidation
	}
	r.statuses = append(r.statuses, status)
	return nil
}

type recordedResult struct {
	taskID    string
	implantID string
	payload   map[string]any
	success   bool
}

type fakeResultSink struct {
	mu      sync.Mutex
	results []recordedResult
}

func (s *fakeResultSink) ReportResult(_ context.Context, taskID, implantID string, payload map[string]any, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, recordedResult{taskID, implantID, payload, success})
	return nil
}

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSender) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeSender) Close() error { return nil }

func newTestGateway() (*Gateway, *fakeRegistry, *fakeResultSink, *implants.Tracker) {
	registry := &fakeRegistry{}
	sink := &fakeResultSink{}
	tracker := implants.NewTracker()
	return NewGateway(tracker, registry, sink), registry, sink, tracker
}

func frameJSON(t *testing.T, frameType string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(Frame{Type: frameType, Data: raw})
	require.NoError(t, err)
	return payload
}

func TestHandleFrameHeartbeat(t *testing.T) {
	g, registry, _, _ := newTestGateway()

	require.NoError(t, g.handleFrame("imp-1", frameJSON(t, frameHeartbeat, heartbeatFrame{ImplantID: "imp-1"})))
	assert.Equal(t, []string{"imp-1"}, registry.heartbeats)
}

func TestHandleFrameTelemetry(t *testing.T) {
	g, registry, _, _ := newTestGateway()

	require.NoError(t, g.handleFrame("imp-1", frameJSON(t, frameTelemetry, telemetryFrame{
		CPUPercent:       42.5,
		NetworkLatencyMs: 120,
		Anomaly:          true,
	})))
	require.Len(t, registry.telemetry, 1)
	sample := registry.telemetry[0]
	assert.Equal(t, "imp-1", sample.ImplantID)
	assert.Equal(t, 42.5, sample.CPUPercent)
	assert.Equal(t, 120, sample.NetworkLatencyMs)
	assert.True(t, sample.Anomaly)
	assert.False(t, sample.RecordedAt.IsZero())
}

func TestHandleFrameStatus(t *testing.T) {
	g, registry, _, _ := newTestGateway()

	require.NoError(t, g.handleFrame("imp-1", frameJSON(t, frameStatus, statusFrame{Status: "busy"})))
	require.NoError(t, g.handleFrame("imp-1", frameJSON(t, frameStatus, statusFrame{Status: "idle"})))
	assert.Equal(t, []implants.Status{implants.StatusBusy, implants.StatusIdle}, registry.statuses)

	err := g.handleFrame("imp-1", frameJSON(t, frameStatus, statusFrame{Status: "terminated"}))
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Len(t, registry.statuses, 2)
}

func TestHandleFrameTaskResult(t *testing.T) {
	g, _, sink, _ := newTestGateway()

	require.NoError(t, g.handleFrame("imp-1", frameJSON(t, frameTaskResult, taskResultFrame{
		TaskID:  "task-9",
		Success: true,
		Payload: map[string]any{"hosts": "10.0.0.0/24"},
	})))
	require.Len(t, sink.results, 1)
	r := sink.results[0]
	assert.Equal(t, "task-9", r.taskID)
	assert.Equal(t, "imp-1", r.implantID)
	assert.True(t, r.success)
	assert.Equal(t, "10.0.0.0/24", r.payload["hosts"])
}

func TestHandleFrameRejectsGarbage(t *testing.T) {
	g, _, _, _ := newTestGateway()

	assert.Error(t, g.handleFrame("imp-1", []byte("{not json")))
	assert.Error(t, g.handleFrame("imp-1", frameJSON(t, "selfdestruct", struct{}{})))

	err := g.handleFrame("imp-1", []byte(`{"type":"telemetry","data":"nope"}`))
	assert.Error(t, err)
}

func TestDispatchTask(t *testing.T) {
	g, _, _, tracker := newTestGateway()

	// No live channel: dispatch is a silent no-op, the queue keeps the task.
	g.DispatchTask("imp-offline", tasks.Task{ID: "task-1"})

	sender := &fakeSender{}
	tracker.Register("imp-1", &implants.Connection{Sender: sender})

	g.DispatchTask("imp-1", tasks.Task{
		ID:                 "task-1",
		Type:               "recon",
		Name:               "port scan",
		Params:             map[string]any{"target": "10.0.0.5"},
		Priority:           7,
		Timeout:            90 * time.Second,
		RequiredCapability: "network_scan",
	})

	require.Len(t, sender.frames, 1)
	var frame Frame
	require.NoError(t, json.Unmarshal(sender.frames[0], &frame))
	assert.Equal(t, frameTask, frame.Type)

	var tf taskFrame
	require.NoError(t, json.Unmarshal(frame.Data, &tf))
	assert.Equal(t, "task-1", tf.TaskID)
	assert.Equal(t, "recon", tf.Type)
	assert.Equal(t, int64(90), tf.TimeoutSeconds)
	assert.Equal(t, "network_scan", tf.RequiredCapability)
	assert.Equal(t, "10.0.0.5", tf.Params["target"])
}

func TestSessionSendAfterClose(t *testing.T) {
	sess := &session{
		implantID: "imp-1",
		send:      make(chan []byte, 1),
		done:      make(chan struct{}),
	}

	require.NoError(t, sess.Send([]byte("one")))

	// The buffer is full; a second send must not block.
	assert.Error(t, sess.Send([]byte("two")))

	close(sess.done)
	assert.ErrorIs(t, sess.Send([]byte("three")), errSessionClosed)
}
