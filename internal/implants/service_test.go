package implants

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ospray/ospray-server/internal/errs"
)

type fakeStore struct {
	mu        sync.Mutex
	implants  map[string]*Implant
	telemetry []TelemetrySample
}

func newFakeStore() *fakeStore {
	return &fakeStore{implants: make(map[string]*Implant)}
}

func (s *fakeStore) InsertImplant(_ context.Context, imp *Implant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *imp
	s.implants[imp.ID] = &cp
	return nil
}

func (s *fakeStore) GetImplant(_ context.Context, id string) (*Implant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp, ok := s.implants[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	cp := *imp
	return &cp, nil
}

func (s *fakeStore) ListImplants(_ context.Context) ([]Implant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Implant, 0, len(s.implants))
	for _, imp := range s.implants {
		out = append(out, *imp)
	}
	return out, nil
}

func (s *fakeStore) TransitionStatus(_ context.Context, id string, from []Status, to Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp, ok := s.implants[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if imp.Status == f {
			imp.Status = to
			imp.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) UpdateHeartbeat(_ context.Context, id string, at time.Time, quality int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp, ok := s.implants[id]
	if !ok {
		return errs.ErrNotFound
	}
	imp.LastHeartbeat = at
	imp.ConnectionQuality = quality
	return nil
}

func (s *fakeStore) UpdateTuning(_ context.Context, id string, t Tuning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp, ok := s.implants[id]
	if !ok {
		return errs.ErrNotFound
	}
	if t.AutonomyLevel != nil {
		imp.AutonomyLevel = *t.AutonomyLevel
	}
	if t.MaxConcurrent != nil {
		imp.MaxConcurrent = *t.MaxConcurrent
	}
	if t.Capabilities != nil {
		imp.Capabilities = t.Capabilities
	}
	return nil
}

func (s *fakeStore) LinkCertificate(_ context.Context, id, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	imp, ok := s.implants[id]
	if !ok {
		return errs.ErrNotFound
	}
	imp.CertFingerprint = fingerprint
	return nil
}

func (s *fakeStore) ListStaleConnected(_ context.Context, cutoff time.Time) ([]Implant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Implant, 0)
	for _, imp := range s.implants {
		switch imp.Status {
		case StatusConnected, StatusIdle, StatusBusy:
			if imp.LastHeartbeat.Before(cutoff) {
				out = append(out, *imp)
			}
		}
	}
	return out, nil
}

func (s *fakeStore) InsertTelemetry(_ context.Context, sample *TelemetrySample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, *sample)
	return nil
}

// fakeSender counts closes so connection-replacement semantics are
// observable.
type fakeSender struct {
	mu     sync.Mutex
	sent   [][]byte
	closed int
}

func (f *fakeSender) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeSender) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestService() (*Service, *fakeStore, *Tracker) {
	store := newFakeStore()
	tracker := NewTracker()
	return NewService(store, tracker), store, tracker
}

func registerTestImplant(t *testing.T, svc *Service) *Implant {
	t.Helper()
	imp, err := svc.RegisterImplant(context.Background(), "alpha", "recon", "", []string{"network_scan"}, "fp-1")
	require.NoError(t, err)
	return imp
}

func TestRegisterImplantDefaults(t *testing.T) {
	svc, _, _ := newTestService()

	_, err := svc.RegisterImplant(context.Background(), "", "recon", "", nil, "")
	assert.ErrorIs(t, err, errs.ErrValidation)

	imp := registerTestImplant(t, svc)
	assert.Equal(t, StatusDisconnected, imp.Status)
	assert.Equal(t, "supervised", imp.AutonomyLevel)
	assert.Equal(t, defaultMaxConcurrent, imp.MaxConcurrent)
	assert.Equal(t, initialQuality, imp.ConnectionQuality)
	assert.Equal(t, "recon", imp.Type)
}

func TestOnConnectAndDisconnect(t *testing.T) {
	ctx := context.Background()
	svc, store, tracker := newTestService()
	imp := registerTestImplant(t, svc)

	sender := &fakeSender{}
	require.NoError(t, svc.OnConnect(ctx, imp.ID, &Connection{Sender: sender}))
	assert.Equal(t, StatusConnected, mustGet(t, store, imp.ID).Status)
	_, live := tracker.Get(imp.ID)
	assert.True(t, live)

	svc.OnDisconnect(ctx, imp.ID)
	assert.Equal(t, StatusDisconnected, mustGet(t, store, imp.ID).Status)
	_, live = tracker.Get(imp.ID)
	assert.False(t, live)
	assert.Equal(t, 1, sender.closeCount())

	assert.ErrorIs(t, svc.OnConnect(ctx, "missing", &Connection{}), errs.ErrNotFound)
}

func TestOnConnectRefusesTerminatedImplant(t *testing.T) {
	ctx := context.Background()
	svc, _, tracker := newTestService()
	imp := registerTestImplant(t, svc)

	require.NoError(t, svc.Terminate(ctx, imp.ID))
	err := svc.OnConnect(ctx, imp.ID, &Connection{Sender: &fakeSender{}})
	assert.ErrorIs(t, err, errs.ErrStateConflict)
	_, live := tracker.Get(imp.ID)
	assert.False(t, live)
}

func TestHeartbeatRaisesQuality(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()
	imp := registerTestImplant(t, svc)

	store.mu.Lock()
	store.implants[imp.ID].ConnectionQuality = 50
	store.mu.Unlock()

	require.NoError(t, svc.Heartbeat(ctx, imp.ID))
	got := mustGet(t, store, imp.ID)
	assert.Equal(t, 52, got.ConnectionQuality)
	assert.False(t, got.LastHeartbeat.IsZero())

	// Quality never exceeds 100.
	store.mu.Lock()
	store.implants[imp.ID].ConnectionQuality = 100
	store.mu.Unlock()
	require.NoError(t, svc.Heartbeat(ctx, imp.ID))
	assert.Equal(t, 100, mustGet(t, store, imp.ID).ConnectionQuality)

	require.NoError(t, svc.Terminate(ctx, imp.ID))
	assert.ErrorIs(t, svc.Heartbeat(ctx, imp.ID), errs.ErrStateConflict)
}

func TestReportStatus(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()
	imp := registerTestImplant(t, svc)

	assert.ErrorIs(t, svc.ReportStatus(ctx, imp.ID, StatusTerminated), errs.ErrValidation)
	assert.ErrorIs(t, svc.ReportStatus(ctx, "nope", StatusBusy), errs.ErrNotFound)

	// Offline implants have no say over their status.
	assert.ErrorIs(t, svc.ReportStatus(ctx, imp.ID, StatusBusy), errs.ErrStateConflict)

	store.mu.Lock()
	store.implants[imp.ID].Status = StatusConnected
	store.mu.Unlock()

	require.NoError(t, svc.ReportStatus(ctx, imp.ID, StatusBusy))
	assert.Equal(t, StatusBusy, mustGet(t, store, imp.ID).Status)
	require.NoError(t, svc.ReportStatus(ctx, imp.ID, StatusIdle))
	assert.Equal(t, StatusIdle, mustGet(t, store, imp.ID).Status)

	require.NoError(t, svc.Terminate(ctx, imp.ID))
	assert.ErrorIs(t, svc.ReportStatus(ctx, imp.ID, StatusBusy), errs.ErrStateConflict)
}

func TestRecordTelemetry(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()
	imp := registerTestImplant(t, svc)

	err := svc.RecordTelemetry(ctx, &TelemetrySample{})
	assert.ErrorIs(t, err, errs.ErrValidation)

	require.NoError(t, svc.RecordTelemetry(ctx, &TelemetrySample{
		ImplantID:        imp.ID,
		CPUPercent:       12.5,
		NetworkLatencyMs: 80,
	}))
	require.Len(t, store.telemetry, 1)
	assert.NotEmpty(t, store.telemetry[0].ID)
	assert.False(t, store.telemetry[0].RecordedAt.IsZero())
	assert.Equal(t, initialQuality, mustGet(t, store, imp.ID).ConnectionQuality)

	// High latency degrades the quality score.
	require.NoError(t, svc.RecordTelemetry(ctx, &TelemetrySample{
		ImplantID:        imp.ID,
		NetworkLatencyMs: 900,
	}))
	assert.Equal(t, initialQuality-heartbeatQualityStep*2, mustGet(t, store, imp.ID).ConnectionQuality)
}

func TestPatchTuning(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService()
	imp := registerTestImplant(t, svc)

	bad := 0
	_, err := svc.PatchTuning(ctx, imp.ID, Tuning{MaxConcurrent: &bad})
	assert.ErrorIs(t, err, errs.ErrValidation)

	autonomy := "autonomous"
	max := 5
	updated, err := svc.PatchTuning(ctx, imp.ID, Tuning{
		AutonomyLevel: &autonomy,
		MaxConcurrent: &max,
		Capabilities:  []string{"network_scan", "persistence"},
	})
	require.NoError(t, err)
	assert.Equal(t, "autonomous", updated.AutonomyLevel)
	assert.Equal(t, 5, updated.MaxConcurrent)
	assert.Equal(t, []string{"network_scan", "persistence"}, updated.Capabilities)

	// Nil fields leave the current values in place.
	updated, err = svc.PatchTuning(ctx, imp.ID, Tuning{})
	require.NoError(t, err)
	assert.Equal(t, "autonomous", updated.AutonomyLevel)
	assert.Equal(t, 5, updated.MaxConcurrent)
}

func TestTerminateIsFinal(t *testing.T) {
	ctx := context.Background()
	svc, store, tracker := newTestService()
	imp := registerTestImplant(t, svc)

	sender := &fakeSender{}
	require.NoError(t, svc.OnConnect(ctx, imp.ID, &Connection{Sender: sender}))

	require.NoError(t, svc.Terminate(ctx, imp.ID))
	assert.Equal(t, StatusTerminated, mustGet(t, store, imp.ID).Status)
	_, live := tracker.Get(imp.ID)
	assert.False(t, live)

	assert.ErrorIs(t, svc.Terminate(ctx, imp.ID), errs.ErrStateConflict)
}

func TestEligibleImplants(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService()

	seed := func(id string, status Status) {
		require.NoError(t, store.InsertImplant(ctx, &Implant{ID: id, Name: id, Status: status}))
	}
	seed("imp-connected", StatusConnected)
	seed("imp-idle", StatusIdle)
	seed("imp-busy", StatusBusy)
	seed("imp-offline", StatusDisconnected)
	seed("imp-dead", StatusTerminated)

	eligible, err := svc.EligibleImplants(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(eligible))
	for _, imp := range eligible {
		ids = append(ids, imp.ID)
	}
	assert.ElementsMatch(t, []string{"imp-connected", "imp-idle"}, ids)
}

func TestSweepStaleHeartbeats(t *testing.T) {
	ctx := context.Background()
	svc, store, tracker := newTestService()
	imp := registerTestImplant(t, svc)

	sender := &fakeSender{}
	require.NoError(t, svc.OnConnect(ctx, imp.ID, &Connection{Sender: sender}))
	store.mu.Lock()
	store.implants[imp.ID].LastHeartbeat = time.Now().Add(-10 * time.Minute)
	store.implants[imp.ID].ConnectionQuality = 80
	store.mu.Unlock()

	fresh := registerTestImplant(t, svc)
	require.NoError(t, svc.OnConnect(ctx, fresh.ID, &Connection{Sender: &fakeSender{}}))
	store.mu.Lock()
	store.implants[fresh.ID].LastHeartbeat = time.Now()
	store.mu.Unlock()

	marked := svc.SweepStaleHeartbeats(ctx, 2*time.Minute)
	assert.Equal(t, 1, marked)

	got := mustGet(t, store, imp.ID)
	assert.Equal(t, StatusDisconnected, got.Status)
	assert.Equal(t, 80-staleQualityPenalty, got.ConnectionQuality)
	_, live := tracker.Get(imp.ID)
	assert.False(t, live)

	assert.Equal(t, StatusConnected, mustGet(t, store, fresh.ID).Status)

	// A second sweep finds nothing in a sweepable state.
	assert.Zero(t, svc.SweepStaleHeartbeats(ctx, 2*time.Minute))
}

func TestTrackerReplacesConnection(t *testing.T) {
	tracker := NewTracker()

	first := &fakeSender{}
	second := &fakeSender{}
	tracker.Register("imp-1", &Connection{Sender: first})
	tracker.Register("imp-1", &Connection{Sender: second})

	assert.Equal(t, 1, first.closeCount(), "the replaced connection is closed")
	conn, ok := tracker.Get("imp-1")
	require.True(t, ok)
	assert.Same(t, second, conn.Sender)

	before := conn.LastSeen
	tracker.Touch("imp-1", before.Add(time.Second))
	conn, _ = tracker.Get("imp-1")
	assert.Equal(t, before.Add(time.Second), conn.LastSeen)

	assert.ElementsMatch(t, []string{"imp-1"}, tracker.ConnectedIDs())

	tracker.Stop()
	assert.Equal(t, 1, second.closeCount())
	assert.Empty(t, tracker.ConnectedIDs())
}

func mustGet(t *testing.T, store *fakeStore, id string) *Implant {
	t.Helper()
	imp, err := store.GetImplant(context.Background(), id)
	require.NoError(t, err)
	return imp
}
