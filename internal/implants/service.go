package implants

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ospray/ospray-server/internal/errs"
)

// Store is the durable record interface the registry needs. Every
// status change is a conditional update so concurrent sweeps and
// connection events cannot lose writes.
type Store interface {
	InsertImplant(ctx context.Context, imp *Implant) error
	GetImplant(ctx context.Context, id string) (*Implant, error)
	ListImplants(ctx context.Context) ([]Implant, error)
	// TransitionStatus performs a compare-and-set: the implant moves to
	// the target status only if its current status is in from. Returns
	// false when the guard did not match.
	TransitionStatus(ctx context.Context, id string, from []Status, to Status) (bool, error)
	UpdateHeartbeat(ctx context.Context, id string, at time.Time, quality int) error
	UpdateTuning(ctx context.Context, id string, t Tuning) error
	LinkCertificate(ctx context.Context, id, fingerprint string) error
	// ListStaleConnected returns implants in connected/idle/busy whose
	// last heartbeat is older than the cutoff.
	ListStaleConnected(ctx context.Context, cutoff time.Time) ([]Implant, error)
	InsertTelemetry(ctx context.Context, s *TelemetrySample) error
}

const (
	heartbeatQualityStep  = 2
	staleQualityPenalty   = 25
	latencyPenaltyCutoff  = 500 // milliseconds
	initialQuality        = 100
	defaultMaxConcurrent  = 3
	defaultAutonomyLevel  = "supervised"
)

// nonTerminal are the statuses a connection event may move an implant out of.
var nonTerminal = []Status{StatusConnected, StatusIdle, StatusBusy, StatusDisconnected}

type Service struct {
	store   Store
	tracker *Tracker
}

func NewService(store Store, tracker *Tracker) *Service {
	return &Service{store: store, tracker: tracker}
}

func (s *Service) Tracker() *Tracker { return s.tracker }

// RegisterImplant creates the registry row at bundle-generation time.
// The implant starts disconnected until its first connection event.
func (s *Service) RegisterImplant(ctx context.Context, name, typ, autonomy string, capabilities []string, certFingerprint string) (*Implant, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: implant name is required", errs.ErrValidation)
	}
	if autonomy == "" {
		autonomy = defaultAutonomyLevel
	}
	imp := &Implant{
		ID:                uuid.New().String(),
		Name:              name,
		Type:              typ,
		Status:            StatusDisconnected,
		Capabilities:      capabilities,
		AutonomyLevel:     autonomy,
		MaxConcurrent:     defaultMaxConcurrent,
		ConnectionQuality: initialQuality,
		CertFingerprint:   certFingerprint,
		CreatedAt:         time.Now(),
		UpdatedAt:         time.Now(),
	}
	if err := s.store.InsertImplant(ctx, imp); err != nil {
		return nil, fmt.Errorf("failed to register implant: %w", err)
	}
	slog.Info("Implant registered", "implant_id", imp.ID, "name", name, "capabilities", capabilities)
	return imp, nil
}

func (s *Service) GetImplant(ctx context.Context, id string) (*Implant, error) {
	return s.store.GetImplant(ctx, id)
}

func (s *Service) ListImplants(ctx context.Context) ([]Implant, error) {
	return s.store.ListImplants(ctx)
}

// EligibleImplants returns implants that may receive assignments.
func (s *Service) EligibleImplants(ctx context.Context) ([]Implant, error) {
	all, err := s.store.ListImplants(ctx)
	if err != nil {
		return nil, err
	}
	eligible := make([]Implant, 0, len(all))
	for _, imp := range all {
		if imp.Eligible() {
			eligible = append(eligible, imp)
		}
	}
	return eligible, nil
}

// OnConnect handles a new implant connection. Terminated implants are
// refused; a replaced connection is deregistered first by the tracker.
func (s *Service) OnConnect(ctx context.Context, id string, conn *Connection) error {
	imp, err := s.store.GetImplant(ctx, id)
	if err != nil {
		return err
	}
	if imp.Status == StatusTerminated {
		return fmt.Errorf("%w: implant %s is terminated", errs.ErrStateConflict, id)
	}
	ok, err := s.store.TransitionStatus(ctx, id, nonTerminal, StatusConnected)
	if err != nil {
		return fmt.Errorf("failed to mark implant connected: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: implant %s is terminated", errs.ErrStateConflict, id)
	}
	s.tracker.Register(id, conn)
	slog.Info("Implant connected", "implant_id", id)
	return nil
}

// OnDisconnect marks the implant disconnected. Its running tasks are
// deliberately left alone: a network partition is not a task failure.
func (s *Service) OnDisconnect(ctx context.Context, id string) {
	s.tracker.Deregister(id)
	if _, err := s.store.TransitionStatus(ctx, id, []Status{StatusConnected, StatusIdle, StatusBusy}, StatusDisconnected); err != nil {
		slog.Error("Failed to mark implant disconnected", "implant_id", id, "error", err)
	}
	slog.Info("Implant disconnected", "implant_id", id)
}

// Heartbeat refreshes the liveness timestamp and nudges the quality
// score upward. Persistence runs inline; callers on the gateway read
// pump already run per-connection.
func (s *Service) Heartbeat(ctx context.Context, id string) error {
	imp, err := s.store.GetImplant(ctx, id)
	if err != nil {
		return err
	}
	if imp.Status == StatusTerminated {
		return fmt.Errorf("%w: implant %s is terminated", errs.ErrStateConflict, id)
	}
	quality := clampQuality(imp.ConnectionQuality + heartbeatQualityStep)
	now := time.Now()
	s.tracker.Touch(id, now)
	if err := s.store.UpdateHeartbeat(ctx, id, now, quality); err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

// ReportStatus applies a busy/idle report from the implant itself. Only
// live connections may flip between the two; anything else is either a
// bad request or a state the implant has no say over.
func (s *Service) ReportStatus(ctx context.Context, id string, status Status) error {
	if status != StatusBusy && status != StatusIdle {
		return fmt.Errorf("%w: implants may only report busy or idle, got %q", errs.ErrValidation, status)
	}
	if _, err := s.store.GetImplant(ctx, id); err != nil {
		return err
	}
	ok, err := s.store.TransitionStatus(ctx, id, []Status{StatusConnected, StatusIdle, StatusBusy}, status)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: implant %s cannot report status while offline or terminated", errs.ErrStateConflict, id)
	}
	return nil
}

// RecordTelemetry persists the sample and folds network latency into the
// connection-quality score. Anomalies are surfaced via the log stream
// for the alerting agents.
func (s *Service) RecordTelemetry(ctx context.Context, sample *TelemetrySample) error {
	if sample.ImplantID == "" {
		return fmt.Errorf("%w: telemetry sample missing implant id", errs.ErrValidation)
	}
	imp, err := s.store.GetImplant(ctx, sample.ImplantID)
	if err != nil {
		return err
	}
	sample.ID = uuid.New().String()
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now()
	}
	if err := s.store.InsertTelemetry(ctx, sample); err != nil {
		return fmt.Errorf("failed to record telemetry: %w", err)
	}
	quality := imp.ConnectionQuality
	if sample.NetworkLatencyMs > latencyPenaltyCutoff {
		quality = clampQuality(quality - heartbeatQualityStep*2)
		if err := s.store.UpdateHeartbeat(ctx, sample.ImplantID, imp.LastHeartbeat, quality); err != nil {
			slog.Error("Failed to update connection quality", "implant_id", sample.ImplantID, "error", err)
		}
	}
	if sample.Anomaly {
		slog.Warn("Implant reported anomaly",
			"implant_id", sample.ImplantID,
			"cpu_percent", sample.CPUPercent,
			"latency_ms", sample.NetworkLatencyMs)
	}
	return nil
}

// PatchTuning updates the operator-adjustable parameters.
func (s *Service) PatchTuning(ctx context.Context, id string, t Tuning) (*Implant, error) {
	if t.MaxConcurrent != nil && *t.MaxConcurrent < 1 {
		return nil, fmt.Errorf("%w: max concurrent tasks must be at least 1", errs.ErrValidation)
	}
	if _, err := s.store.GetImplant(ctx, id); err != nil {
		return nil, err
	}
	if err := s.store.UpdateTuning(ctx, id, t); err != nil {
		return nil, fmt.Errorf("failed to update implant tuning: %w", err)
	}
	return s.store.GetImplant(ctx, id)
}

// Terminate moves the implant to its irreversible terminal state and
// drops any live connection.
func (s *Service) Terminate(ctx context.Context, id string) error {
	ok, err := s.store.TransitionStatus(ctx, id, nonTerminal, StatusTerminated)
	if err != nil {
		return fmt.Errorf("failed to terminate implant: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: implant %s is already terminated", errs.ErrStateConflict, id)
	}
	s.tracker.Deregister(id)
	slog.Info("Implant terminated", "implant_id", id)
	return nil
}

// SweepStaleHeartbeats marks implants disconnected when their heartbeat
// is older than threshold. Running tasks are not touched. Failures are
// logged per implant; the sweep continues.
func (s *Service) SweepStaleHeartbeats(ctx context.Context, threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold)
	stale, err := s.store.ListStaleConnected(ctx, cutoff)
	if err != nil {
		slog.Error("Heartbeat sweep failed to list implants", "error", err)
		return 0
	}
	marked := 0
	for _, imp := range stale {
		quality := clampQuality(imp.ConnectionQuality - staleQualityPenalty)
		if err := s.store.UpdateHeartbeat(ctx, imp.ID, imp.LastHeartbeat, quality); err != nil {
			slog.Error("Heartbeat sweep failed to degrade quality", "implant_id", imp.ID, "error", err)
		}
		ok, err := s.store.TransitionStatus(ctx, imp.ID, []Status{StatusConnected, StatusIdle, StatusBusy}, StatusDisconnected)
		if err != nil {
			slog.Error("Heartbeat sweep failed to mark implant", "implant_id", imp.ID, "error", err)
			continue
		}
		if ok {
			s.tracker.Deregister(imp.ID)
			marked++
			slog.Warn("Implant heartbeat stale, marked disconnected",
				"implant_id", imp.ID,
				"last_heartbeat", imp.LastHeartbeat)
		}
	}
	return marked
}

// LinkCertificate records the fingerprint of the certificate the implant
// authenticated with on first registration.
func (s *Service) LinkCertificate(ctx context.Context, id, fingerprint string) error {
	if err := s.store.LinkCertificate(ctx, id, fingerprint); err != nil {
		return fmt.Errorf("failed to link certificate: %w", err)
	}
	return nil
}

func clampQuality(q int) int {
	if q < 0 {
		return 0
	}
	if q > 100 {
		return 100
	}
	return q
}
