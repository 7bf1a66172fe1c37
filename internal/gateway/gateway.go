// Package gateway is the websocket channel between the controller and
// deployed implants. Each connection runs one read pump and one write
// pump; the write pump owns the socket for writes, so every outbound
// frame goes through the session's send channel.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ospray/ospray-server/internal/implants"
	"github.com/ospray/ospray-server/internal/tasks"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 10 * 1024 * 1024

	sendBuffer = 64
)

// Frame is the envelope for every message on the implant channel.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	frameHeartbeat  = "heartbeat"
	frameTelemetry  = "telemetry"
	frameTaskResult = "task_result"
	frameStatus     = "status"
	frameTask       = "task"
)

type heartbeatFrame struct {
	ImplantID string `json:"implant_id"`
}

type telemetryFrame struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryMB         float64 `json:"memory_mb"`
	NetworkLatencyMs int     `json:"network_latency_ms"`
	TasksCompleted   int     `json:"tasks_completed"`
	TasksFailed      int     `json:"tasks_failed"`
	Anomaly          bool    `json:"anomaly"`
}

type statusFrame struct {
	Status string `json:"status"`
}

type taskResultFrame struct {
	TaskID  string         `json:"task_id"`
	Success bool           `json:"success"`
	Payload map[string]any `json:"payload"`
}

type taskFrame struct {
	TaskID             string         `json:"task_id"`
	Type               string         `json:"type"`
	Name               string         `json:"name"`
	Params             map[string]any `json:"params"`
	Priority           int            `json:"priority"`
	TimeoutSeconds     int64          `json:"timeout_seconds"`
	RequiredCapability string         `json:"required_capability,omitempty"`
}

// ImplantRegistry is the slice of the implant service the gateway drives.
type ImplantRegistry interface {
	GetImplant(ctx context.Context, id string) (*implants.Implant, error)
	OnConnect(ctx context.Context, id string, conn *implants.Connection) error
	OnDisconnect(ctx context.Context, id string)
	Heartbeat(ctx context.Context, id string) error
	RecordTelemetry(ctx context.Context, sample *implants.TelemetrySample) error
	ReportStatus(ctx context.Context, id string, status implants.Status) error
}

// ResultSink receives task results reported over the channel.
type ResultSink interface {
	ReportResult(ctx context.Context, taskID, implantID string, payload map[string]any, success bool) error
}

type Gateway struct {
	upgrader websocket.Upgrader
	tracker  *implants.Tracker
	registry ImplantRegistry
	results  ResultSink
}

func NewGateway(tracker *implants.Tracker, registry ImplantRegistry, results ResultSink) *Gateway {
	return &Gateway{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Implants do not send browser origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		tracker:  tracker,
		registry: registry,
		results:  results,
	}
}

// Handle upgrades an implant connection and runs its pumps. The implant
// authenticates with its registry id; certificate verification happens
// at the TLS layer in front of this handler.
func (g *Gateway) Handle(c *gin.Context) {
	implantID := c.Query("implant_id")
	if implantID == "" {
		implantID = c.GetHeader("X-Implant-ID")
	}
	if implantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "implant_id is required"})
		return
	}

	if _, err := g.registry.GetImplant(c.Request.Context(), implantID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown implant"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("Websocket upgrade failed", "implant_id", implantID, "error", err)
		return
	}

	sess := &session{
		implantID: implantID,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}

	if err := g.registry.OnConnect(context.Background(), implantID, &implants.Connection{Sender: sess}); err != nil {
		slog.Warn("Implant connection rejected", "implant_id", implantID, "error", err)
		_ = conn.Close()
		return
	}

	slog.Info("Implant channel open", "implant_id", implantID, "remote", conn.RemoteAddr().String())

	go sess.writePump()
	g.readPump(sess)
}

// DispatchTask pushes a freshly assigned task down the implant's
// channel. A missing connection is not an error: the implant picks the
// task up from the queue on its next poll.
func (g *Gateway) DispatchTask(implantID string, task tasks.Task) {
	conn, ok := g.tracker.Get(implantID)
	if !ok {
		slog.Debug("No live channel for task dispatch", "implant_id", implantID, "task_id", task.ID)
		return
	}

	payload, err := json.Marshal(taskFrame{
		TaskID:             task.ID,
		Type:               task.Type,
		Name:               task.Name,
		Params:             task.Params,
		Priority:           task.Priority,
		TimeoutSeconds:     int64(task.Timeout / time.Second),
		RequiredCapability: task.RequiredCapability,
	})
	if err != nil {
		slog.Error("Failed to encode task frame", "task_id", task.ID, "error", err)
		return
	}
	frame, _ := json.Marshal(Frame{Type: frameTask, Data: payload})

	if err := conn.Sender.Send(frame); err != nil {
		slog.Warn("Failed to push task to implant", "implant_id", implantID, "task_id", task.ID, "error", err)
	}
}

func (g *Gateway) readPump(sess *session) {
	defer func() {
		g.registry.OnDisconnect(context.Background(), sess.implantID)
		sess.shutdown()
	}()

	sess.conn.SetReadLimit(maxMessageSize)
	_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
	sess.conn.SetPongHandler(func(string) error {
		_ = sess.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("Implant channel closed unexpectedly", "implant_id", sess.implantID, "error", err)
			}
			return
		}
		g.tracker.Touch(sess.implantID, time.Now())

		if err := g.handleFrame(sess.implantID, message); err != nil {
			slog.Warn("Failed to handle implant frame", "implant_id", sess.implantID, "error", err)
		}
	}
}

func (g *Gateway) handleFrame(implantID string, raw []byte) error {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return fmt.Errorf("malformed frame: %w", err)
	}

	ctx := context.Background()
	switch frame.Type {
	case frameHeartbeat:
		return g.registry.Heartbeat(ctx, implantID)

	case frameTelemetry:
		var t telemetryFrame
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return fmt.Errorf("malformed telemetry frame: %w", err)
		}
		return g.registry.RecordTelemetry(ctx, &implants.TelemetrySample{
			ImplantID:        implantID,
			CPUPercent:       t.CPUPercent,
			MemoryMB:         t.MemoryMB,
			NetworkLatencyMs: t.NetworkLatencyMs,
			TasksCompleted:   t.TasksCompleted,
			TasksFailed:      t.TasksFailed,
			Anomaly:          t.Anomaly,
			RecordedAt:       time.Now(),
		})

	case frameStatus:
		var st statusFrame
		if err := json.Unmarshal(frame.Data, &st); err != nil {
			return fmt.Errorf("malformed status frame: %w", err)
		}
		return g.registry.ReportStatus(ctx, implantID, implants.Status(st.Status))

	case frameTaskResult:
		var r taskResultFrame
		if err := json.Unmarshal(frame.Data, &r); err != nil {
			return fmt.Errorf("malformed task result frame: %w", err)
		}
		return g.results.ReportResult(ctx, r.TaskID, implantID, r.Payload, r.Success)

	default:
		return fmt.Errorf("unknown frame type %q", frame.Type)
	}
}

// session is one live implant socket. It satisfies implants.Sender so
// the tracker can hand it to anything that needs to push frames.
type session struct {
	implantID string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

var errSessionClosed = errors.New("session closed")

func (s *session) Send(payload []byte) error {
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return fmt.Errorf("send buffer full for implant %s", s.implantID)
	}
}

func (s *session) Close() error {
	s.shutdown()
	return nil
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.shutdown()
	}()

	for {
		select {
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}
