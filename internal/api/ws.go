package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hackgods/triage-telemetry/internal/monitor"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// MonitorStream pushes the summary view to monitoring displays on a fixed
// interval, starting with one frame right after the upgrade.
type MonitorStream struct {
	svc      *monitor.Service
	interval time.Duration
	log      *zap.Logger
}

func NewMonitorStream(svc *monitor.Service, interval time.Duration, log *zap.Logger) *MonitorStream {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &MonitorStream{svc: svc, interval: interval, log: log}
}

func (m *MonitorStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// the read pump only notices the client going away
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.push(ctx, conn); err != nil {
			m.log.Debug("websocket closed", zap.Error(err))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *MonitorStream) push(ctx context.Context, conn *websocket.Conn) error {
	summary, err := m.svc.Summary(ctx)
	if err != nil {
		m.log.Warn("monitor summary failed", zap.Error(err))
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "summary unavailable"),
			time.Now().Add(wsWriteWait),
		)
		return err
	}

	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(summary)
}
