package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/agentrun/internal/eventstore"
)

// StreamConfig tunes websocket connections.
type StreamConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

func (c StreamConfig) normalized() StreamConfig {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	return c
}

// Streamer serves a run's events over a websocket: stored events after a sequence first, then live ones.
type Streamer struct {
	hub      *Hub
	store    eventstore.Store
	cfg      StreamConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewStreamer(hub *Hub, store eventstore.Store, cfg StreamConfig, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		hub:    hub,
		store:  store,
		cfg:    cfg.normalized(),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Serve upgrades the request and streams runID from fromSequence until either side closes.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, runID string, fromSequence int64) error {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade: %w", err)
	}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	// Subscribe before backfilling so nothing committed in between is missed.
	sub := s.hub.Subscribe(runID)
	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.hub.Unsubscribe(sub)
		_ = ws.Close()
	}()

	go s.readPump(ws, cancel)

	last, err := s.backfill(ctx, ws, runID, fromSequence)
	if err != nil {
		s.logger.Warn("stream backfill failed", slog.String("run_id", runID), slog.Any("error", err))
		s.writeError(ws, runID, err)
		return nil
	}
	s.writePump(ctx, ws, sub, last)
	return nil
}

func (s *Streamer) backfill(ctx context.Context, ws *websocket.Conn, runID string, from int64) (int64, error) {
	last := from
	for evt, err := range s.store.LoadEvents(ctx, runID, from) {
		if err != nil {
			return last, err
		}
		data, err := EncodeEvent(evt)
		if err != nil {
			return last, err
		}
		if err := s.write(ws, websocket.TextMessage, data); err != nil {
			return last, err
		}
		last = evt.Sequence
	}
	return last, nil
}

// readPump discards client frames and keeps the read deadline fresh on pongs.
func (s *Streamer) readPump(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("stream read error", slog.Any("error", err))
			}
			return
		}
	}
}

func (s *Streamer) writePump(ctx context.Context, ws *websocket.Conn, sub *Subscriber, last int64) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.write(ws, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-sub.Done():
			_ = s.write(ws, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"))
			return
		case f := <-sub.send:
			if f.sequence <= last {
				continue
			}
			// Publication is not ordered across appends; a skipped sequence is read back from the log.
			if f.sequence > last+1 {
				filled, err := s.backfill(ctx, ws, sub.RunID, last)
				if err != nil {
					s.logger.Warn("stream gap fill failed", slog.String("run_id", sub.RunID), slog.Int64("after", last), slog.Any("error", err))
					return
				}
				last = filled
				if f.sequence <= last {
					continue
				}
			}
			if err := s.write(ws, websocket.TextMessage, f.data); err != nil {
				return
			}
			last = f.sequence
		case <-ticker.C:
			if err := s.write(ws, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Streamer) write(ws *websocket.Conn, messageType int, data []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return ws.WriteMessage(messageType, data)
}

func (s *Streamer) writeError(ws *websocket.Conn, runID string, err error) {
	data, _ := json.Marshal(Frame{Type: FrameError, RunID: runID, Error: err.Error()})
	_ = s.write(ws, websocket.TextMessage, data)
	_ = s.write(ws, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, ""))
}
