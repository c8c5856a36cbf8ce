package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/jflournoy/beamsearch/pkg/progress"
)

const wsWriteTimeout = 10 * time.Second

// clientMessage is the one shape a client sends: a subscribe request naming
// the job to follow.
type clientMessage struct {
	Type  string `json:"type"`
	JobID string `json:"jobId"`
}

// websocketHandler accepts the upgrade on any path (spec §6) and serves a
// single connection: the client sends one subscribe message, the server
// confirms it and then streams progress.Message values verbatim until a
// complete, error or cancelled message has been sent, the job bus closes
// the subscription, or the connection drops. After a stream ends the
// handler waits for the next subscribe message. Ill-formed messages are
// ignored rather than closing the connection.
func (s *Server) websocketHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := c.Request.Context()
	var unsubscribe func()
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type != "subscribe" || msg.JobID == "" {
			continue
		}

		if unsubscribe != nil {
			unsubscribe()
		}

		ch, handle := s.bus.Subscribe(msg.JobID)
		unsubscribe = func() { s.bus.Unsubscribe(handle) }

		if err := writeJSON(ctx, conn, map[string]string{"type": "subscribed", "jobId": msg.JobID}); err != nil {
			return
		}

		if !s.streamJob(ctx, conn, ch) {
			return
		}
		unsubscribe()
		unsubscribe = nil
	}
}

// streamJob forwards messages from ch to conn until it has sent a
// complete, error or cancelled message, or ch closes (the bus dropped or
// finished the subscription). The connection is not read while a stream
// is in progress, so a client cannot re-subscribe mid-stream.
// Returns false if the connection itself failed and the caller should stop.
func (s *Server) streamJob(ctx context.Context, conn *websocket.Conn, ch <-chan progress.Message) bool {
	for msg := range ch {
		if err := writeJSON(ctx, conn, msg); err != nil {
			return false
		}
		if msg.Type == progress.TypeComplete || msg.Type == progress.TypeError || msg.Type == progress.TypeCancelled {
			return true
		}
	}
	return true
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal websocket message", "error", err)
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}
