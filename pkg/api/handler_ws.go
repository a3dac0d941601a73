package api

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/wikilabs/wikinav/pkg/events"
)

// liveEventsHandler handles GET /live/:id. It upgrades to WebSocket and
// streams the run's events as JSON text frames: first the full history
// of the topic, then live events as they happen. The connection closes
// normally when the run finishes and its topic is drained.
func (s *Server) liveEventsHandler(c *echo.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// The benchmark UI is served from a different origin in
		// development; origin allowlisting would go here.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	// The client never sends application messages; CloseRead owns the
	// read loop and cancels the context when the peer disconnects.
	ctx := conn.CloseRead(c.Request().Context())

	sub := s.bus.Subscribe(events.RunTopic(runID))
	defer sub.Close()

	s.logger.Info("Live event stream opened", "run_id", runID)
	defer s.logger.Info("Live event stream closed", "run_id", runID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case data, ok := <-sub.C():
			if !ok {
				// Run finished and every buffered event was delivered.
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return nil
			}
			if err := s.writeFrame(ctx, conn, data); err != nil {
				return nil
			}
		}
	}
}

// writeFrame sends one event with the per-connection write timeout.
func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
