package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"
)

// wsHandler upgrades HTTP connections to WebSocket and delegates to
// the ConnectionManager. Origins outside the configured allowlist are
// rejected; with an empty allowlist only same-origin clients connect.
func (s *Server) wsHandler(c *echo.Context) error {
	if s.connMgr == nil {
		return echo.NewHTTPError(503, "WebSocket not available")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: s.cfg.Server.AllowedWSOrigins,
	})
	if err != nil {
		return err
	}

	// HandleConnection blocks until the WebSocket closes.
	s.connMgr.HandleConnection(c.Request().Context(), conn)
	return nil
}
