package api

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/pifleet/panel/internal/auth"
	"github.com/pifleet/panel/internal/terminal"
)

// terminalHandler relays an interactive SSH shell on a registered device.
// The admin token is checked right after the upgrade, before the registry is
// read or any connection is made; a bad token closes with 1008. Credential
// and connection failures are reported as one text frame, then 1011.
func (s *Server) terminalHandler(c *gin.Context) {
	deviceID := c.Param("device_id")
	token := auth.ExtractToken(c.Query("token"))

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("Terminal websocket upgrade failed", "device_id", deviceID, "error", err)
		return
	}
	client := terminal.NewWSClient(conn)

	if !s.auth.Validate(token, auth.RoleAdmin) {
		s.logger.Warnw("Terminal rejected", "device_id", deviceID, "client", c.ClientIP())
		_ = client.Close(terminal.ClosePolicy, "invalid or missing token")
		return
	}

	ctx := c.Request.Context()
	sh, err := s.openShell(ctx, deviceID)
	if err != nil {
		s.logger.Warnw("Terminal session failed to start", "device_id", deviceID, "error", err)
		_ = client.WriteText(ctx, fmt.Sprintf("\r\nError: %v\r\n", err))
		_ = client.Close(terminal.CloseInternalError, "session failed")
		return
	}

	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()
	s.logger.Infow("Terminal session started", "device_id", deviceID)

	if err := terminal.NewRelay(sh, client, s.logger).Run(ctx); err != nil {
		s.logger.Warnw("Terminal session ended with error", "device_id", deviceID, "error", err)
		return
	}
	s.logger.Infow("Terminal session ended", "device_id", deviceID)
}

func (s *Server) openShell(ctx context.Context, deviceID string) (terminal.Shell, error) {
	creds, err := s.registry.Resolve(deviceID)
	if err != nil {
		return nil, err
	}
	return s.opener.Open(ctx, creds)
}
