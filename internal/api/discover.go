package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pifleet/panel/internal/sysinfo"
)

// discoverHandler runs a scan and streams it as Server-Sent Events. Request
// errors are answered with a status code before the stream starts. The scan
// is bound to the request context, so a client that goes away cancels it.
func (s *Server) discoverHandler(c *gin.Context) {
	var body DiscoverRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scan request: " + err.Error()})
		return
	}

	req := s.scanner.Defaults(body.toScan())
	sess, err := s.scanner.Start(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Scan-Id", sess.ID)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	events := sess.Events()
	for {
		select {
		case <-c.Request.Context().Done():
			s.logger.Infow("Scan client disconnected", "scan_id", sess.ID)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.SSEvent(string(ev.Kind), ev.Payload())
			c.Writer.Flush()
		}
	}
}

func (s *Server) scanListHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scans": s.scanner.Sessions()})
}

func (s *Server) scanCancelHandler(c *gin.Context) {
	id := c.Param("id")
	if !s.scanner.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
		return
	}
	s.logger.Infow("Scan cancelled by request", "scan_id", id)
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "scan_id": id})
}

func (s *Server) localNetworksHandler(c *gin.Context) {
	nets, err := sysinfo.LocalNetworks(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, nets)
}
