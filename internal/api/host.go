package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pifleet/panel/internal/archive"
	"github.com/pifleet/panel/internal/auth"
	"github.com/pifleet/panel/internal/system"
	"github.com/pifleet/panel/internal/terminal"
	"github.com/pifleet/panel/internal/whitelist"
)

const (
	minMetricsInterval = 500 * time.Millisecond
	execTimeout        = 30 * time.Second
)

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.collector.Host(c.Request.Context()))
}

func (s *Server) metricsHandler(c *gin.Context) {
	m, err := s.collector.Collect(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// metricsSocketHandler pushes a metrics sample every ?interval= seconds.
func (s *Server) metricsSocketHandler(c *gin.Context) {
	interval := s.config.Metrics.Interval
	if raw := c.Query("interval"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil && secs > 0 {
			interval = time.Duration(secs * float64(time.Second))
		}
	}
	if interval < minMetricsInterval {
		interval = minMetricsInterval
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("Metrics websocket upgrade failed", "error", err)
		return
	}
	client := terminal.NewWSClient(conn)
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go drain(ctx, cancel, client)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m, err := s.collector.Collect(ctx)
		if err != nil {
			s.logger.Warnw("Metrics sample failed", "error", err)
			_ = client.Close(terminal.CloseInternalError, "metrics unavailable")
			return
		}
		if err := conn.WriteJSON(m); err != nil {
			_ = client.Close(terminal.CloseNormal, "")
			return
		}
		select {
		case <-ctx.Done():
			_ = client.Close(terminal.CloseNormal, "")
			return
		case <-ticker.C:
		}
	}
}

// drain reads and discards client frames, cancelling ctx once the client
// goes away.
func drain(ctx context.Context, cancel context.CancelFunc, client terminal.Client) {
	defer cancel()
	for {
		if _, err := client.ReadText(ctx); err != nil {
			return
		}
	}
}

func (s *Server) serviceListHandler(c *gin.Context) {
	names, err := s.services.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, names)
}

func (s *Server) serviceActionHandler(c *gin.Context) {
	var req ServiceActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and action required"})
		return
	}
	res, err := s.services.Action(c.Request.Context(), req.Name, req.Action)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Infow("Service action", "service", req.Name, "action", req.Action, "code", res.Code)
	c.JSON(http.StatusOK, res)
}

func (s *Server) serviceStatusHandler(c *gin.Context) {
	var req ServiceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "services required"})
		return
	}
	c.JSON(http.StatusOK, s.services.StatusMany(c.Request.Context(), req.Services))
}

func (s *Server) execHandler(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command required"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), execTimeout)
	defer cancel()

	res, err := system.Exec(ctx, s.runner, req.Command)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Infow("Command executed", "command", req.Command, "code", res.Code)
	c.JSON(http.StatusOK, res)
}

func (s *Server) rebootHandler(c *gin.Context) {
	if !confirmed(c, system.ConfirmReboot) {
		return
	}
	res, err := s.power.Reboot(c.Request.Context())
	if err := s.respondPower(c, res, err); err != nil {
		s.fail(c, err)
	}
}

func (s *Server) poweroffHandler(c *gin.Context) {
	if !confirmed(c, system.ConfirmPoweroff) {
		return
	}
	res, err := s.power.Poweroff(c.Request.Context())
	if err := s.respondPower(c, res, err); err != nil {
		s.fail(c, err)
	}
}

func (s *Server) logsDownloadHandler(c *gin.Context) {
	lines := system.DownloadDefault
	if raw := c.Query("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be an integer"})
			return
		}
		lines = n
	}

	out, err := s.journal.Download(c.Request.Context(), c.Query("unit"), lines)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.String(http.StatusOK, out)
}

// logsSocketHandler follows the journal over a WebSocket. The token may come
// from ?token= or the Authorization header and needs the readonly role.
func (s *Server) logsSocketHandler(c *gin.Context) {
	token := auth.ExtractToken(c.Query("token"))
	if token == "" {
		token = auth.BearerToken(c.GetHeader("Authorization"))
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("Logs websocket upgrade failed", "error", err)
		return
	}
	client := terminal.NewWSClient(conn)

	if !s.auth.Validate(token, auth.RoleReadonly) {
		_ = client.Close(terminal.ClosePolicy, "invalid or missing token")
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go drain(ctx, cancel, client)

	unit := c.Query("unit")
	err = s.journal.Stream(ctx, unit, func(line string) error {
		return client.WriteText(ctx, line)
	})
	switch {
	case errors.Is(err, whitelist.ErrNotAllowed):
		_ = client.Close(terminal.ClosePolicy, err.Error())
	case err != nil && !errors.Is(err, terminal.ErrClosed):
		s.logger.Warnw("Log stream failed", "unit", unit, "error", err)
		_ = client.WriteText(ctx, fmt.Sprintf("log stream failed: %v", err))
		_ = client.Close(terminal.CloseInternalError, "log stream failed")
	default:
		_ = client.Close(terminal.CloseNormal, "")
	}
}

func (s *Server) dockerAvailable(c *gin.Context) bool {
	if s.docker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "docker integration disabled"})
		return false
	}
	return true
}

func (s *Server) dockerInfoHandler(c *gin.Context) {
	if !s.dockerAvailable(c) {
		return
	}
	info, err := s.docker.Info(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) dockerContainersHandler(c *gin.Context) {
	if !s.dockerAvailable(c) {
		return
	}
	all := true
	if raw := c.Query("all"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "all must be a boolean"})
			return
		}
		all = v
	}
	list, err := s.docker.Containers(c.Request.Context(), all)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) dockerActionHandler(c *gin.Context) {
	if !s.dockerAvailable(c) {
		return
	}
	container, err := s.docker.Apply(c.Request.Context(), c.Param("id"), c.Param("action"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, container)
}

func (s *Server) backupHandler(c *gin.Context) {
	name := fmt.Sprintf("pi-panel-backup-%s.tar.gz", time.Now().UTC().Format("20060102-150405"))
	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	c.Status(http.StatusOK)

	paths := []string{s.whitelist.Path(), s.registry.Path(), ".env"}
	if err := archive.WriteBackup(c.Writer, paths, s.logger); err != nil {
		s.logger.Errorw("Backup failed", "error", err)
		return
	}
	s.logger.Infow("Backup downloaded", "file", name)
}

func (s *Server) deployArchiveHandler(c *gin.Context) {
	target := c.Query("target_dir")
	if target == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_dir required"})
		return
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, err)
		return
	}
	defer func() { _ = f.Close() }()

	out, err := s.deployer.Archive(c.Request.Context(), fh.Filename, f, target)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) deployGitHandler(c *gin.Context) {
	var req DeployGitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "target_dir required"})
		return
	}
	out, err := s.deployer.GitPull(c.Request.Context(), req.TargetDir, req.Branch)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
