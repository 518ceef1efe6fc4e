package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pifleet/panel/internal/registry"
	"github.com/pifleet/panel/internal/shell"
	"github.com/pifleet/panel/internal/system"
)

var errDeviceUnreachable = errors.New("device unreachable")

const (
	detailsTimeout = 15 * time.Second
	commandTimeout = 10 * time.Second
)

func (s *Server) deviceListHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.List())
}

func (s *Server) deviceGetHandler(c *gin.Context) {
	d, err := s.registry.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d.Redacted())
}

func (s *Server) deviceCreateHandler(c *gin.Context) {
	s.upsertDevice(c, "", http.StatusCreated)
}

func (s *Server) deviceUpdateHandler(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.registry.Get(id); err != nil {
		s.fail(c, err)
		return
	}
	s.upsertDevice(c, id, http.StatusOK)
}

func (s *Server) upsertDevice(c *gin.Context, id string, status int) {
	var in registry.DeviceInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and base_url required"})
		return
	}
	d, err := s.registry.Upsert(in, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Infow("Device saved", "device_id", d.ID, "name", d.Name)
	c.JSON(status, d.Redacted())
}

func (s *Server) deviceDeleteHandler(c *gin.Context) {
	id := c.Param("id")
	if err := s.registry.Delete(id); err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Infow("Device deleted", "device_id", id)
	c.Status(http.StatusNoContent)
}

// withDevice connects to the device named in the path, hands the session to
// fn and closes it afterwards. Errors from either step are answered.
func (s *Server) withDevice(c *gin.Context, timeout time.Duration, fn func(ctx context.Context, sess RemoteSession) error) {
	id := c.Param("id")
	creds, err := s.registry.Resolve(id)
	if err != nil {
		s.fail(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	sess, err := s.dial(ctx, creds)
	if err != nil {
		s.logger.Warnw("Device connection failed", "device_id", id, "host", creds.Host, "error", err)
		s.fail(c, fmt.Errorf("%w: %s: %v", errDeviceUnreachable, creds.Host, err))
		return
	}
	defer func() { _ = sess.Close() }()

	if err := fn(ctx, sess); err != nil {
		s.fail(c, err)
	}
}

func (s *Server) deviceDetailsHandler(c *gin.Context) {
	s.withDevice(c, detailsTimeout, func(ctx context.Context, sess RemoteSession) error {
		details, err := system.Details(ctx, sess)
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, details)
		return nil
	})
}

func (s *Server) deviceCommandHandler(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command required"})
		return
	}
	s.withDevice(c, commandTimeout, func(ctx context.Context, sess RemoteSession) error {
		res, err := system.Exec(ctx, sess, req.Command)
		if err != nil {
			return err
		}
		s.logger.Infow("Device command executed", "device_id", c.Param("id"), "command", req.Command, "code", res.Code)
		c.JSON(http.StatusOK, CommandResponse{
			Stdout:   res.Stdout,
			Stderr:   res.Stderr,
			ExitCode: strconv.Itoa(res.Code),
		})
		return nil
	})
}

func (s *Server) deviceServiceListHandler(c *gin.Context) {
	s.withDevice(c, commandTimeout, func(ctx context.Context, sess RemoteSession) error {
		names, err := system.NewServices(sess, s.whitelist).List(ctx)
		if err != nil {
			return err
		}
		c.JSON(http.StatusOK, names)
		return nil
	})
}

func (s *Server) deviceServiceStatusHandler(c *gin.Context) {
	var req ServiceStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "services required"})
		return
	}
	s.withDevice(c, detailsTimeout, func(ctx context.Context, sess RemoteSession) error {
		c.JSON(http.StatusOK, system.NewServices(sess, s.whitelist).StatusMany(ctx, req.Services))
		return nil
	})
}

func (s *Server) deviceServiceActionHandler(c *gin.Context) {
	var req ServiceActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and action required"})
		return
	}
	s.withDevice(c, commandTimeout, func(ctx context.Context, sess RemoteSession) error {
		res, err := system.NewServices(sess, s.whitelist).Action(ctx, req.Name, req.Action)
		if err != nil {
			return err
		}
		s.logger.Infow("Device service action", "device_id", c.Param("id"), "service", req.Name, "action", req.Action, "code", res.Code)
		c.JSON(http.StatusOK, res)
		return nil
	})
}

func (s *Server) deviceRebootHandler(c *gin.Context) {
	if !confirmed(c, system.ConfirmReboot) {
		return
	}
	s.withDevice(c, commandTimeout, func(ctx context.Context, sess RemoteSession) error {
		res, err := system.NewPower(sess, true).Reboot(ctx)
		return s.respondPower(c, res, err)
	})
}

func (s *Server) devicePoweroffHandler(c *gin.Context) {
	if !confirmed(c, system.ConfirmPoweroff) {
		return
	}
	s.withDevice(c, commandTimeout, func(ctx context.Context, sess RemoteSession) error {
		res, err := system.NewPower(sess, true).Poweroff(ctx)
		return s.respondPower(c, res, err)
	})
}

func (s *Server) respondPower(c *gin.Context, res shell.Result, err error) error {
	if err != nil {
		return err
	}
	s.logger.Warnw("Power action requested", "path", c.Request.URL.Path, "code", res.Code)
	c.JSON(http.StatusOK, res)
	return nil
}

// confirmed checks the X-Confirm header and answers 400 when it does not
// carry want.
func confirmed(c *gin.Context, want string) bool {
	if c.GetHeader("X-Confirm") == want {
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("confirm by sending X-Confirm: %s", want)})
	return false
}
