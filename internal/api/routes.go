package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/kotori-ai/kotori/domain/entities"
	"github.com/kotori-ai/kotori/usecase"
)

// InitRoutes wires the local control surface. The service runs headless; a
// button handler or automation drives the conversation through these routes.
// confirmActivation releases a pending device-activation wait and may be nil
// when provisioning returned no activation challenge.
func InitRoutes(e *echo.Echo, coordinator *usecase.Coordinator, confirmActivation func(), logger *zap.Logger) {
	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "kotori",
		})
	})

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.GET("/state", func(c echo.Context) error {
		return c.JSON(http.StatusOK, coordinator.Snapshot())
	})

	v1.GET("/messages", func(c echo.Context) error {
		return c.JSON(http.StatusOK, coordinator.Messages())
	})

	v1.DELETE("/messages", func(c echo.Context) error {
		coordinator.ClearHistory()
		return c.NoContent(http.StatusNoContent)
	})

	v1.POST("/listen/start", func(c echo.Context) error {
		return startListening(c, coordinator, logger)
	})

	v1.POST("/listen/stop", func(c echo.Context) error {
		coordinator.StopListening()
		return c.NoContent(http.StatusAccepted)
	})

	v1.POST("/listen/cancel", func(c echo.Context) error {
		return cancelListening(c, coordinator, logger)
	})

	v1.POST("/interrupt", func(c echo.Context) error {
		coordinator.Interrupt()
		return c.NoContent(http.StatusAccepted)
	})

	v1.POST("/text", func(c echo.Context) error {
		return sendText(c, coordinator, logger)
	})

	v1.POST("/mute", func(c echo.Context) error {
		return setMuted(c, coordinator, logger)
	})

	v1.POST("/errors/ack", func(c echo.Context) error {
		coordinator.AcknowledgeError()
		return c.NoContent(http.StatusNoContent)
	})

	v1.POST("/activation/confirm", func(c echo.Context) error {
		if confirmActivation == nil {
			return c.JSON(http.StatusConflict, ErrorResponse{
				Error:   "no_pending_activation",
				Message: "The device is not waiting for activation",
			})
		}
		confirmActivation()
		return c.NoContent(http.StatusAccepted)
	})
}

func startListening(c echo.Context, coordinator *usecase.Coordinator, logger *zap.Logger) error {
	var req ListenRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind listen request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	mode := entities.TurnModeManual
	switch req.Mode {
	case "", string(entities.TurnModeManual):
	case string(entities.TurnModeAuto):
		mode = entities.TurnModeAuto
	default:
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_mode",
			Message: "Mode must be \"auto\" or \"manual\"",
		})
	}

	coordinator.StartListening(mode)
	return c.NoContent(http.StatusAccepted)
}

func cancelListening(c echo.Context, coordinator *usecase.Coordinator, logger *zap.Logger) error {
	var req AbortRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind abort request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.Reason == "" {
		req.Reason = "user_cancelled"
	}
	coordinator.CancelWithAbort(req.Reason)
	return c.NoContent(http.StatusAccepted)
}

func sendText(c echo.Context, coordinator *usecase.Coordinator, logger *zap.Logger) error {
	var req TextRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind text request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.Text == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "Text is required",
		})
	}
	coordinator.SendText(req.Text)
	return c.NoContent(http.StatusAccepted)
}

func setMuted(c echo.Context, coordinator *usecase.Coordinator, logger *zap.Logger) error {
	var req MuteRequest
	if err := c.Bind(&req); err != nil {
		logger.Error("Failed to bind mute request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	coordinator.SetMuted(req.Muted)
	return c.NoContent(http.StatusNoContent)
}
