package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/kotori-ai/kotori/adapters/opus"
	paudio "github.com/kotori-ai/kotori/adapters/portaudio"
	"github.com/kotori-ai/kotori/adapters/provisioning"
	"github.com/kotori-ai/kotori/adapters/settings"
	"github.com/kotori-ai/kotori/domain/entities"
	"github.com/kotori-ai/kotori/internal/api"
	"github.com/kotori-ai/kotori/internal/audio"
	"github.com/kotori-ai/kotori/internal/protocol"
	"github.com/kotori-ai/kotori/internal/transport"
	"github.com/kotori-ai/kotori/usecase"
)

func main() {
	// Load .env if present; real env wins
	godotenv.Load()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	clientID := os.Getenv("KOTORI_CLIENT_ID")
	if clientID == "" {
		clientID = uuid.NewString()
		logger.Info("Generated client id", zap.String("clientID", clientID))
	}

	// Settings: env with optional watched file overrides
	store, err := settings.NewFileStore(os.Getenv("KOTORI_SETTINGS_FILE"), logger)
	if err != nil {
		logger.Fatal("Failed to open settings store", zap.Error(err))
	}
	defer store.Close()

	// Host audio subsystem
	if err := paudio.Initialize(); err != nil {
		logger.Fatal("Failed to initialize audio subsystem", zap.Error(err))
	}
	defer paudio.Terminate()

	audioParams := entities.DefaultAudioParams()
	codec := opus.NewCodec()
	devices := paudio.NewDeviceFactory(logger)
	capability := paudio.NewCapability()

	// The coordinator is created after the pipelines it owns; the pipelines
	// report errors to it through these late-bound closures.
	var coordinator *usecase.Coordinator

	tr := transport.New(clientID, logger)
	engine := protocol.NewEngine(tr, audioParams, logger)
	tr.SetHandler(engine)

	capturer := audio.NewCapturer(devices, codec, audioParams,
		func(frame []byte) { tr.SendBinary(frame) },
		func(err error) { coordinator.ReportAudioError(err) },
		logger)
	player := audio.NewPlayer(devices, codec, capability, audioParams,
		func(err error) { coordinator.ReportAudioError(err) },
		logger)

	coordinator = usecase.NewCoordinator(engine, capturer, player, logger)
	engine.SetEvents(coordinator)
	coordinator.Start()

	// Local control surface
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	activationConfirmed := make(chan struct{}, 1)
	confirmActivation := func() {
		select {
		case activationConfirmed <- struct{}{}:
		default:
		}
	}
	api.InitRoutes(e, coordinator, confirmActivation, logger)

	port := os.Getenv("KOTORI_PORT")
	if port == "" {
		port = "8080"
	}
	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()
	logger.Info("Control surface started", zap.String("port", port))

	// Resolve connection parameters and open the session
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runSession(ctx, coordinator, tr, store, clientID, activationConfirmed, logger)

	// Wait for interrupt signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel()
	tr.Disconnect()
	coordinator.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Control surface forced to shutdown", zap.Error(err))
	}

	logger.Info("Exited")
}

// runSession resolves connection parameters, provisioning the device when no
// endpoint is configured, then keeps the transport pointed at the freshest
// parameters as the settings file changes.
func runSession(
	ctx context.Context,
	coordinator *usecase.Coordinator,
	tr *transport.Transport,
	store *settings.FileStore,
	clientID string,
	activationConfirmed <-chan struct{},
	logger *zap.Logger,
) {
	connect := func() {
		params, err := store.ConnectionParams()
		if err != nil {
			logger.Error("Failed to read connection parameters", zap.Error(err))
			return
		}

		if params.URL == "" {
			url, ok := provisionEndpoint(ctx, clientID, params.DeviceID, activationConfirmed, logger)
			if !ok {
				return
			}
			params.URL = url
		}
		if !params.Complete() {
			logger.Warn("Connection parameters incomplete, staying offline",
				zap.Bool("haveURL", params.URL != ""),
				zap.Bool("haveDeviceID", params.DeviceID != ""))
			return
		}

		coordinator.NoteConnecting()
		tr.Connect(params.URL, params.DeviceID, params.Token)
	}

	connect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-store.Changed():
			logger.Info("Reconnecting with fresh parameters")
			tr.Disconnect()
			connect()
		}
	}
}

// provisionEndpoint reports the device to the provisioning service and waits
// out an activation challenge if one comes back.
func provisionEndpoint(
	ctx context.Context,
	clientID, deviceID string,
	activationConfirmed <-chan struct{},
	logger *zap.Logger,
) (string, bool) {
	baseURL := os.Getenv("KOTORI_PROVISIONING_URL")
	if baseURL == "" {
		logger.Warn("No endpoint configured and no provisioning service set, staying offline")
		return "", false
	}

	client, err := provisioning.NewClient(provisioning.Config{BaseURL: baseURL}, logger)
	if err != nil {
		logger.Error("Failed to create provisioning client", zap.Error(err))
		return "", false
	}

	provision, err := client.ReportDevice(ctx, clientID, deviceID)
	if err != nil {
		logger.Error("Device provisioning failed", zap.Error(err))
		return "", false
	}

	if provision.Activation != nil {
		logger.Info("Waiting for device activation",
			zap.String("code", provision.Activation.Code),
			zap.String("message", provision.Activation.Message))
		select {
		case <-ctx.Done():
			return "", false
		case <-activationConfirmed:
			logger.Info("Activation confirmed")
		}
	}

	return provision.WebsocketURL, true
}
