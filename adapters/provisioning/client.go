package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kotori-ai/kotori/domain/repositories"
)

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReportPath     = "/api/v1/devices/report"
)

// Config holds configuration for the provisioning client.
// Required fields:
// - BaseURL: base URL of the provisioning service
// Optional fields with defaults:
// - ReportPath: path of the report endpoint (default: "/api/v1/devices/report")
// - Timeout: per-request timeout (default: 10s)
type Config struct {
	BaseURL    string
	ReportPath string
	Timeout    time.Duration
}

// ValidateConfig validates the provisioning Config
func ValidateConfig(config Config) error {
	if config.BaseURL == "" {
		return fmt.Errorf("provisioning base URL is required")
	}
	return nil
}

// Client reports the device to the provisioning service and receives the
// websocket endpoint plus optional activation info back.
type Client struct {
	baseURL    string
	reportPath string
	httpClient *http.Client
	logger     *zap.Logger
}

// Ensure Client implements the DeviceProvisioner interface
var _ repositories.DeviceProvisioner = (*Client)(nil)

func NewClient(config Config, logger *zap.Logger) (*Client, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	if config.ReportPath == "" {
		config.ReportPath = defaultReportPath
	}
	if config.Timeout == 0 {
		config.Timeout = defaultRequestTimeout
	}
	return &Client{
		baseURL:    config.BaseURL,
		reportPath: config.ReportPath,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
	}, nil
}

type reportRequest struct {
	ClientID string `json:"client_id"`
	DeviceID string `json:"device_id"`
}

type reportResponse struct {
	WebsocketURL string `json:"websocket_url"`
	Activation   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"activation,omitempty"`
}

// ReportDevice performs the single provisioning call
func (c *Client) ReportDevice(ctx context.Context, clientID, deviceID string) (*repositories.Provision, error) {
	payload, err := json.Marshal(reportRequest{ClientID: clientID, DeviceID: deviceID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.reportPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("report request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read report response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("report request returned status %d: %s", resp.StatusCode, string(body))
	}

	var parsed reportResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse report response: %w", err)
	}
	if parsed.WebsocketURL == "" {
		return nil, fmt.Errorf("report response missing websocket_url")
	}

	provision := &repositories.Provision{WebsocketURL: parsed.WebsocketURL}
	if parsed.Activation != nil {
		provision.Activation = &repositories.ActivationInfo{
			Code:    parsed.Activation.Code,
			Message: parsed.Activation.Message,
		}
		c.logger.Info("Device requires activation",
			zap.String("deviceID", deviceID),
			zap.String("code", provision.Activation.Code))
	}

	return provision, nil
}
