package repositories

import "context"

// Provision is the provisioning service's answer to a device report
type Provision struct {
	WebsocketURL string          `json:"websocket_url"`
	Activation   *ActivationInfo `json:"activation,omitempty"`
}

// ActivationInfo is present when the device has not been claimed yet. The
// client must hold off connecting until activation is confirmed externally.
type ActivationInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DeviceProvisioner abstracts the device-provisioning service: a single
// request/response call made before connecting.
type DeviceProvisioner interface {
	ReportDevice(ctx context.Context, clientID, deviceID string) (*Provision, error)
}
