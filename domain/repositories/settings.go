package repositories

import "github.com/kotori-ai/kotori/domain/entities"

// SettingsStore reads connection parameters and reports external changes to
// them. Changed delivers a notification whenever the backing store is
// modified; the receiver is expected to re-read and reconnect.
type SettingsStore interface {
	ConnectionParams() (entities.ConnectionParams, error)
	Changed() <-chan struct{}
	Close() error
}
