package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kotori-ai/kotori/domain/entities"
	"github.com/kotori-ai/kotori/domain/repositories"
)

// FileStore reads connection parameters from environment variables with
// optional overrides from a JSON settings file. When the file changes on
// disk, a notification is delivered on Changed so the owner can reconnect
// with fresh parameters.
type FileStore struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
	changed chan struct{}

	mu     sync.Mutex
	closed bool
}

var _ repositories.SettingsStore = (*FileStore)(nil)

// fileSettings is the on-disk override shape
type fileSettings struct {
	URL      string `json:"url,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
	Token    string `json:"token,omitempty"`
}

// NewFileStore creates a store over the given settings file path. An empty
// path disables the file layer and the watcher; env-only operation is valid.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		logger:  logger,
		changed: make(chan struct{}, 1),
	}

	if path == "" {
		return s, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create settings watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch settings file: %w", err)
	}
	s.watcher = watcher
	go s.watch()

	return s, nil
}

// ConnectionParams resolves the current parameters: file overrides win over
// environment values.
func (s *FileStore) ConnectionParams() (entities.ConnectionParams, error) {
	params := entities.ConnectionParams{
		URL:      os.Getenv("KOTORI_WS_URL"),
		DeviceID: os.Getenv("KOTORI_DEVICE_ID"),
		Token:    os.Getenv("KOTORI_TOKEN"),
	}

	if s.path == "" {
		return params, nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return params, nil
		}
		return params, fmt.Errorf("failed to read settings file: %w", err)
	}

	var overrides fileSettings
	if err := json.Unmarshal(data, &overrides); err != nil {
		return params, fmt.Errorf("failed to parse settings file: %w", err)
	}
	if overrides.URL != "" {
		params.URL = overrides.URL
	}
	if overrides.DeviceID != "" {
		params.DeviceID = overrides.DeviceID
	}
	if overrides.Token != "" {
		params.Token = overrides.Token
	}

	return params, nil
}

// Changed delivers one notification per batch of file modifications
func (s *FileStore) Changed() <-chan struct{} {
	return s.changed
}

func (s *FileStore) watch() {
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.logger.Info("Settings file changed", zap.String("path", s.path))
			select {
			case s.changed <- struct{}{}:
			default:
				// A notification is already pending; coalesce.
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Settings watcher error", zap.Error(err))
		}
	}
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
