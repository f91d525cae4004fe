package portaudio

import (
	"errors"
	"sync"

	"github.com/kotori-ai/kotori/domain/repositories"
)

// Capability is the host-audio capability surface for desktop targets. The
// portaudio host APIs on desktop have no audio-focus arbitration, so
// exclusive access is granted whenever no other playback session in this
// process holds it; echo cancellation is assumed absent and left to the
// remote endpoint.
type Capability struct {
	mu   sync.Mutex
	held bool
}

var _ repositories.AudioCapability = (*Capability)(nil)

func NewCapability() *Capability {
	return &Capability{}
}

func (c *Capability) AcquireExclusiveAccess() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held {
		return errors.New("exclusive audio access already held")
	}
	c.held = true
	return nil
}

func (c *Capability) ReleaseExclusiveAccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held = false
}

func (c *Capability) HasEchoCancellation() bool {
	return false
}
