package infra

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eliteGoblin/focusd/watchman/internal/domain"
)

const (
	// DefaultChannelName names the shared control region.
	DefaultChannelName = "watchman_share_1010287"

	controlChannelSize = 4
)

// region is a mapped 4-byte shared memory segment provided by the platform files.
type region struct {
	word   *uint32      // Aligned start of the mapping
	unmap  func() error // Releases this process's view
	unlink func() error // Removes the named segment (nil if it vanishes with the last view)
}

// SharedControlChannel implements domain.ControlChannel on a named shared memory region.
// Each access is a single aligned 32-bit atomic load or store, so a reader never
// observes a torn token.
type SharedControlChannel struct {
	name string

	mu     sync.Mutex
	region *region
}

// CreateControlChannel creates (or reuses) the named region and initialises it to RUN_.
// The engine calls this once at start-up; failure is fatal.
func CreateControlChannel(name string) (*SharedControlChannel, error) {
	r, err := createRegion(name)
	if err != nil {
		return nil, fmt.Errorf("failed to create control channel %q: %w", name, err)
	}
	ch := &SharedControlChannel{name: name, region: r}
	if err := ch.Write(domain.StateRun); err != nil {
		ch.Close()
		return nil, err
	}
	return ch, nil
}

// OpenControlChannel attaches to an existing region.
// Returns domain.ErrChannelNotFound when no engine created it.
func OpenControlChannel(name string) (*SharedControlChannel, error) {
	r, err := openRegion(name)
	if err != nil {
		return nil, err
	}
	return &SharedControlChannel{name: name, region: r}, nil
}

// Name returns the region name.
func (c *SharedControlChannel) Name() string {
	return c.name
}

// Read returns the current token. A closed channel reads as unknown.
func (c *SharedControlChannel) Read() domain.ControlState {
	c.mu.Lock()
	r := c.region
	c.mu.Unlock()
	if r == nil {
		return domain.StateUnknown
	}
	return decodeState(atomic.LoadUint32(r.word))
}

// Write stores one of the RUN_/READ/EXIT tokens.
func (c *SharedControlChannel) Write(state domain.ControlState) error {
	if !state.IsToken() {
		return fmt.Errorf("invalid control token %q", state)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.region == nil {
		return errors.New("control channel is closed")
	}
	atomic.StoreUint32(c.region.word, encodeState(state))
	return nil
}

// Close unmaps the region. Other processes keep their views.
func (c *SharedControlChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.region == nil {
		return nil
	}
	err := c.region.unmap()
	c.region = nil
	return err
}

// Remove closes the channel and deletes the named region.
func (c *SharedControlChannel) Remove() error {
	c.mu.Lock()
	r := c.region
	c.mu.Unlock()

	var unlink func() error
	if r != nil {
		unlink = r.unlink
	}
	if err := c.Close(); err != nil {
		return err
	}
	if unlink != nil {
		return unlink()
	}
	return nil
}

// ReadState reports the engine state for name without ever failing:
// a missing region reads as StateNotRunning.
func ReadState(name string) domain.ControlState {
	ch, err := OpenControlChannel(name)
	if err != nil {
		return domain.StateNotRunning
	}
	defer ch.Close()
	return ch.Read()
}

// Request writes a token into a running engine's channel.
func Request(name string, state domain.ControlState) error {
	if !state.IsToken() {
		return fmt.Errorf("invalid control token %q", state)
	}
	ch, err := OpenControlChannel(name)
	if err != nil {
		return err
	}
	defer ch.Close()
	return ch.Write(state)
}

func encodeState(state domain.ControlState) uint32 {
	return binary.NativeEndian.Uint32([]byte(state))
}

func decodeState(v uint32) domain.ControlState {
	var b [controlChannelSize]byte
	binary.NativeEndian.PutUint32(b[:], v)
	return domain.ParseControlState(b[:])
}

// Ensure SharedControlChannel implements domain.ControlChannel.
var _ domain.ControlChannel = (*SharedControlChannel)(nil)
