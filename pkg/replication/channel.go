package replication

import (
	"fmt"
	"sync"
)

// ChannelState is the replication state of one logical database.
type ChannelState int

const (
	StateUnregistered ChannelState = iota
	StateRegistered
	StateSyncingLive
	StatePaused
	StateDenied
	StateError
)

func (state ChannelState) String() string {
	switch state {
	case StateUnregistered:
		return "Unregistered"
	case StateRegistered:
		return "Registered"
	case StateSyncingLive:
		return "SyncingLive"
	case StatePaused:
		return "Paused"
	case StateDenied:
		return "Denied"
	case StateError:
		return "Error"
	default:
		return "InvalidState"
	}
}

func (s ChannelState) validateTransitionTo(newState ChannelState) error {
	switch s {
	case StateUnregistered:
		if newState == StateRegistered {
			return nil
		}
	case StateRegistered:
		switch newState {
		case StateSyncingLive, StateDenied, StateError:
			return nil
		}
	case StateSyncingLive:
		switch newState {
		case StateSyncingLive, StatePaused, StateDenied, StateError:
			return nil
		}
	case StatePaused:
		switch newState {
		case StateSyncingLive, StatePaused, StateDenied, StateError:
			return nil
		}
	case StateError:
		// Error is retried; Denied is terminal.
		switch newState {
		case StateSyncingLive, StateDenied, StateError:
			return nil
		}
	case StateDenied:
		// Terminal.
	}

	return fmt.Errorf("invalid channel transition from %v to %v", s, newState)
}

// Channel is the handle for one registered logical database. Duplicate
// registration returns the same handle.
type Channel struct {
	name string

	mu         sync.Mutex
	state      ChannelState
	err        error
	backfilled bool
}

func newChannel(name string) *Channel {
	return &Channel{name: name, state: StateRegistered}
}

// Name returns the logical database name.
func (c *Channel) Name() string { return c.name }

// State returns the current replication state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that put the channel into Denied or Error.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// markBackfilled records that the database's complete remote history has
// been pulled; later sessions may resume from the checkpoint alone.
func (c *Channel) markBackfilled() {
	c.mu.Lock()
	c.backfilled = true
	c.mu.Unlock()
}

func (c *Channel) backfilledYet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backfilled
}

// transitionTo moves the channel to newState, reporting whether the
// transition was legal. Denied never transitions away.
func (c *Channel) transitionTo(newState ChannelState, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.state.validateTransitionTo(newState); err != nil {
		return false
	}
	c.state = newState
	c.err = cause
	return true
}
