// Package api defines the interface through which sessions notify the
// backing platform of device lifecycle events. The gateway core never
// talks HTTP itself; deployments inject their own implementation.
package api

import (
	"github.com/corelink-protocol/corelink-go/pkg/wire"
)

// Client receives device lifecycle notifications from sessions.
// Implementations must be safe for concurrent use; calls happen on
// session goroutines and should return quickly.
type Client interface {
	// LinkDevice reports a claim code announced by a freshly connected
	// device so the platform can bind it to a user account.
	LinkDevice(id wire.DeviceID, claimCode string, productID uint16) error

	// SafeMode reports that a device came up in safe mode, with the
	// raw event payload it sent.
	SafeMode(id wire.DeviceID, payload string) error
}

// Nop is a Client that ignores every notification. Used when the
// gateway runs standalone.
type Nop struct{}

// LinkDevice ignores the notification.
func (Nop) LinkDevice(wire.DeviceID, string, uint16) error { return nil }

// SafeMode ignores the notification.
func (Nop) SafeMode(wire.DeviceID, string) error { return nil }

// Compile-time interface satisfaction check.
var _ Client = Nop{}
