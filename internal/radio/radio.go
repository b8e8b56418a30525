// Package radio connects the device manager to a BlueZ adapter
package radio

import "errors"

// ErrNotConnected is returned for requests on a device without a link
var ErrNotConnected = errors.New("not connected")

// Options configures the adapter
type Options struct {
	Adapter string // "hci0" by default
	// Watch lists the addresses whose advertisements are forwarded.
	// Scanning is off when empty.
	Watch []string
}
