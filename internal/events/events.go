// Package events forwards device events to message brokers and routes
// remote action requests back to the device manager.
package events

import (
	"fmt"
	"strings"
	"sync"

	"github.com/afroash/plantmon/internal/models"
	"github.com/afroash/plantmon/internal/session"
)

// Actioner runs an action on a managed device
type Actioner interface {
	RequestAction(address string, action models.Action) error
}

// Fanout delivers every event to each of its publishers
type Fanout struct {
	mu   sync.RWMutex
	pubs []session.Publisher
}

// NewFanout creates a fanout over pubs. Nil publishers are skipped.
func NewFanout(pubs ...session.Publisher) *Fanout {
	f := &Fanout{}
	for _, p := range pubs {
		f.Add(p)
	}
	return f
}

// Add registers another publisher
func (f *Fanout) Add(p session.Publisher) {
	if p == nil {
		return
	}
	f.mu.Lock()
	f.pubs = append(f.pubs, p)
	f.mu.Unlock()
}

// Publish implements session.Publisher
func (f *Fanout) Publish(ev models.DeviceEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.pubs {
		p.Publish(ev)
	}
}

// DeviceToken turns a MAC address into a topic and subject safe token,
// "C4:7C:8D:6A:1B:2C" becomes "c47c8d6a1b2c".
func DeviceToken(address string) string {
	return strings.ToLower(strings.ReplaceAll(address, ":", ""))
}

// ParseDeviceToken reverses DeviceToken
func ParseDeviceToken(token string) (string, error) {
	if len(token) != 12 {
		return "", fmt.Errorf("invalid device token %q", token)
	}
	var b strings.Builder
	for i := 0; i < 12; i += 2 {
		c1, c2 := token[i], token[i+1]
		if !isHex(c1) || !isHex(c2) {
			return "", fmt.Errorf("invalid device token %q", token)
		}
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strings.ToUpper(token[i : i+2]))
	}
	return b.String(), nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
