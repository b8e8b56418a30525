package models

import "time"

// GatewayInfo describes the host running the device manager
type GatewayInfo struct {
	ID        string    `json:"id"`
	Location  string    `json:"location"`
	Adapter   string    `json:"adapter"`
	Version   string    `json:"version"`
	StartTime time.Time `json:"start_time"`
}

// Uptime returns the duration since the gateway started
func (g *GatewayInfo) Uptime() time.Duration {
	return time.Since(g.StartTime)
}

// NewGatewayInfo creates a new GatewayInfo with the current time as start time
func NewGatewayInfo(id, location, adapter, version string) *GatewayInfo {
	return &GatewayInfo{
		ID:        id,
		Location:  location,
		Adapter:   adapter,
		Version:   version,
		StartTime: time.Now(),
	}
}
