//go:build !linux

package radio

import (
	"errors"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/afroash/plantmon/internal/sensor"
)

// Open fails on platforms without BlueZ
func Open(opts Options, logger zerolog.Logger) (sensor.Radio, error) {
	return nil, errors.New("bluetooth adapter not supported on " + runtime.GOOS)
}
