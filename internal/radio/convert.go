//go:build linux

package radio

import (
	"github.com/google/uuid"
	"tinygo.org/x/bluetooth"
)

func toUUID(u bluetooth.UUID) (uuid.UUID, error) {
	return uuid.Parse(u.String())
}

func fromUUID(u uuid.UUID) (bluetooth.UUID, error) {
	return bluetooth.ParseUUID(u.String())
}
