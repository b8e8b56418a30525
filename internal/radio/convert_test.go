//go:build linux

package radio

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afroash/plantmon/internal/protocol"
)

func TestUUIDConversion(t *testing.T) {
	for _, id := range []uuid.UUID{
		protocol.MiBeaconService,
		protocol.RopotServiceHistory,
		protocol.WP6003CharRX,
		protocol.CharBatteryLevel,
	} {
		bt, err := fromUUID(id)
		require.NoError(t, err)

		back, err := toUUID(bt)
		require.NoError(t, err)
		assert.Equal(t, id, back)
	}
}
