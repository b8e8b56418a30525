package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// bt16 expands a 16-bit assigned number onto the Bluetooth base uuid
func bt16(v uint16) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("0000%04x-0000-1000-8000-00805f9b34fb", v))
}

// bt32 expands a 32-bit short uuid onto the Bluetooth base uuid
func bt32(v uint32) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("%08x-0000-1000-8000-00805f9b34fb", v))
}

// Standard GATT services shared by several models
var (
	ServiceDeviceInfo = bt16(0x180a)
	ServiceBattery    = bt16(0x180f)

	CharFirmware     = bt16(0x2a26)
	CharBatteryLevel = bt16(0x2a19)
)
