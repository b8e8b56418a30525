package sensor

import (
	"sort"
	"time"

	"github.com/afroash/plantmon/internal/models"
	"github.com/afroash/plantmon/internal/version"
)

// DeviceStatus is a point in time view of one managed device
type DeviceStatus struct {
	Address         string                `json:"address"`
	Name            string                `json:"name"`
	Model           string                `json:"model"`
	Class           string                `json:"class"`
	State           string                `json:"state"`
	Firmware        string                `json:"firmware"`
	FirmwareCurrent bool                  `json:"firmware_current"`
	FirmwareLatest  string                `json:"firmware_latest,omitempty"`
	Battery         int                   `json:"battery"`
	PlantName       string                `json:"plant_name,omitempty"`
	Location        string                `json:"location,omitempty"`
	LastReading     *models.SensorReading `json:"last_reading,omitempty"`
	HeatIndex       *float64              `json:"heat_index,omitempty"`
	LastUpdate      time.Time             `json:"last_update"`
	LastError       string                `json:"last_error,omitempty"`
	LastErrorAt     time.Time             `json:"last_error_at"`
	Errored         bool                  `json:"errored"`
	Fresh           bool                  `json:"fresh"`
	Available       bool                  `json:"available"`
	HistoryProgress int                   `json:"history_progress,omitempty"`
	LastHistorySync time.Time             `json:"last_history_sync"`
	NextUpdate      time.Time             `json:"next_update"`
	Limits          *models.PlantLimits   `json:"limits,omitempty"`
}

func (m *Manager) status(d *device) DeviceStatus {
	s := d.session
	id := s.Identity()
	info := s.Device()
	errAt, err := s.LastError()

	st := DeviceStatus{
		Address:         id.Address,
		Name:            id.Name,
		Model:           id.Model.String(),
		Class:           id.Class().String(),
		State:           s.State().String(),
		Firmware:        info.Firmware,
		FirmwareCurrent: info.FirmwareCurrent,
		Battery:         info.Battery,
		PlantName:       info.PlantName,
		Location:        info.Location,
		LastReading:     s.LastReading(),
		LastUpdate:      s.LastUpdate(),
		LastErrorAt:     errAt,
		Errored:         s.IsErrored(),
		Fresh:           s.IsDataFresh(),
		Available:       s.IsDataAvailable(),
		HistoryProgress: s.HistoryProgress(),
		LastHistorySync: info.LastHistorySync,
		NextUpdate:      m.sched.Next(id.Address),
	}
	if latest, ok := version.Latest(id.Model); ok {
		st.FirmwareLatest = latest
	}
	if err != nil {
		st.LastError = models.ErrorKind(err)
	}
	if st.LastReading != nil {
		if hi, ok := st.LastReading.HeatIndex(m.opts.TempUnit); ok {
			st.HeatIndex = &hi
		}
	}
	if id.Class() == models.ClassPlantSensor {
		l := s.Limits()
		st.Limits = &l
	}
	return st
}

// Device returns the status of one device
func (m *Manager) Device(address string) (DeviceStatus, bool) {
	d := m.lookup(address)
	if d == nil {
		return DeviceStatus{}, false
	}
	return m.status(d), true
}

// Devices returns the status of every device, sorted by the configured order
func (m *Manager) Devices() []DeviceStatus {
	m.mu.RLock()
	out := make([]DeviceStatus, 0, len(m.order))
	for _, address := range m.order {
		out = append(out, m.status(m.devices[address]))
	}
	m.mu.RUnlock()

	SortDevices(out, m.opts.OrderBy)
	return out
}

// SortDevices orders statuses by address, name, model, location or plant.
// Ties and unknown keys fall back to the address.
func SortDevices(list []DeviceStatus, orderBy string) {
	key := func(s DeviceStatus) string {
		switch orderBy {
		case "name":
			return s.Name
		case "model":
			return s.Model
		case "location":
			return s.Location
		case "plant":
			return s.PlantName
		default:
			return s.Address
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		ki, kj := key(list[i]), key(list[j])
		if ki != kj {
			return ki < kj
		}
		return list[i].Address < list[j].Address
	})
}
