package models

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

// Model tags the hardware variant behind a device
type Model int

const (
	ModelUnknown Model = iota
	ModelHygrotempSquare
	ModelHygrotempCGG1
	ModelRopot
	ModelParrotPot
	ModelWP6003
	ModelGeigerCounter
	ModelHiGrow
	ModelAirQualityMonitor
	ModelFlowerCare
)

var modelNames = map[Model]string{
	ModelUnknown:           "unknown",
	ModelHygrotempSquare:   "hygrotemp_square",
	ModelHygrotempCGG1:     "hygrotemp_cgg1",
	ModelRopot:             "ropot",
	ModelParrotPot:         "parrot_pot",
	ModelWP6003:            "wp6003",
	ModelGeigerCounter:     "geiger_counter",
	ModelHiGrow:            "higrow",
	ModelAirQualityMonitor: "air_quality_monitor",
	ModelFlowerCare:        "flower_care",
}

func (m Model) String() string {
	if s, ok := modelNames[m]; ok {
		return s
	}
	return fmt.Sprintf("model(%d)", int(m))
}

// ParseModel resolves a model name as produced by Model.String
func ParseModel(s string) (Model, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range modelNames {
		if name == s {
			return m, nil
		}
	}
	return ModelUnknown, fmt.Errorf("unknown model: %q", s)
}

// DeviceClass groups models by what they measure
type DeviceClass int

const (
	ClassPlantSensor DeviceClass = iota
	ClassThermometer
	ClassEnvironmental
)

func (c DeviceClass) String() string {
	switch c {
	case ClassPlantSensor:
		return "plant"
	case ClassThermometer:
		return "thermometer"
	case ClassEnvironmental:
		return "environmental"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Class returns the device class of the model
func (m Model) Class() DeviceClass {
	switch m {
	case ModelRopot, ModelParrotPot, ModelFlowerCare, ModelHiGrow:
		return ClassPlantSensor
	case ModelHygrotempSquare, ModelHygrotempCGG1:
		return ClassThermometer
	default:
		return ClassEnvironmental
	}
}

// known advertised services used as a fallback when the name is not recognised
var (
	serviceWP6003    = uuid.MustParse("0000fff0-0000-1000-8000-00805f9b34fb")
	serviceParrotPot = uuid.MustParse("39e1fa00-84a8-11e2-afba-0002a5d5c51b")
	serviceSquare    = uuid.MustParse("ebe0ccb0-7a0a-4b0c-8a1a-6ff2997da3a6")
	serviceCGG1      = uuid.MustParse("22210000-554a-4546-5542-46534450464d")
)

// NormalizeName folds vendor name variants into one display name
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	switch {
	case strings.HasPrefix(name, "Flower power"):
		return "Flower power"
	case strings.HasPrefix(name, "Parrot pot"):
		return "Parrot pot"
	case strings.HasPrefix(name, "6003#"):
		return "WP6003"
	}
	return name
}

// ResolveModel picks the model from a normalized name, falling back to
// the advertised service uuids
func ResolveModel(name string, services []uuid.UUID) Model {
	switch name {
	case "ropot":
		return ModelRopot
	case "Parrot pot":
		return ModelParrotPot
	case "LYWSD03MMC":
		return ModelHygrotempSquare
	case "WP6003":
		return ModelWP6003
	case "GeigerCounter":
		return ModelGeigerCounter
	case "HiGrow":
		return ModelHiGrow
	case "ClearGrass Temp & RH", "Qingping Temp & RH M":
		return ModelHygrotempCGG1
	case "AirQualityMonitor":
		return ModelAirQualityMonitor
	case "Flower care", "Flower mate", "Grow care garden":
		return ModelFlowerCare
	}

	for _, s := range services {
		switch s {
		case serviceWP6003:
			return ModelWP6003
		case serviceParrotPot:
			return ModelParrotPot
		case serviceSquare:
			return ModelHygrotempSquare
		case serviceCGG1:
			return ModelHygrotempCGG1
		}
	}
	return ModelUnknown
}

// DeviceIdentity is the immutable identity of a managed device
type DeviceIdentity struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Model   Model  `json:"model"`
}

// NewDeviceIdentity normalizes the name and resolves the model
func NewDeviceIdentity(address, name string, services ...uuid.UUID) DeviceIdentity {
	n := NormalizeName(name)
	return DeviceIdentity{
		Address: strings.ToUpper(strings.TrimSpace(address)),
		Name:    n,
		Model:   ResolveModel(n, services),
	}
}

// MAC returns the six address bytes in display order
func (d DeviceIdentity) MAC() ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(d.Address)
	if err != nil {
		return out, fmt.Errorf("failed to parse address %q: %w", d.Address, err)
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("address %q is not a 48-bit MAC", d.Address)
	}
	copy(out[:], hw)
	return out, nil
}

// Class is a shortcut for d.Model.Class()
func (d DeviceIdentity) Class() DeviceClass {
	return d.Model.Class()
}

func (d DeviceIdentity) String() string {
	return fmt.Sprintf("%s (%s, %s)", d.Address, d.Name, d.Model)
}
