package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/afroash/plantmon/internal/models"
	"github.com/afroash/plantmon/internal/protocol"
)

// Update intervals are expressed in minutes and clamped to this range
const (
	MinUpdateInterval = 5
	MaxUpdateInterval = 120

	DefaultPlantInterval  = 60
	DefaultThermoInterval = 30
	DefaultErrorInterval  = 10
)

// Config holds all configuration for the device manager
type Config struct {
	Gateway         GatewayConfig  `yaml:"gateway"`
	Adapter         string         `yaml:"adapter"`
	Devices         []DeviceConfig `yaml:"devices"`
	Intervals       IntervalConfig `yaml:"intervals"`
	Timeout         time.Duration  `yaml:"timeout"`
	TemperatureUnit string         `yaml:"temperature_unit"`
	Notifications   bool           `yaml:"notifications"`
	OrderBy         string         `yaml:"order_by"`
	Database        DatabaseConfig `yaml:"database"`
	MQTT            MQTTConfig     `yaml:"mqtt"`
	NATS            NATSConfig     `yaml:"nats"`
	Uplink          UplinkConfig   `yaml:"uplink"`
	Buffer          BufferConfig   `yaml:"buffer"`
	API             APIConfig      `yaml:"api"`
	Logging         LoggingConfig  `yaml:"logging"`
}

// GatewayConfig identifies this host to remote collectors
type GatewayConfig struct {
	ID       string `yaml:"id"`
	Location string `yaml:"location"`
}

// DeviceConfig describes one managed device
type DeviceConfig struct {
	Address   string        `yaml:"address"`
	Name      string        `yaml:"name"`
	Model     string        `yaml:"model"` // optional, overrides name based detection
	PlantName string        `yaml:"plant_name"`
	Location  string        `yaml:"location"`
	Limits    *LimitsConfig `yaml:"limits"`
}

// LimitsConfig overrides the default comfort range of a plant
type LimitsConfig struct {
	SoilMoistureMin     int `yaml:"soil_moisture_min"`
	SoilMoistureMax     int `yaml:"soil_moisture_max"`
	SoilConductivityMin int `yaml:"soil_conductivity_min"`
	SoilConductivityMax int `yaml:"soil_conductivity_max"`
	TemperatureMin      int `yaml:"temperature_min"`
	TemperatureMax      int `yaml:"temperature_max"`
	HumidityMin         int `yaml:"humidity_min"`
	HumidityMax         int `yaml:"humidity_max"`
	LuminosityMin       int `yaml:"luminosity_min"`
	LuminosityMax       int `yaml:"luminosity_max"`
}

// IntervalConfig holds update periods in minutes
type IntervalConfig struct {
	Plant  int `yaml:"plant"`
	Thermo int `yaml:"thermo"`
	Error  int `yaml:"error"`
}

// DatabaseConfig contains storage settings
type DatabaseConfig struct {
	Path            string        `yaml:"path"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupSchedule string        `yaml:"cleanup_schedule"`
	BatchSize       int           `yaml:"batch_size"`
	FlushPeriod     time.Duration `yaml:"flush_period"`
	QueueSize       int           `yaml:"queue_size"`
}

// MQTTConfig contains broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// NATSConfig contains NATS settings. An empty URL disables the bridge.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Token         string `yaml:"token"`
}

// UplinkConfig contains connection settings for the remote collector
type UplinkConfig struct {
	URL                  string        `yaml:"url"`
	AuthToken            string        `yaml:"auth_token"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	PingInterval         time.Duration `yaml:"ping_interval"`
	PongTimeout          time.Duration `yaml:"pong_timeout"`
}

// BufferConfig contains settings for the uplink reading buffer
type BufferConfig struct {
	Size       int  `yaml:"size"`
	DropOldest bool `yaml:"drop_oldest"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	config.OverrideFromEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// ApplyDefaults sets default values for any unset fields
func (c *Config) ApplyDefaults() {
	if c.Gateway.ID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Gateway.ID = host
		} else {
			c.Gateway.ID = "plantmon"
		}
	}
	if c.Adapter == "" {
		c.Adapter = "hci0"
	}
	if c.Intervals.Plant == 0 {
		c.Intervals.Plant = DefaultPlantInterval
	}
	if c.Intervals.Thermo == 0 {
		c.Intervals.Thermo = DefaultThermoInterval
	}
	if c.Intervals.Error == 0 {
		c.Intervals.Error = DefaultErrorInterval
	}
	if c.Timeout == 0 {
		c.Timeout = 16 * time.Second
	}
	if c.TemperatureUnit == "" {
		c.TemperatureUnit = string(models.Celsius)
	}
	if c.OrderBy == "" {
		c.OrderBy = "model"
	}

	if c.Database.Path == "" {
		c.Database.Path = "./data/plantmon.db"
	}
	if c.Database.RetentionDays == 0 {
		c.Database.RetentionDays = 365
	}
	if c.Database.CleanupSchedule == "" {
		c.Database.CleanupSchedule = "@hourly"
	}
	if c.Database.BatchSize == 0 {
		c.Database.BatchSize = 100
	}
	if c.Database.FlushPeriod == 0 {
		c.Database.FlushPeriod = 5 * time.Second
	}
	if c.Database.QueueSize == 0 {
		c.Database.QueueSize = 1000
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "plantmon-" + c.Gateway.ID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "plantmon"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "plantmon"
	}

	if c.Uplink.ConnectTimeout == 0 {
		c.Uplink.ConnectTimeout = 10 * time.Second
	}
	if c.Uplink.ReconnectInterval == 0 {
		c.Uplink.ReconnectInterval = 1 * time.Second
	}
	if c.Uplink.MaxReconnectInterval == 0 {
		c.Uplink.MaxReconnectInterval = 5 * time.Minute
	}
	if c.Uplink.PingInterval == 0 {
		c.Uplink.PingInterval = 30 * time.Second
	}
	if c.Uplink.PongTimeout == 0 {
		c.Uplink.PongTimeout = 10 * time.Second
	}
	if c.Buffer.Size == 0 {
		c.Buffer.Size = 1000
		c.Buffer.DropOldest = true
	}

	c.API.applyDefaults()

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// OverrideFromEnv overrides config values from environment variables
func (c *Config) OverrideFromEnv() {
	// Only override if environment variable is set (non-empty)
	if v := os.Getenv("PLANTMON_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("PLANTMON_MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("PLANTMON_NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("UPLINK_URL"); v != "" {
		c.Uplink.URL = v
	}
	if v := os.Getenv("UPLINK_AUTH_TOKEN"); v != "" {
		c.Uplink.AuthToken = v
	}
	if v := os.Getenv("API_AUTH_TOKEN"); v != "" {
		c.API.AuthToken = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		id := models.NewDeviceIdentity(d.Address, d.Name)
		if _, err := id.MAC(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if seen[id.Address] {
			return fmt.Errorf("devices[%d]: duplicate address %s", i, id.Address)
		}
		seen[id.Address] = true
		if d.Model != "" {
			m, err := models.ParseModel(d.Model)
			if err != nil {
				return fmt.Errorf("devices[%d]: %w", i, err)
			}
			if !slices.Contains(protocol.Models(), m) {
				return fmt.Errorf("devices[%d]: no decoder for model %s", i, m)
			}
		}
		if d.Limits != nil {
			if err := d.PlantLimits().Validate(); err != nil {
				return fmt.Errorf("devices[%d]: %w", i, err)
			}
		}
	}

	if c.Timeout < 1*time.Second {
		return fmt.Errorf("timeout must be at least 1 second")
	}
	switch models.TempUnit(strings.ToUpper(c.TemperatureUnit)) {
	case models.Celsius, models.Fahrenheit:
	default:
		return fmt.Errorf("temperature unit must be C or F, got %q", c.TemperatureUnit)
	}
	switch c.OrderBy {
	case "address", "name", "model", "location", "plant":
	default:
		return fmt.Errorf("order_by must be one of address, name, model, location, plant")
	}
	if c.Database.RetentionDays < 1 {
		return fmt.Errorf("retention days must be at least 1")
	}
	if c.Database.BatchSize < 1 {
		return fmt.Errorf("database batch size must be at least 1")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if c.Uplink.URL != "" {
		if !strings.HasPrefix(c.Uplink.URL, "ws://") && !strings.HasPrefix(c.Uplink.URL, "wss://") {
			return fmt.Errorf("uplink URL must start with ws:// or wss://")
		}
		if c.Uplink.AuthToken == "" {
			return fmt.Errorf("uplink auth token is required")
		}
		if c.Uplink.ReconnectInterval < 1*time.Second {
			return fmt.Errorf("reconnect interval must be at least 1 second")
		}
	}
	if c.Buffer.Size < 10 || c.Buffer.Size > 100000 {
		return fmt.Errorf("buffer size must be between 10 and 100000")
	}
	return c.API.validate()
}

// Unit returns the configured temperature unit
func (c *Config) Unit() models.TempUnit {
	return models.TempUnit(strings.ToUpper(c.TemperatureUnit))
}

// Identity returns the identity of a configured device
func (d DeviceConfig) Identity() models.DeviceIdentity {
	id := models.NewDeviceIdentity(d.Address, d.Name)
	if m, err := models.ParseModel(d.Model); err == nil && d.Model != "" {
		id.Model = m
	}
	return id
}

// PlantLimits returns the configured limits, or the defaults
func (d DeviceConfig) PlantLimits() models.PlantLimits {
	if d.Limits == nil {
		return models.DefaultPlantLimits()
	}
	return models.PlantLimits(*d.Limits)
}

// UpdateInterval returns the update period for a device class. Values
// outside [MinUpdateInterval, MaxUpdateInterval] fall back to the class default.
func (i IntervalConfig) UpdateInterval(class models.DeviceClass) time.Duration {
	minutes, fallback := i.Thermo, DefaultThermoInterval
	if class == models.ClassPlantSensor {
		minutes, fallback = i.Plant, DefaultPlantInterval
	}
	if minutes < MinUpdateInterval || minutes > MaxUpdateInterval {
		minutes = fallback
	}
	return time.Duration(minutes) * time.Minute
}

// ErrorInterval returns the retry period after a failed action
func (i IntervalConfig) ErrorInterval() time.Duration {
	if i.Error < 1 || i.Error > MaxUpdateInterval {
		return DefaultErrorInterval * time.Minute
	}
	return time.Duration(i.Error) * time.Minute
}

// String returns a safe string representation (hides tokens and passwords)
func (c *Config) String() string {
	return fmt.Sprintf("Config{Gateway: %+v, Adapter: %s, Devices: %d, Intervals: %+v, Database: %+v, "+
		"MQTT: [Broker=%s, User=%s, Password=%s], NATS: [URL=%s, Token=%s], "+
		"Uplink: [URL=%s, Token=%s], API: [Addr=%s, Token=%s], Logging: %+v}",
		c.Gateway,
		c.Adapter,
		len(c.Devices),
		c.Intervals,
		c.Database,
		c.MQTT.Broker,
		c.MQTT.Username,
		maskToken(c.MQTT.Password),
		c.NATS.URL,
		maskToken(c.NATS.Token),
		c.Uplink.URL,
		maskToken(c.Uplink.AuthToken),
		c.API.Addr(),
		maskToken(c.API.AuthToken),
		c.Logging,
	)
}

// maskToken masks all but first 4 characters of a token
func maskToken(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
