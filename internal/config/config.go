package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "tracker.cfg.json"

// LinkConfig selects the vehicle transport.
type LinkConfig struct {
	// Type is "mavlink" or "sim".
	Type string `json:"type" mapstructure:"type"`
	// Endpoint is "udp://host:port" (listen), "udpc://host:port" (dial) or "tcp://host:port".
	Endpoint         string        `json:"endpoint" mapstructure:"endpoint"`
	SystemID         int           `json:"systemId" mapstructure:"systemId"`
	HeartbeatTimeout time.Duration `json:"heartbeatTimeout" mapstructure:"heartbeatTimeout"`
	AckTimeout       time.Duration `json:"ackTimeout" mapstructure:"ackTimeout"`
	// SubscriberBuffer is the telemetry queue size of each subscription.
	SubscriberBuffer int `json:"subscriberBuffer" mapstructure:"subscriberBuffer"`
	// SimHome is the "lat,lon,alt" home of the simulated vehicles.
	SimHome string `json:"simHome" mapstructure:"simHome"`
}

// SessionConfig selects the vehicles and how the main vehicle flies.
type SessionConfig struct {
	MainSystemID        int           `json:"mainSystemId" mapstructure:"mainSystemId"`
	TargetIndex         int           `json:"targetIndex" mapstructure:"targetIndex"`
	Control             string        `json:"control" mapstructure:"control"`
	SafetyOverride      bool          `json:"safetyOverride" mapstructure:"safetyOverride"`
	TakeoffAltitude     float64       `json:"takeoffAltitude" mapstructure:"takeoffAltitude"`
	DiscoveryTimeout    time.Duration `json:"discoveryTimeout" mapstructure:"discoveryTimeout"`
	DiscoveryPoll       time.Duration `json:"discoveryPoll" mapstructure:"discoveryPoll"`
	MinVehicles         int           `json:"minVehicles" mapstructure:"minVehicles"`
	HealthPollInterval  time.Duration `json:"healthPollInterval" mapstructure:"healthPollInterval"`
	HealthTimeout       time.Duration `json:"healthTimeout" mapstructure:"healthTimeout"`
	LandingPollInterval time.Duration `json:"landingPollInterval" mapstructure:"landingPollInterval"`
	LandingTimeout      time.Duration `json:"landingTimeout" mapstructure:"landingTimeout"`
	FollowDuration      time.Duration `json:"followDuration" mapstructure:"followDuration"`
	Land                bool          `json:"land" mapstructure:"land"`
}

// CommandConfig holds per-command corroboration deadlines.
type CommandConfig struct {
	DefaultDeadline time.Duration `json:"defaultDeadline" mapstructure:"defaultDeadline"`
	ArmDeadline     time.Duration `json:"armDeadline" mapstructure:"armDeadline"`
	TakeoffDeadline time.Duration `json:"takeoffDeadline" mapstructure:"takeoffDeadline"`
	LandDeadline    time.Duration `json:"landDeadline" mapstructure:"landDeadline"`
	ModeDeadline    time.Duration `json:"modeDeadline" mapstructure:"modeDeadline"`
}

// FollowConfig holds the follow geometry and loop cadence.
type FollowConfig struct {
	Interval          time.Duration `json:"interval" mapstructure:"interval"`
	MinHeight         float64       `json:"minHeight" mapstructure:"minHeight"`
	Distance          float64       `json:"distance" mapstructure:"distance"`
	Angle             float64       `json:"angle" mapstructure:"angle"`
	Responsiveness    float64       `json:"responsiveness" mapstructure:"responsiveness"`
	AltitudeReference string        `json:"altitudeReference" mapstructure:"altitudeReference"`
}

// LogConfig holds log output settings.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Dir        string `json:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `json:"maxSizeMB" mapstructure:"maxSizeMB"`
	MaxBackups int    `json:"maxBackups" mapstructure:"maxBackups"`
	Graylog    struct {
		Enabled bool   `json:"enabled" mapstructure:"enabled"`
		Address string `json:"address" mapstructure:"address"`
	} `json:"graylog" mapstructure:"graylog"`
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// InfluxConfig holds InfluxDB settings.
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// MonitorConfig holds status monitor settings.
type MonitorConfig struct {
	Enabled    bool          `json:"enabled" mapstructure:"enabled"`
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
	StatusFile string        `json:"statusFile" mapstructure:"statusFile"`
}

// HistoryConfig holds the session history database settings. Driver is
// "sqlite" or "postgres"; a failed postgres connection falls back to Path.
type HistoryConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Driver   string `json:"driver" mapstructure:"driver"`
	Path     string `json:"path" mapstructure:"path"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// SetDefaults registers every default value. Load calls it; tests and
// commands that skip the config file can call it directly.
func SetDefaults() {
	viper.SetDefault("link.type", "mavlink")
	viper.SetDefault("link.endpoint", "udp://0.0.0.0:14540")
	viper.SetDefault("link.systemId", 245)
	viper.SetDefault("link.heartbeatTimeout", "5s")
	viper.SetDefault("link.ackTimeout", "3s")
	viper.SetDefault("link.subscriberBuffer", 256)
	viper.SetDefault("link.simHome", "47.3977418,8.5455938,488")

	viper.SetDefault("session.mainSystemId", 0)
	viper.SetDefault("session.targetIndex", 1)
	viper.SetDefault("session.control", "offboard")
	viper.SetDefault("session.safetyOverride", false)
	viper.SetDefault("session.takeoffAltitude", 10.0)
	viper.SetDefault("session.discoveryTimeout", "3s")
	viper.SetDefault("session.discoveryPoll", "100ms")
	viper.SetDefault("session.minVehicles", 2)
	viper.SetDefault("session.healthPollInterval", "1s")
	viper.SetDefault("session.healthTimeout", "60s")
	viper.SetDefault("session.landingPollInterval", "1s")
	viper.SetDefault("session.landingTimeout", "120s")
	viper.SetDefault("session.followDuration", "0s")
	viper.SetDefault("session.land", true)

	viper.SetDefault("commands.defaultDeadline", "5s")
	viper.SetDefault("commands.armDeadline", "5s")
	viper.SetDefault("commands.takeoffDeadline", "13s")
	viper.SetDefault("commands.landDeadline", "10s")
	viper.SetDefault("commands.modeDeadline", "5s")

	viper.SetDefault("follow.interval", "5s")
	viper.SetDefault("follow.minHeight", 12.0)
	viper.SetDefault("follow.distance", 8.0)
	viper.SetDefault("follow.angle", 180.0)
	viper.SetDefault("follow.responsiveness", 0.5)
	viper.SetDefault("follow.altitudeReference", "relative_to_home")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.dir", "./logs")
	viper.SetDefault("logging.maxSizeMB", 50)
	viper.SetDefault("logging.maxBackups", 5)
	viper.SetDefault("logging.graylog.enabled", false)
	viper.SetDefault("logging.graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "tracker")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "tracker")
	viper.SetDefault("influx.bucket", "sessions")

	viper.SetDefault("monitor.enabled", true)
	viper.SetDefault("monitor.interval", "5s")
	viper.SetDefault("monitor.statusFile", "tracker.status.json")

	viper.SetDefault("history.enabled", true)
	viper.SetDefault("history.driver", "sqlite")
	viper.SetDefault("history.path", "./logs/tracker_history.db")
	viper.SetDefault("history.host", "localhost")
	viper.SetDefault("history.port", "5432")
	viper.SetDefault("history.username", "postgres")
	viper.SetDefault("history.password", "postgres")
	viper.SetDefault("history.database", "tracker")
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetLinkConfig returns the link configuration.
func GetLinkConfig() LinkConfig {
	return LinkConfig{
		Type:             viper.GetString("link.type"),
		Endpoint:         viper.GetString("link.endpoint"),
		SystemID:         viper.GetInt("link.systemId"),
		HeartbeatTimeout: viper.GetDuration("link.heartbeatTimeout"),
		AckTimeout:       viper.GetDuration("link.ackTimeout"),
		SubscriberBuffer: viper.GetInt("link.subscriberBuffer"),
		SimHome:          viper.GetString("link.simHome"),
	}
}

// GetSessionConfig returns the session configuration.
func GetSessionConfig() SessionConfig {
	return SessionConfig{
		MainSystemID:        viper.GetInt("session.mainSystemId"),
		TargetIndex:         viper.GetInt("session.targetIndex"),
		Control:             viper.GetString("session.control"),
		SafetyOverride:      viper.GetBool("session.safetyOverride"),
		TakeoffAltitude:     viper.GetFloat64("session.takeoffAltitude"),
		DiscoveryTimeout:    viper.GetDuration("session.discoveryTimeout"),
		DiscoveryPoll:       viper.GetDuration("session.discoveryPoll"),
		MinVehicles:         viper.GetInt("session.minVehicles"),
		HealthPollInterval:  viper.GetDuration("session.healthPollInterval"),
		HealthTimeout:       viper.GetDuration("session.healthTimeout"),
		LandingPollInterval: viper.GetDuration("session.landingPollInterval"),
		LandingTimeout:      viper.GetDuration("session.landingTimeout"),
		FollowDuration:      viper.GetDuration("session.followDuration"),
		Land:                viper.GetBool("session.land"),
	}
}

// GetCommandConfig returns the command deadlines.
func GetCommandConfig() CommandConfig {
	return CommandConfig{
		DefaultDeadline: viper.GetDuration("commands.defaultDeadline"),
		ArmDeadline:     viper.GetDuration("commands.armDeadline"),
		TakeoffDeadline: viper.GetDuration("commands.takeoffDeadline"),
		LandDeadline:    viper.GetDuration("commands.landDeadline"),
		ModeDeadline:    viper.GetDuration("commands.modeDeadline"),
	}
}

// GetFollowConfig returns the follow configuration.
func GetFollowConfig() FollowConfig {
	return FollowConfig{
		Interval:          viper.GetDuration("follow.interval"),
		MinHeight:         viper.GetFloat64("follow.minHeight"),
		Distance:          viper.GetFloat64("follow.distance"),
		Angle:             viper.GetFloat64("follow.angle"),
		Responsiveness:    viper.GetFloat64("follow.responsiveness"),
		AltitudeReference: viper.GetString("follow.altitudeReference"),
	}
}

// GetLogConfig returns the logging configuration.
func GetLogConfig() LogConfig {
	var lc LogConfig
	lc.Level = viper.GetString("logging.level")
	lc.Dir = viper.GetString("logging.dir")
	lc.MaxSizeMB = viper.GetInt("logging.maxSizeMB")
	lc.MaxBackups = viper.GetInt("logging.maxBackups")
	lc.Graylog.Enabled = viper.GetBool("logging.graylog.enabled")
	lc.Graylog.Address = viper.GetString("logging.graylog.address")
	return lc
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetInfluxConfig returns the InfluxDB configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Protocol: viper.GetString("influx.protocol"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// GetMonitorConfig returns the status monitor configuration.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:    viper.GetBool("monitor.enabled"),
		Interval:   viper.GetDuration("monitor.interval"),
		StatusFile: viper.GetString("monitor.statusFile"),
	}
}

// GetHistoryConfig returns the session history configuration.
func GetHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Enabled:  viper.GetBool("history.enabled"),
		Driver:   viper.GetString("history.driver"),
		Path:     viper.GetString("history.path"),
		Host:     viper.GetString("history.host"),
		Port:     viper.GetString("history.port"),
		Username: viper.GetString("history.username"),
		Password: viper.GetString("history.password"),
		Database: viper.GetString("history.database"),
	}
}
