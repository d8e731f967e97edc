package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "rollcap_recorder.cfg.json"

// ErrNotFound is returned by Load when no config file exists. Defaults are
// still in place, so callers may warn and continue.
var ErrNotFound = errors.New("config file not found")

// SessionConfig holds run-level settings
type SessionConfig struct {
	OutputDir       string        `json:"outputDir" mapstructure:"outputDir"`
	MaxDuration     time.Duration `json:"maxDuration" mapstructure:"maxDuration"`
	JoinTimeout     time.Duration `json:"joinTimeout" mapstructure:"joinTimeout"`
	StatusInterval  time.Duration `json:"statusInterval" mapstructure:"statusInterval"`
	BatteryInterval time.Duration `json:"batteryInterval" mapstructure:"batteryInterval"`
}

// CaptureConfig holds the sampling rates of the sensor and video loops
type CaptureConfig struct {
	SensorHz          float64       `json:"sensorHz" mapstructure:"sensorHz"`
	VideoFps          float64       `json:"videoFps" mapstructure:"videoFps"`
	SensorReadTimeout time.Duration `json:"sensorReadTimeout" mapstructure:"sensorReadTimeout"`
	FrameReadTimeout  time.Duration `json:"frameReadTimeout" mapstructure:"frameReadTimeout"`
}

// MovementConfig holds the random drive schedule
type MovementConfig struct {
	Enabled              bool          `json:"enabled" mapstructure:"enabled"`
	Hz                   float64       `json:"hz" mapstructure:"hz"`
	Mode                 string        `json:"mode" mapstructure:"mode"`
	MinSpeed             int           `json:"minSpeed" mapstructure:"minSpeed"`
	MaxSpeed             int           `json:"maxSpeed" mapstructure:"maxSpeed"`
	MinHold              time.Duration `json:"minHold" mapstructure:"minHold"`
	MaxHold              time.Duration `json:"maxHold" mapstructure:"maxHold"`
	ReverseChance        float64       `json:"reverseChance" mapstructure:"reverseChance"`
	Jitter               float64       `json:"jitter" mapstructure:"jitter"`
	MoveTime             time.Duration `json:"moveTime" mapstructure:"moveTime"`
	CollectTime          time.Duration `json:"collectTime" mapstructure:"collectTime"`
	MaxConsecutiveErrors int           `json:"maxConsecutiveErrors" mapstructure:"maxConsecutiveErrors"`
	RecoverySpeed        int           `json:"recoverySpeed" mapstructure:"recoverySpeed"`
}

// SimulatedDeviceConfig tunes the simulated robot
type SimulatedDeviceConfig struct {
	Latency         time.Duration `json:"latency" mapstructure:"latency"`
	FailEvery       int           `json:"failEvery" mapstructure:"failEvery"`
	DisconnectAfter int           `json:"disconnectAfter" mapstructure:"disconnectAfter"`
	Seed            uint64        `json:"seed" mapstructure:"seed"`
}

// DeviceConfig holds robot transport settings
type DeviceConfig struct {
	Type        string                `json:"type" mapstructure:"type"`
	Transport   string                `json:"transport" mapstructure:"transport"`
	Port        string                `json:"port" mapstructure:"port"`
	IMUPort     string                `json:"imuPort" mapstructure:"imuPort"`
	BaudRate    int                   `json:"baudRate" mapstructure:"baudRate"`
	DataBits    int                   `json:"dataBits" mapstructure:"dataBits"`
	StopBits    int                   `json:"stopBits" mapstructure:"stopBits"`
	Parity      string                `json:"parity" mapstructure:"parity"`
	CallTimeout time.Duration         `json:"callTimeout" mapstructure:"callTimeout"`
	Simulated   SimulatedDeviceConfig `json:"simulated" mapstructure:"simulated"`
}

// CameraConfig holds frame source settings
type CameraConfig struct {
	Type      string `json:"type" mapstructure:"type"`
	Width     int    `json:"width" mapstructure:"width"`
	Height    int    `json:"height" mapstructure:"height"`
	URL       string `json:"url" mapstructure:"url"`
	FailEvery int    `json:"failEvery" mapstructure:"failEvery"`
}

// VideoConfig holds video encoder settings
type VideoConfig struct {
	Encoder    string `json:"encoder" mapstructure:"encoder"`
	Quality    int    `json:"quality" mapstructure:"quality"`
	FFmpegPath string `json:"ffmpegPath" mapstructure:"ffmpegPath"`
}

// MemoryConfig holds in-memory/JSON export mirror settings
type MemoryConfig struct {
	Enabled        bool `json:"enabled" mapstructure:"enabled"`
	CompressOutput bool `json:"compressOutput" mapstructure:"compressOutput"`
}

// SQLiteConfig holds SQLite mirror settings
type SQLiteConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// PostgresConfig holds PostgreSQL mirror settings
type PostgresConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// DSN returns the connection string for the gorm postgres driver.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		c.Host, c.Port, c.Username, c.Password, c.Database)
}

// StorageConfig holds persistence timing and mirror settings
type StorageConfig struct {
	FlushInterval      time.Duration  `json:"flushInterval" mapstructure:"flushInterval"`
	BackupInterval     time.Duration  `json:"backupInterval" mapstructure:"backupInterval"`
	FinalFlushAttempts int            `json:"finalFlushAttempts" mapstructure:"finalFlushAttempts"`
	Memory             MemoryConfig   `json:"memory" mapstructure:"memory"`
	SQLite             SQLiteConfig   `json:"sqlite" mapstructure:"sqlite"`
	Postgres           PostgresConfig `json:"postgres" mapstructure:"postgres"`
}

// InfluxConfig holds InfluxDB connection settings
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
}

// WebsocketConfig holds live stream settings
type WebsocketConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" mapstructure:"url"`
	Secret  string `json:"secret" mapstructure:"secret"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled        bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName    string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout   time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	MetricInterval time.Duration `json:"metricInterval" mapstructure:"metricInterval"`
	Endpoint       string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure       bool          `json:"insecure" mapstructure:"insecure"`
}

// SetDefaults registers every default value with viper.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")
	viper.SetDefault("logFormat", "text")
	viper.SetDefault("logConsole", true)

	viper.SetDefault("session.outputDir", "./collected_data")
	viper.SetDefault("session.maxDuration", "0s")
	viper.SetDefault("session.joinTimeout", "5s")
	viper.SetDefault("session.statusInterval", "5s")
	viper.SetDefault("session.batteryInterval", "5m")

	viper.SetDefault("capture.sensorHz", 20.0)
	viper.SetDefault("capture.videoFps", 30.0)
	viper.SetDefault("capture.sensorReadTimeout", "40ms")
	viper.SetDefault("capture.frameReadTimeout", "200ms")

	viper.SetDefault("movement.enabled", true)
	viper.SetDefault("movement.hz", 5.0)
	viper.SetDefault("movement.mode", "continuous")
	viper.SetDefault("movement.minSpeed", 100)
	viper.SetDefault("movement.maxSpeed", 255)
	viper.SetDefault("movement.minHold", "300ms")
	viper.SetDefault("movement.maxHold", "1s")
	viper.SetDefault("movement.reverseChance", 0.05)
	viper.SetDefault("movement.jitter", 0.5)
	viper.SetDefault("movement.moveTime", "10s")
	viper.SetDefault("movement.collectTime", "5s")
	viper.SetDefault("movement.maxConsecutiveErrors", 10)
	viper.SetDefault("movement.recoverySpeed", 30)

	viper.SetDefault("device.type", "simulated")
	viper.SetDefault("device.transport", "shared")
	viper.SetDefault("device.port", "/dev/ttyUSB0")
	viper.SetDefault("device.imuPort", "")
	viper.SetDefault("device.baudRate", 115200)
	viper.SetDefault("device.dataBits", 8)
	viper.SetDefault("device.stopBits", 1)
	viper.SetDefault("device.parity", "N")
	viper.SetDefault("device.callTimeout", "100ms")
	viper.SetDefault("device.simulated.latency", "2ms")
	viper.SetDefault("device.simulated.failEvery", 0)
	viper.SetDefault("device.simulated.disconnectAfter", 0)
	viper.SetDefault("device.simulated.seed", 0)

	viper.SetDefault("camera.type", "synthetic")
	viper.SetDefault("camera.width", 640)
	viper.SetDefault("camera.height", 480)
	viper.SetDefault("camera.url", "")
	viper.SetDefault("camera.failEvery", 0)

	viper.SetDefault("video.encoder", "mjpeg")
	viper.SetDefault("video.quality", 85)
	viper.SetDefault("video.ffmpegPath", "ffmpeg")

	viper.SetDefault("storage.flushInterval", "1s")
	viper.SetDefault("storage.backupInterval", "30s")
	viper.SetDefault("storage.finalFlushAttempts", 3)
	viper.SetDefault("storage.memory.enabled", false)
	viper.SetDefault("storage.memory.compressOutput", true)
	viper.SetDefault("storage.sqlite.enabled", false)
	viper.SetDefault("storage.sqlite.dumpInterval", "1m")
	viper.SetDefault("storage.postgres.enabled", false)
	viper.SetDefault("storage.postgres.host", "localhost")
	viper.SetDefault("storage.postgres.port", "5432")
	viper.SetDefault("storage.postgres.username", "postgres")
	viper.SetDefault("storage.postgres.password", "postgres")
	viper.SetDefault("storage.postgres.database", "rollcap")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "rollcap")

	viper.SetDefault("websocket.enabled", false)
	viper.SetDefault("websocket.url", "")
	viper.SetDefault("websocket.secret", "")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "rollcap-recorder")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.metricInterval", "30s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// Load sets default values, enables ROLLCAP_ environment overrides and reads
// the JSON config file from configDir. A missing file yields ErrNotFound with
// the defaults still applied.
func Load(configDir string) error {
	SetDefaults()

	viper.SetEnvPrefix("ROLLCAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return fmt.Errorf("%w in %s", ErrNotFound, configDir)
		}
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

// GetSessionConfig returns the session configuration.
func GetSessionConfig() SessionConfig {
	return SessionConfig{
		OutputDir:       viper.GetString("session.outputDir"),
		MaxDuration:     viper.GetDuration("session.maxDuration"),
		JoinTimeout:     viper.GetDuration("session.joinTimeout"),
		StatusInterval:  viper.GetDuration("session.statusInterval"),
		BatteryInterval: viper.GetDuration("session.batteryInterval"),
	}
}

// GetCaptureConfig returns the capture rates.
func GetCaptureConfig() CaptureConfig {
	return CaptureConfig{
		SensorHz:          viper.GetFloat64("capture.sensorHz"),
		VideoFps:          viper.GetFloat64("capture.videoFps"),
		SensorReadTimeout: viper.GetDuration("capture.sensorReadTimeout"),
		FrameReadTimeout:  viper.GetDuration("capture.frameReadTimeout"),
	}
}

// GetMovementConfig returns the movement schedule.
func GetMovementConfig() MovementConfig {
	return MovementConfig{
		Enabled:              viper.GetBool("movement.enabled"),
		Hz:                   viper.GetFloat64("movement.hz"),
		Mode:                 viper.GetString("movement.mode"),
		MinSpeed:             viper.GetInt("movement.minSpeed"),
		MaxSpeed:             viper.GetInt("movement.maxSpeed"),
		MinHold:              viper.GetDuration("movement.minHold"),
		MaxHold:              viper.GetDuration("movement.maxHold"),
		ReverseChance:        viper.GetFloat64("movement.reverseChance"),
		Jitter:               viper.GetFloat64("movement.jitter"),
		MoveTime:             viper.GetDuration("movement.moveTime"),
		CollectTime:          viper.GetDuration("movement.collectTime"),
		MaxConsecutiveErrors: viper.GetInt("movement.maxConsecutiveErrors"),
		RecoverySpeed:        viper.GetInt("movement.recoverySpeed"),
	}
}

// GetDeviceConfig returns the robot transport configuration.
func GetDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Type:        viper.GetString("device.type"),
		Transport:   viper.GetString("device.transport"),
		Port:        viper.GetString("device.port"),
		IMUPort:     viper.GetString("device.imuPort"),
		BaudRate:    viper.GetInt("device.baudRate"),
		DataBits:    viper.GetInt("device.dataBits"),
		StopBits:    viper.GetInt("device.stopBits"),
		Parity:      viper.GetString("device.parity"),
		CallTimeout: viper.GetDuration("device.callTimeout"),
		Simulated: SimulatedDeviceConfig{
			Latency:         viper.GetDuration("device.simulated.latency"),
			FailEvery:       viper.GetInt("device.simulated.failEvery"),
			DisconnectAfter: viper.GetInt("device.simulated.disconnectAfter"),
			Seed:            viper.GetUint64("device.simulated.seed"),
		},
	}
}

// GetCameraConfig returns the frame source configuration.
func GetCameraConfig() CameraConfig {
	return CameraConfig{
		Type:      viper.GetString("camera.type"),
		Width:     viper.GetInt("camera.width"),
		Height:    viper.GetInt("camera.height"),
		URL:       viper.GetString("camera.url"),
		FailEvery: viper.GetInt("camera.failEvery"),
	}
}

// GetVideoConfig returns the video encoder configuration.
func GetVideoConfig() VideoConfig {
	return VideoConfig{
		Encoder:    viper.GetString("video.encoder"),
		Quality:    viper.GetInt("video.quality"),
		FFmpegPath: viper.GetString("video.ffmpegPath"),
	}
}

// GetStorageConfig returns the storage configuration.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		FlushInterval:      viper.GetDuration("storage.flushInterval"),
		BackupInterval:     viper.GetDuration("storage.backupInterval"),
		FinalFlushAttempts: viper.GetInt("storage.finalFlushAttempts"),
		Memory: MemoryConfig{
			Enabled:        viper.GetBool("storage.memory.enabled"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
		},
		SQLite: SQLiteConfig{
			Enabled:      viper.GetBool("storage.sqlite.enabled"),
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
		},
		Postgres: PostgresConfig{
			Enabled:  viper.GetBool("storage.postgres.enabled"),
			Host:     viper.GetString("storage.postgres.host"),
			Port:     viper.GetString("storage.postgres.port"),
			Username: viper.GetString("storage.postgres.username"),
			Password: viper.GetString("storage.postgres.password"),
			Database: viper.GetString("storage.postgres.database"),
		},
	}
}

// GetInfluxConfig returns the InfluxDB configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Protocol: viper.GetString("influx.protocol"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
	}
}

// GetWebsocketConfig returns the live stream configuration.
func GetWebsocketConfig() WebsocketConfig {
	return WebsocketConfig{
		Enabled: viper.GetBool("websocket.enabled"),
		URL:     viper.GetString("websocket.url"),
		Secret:  viper.GetString("websocket.secret"),
	}
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:        viper.GetBool("otel.enabled"),
		ServiceName:    viper.GetString("otel.serviceName"),
		BatchTimeout:   viper.GetDuration("otel.batchTimeout"),
		MetricInterval: viper.GetDuration("otel.metricInterval"),
		Endpoint:       viper.GetString("otel.endpoint"),
		Insecure:       viper.GetBool("otel.insecure"),
	}
}
