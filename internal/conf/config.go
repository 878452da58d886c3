// config.go: settings struct and functions to load and save the application settings.
package conf

import (
	"embed"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/birdsense-go/internal/errors"
)

//go:embed config.yaml
var configFiles embed.FS

// SensorSettings contains settings for the monitoring loop.
type SensorSettings struct {
	DeviceID          string   // unique sensor identifier, generated on first run and persisted
	Threshold         float64  // minimum confidence for a detection to count (0.0-1.0)
	Targets           []string // target species marker substrings, matched case-insensitively
	FallbackLatitude  float64  // latitude used when no GPS fix is available
	FallbackLongitude float64  // longitude used when no GPS fix is available
	SegmentDuration   int      // audio segment length in seconds
	ErrorLimit        int      // consecutive classification failures before auto-stop
	ErrorCooldown     int      // minimum seconds between user-facing error messages
	LocationFile      string   // optional GPS fix file updated by an external receiver
}

// ClassifierSettings contains settings for the inference service client.
type ClassifierSettings struct {
	Endpoint  string // base URL of the inference server
	ModelName string // model name reported in detection metadata
	Timeout   int    // request timeout in seconds
}

// BackendSettings contains settings for the detection storage backend.
type BackendSettings struct {
	URL     string // base URL of the backend
	APIKey  string // bearer key for storage and table access
	Bucket  string // object storage bucket for audio artifacts
	Table   string // table receiving detection metadata records
	Timeout int    // request timeout in seconds
}

// QueueSettings contains settings for the durable upload queue.
type QueueSettings struct {
	Path          string // path to the queue state file
	MaxRetries    int    // per-job retry ceiling before eviction
	DrainInterval int    // seconds between periodic drain attempts while running
}

// CaptureSettings contains settings for the audio segment source.
type CaptureSettings struct {
	Path      string // spool directory watched for completed segments
	Extension string // audio file extension of captured segments
}

// TelemetrySettings contains settings for the metrics endpoint.
type TelemetrySettings struct {
	Enabled bool   // true to enable Prometheus compatible telemetry endpoint
	Listen  string // IP address and port to listen on
}

// LogConfig defines the configuration for a log file
type LogConfig struct {
	Enabled  bool         // true to enable this log
	Path     string       // Path to the log file
	Rotation RotationType // Type of log rotation
	MaxSize  int64        // Max size in bytes for RotationSize
}

// RotationType defines different types of log rotations.
type RotationType string

const (
	RotationDaily  RotationType = "daily"
	RotationWeekly RotationType = "weekly"
	RotationSize   RotationType = "size"
)

// Settings contains all configuration options for the sensor application.
type Settings struct {
	Debug bool // true to enable debug mode

	// Runtime values, not stored in config file
	Version   string `yaml:"-"` // Version from build
	BuildDate string `yaml:"-"` // Build date from build

	Main struct {
		Name string    // name of this sensor node
		Log  LogConfig // logging configuration
	}

	Sensor     SensorSettings     // monitoring loop settings
	Classifier ClassifierSettings // inference service settings
	Backend    BackendSettings    // storage backend settings
	Queue      QueueSettings      // upload queue settings
	Capture    CaptureSettings    // audio capture settings
	Telemetry  TelemetrySettings  // metrics endpoint settings

	Output struct {
		SQLite struct {
			Enabled bool   // true to enable local detection log
			Path    string // path to sqlite database
		}
	}
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into the settings struct.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// Set default values for each configuration parameter
	// function defined in defaults.go
	setDefaultConfig()

	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found, create config with defaults
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig creates a default config file and writes it to the default config path
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")
	defaultConfig := getDefaultConfig()

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(defaultConfig), 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// getDefaultConfig reads the default configuration from the embedded config.yaml file.
func getDefaultConfig() string {
	data, err := fs.ReadFile(configFiles, "config.yaml")
	if err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}
	return string(data)
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, initializing it if necessary
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			_, err := Load()
			if err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}

// SaveSettings saves the current settings to the configuration file.
// It uses SaveYAMLConfig to handle the atomic write process.
func SaveSettings() error {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()

	settingsCopy := *settingsInstance

	configPath, err := FindConfigFile()
	if err != nil {
		return fmt.Errorf("error finding config file: %w", err)
	}

	if err := SaveYAMLConfig(configPath, &settingsCopy); err != nil {
		return fmt.Errorf("error saving config: %w", err)
	}

	log.Printf("Settings saved successfully to %s", configPath)
	return nil
}

// SaveYAMLConfig updates the YAML configuration file with new settings.
// It overwrites the existing file, not preserving comments or structure.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	yamlData, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("error marshaling settings to YAML: %w", err)
	}

	// Write the YAML data to a temporary file first to get an atomic replace
	tempFile, err := os.CreateTemp(filepath.Dir(configPath), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempFileName := tempFile.Name()
	// Ensure the temporary file is removed in case of any failure
	defer os.Remove(tempFileName)

	if _, err := tempFile.Write(yamlData); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}

	// Rename is atomic on most filesystems; fall back to copy & delete when it
	// fails (e.g. cross-device link)
	if err := os.Rename(tempFileName, configPath); err != nil {
		if err := moveFile(tempFileName, configPath); err != nil {
			return fmt.Errorf("error copying config file: %w", err)
		}
	}

	return nil
}

// EnsureDeviceID generates and persists a device identifier on first run.
// The identifier is stable for the lifetime of the installation.
func EnsureDeviceID(settings *Settings) (string, error) {
	if settings.Sensor.DeviceID != "" {
		return settings.Sensor.DeviceID, nil
	}

	settings.Sensor.DeviceID = uuid.NewString()
	viper.Set("sensor.deviceid", settings.Sensor.DeviceID)

	configPath, err := FindConfigFile()
	if err != nil {
		// No config file yet; the generated ID lives for this process only
		return settings.Sensor.DeviceID, nil
	}

	if err := SaveYAMLConfig(configPath, settings); err != nil {
		return "", errors.New(err).
			Component("configuration").
			Category(errors.CategoryConfiguration).
			Context("operation", "persist-device-id").
			Build()
	}

	return settings.Sensor.DeviceID, nil
}
