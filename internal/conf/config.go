// Package conf loads engine settings from config.yaml, AUDIOGRAPH_* environment
// variables and command line flags, in increasing order of precedence.
package conf

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"

	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/logger"
)

const envPrefix = "AUDIOGRAPH"

// Settings is the root configuration
type Settings struct {
	Debug     bool                 `mapstructure:"debug"`
	Audio     AudioSettings        `mapstructure:"audio"`
	Engine    EngineSettings       `mapstructure:"engine"`
	Resource  ResourceSettings     `mapstructure:"resource"`
	Worklet   WorkletSettings      `mapstructure:"worklet"`
	Server    ServerSettings       `mapstructure:"server"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
	Telemetry TelemetrySettings    `mapstructure:"telemetry"`
}

// AudioSettings configures the realtime output context
type AudioSettings struct {
	SampleRate    int    `mapstructure:"samplerate" validate:"min=3000,max=384000"`
	Channels      int    `mapstructure:"channels" validate:"min=1,max=32"`
	LatencyFrames int    `mapstructure:"latencyframes" validate:"min=256,max=65536"` // render-ahead queue size
	Backend       string `mapstructure:"backend" validate:"omitempty,oneof=alsa pulseaudio wasapi coreaudio null"`
	Device        string `mapstructure:"device"` // device name substring; empty selects the default output
}

// EngineSettings configures reconciliation and playback behaviour
type EngineSettings struct {
	Strict           bool          `mapstructure:"strict"` // usage errors are returned instead of logged
	RampTimeConstant time.Duration `mapstructure:"ramptimeconstant"`
	SuspendDelay     time.Duration `mapstructure:"suspenddelay"`
}

// ResourceSettings configures buffer fetching and the decode cache
type ResourceSettings struct {
	MaxConcurrent int           `mapstructure:"maxconcurrent" validate:"min=1,max=64"`
	Retain        time.Duration `mapstructure:"retain"` // keep evicted decodes this long, 0 disables
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBytes      int64         `mapstructure:"maxbytes" validate:"min=1024"`
	RateLimit     float64       `mapstructure:"ratelimit" validate:"gte=0"` // remote fetches per second, 0 is unlimited
	RateBurst     int           `mapstructure:"rateburst" validate:"min=1"`
	UserAgent     string        `mapstructure:"useragent"`
}

// WorkletSettings configures the WebAssembly processor runtime
type WorkletSettings struct {
	MemoryLimitPages uint32 `mapstructure:"memorylimitpages" validate:"min=1,max=65536"`
}

// ServerSettings configures the HTTP control API
type ServerSettings struct {
	Listen          string        `mapstructure:"listen" validate:"required"`
	Headless        bool          `mapstructure:"headless"` // render with a null device instead of the sound card
	AllowedOrigins  []string      `mapstructure:"allowedorigins"`
	BodyLimit       string        `mapstructure:"bodylimit"` // e.g. "2M"
	ShutdownTimeout time.Duration `mapstructure:"shutdowntimeout" validate:"min=0"`
}

// TelemetrySettings configures optional error reporting
type TelemetrySettings struct {
	SentryDSN string `mapstructure:"sentry_dsn" validate:"omitempty,url"`
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configuration through the global viper instance, which is also
// the one cobra flags are bound to.
func Load(configFile string) (*Settings, error) {
	settings, err := LoadWith(viper.GetViper(), configFile)
	if err != nil {
		return nil, err
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()

	return settings, nil
}

// LoadWith reads configuration into settings using v. A missing config file is not an error;
// defaults and environment variables still apply.
func LoadWith(v *viper.Viper, configFile string) (*Settings, error) {
	if err := initViper(v, configFile); err != nil {
		return nil, errors.New(fmt.Errorf("error initializing config: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}

	return settings, nil
}

// GetSettings returns the settings loaded by Load, or defaults when nothing was loaded
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()

	if settingsInstance == nil {
		return Default()
	}
	return settingsInstance
}

// Default returns the built-in defaults without reading any file or environment
func Default() *Settings {
	v := viper.New()
	setDefaultConfig(v)
	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		// defaults are static, a failure here is a programming error
		panic(fmt.Sprintf("conf: invalid defaults: %v", err))
	}
	return settings
}

func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("fatal error reading config file %s: %w", configFile, err)
		}
		return nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, path := range GetDefaultConfigPaths() {
		v.AddConfigPath(path)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}
	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml
func GetDefaultConfigPaths() []string {
	paths := []string{"."}

	homeDir, err := os.UserHomeDir()
	if runtime.GOOS == "windows" {
		if err == nil {
			paths = append(paths, filepath.Join(homeDir, "AppData", "Roaming", "audiograph"))
		}
		return paths
	}

	if err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "audiograph"))
	}
	return append(paths, "/etc/audiograph")
}
