package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default timing for click-free transport changes.
const (
	DefaultRampTimeConstant = 5 * time.Millisecond
	DefaultSuspendDelay     = 300 * time.Millisecond
)

// setDefaultConfig registers every key with its default so that environment
// variables and Unmarshal see the full key set.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("audio.samplerate", 44100)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.latencyframes", 4096)
	v.SetDefault("audio.backend", "")
	v.SetDefault("audio.device", "")

	v.SetDefault("engine.strict", false)
	v.SetDefault("engine.ramptimeconstant", DefaultRampTimeConstant)
	v.SetDefault("engine.suspenddelay", DefaultSuspendDelay)

	v.SetDefault("resource.maxconcurrent", 4)
	v.SetDefault("resource.retain", time.Duration(0))
	v.SetDefault("resource.timeout", 30*time.Second)
	v.SetDefault("resource.maxbytes", int64(256<<20))
	v.SetDefault("resource.ratelimit", 0.0)
	v.SetDefault("resource.rateburst", 4)
	v.SetDefault("resource.useragent", "audiograph")

	v.SetDefault("worklet.memorylimitpages", 256)

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.headless", false)
	v.SetDefault("server.allowedorigins", []string{"*"})
	v.SetDefault("server.bodylimit", "2M")
	v.SetDefault("server.shutdowntimeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/audiograph.log")
	v.SetDefault("logging.file_output.level", "info")

	v.SetDefault("telemetry.sentry_dsn", "")
}
