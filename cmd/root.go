package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/audiograph/cmd/play"
	"github.com/tphakala/audiograph/cmd/render"
	"github.com/tphakala/audiograph/cmd/serve"
	"github.com/tphakala/audiograph/cmd/validate"
	"github.com/tphakala/audiograph/internal/buildinfo"
	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/telemetry"
)

// RootCommand creates and returns the root command. Subcommands share one
// Settings value that is filled in from config, environment and flags before
// any of them runs.
func RootCommand(build *buildinfo.Context) *cobra.Command {
	settings := conf.Default()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "audiograph",
		Short:         "Declarative audio graph engine",
		Version:       build.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(rootCmd, settings, &configFile); err != nil {
		fmt.Fprintf(os.Stderr, "error setting up flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(
		play.Command(settings),
		render.Command(settings),
		serve.Command(settings),
		validate.Command(settings),
	)

	var central *logger.CentralLogger
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cl, err := initialize(settings, configFile, build)
		central = cl
		return err
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		telemetry.Shutdown(telemetry.DefaultFlushTimeout)
		if central != nil {
			_ = central.Flush()
		}
	}

	return rootCmd
}

// initialize loads settings, installs the global logger and starts telemetry.
func initialize(settings *conf.Settings, configFile string, build *buildinfo.Context) (*logger.CentralLogger, error) {
	loaded, err := conf.Load(configFile)
	if err != nil {
		return nil, err
	}
	*settings = *loaded

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	// stdout is reserved for command output
	central, err := logger.NewCentralLogger(&settings.Logging, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	logger.SetGlobal(central)

	if _, err := telemetry.Init(settings, build.Version()); err != nil {
		// reporting is optional, a bad DSN must not stop the engine
		logger.Global().Module("main").Warn("telemetry not started", logger.Error(err))
	}
	return central, nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings, configFile *string) error {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(configFile, "config", "c", "", "Path to config file (default searches ., ~/.config/audiograph, /etc/audiograph)")
	flags.BoolVarP(&settings.Debug, "debug", "d", settings.Debug, "Enable debug output")
	flags.BoolVar(&settings.Engine.Strict, "strict", settings.Engine.Strict, "Return usage errors instead of logging them")
	flags.IntVar(&settings.Audio.SampleRate, "samplerate", settings.Audio.SampleRate, "Context sample rate in Hz")
	flags.IntVar(&settings.Audio.Channels, "channels", settings.Audio.Channels, "Output channel count")
	flags.StringVar(&settings.Audio.Backend, "backend", settings.Audio.Backend, "Audio backend (alsa, pulseaudio, wasapi, coreaudio, null)")
	flags.StringVar(&settings.Audio.Device, "device", settings.Audio.Device, "Output device name substring")

	bindings := map[string]string{
		"debug":            "debug",
		"engine.strict":    "strict",
		"audio.samplerate": "samplerate",
		"audio.channels":   "channels",
		"audio.backend":    "backend",
		"audio.device":     "device",
	}
	for key, name := range bindings {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}

	return nil
}
