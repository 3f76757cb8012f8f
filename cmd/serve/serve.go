// Package serve implements the serve command, which exposes an engine over
// the HTTP control API.
package serve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/audiograph/internal/api"
	"github.com/tphakala/audiograph/internal/audiograph"
	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/observability"
	"github.com/tphakala/audiograph/internal/watch"
)

// Command creates the serve command.
func Command(settings *conf.Settings) *cobra.Command {
	var watchFile bool

	cmd := &cobra.Command{
		Use:   "serve [FILE]",
		Short: "Run the HTTP control API",
		Long:  "Run an engine behind the HTTP control API. FILE, when given, is the initial graph. With --headless the engine renders to a null device instead of the sound card.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			return Run(cmd.Context(), settings, path, watchFile)
		},
	}

	if err := setupFlags(cmd, settings, &watchFile); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

func setupFlags(cmd *cobra.Command, settings *conf.Settings, watchFile *bool) error {
	cmd.Flags().StringVar(&settings.Server.Listen, "listen", settings.Server.Listen, "Listen address and port of the control API")
	cmd.Flags().BoolVar(&settings.Server.Headless, "headless", settings.Server.Headless, "Render to a null device instead of the sound card")
	cmd.Flags().BoolVarP(watchFile, "watch", "w", false, "Reapply FILE when it changes")

	if err := viper.BindPFlag("server.listen", cmd.Flags().Lookup("listen")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := viper.BindPFlag("server.headless", cmd.Flags().Lookup("headless")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}

// Run serves until ctx ends. path may be empty for an engine that starts
// with the empty graph.
func Run(ctx context.Context, settings *conf.Settings, path string, watchFile bool) error {
	log := logger.Global().Module("serve")

	if settings.Server.Headless {
		headless := *settings
		headless.Audio.Backend = "null"
		settings = &headless
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	opts := []audiograph.Option{
		audiograph.WithSettings(settings),
		audiograph.WithMetrics(metrics),
	}
	var abs string
	if path != "" {
		if abs, err = filepath.Abs(path); err != nil {
			return fmt.Errorf("resolving %s: %w", path, err)
		}
		opts = append(opts, audiograph.WithBaseDir(filepath.Dir(abs)))
	}

	engine, err := audiograph.New(opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("closing engine", logger.Error(err))
		}
	}()

	if abs != "" {
		g, err := watch.Load(abs, engine.Registry())
		if err != nil {
			return err
		}
		if err := engine.Update(g, false); err != nil {
			return err
		}
		if watchFile {
			w, err := watch.New(abs, func(next graph.Graph) {
				if err := engine.Update(next, false); err != nil {
					log.Warn("graph update rejected", logger.Error(err))
				}
			}, watch.Config{Resolver: engine.Registry(), Logger: log})
			if err != nil {
				return err
			}
			defer func() { _ = w.Close() }()
		}
	}

	server, err := api.New(engine, settings, api.WithMetrics(metrics))
	if err != nil {
		return err
	}
	log.Info("serving engine",
		logger.String("engine_id", engine.ID()),
		logger.String("listen", settings.Server.Listen),
		logger.Bool("headless", settings.Server.Headless))
	return server.Run(ctx)
}
