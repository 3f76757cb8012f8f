// Package render implements the render command, which renders a graph file
// offline into a WAV file.
package render

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/audiograph"
	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/watch"
)

// DefaultDuration is rendered when --duration is not given
const DefaultDuration = 5 * time.Second

var supportedBits = []int{16, 24, 32}

// Options holds the render command flags
type Options struct {
	Output   string
	Duration time.Duration
	Bits     int
}

// Command creates the render command.
func Command(settings *conf.Settings) *cobra.Command {
	opts := Options{Duration: DefaultDuration, Bits: 16}

	cmd := &cobra.Command{
		Use:   "render FILE -o OUT.wav",
		Short: "Render a graph file to WAV",
		Long:  "Render a graph file offline at the configured sample rate and channel count. Buffers are loaded before rendering starts; ones that fail to load render as silence.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), settings, args[0], opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "Output WAV file")
	cmd.Flags().DurationVar(&opts.Duration, "duration", opts.Duration, "Length of the rendering")
	cmd.Flags().IntVar(&opts.Bits, "bits", opts.Bits, "Output bit depth (16, 24 or 32)")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func (o Options) validate() error {
	switch {
	case o.Output == "":
		return errors.Newf("output file is required").
			Component("render").
			Category(errors.CategoryValidation).
			Build()
	case o.Duration <= 0:
		return errors.Newf("duration must be positive, got %s", o.Duration).
			Component("render").
			Category(errors.CategoryValidation).
			Build()
	case !slices.Contains(supportedBits, o.Bits):
		return errors.Newf("unsupported bit depth %d", o.Bits).
			Component("render").
			Category(errors.CategoryValidation).
			Context("supported", supportedBits).
			Build()
	}
	return nil
}

// Run renders path for opts.Duration and writes the result to opts.Output.
// A summary line goes to out.
func Run(ctx context.Context, settings *conf.Settings, path string, opts Options, out io.Writer) error {
	if err := opts.validate(); err != nil {
		return err
	}
	log := logger.Global().Module("render")

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}
	frames := int(math.Round(opts.Duration.Seconds() * float64(settings.Audio.SampleRate)))

	engine, err := audiograph.New(
		audiograph.WithSettings(settings),
		audiograph.WithOffline(frames),
		audiograph.WithBaseDir(filepath.Dir(abs)),
	)
	if err != nil {
		return err
	}
	defer func() { _ = engine.Close() }()

	g, err := watch.Load(abs, engine.Registry())
	if err != nil {
		return err
	}
	if err := engine.Update(g, false); err != nil {
		return err
	}
	if _, err := engine.Ready().Wait(ctx); err != nil {
		return err
	}
	if _, err := engine.FilesReady().Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Warn("rendering without buffers that failed to load", logger.Error(err))
	}

	oc, ok := engine.Context().(*audio.OfflineContext)
	if !ok {
		return errors.Newf("engine context is not offline").
			Component("render").
			Category(errors.CategoryState).
			Build()
	}
	start := time.Now()
	buf, err := oc.Render(ctx)
	if err != nil {
		return err
	}

	if err := writeWAV(opts.Output, buf, opts.Bits); err != nil {
		return err
	}
	log.Info("rendered",
		logger.String("file", abs),
		logger.String("output", opts.Output),
		logger.Int("frames", buf.Length()),
		logger.Duration("elapsed", time.Since(start)))

	_, _ = fmt.Fprintf(out, "wrote %s: %.3fs, %d channels, %d Hz, %d-bit\n",
		opts.Output, buf.Duration(), buf.NumberOfChannels(), int(buf.SampleRate()), opts.Bits)
	return nil
}

func writeWAV(path string, buf *audio.Buffer, bits int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.New(fmt.Errorf("creating %s: %w", path, err)).
			Component("render").
			Category(errors.CategoryFileIO).
			Build()
	}
	if err := audio.EncodeWAV(f, buf, bits); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		return errors.New(fmt.Errorf("closing %s: %w", path, err)).
			Component("render").
			Category(errors.CategoryFileIO).
			Build()
	}
	return nil
}
