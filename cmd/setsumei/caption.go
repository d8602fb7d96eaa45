package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/setsumei/internal/caption"
	"github.com/hyperjump/setsumei/internal/cli"
	"github.com/hyperjump/setsumei/internal/config"
	"github.com/hyperjump/setsumei/internal/history"
	"github.com/hyperjump/setsumei/internal/imageproc"
	"github.com/hyperjump/setsumei/internal/models"
	"github.com/hyperjump/setsumei/internal/service"
	"github.com/hyperjump/setsumei/pkg/utils"
)

func printCaptionUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: setsumei caption [flags] <image-or-directory>...\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Directories are expanded to the image files directly inside them.
With one image, -overlay names the output PNG; with several it names a directory.

Examples:
  setsumei caption photo.jpg
  setsumei caption -model 4 photo.jpg             # use models/model_4.onnx
  setsumei caption -overlay out.png photo.jpg     # caption drawn under the image
  setsumei caption -output json -jobs 4 ./photos
`)
}

func runCaption(args []string) int {
	fs := flag.NewFlagSet("caption", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	modelIndex := fs.Int("model", -1, "use models/model_N.onnx next to the configured decoder")
	overlay := fs.String("overlay", "", "write the image with its caption drawn underneath (file, or directory for several images)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	record := fs.Bool("record", false, "record captions in the history database (server must not be running)")
	jobs := fs.Int("jobs", 2, "images captioned in parallel")
	fs.Usage = func() { printCaptionUsage(fs) }
	_ = fs.Parse(reorderArgs(args))

	if fs.NArg() < 1 {
		printCaptionUsage(fs)
		return 1
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	applyModelIndex(cfg, *modelIndex)

	images, err := collectImages(fs.Args(), cfg.Watch.Extensions)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if len(images) == 0 {
		fmt.Fprintln(os.Stderr, "No images found")
		return 1
	}

	logger := zap.NewNop()
	if cfg.Debug {
		if logger, err = utils.NewLogger(true); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
			return 1
		}
		defer logger.Sync()
	}

	components, err := initializeComponents(cfg, logger, *record)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		return 1
	}
	defer components.Close()

	ctx := context.Background()
	if err := components.Service.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitCodeFor(err)
	}

	results := captionImages(ctx, components.Service, components.History, images, *overlay, *jobs)
	if err := cli.WriteCaptionResults(os.Stdout, results, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		return 1
	}
	for _, r := range results {
		if r.Error != "" {
			return 1
		}
	}
	return 0
}

// applyModelIndex points the decoder at models/model_N.onnx when n is not negative.
func applyModelIndex(cfg *config.Config, n int) {
	if n >= 0 {
		cfg.Model.DecoderPath = cfg.Model.DecoderPathForIndex(n)
	}
}

// collectImages expands directory arguments to the image files directly inside them.
// File arguments are kept as given, whatever their extension, so the service can reject them.
func collectImages(args, exts []string) ([]string, error) {
	if len(exts) == 0 {
		exts = config.DefaultImageExtensions
	}
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot read %s: %w", arg, err)
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("cannot list %s: %w", arg, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() && history.ExtensionAllowed(filepath.Ext(e.Name()), exts) {
				out = append(out, filepath.Join(arg, e.Name()))
			}
		}
	}
	return out, nil
}

// overlayPath returns where the overlay for image goes: dest itself for a single image,
// or dest/<name>.png when captioning several.
func overlayPath(dest, image string, multi bool) string {
	if dest == "" {
		return ""
	}
	if !multi {
		return dest
	}
	base := filepath.Base(image)
	return filepath.Join(dest, strings.TrimSuffix(base, filepath.Ext(base))+".png")
}

// captionImages captions images with at most jobs in flight. Results keep the input order;
// per-image failures are reported in the result instead of aborting the batch.
func captionImages(ctx context.Context, svc *service.Service, rec *history.Recorder, images []string, overlay string, jobs int) []*cli.CaptionResult {
	if jobs <= 0 {
		jobs = 1
	}
	multi := len(images) > 1
	var overlayErr error
	if multi && overlay != "" {
		if overlayErr = os.MkdirAll(overlay, 0755); overlayErr != nil {
			overlay = ""
		}
	}
	results := make([]*cli.CaptionResult, len(images))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for i, path := range images {
		g.Go(func() error {
			out := captionOne(gctx, svc, rec, path, overlayPath(overlay, path, multi))
			if overlayErr != nil && out.Error == "" {
				out.Error = "overlay failed: " + overlayErr.Error()
			}
			results[i] = out
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func captionOne(ctx context.Context, svc *service.Service, rec *history.Recorder, path, overlay string) *cli.CaptionResult {
	out := &cli.CaptionResult{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	up := service.Upload{Data: data, ContentType: imageproc.ContentTypeForPath(path), Filename: filepath.Base(path)}
	res, err := svc.Caption(ctx, up)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Caption = res.Caption
	out.Model = res.Model
	out.Width = res.Width
	out.Height = res.Height
	out.DurationMS = res.Duration.Milliseconds()

	if rec != nil {
		meta := map[string]interface{}{}
		if abs, err := filepath.Abs(path); err == nil {
			meta["path"] = abs
		}
		if _, err := rec.RecordResult(ctx, up, res, models.SourceCLI, meta); err != nil {
			out.Error = "recording failed: " + err.Error()
		}
	}
	if overlay != "" {
		if err := writeOverlay(overlay, data, res); err != nil {
			out.Error = "overlay failed: " + err.Error()
			return out
		}
		out.Overlay = overlay
	}
	return out
}

func writeOverlay(path string, data []byte, res *service.Result) error {
	img, _, err := imageproc.Decode(data)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := imageproc.RenderOverlay(f, img, res.Caption, overlayLabel(res)); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// overlayLabel names the model and the number of words in the caption, markers excluded.
func overlayLabel(res *service.Result) string {
	words := 0
	if res.Caption != caption.NoCaption {
		words = len(strings.Fields(res.Caption))
	}
	return fmt.Sprintf("%s, %d words", res.Model, words)
}

// exitCodeFor returns 3 for a missing model, 2 for rejected input, and 1 otherwise.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, service.ErrModelUnavailable):
		return 3
	case errors.Is(err, service.ErrInvalidInput):
		return 2
	default:
		return 1
	}
}
