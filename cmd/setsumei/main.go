// Package main is the setsumei CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/setsumei/internal/config"
	"github.com/hyperjump/setsumei/internal/server"
	"github.com/hyperjump/setsumei/internal/watcher"
	"github.com/hyperjump/setsumei/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/setsumei/config.yaml"
	defaultServerURL  = "http://localhost:8000"
)

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory wins if present; when neither exists, defaults are resolved against the current
// directory so ./tokenizer.json and ./models/ work out of the box. Returns the config and
// the path it came from (empty when nothing was loaded, which disables saving).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", err
		}
		fallback := filepath.Join(cwd, "config.yaml")
		if _, statErr := os.Stat(fallback); statErr == nil {
			cfg, loadErr := config.Load(fallback)
			if loadErr != nil {
				return nil, "", loadErr
			}
			return cfg, fallback, nil
		}
		if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
			return config.Default(cwd), "", nil
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}
	server.Version = version
	command, rest := args[0], args[1:]
	switch command {
	case "server":
		return runServer(rest)
	case "caption":
		return runCaption(rest)
	case "history":
		return runHistory(rest)
	case "search":
		return runSearch(rest)
	case "status":
		return runStatus(rest)
	case "watch":
		return runWatch(rest)
	case "version", "--version", "-v":
		fmt.Printf("setsumei version %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage()
		return 0
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		return 1
	}
}

// reorderArgs moves flags that follow positional arguments to the front, since flag.Parse
// stops at the first non-flag ("setsumei search dog -limit 5").
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// buildSearchQuery joins positional args so multi-word queries work with or without quotes.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func runServer(args []string) int {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging (model loading, watched files, etc.)")
	modelIndex := fs.Int("model", -1, "use models/model_N.onnx next to the configured decoder")
	preload := fs.Bool("preload", false, "load the networks at startup instead of on the first request")
	_ = fs.Parse(args)

	cfg, resolvedConfigPath, err := loadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		return 1
	}
	applyModelIndex(cfg, *modelIndex)
	debugMode := cfg.Debug || *debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("config loaded",
		zap.String("config_path", resolvedConfigPath),
		zap.String("model", cfg.Model.ModelName()),
		zap.Bool("debug", debugMode),
	)

	components, err := initializeComponents(cfg, logger, true)
	if err != nil {
		logger.Error("Failed to initialize components", zap.Error(err))
		return 1
	}
	defer components.Close()

	if cfg.Model.Preload || *preload {
		// Requests keep retrying the load and report 503 until it succeeds.
		if err := components.Service.Load(context.Background()); err != nil {
			logger.Warn("model preload failed", zap.Error(err))
		}
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	defer watchCancel()
	var watch server.WatchService
	if rec := components.History; rec != nil {
		exts := cfg.Watch.Extensions
		if len(exts) == 0 {
			exts = config.DefaultImageExtensions
		}
		w := watcher.New(exts, cfg.Watch.RecursiveOrDefault(), watcher.HandlerFuncs{
			Changed: func(ctx context.Context, path string) error {
				_, err := rec.CaptionFile(ctx, path, exts)
				return err
			},
			Removed: rec.DeletePath,
		}, watcher.WithLogger(logger))
		if err := w.Start(watchCtx, cfg.Watch.Directories...); err != nil {
			logger.Error("Failed to start watcher", zap.Error(err))
			return 1
		}
		defer w.Stop()
		w.SyncExisting()
		watch = w
	}

	srv := server.NewServer(components.Service, components.History, cfg, logger, watch, resolvedConfigPath)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		logger.Error("Server failed", zap.Error(err))
		return 1
	}

	logger.Info("Shutting down...")
	watchCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Stop(ctx)
	return 0
}

func printUsage() {
	fmt.Println(`setsumei - Image caption service

Usage:
  setsumei server [flags]                   Start the HTTP server
  setsumei caption [flags] <image>...       Caption local images
  setsumei history [list|show|similar|delete] [flags] [id]
                                            Browse recorded captions
  setsumei search [flags] <query>           Search recorded captions
  setsumei status [flags]                   Show model/history status
  setsumei watch <add|remove|list> [path]   Manage watched drop folders
  setsumei version                          Show version
  setsumei help                             Show this help

Server Flags:
  --config string    Config file path (default: /usr/local/etc/setsumei/config.yaml, then ./config.yaml)
  --debug            Enable debug logging
  --model int        Use models/model_N.onnx
  --preload          Load the networks at startup

Caption Flags:
  --config string    Config file path
  --model int        Use models/model_N.onnx
  --overlay string   Write the image with its caption drawn underneath
  --output string    Output format: text or json (default: text)
  --record           Record captions in the history database
  --jobs int         Images captioned in parallel (default: 2)

History, Search and Status Flags:
  --config string    Config file path (for direct storage mode)
  --server string    Server URL (default: http://localhost:8000). Use --server "" for direct storage.
  --output string    Output format: text or json (default: text)

Examples:
  setsumei server
  setsumei caption photo.jpg
  setsumei caption -model 4 -overlay out.png photo.jpg
  setsumei history --limit 5
  setsumei history similar 3f1c...
  setsumei history show -digest img:9a0b...
  setsumei search --fuzzy "dgo runing"
  setsumei status --output json
  setsumei watch add ~/Pictures/inbox`)
}
