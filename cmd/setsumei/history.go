package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/hyperjump/setsumei/internal/cli"
	"github.com/hyperjump/setsumei/internal/models"
	"github.com/hyperjump/setsumei/internal/storage"
	"github.com/hyperjump/setsumei/pkg/utils"
)

// openHistory opens the history stores directly, for when no server is running.
func openHistory(configPath string) (*Components, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.History.EnabledOrDefault() {
		return nil, fmt.Errorf("history is disabled in the config")
	}
	logger := zap.NewNop()
	if cfg.Debug {
		if logger, err = utils.NewLogger(true); err != nil {
			return nil, err
		}
	}
	return initializeComponents(cfg, logger, true)
}

func runHistory(args []string) int {
	action := "list"
	if len(args) > 0 {
		switch args[0] {
		case "list", "show", "similar", "delete":
			action, args = args[0], args[1:]
		}
	}
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct storage mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage when server is not running)")
	limit := fs.Int("limit", 20, "number of records (list)")
	offset := fs.Int("offset", 0, "records to skip (list)")
	k := fs.Int("k", 5, "number of similar images (similar)")
	byDigest := fs.Bool("digest", false, "treat the argument as an image digest, e.g. img:3f1c... (show)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(args))

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	id := fs.Arg(0)
	if action != "list" && id == "" {
		fmt.Fprintf(os.Stderr, "Usage: setsumei history %s [flags] <id>\n", action)
		return 1
	}

	var api *apiClient
	var components *Components
	if *serverURL != "" {
		api = newAPIClient(*serverURL)
	} else {
		components, err = openHistory(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer components.Close()
	}
	ctx := context.Background()

	switch action {
	case "list":
		var recs []*models.CaptionRecord
		var total int64
		if api != nil {
			page, err := api.listCaptions(*offset, *limit)
			if err != nil {
				fmt.Fprintf(os.Stderr, "History failed: %v\n", err)
				return 1
			}
			recs, total = page.Records, page.Total
		} else {
			if recs, err = components.History.List(ctx, *offset, *limit); err == nil {
				total, err = components.History.Count(ctx)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "History failed: %v\n", err)
				return 1
			}
		}
		err = cli.WriteRecords(os.Stdout, recs, total, format)
	case "show":
		var rec *models.CaptionRecord
		switch {
		case api != nil && *byDigest:
			rec, err = api.getCaptionByDigest(id)
		case api != nil:
			rec, err = api.getCaption(id)
		case *byDigest:
			rec, err = components.History.GetByDigest(ctx, id)
		default:
			rec, err = components.History.Get(ctx, id)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Show failed: %v\n", err)
			return 1
		}
		err = cli.WriteRecords(os.Stdout, []*models.CaptionRecord{rec}, 1, format)
	case "similar":
		var hits []*models.SimilarHit
		if api != nil {
			hits, err = api.similarCaptions(id, *k)
		} else {
			hits, err = components.History.Similar(ctx, id, *k)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Similar failed: %v\n", err)
			return 1
		}
		err = cli.WriteSimilar(os.Stdout, hits, format)
	case "delete":
		if api != nil {
			err = api.deleteCaption(id)
		} else {
			err = components.History.Delete(ctx, id)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Delete failed: %v\n", err)
			return 1
		}
		fmt.Printf("Caption deleted: %s\n", id)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		return 1
	}
	return 0
}

func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: setsumei search [flags] <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
When a query finds nothing it is retried once with fuzzy matching.

Examples:
  setsumei search dog running
  setsumei search --model model_4 beach
  setsumei search --fuzzy --limit 20 "dgo runing"
`)
}

func runSearch(args []string) int {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct storage mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage when server is not running)")
	limit := fs.Int("limit", 10, "number of results")
	offset := fs.Int("offset", 0, "results to skip")
	fuzzy := fs.Bool("fuzzy", false, "tolerate one typo per word")
	model := fs.String("model", "", "only captions produced by this decoder, e.g. model_9")
	outputFormat := fs.String("output", "text", "output format: text or json")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(reorderArgs(args))

	q := buildSearchQuery(fs.Args())
	if q == "" {
		printSearchUsage(fs)
		return 1
	}
	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	query := &models.HistoryQuery{Query: q, Limit: *limit, Offset: *offset, Fuzzy: *fuzzy, Model: *model}

	var search func(*models.HistoryQuery) (*models.SearchResponse, error)
	if *serverURL != "" {
		search = newAPIClient(*serverURL).searchCaptions
	} else {
		components, err := openHistory(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		defer components.Close()
		search = func(q *models.HistoryQuery) (*models.SearchResponse, error) {
			return components.History.Search(context.Background(), q)
		}
	}

	resp, err := search(query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Search failed: %v\n", err)
		return 1
	}
	if resp.Total == 0 && !query.Fuzzy {
		retry := *query
		retry.Fuzzy = true
		if fuzzyResp, err := search(&retry); err == nil && fuzzyResp.Total > 0 {
			resp = fuzzyResp
		}
	}
	if err := cli.WriteSearchResults(os.Stdout, resp, format); err != nil {
		fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
		return 1
	}
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (for direct storage mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = use direct storage)")
	outputFormat := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(args)

	format, err := cli.ParseOutputFormat(*outputFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var status map[string]interface{}
	if *serverURL != "" {
		status, err = newAPIClient(*serverURL).status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			return 1
		}
	} else {
		cfg, _, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		status = map[string]interface{}{
			"model": map[string]interface{}{
				"model":      cfg.Model.ModelName(),
				"decoder":    cfg.Model.DecoderPath,
				"backbone":   cfg.Model.BackbonePath,
				"vocabulary": cfg.Model.VocabularyPath,
			},
		}
		h := cfg.History
		if usage, err := storage.HistoryUsage(h.DatabasePath, h.BleveIndexPath, h.VectorIndexPath); err == nil {
			status["history"] = map[string]interface{}{"disk": usage}
		}
	}

	if format == cli.OutputJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(status); err != nil {
			fmt.Fprintf(os.Stderr, "Output failed: %v\n", err)
			return 1
		}
		return 0
	}
	writeStatusText(status, "")
	return 0
}

// writeStatusText prints nested status maps as indented "key: value" lines.
func writeStatusText(m map[string]interface{}, indent string) {
	for _, key := range sortedKeys(m) {
		switch v := m[key].(type) {
		case map[string]interface{}:
			fmt.Printf("%s%s:\n", indent, key)
			writeStatusText(v, indent+"  ")
		case storage.Usage:
			fmt.Printf("%s%s:\n", indent, key)
			fmt.Printf("%s  total_bytes: %d\n", indent, v.Total)
		default:
			fmt.Printf("%s%s: %v\n", indent, key, v)
		}
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func runWatch(args []string) int {
	if len(args) < 1 {
		fmt.Println("Usage: setsumei watch <add|remove|list> [path]")
		fmt.Println("  setsumei watch add <path>     Caption images dropped into path")
		fmt.Println("  setsumei watch remove <path>  Stop watching path")
		fmt.Println("  setsumei watch list           List watched directories")
		return 1
	}
	sub := args[0]
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	syncExisting := fs.Bool("sync", true, "caption images already in the directory (add)")
	_ = fs.Parse(reorderArgs(args[1:]))
	api := newAPIClient(*serverURL)

	switch sub {
	case "add", "remove":
		if fs.NArg() < 1 {
			fmt.Printf("Usage: setsumei watch %s <path>\n", sub)
			return 1
		}
		path, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			fmt.Printf("Invalid path: %v\n", err)
			return 1
		}
		if sub == "add" {
			err = api.watchAdd(path, *syncExisting)
		} else {
			err = api.watchRemove(path)
		}
		if err != nil {
			fmt.Printf("Watch %s failed: %v\n", sub, err)
			return 1
		}
		if sub == "add" {
			fmt.Printf("Added: %s\n", path)
		} else {
			fmt.Printf("Removed: %s\n", path)
		}
	case "list":
		dirs, err := api.watchList()
		if err != nil {
			fmt.Printf("List failed: %v\n", err)
			return 1
		}
		for _, d := range dirs {
			fmt.Println(d)
		}
	default:
		fmt.Printf("Unknown watch subcommand: %s\n", sub)
		return 1
	}
	return 0
}
