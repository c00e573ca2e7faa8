// Command esifetch is an operator CLI over the shared ESI client: fetch
// single or paginated endpoints, inspect health and rate-limit state, and
// manage the persisted response cache.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/evehangar/hangar/internal/buildinfo"
	"github.com/evehangar/hangar/internal/config"
	"github.com/evehangar/hangar/internal/esi"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: esifetch [flags] <command> [args]

commands:
  get <endpoint>       fetch one endpoint, print the body
  pages <endpoint>     fetch all pages, print each record on its own line
  health               print the current health snapshot
  info                 print rate-limit and cache diagnostics
  cache-clear [pat]    clear the response cache, optionally by substring
  version              print build information

flags:
`)
	flag.PrintDefaults()
}

func main() {
	var (
		configPath = flag.String("config", "", "YAML config file (default: environment)")
		charID     = flag.Int64("char", 0, "character id for authenticated calls")
		lang       = flag.String("lang", "", "Accept-Language (default en)")
		etag       = flag.String("etag", "", "If-None-Match value for conditional fetch")
		progress   = flag.Bool("progress", false, "report page completion while paginating")
	)
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	if flag.Arg(0) == "version" {
		fmt.Printf("esifetch %s (%s, built %s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
		return
	}

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}

	store, err := esi.OpenStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	client, err := esi.New(esi.ClientConfig{
		Config:        cfg,
		Store:         store,
		TokenProvider: tokenFromEnv,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := &esi.RequestOptions{CharacterID: *charID, Language: *lang, ETag: *etag}

	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "get":
		runGet(ctx, client, args, opts)
	case "pages":
		runPages(ctx, client, args, opts, *progress)
	case "health":
		runHealth(ctx, client)
	case "info":
		runInfo(client)
	case "cache-clear":
		runCacheClear(client, args)
	default:
		usage()
		os.Exit(2)
	}
}

// tokenFromEnv is the CLI's stand-in for a real OAuth flow: one token for
// one pilot, supplied by the operator.
func tokenFromEnv(characterID int64) (string, error) {
	token := os.Getenv("HANGAR_ESI_TOKEN")
	if token == "" {
		return "", fmt.Errorf("HANGAR_ESI_TOKEN not set for character %d", characterID)
	}
	return token, nil
}

func runGet(ctx context.Context, client *esi.Client, args []string, opts *esi.RequestOptions) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	res, err := client.FetchWithMeta(ctx, args[0], opts)
	if err != nil {
		log.Fatalf("fetch %s: %v", args[0], err)
	}
	if res.NotModified {
		log.Printf("served from cache (etag %s)", res.ETag)
	}
	os.Stdout.Write(res.Data)
	fmt.Println()
}

func runPages(ctx context.Context, client *esi.Client, args []string, opts *esi.RequestOptions, showProgress bool) {
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}
	var onProgress esi.ProgressFunc
	if showProgress {
		onProgress = func(p esi.Progress) {
			fmt.Fprintf(os.Stderr, "page %d/%d\n", p.Current, p.Total)
		}
	}
	res, err := client.FetchPaginatedWithProgress(ctx, args[0], opts, onProgress)
	if err != nil {
		log.Fatalf("fetch pages %s: %v", args[0], err)
	}
	for _, rec := range res.Records {
		os.Stdout.Write(rec)
		fmt.Println()
	}
	log.Printf("%d records, etag %s", len(res.Records), res.ETag)
}

func runHealth(ctx context.Context, client *esi.Client) {
	snap := client.HealthStatus(ctx)
	fmt.Printf("overall: %s (%d routes, fetched %s)\n", snap.Overall, len(snap.Routes), snap.FetchedAt.Format("15:04:05"))
	for base, st := range snap.BaseStatus {
		if st != "OK" {
			fmt.Printf("  %-24s %s\n", base, st)
		}
	}
}

func runInfo(client *esi.Client) {
	info := client.RateLimitInfo()
	fmt.Printf("active requests:    %d\n", info.ActiveRequests)
	fmt.Printf("global retry-after: %s\n", info.GlobalRetryAfter)
	fmt.Printf("cached responses:   %d\n", client.CacheLen())
}

func runCacheClear(client *esi.Client, args []string) {
	if len(args) == 0 {
		client.ClearCache()
		log.Printf("cache cleared")
		return
	}
	n := client.ClearCacheByPattern(args[0])
	log.Printf("removed %d entries matching %q", n, args[0])
}
