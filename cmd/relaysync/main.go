// Command relaysync walks a pubkey's NIP-65 relay list backward through
// time and republishes events to whichever of those relays are missing
// them (spec.md §1).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"

	"github.com/sandwichfarm/relaysync/internal/config"
	"github.com/sandwichfarm/relaysync/internal/engine"
	"github.com/sandwichfarm/relaysync/internal/fetch"
	"github.com/sandwichfarm/relaysync/internal/filters"
	"github.com/sandwichfarm/relaysync/internal/identity"
	"github.com/sandwichfarm/relaysync/internal/logging"
	"github.com/sandwichfarm/relaysync/internal/progress"
	"github.com/sandwichfarm/relaysync/internal/relaylist"
	"github.com/sandwichfarm/relaysync/internal/relaypool"
	"github.com/sandwichfarm/relaysync/internal/resume"
	"github.com/sandwichfarm/relaysync/internal/signing"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}
	if len(os.Args) > 1 && os.Args[1] == "resume" {
		handleResumeShow(os.Args[2:])
		return
	}

	var (
		showVersion   = flag.Bool("version", false, "Show version information")
		configPath    = flag.String("config", "", "Path to configuration file")
		identifier    = flag.String("identity", "", "npub or nprofile of the target account")
		direction     = flag.String("direction", "write", "Which relay set and filter to sync: write or read")
		relayListJSON = flag.String("relay-list-event", "", "Path to a JSON-encoded NIP-65 relay list event (kind 10002)")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("relaysync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	if *configPath == "" || *identifier == "" || *relayListJSON == "" {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, *identifier, *direction, *relayListJSON); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("relaysync - NIP-65 relay reconciliation engine")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  relaysync init                                    Print an example configuration")
	fmt.Println("  relaysync resume --config <path> --identity <id>  Show the last persisted cursor")
	fmt.Println("  relaysync --config <path> --identity <npub1...> --relay-list-event <path> [--direction write|read]")
}

func run(cfg *config.Config, identifier, direction, relayListPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log := logging.New(cfg.Logging)
	log.Info("starting relaysync", "version", version, "direction", direction)

	resolved, err := identity.NewNIP19Resolver().Resolve(identifier)
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}

	relayListEvent, err := loadRelayListEvent(relayListPath)
	if err != nil {
		return fmt.Errorf("load relay list: %w", err)
	}

	descriptors, err := relaylist.Parse(relayListEvent)
	if err != nil {
		return fmt.Errorf("parse relay list: %w", err)
	}

	var targetURLs []string
	var filter nostr.Filter
	switch direction {
	case "write":
		targetURLs = relaylist.WriteURLs(descriptors, cfg.Sync.MaxWriteRelays)
		filter = filters.Write(resolved.PubKeyHex)
	case "read":
		targetURLs = relaylist.ReadURLs(descriptors, cfg.Sync.MaxReadRelays)
		filter = filters.Read(resolved.PubKeyHex)
	default:
		return fmt.Errorf("unknown direction %q, want write or read", direction)
	}

	var signer signing.Signer
	authPolicy := signing.DenyAll
	if key := cfg.Identity.PrivateKeyHex(); key != "" {
		signer = signing.NewPrivateKeySigner(key)
		authPolicy = signing.AllowAll
	}

	pool := relaypool.New(authPolicy, signer)
	defer pool.Close()

	fetcher := fetch.New(pool, cfg.Sync.BatchSize, time.Duration(cfg.Sync.BatchTimeoutMS)*time.Millisecond)

	var redisClient *redis.Client
	if cfg.Progress.Redis.Enabled {
		redisClient, err = progress.NewRedisClient(ctx, cfg.Progress.Redis.URL)
		if err != nil {
			return fmt.Errorf("connect progress sink: %w", err)
		}
	}
	reporter := progress.New(cfg.Progress.BufferSize, redisClient, cfg.Progress.Redis.Channel)
	defer reporter.Close()

	go logProgress(log, reporter)

	var resumeStore *resume.Store
	if cfg.Resume.Enabled {
		resumeStore, err = resume.Open(cfg.Resume.DBPath)
		if err != nil {
			return fmt.Errorf("open resume store: %w", err)
		}
		defer resumeStore.Close()
	}

	initialUntil := time.Now().Unix()
	if resumeStore != nil {
		if cursor, ok, err := resumeStore.Load(ctx, resolved.PubKeyHex, direction); err == nil && ok {
			initialUntil = cursor
			log.Info("resuming from persisted cursor", "cursor_until", initialUntil)
		}
	}

	policy := engine.Policy{
		BatchSize:       cfg.Sync.BatchSize,
		PublishTimeout:  time.Duration(cfg.Sync.PublishTimeoutMS) * time.Millisecond,
		InterEventDelay: time.Duration(cfg.Sync.InterEventDelayMS) * time.Millisecond,
		InterBatchDelay: time.Duration(cfg.Sync.InterBatchDelayMS) * time.Millisecond,
	}
	syncEngine := engine.New(pool, fetcher, reporter, policy)

	result, err := syncEngine.Run(ctx, targetURLs, filter, initialUntil, cfg.Sync.StopAtUnix)

	if resumeStore != nil {
		if saveErr := resumeStore.Save(ctx, resolved.PubKeyHex, direction, result.CursorUntil, time.Now().Unix()); saveErr != nil {
			log.Error("failed to persist resume cursor", "error", saveErr)
		}
	}

	if err != nil {
		return fmt.Errorf("sync run: %w", err)
	}

	log.Info("sync complete", "total_synced", result.TotalSynced, "cursor_until", result.CursorUntil)
	return nil
}

func logProgress(log *logging.Logger, reporter *progress.Reporter) {
	for rec := range reporter.Records() {
		log.LogSyncProgress(string(rec.Phase), rec.CursorUntil, 0)
		if rec.Message != "" {
			log.Debug("progress detail", "phase", rec.Phase, "message", rec.Message, "event_id", rec.CurrentEventID)
		}
	}
}

func loadRelayListEvent(path string) (*nostr.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var event nostr.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode relay list event: %w", err)
	}
	return &event, nil
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(string(exampleConfig))
}

func handleResumeShow(args []string) {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	identifier := fs.String("identity", "", "npub or nprofile of the target account")
	direction := fs.String("direction", "write", "write or read")
	fs.Parse(args)

	if *configPath == "" || *identifier == "" {
		fmt.Println("Usage: relaysync resume --config <path> --identity <npub1...> [--direction write|read]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	resolved, err := identity.NewNIP19Resolver().Resolve(*identifier)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving identity: %v\n", err)
		os.Exit(1)
	}

	store, err := resume.Open(cfg.Resume.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening resume store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	cursor, ok, err := store.Load(context.Background(), resolved.PubKeyHex, *direction)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading cursor: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		fmt.Println("no persisted cursor for this identity/direction")
		return
	}
	fmt.Printf("cursor_until=%d\n", cursor)
}
