// Agent Coordination Service - advisory file locks, staleness detection,
// and a dependency graph for multiple AI coding agents sharing a git repo.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/coordinator"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "sweep":
			runSweepOnce(os.Args[2:])
			return
		case "locks":
			runLocks(os.Args[2:])
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	runServer()
}

func printHelp() {
	fmt.Println(`coordinator - Agent Coordination Service

Usage:
  coordinator [flags]              Run the coordination service, including
                                    the background stale-lock sweeper
  coordinator sweep [flags]        Run one sweep pass against a running
                                    instance's Redis store and exit
  coordinator locks list           List every active advisory lock
  coordinator locks force-release <repo> <branch> <path>
                                    Forcefully release one lock regardless
                                    of owner
  coordinator locks cleanup <min-age>
                                    Remove locks older than min-age even if
                                    their TTL hasn't elapsed (e.g. "10m")

Flags:
  --redis-addr string     Redis address (default: $REDIS_ADDR or localhost:6379)
  --forge-url string      Git forge base URL (e.g. https://gitea.example.com)
  --forge-token string    Git forge API token (default: $FORGE_TOKEN)
  --sweep-interval dur    Stale-lock sweep interval (default 30s)
  --sweep-secret string   Shared secret gating cleanup_stale_locks (default: $SWEEP_SHARED_SECRET)
  --backend-path string   Base directory for the content overflow filesystem backend (default ./data/overflow)`)
}

type runtimeFlags struct {
	redisAddr     string
	forgeURL      string
	forgeToken    string
	sweepInterval time.Duration
	sweepSecret   string
	backendPath   string
	lockKeyPrefix string
}

func parseFlags(fs *flag.FlagSet) *runtimeFlags {
	f := &runtimeFlags{}
	fs.StringVar(&f.redisAddr, "redis-addr", "", "Redis address")
	fs.StringVar(&f.forgeURL, "forge-url", os.Getenv("FORGE_URL"), "Git forge base URL")
	fs.StringVar(&f.forgeToken, "forge-token", os.Getenv("FORGE_TOKEN"), "Git forge API token")
	fs.DurationVar(&f.sweepInterval, "sweep-interval", coordinator.DefaultSweepInterval, "Stale-lock sweep interval")
	fs.StringVar(&f.sweepSecret, "sweep-secret", os.Getenv("SWEEP_SHARED_SECRET"), "Shared secret gating cleanup_stale_locks")
	fs.StringVar(&f.backendPath, "backend-path", "./data/overflow", "Base directory for the content overflow filesystem backend")
	fs.StringVar(&f.lockKeyPrefix, "lock-key-prefix", "filelock", "Redis key prefix for advisory locks")
	return f
}

// buildBackend constructs the content cache's overflow tier. Filesystem is
// the only backend this binary wires; see backend.go's Backend interface for
// adding another.
func buildBackend(f *runtimeFlags) (coordinator.Backend, error) {
	if err := os.MkdirAll(f.backendPath, 0o755); err != nil {
		return nil, fmt.Errorf("create backend path: %w", err)
	}
	return coordinator.NewFilesystemBackend(f.backendPath), nil
}

// build wires C1 through C5 and the sweeper, exactly the composition root
// spec §6 describes: environment-configured Redis, git forge credentials,
// and the sweeper's shared secret are the only external inputs.
func build(f *runtimeFlags) (*coordinator.Coordinator, *coordinator.Sweeper, func(), error) {
	logger, err := coordinator.NewProductionZapLogger()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build logger: %w", err)
	}

	metrics := coordinator.NewPrometheusMetrics(nil)

	redisOpts := coordinator.RedisOptionsWithOverrides(f.redisAddr, "", 0, 0)
	redisClient := redis.NewClient(redisOpts)

	kv := coordinator.NewRedisKVStore(redisClient)

	locks := coordinator.NewLockEngine(kv, f.lockKeyPrefix, coordinator.DefaultLockTTL, logger, metrics)

	remote, err := coordinator.NewGiteaRemoteRepository(f.forgeURL, f.forgeToken, logger, metrics)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("build remote repository client: %w", err)
	}

	backend, err := buildBackend(f)
	if err != nil {
		return nil, nil, nil, err
	}
	content := coordinator.NewContentCache(redisClient, backend, coordinator.DefaultContentOverflowThreshold).WithMetrics(metrics)

	edges := coordinator.NewEdgeIndex(redisClient)
	buildLock := coordinator.NewDistributedLock(redisClient, "coordinator")

	graphs := coordinator.NewGraphBuilder(kv, remote, content, edges, buildLock, logger, metrics)

	coord := coordinator.NewCoordinator(locks, remote, graphs, edges, nil, logger, metrics)
	sweeper := coordinator.NewSweeper(locks, buildLock, f.sweepSecret, f.sweepInterval, logger, metrics)

	cleanup := func() {
		_ = redisClient.Close()
	}

	return coord, sweeper, cleanup, nil
}

func runServer() {
	fs := flag.NewFlagSet("coordinator", flag.ExitOnError)
	f := parseFlags(fs)
	fs.Parse(os.Args[1:])

	coord, sweeper, cleanup, err := build(f)
	if err != nil {
		log.Fatalf("failed to start coordinator: %v", err)
	}
	defer cleanup()
	_ = coord // the network transport binding the three operations to a
	// listener is outside this core's scope (spec §1); coord is the handle
	// an HTTP/gRPC front end wires its handlers to.

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	color.Green("coordinator started, sweeping every %s", f.sweepInterval)
	go sweeper.Run(ctx)

	<-ctx.Done()
	sweeper.Stop()
	color.Yellow("coordinator shutting down")
}

func runSweepOnce(args []string) {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	f := parseFlags(fs)
	fs.Parse(args)

	_, sweeper, cleanup, err := build(f)
	if err != nil {
		log.Fatalf("failed to build sweeper: %v", err)
	}
	defer cleanup()

	result, err := sweeper.RunCleanupOnce(context.Background(), f.sweepSecret)
	if err != nil {
		color.Red("sweep failed: %v", err)
		os.Exit(1)
	}

	color.Green("swept %d stale lock(s) at %s", result.Cleaned, result.Timestamp.Format(time.RFC3339))
}

// buildLockManager wires just C1 and LockManager, since the "locks"
// subcommand is pure Redis-key administration and needs neither a git forge
// client nor a content backend.
func buildLockManager(f *runtimeFlags) (*coordinator.LockManager, func(), error) {
	logger, err := coordinator.NewProductionZapLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	metrics := coordinator.NewPrometheusMetrics(nil)

	redisOpts := coordinator.RedisOptionsWithOverrides(f.redisAddr, "", 0, 0)
	redisClient := redis.NewClient(redisOpts)
	kv := coordinator.NewRedisKVStore(redisClient)

	manager := coordinator.NewLockManager(kv, f.lockKeyPrefix, logger, metrics)
	cleanup := func() { _ = redisClient.Close() }
	return manager, cleanup, nil
}

func runLocks(args []string) {
	if len(args) == 0 {
		color.Red("usage: coordinator locks <list|force-release|cleanup> ...")
		os.Exit(1)
	}

	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("locks "+sub, flag.ExitOnError)
	f := parseFlags(fs)
	fs.Parse(rest)
	fsArgs := fs.Args()

	manager, cleanup, err := buildLockManager(f)
	if err != nil {
		log.Fatalf("failed to build lock manager: %v", err)
	}
	defer cleanup()

	ctx := context.Background()

	switch sub {
	case "list":
		locks, err := manager.ListLocks(ctx)
		if err != nil {
			color.Red("list locks failed: %v", err)
			os.Exit(1)
		}
		if len(locks) == 0 {
			fmt.Println("no active locks")
			return
		}
		for _, l := range locks {
			fmt.Printf("%s/%s %s  owner=%s kind=%s ttl=%s msg=%q\n",
				l.Repo, l.Branch, l.FilePath, l.Owner, l.Kind, l.TTL.Round(time.Second), l.Message)
		}

	case "force-release":
		if len(fsArgs) != 3 {
			color.Red("usage: coordinator locks force-release <repo> <branch> <path>")
			os.Exit(1)
		}
		if err := manager.ForceRelease(ctx, fsArgs[0], fsArgs[1], fsArgs[2]); err != nil {
			color.Red("force-release failed: %v", err)
			os.Exit(1)
		}
		color.Green("released %s/%s %s", fsArgs[0], fsArgs[1], fsArgs[2])

	case "cleanup":
		if len(fsArgs) != 1 {
			color.Red("usage: coordinator locks cleanup <min-age>")
			os.Exit(1)
		}
		minAge, err := time.ParseDuration(fsArgs[0])
		if err != nil {
			color.Red("invalid min-age %q: %v", fsArgs[0], err)
			os.Exit(1)
		}
		removed, err := manager.CleanupOrphanedLocks(ctx, minAge)
		if err != nil {
			color.Red("cleanup failed: %v", err)
			os.Exit(1)
		}
		color.Green("removed %d orphaned lock(s)", removed)

	default:
		color.Red("unknown locks subcommand %q", sub)
		os.Exit(1)
	}
}
