package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/glockpete/Forecastin-sub000/internal/cache"
	"github.com/glockpete/Forecastin-sub000/internal/distcache"
	"github.com/glockpete/Forecastin-sub000/internal/refresh"
	"github.com/glockpete/Forecastin-sub000/internal/resolver"
	"github.com/glockpete/Forecastin-sub000/internal/store"
	"github.com/glockpete/Forecastin-sub000/internal/viewstore"
)

var (
	configDirFlag string
	dbPathFlag    string
	verboseFlag   bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDirFlag, "config-dir", "c", "", "Config directory (default ~/.forecastin)")
	rootCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Path to the hierarchy SQLite database")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Debug logging")
}

var rootCmd = &cobra.Command{
	Use:          "hier",
	Short:        "Hierarchy resolution core: materialized paths behind a tiered cache",
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verboseFlag {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// listenerFunc adapts a closure to the resolver's change listener, so the
// resolver and scheduler can be wired despite pointing at each other.
type listenerFunc func(subtreePath string)

func (f listenerFunc) NotifyChanged(subtreePath string) { f(subtreePath) }

// core is the wired system shared by every subcommand.
type core struct {
	set       settings
	log       *slog.Logger
	store     *store.SQLiteStore
	views     *viewstore.Store
	tier2     *distcache.Client
	resolver  *resolver.Resolver
	scheduler *refresh.Scheduler
}

func openCore() (*core, error) {
	dir := configDirFlag
	if dir == "" {
		var err error
		if dir, err = defaultConfigDir(); err != nil {
			return nil, err
		}
	}
	v, err := loadConfig(dir)
	if err != nil {
		return nil, err
	}
	set := settingsFrom(v)
	if dbPathFlag != "" {
		set.DBPath = dbPathFlag
	}
	log := newLogger()

	sq, err := store.OpenSQLite(set.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	views, err := viewstore.New(sq.DB())
	if err != nil {
		_ = sq.Close()
		return nil, fmt.Errorf("open views: %w", err)
	}

	var tier2 *distcache.Client
	var t2 resolver.Tier2
	if set.RedisEnabled {
		tier2 = distcache.New(distcache.Config{
			Addr:     set.RedisAddr,
			PoolSize: set.RedisPoolSize,
		}, log)
		t2 = tier2
	}

	var sched *refresh.Scheduler
	tier1 := cache.New(set.CacheCapacity, set.CacheTTL)
	res := resolver.New(
		resolver.Config{TTL: set.CacheTTL},
		tier1, t2, views, sq,
		listenerFunc(func(p string) {
			if sched != nil {
				sched.NotifyChanged(p)
			}
		}),
		log,
	)
	sched = refresh.New(refresh.Config{
		Cadence:  set.RefreshCadence,
		Debounce: set.RefreshDebounce,
	}, sq, views, res, log)

	return &core{
		set:       set,
		log:       log,
		store:     sq,
		views:     views,
		tier2:     tier2,
		resolver:  res,
		scheduler: sched,
	}, nil
}

func (c *core) Close() {
	if c.tier2 != nil {
		_ = c.tier2.Close()
	}
	_ = c.store.Close()
}
