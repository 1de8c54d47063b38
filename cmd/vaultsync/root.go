package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultsync/vaultsync/internal/backend"
	"github.com/vaultsync/vaultsync/internal/config"
	"github.com/vaultsync/vaultsync/internal/controller"
	"github.com/vaultsync/vaultsync/internal/store"
	"github.com/vaultsync/vaultsync/internal/vaultfile"
)

// skipConfigAnnotation marks commands that handle config loading themselves
// (none currently do, but the annotation key is kept so new commands can opt
// out the same way the teacher's CLI does).
const skipConfigAnnotation = "skipConfig"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// CLIContext bundles the wired controller, registry, and logger a
// subcommand needs. Built once in PersistentPreRunE and stashed in the
// command's context, mirroring the teacher's CLIContext.
type CLIContext struct {
	Controller *controller.Controller
	Registry   *store.Registry
	Cfg        *config.Config
	Logger     *slog.Logger
}

type cliContextKey struct{}

func cliContextFrom(ctx context.Context) *CLIContext {
	cc, _ := ctx.Value(cliContextKey{}).(*CLIContext)
	return cc
}

func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command does not skip the root wiring")
	}

	return cc
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "vaultsync",
		Short:         "Password database sync engine CLI",
		Long:          "Opens, reconciles, and persists encrypted password databases across a cache, local files, and pluggable remote backends.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfigAnnotation] == "true" {
				return nil
			}

			return wireCommand(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "no subcommand reads this flag; output is always plain text")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	cmd.AddCommand(newOpenCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newCloseCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// wireCommand loads config, builds the logger, constructs the backend
// registry/store/controller, and stashes it all in the command's context.
func wireCommand(cmd *cobra.Command) error {
	logger := buildLogger(nil)

	path := flagConfigPath
	if path == "" {
		path = config.DefaultConfigPath()
	}

	cfg, err := config.LoadOrDefault(path, logger)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger = buildLogger(cfg)

	registryPath := cfg.Registry.Path
	if registryPath == "" {
		registryPath = config.DefaultRegistryPath()
	}

	if err := os.MkdirAll(filepath.Dir(registryPath), 0o700); err != nil {
		return fmt.Errorf("creating registry directory: %w", err)
	}

	reg, err := store.New(registryPath, logger)
	if err != nil {
		return fmt.Errorf("opening registry: %w", err)
	}

	if err := reg.Load(cmd.Context()); err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}

	backends, err := wireBackends(cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring backends: %w", err)
	}

	holder := config.NewHolder(cfg, path)

	ctrl := controller.New(backends, reg, controller.NullEventPort{}, holder, func() vaultfile.File { return vaultfile.NewEmptyFile() }, logger)

	cc := &CLIContext{Controller: ctrl, Registry: reg, Cfg: cfg, Logger: logger}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	return nil
}

// wireBackends registers the always-present cache and local backends plus
// one cloud backend per [backend.<tag>] config section that carries both an
// endpoint and a token file (a section missing either is skipped).
func wireBackends(cfg *config.Config, logger *slog.Logger) (*backend.Registry, error) {
	backends := backend.NewRegistry()

	cacheDir := cfg.Cache.Dir
	if cacheDir == "" {
		cacheDir = config.DefaultCacheDir()
	}

	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	cache, err := backend.NewCache(cacheDir, cfg.Cache.MaxHotEntries, cfg.Cache.MaxDiskSizeBytes(), logger)
	if err != nil {
		return nil, fmt.Errorf("constructing cache backend: %w", err)
	}

	backends.Register("cache", cache)

	debounce := time.Duration(cfg.Watch.FileChangeSyncMS) * time.Millisecond
	backends.Register("file", backend.NewLocal(debounce, logger))

	for tag, be := range cfg.Backends {
		if be.Endpoint == "" || be.TokenFile == "" {
			continue
		}

		// OAuth2 authorization-flow bootstrap (AuthURL/TokenURL/interactive
		// login) is CLI/bootstrap concern, out of scope per spec §1 — this
		// wiring only consumes an already-authenticated token file, without
		// auto-refresh, via staticTokenSource.
		token, err := newStaticTokenSource(be.TokenFile)
		if err != nil {
			logger.Warn("skipping cloud backend: no token available", slog.String("backend", tag), slog.String("error", err.Error()))
			continue
		}

		backends.Register(tag, backend.NewCloud(tag, be.Endpoint, nil, token, debounce, logger))
	}

	return backends, nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags (highest priority), exactly as the teacher's buildLogger does.
func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelWarn

	if cfg != nil {
		switch cfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelInfo
	}

	if flagDebug {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
