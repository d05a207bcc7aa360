package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/memsess"
	"pkt.systems/memsess/internal/loggingutil"
	"pkt.systems/memsess/internal/pathutil"
	"pkt.systems/pslog"
)

const (
	envPrefix             = "MEMSESS"
	defaultConfigFileName = "config.yaml"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("MEMSESS_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "memsess")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// cli carries state shared by every subcommand of one root command.
type cli struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	app := &cli{v: viper.New(), logger: loggingutil.EnsureLogger(baseLogger)}

	cmd := &cobra.Command{
		Use:           "memsess",
		Short:         "memsess inspects and maintains shared-memory session stores",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Run the sweeper next to the workers that share /dev/shm
  memsess janitor --max-life 24m --interval 1m --metrics-listen :9464

  # One-off sweep with a shorter max life
  memsess gc --max-life 5m

  # Inspect a session
  memsess stat 3f2a9c0d4b6e4f1f8a7b2c1d0e9f8a7b
  memsess get 3f2a9c0d4b6e4f1f8a7b2c1d0e9f8a7b > session.bin

  # Settings also come from MEMSESS_* variables or a YAML file
  MEMSESS_SHM_DIR=/run/shm MEMSESS_CODEC=zstd memsess ls
`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.prepare(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.memsess/"+defaultConfigFileName+" when present)")
	flags.String("shm-dir", memsess.DefaultShmDir, "directory holding shared-memory segments")
	flags.String("prefix", memsess.DefaultPrefix, "segment name prefix")
	flags.String("capacity", "2MB", "payload capacity of new segments (e.g. 2MB, 512KiB)")
	flags.String("index-path", memsess.DefaultIndexPath(), "access index database path")
	flags.String("index-mode", memsess.DefaultIndexMode, "access index mode (shared, exclusive)")
	flags.Duration("index-lock-timeout", memsess.DefaultIndexLockTimeout, "how long to wait for the access index lock")
	flags.String("codec", memsess.DefaultCodec, "codec for new writes (none, zlib, zstd, lz4, snappy)")
	flags.Duration("max-life", memsess.DefaultMaxLife, "sessions untouched for longer than this are swept")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	app.bindFlags(flags)

	app.v.SetEnvPrefix(envPrefix)
	app.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	app.v.AutomaticEnv()

	cmd.AddCommand(
		newJanitorCommand(app),
		newGCCommand(app),
		newOpenCommand(app),
		newGetCommand(app),
		newPutCommand(app),
		newRmCommand(app),
		newStatCommand(app),
		newLsCommand(app),
		newNewCommand(),
		newDfCommand(app),
		newConfigCommand(),
		newVersionCommand(),
	)
	return cmd
}

func (a *cli) bindFlags(flags *pflag.FlagSet) {
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := a.v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
}

func (a *cli) prepare(cmd *cobra.Command) error {
	configFile, err := a.loadConfigFile()
	if err != nil {
		return err
	}
	logLevel := strings.TrimSpace(a.v.GetString("log-level"))
	if logLevel == "" {
		logLevel = "info"
	}
	level, ok := pslog.ParseLevel(logLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", logLevel)
	}
	a.logger = a.logger.LogLevel(level)
	if configFile != "" {
		loggingutil.WithSubsystem(a.logger, "cli.root").Debug("cli.config.loaded", "path", configFile)
	}
	return nil
}

func (a *cli) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := defaultConfigDir(); err == nil {
			cfgPath = filepath.Join(dir, defaultConfigFileName)
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := pathutil.Expand(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	a.v.SetConfigFile(expanded)
	if err := a.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func defaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv(envPrefix + "_CONFIG_DIR")); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".memsess"), nil
}

// storeConfig assembles a memsess.Config from flags, environment and the
// config file, in viper's precedence order.
func (a *cli) storeConfig() (memsess.Config, error) {
	capacity, err := humanize.ParseBytes(strings.TrimSpace(a.v.GetString("capacity")))
	if err != nil {
		return memsess.Config{}, fmt.Errorf("invalid --capacity: %w", err)
	}
	shmDir, err := pathutil.Expand(a.v.GetString("shm-dir"))
	if err != nil {
		return memsess.Config{}, fmt.Errorf("invalid --shm-dir: %w", err)
	}
	indexPath, err := pathutil.Expand(a.v.GetString("index-path"))
	if err != nil {
		return memsess.Config{}, fmt.Errorf("invalid --index-path: %w", err)
	}
	cfg := memsess.Config{
		ShmDir:           shmDir,
		Prefix:           a.v.GetString("prefix"),
		Capacity:         int64(capacity),
		IndexPath:        indexPath,
		IndexMode:        a.v.GetString("index-mode"),
		IndexLockTimeout: a.v.GetDuration("index-lock-timeout"),
		Codec:            a.v.GetString("codec"),
		MaxLife:          a.v.GetDuration("max-life"),
		JanitorInterval:  a.v.GetDuration("interval"),
	}
	if err := cfg.Validate(); err != nil {
		return memsess.Config{}, err
	}
	return cfg, nil
}

func (a *cli) openStore() (*memsess.Store, error) {
	cfg, err := a.storeConfig()
	if err != nil {
		return nil, err
	}
	return memsess.New(cfg, memsess.WithLogger(a.logger))
}

// withStore opens the store, runs fn and releases the index.
func (a *cli) withStore(fn func(store *memsess.Store) error) error {
	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Shutdown()
	return fn(store)
}

func humanizeBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
