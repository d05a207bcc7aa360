package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/memsess"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage memsess configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var (
		outPath string
		force   bool
		stdout  bool
	)
	defaultOutput := "$HOME/.memsess/" + defaultConfigFileName
	if dir, err := defaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, defaultConfigFileName)
	}
	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default memsess configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := defaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the persistent and janitor flags; keys match flag
// names so viper reads the file without a mapping.
type configDefaults struct {
	ShmDir                 string `yaml:"shm-dir"`
	Prefix                 string `yaml:"prefix"`
	Capacity               string `yaml:"capacity"`
	IndexPath              string `yaml:"index-path"`
	IndexMode              string `yaml:"index-mode"`
	IndexLockTimeout       string `yaml:"index-lock-timeout"`
	Codec                  string `yaml:"codec"`
	MaxLife                string `yaml:"max-life"`
	Interval               string `yaml:"interval"`
	MetricsListen          string `yaml:"metrics-listen"`
	PprofListen            string `yaml:"pprof-listen"`
	OTLPEndpoint           string `yaml:"otlp-endpoint"`
	EnableProfilingMetrics bool   `yaml:"enable-profiling-metrics"`
	LogLevel               string `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		ShmDir:           memsess.DefaultShmDir,
		Prefix:           memsess.DefaultPrefix,
		Capacity:         humanizeBytes(memsess.DefaultCapacity),
		IndexPath:        memsess.DefaultIndexPath(),
		IndexMode:        memsess.DefaultIndexMode,
		IndexLockTimeout: memsess.DefaultIndexLockTimeout.String(),
		Codec:            memsess.DefaultCodec,
		MaxLife:          memsess.DefaultMaxLife.String(),
		Interval:         memsess.DefaultJanitorInterval.String(),
		LogLevel:         "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
