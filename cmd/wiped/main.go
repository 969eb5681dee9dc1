package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wipeworks/wiped/internal/log"
	"github.com/wipeworks/wiped/internal/model"
)

var (
	userConfigPath string // /default/config/path/wiped on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "wiped")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is wiped.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initWiped

	runCmd.AddCommand(runWipeCmd)
	runCmd.AddCommand(runFactoryResetCmd)
	runWipeCmd.Flags().StringVar(&flagTarget, "target", "", "device to wipe, e.g. /dev/sdb")
	runWipeCmd.Flags().StringVar(&flagMethod, "method", "zero", "wipe method: zero or random")
	_ = runWipeCmd.MarkFlagRequired("target")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(certificateCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("wiped failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "wiped",
	Short:        "Daemon running disk wipe and factory reset jobs and streaming their progress",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a wiped",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "wiped: version info not available")
			return
		}
		writeVersion(cmd.OutOrStdout(), configPath, info)
	},
}

func writeVersion(w io.Writer, path string, info *debug.BuildInfo) {
	if path != "" {
		fmt.Fprintf(w, "config: %s\n", path)
	}
	fmt.Fprintf(w, "wiped: %s\n", info.Main.Version)
	fmt.Fprintf(w, "go:     %s\n", info.GoVersion)
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			fmt.Fprintf(w, "commit: %s\n", s.Value)
		case "vcs.time":
			fmt.Fprintf(w, "date:   %s\n", s.Value)
		case "vcs.modified":
			fmt.Fprintf(w, "dirty:  %s\n", s.Value)
		}
	}
	fmt.Fprintln(w)
}

func initWiped(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("WIPEDCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "wiped.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		config = model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, "wiped.yaml")
		if err := storeConfig(configPath, config); err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Verbose = true
	}

	// initialize logging
	slog.SetDefault(log.New(os.Stderr, config.Verbose))

	slog.Debug("wiped run", "configPath", configPath)
	slog.Debug("wiped run", "config", config)
	return nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
