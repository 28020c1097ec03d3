package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/teslashibe/go-friendwatch/internal/log"
	"github.com/teslashibe/go-friendwatch/pkg/friendwatch"
)

var (
	configPath  string
	debugFlag   bool
	debugFrames bool
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "friendwatch",
	Short: "Play a video when a known face walks up to the camera",
	Long: `friendwatch samples a live camera feed, matches faces against a set of
enrollment photos of one person, and plays a video full screen while that
person is close to the camera. Playback runs until the video window is
closed with ESC, even after the person leaves.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "YAML config file (env and flags override it)")
	pf.BoolVar(&debugFlag, "debug", false, "Enable verbose debug logging")
	pf.BoolVar(&debugFrames, "debug-frames", false, "Log every sampled frame (very verbose)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

// loadConfig layers defaults, the config file, FRIENDWATCH_* variables and
// the persistent flags, in that order
func loadConfig(cmd *cobra.Command) (friendwatch.Config, error) {
	cfg := friendwatch.DefaultConfig()
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return cfg, err
		}
	}
	cfg.LoadEnvConfig()

	flags := cmd.Flags()
	if flags.Changed("debug") {
		cfg.Debug = debugFlag
	}
	if flags.Changed("debug-frames") {
		cfg.DebugFrames = debugFrames
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cfg.Debug && !flags.Changed("log-level") {
		cfg.LogLevel = "debug"
	}
	log.Init(cfg.LogLevel)
	return cfg, nil
}
