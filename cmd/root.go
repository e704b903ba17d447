// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/pcapguard/internal/config"
	"firestige.xyz/pcapguard/internal/log"
	"firestige.xyz/pcapguard/internal/metrics"

	// capture engines register themselves with native
	_ "firestige.xyz/pcapguard/pkg/pcap/libpcap"
	_ "firestige.xyz/pcapguard/pkg/pcap/purego"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "0.1.0"

var (
	// Global flags
	configFile string
	engineName string
	logLevel   string

	cfg           *config.GlobalConfig
	metricsServer *metrics.Server
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pcapguard",
	Short: "pcapguard - safe packet capture on top of libpcap",
	Long: `pcapguard reads capture files and live interfaces through a binding layer
that owns every native capture resource: sessions, compiled filters and
capture file writers are released exactly once on every path.

Engines:
  - libpcap: the system libpcap through cgo
  - purego:  capture files via gopacket/pcapgo, filters on the x/net/bpf VM,
             live capture via AF_PACKET`,
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown(cmd.Context())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults and PCAPGUARD_* env when empty)")
	rootCmd.PersistentFlags().StringVarP(&engineName, "engine", "e", "",
		"capture engine: auto, libpcap or purego (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level: debug, info, warn or error (overrides config)")

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(liveCmd)
	rootCmd.AddCommand(filterCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}

// setup loads configuration, applies flag overrides and initializes logging
// and metrics before any subcommand runs.
func setup(cmd *cobra.Command, args []string) error {
	c, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = c

	if err := log.Init(cfg.Log); err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}

	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := metricsServer.Start(cmd.Context()); err != nil {
			return err
		}
	}
	return nil
}

func loadConfig() (*config.GlobalConfig, error) {
	c, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if engineName != "" {
		c.Engine = engineName
	}
	if logLevel != "" {
		c.Log.Level = logLevel
	}
	if err := c.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	return c, nil
}

func teardown(ctx context.Context) error {
	if metricsServer == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := metricsServer.Stop(ctx)
	metricsServer = nil
	return err
}
