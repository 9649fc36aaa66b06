package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"tatchi/internal/config"
	"tatchi/internal/logging"
)

// Version information, set via ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "vrfworker",
	Short: "VRF key manager and signer behind a message boundary",
	Long: `vrfworker keeps a VRF keypair in memory and answers JSON envelopes, one
per line, on stdin. Responses are written to stdout; logs go to stderr.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vrfworker %s (commit %s, built %s, %s)\n",
			Version, GitCommit, BuildTime, runtime.Version())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $TATCHI_HOME/config.toml)")
	rootCmd.AddCommand(versionCmd, serveCmd, accountsCmd)
}

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.ConfigPath()
	}
	return config.Load(path)
}

// newLogger builds the process logger. stdout carries responses, so
// stdout logging is moved to stderr.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	lcfg, err := cfg.LoggerConfig("vrfworker")
	if err != nil {
		return nil, err
	}
	var logger *logging.Logger
	if lcfg.Output == "" || lcfg.Output == "stdout" {
		logger, err = logging.NewWithWriter(os.Stderr, lcfg)
	} else {
		logger, err = logging.New(lcfg)
	}
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)
	return logger, nil
}

func openAudit(cfg *config.Config) (*logging.AuditLogger, error) {
	if cfg.Logging.AuditPath == "" {
		return nil, nil
	}
	acfg := logging.DefaultAuditConfig()
	acfg.FilePath = cfg.Logging.AuditPath
	acfg.Component = "vrfworker"
	return logging.NewAuditLogger(acfg)
}
