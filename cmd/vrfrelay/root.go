package main

import (
	"fmt"
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
	Use:   "vrfrelay",
	Short: "Relay for three-pass VRF key escrow",
	Long: `vrfrelay holds long-lived commutative lock keys and applies or removes
its lock on client key-encryption keys. It never sees a VRF keypair or an
unlocked key-encryption key.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vrfrelay %s (commit %s, built %s, %s)\n",
			Version, GitCommit, BuildTime, runtime.Version())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default $TATCHI_HOME/config.toml)")
	rootCmd.AddCommand(versionCmd, serveCmd, keygenCmd, rotateCmd, retireCmd)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.ConfigPath()
}

// newLogger builds the process logger and the optional audit log.
func newLogger(cfg *config.Config) (*logging.Logger, *logging.AuditLogger, error) {
	lcfg, err := cfg.LoggerConfig("vrfrelay")
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(lcfg)
	if err != nil {
		return nil, nil, err
	}
	logging.SetDefault(logger)

	audit, err := openAudit(cfg)
	if err != nil {
		logger.Close()
		return nil, nil, err
	}
	return logger, audit, nil
}

// openAudit returns nil when no audit path is configured.
func openAudit(cfg *config.Config) (*logging.AuditLogger, error) {
	if cfg.Logging.AuditPath == "" {
		return nil, nil
	}
	acfg := logging.DefaultAuditConfig()
	acfg.FilePath = cfg.Logging.AuditPath
	acfg.Component = "vrfrelay"
	return logging.NewAuditLogger(acfg)
}
