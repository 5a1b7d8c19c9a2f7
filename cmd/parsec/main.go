package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/parsec-cloud/parsec-sync/pkg/config"
)

// Exit codes per the mount command's documented contract: 0 clean, 1
// config, 2 mount driver crash, 3 backend unreachable at start.
const (
	exitClean              = 0
	exitConfigError        = 1
	exitMountDriverCrash   = 2
	exitBackendUnreachable = 3
)

func main() {
	logger := logrus.StandardLogger()

	// Load a .env file from the working directory if one exists, same as
	// every CLI entrypoint in the ecosystem this ships next to; missing
	// is fine, PARSEC_* env vars and viper's config file still apply.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "parsec",
		Short: "client-side end-to-end-encrypted file sync engine",
	}
	root.PersistentFlags().String("config-env", "", "configuration overlay name (e.g. dev, prod)")
	root.PersistentFlags().String("log-level", "", "override the configured log level")

	root.AddCommand(mountCmd(logger))

	if err := root.Execute(); err != nil {
		logger.WithError(err).Error("parsec: command failed")
		os.Exit(exitConfigError)
	}
}

func loadConfig(cmd *cobra.Command, logger *logrus.Logger) (*config.Config, error) {
	env, _ := cmd.Flags().GetString("config-env")
	cfg, err := config.Load(env)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logger.SetLevel(lvl)
	}
	return cfg, nil
}
