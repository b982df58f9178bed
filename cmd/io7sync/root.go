package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/io7lab/io7sync/pkg/io7config"
)

// Execute runs the CLI and returns the process exit code
func Execute() int {
	rootCmd := newRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// options shared by the sub commands
type options struct {
	home       string
	configFile string
	logLevel   string
	config     *io7config.Io7Config
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:           "io7sync",
		Short:         "io7 identity and authorization sync",
		Long:          "Manages io7 devices and apps and keeps the broker's dynamic-security plugin in sync.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			config, err := io7config.LoadIo7Config(opts.home, opts.configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("logLevel") {
				config.Loglevel = opts.logLevel
			}
			if err = io7config.ValidateConfig(config); err != nil {
				return err
			}
			if err = io7config.SetLogging(config.Loglevel, config.LogFile); err != nil {
				logrus.Warningf("io7sync: logging to stderr only: %s", err)
			}
			opts.config = config
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&opts.home, "home", "", "Application home `folder`. Default is the parent of the binary folder")
	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "Configuration file. Default is {home}/config/"+io7config.ConfigName)
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "logLevel", "warning", "Loglevel: {error|warning|info|debug}")

	rootCmd.AddCommand(newServeCmd(opts))
	rootCmd.AddCommand(newAuditCmd(opts))
	return rootCmd
}
