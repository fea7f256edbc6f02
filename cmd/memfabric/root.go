// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/sigil-dev/memfabric/internal/config"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// cli carries the viper instance shared by every subcommand of one root.
type cli struct {
	v *viper.Viper
}

// NewRootCmd creates the root memfabric command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "memfabric",
		Short:         "memfabric: tiered memory fabric",
		Long:          "memfabric keeps embeddings searchable across interact, insights and assets layers, promoting and expiring records by usage.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("data-dir", "", "path to data directory")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	root.AddCommand(
		c.newStartCmd(),
		c.newPromoteCmd(),
		c.newRememberCmd(),
		c.newRecallCmd(),
		c.newStatsCmd(),
		c.newDoctorCmd(),
		c.newConfigCmd(),
		newSecretCmd(),
		newVersionCmd(),
	)

	return root
}

// setup configures viper with defaults, env bindings, flag bindings and an
// optional config file so the standard precedence (flag > env > file >
// defaults) applies, then installs the slog handler.
func (c *cli) setup(cmd *cobra.Command) error {
	v := c.v

	config.SetDefaults(v)
	v.SetEnvPrefix("MEMFABRIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return mferr.Errorf(mferr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		v.SetConfigName("memfabric")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/memfabric")
		v.AddConfigPath("/etc/memfabric")
		// A missing config is fine; parse and permission errors are not.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return mferr.Errorf(mferr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
		}
	}

	flags := cmd.Root().PersistentFlags()
	if err := v.BindPFlag("data_dir", flags.Lookup("data-dir")); err != nil {
		return mferr.Errorf(mferr.CodeCLISetupFailure, "binding data-dir flag: %w", err)
	}
	if f := flags.Lookup("log-level"); f.Changed {
		v.Set("log_level", f.Value.String())
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		v.Set("log_level", "debug")
	}

	return setupLogging(cmd, v.GetString("log_level"))
}

// config unmarshals and validates the effective configuration.
func (c *cli) config() (*config.Config, error) {
	return config.FromViper(c.v)
}

func setupLogging(cmd *cobra.Command, level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return mferr.Errorf(mferr.CodeCLIInputInvalid, "invalid log level %q", level)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: lvl})))
	return nil
}
