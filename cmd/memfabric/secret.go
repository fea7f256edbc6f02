// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/sigil-dev/memfabric/internal/secrets"
	mferr "github.com/sigil-dev/memfabric/pkg/errors"
	"github.com/spf13/cobra"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage embedding API keys in the OS keyring",
	}

	var ks secrets.Keyring

	cmd.AddCommand(
		&cobra.Command{
			Use:   "set <name>",
			Short: "Store a secret read from stdin",
			Long:  "Read one line from stdin and store it in the OS keyring. Reference it from config as keyring://memfabric/<name>.",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				value := strings.TrimSpace(line)
				if value == "" {
					if err != nil {
						return mferr.Errorf(mferr.CodeCLIInputInvalid, "reading secret from stdin: %w", err)
					}
					return mferr.New(mferr.CodeCLIInputInvalid, "secret value must not be empty")
				}
				if err := ks.Set(secrets.DefaultService, args[0], value); err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", secrets.Ref(secrets.DefaultService, args[0]))
				return err
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Remove a stored secret",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := ks.Delete(secrets.DefaultService, args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", secrets.Ref(secrets.DefaultService, args[0]))
				return err
			},
		},
	)
	return cmd
}
