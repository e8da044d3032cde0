// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the cyfrd command-line
// application.
package app

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cyfrworks/cyfr/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "cyfrd",
	DisableAutoGenTag: true,
	Short:             "cyfrd is a governed execution server for sandboxed WASM components",
	Long: `cyfrd serves the Model Context Protocol over JSON-RPC 2.0 and runs WASM
components (catalysts, reagents, formulas) inside a capability-scoped
sandbox. Every host capability a component touches - network egress,
storage, secrets, tool re-entry - is checked against its stored policy
and written to the policy log.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			zl, err := zap.NewDevelopment()
			if err == nil {
				logger.Set(zl.Sugar())
			}
		}
	},
}

// NewRootCmd creates the root command for the cyfrd CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newKeysCmd())

	return rootCmd
}
