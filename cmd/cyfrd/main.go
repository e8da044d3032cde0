// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the cyfrd server binary.
package main

import (
	"os"

	"github.com/cyfrworks/cyfr/cmd/cyfrd/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
