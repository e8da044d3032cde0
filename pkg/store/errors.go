// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"errors"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists is returned when a row with the same unique key
	// already exists.
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrNotRunning is returned when a terminal-state transition is
	// attempted on an execution that is not running.
	ErrNotRunning = errors.New("execution is not running")
)
