// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/store"
)

// requireString extracts a mandatory string argument.
func requireString(args json.RawMessage, field string) (string, error) {
	v := gjson.GetBytes(args, field)
	if !v.Exists() || v.String() == "" {
		return "", cyfrerr.NewInvalidParamsError(fmt.Sprintf("%s is required", field), nil)
	}
	return v.String(), nil
}

// optionalString extracts a string argument, "" when absent.
func optionalString(args json.RawMessage, field string) string {
	return gjson.GetBytes(args, field).String()
}

// gjsonBool extracts a boolean argument, false when absent.
func gjsonBool(args json.RawMessage, field string) bool {
	return gjson.GetBytes(args, field).Bool()
}

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

func isNotRunning(err error) bool {
	return errors.Is(err, store.ErrNotRunning)
}

// mapNotFound converts a store miss into the wire-facing not-found error.
func mapNotFound(err error, what string) error {
	if isNotFound(err) {
		return cyfrerr.NewComponentNotFoundError(what+" not found", err)
	}
	return err
}

// requireAuthenticated rejects anonymous callers.
func requireAuthenticated(ctx context.Context) (*authn.Identity, error) {
	identity, ok := authn.IdentityFromContext(ctx)
	if !ok || !identity.Authenticated() {
		return nil, cyfrerr.NewAuthRequiredError("this action requires authentication", nil)
	}
	return identity, nil
}

// requireAdmin rejects callers without the wildcard permission. Admin API
// keys and sessions carrying "*" pass.
func requireAdmin(ctx context.Context) (*authn.Identity, error) {
	identity, err := requireAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	if !identity.HasPermission("*") {
		return nil, cyfrerr.NewInsufficientPermissionsError("this action requires admin scope", nil)
	}
	return identity, nil
}
