// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/pkg/audit"
	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/secrets"
	"github.com/cyfrworks/cyfr/pkg/storage"
	"github.com/cyfrworks/cyfr/pkg/store"
	"github.com/cyfrworks/cyfr/pkg/tools"
)

type fixtures struct {
	store   *store.Store
	adapter storage.Adapter
	secrets *secrets.Manager
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()

	st, err := store.Open(context.Background(), store.Options{Path: t.TempDir() + "/cyfr.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	adapter, err := storage.NewLocalAdapter(t.TempDir())
	require.NoError(t, err)

	cipher, err := secrets.NewCipher("tools-test-master-key", secrets.MinIterations)
	require.NoError(t, err)

	return &fixtures{
		store:   st,
		adapter: adapter,
		secrets: secrets.NewManager(st, cipher),
	}
}

func userCtx(userID string) context.Context {
	return authn.WithIdentity(context.Background(), &authn.Identity{
		UserID:     userID,
		AuthMethod: authn.MethodSession,
	})
}

func adminCtx(userID string) context.Context {
	return authn.WithIdentity(context.Background(), &authn.Identity{
		UserID:      userID,
		AuthMethod:  authn.MethodAPIKey,
		Permissions: []string{"*"},
	})
}

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func asMap(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "result is %T, not a map", v)
	return m
}

func errType(t *testing.T, err error) string {
	t.Helper()
	var ce *cyfrerr.Error
	require.ErrorAs(t, err, &ce)
	return ce.Type
}

func TestRouterRejectsDuplicateRegistration(t *testing.T) {
	t.Parallel()
	r := tools.NewRouter()
	require.NoError(t, r.Register(tools.NewGuideTool()))
	require.Error(t, r.Register(tools.NewGuideTool()))
}

func TestRouterUnknownTool(t *testing.T) {
	t.Parallel()
	r := tools.NewRouter()
	_, err := r.Handle(context.Background(), "nope", raw(`{"action":"list"}`))
	assert.Equal(t, cyfrerr.ErrMethodNotFound, errType(t, err))
}

func TestRouterValidatesArgumentsAgainstSchema(t *testing.T) {
	t.Parallel()
	r := tools.NewRouter()
	r.MustRegister(tools.NewGuideTool())

	_, err := r.Handle(context.Background(), "guide", raw(`{"action":"explode"}`))
	assert.Equal(t, cyfrerr.ErrInvalidParams, errType(t, err))

	_, err = r.Handle(context.Background(), "guide", raw(`{not json`))
	assert.Equal(t, cyfrerr.ErrInvalidParams, errType(t, err))

	_, err = r.Handle(context.Background(), "guide", nil)
	assert.Equal(t, cyfrerr.ErrInvalidParams, errType(t, err))
}

func TestRouterListsToolsSorted(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	r := tools.NewRouter()
	r.MustRegister(tools.NewStorageTool(f.adapter, f.store))
	r.MustRegister(tools.NewGuideTool())
	r.MustRegister(tools.NewSecretTool(f.secrets))

	descs := r.Tools()
	require.Len(t, descs, 3)
	assert.Equal(t, "guide", descs[0].Name)
	assert.Equal(t, "secret", descs[1].Name)
	assert.Equal(t, "storage", descs[2].Name)
	for _, d := range descs {
		assert.Contains(t, tools.RoutedTo, d.Name)
	}
}

func TestStorageWriteReadListDelete(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	tool := tools.NewStorageTool(f.adapter, f.store)
	ctx := userCtx("user_s1")

	out, err := tool.Handle(ctx, "write", raw(`{"action":"write","path":"scratch/notes.txt","content":"hello"}`))
	require.NoError(t, err)
	assert.EqualValues(t, 5, asMap(t, out)["size"])

	out, err = tool.Handle(ctx, "read", raw(`{"action":"read","path":"scratch/notes.txt"}`))
	require.NoError(t, err)
	assert.Equal(t, "aGVsbG8=", asMap(t, out)["content_base64"])

	out, err = tool.Handle(ctx, "list", raw(`{"action":"list","path":"scratch"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"notes.txt"}, asMap(t, out)["entries"])

	_, err = tool.Handle(ctx, "delete", raw(`{"action":"delete","path":"scratch/notes.txt"}`))
	require.NoError(t, err)

	_, err = tool.Handle(ctx, "read", raw(`{"action":"read","path":"scratch/notes.txt"}`))
	assert.Equal(t, cyfrerr.ErrComponentNotFound, errType(t, err))
}

func TestStorageRejectsTraversal(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	tool := tools.NewStorageTool(f.adapter, f.store)

	_, err := tool.Handle(userCtx("user_s2"), "read", raw(`{"action":"read","path":"../other/file"}`))
	assert.Equal(t, cyfrerr.ErrInvalidParams, errType(t, err))
}

func TestStorageRetentionValidatesKeep(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	tool := tools.NewStorageTool(f.adapter, f.store)
	ctx := userCtx("user_s3")

	_, err := tool.Handle(ctx, "retention", raw(`{"action":"retention","keep":0}`))
	assert.Equal(t, cyfrerr.ErrInvalidParams, errType(t, err))

	out, err := tool.Handle(ctx, "retention", raw(`{"action":"retention","keep":5}`))
	require.NoError(t, err)
	assert.EqualValues(t, 0, asMap(t, out)["pruned"])
}

func TestSecretLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	tool := tools.NewSecretTool(f.secrets)
	ctx := userCtx("user_sec")

	_, err := tool.Handle(ctx, "set", raw(`{"action":"set","name":"API_TOKEN","value":"tok-123"}`))
	require.NoError(t, err)

	out, err := tool.Handle(ctx, "list", raw(`{"action":"list"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"API_TOKEN"}, asMap(t, out)["secrets"])

	// Raw value read-back is admin-only.
	_, err = tool.Handle(ctx, "get", raw(`{"action":"get","name":"API_TOKEN"}`))
	assert.Equal(t, cyfrerr.ErrInsufficientPermissions, errType(t, err))

	admin := authn.WithIdentity(context.Background(), &authn.Identity{
		UserID:      "user_sec",
		AuthMethod:  authn.MethodAPIKey,
		Permissions: []string{"*"},
	})
	out, err = tool.Handle(admin, "get", raw(`{"action":"get","name":"API_TOKEN"}`))
	require.NoError(t, err)
	assert.Equal(t, "tok-123", asMap(t, out)["value"])

	_, err = tool.Handle(ctx, "delete", raw(`{"action":"delete","name":"API_TOKEN"}`))
	require.NoError(t, err)

	_, err = tool.Handle(admin, "get", raw(`{"action":"get","name":"API_TOKEN"}`))
	assert.Equal(t, cyfrerr.ErrComponentNotFound, errType(t, err))
}

func TestSecretGrantAndResolveGranted(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	tool := tools.NewSecretTool(f.secrets)
	ctx := userCtx("user_g")
	const ref = "catalyst:fetch.http:1.0.0"

	_, err := tool.Handle(ctx, "set", raw(`{"action":"set","name":"DB_URL","value":"postgres://x"}`))
	require.NoError(t, err)

	_, err = tool.Handle(ctx, "grant", raw(`{"action":"grant","name":"DB_URL","component":"`+ref+`"}`))
	require.NoError(t, err)

	out, err := tool.Handle(ctx, "resolve_granted", raw(`{"action":"resolve_granted","component":"`+ref+`"}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"DB_URL"}, asMap(t, out)["secrets"])

	_, err = tool.Handle(ctx, "revoke", raw(`{"action":"revoke","name":"DB_URL","component":"`+ref+`"}`))
	require.NoError(t, err)

	out, err = tool.Handle(ctx, "resolve_granted", raw(`{"action":"resolve_granted","component":"`+ref+`"}`))
	require.NoError(t, err)
	assert.Empty(t, asMap(t, out)["secrets"])
}

func TestSecretRequiresAuthentication(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	tool := tools.NewSecretTool(f.secrets)

	_, err := tool.Handle(context.Background(), "list", raw(`{"action":"list"}`))
	assert.Equal(t, cyfrerr.ErrAuthRequired, errType(t, err))
}

func TestSecretOrgScopeRequiresOrg(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	tool := tools.NewSecretTool(f.secrets)

	_, err := tool.Handle(userCtx("user_o"), "set", raw(`{"action":"set","scope":"org","name":"X","value":"y"}`))
	assert.Equal(t, cyfrerr.ErrInvalidParams, errType(t, err))
}

func TestPermissionGrantIsAdminGated(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	tool := tools.NewPermissionTool(f.store)

	_, err := tool.Handle(userCtx("user_p"), "grant", raw(`{"action":"grant","user_id":"user_p","permission":"publish"}`))
	assert.Equal(t, cyfrerr.ErrInsufficientPermissions, errType(t, err))

	_, err = tool.Handle(adminCtx("root"), "grant", raw(`{"action":"grant","user_id":"user_p","permission":"publish"}`))
	require.NoError(t, err)

	out, err := tool.Handle(userCtx("user_p"), "list", raw(`{"action":"list"}`))
	require.NoError(t, err)
	perms := asMap(t, out)["permissions"].([]map[string]any)
	require.Len(t, perms, 1)
	assert.Equal(t, "publish", perms[0]["permission"])
	assert.Equal(t, "root", perms[0]["granted_by"])

	// Non-admins cannot enumerate someone else's grants.
	_, err = tool.Handle(userCtx("user_q"), "list", raw(`{"action":"list","user_id":"user_p"}`))
	assert.Equal(t, cyfrerr.ErrInsufficientPermissions, errType(t, err))

	_, err = tool.Handle(adminCtx("root"), "revoke", raw(`{"action":"revoke","user_id":"user_p","permission":"publish"}`))
	require.NoError(t, err)
}

func TestKeyLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	tool := tools.NewKeyTool(authn.NewKeyManager(f.store))
	admin := adminCtx("root")

	_, err := tool.Handle(userCtx("user_k"), "create", raw(`{"action":"create","name":"ci"}`))
	assert.Equal(t, cyfrerr.ErrInsufficientPermissions, errType(t, err))

	out, err := tool.Handle(admin, "create", raw(`{"action":"create","name":"ci","key_type":"secret","user_id":"user_k"}`))
	require.NoError(t, err)
	created := asMap(t, out)
	rawKey := created["key"].(string)
	assert.Contains(t, rawKey, "cyfr_sk_")
	keyID := created["key_id"].(string)

	out, err = tool.Handle(admin, "list", raw(`{"action":"list","user_id":"user_k"}`))
	require.NoError(t, err)
	keys := asMap(t, out)["keys"].([]map[string]any)
	require.Len(t, keys, 1)
	assert.NotContains(t, keys[0], "key")

	out, err = tool.Handle(admin, "rotate", raw(`{"action":"rotate","key_id":"`+keyID+`"}`))
	require.NoError(t, err)
	rotated := asMap(t, out)["key"].(string)
	assert.NotEqual(t, rawKey, rotated)

	_, err = tool.Handle(admin, "revoke", raw(`{"action":"revoke","key_id":"`+keyID+`"}`))
	require.NoError(t, err)
}

func TestSessionWhoami(t *testing.T) {
	t.Parallel()
	sessions := authn.NewSessionManager(newFixtures(t).store, time.Hour)
	t.Cleanup(sessions.Stop)
	tool := tools.NewSessionTool(nil, sessions)

	out, err := tool.Handle(context.Background(), "whoami", raw(`{"action":"whoami"}`))
	require.NoError(t, err)
	anon := asMap(t, out)
	assert.Equal(t, false, anon["authenticated"])

	out, err = tool.Handle(userCtx("user_w"), "whoami", raw(`{"action":"whoami"}`))
	require.NoError(t, err)
	assert.Equal(t, true, asMap(t, out)["authenticated"])
	assert.Equal(t, "user_w", asMap(t, out)["user_id"])
}

func TestSessionDeviceFlow(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	sessions := authn.NewSessionManager(f.store, time.Hour)
	t.Cleanup(sessions.Stop)
	flow := authn.NewDeviceFlow(sessions, "https://cyfr.example/device")
	tool := tools.NewSessionTool(flow, sessions)
	ctx := context.Background()

	out, err := tool.Handle(ctx, "init", raw(`{"action":"init"}`))
	require.NoError(t, err)
	auth, ok := out.(*authn.DeviceAuthorization)
	require.True(t, ok)
	require.NotEmpty(t, auth.DeviceCode)
	require.NotEmpty(t, auth.UserCode)

	require.NoError(t, flow.Approve(auth.UserCode, "user_d", "d@example.com", "github", nil))

	out, err = tool.Handle(ctx, "poll", raw(`{"action":"poll","device_code":"`+auth.DeviceCode+`"}`))
	require.NoError(t, err)
	polled := asMap(t, out)
	assert.Equal(t, "authorized", polled["status"])
	sessionID := polled["session_id"].(string)

	out, err = tool.Handle(ctx, "logout", raw(`{"action":"logout","session_id":"`+sessionID+`"}`))
	require.NoError(t, err)
	assert.Equal(t, true, asMap(t, out)["logged_out"])
}

func TestSessionPollUnknownCode(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	sessions := authn.NewSessionManager(f.store, time.Hour)
	t.Cleanup(sessions.Stop)
	tool := tools.NewSessionTool(authn.NewDeviceFlow(sessions, "https://cyfr.example/device"), sessions)

	_, err := tool.Handle(context.Background(), "poll", raw(`{"action":"poll","device_code":"bogus"}`))
	assert.Equal(t, cyfrerr.ErrInvalidParams, errType(t, err))
}

func TestGuideListAndGet(t *testing.T) {
	t.Parallel()
	tool := tools.NewGuideTool()
	ctx := context.Background()

	out, err := tool.Handle(ctx, "list", raw(`{"action":"list"}`))
	require.NoError(t, err)
	guides := asMap(t, out)["guides"].([]string)
	assert.Contains(t, guides, "getting-started")
	assert.NotContains(t, guides, "README")

	out, err = tool.Handle(ctx, "get", raw(`{"action":"get","name":"policies"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, asMap(t, out)["content"])

	_, err = tool.Handle(ctx, "get", raw(`{"action":"get","name":"../secrets"}`))
	assert.Equal(t, cyfrerr.ErrInvalidParams, errType(t, err))

	_, err = tool.Handle(ctx, "get", raw(`{"action":"get","name":"missing"}`))
	assert.Equal(t, cyfrerr.ErrComponentNotFound, errType(t, err))
}

func TestAuditToolIsAdminGated(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	auditor := audit.NewAuditor(f.store, f.adapter)
	tool := tools.NewAuditTool(auditor)

	_, err := tool.Handle(userCtx("user_a"), "list", raw(`{"action":"list"}`))
	assert.Equal(t, cyfrerr.ErrInsufficientPermissions, errType(t, err))

	admin := adminCtx("root")
	auditor.Record(admin, audit.NewEvent("key_created", "success").WithUser("user_a").WithTarget("key_1"))

	out, err := tool.Handle(admin, "list", raw(`{"action":"list","user_id":"user_a"}`))
	require.NoError(t, err)
	events := asMap(t, out)["events"].([]map[string]any)
	require.Len(t, events, 1)
	assert.Equal(t, "key_created", events[0]["event_type"])

	eventID := events[0]["event_id"].(string)
	out, err = tool.Handle(admin, "get", raw(`{"action":"get","event_id":"`+eventID+`"}`))
	require.NoError(t, err)
	assert.Equal(t, "key_1", asMap(t, out)["target"])
}

func TestAuditListRejectsBadSince(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	tool := tools.NewAuditTool(audit.NewAuditor(f.store, f.adapter))

	_, err := tool.Handle(adminCtx("root"), "list", raw(`{"action":"list","since":"yesterday"}`))
	assert.Equal(t, cyfrerr.ErrInvalidParams, errType(t, err))
}

func TestPolicyLogRecordAndQuery(t *testing.T) {
	t.Parallel()
	f := newFixtures(t)
	plog := audit.NewPolicyLogger(f.store, f.adapter)
	tool := tools.NewPolicyLogTool(plog)
	ctx := userCtx("user_pl")
	const ref = "catalyst:fetch.http:1.0.0"

	_, err := tool.Handle(ctx, "log", raw(`{"action":"log","component":"`+ref+`","allowed":false,"reason":"manual review"}`))
	require.NoError(t, err)

	out, err := tool.Handle(ctx, "list", raw(`{"action":"list","component":"`+ref+`"}`))
	require.NoError(t, err)
	logs := asMap(t, out)["logs"].([]map[string]any)
	require.Len(t, logs, 1)
	assert.Equal(t, "deny", logs[0]["decision"])
	assert.Equal(t, "manual review", logs[0]["reason"])

	logID := logs[0]["log_id"].(string)
	out, err = tool.Handle(ctx, "get", raw(`{"action":"get","log_id":"`+logID+`"}`))
	require.NoError(t, err)
	assert.Equal(t, ref, asMap(t, out)["component"])

	// Deleting a component's trail is admin-only.
	_, err = tool.Handle(ctx, "delete", raw(`{"action":"delete","component":"`+ref+`"}`))
	assert.Equal(t, cyfrerr.ErrInsufficientPermissions, errType(t, err))

	out, err = tool.Handle(adminCtx("root"), "delete", raw(`{"action":"delete","component":"`+ref+`"}`))
	require.NoError(t, err)
	assert.EqualValues(t, 1, asMap(t, out)["deleted"])
}
