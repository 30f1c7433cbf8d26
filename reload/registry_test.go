package reload

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRegisterConfigRejectsDuplicateKey checks a second RegisterConfig call
// for an already-used key fails instead of silently overwriting the entry.
func TestRegisterConfigRejectsDuplicateKey(t *testing.T) {
	r := NewRegistry()
	entry := Entry{Key: "widgets", DefaultFilename: "widgets.yaml", Handler: func(*Context) error { return nil }}
	require.NoError(t, r.RegisterConfig(entry))

	err := r.RegisterConfig(entry)
	assert.Error(t, err)
}

// TestRegisterConfigRequiresHandler checks an entry with no handler is
// rejected up front rather than panicking on the first reload.
func TestRegisterConfigRequiresHandler(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterConfig(Entry{Key: "widgets", DefaultFilename: "widgets.yaml"})
	assert.Error(t, err)
}

// TestAttachOverridesPassedFilename checks Attach changes which file
// ExecuteReload reads on the next reload.
func TestAttachOverridesPassedFilename(t *testing.T) {
	dir := t.TempDir()
	defaultPath := filepath.Join(dir, "default.yaml")
	overridePath := filepath.Join(dir, "override.yaml")
	require.NoError(t, os.WriteFile(defaultPath, []byte("name: default\n"), 0o644))
	require.NoError(t, os.WriteFile(overridePath, []byte("name: override\n"), 0o644))

	var seenFilename string
	r := NewRegistry()
	require.NoError(t, r.RegisterConfig(Entry{
		Key:             "widgets",
		DefaultFilename: defaultPath,
		Type:            ConfigTypeYAML,
		Handler: func(ctx *Context) error {
			seenFilename = ctx.task.filename
			return nil
		},
	}))

	ctx := newContext(NewTask("t", "reload widgets"), nil)
	require.NoError(t, r.ExecuteReload("widgets", ctx))
	assert.Equal(t, defaultPath, seenFilename)

	require.NoError(t, r.Attach("widgets", overridePath))
	require.NoError(t, r.ExecuteReload("widgets", ctx))
	assert.Equal(t, overridePath, seenFilename)
}

// TestExecuteReloadParsesYAMLIntoContext checks a YAML-type entry's
// document is parsed and handed to the handler via the context.
func TestExecuteReloadParsesYAMLIntoContext(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "widgets.yaml")
	require.NoError(t, os.WriteFile(path, []byte("count: 3\n"), 0o644))

	var gotNode bool
	r := NewRegistry()
	require.NoError(t, r.RegisterConfig(Entry{
		Key:             "widgets",
		DefaultFilename: path,
		Type:            ConfigTypeYAML,
		Handler: func(ctx *Context) error {
			gotNode = ctx.SuppliedYAML() != nil
			return nil
		},
	}))

	ctx := newContext(NewTask("t", "reload widgets"), nil)
	require.NoError(t, r.ExecuteReload("widgets", ctx))
	assert.True(t, gotNode)
}

// TestExecuteReloadLegacySkipsYAMLParse checks a legacy entry's handler
// runs without the registry attempting to YAML-parse its file.
func TestExecuteReloadLegacySkipsYAMLParse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.conf")
	require.NoError(t, os.WriteFile(path, []byte("not: valid: yaml: at all:::"), 0o644))

	called := false
	r := NewRegistry()
	require.NoError(t, r.RegisterConfig(Entry{
		Key:             "legacy",
		DefaultFilename: path,
		Type:            ConfigTypeLegacy,
		Handler: func(ctx *Context) error {
			called = true
			assert.Nil(t, ctx.SuppliedYAML())
			return nil
		},
	}))

	ctx := newContext(NewTask("t", "reload legacy"), nil)
	require.NoError(t, r.ExecuteReload("legacy", ctx))
	assert.True(t, called)
}

// TestExecuteReloadUnknownKey checks reloading an unregistered key fails
// cleanly instead of invoking a nil handler.
func TestExecuteReloadUnknownKey(t *testing.T) {
	r := NewRegistry()
	ctx := newContext(NewTask("t", "reload ghost"), nil)
	err := r.ExecuteReload("ghost", ctx)
	assert.Error(t, err)
}

// TestContainsAndFind check the basic registry lookup surface.
func TestContainsAndFind(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterConfig(Entry{Key: "widgets", Handler: func(*Context) error { return nil }}))

	assert.True(t, r.Contains("widgets"))
	assert.False(t, r.Contains("gadgets"))

	entry, ok := r.Find("widgets")
	require.True(t, ok)
	assert.Equal(t, "widgets", entry.Key)

	_, ok = r.Find("gadgets")
	assert.False(t, ok)
}
