package plugin

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/relaybox/parley/service/store"
)

func specNames(specs []Spec) []string {
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}

func chainNames(r *Registry, d Direction) []string {
	var names []string
	for _, e := range r.chain(d) {
		names = append(names, e.spec.Name)
	}
	return names
}

func TestRegistryLoad(t *testing.T) {
	t.Parallel()

	t.Run("missing_dir_is_empty", func(t *testing.T) {
		r, _, _ := newTestRegistry(t)

		specs, err := r.Load(ClientToServer)
		require.NoError(t, err)
		assert.Empty(t, specs)
		assert.Empty(t, r.chain(ClientToServer))
	})

	t.Run("lexicographic_order", func(t *testing.T) {
		r, clientDir, _ := newTestRegistry(t)
		writeManifest(t, clientDir, "b_text.yaml", "kind: text")
		writeManifest(t, clientDir, "a_dump.yaml", "kind: hexdump")
		writeManifest(t, clientDir, "modify_ping.yaml", "kind: replace\nparams: {match: PING, replace: PONG}")

		specs, err := r.Load(ClientToServer)
		require.NoError(t, err)
		assert.Equal(t, []string{"a_dump", "b_text", "modify_ping"}, specNames(specs))
		for i, s := range specs {
			assert.Equal(t, i, s.Order)
			assert.True(t, s.Enabled)
			assert.Equal(t, ClientToServer, s.Direction)
		}
		assert.Equal(t, RoleModifier, specs[2].Role)
	})

	t.Run("invalid_plugin_skipped_with_warning", func(t *testing.T) {
		log, logs := newObservedLogger()
		r, _, serverDir := newTestRegistry(t, WithLogger(log))
		writeManifest(t, serverDir, "good.yaml", "kind: text")
		writeManifest(t, serverDir, "bad.yaml", "kind: nope")

		specs, err := r.Load(ServerToClient)
		require.NoError(t, err)
		assert.Equal(t, []string{"good"}, specNames(specs))

		warnings := logs.FilterMessage("plugin: skipped").All()
		require.Len(t, warnings, 1)
		var loadErr *LoadError
		require.ErrorAs(t, loggedError(t, warnings[0]), &loadErr)
		assert.Contains(t, loadErr.Path, "bad.yaml")
	})
}

func TestRegistryEnableDisable(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) *Registry {
		t.Helper()
		r, clientDir, serverDir := newTestRegistry(t)
		writeManifest(t, clientDir, "a.yaml", "kind: text")
		writeManifest(t, clientDir, "b.yaml", "kind: text")
		writeManifest(t, clientDir, "c.yaml", "kind: text")
		writeManifest(t, serverDir, "b.yaml", "kind: text")
		require.NoError(t, r.Reload())
		return r
	}

	t.Run("disable_removes_from_chain", func(t *testing.T) {
		r := setup(t)

		require.NoError(t, r.Disable(ClientToServer, "b"))
		assert.Equal(t, []string{"a", "c"}, chainNames(r, ClientToServer))
		assert.Equal(t, []string{"b"}, chainNames(r, ServerToClient))
	})

	t.Run("enable_restores_order", func(t *testing.T) {
		r := setup(t)

		require.NoError(t, r.Disable(ClientToServer, "a"))
		require.NoError(t, r.Disable(ClientToServer, "b"))
		require.NoError(t, r.Enable(ClientToServer, "b"))
		require.NoError(t, r.Enable(ClientToServer, "a"))
		assert.Equal(t, []string{"a", "b", "c"}, chainNames(r, ClientToServer))
	})

	t.Run("idempotent", func(t *testing.T) {
		r := setup(t)

		require.NoError(t, r.Enable(ClientToServer, "a"))
		require.NoError(t, r.Disable(ClientToServer, "a"))
		require.NoError(t, r.Disable(ClientToServer, "a"))
		assert.Equal(t, []string{"b", "c"}, chainNames(r, ClientToServer))
	})

	t.Run("any_direction", func(t *testing.T) {
		r := setup(t)

		require.NoError(t, r.Disable(DirectionAny, "b"))
		assert.Equal(t, []string{"a", "c"}, chainNames(r, ClientToServer))
		assert.Empty(t, chainNames(r, ServerToClient))
	})

	t.Run("not_found_with_suggestion", func(t *testing.T) {
		r := setup(t)

		err := r.Enable(ServerToClient, "a")
		require.ErrorIs(t, err, ErrPluginNotFound)

		err = r.Disable(DirectionAny, "cc")
		require.ErrorIs(t, err, ErrPluginNotFound)
		assert.Contains(t, err.Error(), "did you mean")
	})

	t.Run("specs_snapshot", func(t *testing.T) {
		r := setup(t)

		specs := r.Specs(ClientToServer)
		specs[0].Enabled = false
		assert.True(t, r.Specs(ClientToServer)[0].Enabled)
		assert.Len(t, r.Specs(DirectionAny), 4)
	})
}

func TestRegistryReload(t *testing.T) {
	t.Parallel()

	r, clientDir, _ := newTestRegistry(t)
	writeManifest(t, clientDir, "a.yaml", "kind: text")
	writeManifest(t, clientDir, "b.yaml", "kind: text")
	_, err := r.Load(ClientToServer)
	require.NoError(t, err)
	require.NoError(t, r.Disable(ClientToServer, "a"))

	writeManifest(t, clientDir, "c.yaml", "kind: text")
	require.NoError(t, r.Reload())

	specs := r.Specs(ClientToServer)
	require.Equal(t, []string{"a", "b", "c"}, specNames(specs))
	assert.False(t, specs[0].Enabled)
	assert.True(t, specs[2].Enabled)
	assert.Equal(t, []string{"b", "c"}, chainNames(r, ClientToServer))
}

func TestRegistryRegister(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(t)
	require.NoError(t, r.Register(ServerToClient, "inline", RoleModifier, appendPlugin("!")))
	assert.Error(t, r.Register(ServerToClient, "inline", RoleModifier, appendPlugin("?")))

	specs := r.Specs(ServerToClient)
	require.Len(t, specs, 1)
	assert.Equal(t, "append !", specs[0].Description)

	t.Run("kept_across_reload", func(t *testing.T) {
		t.Parallel()

		r, clientDir, _ := newTestRegistry(t)
		require.NoError(t, r.Register(ClientToServer, "inline", RoleModifier, appendPlugin("!")))
		require.NoError(t, r.Register(ClientToServer, "tap", RoleObserver, appendPlugin("?")))
		require.NoError(t, r.Disable(ClientToServer, "tap"))
		writeManifest(t, clientDir, "a.yaml", "kind: text")
		writeManifest(t, clientDir, "inline.yaml", "kind: text")

		require.NoError(t, r.Reload())
		require.NoError(t, r.Reload())

		specs := r.Specs(ClientToServer)
		require.Equal(t, []string{"a", "inline", "tap"}, specNames(specs))
		assert.Empty(t, specs[1].Path)
		assert.Equal(t, RoleModifier, specs[1].Role)
		assert.Equal(t, 2, specs[2].Order)
		assert.False(t, specs[2].Enabled)
		assert.Equal(t, []string{"a", "inline"}, chainNames(r, ClientToServer))
	})
}

func TestRegistryPersistedState(t *testing.T) {
	t.Parallel()

	state := store.NewMemStorage()
	root := t.TempDir()
	dirs := map[Direction]string{ClientToServer: root + "/client", ServerToClient: root + "/server"}
	writeManifest(t, dirs[ClientToServer], "a.yaml", "kind: text")
	writeManifest(t, dirs[ClientToServer], "b.yaml", "kind: text")

	r1 := NewRegistry(dirs, WithStateStore(state))
	require.NoError(t, r1.Reload())
	require.NoError(t, r1.Disable(ClientToServer, "a"))

	r2 := NewRegistry(dirs, WithStateStore(state))
	require.NoError(t, r2.Reload())
	assert.Equal(t, []string{"b"}, chainNames(r2, ClientToServer))

	// in-memory state wins over persisted state on reload
	require.NoError(t, r2.Enable(ClientToServer, "a"))
	require.NoError(t, r2.Reload())
	assert.Equal(t, []string{"a", "b"}, chainNames(r2, ClientToServer))
}
