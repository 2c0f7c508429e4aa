package scripting_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"pgregory.net/rapid"

	"github.com/cory-johannsen/worlds/internal/scripting"
)

func newTestManager(t testing.TB) (*scripting.Manager, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	mgr := scripting.NewManager(zap.New(core))
	t.Cleanup(mgr.Close)
	return mgr, logs
}

func writeTempLua(t testing.TB, filename, src string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte(src), 0644))
	return dir
}

func TestManager_LoadPlugin_CallsHook(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := writeTempLua(t, "hooks.lua", `
		function test_hook(a, b)
			return a + b
		end
	`)
	require.NoError(t, mgr.LoadPlugin("islands", dir, 0))
	ret, err := mgr.CallHook("islands", "test_hook", lua.LNumber(3), lua.LNumber(4))
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(7), ret)
	assert.Equal(t, []string{"islands"}, mgr.Plugins())
}

func TestManager_CallHook_MissingHook_NoOp(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := writeTempLua(t, "empty.lua", `-- no functions`)
	require.NoError(t, mgr.LoadPlugin("islands", dir, 0))
	ret, err := mgr.CallHook("islands", "nonexistent_hook")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_CallHook_UnknownPlugin(t *testing.T) {
	mgr, _ := newTestManager(t)
	ret, err := mgr.CallHook("no_such_plugin", "fixed_spawn")
	assert.ErrorIs(t, err, scripting.ErrUnknownPlugin)
	assert.Equal(t, lua.LNil, ret)
}

func TestManager_CallHook_RuntimeError_WarnLogNoPanic(t *testing.T) {
	mgr, logs := newTestManager(t)
	dir := writeTempLua(t, "bad.lua", `
		function bad_hook()
			error("intentional error")
		end
	`)
	require.NoError(t, mgr.LoadPlugin("islands", dir, 0))
	ret, err := mgr.CallHook("islands", "bad_hook")
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret)
	assert.Equal(t, 1, logs.FilterLevelExact(zap.WarnLevel).Len(), "expected Warn log for Lua runtime error")
}

func TestManager_InstructionBudgetIsPerCall(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := writeTempLua(t, "loop.lua", `
		function spin(n)
			local x = 0
			for i = 1, n do x = x + i end
			return x
		end
	`)
	require.NoError(t, mgr.LoadPlugin("islands", dir, 500))

	for i := 0; i < 20; i++ {
		ret, err := mgr.CallHook("islands", "spin", lua.LNumber(10))
		require.NoError(t, err)
		assert.Equal(t, lua.LNumber(55), ret, "call %d", i)
	}
	ret, err := mgr.CallHook("islands", "spin", lua.LNumber(100000))
	require.NoError(t, err)
	assert.Equal(t, lua.LNil, ret, "runaway call is cut off")

	ret, err = mgr.CallHook("islands", "spin", lua.LNumber(10))
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(55), ret, "budget resets after a runaway call")
}

func TestManager_LoadPlugin_RunawayTopLevelFails(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := writeTempLua(t, "loop.lua", `while true do end`)
	assert.Error(t, mgr.LoadPlugin("islands", dir, 100))
	assert.Empty(t, mgr.Plugins())
}

func TestManager_LoadPlugin_ReplaceKeepsOldOnFailure(t *testing.T) {
	mgr, _ := newTestManager(t)
	good := writeTempLua(t, "a.lua", `function v() return 1 end`)
	require.NoError(t, mgr.LoadPlugin("islands", good, 0))

	bad := writeTempLua(t, "a.lua", `this is not valid lua @@@@`)
	assert.Error(t, mgr.LoadPlugin("islands", bad, 0))
	ret, err := mgr.CallHook("islands", "v")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(1), ret)

	newer := writeTempLua(t, "a.lua", `function v() return 2 end`)
	require.NoError(t, mgr.LoadPlugin("islands", newer, 0))
	ret, err = mgr.CallHook("islands", "v")
	require.NoError(t, err)
	assert.Equal(t, lua.LNumber(2), ret)
}

func TestManager_LoadPlugin_FilesRunInOrder(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.lua"), []byte(`order = order .. "b"`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.lua"), []byte(`order = "a"`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`ignored`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "z.lua"), []byte(`function get() return order end`), 0644))
	require.NoError(t, mgr.LoadPlugin("islands", dir, 0))

	ret, err := mgr.CallHook("islands", "get")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("ab"), ret)
}

func TestManager_LoadDir(t *testing.T) {
	mgr, _ := newTestManager(t)
	root := t.TempDir()
	for _, name := range []string{"islands", "caves"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(root, name, "gen.lua"), []byte(`function name() return "`+name+`" end`), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "README"), []byte("x"), 0644))

	names, err := mgr.LoadDir(root, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"caves", "islands"}, names)
	ret, err := mgr.CallHook("caves", "name")
	require.NoError(t, err)
	assert.Equal(t, lua.LString("caves"), ret)

	names, err = mgr.LoadDir(filepath.Join(root, "missing"), 0)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestEngineLog_WritesToLogger(t *testing.T) {
	mgr, logs := newTestManager(t)
	dir := writeTempLua(t, "log.lua", `
		function do_log()
			engine.log.info("hello from lua")
			engine.log.warn("careful")
		end
	`)
	require.NoError(t, mgr.LoadPlugin("islands", dir, 0))
	_, err := mgr.CallHook("islands", "do_log")
	require.NoError(t, err)

	info := logs.FilterMessage("hello from lua").All()
	require.Len(t, info, 1)
	assert.Equal(t, zap.InfoLevel, info[0].Level)
	assert.Equal(t, "islands", info[0].ContextMap()["plugin"])
	assert.Equal(t, 1, logs.FilterMessage("careful").FilterLevelExact(zap.WarnLevel).Len())
}

func TestProperty_CallHookUnknownPluginNeverPanics(t *testing.T) {
	mgr, _ := newTestManager(t)
	rapid.Check(t, func(rt *rapid.T) {
		name := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "plugin")
		hook := rapid.StringMatching(`[a-z]{1,10}`).Draw(rt, "hook")
		if _, err := mgr.CallHook(name, hook); err == nil {
			rt.Fatalf("expected error for unknown plugin %q", name)
		}
	})
}

func TestProperty_CallHookConcurrentSamePlugin_NoRace(t *testing.T) {
	mgr, _ := newTestManager(t)
	dir := writeTempLua(t, "hooks.lua", `
		function concurrent_hook(a, b)
			return a * b
		end
	`)
	require.NoError(t, mgr.LoadPlugin("islands", dir, 0))
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 16).Draw(rt, "goroutines")
		var wg sync.WaitGroup
		results := make([]lua.LValue, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				results[i], _ = mgr.CallHook("islands", "concurrent_hook", lua.LNumber(i), lua.LNumber(2))
			}(i)
		}
		wg.Wait()
		for i, r := range results {
			if r != lua.LNumber(i*2) {
				rt.Fatalf("goroutine %d got %v", i, r)
			}
		}
	})
}
