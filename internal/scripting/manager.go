package scripting

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// ErrUnknownPlugin is returned by CallHook for a plugin that was never loaded.
var ErrUnknownPlugin = errors.New("unknown plugin")

// plugin is one loaded VM. An LState is single-threaded, so every call holds mu.
type plugin struct {
	mu    sync.Mutex
	L     *lua.LState
	limit int
}

// Manager owns one sandboxed LState per generator plugin and dispatches hooks.
//
// Manager is safe for concurrent use. Calls into the same plugin are
// serialized; different plugins run concurrently.
type Manager struct {
	mu      sync.RWMutex
	plugins map[string]*plugin
	logger  *zap.Logger
}

// NewManager creates a Manager.
//
// Precondition: logger must be non-nil.
// Postcondition: Returns a non-nil Manager with no plugins.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		plugins: make(map[string]*plugin),
		logger:  logger,
	}
}

// LoadPlugin creates a sandboxed VM for name, registers the engine module,
// then executes every *.lua file in scriptDir in lexicographic order. Each
// file and each later hook call gets its own budget of instLimit opcodes.
// Loading a name again replaces the previous VM.
//
// Precondition: name must be non-empty; scriptDir must be a readable directory.
// Postcondition: The plugin is registered, or an error is returned and any
// previous VM for name is kept.
func (m *Manager) LoadPlugin(name, scriptDir string, instLimit int) error {
	entries, err := os.ReadDir(scriptDir)
	if err != nil {
		return fmt.Errorf("scripting: reading script dir %q for %q: %w", scriptDir, name, err)
	}
	var luaFiles []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			luaFiles = append(luaFiles, filepath.Join(scriptDir, e.Name()))
		}
	}
	sort.Strings(luaFiles)

	L := NewSandboxedState(instLimit)
	m.RegisterModules(L, name)
	for _, path := range luaFiles {
		if err := withBudget(L, instLimit, func() error { return L.DoFile(path) }); err != nil {
			L.Close()
			return fmt.Errorf("scripting: loading %q for %q: %w", path, name, err)
		}
	}

	p := &plugin{L: L, limit: instLimit}
	m.mu.Lock()
	old := m.plugins[name]
	m.plugins[name] = p
	m.mu.Unlock()
	if old != nil {
		old.mu.Lock()
		old.L.Close()
		old.mu.Unlock()
	}
	m.logger.Info("plugin loaded", zap.String("plugin", name), zap.Int("files", len(luaFiles)))
	return nil
}

// LoadDir loads every subdirectory of root as a plugin named after it.
//
// Postcondition: Returns the loaded plugin names in lexicographic order. A
// missing root loads nothing.
func (m *Manager) LoadDir(root string, instLimit int) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scripting: reading plugin dir %q: %w", root, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := m.LoadPlugin(e.Name(), filepath.Join(root, e.Name()), instLimit); err != nil {
			return names, err
		}
		names = append(names, e.Name())
	}
	return names, nil
}

// Plugins returns the loaded plugin names in lexicographic order.
func (m *Manager) Plugins() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CallHook calls the named Lua global function in the plugin's VM. Returns
// (LNil, nil) if the hook is not defined. Lua runtime errors, including an
// exhausted instruction budget, are logged at Warn level and yield LNil.
//
// Precondition: args must be valid lua.LValue instances.
// Postcondition: Returns the first return value of the hook, LNil, or
// ErrUnknownPlugin.
func (m *Manager) CallHook(name, hook string, args ...lua.LValue) (lua.LValue, error) {
	m.mu.RLock()
	p, ok := m.plugins[name]
	m.mu.RUnlock()
	if !ok {
		return lua.LNil, fmt.Errorf("%w: %q", ErrUnknownPlugin, name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fn := p.L.GetGlobal(hook)
	if fn == lua.LNil {
		return lua.LNil, nil
	}

	err := withBudget(p.L, p.limit, func() error {
		return p.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	})
	if err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("plugin", name),
			zap.String("hook", hook),
			zap.Error(err),
		)
		return lua.LNil, nil
	}

	ret := p.L.Get(-1)
	p.L.Pop(1)
	return ret, nil
}

// Close closes every plugin VM.
func (m *Manager) Close() {
	m.mu.Lock()
	plugins := m.plugins
	m.plugins = make(map[string]*plugin)
	m.mu.Unlock()
	for _, p := range plugins {
		p.mu.Lock()
		p.L.Close()
		p.mu.Unlock()
	}
}
