package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// RegisterModules registers the engine table into L: engine.log.{debug,info,
// warn,error}(msg) write to the manager's logger tagged with the plugin name.
//
// Precondition: L must be from NewSandboxedState.
// Postcondition: engine global is defined in L.
func (m *Manager) RegisterModules(L *lua.LState, pluginName string) {
	logger := m.logger.With(zap.String("plugin", pluginName))
	logFns := map[string]func(string, ...zap.Field){
		"debug": logger.Debug,
		"info":  logger.Info,
		"warn":  logger.Warn,
		"error": logger.Error,
	}

	log := L.NewTable()
	for name, fn := range logFns {
		L.SetField(log, name, L.NewFunction(func(L *lua.LState) int {
			fn(L.CheckString(1), zap.String("source", "lua"))
			return 0
		}))
	}

	engine := L.NewTable()
	L.SetField(engine, "log", log)
	L.SetGlobal("engine", engine)
}
