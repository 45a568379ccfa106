package sandbox

import (
	"context"
	"errors"
	"strings"

	"github.com/Shopify/go-lua"
)

const (
	hookInterval   = 1000
	maxRepeatBytes = 1 << 20
)

// unsafeGlobals are removed from the base library: they load code, touch
// the host process, or (xpcall) run a handler with the count hook disabled
// when the error came from the hook.
var unsafeGlobals = []string{
	"xpcall",
	"dofile",
	"loadfile",
	"load",
	"loadstring",
	"require",
	"collectgarbage",
	"print",
}

var safeLibraries = []lua.RegistryFunction{
	{Name: "_G", Function: lua.BaseOpen},
	{Name: "string", Function: lua.StringOpen},
	{Name: "table", Function: lua.TableOpen},
	{Name: "math", Function: lua.MathOpen},
	{Name: "bit32", Function: lua.Bit32Open},
}

// Lua runs snippets in a fresh Lua state per execution. Scripts see the
// ledger table, the reply function and the caller's id:
//
//	caller                        -> string
//	ledger.balance(id)            -> number
//	ledger.credit(id, amount)     -> new balance | nil, err
//	ledger.transfer(from, to, n)  -> true | nil, err
//	ledger.history(id)            -> {string...}
//	reply(text)                   -> true | nil, err
//
// The chunk's first return value becomes the result.
type Lua struct{}

func NewLua() *Lua {
	return &Lua{}
}

func (*Lua) Name() string {
	return "lua"
}

func (*Lua) Run(ctx context.Context, code string, host Host) (Result, error) {
	l := lua.NewState()
	openSafeLibraries(l)
	interruptPCall(ctx, l)
	registerHost(l, host)

	// Once ctx is done the hook raises on every count, and the wrapped pcall
	// rethrows, so the interrupt unwinds to the top of the chunk.
	lua.SetDebugHook(l, func(l *lua.State, _ lua.Debug) {
		if ctx.Err() != nil {
			lua.Errorf(l, "execution interrupted")
		}
	}, lua.MaskCount, hookInterval)

	if err := lua.LoadString(l, code); err != nil {
		return Result{}, &FaultError{Message: err.Error()}
	}
	if err := l.ProtectedCall(0, 1, 0); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, &FaultError{Message: err.Error()}
	}

	if l.IsNil(-1) {
		return Result{}, nil
	}
	s, _ := lua.ToStringMeta(l, -1)
	return Result{Output: s, HasValue: true}, nil
}

func openSafeLibraries(l *lua.State) {
	for _, lib := range safeLibraries {
		lua.Require(l, lib.Name, lib.Function, true)
		l.Pop(1)
	}
	for _, name := range unsafeGlobals {
		l.PushNil()
		l.SetGlobal(name)
	}

	l.Global("string")
	l.PushGoFunction(boundedRepeat)
	l.SetField(-2, "rep")
	l.Pop(1)
}

// interruptPCall replaces pcall with a closure that calls the original and
// then raises if ctx is done, whatever the inner call returned.
func interruptPCall(ctx context.Context, l *lua.State) {
	l.Global("pcall")
	l.PushGoClosure(func(l *lua.State) int {
		l.PushValue(lua.UpValueIndex(1))
		l.Insert(1)
		l.Call(l.Top()-1, lua.MultipleReturns)
		if ctx.Err() != nil {
			lua.Errorf(l, "execution interrupted")
		}
		return l.Top()
	}, 1)
	l.SetGlobal("pcall")
}

func boundedRepeat(l *lua.State) int {
	s := lua.CheckString(l, 1)
	n := lua.CheckInteger(l, 2)
	sep := lua.OptString(l, 3, "")
	if n <= 0 {
		l.PushString("")
		return 1
	}
	if n > maxRepeatBytes || (len(s)+len(sep))*n > maxRepeatBytes {
		lua.Errorf(l, "string.rep: result too large")
	}
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s
	}
	l.PushString(strings.Join(parts, sep))
	return 1
}

func registerHost(l *lua.State, host Host) {
	l.NewTable()
	lua.SetFunctions(l, []lua.RegistryFunction{
		{Name: "balance", Function: func(l *lua.State) int {
			b, err := host.Balance(lua.CheckString(l, 1))
			if err != nil {
				lua.Errorf(l, "%s", err.Error())
			}
			l.PushInteger(int(b))
			return 1
		}},
		{Name: "credit", Function: func(l *lua.State) int {
			id := lua.CheckString(l, 1)
			amount := lua.CheckInteger(l, 2)
			b, err := host.Credit(id, int64(amount))
			if err != nil {
				return pushFailure(l, err)
			}
			l.PushInteger(int(b))
			return 1
		}},
		{Name: "transfer", Function: func(l *lua.State) int {
			from := lua.CheckString(l, 1)
			to := lua.CheckString(l, 2)
			amount := lua.CheckInteger(l, 3)
			if err := host.Transfer(from, to, int64(amount)); err != nil {
				return pushFailure(l, err)
			}
			l.PushBoolean(true)
			return 1
		}},
		{Name: "history", Function: func(l *lua.State) int {
			h, err := host.History(lua.CheckString(l, 1))
			if err != nil {
				lua.Errorf(l, "%s", err.Error())
			}
			l.NewTable()
			for i, entry := range h {
				l.PushString(entry)
				l.RawSetInt(-2, i+1)
			}
			return 1
		}},
	}, 0)
	l.SetGlobal("ledger")

	l.PushString(host.Caller())
	l.SetGlobal("caller")

	l.Register("reply", func(l *lua.State) int {
		if err := host.Reply(lua.CheckString(l, 1)); err != nil {
			return pushFailure(l, err)
		}
		l.PushBoolean(true)
		return 1
	})
}

// pushFailure returns nil, message to the script. A sealed guard aborts the
// script instead.
func pushFailure(l *lua.State, err error) int {
	if errors.Is(err, ErrSealed) {
		lua.Errorf(l, "%s", err.Error())
	}
	l.PushNil()
	l.PushString(err.Error())
	return 2
}
