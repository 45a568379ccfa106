package sandbox

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/susu3304/pointsbot/internal/ledger"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type replies struct {
	mu   sync.Mutex
	msgs []string
}

func (r *replies) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, s)
}

func (r *replies) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func newLuaExecutor(timeout time.Duration) *Executor {
	return New(NewLua(), Config{Timeout: timeout, Logger: zap.NewNop()})
}

func caps(l *ledger.Store, r *replies) Capabilities {
	c := Capabilities{Ledger: l, Caller: "u9"}
	if r != nil {
		c.Reply = r.add
	}
	return c
}

func TestLuaResults(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name string
		code string
		want string
	}{
		{"arithmetic", "return 1 + 2", "3"},
		{"string", `return string.upper("abc")`, "ABC"},
		{"no result", "local x = 1", NoResult},
		{"explicit nil", "return nil", NoResult},
		{"unsafe globals removed", "return tostring(os) .. tostring(io) .. tostring(dofile) .. tostring(load) .. tostring(require) .. tostring(xpcall)", "nilnilnilnilnilnil"},
		{"caller", "return caller", "u9"},
	}

	ex := newLuaExecutor(time.Second)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ex.Run(context.Background(), tt.code, caps(ledger.NewStore(), nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.String())
			assert.Zero(t, res.Mutations)
		})
	}
}

func TestLuaLedgerCapabilities(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := ledger.NewStore()
	_, err := l.Credit("u1", 100)
	require.NoError(t, err)
	r := &replies{}

	code := `
local ok, err = ledger.transfer("u1", "u2", 500)
reply(tostring(ok) .. " " .. err)
assert(ledger.transfer("u1", "u2", 40))
ledger.credit("u3", 7)
return ledger.balance("u1") .. "/" .. ledger.balance("u2") .. "/" .. ledger.balance("u3")
`
	res, err := newLuaExecutor(time.Second).Run(context.Background(), code, caps(l, r))
	require.NoError(t, err)
	assert.Equal(t, "60/40/7", res.String())
	assert.Equal(t, 2, res.Mutations)
	require.Len(t, r.all(), 1)
	assert.True(t, strings.HasPrefix(r.all()[0], "nil "), r.all()[0])
}

func TestLuaHistory(t *testing.T) {
	l := ledger.NewStore()
	l.AppendHistory("u1", "first")
	l.AppendHistory("u1", "second")

	res, err := newLuaExecutor(time.Second).Run(context.Background(),
		`local h = ledger.history("u1") return #h .. ":" .. h[2]`, caps(l, nil))
	require.NoError(t, err)
	assert.Equal(t, "2:second", res.String())
}

func TestLuaFaults(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"syntax", "return +"},
		{"runtime", `error("boom")`},
		{"nil call", "os.exit(1)"},
		{"huge repeat", `return string.rep("x", 1e9)`},
	}

	ex := newLuaExecutor(time.Second)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ex.Run(context.Background(), tt.code, caps(ledger.NewStore(), nil))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrFault)
			var fault *FaultError
			assert.True(t, errors.As(err, &fault))
		})
	}
}

func TestLuaTimeout(t *testing.T) {
	ex := newLuaExecutor(100 * time.Millisecond)

	start := time.Now()
	_, err := ex.Run(context.Background(), "while true do end", caps(ledger.NewStore(), nil))
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLuaTimeoutNotSwallowedByPCall(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name string
		code string
	}{
		{"loop around pcall", "while true do pcall(function() while true do end end) end"},
		{"nested pcall", "pcall(function() while true do pcall(function() while true do end end) end end) while true do end"},
		{"pcall of error", "while true do pcall(error, 'x') end"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := New(NewLua(), Config{Timeout: 100 * time.Millisecond, MaxConcurrent: 1, Logger: zap.NewNop()})

			_, err := ex.Run(context.Background(), tt.code, caps(ledger.NewStore(), nil))
			require.ErrorIs(t, err, ErrTimeout)

			// The slot comes back once the interpreter stops.
			require.Eventually(t, func() bool {
				res, err := ex.Run(context.Background(), "return 1", caps(ledger.NewStore(), nil))
				return err == nil && res.String() == "1"
			}, 2*time.Second, 20*time.Millisecond)
		})
	}
}

func TestPCallStillCatchesScriptErrors(t *testing.T) {
	res, err := newLuaExecutor(time.Second).Run(context.Background(),
		`local ok, err = pcall(error, "boom") return tostring(ok) .. " " .. err`, caps(ledger.NewStore(), nil))
	require.NoError(t, err)
	assert.Equal(t, "false boom", res.String())
}

func TestNoMutationAfterTimeout(t *testing.T) {
	l := ledger.NewStore()
	ex := newLuaExecutor(100 * time.Millisecond)

	res, err := ex.Run(context.Background(), `while true do ledger.credit("u1", 1) end`, caps(l, nil))
	require.ErrorIs(t, err, ErrTimeout)

	settled := l.ReadBalance("u1")
	assert.Equal(t, int64(res.Mutations), settled)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, l.ReadBalance("u1"))
}

func TestReplyLimit(t *testing.T) {
	r := &replies{}
	res, err := newLuaExecutor(time.Second).Run(context.Background(), `
for i = 1, 10 do reply("line " .. i) end
local ok, err = reply("again")
return err`, caps(ledger.NewStore(), r))
	require.NoError(t, err)
	assert.Len(t, r.all(), maxReplies)
	assert.Equal(t, "reply limit reached", res.String())
}

func TestSlowReplySinkDuringTimeout(t *testing.T) {
	l := ledger.NewStore()
	var atDelivery []int64
	var mu sync.Mutex
	c := Capabilities{Ledger: l, Caller: "u9", Reply: func(string) {
		mu.Lock()
		atDelivery = append(atDelivery, l.ReadBalance("u1"))
		mu.Unlock()
		time.Sleep(400 * time.Millisecond)
	}}

	res, err := newLuaExecutor(100*time.Millisecond).Run(context.Background(),
		`reply("hi") while true do ledger.credit("u1", 1) end`, c)
	require.ErrorIs(t, err, ErrTimeout)

	settled := l.ReadBalance("u1")
	assert.Equal(t, int64(res.Mutations), settled)
	mu.Lock()
	assert.Equal(t, []int64{settled}, atDelivery)
	mu.Unlock()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, l.ReadBalance("u1"))
}

func TestGuardRefusesAfterDeadline(t *testing.T) {
	l := ledger.NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	g := newGuard(ctx, caps(l, nil))
	_, err := g.Credit("u1", 5)
	require.NoError(t, err)

	cancel()
	_, err = g.Credit("u1", 5)
	assert.ErrorIs(t, err, ErrSealed)
	assert.ErrorIs(t, g.Reply("late"), ErrSealed)
	assert.Equal(t, int64(5), l.ReadBalance("u1"))
}

func TestRestrictedGuard(t *testing.T) {
	l := ledger.NewStore()
	_, err := l.Credit("u9", 50)
	require.NoError(t, err)
	_, err = l.Credit("u2", 50)
	require.NoError(t, err)

	c := caps(l, nil)
	c.Restricted = true
	g := newGuard(context.Background(), c)

	_, err = g.Credit("u9", 1000)
	assert.ErrorIs(t, err, ErrNotPermitted)
	assert.ErrorIs(t, g.Transfer("u2", "u9", 10), ErrNotPermitted)
	require.NoError(t, g.Transfer("u9", "u2", 10))

	mutations, _ := g.seal()
	assert.Equal(t, 1, mutations)
	assert.Equal(t, int64(40), l.ReadBalance("u9"))
	assert.Equal(t, int64(60), l.ReadBalance("u2"))
}

func TestLuaRestrictedCapabilities(t *testing.T) {
	l := ledger.NewStore()
	_, err := l.Credit("u2", 50)
	require.NoError(t, err)

	c := caps(l, nil)
	c.Restricted = true
	res, err := newLuaExecutor(time.Second).Run(context.Background(), `
local _, cerr = ledger.credit(caller, 1000)
local _, terr = ledger.transfer("u2", caller, 50)
return cerr .. "|" .. terr`, c)
	require.NoError(t, err)
	assert.Equal(t, "not permitted for this caller|not permitted for this caller", res.String())
	assert.Zero(t, res.Mutations)
	assert.Equal(t, int64(0), l.ReadBalance("u9"))
	assert.Equal(t, int64(50), l.ReadBalance("u2"))
}

func TestGuardSealed(t *testing.T) {
	l := ledger.NewStore()
	g := newGuard(context.Background(), caps(l, nil))
	_, err := g.Credit("u1", 5)
	require.NoError(t, err)
	require.NoError(t, g.Reply("queued"))
	mutations, queued := g.seal()
	assert.Equal(t, 1, mutations)
	assert.Equal(t, []string{"queued"}, queued)

	_, err = g.Credit("u1", 5)
	assert.ErrorIs(t, err, ErrSealed)
	assert.ErrorIs(t, g.Transfer("u1", "u2", 1), ErrSealed)
	_, err = g.Balance("u1")
	assert.ErrorIs(t, err, ErrSealed)
	assert.ErrorIs(t, g.Reply("x"), ErrSealed)
	assert.Equal(t, int64(5), l.ReadBalance("u1"))
}

type blockingEngine struct {
	started chan struct{}
	release chan struct{}
}

func (blockingEngine) Name() string { return "blocking" }

func (b blockingEngine) Run(context.Context, string, Host) (Result, error) {
	b.started <- struct{}{}
	<-b.release
	return Result{}, nil
}

func TestConcurrencyBound(t *testing.T) {
	engine := blockingEngine{started: make(chan struct{}, 1), release: make(chan struct{})}
	ex := New(engine, Config{Timeout: 100 * time.Millisecond, MaxConcurrent: 1})

	first := make(chan error, 1)
	go func() {
		_, err := ex.Run(context.Background(), "", Capabilities{})
		first <- err
	}()
	<-engine.started

	_, err := ex.Run(context.Background(), "", Capabilities{})
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, <-first, ErrTimeout)
	close(engine.release)
}

type panickingEngine struct{}

func (panickingEngine) Name() string { return "panic" }

func (panickingEngine) Run(context.Context, string, Host) (Result, error) {
	panic("engine exploded")
}

func TestEnginePanicIsFault(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, err := New(panickingEngine{}, Config{}).Run(context.Background(), "", Capabilities{})
	require.ErrorIs(t, err, ErrFault)
	assert.Contains(t, err.Error(), "engine exploded")
}

func TestParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newLuaExecutor(time.Second).Run(ctx, "return 1", caps(ledger.NewStore(), nil))
	assert.ErrorIs(t, err, context.Canceled)
}
