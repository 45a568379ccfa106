package sandbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/susu3304/pointsbot/internal/ledger"
	"go.uber.org/zap"
)

func newGoExecutor(timeout time.Duration) *Executor {
	return New(NewGo(), Config{Timeout: timeout, Logger: zap.NewNop()})
}

func TestGoResults(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"arithmetic", "return 1 + 2", "3"},
		{"strings", `return strings.ToUpper("abc")`, "ABC"},
		{"no result", "x := 1\n_ = x", NoResult},
		{"sprintf", `return fmt.Sprintf("%d-%s", 7, strconv.Itoa(8))`, "7-8"},
	}

	ex := newGoExecutor(5 * time.Second)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ex.Run(context.Background(), tt.code, caps(ledger.NewStore(), nil))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.String())
		})
	}
}

func TestGoLedgerCapabilities(t *testing.T) {
	l := ledger.NewStore()
	_, err := l.Credit("u1", 100)
	require.NoError(t, err)

	code := `
if err := bot.Transfer("u1", "u2", 40); err != nil {
	return err.Error()
}
b, err := bot.Balance("u1")
if err != nil {
	return err.Error()
}
return b`
	res, err := newGoExecutor(5*time.Second).Run(context.Background(), code, caps(l, nil))
	require.NoError(t, err)
	assert.Equal(t, "60", res.String())
	assert.Equal(t, 1, res.Mutations)
	assert.Equal(t, int64(40), l.ReadBalance("u2"))
}

func TestGoCallerAndRestriction(t *testing.T) {
	l := ledger.NewStore()
	_, err := l.Credit("u2", 50)
	require.NoError(t, err)

	c := caps(l, nil)
	c.Restricted = true
	code := `
if _, err := bot.Credit(bot.Caller(), 1000); err == nil {
	return "credited"
}
if err := bot.Transfer("u2", bot.Caller(), 50); err == nil {
	return "transferred"
}
return bot.Caller()`
	res, err := newGoExecutor(5*time.Second).Run(context.Background(), code, c)
	require.NoError(t, err)
	assert.Equal(t, "u9", res.String())
	assert.Zero(t, res.Mutations)
	assert.Equal(t, int64(50), l.ReadBalance("u2"))
}

func TestGoRejectsEscapes(t *testing.T) {
	tests := []struct {
		name string
		code string
	}{
		{"goroutine", "go func() {}()\nreturn 1"},
		{"extra function", "return 1\n}\n\nfunc init() {\n"},
		{"syntax", "return )"},
		{"host output", `fmt.Println("hi")`},
	}

	ex := newGoExecutor(5 * time.Second)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ex.Run(context.Background(), tt.code, caps(ledger.NewStore(), nil))
			assert.ErrorIs(t, err, ErrFault)
		})
	}
}

func TestGoTimeout(t *testing.T) {
	_, err := newGoExecutor(100*time.Millisecond).Run(context.Background(), "for {}", caps(ledger.NewStore(), nil))
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCheckGoSource(t *testing.T) {
	assert.NoError(t, checkGoSource(fmt.Sprintf(goWrapper, "return 1")))
	assert.Error(t, checkGoSource(fmt.Sprintf(goWrapper, "return 1\n}\nfunc helper() {")))
}
