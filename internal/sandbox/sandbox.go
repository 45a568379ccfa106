// Package sandbox runs untrusted snippets against an explicit capability set
// under a hard wall-clock timeout.
//
// Scripts never see host objects. They get a Host: a handful of ledger
// operations and a reply sink, all routed through a guard that refuses every
// call once the deadline passes and is sealed when the execution ends. A
// script that keeps running past its deadline can no longer reach the ledger.
// Replies are queued during the run and delivered once the script has
// stopped, so a slow transport never holds up the deadline.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/susu3304/pointsbot/internal/ledger"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultTimeout       = 5 * time.Second
	DefaultMaxConcurrent = 2

	// NoResult is surfaced when a script returns nothing.
	NoResult = "(no result)"
)

var (
	ErrTimeout = errors.New("sandbox: execution timed out")
	ErrFault   = errors.New("sandbox: execution failed")
	ErrSealed  = errors.New("sandbox: capability used after execution ended")
	ErrBusy    = errors.New("sandbox: too many concurrent executions")
)

// FaultError reports an error raised inside the script: syntax errors,
// runtime errors and panics.
type FaultError struct {
	Message string
}

func (e *FaultError) Error() string {
	return "sandbox fault: " + e.Message
}

func (e *FaultError) Is(target error) bool {
	return target == ErrFault
}

// Ledger is the slice of the ledger store a script may touch.
type Ledger interface {
	ReadBalance(userID string) int64
	Credit(userID string, amount int64) (ledger.Account, error)
	Transfer(fromID, toID string, amount int64) (ledger.Account, ledger.Account, error)
	History(userID string) []string
}

// Capabilities is what the caller grants to one execution.
type Capabilities struct {
	Ledger Ledger
	Reply  func(text string)
	// Caller is the user the script runs for.
	Caller string
	// Restricted removes Credit and limits Transfer to the caller's own
	// account.
	Restricted bool
}

// Host is the capability surface engines expose to scripts.
type Host interface {
	Caller() string
	Balance(userID string) (int64, error)
	Credit(userID string, amount int64) (int64, error)
	Transfer(fromID, toID string, amount int64) error
	History(userID string) ([]string, error)
	Reply(text string) error
}

// Engine interprets code against a Host. Implementations must stop promptly
// once ctx is done.
type Engine interface {
	Name() string
	Run(ctx context.Context, code string, host Host) (Result, error)
}

type Result struct {
	Output   string
	HasValue bool
	// Mutations counts ledger writes the script made.
	Mutations int
}

func (r Result) String() string {
	if !r.HasValue {
		return NoResult
	}
	return r.Output
}

type Config struct {
	Timeout       time.Duration
	MaxConcurrent int64
	Logger        *zap.Logger
}

type Executor struct {
	engine  Engine
	timeout time.Duration
	sem     *semaphore.Weighted
	logger  *zap.Logger
}

func New(engine Engine, cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Executor{
		engine:  engine,
		timeout: cfg.Timeout,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:  cfg.Logger,
	}
}

// Language names the engine's scripting language.
func (e *Executor) Language() string {
	return e.engine.Name()
}

type outcome struct {
	result Result
	err    error
}

// Run executes code with the given capabilities. Errors are ErrTimeout,
// ErrBusy, a *FaultError, or the parent context's cancellation.
func (e *Executor) Run(ctx context.Context, code string, caps Capabilities) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	id := uuid.NewString()
	logger := e.logger.With(zap.String("execution_id", id), zap.String("engine", e.engine.Name()))

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, e.timeout)
	err := e.sem.Acquire(acquireCtx, 1)
	cancelAcquire()
	if err != nil {
		logger.Warn("sandbox execution rejected", zap.Error(err))
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		return Result{}, ErrBusy
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	g := newGuard(runCtx, caps)
	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		// The slot is held until the interpreter actually stops.
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &FaultError{Message: fmt.Sprint(r)}}
			}
		}()
		res, err := e.engine.Run(runCtx, code, g)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		out = outcome{err: runCtx.Err()}
	}
	mutations, replies := g.seal()
	if caps.Reply != nil {
		for _, text := range replies {
			caps.Reply(text)
		}
	}

	if out.err != nil {
		switch {
		case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
			out.err = ErrTimeout
		case ctx.Err() != nil:
			out.err = ctx.Err()
		case !errors.Is(out.err, ErrFault):
			out.err = &FaultError{Message: out.err.Error()}
		}
		logger.Info("sandbox execution failed",
			zap.Duration("elapsed", time.Since(start)),
			zap.Int("mutations", mutations),
			zap.Error(out.err))
		return Result{Mutations: mutations}, out.err
	}

	out.result.Mutations = mutations
	logger.Info("sandbox execution finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("mutations", mutations),
		zap.Bool("has_value", out.result.HasValue))
	return out.result, nil
}
