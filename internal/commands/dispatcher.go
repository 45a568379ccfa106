// Package commands turns chat messages into ledger operations.
//
// Each message moves through Received, Authorized, Executed, Persisted and
// Replied. Unknown commands from users without general access are dropped
// (Rejected, no reply); denied commands get a denial reply and stop there.
// A handler that errors or panics ends in Failed: the user gets a generic
// apology and the ledger is not flushed.
package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"

	"github.com/susu3304/pointsbot/internal/attachment"
	"github.com/susu3304/pointsbot/internal/authz"
	"github.com/susu3304/pointsbot/internal/ledger"
	"github.com/susu3304/pointsbot/internal/sandbox"
	"go.uber.org/zap"
)

type Stage int

const (
	Received Stage = iota
	Authorized
	Executed
	Persisted
	Replied
	Rejected
	Failed
)

func (s Stage) String() string {
	switch s {
	case Received:
		return "received"
	case Authorized:
		return "authorized"
	case Executed:
		return "executed"
	case Persisted:
		return "persisted"
	case Replied:
		return "replied"
	case Rejected:
		return "rejected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Outcome records how a message was handled.
type Outcome struct {
	Command string
	Path    []Stage
	// Flushed is set when the ledger was written to the remote store.
	Flushed bool
	Err     error
}

func (o Outcome) Reached(s Stage) bool {
	return slices.Contains(o.Path, s)
}

func (o Outcome) Final() Stage {
	if len(o.Path) == 0 {
		return Rejected
	}
	return o.Path[len(o.Path)-1]
}

type Persister interface {
	Flush(ctx context.Context) error
	Resync(ctx context.Context) error
	Revision() string
	Ephemeral() bool
}

type Runner interface {
	Run(ctx context.Context, code string, caps sandbox.Capabilities) (sandbox.Result, error)
	Language() string
}

type Assistant interface {
	Ask(ctx context.Context, prompt string) string
	DescribeImage(ctx context.Context, prompt string, image []byte, mimeType string) string
	Synthesize(ctx context.Context, language, callerID, request string) (string, error)
}

type AttachmentLoader interface {
	Load(ctx context.Context, a attachment.Attachment) (attachment.Kind, []byte, error)
}

type Config struct {
	Ledger      *ledger.Store
	Sync        Persister
	Gate        authz.Gate
	Sandbox     Runner
	Assistant   Assistant
	Attachments AttachmentLoader
	Logger      *zap.Logger
	Trigger     string
}

type Dispatcher struct {
	ledger      *ledger.Store
	sync        Persister
	gate        authz.Gate
	sandbox     Runner
	assistant   Assistant
	attachments AttachmentLoader
	logger      *zap.Logger
	trigger     string
	commands    map[string]*command
}

func New(cfg Config) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Trigger == "" {
		cfg.Trigger = DefaultTrigger
	}
	d := &Dispatcher{
		ledger:      cfg.Ledger,
		sync:        cfg.Sync,
		gate:        cfg.Gate,
		sandbox:     cfg.Sandbox,
		assistant:   cfg.Assistant,
		attachments: cfg.Attachments,
		logger:      cfg.Logger,
		trigger:     cfg.Trigger,
		commands:    map[string]*command{},
	}
	for _, c := range registry() {
		d.commands[c.name] = c
		for _, alias := range c.aliases {
			d.commands[alias] = c
		}
	}
	return d
}

// Trigger returns the prefix that marks a message as a command.
func (d *Dispatcher) Trigger() string {
	return d.trigger
}

// request is what a handler sees.
type request struct {
	msg    Message
	inv    invocation
	policy ledger.GuildPolicy
	actor  authz.Actor
	sink   Sink
}

// result is what a handler produces. Handlers apply their ledger mutation
// before building the reply, so mutated is accurate whenever they return.
type result struct {
	reply   string
	mutated bool
}

// Dispatch handles one message. It is safe for concurrent use.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message, sink Sink) Outcome {
	inv, ok := parse(d.trigger, msg.Content)
	if !ok {
		return Outcome{}
	}

	out := Outcome{Command: inv.name}
	logger := d.logger.With(
		zap.String("command", inv.name),
		zap.String("user_id", msg.AuthorID),
		zap.String("guild_id", msg.GuildID))
	advance := func(s Stage) {
		out.Path = append(out.Path, s)
		logger.Debug("command stage", zap.Stringer("stage", s))
	}
	advance(Received)

	d.ledger.GetOrCreateAccount(msg.AuthorID)
	req := &request{
		msg:    msg,
		inv:    inv,
		policy: d.ledger.GetOrCreateGuildPolicy(msg.GuildID),
		actor:  authz.Actor{UserID: msg.AuthorID, IsAdministrator: msg.IsAdministrator},
		sink:   sink,
	}

	cmd, known := d.commands[inv.name]
	if !known {
		if !d.gate.Evaluate(req.policy, req.actor, authz.General).Allowed {
			advance(Rejected)
			return out
		}
		sink.Send(replyUnknownCommand)
		advance(Replied)
		return out
	}

	decision := d.gate.Evaluate(req.policy, req.actor, cmd.capability)
	if !decision.Allowed {
		out.Err = decision.Err()
		logger.Info("command denied", zap.String("reason", decision.Reason))
		sink.Send(replyUnauthorized)
		advance(Rejected)
		return out
	}
	advance(Authorized)

	res, err := d.execute(ctx, cmd, req)
	if err != nil {
		out.Err = err
		logger.Error("command failed", zap.Error(err))
		advance(Failed)
		sink.Send(replyFailure)
		advance(Replied)
		return out
	}
	advance(Executed)

	if res.mutated {
		if err := d.sync.Flush(ctx); err != nil {
			// The in-memory ledger stays authoritative; the syncer has
			// already logged the drop.
			logger.Warn("ledger not persisted", zap.Error(err))
		} else {
			out.Flushed = !d.sync.Ephemeral()
		}
		advance(Persisted)
	}

	if res.reply != "" {
		sink.Send(res.reply)
	}
	advance(Replied)
	return out
}

func (d *Dispatcher) execute(ctx context.Context, cmd *command, req *request) (res result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("command panicked",
				zap.String("command", cmd.name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("command %s panicked: %v", cmd.name, r)
		}
	}()
	return cmd.run(ctx, d, req)
}
