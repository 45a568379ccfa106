package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/susu3304/pointsbot/internal/attachment"
	"github.com/susu3304/pointsbot/internal/authz"
	"github.com/susu3304/pointsbot/internal/ledger"
	"github.com/susu3304/pointsbot/internal/llm"
	"github.com/susu3304/pointsbot/internal/sandbox"
	"go.uber.org/zap"
)

const (
	replyUnknownCommand = "Unknown command."
	replyUnauthorized   = "You are not authorized to use this command."
	replyFailure        = "Something went wrong while running the command."

	replyInsufficient    = "Insufficient balance."
	replyNeedQuestion    = "Write your question after the command."
	replyNeedAttachment  = "Attach a file first."
	replyUnsupportedFile = "Unsupported file type"
	replyFileError       = "File analysis error"
	replyNeedCode        = "Provide code to run."
	replyNeedRequest     = "Describe what should be done."

	promptAnalyzeText   = "Analyze this text:\n"
	promptDescribeImage = "Describe this image in detail."
)

type handlerFunc func(ctx context.Context, d *Dispatcher, req *request) (result, error)

type command struct {
	name       string
	aliases    []string
	capability authz.Capability
	usage      string
	run        handlerFunc
}

func registry() []*command {
	return []*command{
		{name: "balance", aliases: []string{"رصيدي"}, capability: authz.General, run: handleBalance},
		{name: "add", aliases: []string{"اضف"}, capability: authz.Owner, usage: "add @user amount", run: handleAdd},
		{name: "transfer", aliases: []string{"حول"}, capability: authz.General, usage: "transfer @user amount", run: handleTransfer},
		{name: "gemini", aliases: []string{"ask"}, capability: authz.General, run: handleAsk},
		{name: "file", aliases: []string{"ملف"}, capability: authz.General, run: handleFile},
		{name: "exec", aliases: []string{"شغلاداة"}, capability: authz.Owner, run: handleExec},
		{name: "do", capability: authz.Sensitive, run: handleDo},
		{name: "policy", capability: authz.Administrator, usage: "policy show | policy <general|sensitive> <on|off|allow @user|revoke @user>", run: handlePolicy},
		{name: "resync", capability: authz.Owner, run: handleResync},
	}
}

func usage(req *request, d *Dispatcher) result {
	cmd := d.commands[req.inv.name]
	return result{reply: "Usage: " + d.trigger + cmd.usage}
}

func handleBalance(_ context.Context, d *Dispatcher, req *request) (result, error) {
	return result{reply: fmt.Sprintf("Your balance: %d", d.ledger.ReadBalance(req.msg.AuthorID))}, nil
}

// targetAndAmount parses "@user amount".
func targetAndAmount(args []string) (string, int64, bool) {
	if len(args) < 2 {
		return "", 0, false
	}
	to, ok := parseMention(args[0])
	if !ok {
		return "", 0, false
	}
	amount, ok := parseAmount(args[1])
	if !ok {
		return "", 0, false
	}
	return to, amount, true
}

func handleAdd(_ context.Context, d *Dispatcher, req *request) (result, error) {
	to, amount, ok := targetAndAmount(req.inv.args)
	if !ok {
		return usage(req, d), nil
	}
	if _, err := d.ledger.Credit(to, amount); err != nil {
		return ledgerDenial(err)
	}
	return result{reply: fmt.Sprintf("Added %d to %s", amount, mention(to)), mutated: true}, nil
}

func handleTransfer(_ context.Context, d *Dispatcher, req *request) (result, error) {
	to, amount, ok := targetAndAmount(req.inv.args)
	if !ok {
		return usage(req, d), nil
	}
	if _, _, err := d.ledger.Transfer(req.msg.AuthorID, to, amount); err != nil {
		return ledgerDenial(err)
	}
	return result{reply: fmt.Sprintf("Transferred %d to %s", amount, mention(to)), mutated: true}, nil
}

// ledgerDenial maps ledger domain errors to a user-facing reply. Anything
// else is a failure.
func ledgerDenial(err error) (result, error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return result{reply: replyInsufficient}, nil
	case errors.Is(err, ledger.ErrInvalidAmount):
		return result{reply: "Amount must be a positive whole number."}, nil
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return result{reply: "That would overflow the balance."}, nil
	}
	return result{}, err
}

func handleAsk(ctx context.Context, d *Dispatcher, req *request) (result, error) {
	if req.inv.raw == "" {
		return result{reply: replyNeedQuestion}, nil
	}
	a := d.ledger.AppendHistory(req.msg.AuthorID, strings.Join(req.inv.args, " "))
	answer := d.assistant.Ask(ctx, strings.Join(a.History, "\n"))
	return result{reply: answer, mutated: true}, nil
}

func handleFile(ctx context.Context, d *Dispatcher, req *request) (result, error) {
	if len(req.msg.Attachments) == 0 {
		return result{reply: replyNeedAttachment}, nil
	}
	att := req.msg.Attachments[0]

	kind, data, err := d.attachments.Load(ctx, att)
	switch {
	case errors.Is(err, attachment.ErrUnsupportedAttachment):
		return result{reply: replyUnsupportedFile}, nil
	case err != nil:
		d.logger.Warn("attachment fetch failed", zap.String("user_id", req.msg.AuthorID), zap.Error(err))
		return result{reply: replyFileError}, nil
	}

	switch kind {
	case attachment.Text:
		return result{reply: d.assistant.Ask(ctx, promptAnalyzeText+string(data))}, nil
	case attachment.Image:
		return result{reply: d.assistant.DescribeImage(ctx, promptDescribeImage, data, attachment.MIMEType(att.Name))}, nil
	}
	return result{reply: replyUnsupportedFile}, nil
}

func handleExec(ctx context.Context, d *Dispatcher, req *request) (result, error) {
	code := llm.StripFences(req.inv.raw)
	if code == "" {
		return result{reply: replyNeedCode}, nil
	}
	return runSandboxed(ctx, d, req, code, "", false), nil
}

func handleDo(ctx context.Context, d *Dispatcher, req *request) (result, error) {
	if req.inv.raw == "" {
		return result{reply: replyNeedRequest}, nil
	}
	code, err := d.assistant.Synthesize(ctx, d.sandbox.Language(), req.msg.AuthorID, req.inv.raw)
	if err != nil {
		d.logger.Warn("code synthesis failed", zap.String("user_id", req.msg.AuthorID), zap.Error(err))
		return result{reply: llm.FallbackReply}, nil
	}
	preface := fmt.Sprintf("```%s\n%s\n```\n", d.sandbox.Language(), code)
	// Sensitive grants the command; only the owner gets the full ledger.
	restricted := !d.gate.Evaluate(req.policy, req.actor, authz.Owner).Allowed
	return runSandboxed(ctx, d, req, code, preface, restricted), nil
}

// runSandboxed reports sandbox errors in the reply; they never fail the
// command. Ledger writes that landed before a fault or timeout still count
// as mutations. A restricted run cannot credit and transfers only from the
// author.
func runSandboxed(ctx context.Context, d *Dispatcher, req *request, code, preface string, restricted bool) result {
	res, err := d.sandbox.Run(ctx, code, sandbox.Capabilities{
		Ledger:     d.ledger,
		Reply:      req.sink.Send,
		Caller:     req.msg.AuthorID,
		Restricted: restricted,
	})
	mutated := res.Mutations > 0
	if err != nil {
		return result{reply: preface + "Execution error: " + describeSandboxError(err), mutated: mutated}
	}
	return result{reply: preface + "Result: " + res.String(), mutated: mutated}
}

func describeSandboxError(err error) string {
	var fault *sandbox.FaultError
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return "timed out"
	case errors.Is(err, sandbox.ErrBusy):
		return "too many executions in progress, try again later"
	case errors.As(err, &fault):
		return fault.Message
	}
	return err.Error()
}

func handlePolicy(_ context.Context, d *Dispatcher, req *request) (result, error) {
	args := req.inv.args
	if len(args) == 0 || args[0] == "show" {
		return result{reply: describePolicy(req.policy)}, nil
	}
	if len(args) < 2 {
		return usage(req, d), nil
	}
	scope, err := ledger.ParseScope(args[0])
	if err != nil {
		return usage(req, d), nil
	}

	guildID := req.msg.GuildID
	var p ledger.GuildPolicy
	switch args[1] {
	case "on", "off":
		p, err = d.ledger.SetRuleAll(guildID, scope, args[1] == "on")
	case "allow", "revoke":
		if len(args) < 3 {
			return usage(req, d), nil
		}
		userID, ok := parseMention(args[2])
		if !ok {
			return usage(req, d), nil
		}
		if args[1] == "allow" {
			p, err = d.ledger.AllowUser(guildID, scope, userID)
		} else {
			p, err = d.ledger.RevokeUser(guildID, scope, userID)
		}
	default:
		return usage(req, d), nil
	}
	if err != nil {
		return result{}, err
	}
	return result{reply: describePolicy(p), mutated: true}, nil
}

func describePolicy(p ledger.GuildPolicy) string {
	rule := func(name string, r ledger.Rule) string {
		ids := make([]string, len(r.Allowed))
		for i, id := range r.Allowed {
			ids[i] = mention(id)
		}
		allowed := "none"
		if len(ids) > 0 {
			allowed = strings.Join(ids, ", ")
		}
		return fmt.Sprintf("%s: all=%t, allowed: %s", name, r.All, allowed)
	}
	return rule("general", p.General) + "\n" + rule("sensitive", p.Sensitive)
}

func handleResync(ctx context.Context, d *Dispatcher, _ *request) (result, error) {
	if d.sync.Ephemeral() {
		return result{reply: "The ledger is not persisted; nothing to resync."}, nil
	}
	if err := d.sync.Resync(ctx); err != nil {
		return result{reply: "Resync failed: " + err.Error()}, nil
	}
	return result{reply: "Ledger written at revision " + d.sync.Revision()}, nil
}
