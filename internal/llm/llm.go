// Package llm wraps the generative-text backends behind a text-in,
// text-out contract.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// FallbackReply is returned to users whenever the backend fails.
	FallbackReply = "Gemini connection error"
	EmptyReply    = "No response"

	defaultCallTimeout = 30 * time.Second
)

var ErrBackendUnavailable = errors.New("llm: backend unavailable")

type Backend interface {
	Name() string
	Complete(ctx context.Context, prompt string) (string, error)
}

// VisionBackend is implemented by backends that accept an inline image.
type VisionBackend interface {
	Backend
	CompleteWithImage(ctx context.Context, prompt string, image []byte, mimeType string) (string, error)
}

type Assistant struct {
	backend Backend
	logger  *zap.Logger
	timeout time.Duration
}

func NewAssistant(backend Backend, logger *zap.Logger) *Assistant {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assistant{backend: backend, logger: logger, timeout: defaultCallTimeout}
}

// Ask never fails: backend errors become FallbackReply and empty output
// becomes EmptyReply.
func (a *Assistant) Ask(ctx context.Context, prompt string) string {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	out, err := a.backend.Complete(ctx, prompt)
	return a.settle(out, err)
}

// DescribeImage sends the image along with the prompt when the backend can
// take it, and the bare prompt otherwise.
func (a *Assistant) DescribeImage(ctx context.Context, prompt string, image []byte, mimeType string) string {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	vb, ok := a.backend.(VisionBackend)
	if !ok || len(image) == 0 {
		out, err := a.backend.Complete(ctx, prompt)
		return a.settle(out, err)
	}
	out, err := vb.CompleteWithImage(ctx, prompt, image, mimeType)
	return a.settle(out, err)
}

func (a *Assistant) settle(out string, err error) string {
	if err != nil {
		a.logger.Warn("llm call failed", zap.String("backend", a.backend.Name()), zap.Error(err))
		return FallbackReply
	}
	if strings.TrimSpace(out) == "" {
		return EmptyReply
	}
	return out
}

// Synthesize asks the backend for a snippet in the given sandbox language
// that fulfils request on behalf of callerID. Markdown fences are stripped.
func (a *Assistant) Synthesize(ctx context.Context, language, callerID, request string) (string, error) {
	guide, ok := languageGuides[language]
	if !ok {
		return "", fmt.Errorf("llm: no synthesis guide for %q", language)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	prompt := fmt.Sprintf(synthesisPrompt, language, guide, callerID, request)
	out, err := a.backend.Complete(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	code := StripFences(out)
	if code == "" {
		return "", fmt.Errorf("%w: empty snippet", ErrBackendUnavailable)
	}
	return code, nil
}

const synthesisPrompt = `You write short %s snippets for a points bot.
%s
Reply with the snippet only, no explanation.

The requesting user's ID is %s; "me" and "my" refer to that account.
Task: %s`

var languageGuides = map[string]string{
	"lua": `The chunk may use these globals:
caller is the requesting user's ID as a string
ledger.balance(user_id) returns a number
ledger.credit(user_id, amount) returns the new balance, or nil and an error
ledger.transfer(from_id, to_id, amount) returns true, or nil and an error
ledger.history(user_id) returns a list of strings
reply(text) sends a message
Only the bot owner may credit, and other users may only transfer from caller.
The value returned by the chunk is shown to the user.`,
	"go": `The code is the body of a function returning any. fmt, math, sort, strconv and strings are imported, and package bot provides:
bot.Caller() string returns the requesting user's ID
bot.Balance(userID string) (int64, error)
bot.Credit(userID string, amount int64) (int64, error)
bot.Transfer(fromID, toID string, amount int64) error
bot.History(userID string) ([]string, error)
bot.Reply(text string) error
Only the bot owner may credit, and other users may only transfer from bot.Caller().
The returned value is shown to the user.`,
}

// StripFences removes a surrounding markdown code fence, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
