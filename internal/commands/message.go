package commands

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/susu3304/pointsbot/internal/attachment"
)

const DefaultTrigger = "!"

// Message is an inbound chat message, independent of the transport.
type Message struct {
	AuthorID string
	// GuildID is empty for private conversations.
	GuildID         string
	Content         string
	Attachments     []attachment.Attachment
	IsAdministrator bool
}

// Sink delivers replies. Send is fire-and-forget.
type Sink interface {
	Send(text string)
}

type SinkFunc func(text string)

func (f SinkFunc) Send(text string) { f(text) }

// invocation is a parsed command: the lowercased name, its whitespace-split
// arguments and the raw text following the name.
type invocation struct {
	name string
	args []string
	raw  string
}

func parse(trigger, content string) (invocation, bool) {
	if !strings.HasPrefix(content, trigger) {
		return invocation{}, false
	}
	rest := strings.TrimSpace(content[len(trigger):])
	if rest == "" {
		return invocation{}, false
	}

	name, raw := rest, ""
	if i := strings.IndexFunc(rest, unicode.IsSpace); i >= 0 {
		name, raw = rest[:i], strings.TrimSpace(rest[i:])
	}
	return invocation{
		name: strings.ToLower(name),
		args: strings.Fields(raw),
		raw:  raw,
	}, true
}

// parseMention accepts <@id>, <@!id> and a bare numeric id.
func parseMention(s string) (string, bool) {
	if strings.HasPrefix(s, "<@") && strings.HasSuffix(s, ">") {
		s = strings.TrimPrefix(s[2:len(s)-1], "!")
	}
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s, true
}

func parseAmount(s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func mention(userID string) string {
	return "<@" + userID + ">"
}
