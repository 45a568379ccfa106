package bot

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

const maxMessageLength = 2000

// messageSession is the part of discordgo.Session used to post replies.
type messageSession interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type followupSession interface {
	FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

var retryDelay = func() time.Duration {
	return time.Duration(300+rand.Intn(500)) * time.Millisecond
}

// channelSender replies to a message in its channel.
type channelSender struct {
	session   messageSession
	channelID string
	reference *discordgo.MessageReference
	logger    *zap.Logger
}

func newChannelSender(session messageSession, channelID string, reference *discordgo.MessageReference, logger *zap.Logger) *channelSender {
	return &channelSender{session: session, channelID: channelID, reference: reference, logger: logger}
}

func (c *channelSender) Send(text string) {
	for _, chunk := range splitMessage(text, maxMessageLength) {
		err := sendWithRetry(context.Background(), func(ctx context.Context) error {
			_, err := c.session.ChannelMessageSendComplex(c.channelID, &discordgo.MessageSend{
				Content:         chunk,
				Reference:       c.reference,
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			}, discordgo.WithContext(ctx))
			return err
		})
		if err != nil {
			c.logger.Warn("failed to send reply", zap.String("channel_id", c.channelID), zap.Error(err))
			return
		}
	}
}

// followupSender answers a deferred interaction.
type followupSender struct {
	session     followupSession
	interaction *discordgo.Interaction
	logger      *zap.Logger
}

func (f *followupSender) Send(text string) {
	for _, chunk := range splitMessage(text, maxMessageLength) {
		err := sendWithRetry(context.Background(), func(ctx context.Context) error {
			_, err := f.session.FollowupMessageCreate(f.interaction, false, &discordgo.WebhookParams{
				Content:         chunk,
				AllowedMentions: &discordgo.MessageAllowedMentions{},
			}, discordgo.WithContext(ctx))
			return err
		})
		if err != nil {
			f.logger.Warn("failed to send followup", zap.Error(err))
			return
		}
	}
}

func sendWithRetry(ctx context.Context, send func(ctx context.Context) error) error {
	const attemptTimeout = 12 * time.Second
	const maxAttempts = 2

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := send(sendCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTimeout(err) {
			return err
		}
		time.Sleep(retryDelay())
	}
	return lastErr
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// splitMessage cuts text into chunks of at most limit runes, preferring to
// break at a newline.
func splitMessage(text string, limit int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for utf8.RuneCountInString(text) > limit {
		cut := byteOffset(text, limit)
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func byteOffset(s string, runes int) int {
	i := 0
	for n := 0; n < runes && i < len(s); n++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}
