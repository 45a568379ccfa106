package bot

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/susu3304/pointsbot/internal/commands"
	"go.uber.org/zap"
)

type Bot struct {
	session    *discordgo.Session
	dispatcher *commands.Dispatcher
	logger     *zap.Logger
}

func New(token string, dispatcher *commands.Dispatcher, logger *zap.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bot := &Bot{
		session:    session,
		dispatcher: dispatcher,
		logger:     logger,
	}

	session.AddHandler(bot.onReady)
	session.AddHandler(bot.onGuildCreate)
	session.AddHandler(bot.onMessageCreate)
	session.AddHandler(bot.onInteractionCreate)

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return bot, nil
}

func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	b.logger.Info("discord bot is running")
	return nil
}

func (b *Bot) Stop() error {
	return b.session.Close()
}
