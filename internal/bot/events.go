package bot

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/susu3304/pointsbot/internal/attachment"
	"github.com/susu3304/pointsbot/internal/commands"
	"go.uber.org/zap"
)

func (b *Bot) onReady(s *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info("connected", zap.String("user", event.User.Username))

	for _, guild := range event.Guilds {
		if err := b.registerGuildCommands(guild.ID); err != nil {
			b.logger.Warn("failed to register commands", zap.String("guild_id", guild.ID), zap.Error(err))
		}
	}
}

func (b *Bot) onGuildCreate(s *discordgo.Session, event *discordgo.GuildCreate) {
	if err := b.registerGuildCommands(event.ID); err != nil {
		b.logger.Warn("failed to register commands", zap.String("guild_id", event.ID), zap.Error(err))
	}
}

func (b *Bot) registerGuildCommands(guildID string) error {
	_, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, guildID, commands.Definitions())
	if err != nil {
		return err
	}
	b.logger.Debug("registered application commands", zap.String("guild_id", guildID))
	return nil
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if !strings.HasPrefix(m.Content, b.dispatcher.Trigger()) {
		return
	}

	msg := commands.Message{
		AuthorID:        m.Author.ID,
		GuildID:         m.GuildID,
		Content:         m.Content,
		IsAdministrator: b.isAdministrator(s, m.GuildID, m.Author.ID, m.ChannelID),
	}
	for _, a := range m.Attachments {
		msg.Attachments = append(msg.Attachments, attachment.Attachment{Name: a.Filename, URL: a.URL})
	}

	sink := newChannelSender(s, m.ChannelID, m.Reference(), b.logger)
	b.dispatcher.Dispatch(context.Background(), msg, sink)
}

func (b *Bot) isAdministrator(s *discordgo.Session, guildID, userID, channelID string) bool {
	if guildID == "" {
		return false
	}
	perms, err := s.UserChannelPermissions(userID, channelID)
	if err != nil {
		b.logger.Debug("permission lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return perms&discordgo.PermissionAdministrator != 0
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	content, ok := b.dispatcher.InteractionContent(i.ApplicationCommandData())
	if !ok {
		return
	}

	var (
		user    *discordgo.User
		isAdmin bool
	)
	if i.Member != nil {
		user = i.Member.User
		isAdmin = i.Member.Permissions&discordgo.PermissionAdministrator != 0
	} else {
		user = i.User
	}
	if user == nil {
		return
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		b.logger.Warn("failed to defer interaction", zap.Error(err))
		return
	}

	msg := commands.Message{
		AuthorID:        user.ID,
		GuildID:         i.GuildID,
		Content:         content,
		IsAdministrator: isAdmin,
	}
	b.dispatcher.Dispatch(context.Background(), msg, &followupSender{session: s, interaction: i.Interaction, logger: b.logger})
}
