package commands

import (
	"strconv"

	"github.com/bwmarrin/discordgo"
)

// Definitions returns the slash commands mirroring the everyday text
// commands. Interactions are translated back into command text and go
// through the same dispatcher.
func Definitions() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        "balance",
			Description: "Show your points balance",
		},
		{
			Name:        "transfer",
			Description: "Send points to another member",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        "user",
					Description: "Recipient",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionInteger,
					Name:        "amount",
					Description: "Points to send",
					Required:    true,
					MinValue:    floatPtr(1),
				},
			},
		},
		{
			Name:        "ask",
			Description: "Ask the assistant a question",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "question",
					Description: "Your question",
					Required:    true,
				},
			},
		},
		{
			Name:         "policy",
			Description:  "Show this server's command policy",
			DMPermission: boolPtr(false),
		},
	}
}

// InteractionContent rebuilds the text command for a slash command
// interaction. It reports false for commands it does not know.
func (d *Dispatcher) InteractionContent(data discordgo.ApplicationCommandInteractionData) (string, bool) {
	opts := map[string]*discordgo.ApplicationCommandInteractionDataOption{}
	for _, o := range data.Options {
		opts[o.Name] = o
	}

	switch data.Name {
	case "balance":
		return d.trigger + "balance", true
	case "transfer":
		user, amount := opts["user"], opts["amount"]
		if user == nil || amount == nil {
			return "", false
		}
		return d.trigger + "transfer " + mention(user.UserValue(nil).ID) + " " + strconv.FormatInt(amount.IntValue(), 10), true
	case "ask":
		q := opts["question"]
		if q == nil {
			return "", false
		}
		return d.trigger + "ask " + q.StringValue(), true
	case "policy":
		return d.trigger + "policy show", true
	}
	return "", false
}

func boolPtr(b bool) *bool {
	return &b
}

func floatPtr(f float64) *float64 {
	return &f
}
