package ingest

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/bus"
)

// DiscordAdapter listens to Discord guild messages and forwards them to the
// sink, one group per channel. It never sends anything back.
type DiscordAdapter struct {
	token   string
	session *discordgo.Session
	sink    Sink
	logger  *zap.Logger
}

// NewDiscordAdapter creates a Discord ingest adapter.
func NewDiscordAdapter(token string, sink Sink, logger *zap.Logger) *DiscordAdapter {
	return &DiscordAdapter{token: token, sink: sink, logger: logger}
}

func (a *DiscordAdapter) Platform() string { return "discord" }

// Connect opens the Discord gateway websocket.
func (a *DiscordAdapter) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	a.session = session

	a.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	a.session.AddHandler(a.onMessageCreate)

	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}

	if len(a.session.State.Guilds) == 0 {
		a.logger.Warn("discord bot not added to any server, nothing to observe")
	}
	a.logger.Info("discord ingest connected",
		zap.String("user", a.session.State.User.Username),
		zap.Int("guilds", len(a.session.State.Guilds)))
	return nil
}

func (a *DiscordAdapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// The bot's own messages are not group conversation.
	if m.Author.ID == s.State.User.ID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}

	a.sink(m.ChannelID, bus.Message{
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Content:    m.Content,
		Timestamp:  m.Timestamp,
	})
}

// Close shuts down the Discord session.
func (a *DiscordAdapter) Close() error {
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}
