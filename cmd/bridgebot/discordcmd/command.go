// Package discordcmd runs the bot on Discord through discordgo's gateway
// session. Discord models a thread as its own channel, so the adapter maps
// a thread channel to (parent channel, thread id) and a plain channel or DM
// to itself.
package discordcmd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"

	"github.com/cobaltlane/bridgebot/internal/botruntime"
	"github.com/cobaltlane/bridgebot/internal/chatflow"
	"github.com/cobaltlane/bridgebot/internal/configutil"
	"github.com/cobaltlane/bridgebot/internal/logutil"
)

var discordMentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// NewCommand builds the `discord` subcommand.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discord",
		Short: "Run the bot on Discord",
		RunE:  runDiscord,
	}
	cmd.Flags().String("discord-bot-token", "", "Discord bot token.")
	cmd.Flags().StringArray("discord-allowed-guild-id", nil, "Allowed Discord guild id(s). If empty, allows all guilds.")
	return cmd
}

func runDiscord(cmd *cobra.Command, args []string) error {
	token := strings.TrimSpace(configutil.FlagOrViperString(cmd, "discord-bot-token", "discord.bot_token"))
	if token == "" {
		return fmt.Errorf("missing discord.bot_token (set via --discord-bot-token or BRIDGEBOT_DISCORD_BOT_TOKEN)")
	}
	allowedGuilds := toAllowlist(configutil.FlagOrViperStringArray(cmd, "discord-allowed-guild-id", "discord.allowed_guild_ids"))

	logger, err := logutil.FromViper()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	rt, err := botruntime.Build(cmd.Context(), logger)
	if err != nil {
		return err
	}
	defer rt.Shutdown()
	go rt.LogStatsLoop(cmd.Context())

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	handler := &messageHandler{
		log:           logger,
		flow:          rt.Flow,
		allowedGuilds: allowedGuilds,
	}
	session.AddHandler(handler.onMessageCreate)

	if err := session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	defer func() { _ = session.Close() }()

	botID := ""
	if session.State != nil && session.State.User != nil {
		botID = session.State.User.ID
	}
	logger.Info("discord_start", "bot_user_id", botID, "allowed_guild_ids", len(allowedGuilds))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-cmd.Context().Done():
		logger.Info("discord_stop", "reason", "context_canceled")
	case sig := <-stop:
		logger.Info("discord_stop", "reason", sig.String())
	}
	return nil
}

type messageHandler struct {
	log           *slog.Logger
	flow          *chatflow.Flow
	allowedGuilds map[string]bool
}

func (h *messageHandler) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	botID := ""
	if s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}
	if m.Author.ID == botID {
		return
	}
	if m.GuildID != "" && len(h.allowedGuilds) > 0 && !h.allowedGuilds[m.GuildID] {
		return
	}

	channelID, threadTS, isThread := resolveThread(s, m)
	mentioned := mentionsUser(m, botID)
	// Guild channels only answer when addressed; DMs and threads the bot
	// is already part of always answer.
	if m.GuildID != "" && !isThread && !mentioned {
		return
	}
	text := strings.TrimSpace(stripMentions(m.Content))
	if text == "" {
		return
	}

	sender := &discordSender{session: s, replyTo: m.Reference()}
	err := h.flow.HandleMessage(context.Background(), chatflow.Inbound{
		ChannelID: channelID,
		ThreadTS:  threadTS,
		MessageTS: m.ID,
		UserID:    m.Author.ID,
		Text:      text,
	}, sender)
	if err != nil {
		h.log.Warn("discord_message_error",
			"channel_id", channelID,
			"thread_ts", threadTS,
			"error", err.Error(),
		)
		if _, sendErr := s.ChannelMessageSend(m.ChannelID, "Something went wrong handling that message."); sendErr != nil {
			h.log.Warn("discord_error_reply_failed", "channel_id", m.ChannelID, "error", sendErr.Error())
		}
	}
}

// resolveThread maps a Discord message to the (channel, thread) pair the
// state manager keys on. A thread channel contributes its parent as the
// channel id; anything else is its own conversation.
func resolveThread(s *discordgo.Session, m *discordgo.MessageCreate) (channelID, threadTS string, isThread bool) {
	if s != nil && s.State != nil {
		if ch, err := s.State.Channel(m.ChannelID); err == nil && ch != nil && ch.IsThread() {
			return ch.ParentID, ch.ID, true
		}
	}
	if s != nil {
		if ch, err := s.Channel(m.ChannelID); err == nil && ch != nil && ch.IsThread() {
			return ch.ParentID, ch.ID, true
		}
	}
	return m.ChannelID, m.ChannelID, false
}

func mentionsUser(m *discordgo.MessageCreate, userID string) bool {
	if userID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u != nil && u.ID == userID {
			return true
		}
	}
	return false
}

func stripMentions(text string) string {
	return discordMentionPattern.ReplaceAllString(text, "")
}

func toAllowlist(items []string) map[string]bool {
	out := make(map[string]bool)
	for _, raw := range items {
		item := strings.TrimSpace(raw)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}

// discordSender delivers flow output through the gateway session. The
// thread id is the Discord channel messages go to, so threadTS wins over
// channelID when they differ.
type discordSender struct {
	session *discordgo.Session
	replyTo *discordgo.MessageReference
}

func (d *discordSender) targetChannel(channelID, threadTS string) string {
	if strings.TrimSpace(threadTS) != "" && threadTS != channelID {
		return threadTS
	}
	return channelID
}

func (d *discordSender) SendText(ctx context.Context, channelID, threadTS, text string) error {
	_, err := d.session.ChannelMessageSendComplex(d.targetChannel(channelID, threadTS), &discordgo.MessageSend{
		Content:   text,
		Reference: d.replyTo,
	}, discordgo.WithContext(ctx))
	return err
}

func (d *discordSender) SendImage(ctx context.Context, channelID, threadTS string, data []byte, caption string) (string, error) {
	msg, err := d.session.ChannelMessageSendComplex(d.targetChannel(channelID, threadTS), &discordgo.MessageSend{
		Content: caption,
		Files: []*discordgo.File{{
			Name:        "generated.png",
			ContentType: "image/png",
			Reader:      bytes.NewReader(data),
		}},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	if msg != nil && len(msg.Attachments) > 0 && msg.Attachments[0] != nil {
		return msg.Attachments[0].URL, nil
	}
	return "", nil
}
