// Package slackcmd runs the bot against Slack over Socket Mode. The
// websocket client is hand-rolled on gorilla/websocket plus the Slack Web
// API; each accepted event is dispatched into the shared chat flow, which
// serializes turns per thread.
package slackcmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cobaltlane/bridgebot/internal/botruntime"
	"github.com/cobaltlane/bridgebot/internal/chatflow"
	"github.com/cobaltlane/bridgebot/internal/configutil"
	"github.com/cobaltlane/bridgebot/internal/logutil"
	"github.com/cobaltlane/bridgebot/thread"
)

type slackSocketEnvelope struct {
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Type       string          `json:"type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type slackEventsAPIPayload struct {
	TeamID    string          `json:"team_id,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	EventTime int64           `json:"event_time,omitempty"`
	Event     json.RawMessage `json:"event,omitempty"`
}

type slackEvent struct {
	Type        string `json:"type,omitempty"`
	Subtype     string `json:"subtype,omitempty"`
	User        string `json:"user,omitempty"`
	Text        string `json:"text,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ChannelType string `json:"channel_type,omitempty"`
	TS          string `json:"ts,omitempty"`
	ThreadTS    string `json:"thread_ts,omitempty"`
	BotID       string `json:"bot_id,omitempty"`
}

type slackInboundEvent struct {
	ChannelID string
	MessageTS string
	ThreadTS  string
	UserID    string
	Text      string
	EventID   string
	SentAt    time.Time
}

// NewCommand builds the `slack` subcommand.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slack",
		Short: "Run the bot on Slack via Socket Mode",
		RunE:  runSlack,
	}
	cmd.Flags().String("slack-bot-token", "", "Slack bot token (xoxb-...).")
	cmd.Flags().String("slack-app-token", "", "Slack app-level token for Socket Mode (xapp-...).")
	cmd.Flags().StringArray("slack-allowed-channel-id", nil, "Allowed Slack channel id(s). If empty, allows all channels.")
	cmd.Flags().Int("slack-max-concurrency", 8, "Max number of Slack messages processed concurrently.")
	return cmd
}

func runSlack(cmd *cobra.Command, args []string) error {
	botToken := strings.TrimSpace(configutil.FlagOrViperString(cmd, "slack-bot-token", "slack.bot_token"))
	if botToken == "" {
		return fmt.Errorf("missing slack.bot_token (set via --slack-bot-token or BRIDGEBOT_SLACK_BOT_TOKEN)")
	}
	appToken := strings.TrimSpace(configutil.FlagOrViperString(cmd, "slack-app-token", "slack.app_token"))
	if appToken == "" {
		return fmt.Errorf("missing slack.app_token (set via --slack-app-token or BRIDGEBOT_SLACK_APP_TOKEN)")
	}
	allowedChannels := toAllowlist(configutil.FlagOrViperStringArray(cmd, "slack-allowed-channel-id", "slack.allowed_channel_ids"))
	maxConc := configutil.FlagOrViperInt(cmd, "slack-max-concurrency", "slack.max_concurrency")
	if maxConc <= 0 {
		maxConc = 8
	}

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

	httpClient := &http.Client{Timeout: 30 * time.Second}
	api := newSlackAPI(httpClient, "https://slack.com/api", botToken, appToken)
	auth, err := api.authTest(cmd.Context())
	if err != nil {
		return fmt.Errorf("slack auth.test: %w", err)
	}
	botUserID := strings.TrimSpace(auth.UserID)
	if botUserID == "" {
		return fmt.Errorf("slack auth.test returned empty user_id")
	}

	sender := &slackSender{api: api}
	backfill := newThreadBackfill(api, rt.Store, viper.GetInt("thread.hydrate_limit"), logger)
	sem := make(chan struct{}, maxConc)
	var wg sync.WaitGroup

	logger.Info("slack_start",
		"bot_user_id", botUserID,
		"team_id", auth.TeamID,
		"allowed_channel_ids", len(allowedChannels),
		"max_concurrency", maxConc,
	)

	for {
		if cmd.Context().Err() != nil {
			wg.Wait()
			logger.Info("slack_stop", "reason", "context_canceled")
			return nil
		}
		conn, err := api.connectSocket(cmd.Context())
		if err != nil {
			if cmd.Context().Err() != nil {
				wg.Wait()
				logger.Info("slack_stop", "reason", "context_canceled")
				return nil
			}
			logger.Warn("slack_socket_connect_error", "error", err.Error())
			if err := sleepWithContext(cmd.Context(), 2*time.Second); err != nil {
				wg.Wait()
				return nil
			}
			continue
		}
		logger.Info("slack_socket_connected")
		readErr := consumeSlackSocket(cmd.Context(), conn, func(envelope slackSocketEnvelope) error {
			event, ok, err := parseSlackInboundEvent(envelope, botUserID)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if len(allowedChannels) > 0 && !allowedChannels[event.ChannelID] {
				return nil
			}
			wg.Add(1)
			go func(event slackInboundEvent) {
				defer wg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				handleSlackMessage(context.Background(), logger, rt.Flow, sender, backfill, botUserID, event)
			}(event)
			return nil
		})
		_ = conn.Close()
		if readErr != nil && !errors.Is(readErr, context.Canceled) && !errors.Is(readErr, context.DeadlineExceeded) {
			logger.Warn("slack_socket_read_error", "error", readErr.Error())
		}
	}
}

// handleSlackMessage runs one event through the flow. Turns in the same
// thread contend on the manager's lock; this goroutine just carries the
// event there so the socket reader never blocks behind an LLM call.
func handleSlackMessage(
	ctx context.Context,
	logger *slog.Logger,
	flow *chatflow.Flow,
	sender *slackSender,
	backfill *threadBackfill,
	botUserID string,
	event slackInboundEvent,
) {
	threadTS := event.ThreadTS
	if threadTS == "" {
		// A top-level message roots its own thread.
		threadTS = event.MessageTS
	}
	backfill.run(ctx, event.ChannelID, threadTS, event.MessageTS, botUserID)

	err := flow.HandleMessage(ctx, chatflow.Inbound{
		ChannelID: event.ChannelID,
		ThreadTS:  threadTS,
		MessageTS: event.MessageTS,
		UserID:    event.UserID,
		Text:      event.Text,
	}, sender)
	if err != nil {
		logger.Warn("slack_message_error",
			"channel_id", event.ChannelID,
			"thread_ts", threadTS,
			"error", err.Error(),
		)
		if _, postErr := sender.api.postMessage(ctx, event.ChannelID, "Something went wrong handling that message.", threadTS); postErr != nil {
			logger.Warn("slack_error_reply_failed", "channel_id", event.ChannelID, "error", postErr.Error())
		}
	}
}

func consumeSlackSocket(ctx context.Context, conn *websocket.Conn, onEnvelope func(envelope slackSocketEnvelope) error) error {
	if conn == nil {
		return fmt.Errorf("slack websocket connection is nil")
	}
	for {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var envelope slackSocketEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			continue
		}
		if strings.TrimSpace(envelope.EnvelopeID) != "" {
			if err := conn.WriteJSON(map[string]string{"envelope_id": envelope.EnvelopeID}); err != nil {
				return err
			}
		}
		if onEnvelope == nil {
			continue
		}
		if err := onEnvelope(envelope); err != nil {
			return err
		}
	}
}

func parseSlackInboundEvent(envelope slackSocketEnvelope, botUserID string) (slackInboundEvent, bool, error) {
	if strings.TrimSpace(envelope.Type) != "events_api" || len(envelope.Payload) == 0 {
		return slackInboundEvent{}, false, nil
	}
	var payload slackEventsAPIPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return slackInboundEvent{}, false, err
	}
	var event slackEvent
	if err := json.Unmarshal(payload.Event, &event); err != nil {
		return slackInboundEvent{}, false, err
	}
	eventType := strings.TrimSpace(event.Type)
	if eventType != "message" && eventType != "app_mention" {
		return slackInboundEvent{}, false, nil
	}
	if strings.TrimSpace(event.Subtype) != "" {
		return slackInboundEvent{}, false, nil
	}
	if strings.TrimSpace(event.BotID) != "" {
		return slackInboundEvent{}, false, nil
	}
	userID := strings.TrimSpace(event.User)
	if userID == "" || userID == strings.TrimSpace(botUserID) {
		return slackInboundEvent{}, false, nil
	}
	channelID := strings.TrimSpace(event.Channel)
	if channelID == "" {
		return slackInboundEvent{}, false, nil
	}
	messageTS := strings.TrimSpace(event.TS)
	if messageTS == "" {
		return slackInboundEvent{}, false, nil
	}
	text := strings.TrimSpace(event.Text)
	if text == "" {
		return slackInboundEvent{}, false, nil
	}

	sentAt := time.Now().UTC()
	if payload.EventTime > 0 {
		sentAt = time.Unix(payload.EventTime, 0).UTC()
	}
	return slackInboundEvent{
		ChannelID: channelID,
		MessageTS: messageTS,
		ThreadTS:  strings.TrimSpace(event.ThreadTS),
		UserID:    userID,
		Text:      text,
		EventID:   strings.TrimSpace(payload.EventID),
		SentAt:    sentAt,
	}, true, nil
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

// slackSender delivers flow output back through the Web API.
type slackSender struct {
	api *slackAPI
}

func (s *slackSender) SendText(ctx context.Context, channelID, threadTS, text string) error {
	_, err := s.api.postMessage(ctx, channelID, text, threadTS)
	return err
}

func (s *slackSender) SendImage(ctx context.Context, channelID, threadTS string, data []byte, caption string) (string, error) {
	return s.api.uploadImage(ctx, channelID, threadTS, "generated.png", caption, data)
}

// threadBackfill seeds the message cache from conversations.replies the
// first time the bot is pulled into an existing thread, so hydration sees
// the turns it missed. Best effort: a fetch failure just means a shallower
// context.
type threadBackfill struct {
	api   *slackAPI
	store thread.Store
	limit int
	log   *slog.Logger

	mu   sync.Mutex
	seen map[string]bool
}

func newThreadBackfill(api *slackAPI, store thread.Store, limit int, log *slog.Logger) *threadBackfill {
	if limit <= 0 {
		limit = 50
	}
	return &threadBackfill{
		api:   api,
		store: store,
		limit: limit,
		log:   log,
		seen:  make(map[string]bool),
	}
}

func (b *threadBackfill) run(ctx context.Context, channelID, threadTS, triggerTS, botUserID string) {
	key := thread.Key(channelID, threadTS)

	b.mu.Lock()
	if b.seen[key] {
		b.mu.Unlock()
		return
	}
	b.seen[key] = true
	b.mu.Unlock()

	cached, err := b.store.GetCachedMessages(ctx, key, 1)
	if err != nil || len(cached) > 0 {
		return
	}
	replies, err := b.api.conversationsReplies(ctx, channelID, threadTS, b.limit)
	if err != nil {
		b.log.Debug("slack_backfill_fetch_error", "thread_key", key, "error", err.Error())
		return
	}
	stored := 0
	for _, r := range replies {
		if r.TS == triggerTS {
			continue
		}
		role := string(thread.RoleUser)
		if r.BotID != "" || r.UserID == botUserID {
			role = string(thread.RoleAssistant)
		}
		if err := b.store.CacheMessage(ctx, key, role, r.Text, r.TS, nil); err != nil {
			b.log.Warn("slack_backfill_store_error", "thread_key", key, "error", err.Error())
			return
		}
		stored++
	}
	if stored > 0 {
		b.log.Info("slack_backfill_done", "thread_key", key, "messages", stored)
	}
}
