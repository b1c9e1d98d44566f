package ingest

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/bus"
)

// SlackAdapter listens to Slack channel messages via Socket Mode and
// forwards them to the sink, one group per channel.
type SlackAdapter struct {
	client *slack.Client
	socket *socketmode.Client
	sink   Sink
	logger *zap.Logger
}

// NewSlackAdapter creates a Slack ingest adapter. botToken is the Bot User
// OAuth Token (xoxb-...), appToken the App-Level Token (xapp-...) for
// Socket Mode.
func NewSlackAdapter(botToken, appToken string, sink Sink, logger *zap.Logger) *SlackAdapter {
	client := slack.New(botToken,
		slack.OptionAppLevelToken(appToken),
	)
	socket := socketmode.New(client,
		socketmode.OptionLog(zap.NewStdLog(logger)),
	)
	return &SlackAdapter{client: client, socket: socket, sink: sink, logger: logger}
}

func (a *SlackAdapter) Platform() string { return "slack" }

// Connect starts the Socket Mode event loop in background goroutines.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	go a.handleEvents(ctx)
	go func() {
		if err := a.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("slack socket mode error", zap.Error(err))
		}
	}()
	a.logger.Info("slack ingest connected via socket mode")
	return nil
}

func (a *SlackAdapter) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			a.processEvent(evt)
		}
	}
}

func (a *SlackAdapter) processEvent(evt socketmode.Event) {
	if evt.Type != socketmode.EventTypeEventsAPI {
		return
	}
	eventsAPI, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	a.socket.Ack(*evt.Request)

	if eventsAPI.Type != slackevents.CallbackEvent {
		return
	}
	inner, ok := eventsAPI.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok {
		return
	}
	// Bot messages and edits would double-count conversation.
	if inner.BotID != "" || inner.SubType != "" || inner.Text == "" {
		return
	}

	a.sink(inner.Channel, bus.Message{
		SenderID:   inner.User,
		SenderName: inner.User,
		Content:    inner.Text,
		Timestamp:  slackTimestamp(inner.TimeStamp),
	})
}

// slackTimestamp converts Slack's "seconds.fraction" event timestamp.
func slackTimestamp(ts string) time.Time {
	sec, err := strconv.ParseFloat(strings.TrimSpace(ts), 64)
	if err != nil || sec == 0 {
		return time.Now()
	}
	return time.Unix(int64(sec), int64((sec-float64(int64(sec)))*1e9))
}

// Close stops the socket client.
func (a *SlackAdapter) Close() error {
	// RunContext exits with its context; nothing further to tear down.
	return nil
}
