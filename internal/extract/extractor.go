package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/provider"
)

const systemPrompt = `You are a conversation analyst for a group chat. You segment new messages into topic sessions, continue or complete the active sessions you are given, and distill completed sessions into durable memories.

Rules:
- Continue an active session by answering with its session_id; open a new thread with an id starting with "new_".
- Every session needs status ("ongoing" or "completed"), keywords, summary, subtext, emotion and participants.
- Every session carries "messages": the bracketed numbers of the new messages that belong to it. Assign every new message to exactly one session.
- A completed session should carry a "memory" object: content, details, participants, location, emotion, tags, confidence (0 to 1).
- When a session clearly reveals something about one person, attach an "impression" object: person_name, summary, score (0 to 1), details.
- Answer with a single JSON object: {"sessions": [...]}. No prose outside the JSON.`

// Extractor turns message batches into structured topic sessions by calling
// an LLM. One call covers one group's pending batch.
type Extractor struct {
	provider provider.Provider
	model    string
	timeout  time.Duration

	personaEnabled bool
	personaText    string

	logger *zap.Logger
}

// Options configures an Extractor.
type Options struct {
	Model   string
	Timeout time.Duration
	// PersonaEnabled controls whether PersonaText is injected into the
	// system prompt. The text is opaque: it is passed through verbatim when
	// enabled and leaves no trace at all when disabled.
	PersonaEnabled bool
	PersonaText    string
}

// New creates an extractor on top of a chat provider.
func New(p provider.Provider, opts Options, logger *zap.Logger) *Extractor {
	if opts.Timeout == 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Extractor{
		provider:       p,
		model:          opts.Model,
		timeout:        opts.Timeout,
		personaEnabled: opts.PersonaEnabled,
		personaText:    opts.PersonaText,
		logger:         logger,
	}
}

// Extract analyzes one batch. The provider call is bounded by the configured
// timeout regardless of the caller's context.
func (e *Extractor) Extract(ctx context.Context, req Request) (Result, error) {
	if len(req.Messages) == 0 {
		return Result{}, fmt.Errorf("extract: empty message batch for group %s", req.GroupID)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.provider.Chat(ctx, &provider.ChatRequest{
		Model: e.model,
		Messages: []provider.Message{
			{Role: "system", Content: e.buildSystemPrompt()},
			{Role: "user", Content: buildUserPrompt(req)},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return Result{}, fmt.Errorf("extraction chat call: %w", err)
	}

	res, err := ParseResult(resp.Content)
	if err != nil {
		e.logger.Warn("extraction output unparseable",
			zap.String("group_id", req.GroupID),
			zap.Int("output_bytes", len(resp.Content)),
			zap.Error(err))
		return Result{}, err
	}

	e.logger.Info("extraction completed",
		zap.String("group_id", req.GroupID),
		zap.Int("messages", len(req.Messages)),
		zap.Int("sessions", len(res.Sessions)),
		zap.Int("tokens", resp.Usage.TotalTokens),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (e *Extractor) buildSystemPrompt() string {
	if !e.personaEnabled || e.personaText == "" {
		return systemPrompt
	}
	return systemPrompt + "\n\nYou analyze conversations from the perspective of the following persona:\n" + e.personaText
}

func buildUserPrompt(req Request) string {
	var b strings.Builder

	if len(req.ActiveSessions) > 0 {
		b.WriteString("Active sessions:\n")
		for _, s := range req.ActiveSessions {
			fmt.Fprintf(&b, "- %s: %s (keywords: %s)\n", s.ID, s.Summary, strings.Join(s.Keywords, ", "))
		}
		b.WriteString("\n")
	}

	if len(req.CompletedSummaries) > 0 {
		b.WriteString("Recently completed topics, for context only:\n")
		for _, s := range req.CompletedSummaries {
			fmt.Fprintf(&b, "- %s\n", s)
		}
		b.WriteString("\n")
	}

	b.WriteString("New messages:\n")
	for i, m := range req.Messages {
		fmt.Fprintf(&b, "[%d] %s (%s): %s\n",
			i+1, m.SenderName, m.Timestamp.Format("15:04"), m.Content)
	}
	return b.String()
}
