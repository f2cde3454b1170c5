package compaction

import (
	"context"
	"strings"
	"unicode"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/util"
	"github.com/hupe1980/ragmesh/logging"
	"github.com/hupe1980/ragmesh/model"
)

// Action reports what Compact did.
type Action string

const (
	ActionNone       Action = "none"
	ActionSummarized Action = "summarized"
	ActionTruncated  Action = "truncated"
)

// Result is the outcome of Compact.
type Result struct {
	Messages []core.Message
	Summary  string
	Action   Action
	Dropped  int
}

// Options configure a Compactor.
type Options struct {
	// Model writes summaries. Nil disables summarization.
	Model model.Model
	// Disabled turns Compact into a no-op.
	Disabled bool

	DisableSummary     bool
	SummarizeThreshold int
	Keep               int
	SummaryMaxRunes    int
	// CharThreshold is measured in estimated tokens (see Estimate).
	CharThreshold    int
	CleanupThreshold int
	CleanupKeep      int
	Logger           logging.Logger
}

// Compactor applies the compaction policy.
type Compactor struct {
	opts Options
}

// New creates a Compactor summarizing above 20 messages and keeping 4.
func New(optFns ...func(o *Options)) *Compactor {
	opts := Options{
		SummarizeThreshold: 20,
		Keep:               4,
		SummaryMaxRunes:    200,
		CharThreshold:      3000,
		CleanupThreshold:   30,
		CleanupKeep:        20,
		Logger:             logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Compactor{opts: opts}
}

func (c *Compactor) canSummarize() bool {
	return c.opts.Model != nil && !c.opts.DisableSummary
}

// Compact computes the compacted history. It never fails: a summarizer
// error degrades to truncation and is only logged.
func (c *Compactor) Compact(ctx context.Context, messages []core.Message, summary string) Result {
	unchanged := Result{Messages: messages, Summary: summary, Action: ActionNone}
	if c.opts.Disabled || len(messages) <= c.opts.Keep {
		return unchanged
	}

	overCount := len(messages) > c.opts.SummarizeThreshold
	overChars := Estimate(messages) > c.opts.CharThreshold
	if !overCount && !overChars {
		return unchanged
	}

	cut := len(messages) - c.opts.Keep
	prefix, kept := messages[:cut], cloneMessages(messages[cut:])

	if c.canSummarize() {
		next, err := c.summarize(ctx, prefix, summary)
		if err == nil {
			return Result{Messages: kept, Summary: next, Action: ActionSummarized, Dropped: cut}
		}
		c.opts.Logger.Warn("Summarization failed, truncating history", "error", err.Error(), "dropped", cut)
	}
	return Result{Messages: kept, Summary: summary, Action: ActionTruncated, Dropped: cut}
}

// Apply compacts sess in place.
func (c *Compactor) Apply(ctx context.Context, sess *core.Session) Result {
	res := c.Compact(ctx, sess.Messages, sess.Summary)
	if res.Action != ActionNone {
		Rebase(sess, sess.Messages, sess.Summary, res)
	}
	return res
}

// Rebase writes res, computed from base and baseSummary, into sess.
// Messages appended to sess after base was read follow the compacted
// window. It reports false and leaves sess alone when sess no longer
// starts with base or its summary moved on.
func Rebase(sess *core.Session, base []core.Message, baseSummary string, res Result) bool {
	if sess.Summary != baseSummary || len(sess.Messages) < len(base) {
		return false
	}
	for i, m := range base {
		if sess.Messages[i].ID != m.ID {
			return false
		}
	}
	tail := sess.Messages[len(base):]
	msgs := make([]core.Message, 0, len(res.Messages)+len(tail))
	msgs = append(msgs, res.Messages...)
	sess.Messages = append(msgs, tail...)
	sess.Summary = res.Summary
	return true
}

func (c *Compactor) summarize(ctx context.Context, prefix []core.Message, existing string) (string, error) {
	prompt, err := util.RenderTemplate(summaryTemplate, map[string]any{
		"existing":     existing,
		"conversation": renderConversation(prefix),
		"limit":        c.opts.SummaryMaxRunes,
	})
	if err != nil {
		return "", err
	}
	text, err := model.Complete(ctx, c.opts.Model, model.Prompt(summarySystem, prompt, 0.3, 300))
	if err != nil {
		return "", err
	}
	return util.Truncate(strings.TrimSpace(text), c.opts.SummaryMaxRunes), nil
}

// Trim bounds a history used as prompt context: above CleanupThreshold
// only the last CleanupKeep messages are kept, and the kept window always
// starts with a user message.
func (c *Compactor) Trim(messages []core.Message) []core.Message {
	if len(messages) <= c.opts.CleanupThreshold {
		return messages
	}
	kept := messages[len(messages)-c.opts.CleanupKeep:]
	for len(kept) > 0 && kept[0].Role != core.RoleUser {
		kept = kept[1:]
	}
	return cloneMessages(kept)
}

// Estimate approximates the token count of messages: CJK characters count
// 1/1.5, everything else 1/4.
func Estimate(messages []core.Message) int {
	var cjk, other int
	for _, m := range messages {
		for _, r := range m.Content {
			if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
				cjk++
			} else {
				other++
			}
		}
	}
	return int(float64(cjk)/1.5 + float64(other)/4)
}

func renderConversation(msgs []core.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		if m.Role != core.RoleUser && m.Role != core.RoleAssistant {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func cloneMessages(msgs []core.Message) []core.Message {
	out := make([]core.Message, len(msgs))
	copy(out, msgs)
	return out
}
