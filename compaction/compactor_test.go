package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/hupe1980/ragmesh/core"
	"github.com/hupe1980/ragmesh/internal/testutil"
	"github.com/hupe1980/ragmesh/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompact_TwentyOneMessages(t *testing.T) {
	summarizer := &testutil.Summarizer{}
	c := New(func(o *Options) { o.Model = summarizer })
	sess := testutil.NewSessionBuilder("s1").Messages(21).Build()

	res := c.Compact(context.Background(), sess.Messages, "")

	require.Equal(t, ActionSummarized, res.Action)
	require.Len(t, res.Messages, 4)
	assert.Equal(t, 17, res.Dropped)
	assert.NotEmpty(t, res.Summary)
	assert.Contains(t, res.Summary, "message 1 |", "oldest entry must be represented")
	assert.Equal(t, sess.Messages[17:], res.Messages, "the last Keep messages are kept verbatim and in order")
}

func TestCompact_RequestParameters(t *testing.T) {
	llm := model.NewMockModel("summarizer").Fallback("user likes go")
	c := New(func(o *Options) { o.Model = llm })
	sess := testutil.NewSessionBuilder("s1").Messages(21).Summary("name is Ada").Build()

	res := c.Compact(context.Background(), sess.Messages, sess.Summary)
	require.Equal(t, "user likes go", res.Summary)

	calls := llm.Calls()
	require.Len(t, calls, 1)
	assert.InDelta(t, 0.3, calls[0].Temperature, 1e-9)
	assert.Equal(t, 300, calls[0].MaxTokens)
	prompt := model.Render(calls[0].Messages)
	assert.Contains(t, prompt, "name is Ada", "existing summary is extended, not replaced")
	assert.NotContains(t, prompt, "message 18", "kept messages are not summarized")
}

func TestCompact_SummaryIsCapped(t *testing.T) {
	c := New(func(o *Options) {
		o.Model = model.NewMockModel("summarizer").Fallback(strings.Repeat("长", 500))
	})
	sess := testutil.NewSessionBuilder("s1").Messages(25).Build()

	res := c.Compact(context.Background(), sess.Messages, "")
	assert.Equal(t, 200, len([]rune(res.Summary)))
}

func TestCompact_IsIdempotent(t *testing.T) {
	summarizer := &testutil.Summarizer{}
	c := New(func(o *Options) { o.Model = summarizer })
	sess := testutil.NewSessionBuilder("s1").Messages(40).Build()

	first := c.Compact(context.Background(), sess.Messages, "")
	second := c.Compact(context.Background(), first.Messages, first.Summary)

	assert.Equal(t, ActionNone, second.Action)
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.Messages, second.Messages)
	assert.Equal(t, 1, summarizer.Calls())
}

func TestCompact_FallsBackToTruncation(t *testing.T) {
	c := New(func(o *Options) { o.Model = &testutil.Summarizer{Err: errors.New("llm down")} })
	sess := testutil.NewSessionBuilder("s1").Messages(21).Summary("old").Build()

	res := c.Compact(context.Background(), sess.Messages, sess.Summary)
	assert.Equal(t, ActionTruncated, res.Action)
	assert.Len(t, res.Messages, 4)
	assert.Equal(t, "old", res.Summary)
}

func TestCompact_UnderThresholdIsNoop(t *testing.T) {
	summarizer := &testutil.Summarizer{}
	c := New(func(o *Options) { o.Model = summarizer })
	sess := testutil.NewSessionBuilder("s1").Messages(20).Build()

	res := c.Compact(context.Background(), sess.Messages, "")
	assert.Equal(t, ActionNone, res.Action)
	assert.Len(t, res.Messages, 20)
	assert.Zero(t, summarizer.Calls())
}

func TestCompact_CharThresholdWithoutSummarizer(t *testing.T) {
	c := New(func(o *Options) { o.CharThreshold = 100 })
	b := testutil.NewSessionBuilder("s1")
	for i := 0; i < 6; i++ {
		b.User(strings.Repeat("x", 100))
	}
	sess := b.Build()

	res := c.Compact(context.Background(), sess.Messages, "")
	assert.Equal(t, ActionTruncated, res.Action)
	assert.Len(t, res.Messages, 4)
}

func TestCompact_Disabled(t *testing.T) {
	summarizer := &testutil.Summarizer{}
	c := New(func(o *Options) {
		o.Model = summarizer
		o.Disabled = true
	})
	sess := testutil.NewSessionBuilder("s1").Messages(40).Build()

	res := c.Compact(context.Background(), sess.Messages, "")
	assert.Equal(t, ActionNone, res.Action)
	assert.Len(t, res.Messages, 40)
}

func TestCompact_DisabledSummaryTruncates(t *testing.T) {
	summarizer := &testutil.Summarizer{}
	c := New(func(o *Options) {
		o.Model = summarizer
		o.DisableSummary = true
	})
	sess := testutil.NewSessionBuilder("s1").Messages(22).Build()

	res := c.Compact(context.Background(), sess.Messages, "")
	assert.Equal(t, ActionTruncated, res.Action)
	assert.Zero(t, summarizer.Calls())
}

func TestCompact_PrefixOnlyProperty(t *testing.T) {
	c := New(func(o *Options) { o.Model = &testutil.Summarizer{} })
	for n := 0; n <= 45; n++ {
		sess := testutil.NewSessionBuilder("s").Messages(n).Build()
		res := c.Compact(context.Background(), sess.Messages, "")

		if n > 20 {
			require.Len(t, res.Messages, 4, "n=%d", n)
		}
		// The kept messages are always a suffix of the input.
		suffix := sess.Messages[len(sess.Messages)-len(res.Messages):]
		require.Equal(t, suffix, res.Messages, "n=%d", n)
	}
}

func TestEstimate(t *testing.T) {
	msgs := []core.Message{
		{Content: strings.Repeat("a", 40)},
		{Content: strings.Repeat("学", 15)},
	}
	assert.Equal(t, 20, Estimate(msgs))
}

func TestTrim_StartsWithUserMessage(t *testing.T) {
	c := New()
	b := testutil.NewSessionBuilder("s1")
	for i := 1; i <= 31; i++ {
		if i%2 == 1 {
			b.User(fmt.Sprintf("u%d", i))
		} else {
			b.Assistant(fmt.Sprintf("a%d", i))
		}
	}
	sess := b.Build()

	trimmed := c.Trim(sess.Messages)
	require.NotEmpty(t, trimmed)
	assert.Equal(t, core.RoleUser, trimmed[0].Role)
	assert.LessOrEqual(t, len(trimmed), 20)
	assert.Equal(t, sess.Messages[len(sess.Messages)-1], trimmed[len(trimmed)-1])

	short := sess.Messages[:10]
	assert.Equal(t, short, c.Trim(short))
}

func TestApply_MutatesSession(t *testing.T) {
	c := New(func(o *Options) { o.Model = &testutil.Summarizer{} })
	sess := testutil.NewSessionBuilder("s1").Messages(21).Build()

	res := c.Apply(context.Background(), sess)
	assert.Equal(t, ActionSummarized, res.Action)
	assert.Len(t, sess.Messages, 4)
	assert.Equal(t, res.Summary, sess.Summary)
}

func TestRebase(t *testing.T) {
	c := New(func(o *Options) { o.Model = &testutil.Summarizer{} })
	base := testutil.NewSessionBuilder("s1").Messages(21).Build()
	res := c.Compact(context.Background(), base.Messages, base.Summary)
	require.Equal(t, ActionSummarized, res.Action)

	t.Run("keeps turns appended meanwhile", func(t *testing.T) {
		cur := base.Clone()
		cur.AppendMessage(core.RoleUser, "late question")
		cur.AppendMessage(core.RoleAssistant, "late answer")

		require.True(t, Rebase(cur, base.Messages, base.Summary, res))
		require.Len(t, cur.Messages, 6)
		assert.Equal(t, res.Messages[0].ID, cur.Messages[0].ID)
		assert.Equal(t, "late answer", cur.Messages[5].Content)
		assert.Equal(t, res.Summary, cur.Summary)
	})

	t.Run("refuses a session compacted meanwhile", func(t *testing.T) {
		cur := base.Clone()
		cur.Messages = cur.Messages[17:]
		cur.Summary = "someone else"

		assert.False(t, Rebase(cur, base.Messages, base.Summary, res))
		assert.Len(t, cur.Messages, 4)
		assert.Equal(t, "someone else", cur.Summary)
	})

	t.Run("refuses a rewritten prefix", func(t *testing.T) {
		cur := base.Clone()
		cur.Messages[0].ID = "other"

		assert.False(t, Rebase(cur, base.Messages, base.Summary, res))
		assert.Len(t, cur.Messages, 21)
	})
}
