package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driplab/drip/internal/pacing"
	"github.com/driplab/drip/internal/splitter"
)

func planConfig() (splitter.Config, pacing.DelaySpec) {
	return splitter.Config{MaxChunkLen: 40, MinChunkLen: 5},
		pacing.DelaySpec{
			Strategy: pacing.StrategyRandom,
			Min:      10 * time.Millisecond,
			Max:      50 * time.Millisecond,
		}
}

func TestBuildPlanIsDeterministicForSeed(t *testing.T) {
	cfg, spec := planConfig()
	req := Request{
		ChatID: "chat-1",
		Text:   "First sentence here. Second sentence follows. And a third one closes.",
		Mode:   splitter.ModeSimple,
		Policy: ModeAnswerSafe,
	}

	a, err := BuildPlan(req, cfg, spec, 42)
	require.NoError(t, err)
	b, err := BuildPlan(req, cfg, spec, 42)
	require.NoError(t, err)
	c, err := BuildPlan(req, cfg, spec, 7)
	require.NoError(t, err)

	require.Greater(t, len(a.Chunks), 1)
	for i := range a.Chunks {
		assert.Equal(t, a.Chunks[i].Text, b.Chunks[i].Text)
		assert.Equal(t, a.Chunks[i].EstimatedDelay, b.Chunks[i].EstimatedDelay)
		assert.GreaterOrEqual(t, a.Chunks[i].EstimatedDelay, spec.Min)
		assert.LessOrEqual(t, a.Chunks[i].EstimatedDelay, spec.Max)
	}

	same := true
	for i := range a.Chunks {
		if a.Chunks[i].EstimatedDelay != c.Chunks[i].EstimatedDelay {
			same = false
		}
	}
	assert.False(t, same, "different seeds should produce different delay sequences")
}

func TestBuildPlanTagsOnlyFirstChunkAsReply(t *testing.T) {
	cfg, spec := planConfig()
	plan, err := BuildPlan(Request{
		ChatID:  "chat-1",
		ReplyTo: "msg-99",
		Text:    "First sentence here. Second sentence follows. And a third one closes.",
		Mode:    splitter.ModeSimple,
	}, cfg, spec, 1)
	require.NoError(t, err)
	require.Greater(t, len(plan.Chunks), 1)

	assert.Equal(t, "msg-99", plan.Chunks[0].ReplyTo)
	for _, c := range plan.Chunks[1:] {
		assert.Empty(t, c.ReplyTo)
	}
	// An explicit reply implies the urgent policy.
	assert.Equal(t, ModeReplySafe, plan.Policy)
}

func TestBuildPlanDefaultsPolicyAndRequestID(t *testing.T) {
	cfg, spec := planConfig()
	plan, err := BuildPlan(Request{
		ChatID: "chat-1",
		Text:   "Hello there.",
		Mode:   splitter.ModeNone,
	}, cfg, spec, 1)
	require.NoError(t, err)

	assert.Equal(t, ModeAnswerSafe, plan.Policy)
	assert.NotEmpty(t, plan.RequestID)
	require.Len(t, plan.Chunks, 1)
	assert.Equal(t, "Hello there.", plan.Chunks[0].Text)
}

func TestBuildPlanRejectsBadConfig(t *testing.T) {
	_, spec := planConfig()
	_, err := BuildPlan(Request{ChatID: "c", Text: "hi", Mode: splitter.ModeSimple},
		splitter.Config{MaxChunkLen: -1}, spec, 1)
	require.Error(t, err)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	cfg, _ := planConfig()
	_, err = BuildPlan(Request{ChatID: "c", Text: "hi", Mode: splitter.ModeSimple},
		cfg, pacing.DelaySpec{Strategy: "warp"}, 1)
	require.Error(t, err)
	assert.ErrorAs(t, err, &cfgErr)
}

func TestBuildPlanMarksFallback(t *testing.T) {
	cfg, spec := planConfig()
	plan, err := BuildPlan(Request{
		ChatID: "chat-1",
		Text:   "# Heading\n\nSome markdown body text here.",
		Mode:   splitter.ModeMarkdown,
	}, cfg, spec, 1)
	require.NoError(t, err)
	assert.True(t, plan.SplitFellBack)
	require.Len(t, plan.Chunks, 1)
}
