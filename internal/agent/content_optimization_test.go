package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipscommerce/improvement/internal/bandit"
	"github.com/clipscommerce/improvement/internal/domain"
)

func newContentAgent(t *testing.T) (*ContentOptimizationAgent, *bandit.EpsilonGreedy) {
	t.Helper()
	b := bandit.New(bandit.Config{Epsilon: -1}) // pure exploitation
	a, err := NewContentOptimizationAgent(ContentOptimizationConfig{
		Options: Options{ID: "content-1"},
		Bandit:  b,
	})
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	return a, b
}

func optimize(t *testing.T, a *ContentOptimizationAgent, content string) Optimization {
	t.Helper()
	res, err := a.ExecuteTask(context.Background(), Task{
		Type:       TaskOptimizeContent,
		Platform:   "tiktok",
		Parameters: map[string]any{"content": content, "variation_type": "caption"},
	})
	require.NoError(t, err)
	return res.Value.(Optimization)
}

func TestOptimizeContent_FollowsRewards(t *testing.T) {
	a, b := newContentAgent(t)
	const caption = "Five minute morning stretch"

	first := optimize(t, a, caption)
	assert.Equal(t, "tiktok:caption_control", first.ArmID, "ties keep the first arm")
	assert.Equal(t, caption, first.Content)
	assert.Len(t, first.Candidates, 3)
	assert.Len(t, b.Arms(), 3)

	_, err := a.ExecuteTask(context.Background(), Task{
		Type:       TaskRecordFeedback,
		Parameters: map[string]any{"arm_id": "tiktok:caption_cta", "reward": 0.9},
	})
	require.NoError(t, err)

	second := optimize(t, a, caption)
	assert.Equal(t, "tiktok:caption_cta", second.ArmID)
	assert.Equal(t, "caption_cta", second.VariantID)
	assert.Contains(t, second.Content, "Tap the link")
}

func TestOptimizeContent_CandidatesAreCopies(t *testing.T) {
	a, _ := newContentAgent(t)
	const caption = "Five minute morning stretch"

	first := optimize(t, a, caption)
	require.Len(t, first.Candidates, 3)
	first.Candidates[0].ID = "overwritten"
	first.Candidates = first.Candidates[:1]

	second := optimize(t, a, caption)
	require.Len(t, second.Candidates, 3)
	assert.Equal(t, "caption_control", second.Candidates[0].ID)
	assert.Equal(t, "tiktok:caption_control", second.ArmID)
}

func TestOptimizeContent_Validation(t *testing.T) {
	a, _ := newContentAgent(t)
	ctx := context.Background()

	_, err := a.ExecuteTask(ctx, Task{Type: TaskOptimizeContent})
	assert.ErrorIs(t, err, domain.ErrValidation, "content is required")

	_, err = a.ExecuteTask(ctx, Task{
		Type:       TaskOptimizeContent,
		Parameters: map[string]any{"content": "x", "variation_type": "emoji"},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = a.ExecuteTask(ctx, Task{
		Type:       TaskRecordFeedback,
		Parameters: map[string]any{"arm_id": "tiktok:caption_cta"},
	})
	assert.ErrorIs(t, err, domain.ErrValidation, "reward is required")
}

func TestUpdatePatterns(t *testing.T) {
	a, b := newContentAgent(t)
	ctx := context.Background()

	assert.True(t, a.LastPatternRefresh().IsZero())

	require.NoError(t, b.UpdateReward(ctx, "tiktok:tone_casual", 0.4))
	require.NoError(t, b.UpdateReward(ctx, "tiktok:tone_professional", 0.7))
	require.NoError(t, b.UpdateReward(ctx, "instagram:length_long", 0.2))
	b.EnsureArm("instagram:length_short", nil) // never pulled

	res, err := a.ExecuteTask(ctx, Task{Type: TaskUpdatePatterns})
	require.NoError(t, err)

	patterns := res.Value.([]Pattern)
	require.Len(t, patterns, 2)
	assert.Equal(t, "instagram", patterns[0].Platform)
	assert.Equal(t, "length_long", patterns[0].VariationID)
	assert.Equal(t, "tiktok", patterns[1].Platform)
	assert.Equal(t, "tone_professional", patterns[1].VariationID)
	assert.InDelta(t, 0.7, patterns[1].EstimatedReward, 1e-9)

	assert.False(t, a.LastPatternRefresh().IsZero())
}

func TestArmID(t *testing.T) {
	assert.Equal(t, "tiktok:caption_cta", armID("tiktok", "caption_cta"))
	assert.Equal(t, "any:caption_cta", armID("", "caption_cta"))
}
