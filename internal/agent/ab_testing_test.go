package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipscommerce/improvement/internal/abtest"
	"github.com/clipscommerce/improvement/internal/domain"
)

func newABAgent(t *testing.T) (*ABTestingAgent, *abtest.Engine) {
	t.Helper()
	engine := abtest.NewEngine(abtest.Config{})
	a := NewABTestingAgent(ABTestingConfig{Options: Options{ID: "ab-1"}, Engine: engine})
	require.NoError(t, a.Start(context.Background()))
	return a, engine
}

func createExperiment(t *testing.T, a *ABTestingAgent, name, metric string) *abtest.Experiment {
	t.Helper()
	res, err := a.ExecuteTask(context.Background(), Task{
		Type:     TaskCreateExperiment,
		Platform: "tiktok",
		Parameters: map[string]any{
			"name":           name,
			"target_metric":  metric,
			"content":        "Try this 3 ingredient smoothie",
			"variation_type": "tone",
		},
	})
	require.NoError(t, err)
	return res.Value.(*abtest.Experiment)
}

func TestCreateExperiment_FromContent(t *testing.T) {
	a, engine := newABAgent(t)

	res, err := a.ExecuteTask(context.Background(), Task{
		Type:     TaskCreateExperiment,
		Platform: "tiktok",
		Parameters: map[string]any{
			"name":           "smoothie tone",
			"target_metric":  "engagement_rate",
			"content":        "Try this 3 ingredient smoothie",
			"variation_type": "tone",
			"start":          true,
		},
	})
	require.NoError(t, err)

	exp := res.Value.(*abtest.Experiment)
	assert.Equal(t, abtest.StatusRunning, exp.Status)
	assert.Equal(t, "ab-1", exp.CreatedBy)
	require.Len(t, exp.Variants, 3)
	assert.Equal(t, "tone_control", exp.Variants[0].ID)
	assert.Equal(t, []string{exp.ID}, a.ActiveExperiments())

	v, ok := engine.AssignVariant(context.Background(), exp.ID, "user-42")
	require.True(t, ok)
	assert.NotEmpty(t, v.ID)
}

func TestCreateExperiment_MissingFields(t *testing.T) {
	a, _ := newABAgent(t)

	_, err := a.ExecuteTask(context.Background(), Task{
		Type:       TaskCreateExperiment,
		Parameters: map[string]any{"name": "no platform"},
	})
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Contains(t, err.Error(), "platform")
	assert.Contains(t, err.Error(), "target_metric")
	assert.Empty(t, a.ActiveExperiments())
}

func TestAnalyzeExperiment(t *testing.T) {
	a, _ := newABAgent(t)
	ctx := context.Background()

	_, err := a.ExecuteTask(ctx, Task{
		Type:       TaskAnalyzeExperiment,
		Parameters: map[string]any{"experiment_id": "missing"},
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	exp := createExperiment(t, a, "fresh", "engagement_rate")
	res, err := a.ExecuteTask(ctx, Task{
		Type:       TaskAnalyzeExperiment,
		Parameters: map[string]any{"experiment_id": exp.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, abtest.InsufficientData, res.Value.(*abtest.Analysis).Status)
}

func TestExperimentLifecycle(t *testing.T) {
	a, _ := newABAgent(t)
	ctx := context.Background()
	exp := createExperiment(t, a, "lifecycle", "engagement_rate")

	res, err := a.ExecuteTask(ctx, Task{
		Type:       TaskStartExperiment,
		Parameters: map[string]any{"experiment_id": exp.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, abtest.StatusRunning, res.Value.(*abtest.Experiment).Status)

	_, err = a.ExecuteTask(ctx, Task{
		Type:       TaskCompleteExperiment,
		Parameters: map[string]any{"experiment_id": exp.ID},
	})
	require.NoError(t, err)
	assert.Empty(t, a.ActiveExperiments())

	_, err = a.ExecuteTask(ctx, Task{
		Type:       TaskStartExperiment,
		Parameters: map[string]any{"experiment_id": exp.ID},
	})
	assert.ErrorIs(t, err, domain.ErrPrecondition, "completed experiments are terminal")
}

func TestPrioritizeExperiments(t *testing.T) {
	a, _ := newABAgent(t)
	ctx := context.Background()

	shares := createExperiment(t, a, "shares", "share_rate")
	engage := createExperiment(t, a, "engage", "engagement_rate")
	views := createExperiment(t, a, "views", "view_count")

	order, err := a.PrioritizeExperiments(ctx, DirectiveVirality)
	require.NoError(t, err)
	assert.Equal(t, []string{shares.ID, views.ID, engage.ID}, order)

	res, err := a.ExecuteTask(ctx, Task{
		Type:       TaskPrioritizeExperiments,
		Parameters: map[string]any{"directive": "engagement_focus"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{engage.ID, shares.ID, views.ID}, res.Value)

	// new experiments are slotted by the current directive
	comments := createExperiment(t, a, "comments", "comment_count")
	assert.Equal(t, []string{engage.ID, comments.ID, shares.ID, views.ID}, a.ActiveExperiments())

	_, err = Prioritize(ctx, a, Directive("reach_everyone"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}
