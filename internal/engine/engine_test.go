package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward-decision-api/internal/database"
	"reward-decision-api/internal/logging"
	"reward-decision-api/internal/models"
	"reward-decision-api/internal/rewards"
)

var testNow = time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC) // a Wednesday

type testEnv struct {
	db       *database.DB
	provider *rewards.MockProvider
	engine   *Engine
	events   *recordingPublisher
}

type recordingPublisher struct {
	mu      sync.Mutex
	reasons []string
}

func (p *recordingPublisher) PublishDecision(_ context.Context, _ models.DecisionLog, reason string, _ bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reasons = append(p.reasons, reason)
}

func setupEngine(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	provider := rewards.NewMockProvider()
	events := &recordingPublisher{}
	opts := Options{
		Events:       events,
		Logger:       logging.Discard(),
		Location:     time.UTC,
		Now:          func() time.Time { return testNow },
		IssueTimeout: time.Second,
	}
	for _, m := range mutate {
		m(&opts)
	}
	return &testEnv{
		db:       db,
		provider: provider,
		engine:   New(db, provider, opts),
		events:   events,
	}
}

func (env *testEnv) publish(t *testing.T, programID string, cfg models.CampaignConfig, start time.Time, end *time.Time) *models.Campaign {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"tpl-a", "tpl-b", "tpl-c"} {
		require.NoError(t, env.db.UpsertRewardTemplate(ctx, models.RewardTemplate{ID: id, Name: "Template " + id, Type: "voucher"}))
	}
	campaign := models.Campaign{
		ID:        "camp-" + programID,
		ProgramID: programID,
		Name:      "Test",
		Status:    models.CampaignStatusLive,
		StartAt:   start,
		EndAt:     end,
	}
	require.NoError(t, env.db.UpsertCampaign(ctx, campaign))
	v, err := env.db.CreateCampaignVersion(ctx, campaign.ID, cfg)
	require.NoError(t, err)
	require.NoError(t, env.db.PublishCampaignVersion(ctx, v.ID))

	active, err := env.db.GetActiveCampaign(ctx, programID)
	require.NoError(t, err)
	require.NotNil(t, active)
	return active
}

func (env *testEnv) publishLive(t *testing.T, cfg models.CampaignConfig) *models.Campaign {
	return env.publish(t, "prog", cfg, testNow.AddDate(0, -1, 0), nil)
}

func txEvent(id string) models.TransactionEvent {
	return models.TransactionEvent{
		TransactionID: id,
		ProgramID:     "prog",
		Timestamp:     testNow,
		Amount:        2500,
		StoreID:       "store-1",
	}
}

func intPtr(v int) *int { return &v }

func tieredConfig() models.CampaignConfig {
	return models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "r5", Name: "Fifth", Nth: 5, RewardTemplateID: "tpl-a", Enabled: true},
			{ID: "r20", Name: "Twentieth", Nth: 20, RewardTemplateID: "tpl-b", Enabled: true},
			{ID: "r100", Name: "Hundredth", Nth: 100, RewardTemplateID: "tpl-c", Enabled: true},
		},
		CompetitionRule: models.CompetitionRuleConfig{Type: models.CompetitionNone},
	}
}

func hasStep(trace []models.TraceStep, name, detail string) bool {
	for _, s := range trace {
		if s.Step == name && s.Detail == detail {
			return true
		}
	}
	return false
}

func TestProcessTransactionIdempotent(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every", Name: "Every", Nth: 1, RewardTemplateID: "tpl-a", Enabled: true},
		},
	})
	ctx := context.Background()

	first, err := env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonRewardIssued, first.Reason)
	assert.False(t, first.IsDuplicate)
	require.NotNil(t, first.Reward)
	assert.Equal(t, "issued", first.Reward.Status)
	assert.NotEmpty(t, first.Reward.VoucherCode)

	second, err := env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.True(t, second.IsDuplicate)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Equal(t, first.Decision.ID, second.Decision.ID)
	assert.Equal(t, first.Reward.VoucherCode, second.Reward.VoucherCode)
	assert.Equal(t, first.Trace, second.Trace)

	assert.Equal(t, 1, env.provider.Calls())
}

func TestProcessTransactionRulePrecedence(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, tieredConfig())
	ctx := context.Background()

	wins := map[string]int{}
	for i := 1; i <= 100; i++ {
		res, err := env.engine.ProcessTransaction(ctx, txEvent(fmt.Sprintf("tx-%03d", i)))
		require.NoError(t, err)
		require.Equal(t, int64(i), res.Decision.CounterValue)
		if res.Decision.Status == models.StatusIssued {
			wins[res.Decision.MatchedRuleID]++
		} else {
			assert.Equal(t, ReasonNoRewardRule, res.Reason)
			assert.True(t, hasStep(res.Trace, "rule", "no_match"))
		}
	}
	assert.Equal(t, map[string]int{"r5": 15, "r20": 4, "r100": 1}, wins)
}

func TestProcessTransactionConcurrentCounters(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, tieredConfig())
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	results := make(chan Result, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.engine.ProcessTransaction(ctx, txEvent(uuid.NewString()))
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := map[int64]bool{}
	for res := range results {
		assert.False(t, seen[res.Decision.CounterValue], "counter %d repeated", res.Decision.CounterValue)
		seen[res.Decision.CounterValue] = true
	}
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "counter %d missing", i)
	}
	assert.Equal(t, 10, env.provider.Calls())
}

func TestProcessTransactionConcurrentDuplicates(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every", Name: "Every", Nth: 1, RewardTemplateID: "tpl-a", Enabled: true},
		},
	})
	env.provider.SetDelay(20 * time.Millisecond)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	results := make(chan Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.engine.ProcessTransaction(ctx, txEvent("same-tx"))
			assert.NoError(t, err)
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for res := range results {
		assert.Equal(t, int64(1), res.Decision.CounterValue)
		if !res.IsDuplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, env.provider.Calls())

	stored, err := env.db.GetDecisionByTransactionID(ctx, "same-tx")
	require.NoError(t, err)
	assert.Equal(t, models.StatusIssued, stored.Status)
}

func TestProcessTransactionDailyCap(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every", Name: "Every", Nth: 1, RewardTemplateID: "tpl-a", Enabled: true, DailyCap: intPtr(1)},
		},
		CompetitionRule: models.CompetitionRuleConfig{Type: models.CompetitionAllNonReward, MessageTemplateID: "msg-1"},
	})
	ctx := context.Background()

	first, err := env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonRewardIssued, first.Reason)

	second, err := env.engine.ProcessTransaction(ctx, txEvent("tx-2"))
	require.NoError(t, err)
	assert.Equal(t, ReasonRuleCapped, second.Reason)
	assert.Equal(t, models.StatusNoReward, second.Decision.Status)
	assert.Equal(t, "every", second.Decision.MatchedRuleID)
	assert.True(t, hasStep(second.Trace, "cap", "daily_cap (1/1)"))
	assert.True(t, second.Competition.Granted)
	assert.Equal(t, "msg-1", second.Competition.MessageTemplateID)

	nextDay := txEvent("tx-3")
	nextDay.Timestamp = testNow.Add(24 * time.Hour)
	third, err := env.engine.ProcessTransaction(ctx, nextDay)
	require.NoError(t, err)
	assert.Equal(t, ReasonRewardIssued, third.Reason)
}

func TestProcessTransactionTotalCap(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every", Name: "Every", Nth: 1, RewardTemplateID: "tpl-a", Enabled: true, TotalCap: intPtr(2)},
		},
	})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res, err := env.engine.ProcessTransaction(ctx, txEvent(fmt.Sprintf("tx-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, ReasonRewardIssued, res.Reason)
	}
	res, err := env.engine.ProcessTransaction(ctx, txEvent("tx-3"))
	require.NoError(t, err)
	assert.Equal(t, ReasonRuleCapped, res.Reason)
	assert.True(t, hasStep(res.Trace, "cap", "total_cap (2/2)"))
}

func TestProcessTransactionRetryRecovery(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every", Name: "Every", Nth: 1, RewardTemplateID: "tpl-a", Enabled: true},
		},
	})
	ctx := context.Background()
	env.provider.FailNext(1)

	failed, err := env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonIssueFailed, failed.Reason)
	assert.Equal(t, models.StatusIssueFailed, failed.Decision.Status)
	assert.True(t, failed.Retryable())
	require.NotNil(t, failed.Reward)
	assert.Equal(t, "failed", failed.Reward.Status)
	assert.Equal(t, "tpl-a", failed.Reward.TemplateID)

	retried, err := env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonRewardIssued, retried.Reason)
	assert.True(t, retried.IsDuplicate)
	assert.Equal(t, failed.Decision.ID, retried.Decision.ID)
	assert.Equal(t, failed.Decision.CounterValue, retried.Decision.CounterValue)
	assert.Equal(t, "every", retried.Decision.MatchedRuleID)
	assert.True(t, hasStep(retried.Trace, "retry", "issue_failed"))
	assert.True(t, hasStep(retried.Trace, "issue", "failed:"+rewards.ErrProviderUnavailable.Error()))
	assert.True(t, hasStep(retried.Trace, "issue", "issued"))

	next, err := env.engine.ProcessTransaction(ctx, txEvent("tx-2"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Decision.CounterValue)
	assert.Equal(t, 3, env.provider.Calls())
}

func TestProcessTransactionIssueTimeout(t *testing.T) {
	env := setupEngine(t, func(o *Options) { o.IssueTimeout = 10 * time.Millisecond })
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every", Name: "Every", Nth: 1, RewardTemplateID: "tpl-a", Enabled: true},
		},
	})
	env.provider.SetDelay(time.Second)

	res, err := env.engine.ProcessTransaction(context.Background(), txEvent("tx-slow"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusIssueFailed, res.Decision.Status)
	assert.Equal(t, ReasonIssueFailed, res.Reason)
}

func TestProcessTransactionTemplateMissing(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every", Name: "Every", Nth: 1, RewardTemplateID: "tpl-later", Enabled: true},
		},
	})
	ctx := context.Background()

	res, err := env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonTemplateMissing, res.Reason)
	assert.Equal(t, models.StatusIssueFailed, res.Decision.Status)
	assert.True(t, hasStep(res.Trace, "reward", "template_missing"))
	assert.Zero(t, env.provider.Calls())

	require.NoError(t, env.db.UpsertRewardTemplate(ctx, models.RewardTemplate{ID: "tpl-later", Name: "Later", Type: "voucher"}))
	res, err = env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonRewardIssued, res.Reason)
	assert.Equal(t, "Later", res.Decision.RewardTemplateName)
}

func TestProcessTransactionRuleWithoutTemplate(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every", Name: "Every", Nth: 1, Enabled: true},
		},
	})
	ctx := context.Background()

	res, err := env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonTemplateMissing, res.Reason)
	assert.Equal(t, models.StatusIssueFailed, res.Decision.Status)

	res, err = env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err, "replay must stay retryable")
	assert.Equal(t, ReasonTemplateMissing, res.Reason)
	assert.True(t, res.IsDuplicate)
	assert.True(t, res.Retryable())
	assert.Zero(t, env.provider.Calls())

	// fixing the rule in a new version lets the pinned rule resolve a template
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every", Name: "Every", Nth: 1, RewardTemplateID: "tpl-a", Enabled: true},
		},
	})
	res, err = env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonRewardIssued, res.Reason)
	assert.Equal(t, "tpl-a", res.Decision.RewardTemplateID)
	assert.Equal(t, int64(1), res.Decision.CounterValue)
	assert.Equal(t, 1, env.provider.Calls())
}

func TestProcessTransactionCallerCancelled(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every", Name: "Every", Nth: 1, RewardTemplateID: "tpl-a", Enabled: true},
		},
	})
	env.provider.SetDelay(200 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res, err := env.engine.ProcessTransaction(ctx, txEvent("tx-gone"))
	require.NoError(t, err)
	assert.Equal(t, ReasonIssueFailed, res.Reason)

	stored, err := env.db.GetDecisionByTransactionID(context.Background(), "tx-gone")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, models.StatusIssueFailed, stored.Status)

	env.provider.SetDelay(0)
	res, err = env.engine.ProcessTransaction(context.Background(), txEvent("tx-gone"))
	require.NoError(t, err)
	assert.Equal(t, ReasonRewardIssued, res.Reason)
}

func TestProcessTransactionNthNonReward(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, models.CampaignConfig{
		CompetitionRule: models.CompetitionRuleConfig{Type: models.CompetitionNthNonReward, Nth: 3, MessageTemplateID: "msg-entry"},
	})
	ctx := context.Background()

	var granted []int
	for i := 1; i <= 6; i++ {
		res, err := env.engine.ProcessTransaction(ctx, txEvent(fmt.Sprintf("tx-%d", i)))
		require.NoError(t, err)
		assert.True(t, hasStep(res.Trace, "entry_counter", fmt.Sprint(i)))
		if res.Competition.Granted {
			granted = append(granted, i)
			assert.Equal(t, "msg-entry", res.Decision.EntryMessageTemplateID)
		}
	}
	assert.Equal(t, []int{3, 6}, granted)
}

func TestProcessTransactionNonRewardCounterSkipsRewards(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "even", Name: "Even", Nth: 2, RewardTemplateID: "tpl-a", Enabled: true},
		},
		CompetitionRule: models.CompetitionRuleConfig{Type: models.CompetitionNthNonReward, Nth: 2},
	})
	ctx := context.Background()

	var granted []int64
	for i := 1; i <= 8; i++ {
		res, err := env.engine.ProcessTransaction(ctx, txEvent(fmt.Sprintf("tx-%d", i)))
		require.NoError(t, err)
		if res.Competition.Granted {
			granted = append(granted, res.Decision.CounterValue)
		}
	}
	// non-reward counters 1..4 land on reward counters 1,3,5,7
	assert.Equal(t, []int64{3, 7}, granted)
}

func TestProcessTransactionProbability(t *testing.T) {
	draws := []float64{0.1, 0.9}
	var mu sync.Mutex
	env := setupEngine(t, func(o *Options) {
		o.Draw = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			d := draws[0]
			draws = draws[1:]
			return d
		}
	})
	env.publishLive(t, models.CampaignConfig{
		CompetitionRule: models.CompetitionRuleConfig{Type: models.CompetitionProbability, Probability: 0.5},
	})
	ctx := context.Background()

	first, err := env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.True(t, first.Competition.Granted)

	second, err := env.engine.ProcessTransaction(ctx, txEvent("tx-2"))
	require.NoError(t, err)
	assert.False(t, second.Competition.Granted)
	assert.True(t, hasStep(second.Trace, "competition_entry", "not_granted"))
}

func TestProcessTransactionNoActiveCampaign(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	res, err := env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.Equal(t, ReasonNoActiveCampaign, res.Reason)
	assert.Equal(t, models.StatusNoReward, res.Decision.Status)
	assert.Zero(t, res.Decision.CounterValue)
	assert.Nil(t, res.Reward)
	assert.True(t, hasStep(res.Trace, "campaign", "no_active_campaign"))

	again, err := env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	assert.True(t, again.IsDuplicate)
	assert.Equal(t, res.Decision.ID, again.Decision.ID)
}

func TestProcessTransactionOutsideWindow(t *testing.T) {
	env := setupEngine(t)
	env.publish(t, "prog", tieredConfig(), testNow.Add(time.Hour), nil)

	res, err := env.engine.ProcessTransaction(context.Background(), txEvent("tx-early"))
	require.NoError(t, err)
	assert.Equal(t, ReasonOutsideWindow, res.Reason)
	assert.True(t, hasStep(res.Trace, "schedule", "before_start"))
	assert.NotEmpty(t, res.Decision.CampaignVersionID)

	end := testNow.Add(-time.Minute)
	env2 := setupEngine(t)
	env2.publish(t, "prog", tieredConfig(), testNow.AddDate(0, -1, 0), &end)
	res, err = env2.engine.ProcessTransaction(context.Background(), txEvent("tx-late"))
	require.NoError(t, err)
	assert.True(t, hasStep(res.Trace, "schedule", "after_end"))
}

func TestProcessTransactionIneligibleConsumesNoCounter(t *testing.T) {
	env := setupEngine(t)
	cfg := tieredConfig()
	cfg.Eligibility = models.EligibilityConfig{MinSpend: 1000}
	env.publishLive(t, cfg)
	ctx := context.Background()

	small := txEvent("tx-small")
	small.Amount = 500
	res, err := env.engine.ProcessTransaction(ctx, small)
	require.NoError(t, err)
	assert.Equal(t, ReasonIneligible, res.Reason)
	assert.True(t, hasStep(res.Trace, "eligibility", "blocked:min_spend"))
	assert.Zero(t, res.Decision.CounterValue)

	res, err = env.engine.ProcessTransaction(ctx, txEvent("tx-big"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Decision.CounterValue)
}

func TestProcessTransactionInvalidEvent(t *testing.T) {
	env := setupEngine(t)
	_, err := env.engine.ProcessTransaction(context.Background(), models.TransactionEvent{ProgramID: "prog"})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestProcessTransactionDefaultsTimestamp(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, tieredConfig())

	event := txEvent("tx-now")
	event.Timestamp = time.Time{}
	res, err := env.engine.ProcessTransaction(context.Background(), event)
	require.NoError(t, err)
	assert.True(t, res.Decision.OccurredAt.Equal(testNow))
}

func TestProcessTransactionPublishesEvents(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, tieredConfig())
	ctx := context.Background()

	_, err := env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)
	_, err = env.engine.ProcessTransaction(ctx, txEvent("tx-1"))
	require.NoError(t, err)

	env.events.mu.Lock()
	defer env.events.mu.Unlock()
	assert.Equal(t, []string{ReasonNoRewardRule, ReasonDuplicate}, env.events.reasons)
}

func TestResultResponse(t *testing.T) {
	env := setupEngine(t)
	env.publishLive(t, models.CampaignConfig{
		RewardRules: []models.RewardRuleConfig{
			{ID: "every", Name: "Every", Nth: 1, RewardTemplateID: "tpl-a", Enabled: true, Priority: 3},
		},
	})

	res, err := env.engine.ProcessTransaction(context.Background(), txEvent("tx-1"))
	require.NoError(t, err)

	resp := res.Response()
	assert.Equal(t, res.Decision.ID, resp.DecisionID)
	assert.Equal(t, "tx-1", resp.TransactionID)
	assert.Equal(t, int64(1), resp.CounterValue)
	assert.Equal(t, models.OutcomeReward, resp.OutcomeType)
	assert.Equal(t, 3, resp.MatchedRulePriority)
	assert.Equal(t, 1, resp.CampaignVersionNumber)
	require.NotNil(t, resp.CompetitionEntry)
	assert.False(t, resp.CompetitionEntry.Granted)
}
