// Package engine decides, exactly once per transaction, whether a loyalty
// transaction earns a periodic reward or a competition entry.
//
// The engine holds no locks. Concurrent and duplicate deliveries of the same
// transaction are serialized by the store: a unique reservation per
// transaction id assigns the counter, and conditional status updates decide
// which caller may call the rewards provider.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reward-decision-api/internal/models"
	"reward-decision-api/internal/rewards"
	"reward-decision-api/internal/rules"
	"reward-decision-api/internal/tracing"
)

// Options configures an Engine. Zero values fall back to DefaultOptions.
type Options struct {
	// Campaigns overrides campaign resolution, e.g. with a cache.
	Campaigns CampaignSource
	Events    Publisher
	Logger    logrus.FieldLogger
	Tracer    *tracing.Tracer

	IssueTimeout time.Duration
	StoreTimeout time.Duration
	// Location is used for day-of-week, time windows and the daily cap.
	Location *time.Location

	Now  func() time.Time
	Draw rules.Draw
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		IssueTimeout: 10 * time.Second,
		StoreTimeout: 5 * time.Second,
		Location:     time.Local,
		Now:          time.Now,
		Draw:         rand.Float64,
	}
}

// Engine runs the decision state machine.
type Engine struct {
	store     Store
	campaigns CampaignSource
	provider  rewards.Provider
	events    Publisher
	logger    logrus.FieldLogger
	tracer    *tracing.Tracer

	issueTimeout time.Duration
	storeTimeout time.Duration
	location     *time.Location
	now          func() time.Time
	draw         rules.Draw
}

// New creates an Engine over store and provider.
func New(store Store, provider rewards.Provider, opts Options) *Engine {
	def := DefaultOptions()
	e := &Engine{
		store:        store,
		campaigns:    opts.Campaigns,
		provider:     provider,
		events:       opts.Events,
		logger:       opts.Logger,
		tracer:       opts.Tracer,
		issueTimeout: opts.IssueTimeout,
		storeTimeout: opts.StoreTimeout,
		location:     opts.Location,
		now:          opts.Now,
		draw:         opts.Draw,
	}
	if e.campaigns == nil {
		e.campaigns = store
	}
	if e.logger == nil {
		e.logger = logrus.StandardLogger()
	}
	if e.tracer == nil {
		e.tracer = tracing.GetTracer()
	}
	if e.issueTimeout <= 0 {
		e.issueTimeout = def.IssueTimeout
	}
	if e.storeTimeout <= 0 {
		e.storeTimeout = def.StoreTimeout
	}
	if e.location == nil {
		e.location = def.Location
	}
	if e.now == nil {
		e.now = def.Now
	}
	if e.draw == nil {
		e.draw = def.Draw
	}
	return e
}

// ProcessTransaction decides the outcome of one transaction. Replays of a
// transaction return the stored decision, except that a decision whose
// issuance failed is retried with its original counter and rule.
//
// Business outcomes, including a failed issuance, are returned as a Result.
// An error means the event was invalid, the store was unreachable, or the
// store broke an invariant (ErrIntegrity).
func (e *Engine) ProcessTransaction(ctx context.Context, event models.TransactionEvent) (res Result, err error) {
	ctx, span := e.tracer.StartSpan(ctx, "engine.ProcessTransaction",
		trace.WithAttributes(
			attribute.String("transaction.id", event.TransactionID),
			attribute.String("program.id", event.ProgramID),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("decision.reason", res.Reason),
				attribute.String("decision.status", string(res.Decision.Status)),
				attribute.Int64("decision.counter", res.Decision.CounterValue),
				attribute.Bool("decision.duplicate", res.IsDuplicate),
			)
		}
		span.End()
	}()

	if event.TransactionID == "" || event.ProgramID == "" {
		return Result{}, fmt.Errorf("%w: transaction id and program id are required", ErrInvalidEvent)
	}

	res, err = e.process(ctx, event)
	if err != nil {
		e.logger.WithFields(logrus.Fields{
			"transaction_id": event.TransactionID,
			"program_id":     event.ProgramID,
		}).WithError(err).Error("decision failed")
		return Result{}, err
	}

	e.logger.WithFields(logrus.Fields{
		"transaction_id": event.TransactionID,
		"program_id":     event.ProgramID,
		"decision_id":    res.Decision.ID,
		"counter":        res.Decision.CounterValue,
		"status":         res.Decision.Status,
		"reason":         res.Reason,
		"duplicate":      res.IsDuplicate,
	}).Info("decision made")

	if e.events != nil {
		e.events.PublishDecision(ctx, res.Decision, res.Reason, res.IsDuplicate)
	}
	return res, nil
}

func (e *Engine) process(ctx context.Context, event models.TransactionEvent) (Result, error) {
	now := event.Timestamp
	if now.IsZero() {
		now = e.now()
	}
	now = now.In(e.location)

	existing, err := e.getDecisionByTransactionID(ctx, event.TransactionID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		if existing.Status == models.StatusIssueFailed {
			return e.retry(ctx, event, existing)
		}
		return duplicateOf(existing), nil
	}

	campaign, err := e.activeCampaign(ctx, event.ProgramID)
	if err != nil {
		return Result{}, err
	}

	decision := models.DecisionLog{
		TransactionID: event.TransactionID,
		ProgramID:     event.ProgramID,
		StoreID:       event.StoreID,
		Amount:        event.Amount,
		Channel:       event.Channel,
		MCC:           event.MCC,
		OccurredAt:    now,
	}
	if campaign == nil || campaign.CurrentVersion == nil {
		decision.Trace = []models.TraceStep{step("campaign", "no_active_campaign")}
		return e.createTerminal(ctx, &decision, ReasonNoActiveCampaign)
	}

	version := campaign.CurrentVersion
	decision.CampaignID = campaign.ID
	decision.CampaignVersionID = version.ID
	decision.CampaignVersionNumber = version.Version

	if state := scheduleState(campaign, now); state != scheduleActive {
		decision.Trace = []models.TraceStep{step("schedule", state)}
		return e.createTerminal(ctx, &decision, ReasonOutsideWindow)
	}
	steps := []models.TraceStep{step("schedule", scheduleActive)}

	cfg := version.Config
	if elig := rules.CheckEligibility(event, cfg.Eligibility, now); !elig.Eligible {
		decision.Trace = appendTrace(steps, step("eligibility", "blocked:"+elig.Reason))
		return e.createTerminal(ctx, &decision, ReasonIneligible)
	}
	steps = appendTrace(steps, step("eligibility", "eligible"))
	decision.Trace = steps

	sctx, cancel := e.storeContext(ctx)
	reserved, isDuplicate, err := e.store.ReserveDecision(sctx, &decision)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("reserve decision: %w", err)
	}
	if reserved == nil {
		return Result{}, integrityError("reservation for transaction %s returned no row", event.TransactionID)
	}
	if isDuplicate {
		if reserved.Status == models.StatusIssueFailed {
			return e.retry(ctx, event, reserved)
		}
		return duplicateOf(reserved), nil
	}

	// The counter is consumed: drive the row to a resolved status even if the
	// caller goes away. Only the provider call below still observes ctx.
	bg := context.WithoutCancel(ctx)
	steps = appendTrace(reserved.Trace, step("counter", fmt.Sprint(reserved.CounterValue)))

	rule, matched := rules.SelectRule(reserved.CounterValue, cfg.RewardRules)
	if !matched {
		steps = appendTrace(steps, step("rule", "no_match"))
		return e.finishNoReward(bg, reserved, cfg.CompetitionRule, steps, nil)
	}
	steps = appendTrace(steps, step("rule", fmt.Sprintf("%s (%d)", rule.Name, rule.Nth)))

	capped, detail, err := e.checkCaps(bg, version.ID, rule, now)
	if err != nil {
		return Result{}, err
	}
	if capped {
		steps = appendTrace(steps, step("cap", detail))
		return e.finishNoReward(bg, reserved, cfg.CompetitionRule, steps, &rule)
	}
	steps = appendTrace(steps, step("cap", "ok"))

	sctx, cancel = e.storeContext(bg)
	claimed, err := e.store.ClaimDecision(sctx, reserved.ID, models.DecisionClaim{
		From:                []models.DecisionStatus{models.StatusPending},
		MatchedRuleID:       rule.ID,
		MatchedRuleN:        rule.Nth,
		MatchedRulePriority: rule.Priority,
		RewardTemplateID:    rule.RewardTemplateID,
		MessageTemplateID:   rule.MessageTemplateID,
	})
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("claim decision: %w", err)
	}
	if claimed == nil {
		return e.claimedElsewhere(ctx, reserved.ID)
	}
	return e.issue(ctx, event, claimed, steps, false)
}

// retry re-issues a decision whose issuance failed. Eligibility, rule
// selection and caps are not re-run; the counter and pinned rule stand.
func (e *Engine) retry(ctx context.Context, event models.TransactionEvent, d *models.DecisionLog) (Result, error) {
	templateID, err := e.retryTemplate(ctx, d)
	if err != nil {
		return Result{}, err
	}
	steps := appendTrace(d.Trace, step("retry", string(models.StatusIssueFailed)))

	sctx, cancel := e.storeContext(ctx)
	claimed, err := e.store.ClaimDecision(sctx, d.ID, models.DecisionClaim{
		From:             []models.DecisionStatus{models.StatusIssueFailed},
		RewardTemplateID: templateID,
	})
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("claim decision for retry: %w", err)
	}
	if claimed == nil {
		return e.claimedElsewhere(ctx, d.ID)
	}
	return e.issue(ctx, event, claimed, steps, true)
}

// retryTemplate resolves the template for a retry through the pinned rule in
// the campaign's current version, so a rule fixed after the failure is
// picked up. It falls back to the template pinned on the decision, which
// may be empty; issue records that as template_missing.
func (e *Engine) retryTemplate(ctx context.Context, d *models.DecisionLog) (string, error) {
	campaign, err := e.activeCampaign(ctx, d.ProgramID)
	if err != nil {
		return "", err
	}
	if campaign == nil || campaign.ID != d.CampaignID || campaign.CurrentVersion == nil {
		return d.RewardTemplateID, nil
	}
	for _, r := range campaign.CurrentVersion.Config.RewardRules {
		if r.ID == d.MatchedRuleID && r.RewardTemplateID != "" {
			return r.RewardTemplateID, nil
		}
	}
	return d.RewardTemplateID, nil
}

// issue calls the rewards provider for a claimed decision and persists the
// outcome. Once the claim is held, the final write ignores ctx cancellation
// so the row never stays in issuing because the caller went away.
func (e *Engine) issue(ctx context.Context, event models.TransactionEvent, d *models.DecisionLog, steps []models.TraceStep, isDuplicate bool) (Result, error) {
	persistCtx := context.WithoutCancel(ctx)

	failed := func(detail, reason, templateName string) (Result, error) {
		steps = appendTrace(steps, step("issue", detail))
		updated, err := e.finalize(persistCtx, d.ID, models.DecisionUpdate{
			From:               models.StatusIssuing,
			Status:             models.StatusIssueFailed,
			OutcomeType:        models.OutcomeReward,
			RewardTemplateName: templateName,
			Trace:              steps,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{
			Decision:    *updated,
			IsDuplicate: isDuplicate,
			Reason:      reason,
			Reward: &models.RewardSummary{
				TemplateID:   updated.RewardTemplateID,
				TemplateName: updated.RewardTemplateName,
				Status:       "failed",
			},
			Trace: updated.Trace,
		}, nil
	}

	var tpl *models.RewardTemplate
	var err error
	if d.RewardTemplateID != "" {
		sctx, cancel := e.storeContext(persistCtx)
		tpl, err = e.store.GetRewardTemplate(sctx, d.RewardTemplateID)
		cancel()
	}
	if err != nil {
		issueLog(e.logger, "issue", d, err).Warn("reward template lookup failed")
		return failed("template_lookup_failed", ReasonIssueFailed, "")
	}
	if tpl == nil {
		steps = appendTrace(steps, step("reward", "template_missing"))
		updated, err := e.finalize(persistCtx, d.ID, models.DecisionUpdate{
			From:        models.StatusIssuing,
			Status:      models.StatusIssueFailed,
			OutcomeType: models.OutcomeReward,
			Trace:       steps,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{
			Decision:    *updated,
			IsDuplicate: isDuplicate,
			Reason:      ReasonTemplateMissing,
			Reward: &models.RewardSummary{
				TemplateID:   updated.RewardTemplateID,
				TemplateName: updated.RewardTemplateName,
				Status:       "failed",
			},
			Trace: updated.Trace,
		}, nil
	}

	ictx, cancel := context.WithTimeout(ctx, e.issueTimeout)
	issued, err := e.provider.IssueReward(ictx, rewards.IssueRequest{
		UserRef:        event.TransactionID,
		TemplateID:     tpl.ID,
		CampaignRef:    tpl.ProviderCampaignRef,
		TransactionRef: event.TransactionID,
		ProgramID:      event.ProgramID,
		Metadata: map[string]string{
			"additionalInfo": event.ProgramID + ":" + event.TransactionID,
		},
	})
	cancel()
	if err != nil {
		issueLog(e.logger, "issue", d, err).Warn("reward issuance failed")
		return failed("failed:"+err.Error(), ReasonIssueFailed, tpl.Name)
	}

	steps = appendTrace(steps, step("issue", "issued"))
	updated, err := e.finalize(persistCtx, d.ID, models.DecisionUpdate{
		From:               models.StatusIssuing,
		Status:             models.StatusIssued,
		OutcomeType:        models.OutcomeReward,
		RewardTemplateName: tpl.Name,
		VoucherCode:        issued.VoucherCode,
		Trace:              steps,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Decision:    *updated,
		IsDuplicate: isDuplicate,
		Reason:      ReasonRewardIssued,
		Reward: &models.RewardSummary{
			TemplateID:   tpl.ID,
			TemplateName: tpl.Name,
			VoucherCode:  issued.VoucherCode,
			Status:       "issued",
		},
		Trace: updated.Trace,
	}, nil
}

// finishNoReward resolves the competition entry and moves a pending decision
// to no_reward. matched is set when a rule fired but was capped.
func (e *Engine) finishNoReward(ctx context.Context, d *models.DecisionLog, comp models.CompetitionRuleConfig, steps []models.TraceStep, matched *models.RewardRuleConfig) (Result, error) {
	var nonRewardCounter int64
	if rules.NeedsNonRewardCounter(comp) {
		sctx, cancel := e.storeContext(ctx)
		n, err := e.store.IncrementNonRewardCounter(sctx, d.CampaignVersionID)
		cancel()
		if err != nil {
			return Result{}, fmt.Errorf("increment non-reward counter: %w", err)
		}
		nonRewardCounter = n
		steps = appendTrace(steps, step("entry_counter", fmt.Sprint(n)))
	}

	granted := rules.ResolveCompetitionEntry(comp, nonRewardCounter, e.draw)
	detail := "not_granted"
	if granted {
		detail = "granted"
	}
	steps = appendTrace(steps, step("competition_entry", detail))

	update := models.DecisionUpdate{
		From:                   models.StatusPending,
		Status:                 models.StatusNoReward,
		OutcomeType:            models.OutcomeNoReward,
		CompetitionEntry:       granted,
		EntryMessageTemplateID: comp.MessageTemplateID,
		Trace:                  steps,
	}
	reason := ReasonNoRewardRule
	if matched != nil {
		update.MatchedRuleID = matched.ID
		update.MatchedRuleN = matched.Nth
		update.MatchedRulePriority = matched.Priority
		reason = ReasonRuleCapped
	}

	sctx, cancel := e.storeContext(ctx)
	updated, err := e.store.UpdateDecision(sctx, d.ID, update)
	cancel()
	if err != nil {
		return Result{}, e.staleOrError(ctx, d.ID, err)
	}
	if updated == nil {
		return Result{}, integrityError("decision %s vanished after update", d.ID)
	}
	return Result{
		Decision: *updated,
		Reason:   reason,
		Competition: models.CompetitionSummary{
			Granted:           granted,
			MessageTemplateID: comp.MessageTemplateID,
		},
		Trace: updated.Trace,
	}, nil
}

// finalize writes the outcome of a claimed decision. The caller owns the
// claim, so a stale or missing row is an integrity violation.
func (e *Engine) finalize(ctx context.Context, id string, u models.DecisionUpdate) (*models.DecisionLog, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	updated, err := e.store.UpdateDecision(sctx, id, u)
	if err != nil {
		if isStale(err) {
			return nil, integrityError("claimed decision %s changed while issuing: %v", id, err)
		}
		return nil, fmt.Errorf("update decision: %w", err)
	}
	if updated == nil {
		return nil, integrityError("decision %s vanished after update", id)
	}
	return updated, nil
}

// staleOrError maps a failed conditional update of a pending row. Only the
// reserving caller moves a row out of pending, so a stale row is reported as
// an integrity violation naming the status it was found in.
func (e *Engine) staleOrError(ctx context.Context, id string, err error) error {
	if !isStale(err) {
		return fmt.Errorf("update decision: %w", err)
	}
	latest, getErr := e.getDecision(ctx, id)
	if getErr != nil {
		return getErr
	}
	if latest == nil {
		return integrityError("decision %s vanished", id)
	}
	return integrityError("pending decision %s moved to %s under its owner", id, latest.Status)
}

func (e *Engine) claimedElsewhere(ctx context.Context, id string) (Result, error) {
	latest, err := e.getDecision(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if latest == nil {
		return Result{}, integrityError("decision %s vanished before claim", id)
	}
	return fromStored(latest, ReasonClaimedElsewhere, true), nil
}

func (e *Engine) createTerminal(ctx context.Context, d *models.DecisionLog, reason string) (Result, error) {
	d.Status = models.StatusNoReward
	d.OutcomeType = models.OutcomeNoReward

	sctx, cancel := e.storeContext(ctx)
	created, isDuplicate, err := e.store.CreateDecision(sctx, d)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("create decision: %w", err)
	}
	if created == nil {
		return Result{}, integrityError("terminal insert for transaction %s returned no row", d.TransactionID)
	}
	if isDuplicate {
		if created.Status == models.StatusIssueFailed {
			return Result{}, integrityError("transaction %s raced into issue_failed", d.TransactionID)
		}
		return duplicateOf(created), nil
	}
	return fromStored(created, reason, false), nil
}

func (e *Engine) checkCaps(ctx context.Context, versionID string, rule models.RewardRuleConfig, now time.Time) (bool, string, error) {
	if rule.TotalCap != nil {
		sctx, cancel := e.storeContext(ctx)
		total, err := e.store.CountRuleWins(sctx, versionID, rule.ID, nil)
		cancel()
		if err != nil {
			return false, "", fmt.Errorf("count total rule wins: %w", err)
		}
		if total >= *rule.TotalCap {
			return true, fmt.Sprintf("total_cap (%d/%d)", total, *rule.TotalCap), nil
		}
	}
	if rule.DailyCap != nil {
		start := startOfDay(now)
		sctx, cancel := e.storeContext(ctx)
		daily, err := e.store.CountRuleWins(sctx, versionID, rule.ID, &start)
		cancel()
		if err != nil {
			return false, "", fmt.Errorf("count daily rule wins: %w", err)
		}
		if daily >= *rule.DailyCap {
			return true, fmt.Sprintf("daily_cap (%d/%d)", daily, *rule.DailyCap), nil
		}
	}
	return false, "", nil
}

func (e *Engine) activeCampaign(ctx context.Context, programID string) (*models.Campaign, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	campaign, err := e.campaigns.GetActiveCampaign(sctx, programID)
	if err != nil {
		return nil, fmt.Errorf("resolve campaign: %w", err)
	}
	return campaign, nil
}

func (e *Engine) getDecision(ctx context.Context, id string) (*models.DecisionLog, error) {
	sctx, cancel := e.storeContext(context.WithoutCancel(ctx))
	defer cancel()
	d, err := e.store.GetDecision(sctx, id)
	if err != nil {
		return nil, fmt.Errorf("load decision: %w", err)
	}
	return d, nil
}

func (e *Engine) getDecisionByTransactionID(ctx context.Context, transactionID string) (*models.DecisionLog, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	d, err := e.store.GetDecisionByTransactionID(sctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("load decision: %w", err)
	}
	return d, nil
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.storeTimeout)
}

// duplicateOf returns a stored decision unchanged. Rows still being worked
// on by another caller report in_progress.
func duplicateOf(d *models.DecisionLog) Result {
	reason := ReasonDuplicate
	if d.Status == models.StatusPending || d.Status == models.StatusIssuing {
		reason = ReasonInProgress
	}
	return fromStored(d, reason, true)
}

func isStale(err error) bool {
	return errors.Is(err, models.ErrStaleDecision)
}

func issueLog(logger logrus.FieldLogger, op string, d *models.DecisionLog, err error) *logrus.Entry {
	return logger.WithFields(logrus.Fields{
		"op":             op,
		"decision_id":    d.ID,
		"transaction_id": d.TransactionID,
		"template_id":    d.RewardTemplateID,
	}).WithError(err)
}
