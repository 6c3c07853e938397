package outcome

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	bierrors "github.com/sawpanic/biasengine/internal/errors"
	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/model"
)

// MaxAgeDays is the replay cutoff of spec §4.H step 2: a signal whose
// created_at is older than this with no terminal outcome expires.
const MaxAgeDays = 10

// Config controls the bar-ordering tie-break documented as an open
// question in spec §9: when a single daily bar's high-low range
// contains both the stop and a target, which wins.
type Config struct {
	ConservativeBarOrder bool // true: STOPPED_OUT wins ties (default)
}

func DefaultConfig() Config {
	return Config{ConservativeBarOrder: true}
}

// Engine replays price history against every PENDING signal.
type Engine struct {
	config   Config
	signals  gateway.SignalsRepo
	outcomes gateway.SignalOutcomesRepo
	eventLog gateway.EventLog
	provider *GuardedProvider
}

func NewEngine(config Config, signals gateway.SignalsRepo, outcomes gateway.SignalOutcomesRepo, eventLog gateway.EventLog, provider *GuardedProvider) *Engine {
	return &Engine{config: config, signals: signals, outcomes: outcomes, eventLog: eventLog, provider: provider}
}

// RunDaily replays every pending signal against today's price history.
// Intended to be invoked once daily after market close by the
// scheduler (spec §4.J), or ad hoc via the replay-outcomes CLI command.
func (e *Engine) RunDaily(ctx context.Context, now time.Time) error {
	pending, err := e.outcomes.ListPending(ctx, 0)
	if err != nil {
		return bierrors.Wrap(bierrors.GatewayUnavailable, "list pending outcomes", err)
	}

	for _, pendingOutcome := range pending {
		sig, err := e.signals.Get(ctx, pendingOutcome.SignalID)
		if err != nil || sig == nil {
			log.Error().Err(err).Str("signal_id", pendingOutcome.SignalID).Msg("replay: signal lookup failed")
			continue
		}
		if err := e.replayOne(ctx, *sig, now); err != nil {
			log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("replay: failed to score outcome")
		}
	}
	return nil
}

func (e *Engine) replayOne(ctx context.Context, sig model.Signal, now time.Time) error {
	ageDays := int(now.Sub(sig.CreatedAt).Hours() / 24)
	if ageDays > MaxAgeDays {
		return e.finalize(ctx, sig, model.SignalOutcome{
			SignalID:  sig.SignalID,
			Outcome:   model.OutcomeExpired,
			OutcomeAt: now,
		})
	}

	bars, degraded, err := e.provider.DailyBars(ctx, sig.Symbol, sig.CreatedAt, now)
	if err != nil {
		return err
	}
	if degraded {
		log.Warn().Str("symbol", sig.Symbol).Msg("replay: using fallback-cached price history")
	}

	result := replayBars(sig, bars, e.config.ConservativeBarOrder)
	if result.Outcome == model.OutcomePending {
		return nil // no terminal event yet; remains pending
	}
	return e.finalize(ctx, sig, result)
}

// replayBars walks bars chronologically applying the precedence of
// spec §4.H step 3: INVALIDATED > STOPPED_OUT > HIT_T2 > HIT_T1 (which
// does not terminate on its own).
func replayBars(sig model.Signal, bars []DailyBar, conservativeBarOrder bool) model.SignalOutcome {
	out := model.SignalOutcome{SignalID: sig.SignalID, Outcome: model.OutcomePending}
	reachedT1 := false
	long := sig.Direction == model.Long

	for i, bar := range bars {
		excursionFavorable := favorableExcursion(sig, bar, long)
		excursionAdverse := adverseExcursion(sig, bar, long)
		if excursionFavorable > out.MaxFavorableExcursion {
			out.MaxFavorableExcursion = excursionFavorable
		}
		if excursionAdverse > out.MaxAdverseExcursion {
			out.MaxAdverseExcursion = excursionAdverse
		}

		invalidated := crossesInvalidation(sig, bar, long)
		stopped := touchesStop(sig, bar, long)
		hitT2 := touchesLevel(sig.Setup.T2, bar, long)
		hitT1 := touchesLevel(sig.Setup.T1, bar, long)

		if invalidated {
			out.Outcome = model.OutcomeInvalidated
			out.OutcomeAt = bar.Date
			out.OutcomePrice = bar.Close
			out.DaysToOutcome = i + 1
			out.ReachedT1 = reachedT1
			return out
		}

		if stopped && hitT2 {
			// Both levels fall inside the same bar's range; the
			// ordering within a bar is undefined per spec §4.H — the
			// conservative default treats the stop as having been hit
			// first.
			if conservativeBarOrder {
				hitT2 = false
			} else {
				stopped = false
			}
		}

		if stopped {
			out.Outcome = model.OutcomeStoppedOut
			out.OutcomeAt = bar.Date
			out.OutcomePrice = sig.Setup.Stop
			out.DaysToOutcome = i + 1
			out.ReachedT1 = reachedT1
			return out
		}

		if hitT2 {
			out.Outcome = model.OutcomeHitT2
			out.OutcomeAt = bar.Date
			out.OutcomePrice = sig.Setup.T2
			out.DaysToOutcome = i + 1
			out.ReachedT1 = true
			return out
		}

		if hitT1 {
			reachedT1 = true
		}
	}

	return out
}

func favorableExcursion(sig model.Signal, bar DailyBar, long bool) float64 {
	if long {
		return bar.High - sig.Setup.Entry
	}
	return sig.Setup.Entry - bar.Low
}

func adverseExcursion(sig model.Signal, bar DailyBar, long bool) float64 {
	if long {
		return sig.Setup.Entry - bar.Low
	}
	return bar.High - sig.Setup.Entry
}

func crossesInvalidation(sig model.Signal, bar DailyBar, long bool) bool {
	if long {
		return bar.Close < sig.Setup.InvalidationLevel
	}
	return bar.Close > sig.Setup.InvalidationLevel
}

func touchesStop(sig model.Signal, bar DailyBar, long bool) bool {
	if long {
		return bar.Low <= sig.Setup.Stop
	}
	return bar.High >= sig.Setup.Stop
}

func touchesLevel(level float64, bar DailyBar, long bool) bool {
	if long {
		return bar.High >= level
	}
	return bar.Low <= level
}

func (e *Engine) finalize(ctx context.Context, sig model.Signal, result model.SignalOutcome) error {
	if err := e.outcomes.Update(ctx, result); err != nil {
		return bierrors.Wrap(bierrors.GatewayUnavailable, "persist signal outcome", err)
	}
	if err := e.signals.SetStatus(ctx, sig.SignalID, model.StatusDismissed); err != nil {
		log.Error().Err(err).Str("signal_id", sig.SignalID).Msg("failed to dismiss signal after terminal outcome")
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = gateway.AppendOrFail(ctx, e.eventLog, model.TopicSignalOutcome, payload)
	return err
}
