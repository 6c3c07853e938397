// Package ingest implements Factor Ingestion & Validation: the single
// fail-fast pipeline every incoming FactorReading passes through before
// it is persisted and allowed to influence the Composite Bias Engine.
// The validation order mirrors the teacher's regime detector boundary
// checks in internal/regime/detector.go — reject early, never partially
// apply a reading.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	bierrors "github.com/sawpanic/biasengine/internal/errors"
	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/model"
	"github.com/sawpanic/biasengine/internal/registry"
)

// Recomputer is the narrow slice of the Composite Bias Engine that
// ingestion needs: a trigger to enqueue a recompute using whatever
// readings are now on file. Kept as an interface here (rather than an
// import of internal/bias) so ingest and bias do not form a cycle —
// the composition root wires the concrete *bias.Engine in.
type Recomputer interface {
	Trigger(ctx context.Context)
}

// Result is the outcome of one Ingest call.
type Result struct {
	Accepted       bool
	RejectedReason string
}

// Service runs the validation pipeline from spec §4.C over the Cache &
// Persistence Gateway.
type Service struct {
	registry   *registry.Registry
	kv         gateway.KV
	log        gateway.EventLog
	readings   gateway.FactorReadingsRepo
	recompute  Recomputer
}

func NewService(reg *registry.Registry, kv gateway.KV, eventLog gateway.EventLog, readings gateway.FactorReadingsRepo, recompute Recomputer) *Service {
	return &Service{registry: reg, kv: kv, log: eventLog, readings: readings, recompute: recompute}
}

// Ingest validates, persists, and (on acceptance) triggers a recompute
// and publishes the factor-update event. The pipeline is fail-fast: the
// first failing check short-circuits the rest.
func (s *Service) Ingest(ctx context.Context, reading model.FactorReading, producerIdentity string) (Result, error) {
	meta, known := s.registry.Lookup(reading.FactorId)
	if !known {
		return Result{RejectedReason: string(bierrors.OutOfRange)}, nil
	}

	if producerIdentity != meta.Owner {
		log.Warn().Str("factor_id", string(reading.FactorId)).Str("producer", producerIdentity).
			Str("owner", meta.Owner).Msg("rejected factor write: ownership violation")
		return Result{RejectedReason: string(bierrors.OwnershipViolation)}, nil
	}

	if reading.Score < -1.0 || reading.Score > 1.0 {
		return Result{RejectedReason: string(bierrors.OutOfRange)}, nil
	}

	if symbol, price, ok := underlyingPrice(reading); ok {
		if !s.registry.SanityCheck(reading.FactorId, symbol, price) {
			log.Warn().Str("factor_id", string(reading.FactorId)).Str("symbol", symbol).Float64("price", price).
				Msg("rejected factor write: sanity bound violation")
			if err := s.kv.Del(ctx, gateway.FactorLatestKey(string(reading.FactorId))); err != nil {
				log.Error().Err(err).Str("factor_id", string(reading.FactorId)).Msg("failed to purge cached entry after sanity violation")
			}
			if _, err := gateway.AppendOrFail(ctx, s.log, model.TopicAnomaly, anomalyPayload(reading, "SANITY_BOUND_VIOLATION")); err != nil {
				log.Error().Err(err).Msg("failed to append anomaly event")
			}
			return Result{RejectedReason: string(bierrors.OutOfRange)}, nil
		}
	}

	if reading.IngestedAt.IsZero() {
		reading.IngestedAt = time.Now().UTC()
	}

	if reading.Source == model.SourceWebhook && reading.ObservedAt.IsZero() {
		reading.Metadata.TimestampSource = model.TimestampSourceFallback
		reading.ObservedAt = reading.IngestedAt
	}

	if err := s.readings.Insert(ctx, reading); err != nil {
		return Result{}, bierrors.Wrap(bierrors.GatewayUnavailable, "persist factor reading", err)
	}

	payload, err := json.Marshal(reading)
	if err != nil {
		return Result{}, fmt.Errorf("marshal factor reading: %w", err)
	}
	if err := s.kv.Put(ctx, gateway.FactorLatestKey(string(reading.FactorId)), payload, 0); err != nil {
		return Result{}, bierrors.Wrap(bierrors.GatewayUnavailable, "cache latest reading", err)
	}
	if _, err := gateway.AppendOrFail(ctx, s.log, "factor."+string(reading.FactorId), payload); err != nil {
		return Result{}, err
	}

	if s.recompute != nil {
		s.recompute.Trigger(ctx)
	}

	return Result{Accepted: true}, nil
}

// underlyingPrice extracts a (symbol, price) pair from a reading's raw
// payload when present, the convention price-derived factor producers
// use to carry their underlying quote alongside the derived score.
func underlyingPrice(reading model.FactorReading) (string, float64, bool) {
	if reading.Raw == nil {
		return "", 0, false
	}
	symbol, ok := reading.Raw["symbol"].(string)
	if !ok || symbol == "" {
		return "", 0, false
	}
	price, ok := reading.Raw["price"].(float64)
	if !ok {
		return "", 0, false
	}
	return symbol, price, true
}

func anomalyPayload(reading model.FactorReading, reason string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"factor_id":   reading.FactorId,
		"reason":      reason,
		"observed_at": reading.ObservedAt,
	})
	return payload
}

// SanitySweep re-validates every cached factor:*:latest entry against
// the current registry bounds, purging violators. Run once at boot
// (spec §4.C startup task) so a registry bounds tightening since the
// last run cannot leave a stale, now-invalid reading authoritative.
func (s *Service) SanitySweep(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx, gateway.PrefixFactorLatest)
	if err != nil {
		return 0, bierrors.Wrap(bierrors.GatewayUnavailable, "list cached factor keys", err)
	}

	purged := 0
	for _, key := range keys {
		raw, ok, err := s.kv.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var reading model.FactorReading
		if err := json.Unmarshal(raw, &reading); err != nil {
			continue
		}
		symbol, price, hasPrice := underlyingPrice(reading)
		if !hasPrice {
			continue
		}
		if !s.registry.SanityCheck(reading.FactorId, symbol, price) {
			if err := s.kv.Del(ctx, key); err != nil {
				log.Error().Err(err).Str("key", key).Msg("sanity sweep: failed to purge entry")
				continue
			}
			purged++
		}
	}

	priceKeys, err := s.kv.Keys(ctx, gateway.PrefixPrice)
	if err != nil {
		return purged, bierrors.Wrap(bierrors.GatewayUnavailable, "list cached price keys", err)
	}
	for _, key := range priceKeys {
		raw, ok, err := s.kv.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var price float64
		if err := json.Unmarshal(raw, &price); err != nil {
			continue
		}
		if violatesAnyBound(s.registry, key, price) {
			if err := s.kv.Del(ctx, key); err != nil {
				log.Error().Err(err).Str("key", key).Msg("sanity sweep: failed to purge price entry")
				continue
			}
			purged++
		}
	}

	log.Info().Int("purged", purged).Msg("startup sanity sweep complete")
	return purged, nil
}

// violatesAnyBound checks a cached price key against every enabled
// factor's configured bounds for the symbol embedded in the key,
// since a price:* entry is not itself tied to one factor_id.
func violatesAnyBound(reg *registry.Registry, key string, price float64) bool {
	for _, meta := range reg.Enabled() {
		for symbol, bounds := range meta.SanityBounds {
			if strings.Contains(key, symbol) {
				if price < bounds.Min || price > bounds.Max {
					return true
				}
			}
		}
	}
	return false
}
