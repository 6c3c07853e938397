package composition

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sawpanic/biasengine/internal/config"
	"github.com/sawpanic/biasengine/internal/ingest"
	"github.com/sawpanic/biasengine/internal/model"
	"github.com/sawpanic/biasengine/internal/outcome"
)

// httpPuller is the shared shape behind the scheduler's market-data,
// VIX, and CAPE pull jobs: a rate-limited REST client whose response is
// mapped onto one or more FactorReadings and fed through ingest.Service,
// the same fail-fast validation path a webhook producer goes through.
// Grounded on the teacher's rate-limited provider idiom (e.g.
// internal/infrastructure/providers/coingecko.go) generalized from a
// pooled client down to a single rate.Limiter, since this domain's pull
// cadence is coarse (minutes to hours) rather than a hot scan loop.
type httpPuller struct {
	cfg        config.ProviderConfig
	client     *http.Client
	limiter    *rate.Limiter
	ingest     *ingest.Service
	producerID string
	mapReading func(body []byte, now time.Time) ([]model.FactorReading, error)
}

func newHTTPPuller(cfg config.ProviderConfig, ing *ingest.Service, producerID string, mapper func([]byte, time.Time) ([]model.FactorReading, error)) *httpPuller {
	return &httpPuller{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.GetRequestTimeout()},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		ingest:     ing,
		producerID: producerID,
		mapReading: mapper,
	}
}

// Pull satisfies scheduler.Puller: fetch once, translate into
// FactorReadings, and push each through the ingestion pipeline so every
// pulled value gets the same validation, staleness, and ownership
// treatment as a webhook-pushed one.
func (p *httpPuller) Pull(ctx context.Context) error {
	if !p.cfg.Enabled {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pull %s: %w", p.cfg.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull %s: unexpected status %d", p.cfg.BaseURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	readings, err := p.mapReading(body, now)
	if err != nil {
		return fmt.Errorf("map response from %s: %w", p.cfg.BaseURL, err)
	}

	for _, reading := range readings {
		if _, err := p.ingest.Ingest(ctx, reading, p.producerID); err != nil {
			return err
		}
	}
	return nil
}

// marketDataResponse is the pulled shape for the price-derived factor
// set the market_data job owns (credit_spreads, market_breadth,
// tick_breadth, sector_rotation, dollar_smile).
type marketDataResponse struct {
	Factors map[string]float64 `json:"factors"`
}

func mapMarketData(body []byte, now time.Time) ([]model.FactorReading, error) {
	var resp marketDataResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	readings := make([]model.FactorReading, 0, len(resp.Factors))
	for id, score := range resp.Factors {
		readings = append(readings, model.FactorReading{
			FactorId:   model.FactorId(id),
			Score:      score,
			Source:     model.SourceScheduledPull,
			ObservedAt: now,
			IngestedAt: now,
			Metadata:   model.Metadata{TimestampSource: model.TimestampSourceEvent},
		})
	}
	return readings, nil
}

// vixResponse is the pulled shape for the vix_term factor.
type vixResponse struct {
	TermStructureScore float64 `json:"term_structure_score"`
}

func mapVIX(body []byte, now time.Time) ([]model.FactorReading, error) {
	var resp vixResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return []model.FactorReading{{
		FactorId:   "vix_term",
		Score:      resp.TermStructureScore,
		Source:     model.SourceScheduledPull,
		ObservedAt: now,
		IngestedAt: now,
		Metadata:   model.Metadata{TimestampSource: model.TimestampSourceEvent},
	}}, nil
}

// capeResponse is the pulled shape for the excess_cape factor.
type capeResponse struct {
	ExcessCapeScore float64 `json:"excess_cape_score"`
}

func mapCAPE(body []byte, now time.Time) ([]model.FactorReading, error) {
	var resp capeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return []model.FactorReading{{
		FactorId:   "excess_cape",
		Score:      resp.ExcessCapeScore,
		Source:     model.SourceScheduledPull,
		ObservedAt: now,
		IngestedAt: now,
		Metadata:   model.Metadata{TimestampSource: model.TimestampSourceEvent},
	}}, nil
}

// NewMarketDataPuller, NewVIXPuller, and NewCAPEPuller build the three
// scheduler.Puller implementations wired into the fixed job table.
func NewMarketDataPuller(cfg config.ProviderConfig, ing *ingest.Service) *httpPuller {
	return newHTTPPuller(cfg, ing, "scheduler.market_data", mapMarketData)
}

func NewVIXPuller(cfg config.ProviderConfig, ing *ingest.Service) *httpPuller {
	return newHTTPPuller(cfg, ing, "scheduler.vix", mapVIX)
}

func NewCAPEPuller(cfg config.ProviderConfig, ing *ingest.Service) *httpPuller {
	return newHTTPPuller(cfg, ing, "scheduler.cape", mapCAPE)
}

// restPriceProvider implements outcome.PriceProvider over the same
// market-data REST host, wrapped by outcome.GuardedProvider at the
// composition root for fault tolerance and fallback caching.
type restPriceProvider struct {
	cfg    config.ProviderConfig
	client *http.Client
}

func NewRESTPriceProvider(cfg config.ProviderConfig) outcome.PriceProvider {
	return &restPriceProvider{cfg: cfg, client: &http.Client{Timeout: cfg.GetRequestTimeout()}}
}

type dailyBarsResponse struct {
	Bars []outcome.DailyBar `json:"bars"`
}

func (p *restPriceProvider) DailyBars(ctx context.Context, symbol string, from, to time.Time) ([]outcome.DailyBar, error) {
	url := fmt.Sprintf("%s/bars?symbol=%s&from=%s&to=%s", p.cfg.BaseURL, symbol, from.Format(time.RFC3339), to.Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("daily bars %s: unexpected status %d", symbol, resp.StatusCode)
	}

	var decoded dailyBarsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}
	return decoded.Bars, nil
}
