package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/biasengine/internal/bias"
	"github.com/sawpanic/biasengine/internal/breaker"
	"github.com/sawpanic/biasengine/internal/broadcast"
	"github.com/sawpanic/biasengine/internal/confluence"
	bierrors "github.com/sawpanic/biasengine/internal/errors"
	"github.com/sawpanic/biasengine/internal/gateway"
	"github.com/sawpanic/biasengine/internal/ingest"
	"github.com/sawpanic/biasengine/internal/model"
	"github.com/sawpanic/biasengine/internal/scorer"
)

// Handlers bundles every collaborator the HTTP surface dispatches to.
type Handlers struct {
	Ingest     *ingest.Service
	Bias       *bias.Engine
	Breaker    *breaker.Machine
	Scorer     *scorer.Scorer
	Confluence *confluence.Merger
	Signals    gateway.SignalsRepo
	Outcomes   gateway.SignalOutcomesRepo
	Hub        *broadcast.Hub
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": h.Hub.SubscriberCount(),
	})
}

func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

// factorReadingRequest mirrors spec §6's ingest-factor-update wire shape.
type factorReadingRequest struct {
	FactorId   string                 `json:"factor_id"`
	Score      float64                `json:"score"`
	Signal     string                 `json:"signal"`
	Detail     string                 `json:"detail"`
	Source     string                 `json:"source"`
	ObservedAt *time.Time             `json:"observed_at,omitempty"`
	Raw        map[string]interface{} `json:"raw,omitempty"`
	ProducerID string                 `json:"producer_id"`
}

func (h *Handlers) IngestFactor(w http.ResponseWriter, r *http.Request) {
	var req factorReadingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	reading := model.FactorReading{
		FactorId:   model.FactorId(req.FactorId),
		Score:      req.Score,
		Detail:     req.Detail,
		Source:     model.Source(req.Source),
		Raw:        req.Raw,
		ProducerID: req.ProducerID,
		IngestedAt: time.Now().UTC(),
	}
	if req.ObservedAt != nil {
		reading.ObservedAt = *req.ObservedAt
		reading.Metadata.TimestampSource = model.TimestampSourceEvent
	}

	result, err := h.Ingest.Ingest(r.Context(), reading, req.ProducerID)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{"accepted": result.Accepted}
	if !result.Accepted {
		resp["reason"] = result.RejectedReason
	} else if latest := h.Bias.Latest(); latest != nil {
		resp["composite"] = latest
	}
	writeJSON(w, http.StatusOK, resp)
}

type breakerEventRequest struct {
	Trigger    string     `json:"trigger"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

func (h *Handlers) IngestBreaker(w http.ResponseWriter, r *http.Request) {
	var req breakerEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	if err := h.Breaker.Engage(r.Context(), req.Trigger); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Breaker.State())
}

type signalRequest struct {
	Symbol       string  `json:"symbol"`
	SignalType   string  `json:"signal_type"`
	Direction    string  `json:"direction"`
	SignalSource string  `json:"signal_source"`
	Entry        float64 `json:"entry"`
	ATR          float64 `json:"atr"`
	SMA20        float64 `json:"sma20"`
	SMA50        float64 `json:"sma50"`
	SMA120       float64 `json:"sma120"`
	SMA200       float64 `json:"sma200"`
	RSI          *float64 `json:"rsi,omitempty"`
	ADX          *float64 `json:"adx,omitempty"`
	SectorSymbol string  `json:"sector_symbol,omitempty"`
}

func (h *Handlers) IngestSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}

	candidate := scorer.Candidate{
		Symbol:       req.Symbol,
		SignalType:   req.SignalType,
		Direction:    model.Direction(req.Direction),
		SignalSource: req.SignalSource,
		Entry:        req.Entry,
		Snapshot: scorer.SMASnapshot{
			Price:  req.Entry,
			ATR:    req.ATR,
			SMA20:  req.SMA20,
			SMA50:  req.SMA50,
			SMA120: req.SMA120,
			SMA200: req.SMA200,
		},
		RSI:          req.RSI,
		ADX:          req.ADX,
		SectorSymbol: req.SectorSymbol,
	}

	signal, outcome, err := h.Scorer.Score(r.Context(), candidate)
	if err != nil {
		writeError(w, err)
		return
	}

	conflictedPeers, err := h.Confluence.Apply(r.Context(), &signal)
	if err != nil {
		log.Warn().Err(err).Str("symbol", signal.Symbol).Msg("confluence merge failed; persisting signal unenriched")
	}

	stored, err := h.Signals.Insert(r.Context(), signal)
	if err != nil {
		writeError(w, err)
		return
	}
	// DUPLICATE_SIGNAL_ID: Insert is idempotent and returns the original
	// row, so only seed an outcome row when this insert was the winner.
	if stored.CreatedAt.Equal(signal.CreatedAt) {
		if err := h.Outcomes.Insert(r.Context(), outcome); err != nil {
			log.Error().Err(err).Str("signal_id", stored.SignalID).Msg("failed to seed pending outcome")
		}
	}

	for _, peer := range conflictedPeers {
		if err := h.Signals.UpdateEnrichment(r.Context(), peer.SignalID, peer.Priority, peer.Confidence, peer.SetupContext); err != nil {
			log.Warn().Err(err).Str("signal_id", peer.SignalID).Msg("failed to persist conflicting-signal flag on peer")
		}
	}

	writeJSON(w, http.StatusOK, stored)
}

func (h *Handlers) ReadComposite(w http.ResponseWriter, r *http.Request) {
	latest := h.Bias.Latest()
	if latest == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no composite computed yet"})
		return
	}
	writeJSON(w, http.StatusOK, latest)
}

func (h *Handlers) ReadSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since := time.Time{}
	if raw := q.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	signals, err := h.Signals.ListActive(r.Context(), q.Get("symbol"), q.Get("type"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, signals)
}

func (h *Handlers) ReadHitRates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tr := gateway.TimeRange{}
	if raw := q.Get("from"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			tr.From = parsed
		}
	}
	if raw := q.Get("to"); raw != "" {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			tr.To = parsed
		}
	} else {
		tr.To = time.Now().UTC()
	}

	rows, err := h.Outcomes.HitRates(r.Context(), tr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	h.Hub.ServeWS(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response body")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code, _ := bierrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case bierrors.OwnershipViolation, bierrors.OutOfRange, bierrors.DuplicateSignalID:
		status = http.StatusBadRequest
	case bierrors.GatewayUnavailable, bierrors.ProviderTimeout:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": string(code), "detail": err.Error()})
}
