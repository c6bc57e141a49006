package server

import (
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"zkpayroll/native/admission"
	"zkpayroll/native/stream"
	"zkpayroll/services/settlementd"
	"zkpayroll/services/settlementd/rail"
)

type createStreamRequest struct {
	Employer          string                   `json:"employer"`
	Employee          string                   `json:"employee"`
	Principal         string                   `json:"principal"`
	Duration          int64                    `json:"duration"`
	Proof             *admission.ProofArtifact `json:"proof"`
	PublicSignals     []string                 `json:"publicSignals"`
	PayoutCurrency    string                   `json:"payoutCurrency,omitempty"`
	PayoutDestination string                   `json:"payoutDestination,omitempty"`
}

type streamResponse struct {
	ID                uint64   `json:"id"`
	Employer          string   `json:"employer"`
	Employee          string   `json:"employee"`
	Principal         string   `json:"principal"`
	Withdrawn         string   `json:"withdrawn"`
	StartTime         int64    `json:"startTime"`
	Duration          int64    `json:"duration"`
	CancelledAt       int64    `json:"cancelledAt,omitempty"`
	Active            bool     `json:"active"`
	Commitment        string   `json:"commitment"`
	PayoutCurrency    string   `json:"payoutCurrency"`
	PayoutDestination string   `json:"payoutDestination,omitempty"`
	PayoutHistory     []string `json:"payoutHistory"`
	TotalPayouts      uint64   `json:"totalPayouts"`
	LastPayoutAt      int64    `json:"lastPayoutAt,omitempty"`
}

func toStreamResponse(s *stream.Stream) streamResponse {
	resp := streamResponse{
		ID:                s.ID,
		Employer:          s.Employer,
		Employee:          s.Employee,
		StartTime:         s.StartTime,
		Duration:          s.Duration,
		CancelledAt:       s.CancelledAt,
		Active:            s.Active,
		Commitment:        hex.EncodeToString(s.Commitment[:]),
		PayoutCurrency:    s.PayoutCurrency,
		PayoutDestination: s.PayoutDestination,
		PayoutHistory:     s.PayoutHistory,
		TotalPayouts:      s.TotalPayouts,
		LastPayoutAt:      s.LastPayoutAt,
	}
	if s.Principal != nil {
		resp.Principal = s.Principal.String()
	}
	if s.Withdrawn != nil {
		resp.Withdrawn = s.Withdrawn.String()
	}
	if resp.PayoutHistory == nil {
		resp.PayoutHistory = []string{}
	}
	return resp
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "malformed request body")
		return false
	}
	return true
}

func parseAmount(raw string, required bool) (*big.Int, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, !required
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, false
	}
	return amount, true
}

func streamID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil
}

// CreateStream admits a proof and funds a new salary stream.
func (s *Server) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if !decodeBody(w, r, &req) {
		return
	}
	principal, ok := parseAmount(req.Principal, true)
	if !ok || principal == nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "principal must be a base-10 integer")
		return
	}
	created, err := s.svc.CreateStream(r.Context(), settlementd.CreateStreamParams{
		Employer:          req.Employer,
		Employee:          req.Employee,
		Principal:         principal,
		Duration:          req.Duration,
		Proof:             req.Proof,
		PublicSignals:     req.PublicSignals,
		PayoutCurrency:    req.PayoutCurrency,
		PayoutDestination: req.PayoutDestination,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toStreamResponse(created))
}

// GetStream returns a stream snapshot.
func (s *Server) GetStream(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "stream id must be numeric")
		return
	}
	snapshot, err := s.svc.GetStream(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStreamResponse(snapshot))
}

// ListStreams lists active streams by employee or employer.
func (s *Server) ListStreams(w http.ResponseWriter, r *http.Request) {
	employee := strings.TrimSpace(r.URL.Query().Get("employee"))
	employer := strings.TrimSpace(r.URL.Query().Get("employer"))

	var (
		streams []*stream.Stream
		err     error
	)
	switch {
	case employee != "":
		streams, err = s.svc.StreamsByEmployee(r.Context(), employee)
	case employer != "":
		streams, err = s.svc.StreamsByEmployer(r.Context(), employer)
	default:
		writeError(w, http.StatusBadRequest, "missing_filter", "employee or employer query parameter required")
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]streamResponse, 0, len(streams))
	for _, st := range streams {
		out = append(out, toStreamResponse(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": out})
}

// GetAvailable returns the withdrawable balance of a stream.
func (s *Server) GetAvailable(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "stream id must be numeric")
		return
	}
	available, err := s.svc.GetAvailable(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"available": available.String()})
}

type withdrawRequest struct {
	Amount string `json:"amount,omitempty"`
}

type payoutHandleResponse struct {
	IntentKey string `json:"intentKey"`
	Status    string `json:"status"`
	Reference string `json:"reference,omitempty"`
	Amount    string `json:"amount"`
}

// Withdraw settles vested balance to the stream's configured destination. An
// absent amount withdraws everything currently available.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "stream id must be numeric")
		return
	}
	var req withdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount, false)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a base-10 integer")
		return
	}
	handle, err := s.svc.Withdraw(r.Context(), id, amount)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, payoutHandleResponse{
		IntentKey: handle.IntentKey,
		Status:    handle.Status,
		Reference: handle.Reference,
		Amount:    handle.Amount.String(),
	})
}

// CancelStream deactivates a stream, freezing vesting at the current instant.
func (s *Server) CancelStream(w http.ResponseWriter, r *http.Request) {
	id, ok := streamID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_id", "stream id must be numeric")
		return
	}
	cancelled, err := s.svc.CancelStream(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStreamResponse(cancelled))
}

type quoteRequest struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

type quoteResponse struct {
	ID           string `json:"id"`
	Currency     string `json:"currency"`
	SourceAmount string `json:"sourceAmount"`
	Rate         string `json:"rate"`
	Fee          string `json:"fee"`
	CreatedAt    int64  `json:"createdAt"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// CreateQuote issues a short-lived FX quote.
func (s *Server) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount, true)
	if !ok || amount == nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a base-10 integer")
		return
	}
	quote, err := s.svc.RequestQuote(r.Context(), req.Currency, amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_quote", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, quoteResponse{
		ID:           quote.ID,
		Currency:     quote.Currency,
		SourceAmount: quote.SourceAmount.String(),
		Rate:         quote.Rate,
		Fee:          quote.Fee.String(),
		CreatedAt:    quote.CreatedAt.Unix(),
		ExpiresAt:    quote.ExpiresAt.Unix(),
	})
}

// ValidateQuote reports whether a quote is still usable.
func (s *Server) ValidateQuote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "valid": s.svc.ValidateQuote(id)})
}

type payoutRequest struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	QuoteID     string `json:"quoteId,omitempty"`
}

type receiptResponse struct {
	Reference   string `json:"reference"`
	Status      string `json:"status"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Fee         string `json:"fee"`
	Currency    string `json:"currency"`
	Timestamp   int64  `json:"timestamp"`
}

func toReceiptResponse(receipt rail.Receipt) receiptResponse {
	resp := receiptResponse{
		Reference:   receipt.Reference,
		Status:      string(receipt.Status),
		Destination: receipt.Destination,
		Currency:    receipt.Currency,
		Timestamp:   receipt.Timestamp.Unix(),
	}
	if receipt.Amount != nil {
		resp.Amount = receipt.Amount.String()
	}
	if receipt.Fee != nil {
		resp.Fee = receipt.Fee.String()
	}
	return resp
}

// CreatePayout executes a direct payout through the settlement rail.
func (s *Server) CreatePayout(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseAmount(req.Amount, true)
	if !ok || amount == nil {
		writeError(w, http.StatusBadRequest, "invalid_amount", "amount must be a base-10 integer")
		return
	}
	receipt, err := s.svc.CreatePayout(r.Context(), req.Destination, amount, req.Currency, req.QuoteID)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptResponse(receipt))
}

// GetPayoutStatus resolves a settlement reference.
func (s *Server) GetPayoutStatus(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	receipt, err := s.svc.GetPayoutStatus(r.Context(), reference)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptResponse(receipt))
}

type verifyProofRequest struct {
	Proof         *admission.ProofArtifact `json:"proof"`
	PublicSignals []string                 `json:"publicSignals"`
}

// VerifyProof runs a pre-flight admission check without creating a stream.
func (s *Server) VerifyProof(w http.ResponseWriter, r *http.Request) {
	var req verifyProofRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := s.svc.VerifyProof(r.Context(), req.Proof, req.PublicSignals)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      result.Valid,
		"commitment": hex.EncodeToString(result.Commitment[:]),
	})
}

// ProcessorStatus reports the payout processor snapshot.
func (s *Server) ProcessorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Processor().Status())
}

// PauseProcessor halts payout processing.
func (s *Server) PauseProcessor(w http.ResponseWriter, r *http.Request) {
	s.svc.Processor().Pause()
	s.logger.Warn("processor paused by operator")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// ResumeProcessor re-enables payout processing.
func (s *Server) ResumeProcessor(w http.ResponseWriter, r *http.Request) {
	s.svc.Processor().Resume()
	s.logger.Info("processor resumed by operator")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// ResubmitIntent re-runs a conclusively failed payout intent.
func (s *Server) ResubmitIntent(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	receipt, err := s.svc.Processor().Resubmit(r.Context(), key)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptResponse(receipt))
}
