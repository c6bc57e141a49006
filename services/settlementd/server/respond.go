package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"zkpayroll/native/admission"
	"zkpayroll/native/stream"
	"zkpayroll/services/settlementd"
	"zkpayroll/services/settlementd/rail"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}

// respondError maps domain errors onto HTTP statuses and a stable error code.
func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stream.ErrNotFound):
		writeError(w, http.StatusNotFound, "stream_not_found", err.Error())
	case errors.Is(err, settlementd.ErrIntentNotFound):
		writeError(w, http.StatusNotFound, "intent_not_found", err.Error())
	case errors.Is(err, rail.ErrUnknownReference):
		writeError(w, http.StatusNotFound, "unknown_reference", err.Error())
	case errors.Is(err, stream.ErrInvalidEmployee),
		errors.Is(err, stream.ErrInvalidAmount),
		errors.Is(err, stream.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, "invalid_stream", err.Error())
	case errors.Is(err, admission.ErrRejected):
		writeError(w, http.StatusUnprocessableEntity, "proof_rejected", err.Error())
	case errors.Is(err, admission.ErrVerifierUnavailable):
		writeError(w, http.StatusServiceUnavailable, "verifier_unavailable", err.Error())
	case errors.Is(err, settlementd.ErrInsufficientAvailable),
		errors.Is(err, stream.ErrInsufficientVested):
		writeError(w, http.StatusConflict, "insufficient_available", err.Error())
	case errors.Is(err, stream.ErrStreamInactive):
		writeError(w, http.StatusConflict, "stream_inactive", err.Error())
	case errors.Is(err, settlementd.ErrIntentInFlight):
		writeError(w, http.StatusConflict, "intent_in_flight", err.Error())
	case errors.Is(err, settlementd.ErrStaleIntent):
		writeError(w, http.StatusConflict, "stale_intent", err.Error())
	case errors.Is(err, settlementd.ErrIntentNotResubmittable):
		writeError(w, http.StatusConflict, "intent_not_resubmittable", err.Error())
	case errors.Is(err, settlementd.ErrQuoteExpiredOrInvalid):
		writeError(w, http.StatusGone, "quote_expired", err.Error())
	case errors.Is(err, settlementd.ErrProcessorPaused):
		writeError(w, http.StatusServiceUnavailable, "processor_paused", err.Error())
	case errors.Is(err, rail.ErrUnavailable):
		writeError(w, http.StatusBadGateway, "rail_unavailable", err.Error())
	case errors.Is(err, settlementd.ErrPayoutFailed):
		writeError(w, http.StatusBadGateway, "payout_failed", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
