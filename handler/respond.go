package handler

import (
	"encoding/json"
	"net/http"
)

// envelope is the error-response shape the SDK surface uses uniformly:
// {success:false, message, code}. Success responses are handler-specific
// and do not wrap in this envelope.
type envelope struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Success: false, Message: message, Code: code})
}

// insufficientCreditsDetails is the details payload for an
// INSUFFICIENT_CREDITS response: the admission threshold, the owner's
// actual balance, and the shortfall between them.
type insufficientCreditsDetails struct {
	Required  int `json:"required"`
	Available int `json:"available"`
	Deficit   int `json:"deficit"`
}

func writeInsufficientCredits(w http.ResponseWriter, required, available, deficit int) {
	writeJSON(w, http.StatusPaymentRequired, envelope{
		Success: false,
		Message: "insufficient credits",
		Code:    CodeInsufficientCredits,
		Details: insufficientCreditsDetails{Required: required, Available: available, Deficit: deficit},
	})
}

const (
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeInvalidHash         = "INVALID_HASH"
	CodeMissingFile         = "MISSING_FILE"
	CodeTooManyFiles        = "TOO_MANY_FILES"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInternal            = "INTERNAL_ERROR"
)
