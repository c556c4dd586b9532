package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/joseph-ayodele/assignment-grader/internal/common"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"failed to marshal response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, errorResponse{Error: message})
}

// respondErr maps an application error onto its status code. Internal errors
// are not echoed to the client.
func respondErr(w http.ResponseWriter, err error) {
	code := common.HTTPStatus(err)
	resp := errorResponse{Error: err.Error()}
	var ae *common.AppError
	if errors.As(err, &ae) {
		resp.Code = ae.Code
		resp.Error = ae.Message
	}
	if code == http.StatusInternalServerError {
		resp = errorResponse{Error: "internal error"}
	}
	respondJSON(w, code, resp)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return common.NewAppError("INVALID_BODY", err.Error(), common.ErrInvalidInput)
	}
	return nil
}
