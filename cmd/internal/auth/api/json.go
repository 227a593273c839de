package authapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: msg}})
}

var errTrailingData = errors.New("trailing data after request object")

// readRequest decodes exactly one JSON object of at most maxBytes into dst.
// On failure it has already written the error response and returns false:
// 413 body_too_large, or 400 invalid_json for everything else.
func readRequest(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	err := decodeBody(w, r, maxBytes, dst)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
		return false
	}

	msg := "invalid request body"
	switch {
	case errors.Is(err, io.EOF):
		msg = "empty request body"
	case errors.Is(err, errTrailingData):
		msg = errTrailingData.Error()
	case isUnknownField(err):
		msg = err.Error()
	}
	writeError(w, http.StatusBadRequest, "invalid_json", msg)
	return false
}

func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return io.EOF
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return errTrailingData
	}
	return nil
}

// isUnknownField matches the decoder's DisallowUnknownFields error, which has
// no exported type.
func isUnknownField(err error) bool {
	return strings.HasPrefix(err.Error(), "json: unknown field ")
}
