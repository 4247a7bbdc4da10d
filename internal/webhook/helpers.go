package webhook

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/rendis/drip/internal/xjson"
	"github.com/rendis/drip/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	xjson.NewEncoder(w).Encode(v)
}

// writeError writes err as a JSON error body. DripErrors keep their code,
// reason and details.
func writeError(w http.ResponseWriter, err error) {
	de := schema.AsError(err)
	if de == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": map[string]any{"code": schema.ErrCodeExecution, "message": err.Error()},
		})
		return
	}
	writeJSON(w, statusFor(de.Code), map[string]any{"error": de})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeError(w, schema.NewErrorf(schema.ErrCodeValidation, format, args...))
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeUnknownWorkflow, schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeValidation, schema.ErrCodeInvalidWorkflow:
		return http.StatusBadRequest
	case schema.ErrCodeLeaseHeld, schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodePersistence:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readPayload decodes the request body as a JSON object. An empty body is
// an empty payload.
func readPayload(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read body: %s", err.Error()).WithCause(err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := xjson.Unmarshal(data, &payload); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "body must be a JSON object: %s", err.Error()).WithCause(err)
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
