package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"contractlens/internal/fault"
)

// apiEnvelope is the common response wrapper. data carries the payload,
// error is set on failures, _meta carries request-scoped extras.
type apiEnvelope struct {
	Links map[string]string `json:"_links,omitempty"`
	Meta  map[string]any    `json:"_meta,omitempty"`
	Data  interface{}       `json:"data,omitempty"`
	Error *apiError         `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIResponse(w http.ResponseWriter, status int, data interface{}, meta map[string]any) {
	env := apiEnvelope{
		Meta: meta,
		Data: data,
	}
	if env.Meta == nil {
		env.Meta = map[string]any{}
	}
	env.Meta["generated_at"] = time.Now().UTC().Format(time.RFC3339)

	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiEnvelope{
		Error: &apiError{Code: code, Message: message},
	})
}

// writeFaultError maps the error's kind onto an HTTP status.
func writeFaultError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	writeAPIError(w, statusForKind(kind), kind.String(), err.Error())
}

// decodeJSONBody parses a JSON request body, rejecting unknown fields
// so client typos fail loudly.
func decodeJSONBody(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("invalid JSON body: " + strings.TrimPrefix(err.Error(), "json: "))
	}
	return nil
}

func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.KindInvalidInput:
		return http.StatusBadRequest
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindTransient, fault.KindUnavailable:
		return http.StatusServiceUnavailable
	case fault.KindIntegrity:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
