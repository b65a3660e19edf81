package api

import (
	"encoding/json"
	"net/http"

	"OpenLaunch/internal/errors"
)

type errorPayload struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Detail   string            `json:"detail,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	payload := errorPayload{Code: string(errors.CodeUnknown), Message: err.Error()}
	if e, ok := errors.From(err); ok {
		payload = errorPayload{
			Code:     string(e.Code()),
			Message:  e.Message(),
			Detail:   e.Detail(),
			Metadata: e.Metadata(),
		}
	}
	writeJSON(w, errors.StatusOf(err), errorBody{Error: payload})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON 解析请求体，失败时返回 INVALID_ARGUMENT。
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(errors.CodeInvalidArgument, err, "请求体格式错误")
	}
	return nil
}
