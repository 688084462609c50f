package response

import (
	"encoding/json"
	"net/http"
)

// Response is the envelope of every control-surface reply. Code is a stable,
// machine-readable reason set on failures the caller can act on.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

func write(w http.ResponseWriter, statusCode int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// JSON writes data inside the standard envelope.
func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	write(w, statusCode, Response{Success: statusCode < 400, Data: data})
}

func Success(w http.ResponseWriter, data interface{}) {
	JSON(w, http.StatusOK, data)
}

func Fail(w http.ResponseWriter, statusCode int, code, err string) {
	write(w, statusCode, Response{Error: err, Code: code})
}

func BadRequest(w http.ResponseWriter, err string) {
	Fail(w, http.StatusBadRequest, "bad_request", err)
}

func Unauthorized(w http.ResponseWriter, err string) {
	Fail(w, http.StatusUnauthorized, "unauthorized", err)
}

func InternalError(w http.ResponseWriter, err string) {
	Fail(w, http.StatusInternalServerError, "internal", err)
}
