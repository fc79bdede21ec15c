package response

import (
	"encoding/json"
	"net/http"
)

// envelope is the body shape shared by success and error responses
type envelope struct {
	Code     string      `json:"code,omitempty"`
	Message  string      `json:"message,omitempty"`
	Messages []string    `json:"messages,omitempty"`
	Result   interface{} `json:"result"`
}

// WriteResponse writes a 200 response with the result wrapped in the
// standard envelope
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope{
		Result: result,
	})
}

// WriteError writes the structured error with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(envelope{
		Code:     e.Code,
		Message:  e.Message,
		Messages: e.Messages,
		Result:   e.Result,
	})
}
