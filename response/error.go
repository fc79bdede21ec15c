package response

import "fmt"

// Error is the structured error envelope returned to API clients. Message
// is the stable human summary, Messages carries machine-usable details.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Messages   []string
	Result     interface{}
}

func (e *Error) Error() string {
	return fmt.Sprintf("HTTP %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// WithCode sets the stable machine-readable error code
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func (e *Error) AddMessages(msgs ...string) *Error {
	e.Messages = append(e.Messages, msgs...)
	return e
}

func (e *Error) WithResult(result interface{}) *Error {
	e.Result = result
	return e
}

func makeError(status int, code string) *Error {
	return &Error{
		StatusCode: status,
		Code:       code,
		Messages:   make([]string, 0),
		Result:     []string{},
	}
}

// -----------------------------------------------

func ErrUnexpected() *Error {
	return makeError(500, "unexpected").
		WithMessage("An unexpected error has occured")
}

func ErrBadRequest() *Error {
	return makeError(400, "bad_request").
		WithMessage("Bad request")
}

func ErrUnauthorized() *Error {
	return makeError(401, "unauthorized").
		WithMessage("Unauthorized")
}

func ErrForbidden() *Error {
	return makeError(403, "forbidden").
		WithMessage("Forbidden")
}

func ErrNotFound() *Error {
	return makeError(404, "not_found").
		WithMessage("Requested resources not found")
}

func ErrConflict() *Error {
	return makeError(409, "conflict").
		WithMessage("Conflict")
}

func ErrInvalidJson() *Error {
	return ErrBadRequest().WithCode("invalid_json").AddMessages("Invalid JSON body")
}

func ErrNoBearer() *Error {
	return ErrUnauthorized().WithCode("no_bearer").AddMessages("No valid Bearer token found in header")
}

// ErrBadSignature is returned when a webhook signature does not verify
func ErrBadSignature() *Error {
	return ErrForbidden().WithCode("bad_signature").AddMessages("Callback signature verification failed")
}

// ErrMalformedPayload is returned when a webhook body fails strict parsing
func ErrMalformedPayload() *Error {
	return ErrBadRequest().WithCode("malformed_payload").AddMessages("Callback payload is missing required fields")
}

// ErrQuotaExceeded is returned when a device registration would exceed the plan cap
func ErrQuotaExceeded() *Error {
	return ErrConflict().WithCode("quota_exceeded").AddMessages("Device limit reached for the current plan")
}

// ErrGatewayUnavailable is returned when an outbound gateway call failed; clients may retry
func ErrGatewayUnavailable() *Error {
	return makeError(502, "gateway_unavailable").
		WithMessage("Payment gateway is unreachable")
}

// ErrUnconfigured is returned when server-side gateway credentials are missing
func ErrUnconfigured() *Error {
	return makeError(500, "unconfigured").
		WithMessage("Server is missing payment gateway configuration")
}
