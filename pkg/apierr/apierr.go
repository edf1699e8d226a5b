// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format, plus the MemoryRouter payment
// envelope used for 402 responses.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePaymentRequired   = "payment_required_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeMissingAPIKey     = "missing_api_key"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInactiveAPIKey    = "inactive_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeDimensionMismatch = "dimension_mismatch"

	// Payment sub-kinds, returned in the "code" field of a 402.
	CodeNoPaymentMethod = "no_payment_method"
	CodePaymentFailed   = "payment_failed"
	CodeCapReached      = "cap_reached"
	CodeBlocked         = "blocked"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}

	// PaymentDetails carries the balance context attached to 402 responses.
	PaymentDetails struct {
		BalanceCents        int64  `json:"balance_cents"`
		FreeTokensRemaining int64  `json:"free_tokens_remaining"`
		TopUpURL            string `json:"top_up_url,omitempty"`
	}
	paymentEnvelope struct {
		Error   APIError       `json:"error"`
		Payment PaymentDetails `json:"payment"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WritePaymentRequired writes a 402 with the given sub-kind code and the
// caller's balance context.
func WritePaymentRequired(ctx *fasthttp.RequestCtx, message, code string, details PaymentDetails) {
	ctx.SetStatusCode(fasthttp.StatusPaymentRequired)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(paymentEnvelope{
		Error: APIError{
			Message: message,
			Type:    TypePaymentRequired,
			Code:    code,
		},
		Payment: details,
	})
	ctx.SetBody(body)
}

// WriteProviderError surfaces an upstream failure. The upstream status code is
// preserved when it is a valid HTTP status; the upstream body (when non-empty
// and valid JSON) is attached verbatim under "provider_error" so callers can
// inspect the provider's own diagnostics.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string, providerBody []byte) {
	status := providerStatus
	if status < 100 || status > 599 {
		status = fasthttp.StatusBadGateway
	}

	payload := map[string]any{
		"error": APIError{Message: msg, Type: TypeProviderError, Code: CodeProviderError},
	}
	if len(providerBody) > 0 && json.Valid(providerBody) {
		payload["provider_error"] = json.RawMessage(providerBody)
	}
	body, _ := json.Marshal(payload)

	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// WriteConnectError writes a 502 for a failed upstream connection.
func WriteConnectError(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
