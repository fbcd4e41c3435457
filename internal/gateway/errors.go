package gateway

import (
	"errors"
	"net/http"

	"github.com/kilimcininkoroglu/kiroproxy/internal/anthropic"
	"github.com/kilimcininkoroglu/kiroproxy/internal/credpool"
	"github.com/kilimcininkoroglu/kiroproxy/internal/upstream"
)

// Error type aliases for the front-end's {error:{type,message}} schema,
// per spec.md §6 "Error responses".
const (
	ErrTypeInvalidRequest = anthropic.ErrTypeInvalidRequest
	ErrTypeAuthentication = anthropic.ErrTypeAuthentication
	ErrTypeNotFound       = anthropic.ErrTypeNotFound
	ErrTypeRateLimit      = anthropic.ErrTypeRateLimit
	ErrTypeAPI            = anthropic.ErrTypeAPI
	ErrTypeOverloaded     = anthropic.ErrTypeOverloaded
	ErrTypeInternal       = anthropic.ErrTypeInternal
)

func writeAnthropicError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, anthropic.ErrorBody{Error: anthropic.ErrorDetail{Type: errType, Message: message}})
}

// classifyUpstreamError maps an error returned from the upstream/credpool
// layers onto the front-end's taxonomy, per spec.md §7 "Error handling
// design": upstream transient errors surface as 502/429/503 depending on
// their original class; credential-availability errors surface as 502
// naming the cause; anything else is an opaque 500.
func classifyUpstreamError(err error) (status int, errType, message string) {
	var upErr *upstream.UpstreamError
	if errors.As(err, &upErr) {
		switch {
		case upErr.StatusCode == 429:
			return http.StatusTooManyRequests, ErrTypeRateLimit, upErr.Message
		case upErr.StatusCode >= 500:
			return http.StatusServiceUnavailable, ErrTypeOverloaded, upErr.Message
		case upErr.StatusCode == 400:
			return http.StatusBadRequest, ErrTypeInvalidRequest, upErr.Message
		default:
			return http.StatusBadGateway, ErrTypeAPI, upErr.Message
		}
	}

	var poolErr *credpool.PoolError
	if errors.As(err, &poolErr) {
		switch poolErr.Kind {
		case credpool.KindExhausted:
			return http.StatusBadGateway, ErrTypeAPI, poolErr.Message
		case credpool.KindNotFound:
			return http.StatusNotFound, ErrTypeNotFound, poolErr.Message
		default:
			return http.StatusBadGateway, ErrTypeAPI, poolErr.Message
		}
	}

	var unmappable *anthropic.ErrUnmappableModel
	if errors.As(err, &unmappable) {
		return http.StatusBadRequest, ErrTypeInvalidRequest, unmappable.Error()
	}

	if errors.Is(err, upstream.RequestTooLargeError{}) {
		return http.StatusBadRequest, ErrTypeInvalidRequest, err.Error()
	}

	return http.StatusInternalServerError, ErrTypeInternal, err.Error()
}
