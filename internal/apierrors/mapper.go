package apierrors

import (
	"context"
	"errors"
	"net/http"

	"x402-engine/internal/store"
	"x402-engine/internal/x402err"
)

// MapError converts engine errors to APIErrors so every handler answers the
// same way:
//
//	validation          400
//	insufficient escrow 402
//	fraud block/review  403
//	not found           404
//	campaign state      409
//	payment failure     422
//	anything else       500 (sanitised)
func MapError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	if xe, ok := x402err.As(err); ok {
		return &APIError{
			StatusCode: statusFor(xe),
			Code:       xe.Code,
			Message:    xe.Message,
			Details:    detailsFor(xe),
			Err:        xe.Err,
		}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return NotFound(x402err.CodeNotFound, "Resource not found")
	case errors.Is(err, context.DeadlineExceeded):
		return ServiceUnavailable("The request timed out. Please retry.", err)
	}
	return InternalError(err)
}

func statusFor(xe *x402err.Error) int {
	switch xe.Kind {
	case x402err.KindInsufficientEscrow:
		return http.StatusPaymentRequired
	case x402err.KindCampaign:
		return http.StatusConflict
	case x402err.KindPayment:
		return http.StatusUnprocessableEntity
	}

	switch xe.Code {
	case x402err.CodeNotFound:
		return http.StatusNotFound
	case x402err.CodeFraudBlocked:
		return http.StatusForbidden
	case x402err.CodeDuplicatePayment:
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func detailsFor(xe *x402err.Error) map[string]interface{} {
	if !xe.Resubmittable {
		return xe.Details
	}
	details := make(map[string]interface{}, len(xe.Details)+1)
	for k, v := range xe.Details {
		details[k] = v
	}
	details["resubmittable"] = true
	return details
}
