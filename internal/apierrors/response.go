package apierrors

import (
	"errors"
	"net/http"

	"x402-engine/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

var logger = observability.NewLogger()

// SetLogger replaces the package logger. Tests pass a nop logger.
func SetLogger(l *observability.Logger) {
	logger = l
}

// RespondWithError logs the response for correlation and writes the mapped
// error. The processor has already logged the detailed cause, so only 5xx
// responses log err again here.
//
//	if err != nil {
//	    apierrors.RespondWithError(c, err)
//	    return
//	}
func RespondWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	apiErr := MapError(err)
	if apiErr.StatusCode >= http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", err)
	}
	respond(c, apiErr)
}

// RespondWithValidationError answers a failed c.ShouldBindJSON or similar.
func RespondWithValidationError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	ctx := c.Request.Context()

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		logger.Debug(ctx, "validation failed: "+err.Error())
		respond(c, ValidationError(validationErrs))
		return
	}

	logger.Debug(ctx, "request binding failed: "+err.Error())
	respond(c, BadRequest(CodeInvalidInput, "Invalid request format. Please check your JSON syntax."))
}

func respond(c *gin.Context, apiErr *APIError) {
	ctx := observability.WithFields(c.Request.Context(),
		observability.Field{Key: "status_code", Value: apiErr.StatusCode},
		observability.Field{Key: "error_code", Value: apiErr.Code},
		observability.Field{Key: "error_message", Value: apiErr.Message},
	)
	logger.Info(ctx, "API error response")

	c.AbortWithStatusJSON(apiErr.StatusCode, ErrorResponse{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	})
}
