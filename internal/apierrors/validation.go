package apierrors

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
)

// UseJSONFieldNames makes gin's validator report fields by their json name,
// so "paymentRules[0].trigger" rather than "PaymentRules[0].Trigger".
func UseJSONFieldNames() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
}

// ValidationError builds a 400 from validator errors. The first failing field
// goes in details.field, matching domain validation errors.
func ValidationError(validationErrs validator.ValidationErrors) *APIError {
	apiErr := BadRequest(CodeInvalidInput, buildValidationMessage(validationErrs))
	if len(validationErrs) > 0 {
		apiErr.Details = map[string]interface{}{"field": fieldPath(validationErrs[0])}
	}
	return apiErr
}

func buildValidationMessage(validationErrs validator.ValidationErrors) string {
	if len(validationErrs) == 0 {
		return "Invalid request"
	}
	if len(validationErrs) == 1 {
		return getValidationMessage(validationErrs[0])
	}

	messages := make([]string, 0, len(validationErrs))
	for _, fieldErr := range validationErrs {
		messages = append(messages, getValidationMessage(fieldErr))
	}
	return "Validation failed: " + strings.Join(messages, "; ")
}

// fieldPath drops the root struct name from the namespace.
func fieldPath(fieldErr validator.FieldError) string {
	ns := fieldErr.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func getValidationMessage(fieldErr validator.FieldError) string {
	field := fieldPath(fieldErr)

	switch fieldErr.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		if fieldErr.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at least %s item(s)", field, fieldErr.Param())
		}
		return fmt.Sprintf("%s must be at least %s characters", field, fieldErr.Param())
	case "max":
		if fieldErr.Kind() == reflect.Slice {
			return fmt.Sprintf("%s must contain at most %s item(s)", field, fieldErr.Param())
		}
		return fmt.Sprintf("%s must be at most %s characters", field, fieldErr.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fieldErr.Param())
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, fieldErr.Param())
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, fieldErr.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fieldErr.Param())
	case "uuid":
		return fmt.Sprintf("%s must be a valid UUID", field)
	case "url", "http_url":
		return fmt.Sprintf("%s must be a valid URL", field)
	default:
		return fmt.Sprintf("%s failed validation (%s)", field, fieldErr.Tag())
	}
}
