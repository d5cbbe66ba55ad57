package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	apinvoicedomain "github.com/sitebooks/sitebooks/internal/apinvoice/domain"
	approvalruledomain "github.com/sitebooks/sitebooks/internal/approvalrule/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("conflict")
	ErrInternal       = errors.New("internal_error")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, apinvoicedomain.ErrMissingActor):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, apinvoicedomain.ErrNotAuthorized):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, apinvoicedomain.ErrDuplicateInvoice):
		return http.StatusConflict, errorPayload{
			Type:    "duplicate_invoice",
			Message: "an invoice with this supplier and invoice number already exists",
		}
	case errors.Is(err, apinvoicedomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "invalid_transition",
			Message: "invoice is not in a state that allows this action",
		}
	case errors.Is(err, apinvoicedomain.ErrStaleState):
		return http.StatusConflict, errorPayload{
			Type:    "stale_state",
			Message: "invoice changed since it was read, retry",
		}
	case errors.Is(err, apinvoicedomain.ErrRoutingGap):
		return http.StatusConflict, errorPayload{
			Type:    "routing_gap",
			Message: "invoice has no pending approval step",
		}
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, approvalruledomain.ErrInvalidCompany),
		errors.Is(err, approvalruledomain.ErrInvalidID),
		errors.Is(err, approvalruledomain.ErrInvalidName),
		errors.Is(err, approvalruledomain.ErrInvalidRuleType),
		errors.Is(err, approvalruledomain.ErrIllegalOperator),
		errors.Is(err, approvalruledomain.ErrDuplicateApprover),
		errors.Is(err, approvalruledomain.ErrCatchAllConditions),
		errors.Is(err, approvalruledomain.ErrAutoApproveApprovers),
		errors.Is(err, approvalruledomain.ErrMissingApprovers),
		errors.Is(err, approvalruledomain.ErrEmptyApproverChain),
		errors.Is(err, apinvoicedomain.ErrInvalidCompany),
		errors.Is(err, apinvoicedomain.ErrInvalidID),
		errors.Is(err, apinvoicedomain.ErrInvalidAmount),
		errors.Is(err, apinvoicedomain.ErrEmptyReason):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, approvalruledomain.ErrNotFound),
		errors.Is(err, apinvoicedomain.ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyError reduces an error to a (type, code) pair for request logs.
func classifyError(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	return payload.Type, code
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "empty_reason":
		return "a rejection reason is required"
	case "illegal_operator":
		return "operator is not legal for this condition field"
	case "catch_all_conditions":
		return "catch-all rules cannot carry conditions"
	case "auto_approve_approvers":
		return "auto-approve rules cannot carry approvers"
	case "missing_approvers":
		return "at least one approver is required"
	case "duplicate_approver":
		return "approver list contains duplicates"
	case "empty_approver_chain":
		return "rule resolves to an empty approver chain"
	default:
		return "invalid value"
	}
}
