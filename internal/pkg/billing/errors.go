package billing

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Error classes. Every error returned by the service carries exactly one of
// these marks; HTTPStatus maps them onto status codes.
var (
	ErrValidation             = errors.New("validation error")
	ErrUnauthorized           = errors.New("unauthorized")
	ErrNotFound               = errors.New("not found")
	ErrPolicyViolation        = errors.New("policy violation")
	ErrActionDisabled         = errors.New("action disabled by policy")
	ErrConflict               = errors.New("conflict")
	ErrGateway                = errors.New("payment gateway error")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
)

// RuleError is a user-facing error. Fields are merged into the JSON error
// response next to the message.
type RuleError struct {
	Message string
	Fields  map[string]interface{}
	cause   error
}

func (e *RuleError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *RuleError) Unwrap() error { return e.cause }

func newRuleError(class error, message string, fields map[string]interface{}) error {
	return errors.Mark(&RuleError{Message: message, Fields: fields}, class)
}

func validationError(message string) error {
	return newRuleError(ErrValidation, message, nil)
}

func unauthorizedError(message string, cause error) error {
	return errors.Mark(&RuleError{Message: message, cause: cause}, ErrUnauthorized)
}

func notFoundError(message string) error {
	return newRuleError(ErrNotFound, message, nil)
}

func policyViolation(message string, fields map[string]interface{}) error {
	return newRuleError(ErrPolicyViolation, message, fields)
}

// actionDisabled is a policy violation caused by an admin toggle.
func actionDisabled(message string) error {
	return errors.Mark(newRuleError(ErrPolicyViolation, message, nil), ErrActionDisabled)
}

func conflictError(message string) error {
	return newRuleError(ErrConflict, message, nil)
}

func gatewayError(provider string, cause error) error {
	return errors.Mark(&RuleError{
		Message: "Payment gateway error. Please try again.",
		Fields:  map[string]interface{}{"provider": provider},
		cause:   cause,
	}, ErrGateway)
}

func reconciliationConflict(message string) error {
	return newRuleError(ErrReconciliationConflict, message, nil)
}

// Message returns the user-facing message of err.
func Message(err error) string {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Message
	}
	return "Internal server error."
}

// Fields returns the extra response fields of err, if any.
func Fields(err error) map[string]interface{} {
	var re *RuleError
	if errors.As(err, &re) {
		return re.Fields
	}
	return nil
}

// HTTPStatus maps an error class onto an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrActionDisabled):
		return http.StatusForbidden
	case errors.Is(err, ErrPolicyViolation):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrGateway):
		return http.StatusBadGateway
	case errors.Is(err, ErrReconciliationConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
