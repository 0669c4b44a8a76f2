package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	attachdomain "github.com/meterline/meterline/internal/attach/domain"
	customerdomain "github.com/meterline/meterline/internal/customer/domain"
	featuredomain "github.com/meterline/meterline/internal/feature/domain"
	ledgerdomain "github.com/meterline/meterline/internal/ledger/domain"
	organizationdomain "github.com/meterline/meterline/internal/organization/domain"
	paymentdomain "github.com/meterline/meterline/internal/payment/domain"
	productdomain "github.com/meterline/meterline/internal/product/domain"
)

type errorResponse struct {
	Error string `json:"error"`
}

// ErrorHandlingMiddleware renders the last handler error once the chain has
// finished, so handlers only ever call AbortWithError.
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

		status, message := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: message})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, attachdomain.ErrCustomerNotFound),
		errors.Is(err, attachdomain.ErrProductNotFound),
		errors.Is(err, customerdomain.ErrNotFound),
		errors.Is(err, featuredomain.ErrNotFound),
		errors.Is(err, productdomain.ErrNotFound),
		errors.Is(err, organizationdomain.ErrNotFound),
		errors.Is(err, ledgerdomain.ErrNotFound):
		return http.StatusNotFound, err.Error()

	case errors.Is(err, attachdomain.ErrChangeInFlight),
		errors.Is(err, attachdomain.ErrAlreadyAttached),
		errors.Is(err, ledgerdomain.ErrConflict),
		errors.Is(err, featuredomain.ErrCodeTaken),
		errors.Is(err, productdomain.ErrCodeTaken),
		errors.Is(err, organizationdomain.ErrSlugTaken):
		return http.StatusConflict, err.Error()

	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, err.Error()

	case errors.Is(err, paymentdomain.ErrPaymentDeclined),
		errors.Is(err, paymentdomain.ErrNoPaymentMethod):
		return http.StatusPaymentRequired, err.Error()

	case errors.Is(err, attachdomain.ErrInvalidRequest),
		errors.Is(err, attachdomain.ErrInvalidOrganization),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, customerdomain.ErrInvalidName),
		errors.Is(err, customerdomain.ErrInvalidID):
		return http.StatusBadRequest, err.Error()

	case isValidationError(err):
		return http.StatusBadRequest, err.Error()
	}
	return http.StatusInternalServerError, "internal_error"
}

// isValidationError catches the invalid_* sentinels services return for bad
// input without enumerating each one.
func isValidationError(err error) bool {
	msg := err.Error()
	return len(msg) > len("invalid_") && msg[:len("invalid_")] == "invalid_"
}
