package service

import (
	"fmt"

	"github.com/pkg/errors"
)

// Validation codes returned to the checkout caller.
const (
	CodeInvalidAddress       = "invalid_address"
	CodeProductNotFound      = "product_not_found"
	CodeInsufficientStock    = "insufficient_stock"
	CodeEmptyCart            = "empty_cart"
	CodeInvalidQuantity      = "invalid_quantity"
	CodeMixedPaymentAccounts = "mixed_payment_accounts"
	CodeInvalidOrderSet      = "invalid_order_set"
	CodeInvalidTrackingQuery = "invalid_tracking_query"
)

// ValidationError is user-correctable input.
type ValidationError struct {
	Code      string `json:"code"`
	Message   string `json:"error"`
	ProductID string `json:"product_id,omitempty"`
	AddressID string `json:"address_id,omitempty"`
	Available *int   `json:"available,omitempty"`
	Requested *int   `json:"requested,omitempty"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalidAddress(addressID string) error {
	return &ValidationError{
		Code:      CodeInvalidAddress,
		Message:   fmt.Sprintf("address %s does not belong to the buyer", addressID),
		AddressID: addressID,
	}
}

func productNotFound(productID string) error {
	return &ValidationError{
		Code:      CodeProductNotFound,
		Message:   fmt.Sprintf("product %s not found", productID),
		ProductID: productID,
	}
}

func insufficientStock(productID, name string, available, requested int) error {
	return &ValidationError{
		Code:      CodeInsufficientStock,
		Message:   fmt.Sprintf("insufficient stock for %s: %d available, %d requested", name, available, requested),
		ProductID: productID,
		Available: &available,
		Requested: &requested,
	}
}

// UpstreamError wraps a failing payment, courier or mail provider.
type UpstreamError struct {
	Service string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

const (
	ServicePaymentGateway = "payment_gateway"
	ServiceCourier        = "courier"
	ServiceMailer         = "mailer"
)

// PaymentSessionCreationFailed is the checkout-time gateway failure. Orders
// created before it stay pending.
func PaymentSessionCreationFailed(err error) error {
	return &UpstreamError{Service: ServicePaymentGateway, Err: err}
}

// IntegrityViolation marks an inbound event that cannot be correlated to
// orders. It is acknowledged and never retried.
type IntegrityViolation struct {
	Reason string
}

func (e *IntegrityViolation) Error() string {
	return "integrity violation: " + e.Reason
}

var (
	// ErrConflictIgnored means a conditional write found its precondition
	// already false. It is the idempotent success path.
	ErrConflictIgnored  = errors.New("conditional write ignored")
	ErrInvalidSignature = errors.New("invalid signature")
)

func IsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	ok := errors.As(err, &v)
	return v, ok
}

func IsUpstream(err error) bool {
	var u *UpstreamError
	return errors.As(err, &u)
}

func IsIntegrityViolation(err error) bool {
	var iv *IntegrityViolation
	return errors.As(err, &iv)
}
