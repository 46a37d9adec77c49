package repositories

import "fmt"

// StockErrorCode enumerates repository error causes for stock mutations.
type StockErrorCode string

const (
	// StockErrorUnknown represents an unspecified failure.
	StockErrorUnknown StockErrorCode = "stock_unknown"
	// StockErrorProductNotFound indicates the product has no stock record to restore into.
	StockErrorProductNotFound StockErrorCode = "stock_product_not_found"
	// StockErrorInvalidQuantity indicates a zero or otherwise unusable delta.
	StockErrorInvalidQuantity StockErrorCode = "stock_invalid_quantity"
	// StockErrorUnavailable indicates the backing store could not be reached.
	StockErrorUnavailable StockErrorCode = "stock_unavailable"
)

// StockError wraps stock-specific failures with machine readable codes.
type StockError struct {
	Op      string
	Code    StockErrorCode
	Message string
	Err     error
}

var _ RepositoryError = (*StockError)(nil)

// Error implements the error interface.
func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound reports whether the product record is missing.
func (e *StockError) IsNotFound() bool {
	return e != nil && e.Code == StockErrorProductNotFound
}

// IsConflict is always false; stock mutations are increments and never collide.
func (e *StockError) IsConflict() bool {
	return false
}

// IsUnavailable reports whether the failure was a backend outage.
func (e *StockError) IsUnavailable() bool {
	return e != nil && e.Code == StockErrorUnavailable
}

// NewStockError constructs a typed stock error.
func NewStockError(op string, code StockErrorCode, message string, err error) *StockError {
	if message == "" {
		message = string(code)
	}
	return &StockError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
