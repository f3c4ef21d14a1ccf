// Package validation provides input validation helpers and middleware for the swapdesk API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxBundleSize caps how many assets one side of a swap may propose.
const MaxBundleSize = 50

var (
	// ethAddressRegex validates Ethereum addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// tokenIDRegex validates decimal token IDs (uint256 range is enforced on-chain)
	tokenIDRegex = regexp.MustCompile(`^[0-9]+$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware validates the :address URL parameter on routes that use it.
// Apply to route groups that include :address params to reject malformed addresses early.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.Param("address")
		if addr != "" && !IsValidEthAddress(addr) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidTokenID checks if a string is a decimal token ID
func IsValidTokenID(id string) bool {
	return id != "" && len(id) <= 78 && tokenIDRegex.MatchString(id)
}

// SanitizeAddress normalizes an Ethereum address to lowercase 0x form.
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// FieldError represents a single field validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is a collection of field validation failures.
type FieldErrors []FieldError

// Error implements the error interface
func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs the given validators and collects failures.
func Validate(validators ...func() *FieldError) FieldErrors {
	var errs FieldErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *FieldError {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &FieldError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidTokenID checks if a field is a decimal token ID.
func ValidTokenID(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if !IsValidTokenID(value) {
			return &FieldError{Field: field, Message: "must be a decimal token id"}
		}
		return nil
	}
}

// PositiveChainID checks a chain id field.
func PositiveChainID(field string, value int64) func() *FieldError {
	return func() *FieldError {
		if value <= 0 {
			return &FieldError{Field: field, Message: "must be a positive chain id"}
		}
		return nil
	}
}
