// Package validation checks settlement API inputs.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

// MaxMessageLength bounds the trade offer message shown to the buyer.
const MaxMessageLength = 128

// SteamID64Base is the first individual-account SteamID64.
const SteamID64Base uint64 = 76561197960265728

var (
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	assetIDRegex    = regexp.MustCompile(`^[0-9]{1,20}$`)
	tradeTokenRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{6,16}$`)
	settlementRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsSteamID64 reports whether s is a 17-digit individual SteamID64.
func IsSteamID64(s string) bool {
	if len(s) != 17 {
		return false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return err == nil && n >= SteamID64Base
}

// IsAssetID reports whether s looks like a Steam asset id.
func IsAssetID(s string) bool {
	return assetIDRegex.MatchString(s)
}

// IsSettlementID reports whether s is usable as a settlement id. Colons are
// excluded since ids are embedded in signed receipt messages.
func IsSettlementID(s string) bool {
	return settlementRegex.MatchString(s)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// SanitizeAddress normalizes an Ethereum address
func SanitizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and collects their errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidIdentity accepts a SteamID64 or a linked wallet address.
func ValidIdentity(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsSteamID64(value) && !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a SteamID64 or a wallet address (0x...)"}
		}
		return nil
	}
}

// ValidSteamID requires a SteamID64.
func ValidSteamID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsSteamID64(value) {
			return &ValidationError{Field: field, Message: "must be a 17-digit SteamID64"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// ValidAssetID checks the Steam asset id format.
func ValidAssetID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsAssetID(value) {
			return &ValidationError{Field: field, Message: "must be a numeric asset id"}
		}
		return nil
	}
}

// ValidSettlementID checks the settlement id charset.
func ValidSettlementID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsSettlementID(value) {
			return &ValidationError{Field: field, Message: "may contain only letters, digits, '-' and '_' (max 64)"}
		}
		return nil
	}
}

// ValidTradeToken checks the partner trade-offer access token.
func ValidTradeToken(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !tradeTokenRegex.MatchString(value) {
			return &ValidationError{Field: field, Message: "invalid trade token"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// IdentityParamMiddleware rejects malformed :identity URL parameters early.
func IdentityParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("identity")
		if id != "" && !IsSteamID64(id) && !IsValidEthAddress(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_identity",
				"message": "identity must be a SteamID64 or a wallet address",
			})
			return
		}
		c.Next()
	}
}
