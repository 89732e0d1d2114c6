package auth

import (
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// ContextWallet is the gin context key holding the caller's wallet address.
const ContextWallet = "wallet_address"

// DefaultMessage is the text wallets sign to prove ownership of an address.
const DefaultMessage = "CHRONICLE auth"

// Options configures Middleware.
type Options struct {
	// Header carrying "Bearer <wallet>:<signature>". Defaults to Authorization.
	Header string
	// VerifySignatures requires <signature> to be an EIP-191 signature of
	// Message by <wallet>. When false the wallet is taken at its word.
	VerifySignatures bool
	Message          string
}

// Middleware resolves the caller identity and stores it under ContextWallet.
func Middleware(opts Options) gin.HandlerFunc {
	if opts.Header == "" {
		opts.Header = "Authorization"
	}
	if opts.Message == "" {
		opts.Message = DefaultMessage
	}
	return func(c *gin.Context) {
		wallet, sig, ok := ParseBearer(c.GetHeader(opts.Header))
		if !ok {
			unauthorized(c, "Missing or invalid authorization header")
			return
		}
		if !common.IsHexAddress(wallet) {
			unauthorized(c, "Authorization wallet is not an address")
			return
		}

		if opts.VerifySignatures {
			if err := VerifyIdentity(wallet, opts.Message, sig); err != nil {
				unauthorized(c, "invalid signature")
				return
			}
		}

		c.Set(ContextWallet, common.HexToAddress(wallet).Hex())
		c.Next()
	}
}

// ParseBearer splits "Bearer <wallet>:<signature>".
func ParseBearer(header string) (wallet, sig string, ok bool) {
	rest, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "AUTH_REQUIRED", "message": msg})
}
