package ledger

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidWallet     = errors.New("ledger: invalid wallet address")
	ErrInvalidDeployHash = errors.New("ledger: invalid deploy hash")
)

// accountHashRegex matches the account-hash form: account-hash-<64 hex>.
var accountHashRegex = regexp.MustCompile(`^account-hash-[0-9a-f]{64}$`)

// publicKeyRegex matches a hex-encoded public key with its algorithm tag
// prefix (01 = ed25519, 02 = secp256k1).
var publicKeyRegex = regexp.MustCompile(`^0(1[0-9a-f]{64}|2[0-9a-f]{66})$`)

// deployHashRegex matches a 64-char lowercase hex deploy hash.
var deployHashRegex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidWallet reports whether addr is an acceptable account identifier,
// either an account-hash or a tagged public key.
func ValidWallet(addr string) bool {
	addr = strings.ToLower(addr)
	return accountHashRegex.MatchString(addr) || publicKeyRegex.MatchString(addr)
}

// ParseWallet normalizes and validates a wallet address.
func ParseWallet(addr string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(addr))
	if !ValidWallet(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWallet, addr)
	}
	return normalized, nil
}

// ValidDeployHash reports whether h is a well-formed deploy hash.
func ValidDeployHash(h string) bool {
	return deployHashRegex.MatchString(strings.ToLower(h))
}

// ExplorerURL builds the block-explorer link for a deploy hash.
func ExplorerURL(base, deployHash string) string {
	if base == "" || deployHash == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + "/deploy/" + deployHash
}
