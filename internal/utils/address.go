package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var evmAddressPattern = regexp.MustCompile("^0x[0-9a-fA-F]{40}$")

// IsEvmAddress checks for a 0x-prefixed 20-byte hex address
func IsEvmAddress(address string) bool {
	return evmAddressPattern.MatchString(address)
}

// NormalizeAddress lowercases an EVM address; balances, sessions and
// session keys are keyed by this form.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ParseAddress validates and normalizes an EVM address.
func ParseAddress(address string) (common.Address, string, error) {
	trimmed := strings.TrimSpace(address)
	if !IsEvmAddress(trimmed) {
		return common.Address{}, "", fmt.Errorf("invalid address %q", address)
	}
	return common.HexToAddress(trimmed), strings.ToLower(trimmed), nil
}

// SameAddress compares two addresses case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
