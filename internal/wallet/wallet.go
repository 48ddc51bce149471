// Package wallet validates KOL payout addresses.
package wallet

import (
	"x402-engine/internal/x402err"

	"github.com/ethereum/go-ethereum/common"
)

// Normalize checks that s is a 20-byte hex address and returns its EIP-55
// checksummed form, so one wallet always maps to one key.
func Normalize(field, s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", x402err.Validation(field, "must be a 0x-prefixed 20-byte hex address")
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return "", x402err.Validation(field, "zero address is not a valid payout wallet")
	}
	return addr.Hex(), nil
}
