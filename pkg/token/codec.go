// Package token encodes ERC-20 call data for the HealthCoin stablecoin.
package token

import (
	"encoding/hex"
	"errors"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// HealthCoin is pegged to USDC on Polygon Amoy.
const (
	DefaultContract = "0x41e94eb019c0762f9bfcf9fb1e58725bab9e7c0a"
	DefaultDecimals = 6
)

// ERC-20 function selectors.
var (
	transferSelector  = [4]byte{0xa9, 0x05, 0x9c, 0xbb}
	balanceOfSelector = [4]byte{0x70, 0xa0, 0x82, 0x31}
)

var (
	ErrInvalidAddress = errors.New("token: invalid address")
	ErrInvalidAmount  = errors.New("token: invalid amount")
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether s is a well-formed 20-byte hex address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// ParseAddress decodes a 0x-prefixed 40-hex-digit address.
func ParseAddress(s string) ([20]byte, error) {
	var addr [20]byte
	if !ValidAddress(s) {
		return addr, ErrInvalidAddress
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return addr, ErrInvalidAddress
	}
	copy(addr[:], b)
	return addr, nil
}

// EncodedTransfer is the call data for a single transfer attempt. It is
// constructed fresh per payment and discarded after submission.
type EncodedTransfer struct {
	Recipient   [20]byte
	AmountUnits *big.Int // smallest token units
}

// EncodeTransfer converts a decimal currency amount into the fixed-point
// representation the token contract expects. The multiply is done in decimal
// arithmetic; a float multiply here can drop or invent base units.
func EncodeTransfer(recipient string, amount decimal.Decimal, tokenDecimals int32) (EncodedTransfer, error) {
	addr, err := ParseAddress(recipient)
	if err != nil {
		return EncodedTransfer{}, err
	}
	if amount.IsNegative() {
		return EncodedTransfer{}, ErrInvalidAmount
	}

	units := amount.Shift(tokenDecimals).Round(0).BigInt()
	if units.BitLen() > 256 {
		return EncodedTransfer{}, ErrInvalidAmount
	}

	return EncodedTransfer{Recipient: addr, AmountUnits: units}, nil
}

// Payload returns the raw transfer call data: the 4-byte selector, the
// recipient left-padded to 32 bytes, and the amount as a 32-byte big-endian
// unsigned integer. Always exactly 68 bytes.
func (t EncodedTransfer) Payload() []byte {
	buf := make([]byte, 4+32+32)
	copy(buf[0:4], transferSelector[:])
	copy(buf[4+12:4+32], t.Recipient[:])
	if t.AmountUnits != nil {
		t.AmountUnits.FillBytes(buf[4+32 : 4+64])
	}
	return buf
}

// CallData returns the payload as a 0x-prefixed hex string for
// eth_sendTransaction.
func (t EncodedTransfer) CallData() string {
	return "0x" + hex.EncodeToString(t.Payload())
}

// BalanceOfCallData builds the eth_call data for balanceOf(address).
func BalanceOfCallData(address string) (string, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return "", err
	}
	buf := make([]byte, 4+32)
	copy(buf[0:4], balanceOfSelector[:])
	copy(buf[4+12:], addr[:])
	return "0x" + hex.EncodeToString(buf), nil
}

// UnitsToAmount converts smallest token units back to a decimal amount.
func UnitsToAmount(units *big.Int, tokenDecimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, -tokenDecimals)
}

// ParseHexQuantity decodes a JSON-RPC hex quantity ("0x...") into an integer.
func ParseHexQuantity(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" {
		return nil, errors.New("token: empty hex quantity")
	}
	n, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, errors.New("token: malformed hex quantity")
	}
	return n, nil
}
