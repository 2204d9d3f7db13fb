package httpapi

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var weiPerEther = decimal.New(1, 18)

// weiFromDecimal converts an ether-denominated amount to wei, rejecting
// values finer than 1 wei.
func weiFromDecimal(d decimal.Decimal) (*big.Int, error) {
	wei := d.Mul(weiPerEther)
	if !wei.IsInteger() {
		return nil, fmt.Errorf("amount %s is finer than 1 wei", d)
	}
	return wei.BigInt(), nil
}

// etherString renders a wei amount as a decimal ether string for responses.
func etherString(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}
