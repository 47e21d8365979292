package types

import "math/big"

// Side is the direction of an exchange order.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Uint8 returns the on-chain encoding of the side (0 = BUY, 1 = SELL).
func (s Side) Uint8() uint8 {
	if s == SELL {
		return 1
	}
	return 0
}

// OrderType enumerates the supported order lifecycles. The execution
// bridge only submits immediate-or-cancel orders; resting orders are
// never left on the book.
type OrderType string

const (
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill: fill what crosses, cancel the rest
	OrderTypeGTC OrderType = "GTC"
)

// SignatureType identifies the signing scheme for the CTF exchange contract.
type SignatureType int

const (
	SigEOA        SignatureType = 0
	SigProxy      SignatureType = 1
	SigGnosisSafe SignatureType = 2
)

// TickSize is the price granularity for a market.
type TickSize string

const (
	Tick01    TickSize = "0.1"
	Tick001   TickSize = "0.01" // standard markets
	Tick0001  TickSize = "0.001"
	Tick00001 TickSize = "0.0001"
)

// AmountDecimals returns the rounding precision for USDC amounts at this
// tick size.
func (t TickSize) AmountDecimals() int {
	switch t {
	case Tick01:
		return 2
	case Tick001:
		return 3
	case Tick0001:
		return 4
	case Tick00001:
		return 5
	default:
		return 4
	}
}

// SignedOrder is the on-chain order format the CLOB API expects.
// MakerAmount and TakerAmount are in 6-decimal USDC units (1e6 = $1).
//
// For BUY:  maker gives MakerAmount USDC, receives TakerAmount tokens
// For SELL: maker gives MakerAmount tokens, receives TakerAmount USDC
type SignedOrder struct {
	Salt          string        `json:"salt"`
	Maker         string        `json:"maker"`  // funder/proxy wallet address
	Signer        string        `json:"signer"` // EOA that signs the order
	Taker         string        `json:"taker"`  // zero address = open order
	TokenID       string        `json:"tokenId"`
	MakerAmount   *big.Int      `json:"makerAmount"`
	TakerAmount   *big.Int      `json:"takerAmount"`
	Side          Side          `json:"side"`
	Expiration    string        `json:"expiration"`
	Nonce         string        `json:"nonce"`
	FeeRateBps    string        `json:"feeRateBps"`
	SignatureType SignatureType `json:"signatureType"`
	Signature     string        `json:"signature"` // EIP-712 signature hex
}

// OrderPayload is the REST request body for POST /order.
type OrderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"` // API key of the order owner
	OrderType OrderType   `json:"orderType"`
}

// OrderResponse is the REST response for a posted order. MakingAmount and
// TakingAmount report the matched portion in the order's own units: for a
// BUY, making is USDC spent and taking is shares received; for a SELL the
// roles swap.
type OrderResponse struct {
	Success      bool   `json:"success"`
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	Status       string `json:"status"` // "live", "matched", "delayed", ...
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
}

// BalanceAllowance is the CLOB read-API response for collateral or
// conditional balances. Values are 6-decimal integer strings.
type BalanceAllowance struct {
	Balance string `json:"balance"`
}

// TradeFill is one fill row from the trade-lookup endpoint, used to
// recover the real average fill price after a provisional report.
type TradeFill struct {
	ID    string `json:"id"`
	Price Flex   `json:"price"`
	Size  Flex   `json:"size"`
}
