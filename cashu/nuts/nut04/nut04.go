// Package nut04 contains structs as defined in [NUT-04]
//
// [NUT-04]: https://github.com/cashubtc/nuts/blob/main/04.md
package nut04

import (
	"encoding/json"
	"fmt"

	"github.com/nutshell-labs/nutcore/cashu"
)

// State is a mint quote's lifecycle position: UNPAID until the invoice is
// settled, PAID once settled and awaiting redemption, ISSUED once the
// wallet has redeemed it for signatures, EXPIRED past its quote expiry
// with no payment received.
type State int

const (
	Unpaid State = iota
	Paid
	Issued
	Expired
)

func (s State) String() string {
	switch s {
	case Unpaid:
		return "UNPAID"
	case Paid:
		return "PAID"
	case Issued:
		return "ISSUED"
	case Expired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	switch str {
	case "UNPAID":
		*s = Unpaid
	case "PAID":
		*s = Paid
	case "ISSUED":
		*s = Issued
	case "EXPIRED":
		*s = Expired
	default:
		return fmt.Errorf("invalid mint quote state '%v'", str)
	}
	return nil
}

type PostMintQuoteBolt11Request struct {
	Amount      uint64 `json:"amount"`
	Unit        string `json:"unit"`
	Description string `json:"description,omitempty"`
	// Pubkey locks issuance of the quote to a NUT-20 signature, optional.
	Pubkey string `json:"pubkey,omitempty"`
}

type PostMintQuoteBolt11Response struct {
	Quote   string `json:"quote"`
	Request string `json:"request"`
	State   State  `json:"state"`
	Expiry  int64  `json:"expiry"`
	// Pubkey echoes the NUT-20 locking key, if the quote was locked.
	Pubkey string `json:"pubkey,omitempty"`
}

type PostMintBolt11Request struct {
	Quote   string                `json:"quote"`
	Outputs cashu.BlindedMessages `json:"outputs"`
	// Signature is the NUT-20 signature over quote+outputs, required only
	// when the quote was requested with a locking Pubkey.
	Signature string `json:"signature,omitempty"`
}

type PostMintBolt11Response struct {
	Signatures cashu.BlindedSignatures `json:"signatures"`
}
