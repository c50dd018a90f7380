// Package nut05 contains structs as defined in [NUT-05]
//
// [NUT-05]: https://github.com/cashubtc/nuts/blob/main/05.md
package nut05

import (
	"encoding/json"
	"fmt"

	"github.com/nutshell-labs/nutcore/cashu"
)

// State is a melt quote's lifecycle position: UNPAID before submission,
// PENDING while the mint's Lightning backend has an in-flight payment
// attempt, PAID once the invoice settled.
type State int

const (
	Unpaid State = iota
	Pending
	Paid
)

func (s State) String() string {
	switch s {
	case Unpaid:
		return "UNPAID"
	case Pending:
		return "PENDING"
	case Paid:
		return "PAID"
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
	case "PENDING":
		*s = Pending
	case "PAID":
		*s = Paid
	default:
		return fmt.Errorf("invalid melt quote state '%v'", str)
	}
	return nil
}

// MppOptions requests a partial payment of AmountMsat out of the invoice's
// total, for splitting one Lightning payment across multiple mints/melts.
type MppOptions struct {
	AmountMsat uint64 `json:"amount,omitempty"`
}

// AmountlessOptions supplies the amount for a bolt11 invoice that itself
// carries no amount.
type AmountlessOptions struct {
	AmountMsat uint64 `json:"amount_msat,omitempty"`
}

// MeltOptions carries NUT-15/NUT-23-style per-request options. Mpp and
// Amountless are mutually exclusive: combining a partial payment with an
// amountless invoice has no defined mint-side semantics, so the wallet-side
// client rejects the combination rather than guessing at a resolution.
type MeltOptions struct {
	Mpp        *MppOptions        `json:"mpp,omitempty"`
	Amountless *AmountlessOptions `json:"amountless,omitempty"`
}

// Valid rejects a MeltOptions combining Mpp and Amountless, which has no
// defined mint-side semantics.
func (o *MeltOptions) Valid() error {
	if o == nil {
		return nil
	}
	if o.Mpp != nil && o.Amountless != nil {
		return fmt.Errorf("melt options cannot combine mpp and amountless")
	}
	return nil
}

type PostMeltQuoteBolt11Request struct {
	Request string       `json:"request"`
	Unit    string       `json:"unit"`
	Options *MeltOptions `json:"options,omitempty"`
}

type PostMeltQuoteBolt11Response struct {
	Quote           string `json:"quote"`
	Amount          uint64 `json:"amount"`
	FeeReserve      uint64 `json:"fee_reserve"`
	State           State  `json:"state"`
	Expiry          int64  `json:"expiry"`
	PaymentPreimage string `json:"payment_preimage,omitempty"`
}

type PostMeltBolt11Request struct {
	Quote  string       `json:"quote"`
	Inputs cashu.Proofs `json:"inputs"`
	// Outputs are blank blinded messages the mint may sign change into when
	// the inputs overshoot amount+fee_reserve.
	Outputs cashu.BlindedMessages `json:"outputs,omitempty"`
}

type PostMeltBolt11Response struct {
	State           State                   `json:"state"`
	PaymentPreimage string                  `json:"payment_preimage,omitempty"`
	Change          cashu.BlindedSignatures `json:"change,omitempty"`
}
