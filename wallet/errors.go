package wallet

import (
	"errors"

	"github.com/nutshell-labs/nutcore/cashu"
)

// Errors surfaced directly by the wallet facade. ErrInsufficientFunds and
// ErrNoSpendableProofs are aliased from package cashu so callers that only
// import wallet don't need a second import to compare against
// cashu.SelectProofs' own error values.
var (
	ErrInsufficientFunds  = cashu.ErrInsufficientFunds
	ErrNoSpendableProofs  = cashu.ErrNoSpendableProofs
	ErrIllegalTransaction = errors.New("another transaction is already in progress")
)
