package wallet

import "errors"

// Wallet errors. Callers match them with errors.Is; call sites wrap them
// with the offending value.
var (
	// ErrInvalidArgument reports malformed input: a bad address, key length,
	// denomination or payment code.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInsufficientFunds is returned when the available outputs cannot
	// cover the requested value plus fee.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrInvalidUTXO is returned when a selection candidate lacks an owner
	// address or carries a denomination outside the table.
	ErrInvalidUTXO = errors.New("invalid utxo")
	// ErrMissingKey is returned when the wallet cannot produce the private
	// key for a required signer.
	ErrMissingKey = errors.New("missing private key")
	// ErrAddressNotOwned is returned when spending from an address the
	// wallet does not control.
	ErrAddressNotOwned = errors.New("address not owned by wallet")
	// ErrGapLimitExceeded marks a discovery branch that stopped after the
	// gap limit. It is informational.
	ErrGapLimitExceeded = errors.New("gap limit reached")
	// ErrNothingToAggregate is returned when consolidation would not reduce
	// the number of outputs.
	ErrNothingToAggregate = errors.New("nothing to aggregate")
	// ErrNoUTXOs is returned when a zone holds no eligible outputs.
	ErrNoUTXOs = errors.New("no UTXOs available")
	// ErrWalletLocked is returned for operations that need key material
	// after the wallet was locked.
	ErrWalletLocked = errors.New("wallet is locked")
)
