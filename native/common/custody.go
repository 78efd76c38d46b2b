package common

import (
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

// Custodian moves currency balances and collateral ownership.
type Custodian interface {
	Transfer(from, to ethcommon.Address, amount *big.Int) error
	TransferCollateral(token ethcommon.Address, tokenID *big.Int, from, to ethcommon.Address) error
}

// StagedTransfers holds custody moves validated against a vault but not yet
// visible to it. WriteBatch adds their persistent form to a storage batch.
// Callers must finish with exactly one of Commit or Discard.
type StagedTransfers interface {
	Custodian
	WriteBatch(put func(key, value []byte)) error
	Commit()
	Discard()
}
