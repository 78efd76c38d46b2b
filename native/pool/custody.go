package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "tickpool/native/common"
)

// transfer is a currency or collateral move staged alongside the book.
// Collateral moves carry a token id.
type transfer struct {
	label    string
	from, to common.Address
	amount   *big.Int
	token    common.Address
	tokenID  *big.Int
}

func (t transfer) apply(c nativecommon.Custodian) error {
	if t.tokenID != nil {
		return c.TransferCollateral(t.token, t.tokenID, t.from, t.to)
	}
	return c.Transfer(t.from, t.to, t.amount)
}

func (b *book) pay(label string, from, to common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	b.transfers = append(b.transfers, transfer{label: label, from: from, to: to, amount: new(big.Int).Set(amount)})
}

func (b *book) moveCollateral(label string, token common.Address, tokenID *big.Int, from, to common.Address) {
	b.transfers = append(b.transfers, transfer{label: label, from: from, to: to, token: token, tokenID: new(big.Int).Set(tokenID)})
}

// requireCustody fails unless holder owns the collateral token.
func (e *Engine) requireCustody(token common.Address, tokenID *big.Int, holder common.Address) error {
	owner, err := e.vault.CollateralOwner(token, tokenID)
	if err != nil {
		return err
	}
	if owner != holder {
		return fmt.Errorf("%w: %s #%s held by %s", ErrCollateralCustody, token.Hex(), tokenID, owner.Hex())
	}
	return nil
}

// commit applies the staged book and its transfers. With a staging vault
// the transfers are written in the same batch as the change set; otherwise
// they run after the change set is applied.
func (e *Engine) commit(b *book) error {
	cs := b.changeSet()
	staging, ok := e.vault.(StagingVault)
	if !ok || len(b.transfers) == 0 {
		if !cs.Empty() {
			if err := e.state.Apply(cs); err != nil {
				return fmt.Errorf("pool: commit: %w", err)
			}
		}
		for _, t := range b.transfers {
			if err := t.apply(e.vault); err != nil {
				return e.interactionFailed(t.label, err)
			}
		}
		return nil
	}

	staged := staging.Begin()
	for _, t := range b.transfers {
		if err := t.apply(staged); err != nil {
			staged.Discard()
			return fmt.Errorf("pool: %s transfer: %w", t.label, err)
		}
	}
	cs.Writers = append(cs.Writers, staged)
	if err := e.state.Apply(cs); err != nil {
		staged.Discard()
		return fmt.Errorf("pool: commit: %w", err)
	}
	staged.Commit()
	return nil
}
