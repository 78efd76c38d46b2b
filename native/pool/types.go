package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"tickpool/native/pool/receipt"
	"tickpool/native/pool/tick"
)

// Node is the liquidity state of one tick. Redemption requests are addressed
// by sequence number; QueueHead is the oldest unfinished request and
// QueueTail the next id to assign.
type Node struct {
	Tick      tick.Tick
	Deposited *big.Int
	Used      *big.Int
	Shares    *big.Int
	QueueHead uint64
	QueueTail uint64
}

func newNode(t tick.Tick) *Node {
	return &Node{Tick: t, Deposited: big.NewInt(0), Used: big.NewInt(0), Shares: big.NewInt(0)}
}

// Available returns the liquidity not lent out.
func (n *Node) Available() *big.Int {
	if n == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(n.Deposited, n.Used)
}

// PendingRedemptions reports whether the node has queued requests.
func (n *Node) PendingRedemptions() bool {
	return n != nil && n.QueueHead < n.QueueTail
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	clone := *n
	clone.Deposited = cloneBig(n.Deposited)
	clone.Used = cloneBig(n.Used)
	clone.Shares = cloneBig(n.Shares)
	return &clone
}

// Position is a depositor's share balance at one tick.
type Position struct {
	Owner  common.Address
	Tick   tick.Tick
	Shares *big.Int
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Shares = cloneBig(p.Shares)
	return &clone
}

// RedemptionKey addresses a redemption request.
type RedemptionKey struct {
	Tick tick.Tick
	ID   uint64
}

// Redemption is a queued request to convert shares back into currency.
type Redemption struct {
	ID              uint64
	Owner           common.Address
	Tick            tick.Tick
	SharesRequested *big.Int
	PendingShares   *big.Int
	Fulfilled       *big.Int
	Withdrawn       *big.Int
}

// Key returns the storage key of the request.
func (r *Redemption) Key() RedemptionKey {
	return RedemptionKey{Tick: r.Tick, ID: r.ID}
}

// Withdrawable returns the fulfilled amount not yet withdrawn.
func (r *Redemption) Withdrawable() *big.Int {
	if r == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Sub(r.Fulfilled, r.Withdrawn)
}

// Done reports whether every requested share has been burned.
func (r *Redemption) Done() bool {
	return r != nil && r.PendingShares.Sign() == 0
}

// Clone returns a deep copy of the request.
func (r *Redemption) Clone() *Redemption {
	if r == nil {
		return nil
	}
	clone := *r
	clone.SharesRequested = cloneBig(r.SharesRequested)
	clone.PendingShares = cloneBig(r.PendingShares)
	clone.Fulfilled = cloneBig(r.Fulfilled)
	clone.Withdrawn = cloneBig(r.Withdrawn)
	return &clone
}

// LoanStatus is the lifecycle state recorded against a receipt hash.
type LoanStatus uint8

const (
	LoanUncreated LoanStatus = iota
	LoanActive
	LoanRepaid
	LoanLiquidated
	LoanCollateralLiquidated
)

func (s LoanStatus) String() string {
	switch s {
	case LoanUncreated:
		return "uncreated"
	case LoanActive:
		return "active"
	case LoanRepaid:
		return "repaid"
	case LoanLiquidated:
		return "liquidated"
	case LoanCollateralLiquidated:
		return "collateral_liquidated"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// LoanRecord is everything the pool stores about a loan. The receipt itself
// is held by the borrower.
type LoanRecord struct {
	Hash      common.Hash
	Status    LoanStatus
	Borrower  common.Address
	Maturity  uint64
	UpdatedAt uint64
}

// Clone returns a copy of the record.
func (r *LoanRecord) Clone() *LoanRecord {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}

// Fees tracks the flat admin fee withheld from interest.
type Fees struct {
	Admin *big.Int
}

// Clone returns a deep copy of the fee totals.
func (f *Fees) Clone() *Fees {
	if f == nil {
		return &Fees{Admin: big.NewInt(0)}
	}
	return &Fees{Admin: cloneBig(f.Admin)}
}

// Collateral references the asset pledged for a loan.
type Collateral struct {
	Token          common.Address
	TokenID        *big.Int
	WrapperContext []byte
}

// BorrowRequest carries the terms of a new loan. Ticks must be strictly
// increasing by resolved limit.
type BorrowRequest struct {
	Principal    *big.Int
	Duration     uint64
	Collateral   Collateral
	MaxRepayment *big.Int
	Ticks        []tick.Tick
}

// RefinanceRequest carries the replacement terms for an active loan.
type RefinanceRequest struct {
	Receipt      []byte
	Principal    *big.Int
	Duration     uint64
	MaxRepayment *big.Int
	Ticks        []tick.Tick
}

// Loan is the result of originating a loan.
type Loan struct {
	Receipt *receipt.LoanReceipt
	Encoded []byte
	Hash    common.Hash
}

// Refinancing is the result of a refinance: the replacement loan plus the
// net principal transfer (positive pays the borrower).
type Refinancing struct {
	Loan    *Loan
	OldHash common.Hash
	Net     *big.Int
}

// Settlement summarises how liquidation proceeds were applied.
type Settlement struct {
	Hash      common.Hash
	Proceeds  *big.Int
	Recovered []*big.Int
	Surplus   *big.Int
	Loss      *big.Int
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
