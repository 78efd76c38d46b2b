package pool

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"tickpool/native/pool/tick"
)

// deposit credits amount to the node at t and mints shares at the current
// share price. The first depositor of a node receives shares 1:1.
func (b *book) deposit(owner common.Address, t tick.Tick, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	node, err := b.nodeOrCreate(t)
	if err != nil {
		return nil, err
	}
	var shares *big.Int
	switch {
	case node.Shares.Sign() == 0:
		shares = new(big.Int).Set(amount)
	case node.Deposited.Sign() == 0:
		return nil, ErrInsolventNode
	default:
		shares = mulDiv(amount, node.Shares, node.Deposited)
		if shares.Sign() == 0 {
			return nil, fmt.Errorf("%w: deposit mints no shares", ErrInvalidAmount)
		}
	}
	node.Deposited.Add(node.Deposited, amount)
	node.Shares.Add(node.Shares, shares)

	pos, err := b.position(owner, t)
	if err != nil {
		return nil, err
	}
	pos.Shares.Add(pos.Shares, shares)

	if err := b.processAvailable(t); err != nil {
		return nil, err
	}
	return shares, nil
}

// redeem moves shares from the owner's position into a new FIFO request and
// fulfils as much of the queue as available liquidity permits.
func (b *book) redeem(owner common.Address, t tick.Tick, shares *big.Int) (*Redemption, error) {
	if shares == nil || shares.Sign() <= 0 {
		return nil, ErrInvalidShares
	}
	node, ok, err := b.node(t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInvalidShares
	}
	pos, err := b.position(owner, t)
	if err != nil {
		return nil, err
	}
	if pos.Shares.Cmp(shares) < 0 {
		return nil, ErrInvalidShares
	}
	pos.Shares.Sub(pos.Shares, shares)

	req := &Redemption{
		ID:              node.QueueTail,
		Owner:           owner,
		Tick:            t,
		SharesRequested: new(big.Int).Set(shares),
		PendingShares:   new(big.Int).Set(shares),
		Fulfilled:       big.NewInt(0),
		Withdrawn:       big.NewInt(0),
	}
	node.QueueTail++
	b.putRedemption(req)

	if err := b.processAvailable(t); err != nil {
		return nil, err
	}
	return req, nil
}

// withdraw releases the fulfilled but unwithdrawn amount of a request. Fully
// settled requests are removed.
func (b *book) withdraw(owner common.Address, t tick.Tick, id uint64) (*Redemption, *big.Int, error) {
	req, ok, err := b.redemption(t, id)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, ErrInvalidRedemption
	}
	if req.Owner != owner {
		return nil, nil, ErrUnauthorized
	}
	amount := req.Withdrawable()
	req.Withdrawn = new(big.Int).Set(req.Fulfilled)
	if req.Done() {
		b.deleteRedemption(req.Key())
	}
	return req, amount, nil
}

// processAvailable serves queued redemptions in order from the node's
// available liquidity. Pending shares are priced at fulfilment, and a
// partial fill burns shares rounded up so remaining holders are not diluted.
func (b *book) processAvailable(t tick.Tick) error {
	node, ok, err := b.node(t)
	if err != nil || !ok {
		return err
	}
	for node.QueueHead < node.QueueTail {
		available := node.Available()
		if available.Sign() <= 0 {
			return nil
		}
		req, ok, err := b.redemption(t, node.QueueHead)
		if err != nil {
			return err
		}
		if !ok || req.Done() {
			node.QueueHead++
			continue
		}
		if node.Shares.Sign() == 0 {
			return nil
		}
		value := mulDiv(req.PendingShares, node.Deposited, node.Shares)
		var amount, burned *big.Int
		if value.Cmp(available) <= 0 {
			amount = value
			burned = new(big.Int).Set(req.PendingShares)
		} else {
			amount = available
			burned = ceilDiv(new(big.Int).Mul(amount, node.Shares), node.Deposited)
			if burned.Cmp(req.PendingShares) > 0 {
				burned.Set(req.PendingShares)
			}
		}
		node.Deposited.Sub(node.Deposited, amount)
		node.Shares.Sub(node.Shares, burned)
		req.PendingShares.Sub(req.PendingShares, burned)
		req.Fulfilled.Add(req.Fulfilled, amount)
		if req.Done() {
			node.QueueHead++
		}
	}
	return nil
}

// redemptionValue estimates what shares would fetch at the current price.
func redemptionValue(node *Node, shares *big.Int) *big.Int {
	if node == nil || node.Shares.Sign() == 0 {
		return big.NewInt(0)
	}
	return mulDiv(shares, node.Deposited, node.Shares)
}

func mulDiv(a, b, c *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, c)
}

func ceilDiv(a, b *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(a, b, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
