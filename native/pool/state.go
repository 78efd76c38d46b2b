package pool

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"tickpool/native/pool/tick"
)

type engineState interface {
	GetNode(t tick.Tick) (*Node, bool, error)
	Nodes() ([]*Node, error)
	GetPosition(owner common.Address, t tick.Tick) (*Position, bool, error)
	Positions(owner common.Address) ([]*Position, error)
	GetRedemption(t tick.Tick, id uint64) (*Redemption, bool, error)
	GetLoan(hash common.Hash) (*LoanRecord, bool, error)
	GetFees() (*Fees, error)
	Apply(cs *ChangeSet) error
}

// ChangeSet is the full set of writes produced by one operation. Stores must
// apply it atomically. Positions with zero shares are deleted.
type ChangeSet struct {
	Nodes              []*Node
	Positions          []*Position
	Redemptions        []*Redemption
	DeletedRedemptions []RedemptionKey
	Loans              []*LoanRecord
	Fees               *Fees
	// Writers add records owned by other modules to the same batch.
	Writers            []BatchWriter
}

// BatchWriter contributes extra writes to the batch applying a change set.
type BatchWriter interface {
	WriteBatch(put func(key, value []byte)) error
}

// Empty reports whether the change set carries no writes.
func (cs *ChangeSet) Empty() bool {
	return cs == nil || (len(cs.Nodes) == 0 && len(cs.Positions) == 0 && len(cs.Redemptions) == 0 &&
		len(cs.DeletedRedemptions) == 0 && len(cs.Loans) == 0 && cs.Fees == nil && len(cs.Writers) == 0)
}

type positionKey struct {
	owner common.Address
	tick  tick.Tick
}

// book stages writes over the committed state. Records are cloned on first
// write access, so discarding the book leaves the state untouched.
type book struct {
	state       engineState
	nodes       map[tick.Tick]*Node
	positions   map[positionKey]*Position
	redemptions map[RedemptionKey]*Redemption
	deleted     map[RedemptionKey]struct{}
	loans       map[common.Hash]*LoanRecord
	fees        *Fees
	transfers   []transfer
}

func newBook(state engineState) *book {
	return &book{
		state:       state,
		nodes:       make(map[tick.Tick]*Node),
		positions:   make(map[positionKey]*Position),
		redemptions: make(map[RedemptionKey]*Redemption),
		deleted:     make(map[RedemptionKey]struct{}),
		loans:       make(map[common.Hash]*LoanRecord),
	}
}

// peek returns the current node without staging it. Callers must not
// mutate the result.
func (b *book) peek(t tick.Tick) (*Node, bool, error) {
	if node, ok := b.nodes[t]; ok {
		return node, true, nil
	}
	return b.state.GetNode(t)
}

func (b *book) node(t tick.Tick) (*Node, bool, error) {
	if node, ok := b.nodes[t]; ok {
		return node, true, nil
	}
	stored, ok, err := b.state.GetNode(t)
	if err != nil || !ok {
		return nil, false, err
	}
	node := stored.Clone()
	b.nodes[t] = node
	return node, true, nil
}

func (b *book) nodeOrCreate(t tick.Tick) (*Node, error) {
	node, ok, err := b.node(t)
	if err != nil {
		return nil, err
	}
	if !ok {
		node = newNode(t)
		b.nodes[t] = node
	}
	return node, nil
}

func (b *book) position(owner common.Address, t tick.Tick) (*Position, error) {
	key := positionKey{owner: owner, tick: t}
	if pos, ok := b.positions[key]; ok {
		return pos, nil
	}
	stored, ok, err := b.state.GetPosition(owner, t)
	if err != nil {
		return nil, err
	}
	var pos *Position
	if ok {
		pos = stored.Clone()
	} else {
		pos = &Position{Owner: owner, Tick: t, Shares: cloneBig(nil)}
	}
	b.positions[key] = pos
	return pos, nil
}

func (b *book) redemption(t tick.Tick, id uint64) (*Redemption, bool, error) {
	key := RedemptionKey{Tick: t, ID: id}
	if _, gone := b.deleted[key]; gone {
		return nil, false, nil
	}
	if req, ok := b.redemptions[key]; ok {
		return req, true, nil
	}
	stored, ok, err := b.state.GetRedemption(t, id)
	if err != nil || !ok {
		return nil, false, err
	}
	req := stored.Clone()
	b.redemptions[key] = req
	return req, true, nil
}

func (b *book) putRedemption(req *Redemption) {
	key := req.Key()
	delete(b.deleted, key)
	b.redemptions[key] = req
}

func (b *book) deleteRedemption(key RedemptionKey) {
	delete(b.redemptions, key)
	b.deleted[key] = struct{}{}
}

func (b *book) loan(hash common.Hash) (*LoanRecord, bool, error) {
	if rec, ok := b.loans[hash]; ok {
		return rec, true, nil
	}
	stored, ok, err := b.state.GetLoan(hash)
	if err != nil || !ok {
		return nil, false, err
	}
	rec := stored.Clone()
	b.loans[hash] = rec
	return rec, true, nil
}

func (b *book) putLoan(rec *LoanRecord) {
	b.loans[rec.Hash] = rec
}

func (b *book) adminFees() (*Fees, error) {
	if b.fees != nil {
		return b.fees, nil
	}
	stored, err := b.state.GetFees()
	if err != nil {
		return nil, err
	}
	b.fees = stored.Clone()
	return b.fees, nil
}

// changeSet collects the staged writes in a deterministic order.
func (b *book) changeSet() *ChangeSet {
	cs := &ChangeSet{Fees: b.fees}
	for _, node := range b.nodes {
		cs.Nodes = append(cs.Nodes, node)
	}
	sort.Slice(cs.Nodes, func(i, j int) bool { return cs.Nodes[i].Tick.Cmp(cs.Nodes[j].Tick) < 0 })
	for _, pos := range b.positions {
		cs.Positions = append(cs.Positions, pos)
	}
	sort.Slice(cs.Positions, func(i, j int) bool {
		if c := cs.Positions[i].Tick.Cmp(cs.Positions[j].Tick); c != 0 {
			return c < 0
		}
		return cs.Positions[i].Owner.Cmp(cs.Positions[j].Owner) < 0
	})
	for _, req := range b.redemptions {
		cs.Redemptions = append(cs.Redemptions, req)
	}
	sort.Slice(cs.Redemptions, func(i, j int) bool { return redemptionLess(cs.Redemptions[i].Key(), cs.Redemptions[j].Key()) })
	for key := range b.deleted {
		cs.DeletedRedemptions = append(cs.DeletedRedemptions, key)
	}
	sort.Slice(cs.DeletedRedemptions, func(i, j int) bool { return redemptionLess(cs.DeletedRedemptions[i], cs.DeletedRedemptions[j]) })
	for _, rec := range b.loans {
		cs.Loans = append(cs.Loans, rec)
	}
	sort.Slice(cs.Loans, func(i, j int) bool { return cs.Loans[i].Hash.Cmp(cs.Loans[j].Hash) < 0 })
	return cs
}

func redemptionLess(a, b RedemptionKey) bool {
	if c := a.Tick.Cmp(b.Tick); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}
