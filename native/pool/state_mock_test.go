package pool

import (
	"errors"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"tickpool/native/pool/tick"
)

type mockState struct {
	nodes       map[tick.Tick]*Node
	positions   map[positionKey]*Position
	redemptions map[RedemptionKey]*Redemption
	loans       map[common.Hash]*LoanRecord
	fees        *Fees
	applyErr    error
	applies     int
	batchWrites int
}

func newMockState() *mockState {
	return &mockState{
		nodes:       make(map[tick.Tick]*Node),
		positions:   make(map[positionKey]*Position),
		redemptions: make(map[RedemptionKey]*Redemption),
		loans:       make(map[common.Hash]*LoanRecord),
	}
}

func (m *mockState) GetNode(t tick.Tick) (*Node, bool, error) {
	node, ok := m.nodes[t]
	if !ok {
		return nil, false, nil
	}
	return node.Clone(), true, nil
}

func (m *mockState) Nodes() ([]*Node, error) {
	out := make([]*Node, 0, len(m.nodes))
	for _, node := range m.nodes {
		out = append(out, node.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tick.Cmp(out[j].Tick) < 0 })
	return out, nil
}

func (m *mockState) GetPosition(owner common.Address, t tick.Tick) (*Position, bool, error) {
	pos, ok := m.positions[positionKey{owner: owner, tick: t}]
	if !ok {
		return nil, false, nil
	}
	return pos.Clone(), true, nil
}

func (m *mockState) Positions(owner common.Address) ([]*Position, error) {
	var out []*Position
	for key, pos := range m.positions {
		if key.owner == owner {
			out = append(out, pos.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tick.Cmp(out[j].Tick) < 0 })
	return out, nil
}

func (m *mockState) GetRedemption(t tick.Tick, id uint64) (*Redemption, bool, error) {
	req, ok := m.redemptions[RedemptionKey{Tick: t, ID: id}]
	if !ok {
		return nil, false, nil
	}
	return req.Clone(), true, nil
}

func (m *mockState) GetLoan(hash common.Hash) (*LoanRecord, bool, error) {
	rec, ok := m.loans[hash]
	if !ok {
		return nil, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *mockState) GetFees() (*Fees, error) {
	return m.fees.Clone(), nil
}

func (m *mockState) Apply(cs *ChangeSet) error {
	if m.applyErr != nil {
		return m.applyErr
	}
	if cs == nil {
		return errors.New("nil change set")
	}
	for _, w := range cs.Writers {
		if err := w.WriteBatch(func(_, _ []byte) { m.batchWrites++ }); err != nil {
			return err
		}
	}
	m.applies++
	for _, node := range cs.Nodes {
		m.nodes[node.Tick] = node.Clone()
	}
	for _, pos := range cs.Positions {
		key := positionKey{owner: pos.Owner, tick: pos.Tick}
		if pos.Shares.Sign() == 0 {
			delete(m.positions, key)
			continue
		}
		m.positions[key] = pos.Clone()
	}
	for _, req := range cs.Redemptions {
		m.redemptions[req.Key()] = req.Clone()
	}
	for _, key := range cs.DeletedRedemptions {
		delete(m.redemptions, key)
	}
	for _, rec := range cs.Loans {
		m.loans[rec.Hash] = rec.Clone()
	}
	if cs.Fees != nil {
		m.fees = cs.Fees.Clone()
	}
	return nil
}
