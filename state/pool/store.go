package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru/v2"

	pooltypes "tickpool/native/pool"
	"tickpool/native/pool/tick"
	"tickpool/storage"
)

var (
	nodePrefix       = []byte("pool/node/")
	positionPrefix   = []byte("pool/position/")
	redemptionPrefix = []byte("pool/redemption/")
	loanPrefix       = []byte("pool/loan/")
	feesKey          = []byte("pool/fees")
)

const defaultNodeCacheSize = 1024

// Store persists pool state as RLP records in a key-value database. Node
// reads are served from an LRU cache kept coherent by Apply.
type Store struct {
	db    storage.Database
	mu    sync.RWMutex
	nodes *lru.Cache[tick.Tick, *pooltypes.Node]
}

// NewStore wraps db. A non-positive cacheSize selects the default.
func NewStore(db storage.Database, cacheSize int) (*Store, error) {
	if db == nil {
		return nil, errors.New("pool store: database required")
	}
	if cacheSize <= 0 {
		cacheSize = defaultNodeCacheSize
	}
	cache, err := lru.New[tick.Tick, *pooltypes.Node](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, nodes: cache}, nil
}

func nodeKey(t tick.Tick) []byte {
	return append(append([]byte(nil), nodePrefix...), t[:]...)
}

func positionOwnerPrefix(owner common.Address) []byte {
	return append(append([]byte(nil), positionPrefix...), owner.Bytes()...)
}

func positionKey(owner common.Address, t tick.Tick) []byte {
	return append(positionOwnerPrefix(owner), t[:]...)
}

func redemptionKey(t tick.Tick, id uint64) []byte {
	key := append(append([]byte(nil), redemptionPrefix...), t[:]...)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], id)
	return append(key, seq[:]...)
}

func loanKey(hash common.Hash) []byte {
	return append(append([]byte(nil), loanPrefix...), hash.Bytes()...)
}

func (s *Store) load(key []byte, out interface{}) (bool, error) {
	data, err := s.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, fmt.Errorf("pool store: decode %q: %w", key, err)
	}
	return true, nil
}

// GetNode returns the node at t.
func (s *Store) GetNode(t tick.Tick) (*pooltypes.Node, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if node, ok := s.nodes.Get(t); ok {
		return node.Clone(), true, nil
	}
	node := new(pooltypes.Node)
	ok, err := s.load(nodeKey(t), node)
	if err != nil || !ok {
		return nil, false, err
	}
	s.nodes.Add(t, node)
	return node.Clone(), true, nil
}

// Nodes returns every node in ascending tick order.
func (s *Store) Nodes() ([]*pooltypes.Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var nodes []*pooltypes.Node
	err := s.db.Iterate(nodePrefix, func(_, value []byte) error {
		node := new(pooltypes.Node)
		if err := rlp.DecodeBytes(value, node); err != nil {
			return fmt.Errorf("pool store: decode node: %w", err)
		}
		nodes = append(nodes, node)
		return nil
	})
	return nodes, err
}

// GetPosition returns owner's shares at t.
func (s *Store) GetPosition(owner common.Address, t tick.Tick) (*pooltypes.Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos := new(pooltypes.Position)
	ok, err := s.load(positionKey(owner, t), pos)
	if err != nil || !ok {
		return nil, false, err
	}
	return pos, true, nil
}

// Positions lists owner's positions in ascending tick order.
func (s *Store) Positions(owner common.Address) ([]*pooltypes.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var positions []*pooltypes.Position
	err := s.db.Iterate(positionOwnerPrefix(owner), func(_, value []byte) error {
		pos := new(pooltypes.Position)
		if err := rlp.DecodeBytes(value, pos); err != nil {
			return fmt.Errorf("pool store: decode position: %w", err)
		}
		positions = append(positions, pos)
		return nil
	})
	return positions, err
}

// GetRedemption returns a redemption request.
func (s *Store) GetRedemption(t tick.Tick, id uint64) (*pooltypes.Redemption, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req := new(pooltypes.Redemption)
	ok, err := s.load(redemptionKey(t, id), req)
	if err != nil || !ok {
		return nil, false, err
	}
	return req, true, nil
}

// GetLoan returns the ledger record for hash.
func (s *Store) GetLoan(hash common.Hash) (*pooltypes.LoanRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := new(pooltypes.LoanRecord)
	ok, err := s.load(loanKey(hash), rec)
	if err != nil || !ok {
		return nil, false, err
	}
	return rec, true, nil
}

// GetFees returns the accrued fee totals.
func (s *Store) GetFees() (*pooltypes.Fees, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fees := new(pooltypes.Fees)
	ok, err := s.load(feesKey, fees)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (*pooltypes.Fees)(nil).Clone(), nil
	}
	return fees, nil
}

// Apply writes a change set, including the records of its writers, in one
// batch.
func (s *Store) Apply(cs *pooltypes.ChangeSet) error {
	if cs == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	put := func(key []byte, value interface{}) error {
		encoded, err := rlp.EncodeToBytes(value)
		if err != nil {
			return fmt.Errorf("pool store: encode %q: %w", key, err)
		}
		batch.Put(key, encoded)
		return nil
	}
	for _, node := range cs.Nodes {
		if err := put(nodeKey(node.Tick), node); err != nil {
			return err
		}
	}
	for _, pos := range cs.Positions {
		key := positionKey(pos.Owner, pos.Tick)
		if pos.Shares == nil || pos.Shares.Sign() == 0 {
			batch.Delete(key)
			continue
		}
		if err := put(key, pos); err != nil {
			return err
		}
	}
	for _, req := range cs.Redemptions {
		if err := put(redemptionKey(req.Tick, req.ID), req); err != nil {
			return err
		}
	}
	for _, key := range cs.DeletedRedemptions {
		batch.Delete(redemptionKey(key.Tick, key.ID))
	}
	for _, rec := range cs.Loans {
		if err := put(loanKey(rec.Hash), rec); err != nil {
			return err
		}
	}
	if cs.Fees != nil {
		if err := put(feesKey, cs.Fees); err != nil {
			return err
		}
	}
	for _, w := range cs.Writers {
		if err := w.WriteBatch(batch.Put); err != nil {
			return fmt.Errorf("pool store: %w", err)
		}
	}
	if err := batch.Write(); err != nil {
		s.nodes.Purge()
		return err
	}
	for _, node := range cs.Nodes {
		s.nodes.Add(node.Tick, node.Clone())
	}
	return nil
}
