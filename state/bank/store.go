package bank

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	nativebank "tickpool/native/bank"
	"tickpool/storage"
)

var (
	balancePrefix = []byte("bank/balance/")
	custodyPrefix = []byte("bank/custody/")
	genesisKey    = []byte("bank/genesis")
)

// Store persists vault balances and collateral custody as RLP records. It
// shares its database with the pool state so both can land in one batch.
type Store struct {
	db storage.Database
}

// NewStore wraps db.
func NewStore(db storage.Database) (*Store, error) {
	if db == nil {
		return nil, errors.New("bank store: database required")
	}
	return &Store{db: db}, nil
}

type balanceRecord struct {
	Account common.Address
	Amount  *big.Int
}

type custodyRecord struct {
	Token   common.Address
	TokenID *big.Int
	Owner   common.Address
}

func balanceKey(account common.Address) []byte {
	return append(append([]byte(nil), balancePrefix...), account.Bytes()...)
}

func custodyKey(token common.Address, tokenID *big.Int) []byte {
	key := append(append([]byte(nil), custodyPrefix...), token.Bytes()...)
	return append(key, common.BigToHash(tokenID).Bytes()...)
}

// Load reads every balance and custody record.
func (s *Store) Load() (*nativebank.Snapshot, error) {
	snap := new(nativebank.Snapshot)
	err := s.db.Iterate(balancePrefix, func(_, value []byte) error {
		var rec balanceRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return fmt.Errorf("bank store: decode balance: %w", err)
		}
		snap.Balances = append(snap.Balances, nativebank.Balance{Account: rec.Account, Amount: rec.Amount})
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = s.db.Iterate(custodyPrefix, func(_, value []byte) error {
		var rec custodyRecord
		if err := rlp.DecodeBytes(value, &rec); err != nil {
			return fmt.Errorf("bank store: decode custody: %w", err)
		}
		snap.Custody = append(snap.Custody, nativebank.Custody{Token: rec.Token, TokenID: rec.TokenID, Owner: rec.Owner})
		return nil
	})
	if err != nil {
		return nil, err
	}
	_, err = s.db.Get(genesisKey)
	switch {
	case err == nil:
		snap.Genesis = true
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}
	return snap, nil
}

// Stage encodes changes through put. Zero balances are written as empty
// records so a batch without deletes can still clear them.
func (s *Store) Stage(changes *nativebank.Changes, put func(key, value []byte)) error {
	if changes == nil {
		return nil
	}
	for _, bal := range changes.Balances {
		amount := bal.Amount
		if amount == nil {
			amount = new(big.Int)
		}
		encoded, err := rlp.EncodeToBytes(&balanceRecord{Account: bal.Account, Amount: amount})
		if err != nil {
			return fmt.Errorf("bank store: encode balance %s: %w", bal.Account.Hex(), err)
		}
		put(balanceKey(bal.Account), encoded)
	}
	for _, c := range changes.Custody {
		id := c.TokenID
		if id == nil {
			id = new(big.Int)
		}
		encoded, err := rlp.EncodeToBytes(&custodyRecord{Token: c.Token, TokenID: id, Owner: c.Owner})
		if err != nil {
			return fmt.Errorf("bank store: encode custody %s #%s: %w", c.Token.Hex(), id, err)
		}
		put(custodyKey(c.Token, id), encoded)
	}
	if changes.Genesis {
		put(genesisKey, []byte{1})
	}
	return nil
}

// Write stores changes in a batch of their own.
func (s *Store) Write(changes *nativebank.Changes) error {
	batch := s.db.NewBatch()
	if err := s.Stage(changes, batch.Put); err != nil {
		return err
	}
	return batch.Write()
}
