package pool

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"tickpool/native/bank"
	pooltypes "tickpool/native/pool"
	"tickpool/native/pool/interest"
	"tickpool/native/pool/tick"
	bankstate "tickpool/state/bank"
	"tickpool/storage"
)

func mustTick(t *testing.T, limit int64) tick.Tick {
	t.Helper()
	tk, err := tick.Pack(big.NewInt(limit), 0, 0, tick.LimitAbsolute)
	require.NoError(t, err)
	return tk
}

func TestStoreAppliesChangeSets(t *testing.T) {
	store, err := NewStore(storage.NewMemDB(), 2)
	require.NoError(t, err)

	a, b := mustTick(t, 10), mustTick(t, 20)
	owner := common.HexToAddress("0xa1")
	hash := common.HexToHash("0x01")
	require.NoError(t, store.Apply(&pooltypes.ChangeSet{
		Nodes: []*pooltypes.Node{
			{Tick: b, Deposited: big.NewInt(50), Used: big.NewInt(0), Shares: big.NewInt(50)},
			{Tick: a, Deposited: big.NewInt(100), Used: big.NewInt(20), Shares: big.NewInt(100), QueueTail: 1},
		},
		Positions: []*pooltypes.Position{{Owner: owner, Tick: a, Shares: big.NewInt(100)}},
		Redemptions: []*pooltypes.Redemption{{
			ID: 0, Owner: owner, Tick: a,
			SharesRequested: big.NewInt(5), PendingShares: big.NewInt(5),
			Fulfilled: big.NewInt(0), Withdrawn: big.NewInt(0),
		}},
		Loans: []*pooltypes.LoanRecord{{Hash: hash, Status: pooltypes.LoanActive, Borrower: owner, Maturity: 99}},
		Fees:  &pooltypes.Fees{Admin: big.NewInt(3)},
	}))

	nodes, err := store.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, a, nodes[0].Tick, "nodes iterate in tick order")
	require.Equal(t, uint64(1), nodes[0].QueueTail)

	node, ok, err := store.GetNode(a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(20), node.Used.Int64())
	node.Used.SetInt64(999)
	cached, _, _ := store.GetNode(a)
	require.Equal(t, int64(20), cached.Used.Int64(), "cached nodes must not alias callers")

	positions, err := store.Positions(owner)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	req, ok, err := store.GetRedemption(a, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(5), req.PendingShares.Int64())

	rec, ok, err := store.GetLoan(hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pooltypes.LoanActive, rec.Status)

	fees, err := store.GetFees()
	require.NoError(t, err)
	require.Equal(t, int64(3), fees.Admin.Int64())

	require.NoError(t, store.Apply(&pooltypes.ChangeSet{
		Positions:          []*pooltypes.Position{{Owner: owner, Tick: a, Shares: big.NewInt(0)}},
		DeletedRedemptions: []pooltypes.RedemptionKey{{Tick: a, ID: 0}},
	}))
	_, ok, err = store.GetPosition(owner, a)
	require.NoError(t, err)
	require.False(t, ok, "zero-share positions are deleted")
	_, ok, _ = store.GetRedemption(a, 0)
	require.False(t, ok)
}

func TestStoreMissingRecords(t *testing.T) {
	store, err := NewStore(storage.NewMemDB(), 0)
	require.NoError(t, err)
	_, ok, err := store.GetNode(mustTick(t, 1))
	require.NoError(t, err)
	require.False(t, ok)
	fees, err := store.GetFees()
	require.NoError(t, err)
	require.Zero(t, fees.Admin.Sign())
}

func openEngine(t *testing.T, db storage.Database, poolAddr common.Address) (*pooltypes.Engine, *bank.Vault, *Store) {
	t.Helper()
	store, err := NewStore(db, 16)
	require.NoError(t, err)
	ledger, err := bankstate.NewStore(db)
	require.NoError(t, err)
	vault, err := bank.OpenVault(ledger)
	require.NoError(t, err)

	rate := new(big.Int).Quo(interest.WAD(), big.NewInt(100))
	engine, err := pooltypes.NewEngine(pooltypes.Params{
		ChainID:   big.NewInt(1),
		Address:   poolAddr,
		Durations: []uint64{60},
		Rates:     []*big.Int{rate},
	}, interest.Simple{})
	require.NoError(t, err)
	engine.SetState(store)
	engine.SetVault(vault)
	now := time.Unix(1_700_000_000, 0)
	engine.SetClock(func() time.Time { return now })
	return engine, vault, store
}

func TestEngineOverPebbleStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pool")
	db, err := storage.NewPebbleDB(dir)
	require.NoError(t, err)

	poolAddr := common.HexToAddress("0xf0")
	lender := common.HexToAddress("0xa1")
	borrower := common.HexToAddress("0xb0")
	punks := common.HexToAddress("0xc0")
	engine, vault, store := openEngine(t, db, poolAddr)

	ctx := context.Background()
	a := mustTick(t, 10)
	applied, err := vault.ApplyGenesis(
		[]bank.Balance{{Account: lender, Amount: big.NewInt(100)}, {Account: borrower, Amount: big.NewInt(4)}},
		[]bank.Custody{{Token: punks, TokenID: big.NewInt(1), Owner: borrower}},
	)
	require.NoError(t, err)
	require.True(t, applied)
	_, err = engine.Deposit(ctx, lender, a, big.NewInt(100))
	require.NoError(t, err)

	loan, err := engine.Borrow(ctx, borrower, pooltypes.BorrowRequest{
		Principal:  big.NewInt(40),
		Duration:   10,
		Collateral: pooltypes.Collateral{Token: punks, TokenID: big.NewInt(1)},
		Ticks:      []tick.Tick{a},
	})
	require.NoError(t, err)
	require.Equal(t, int64(44), loan.Receipt.Repayment.Int64())

	_, err = engine.Repay(ctx, borrower, loan.Encoded)
	require.NoError(t, err)

	node, ok, err := store.GetNode(a)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(104), node.Deposited.Int64())
	require.Zero(t, node.Used.Sign())
	rec, _, err := store.GetLoan(loan.Hash)
	require.NoError(t, err)
	require.Equal(t, pooltypes.LoanRepaid, rec.Status)
	db.Close()

	db, err = storage.NewPebbleDB(dir)
	require.NoError(t, err)
	defer db.Close()
	engine, vault, _ = openEngine(t, db, poolAddr)
	balance, err := vault.Balance(poolAddr)
	require.NoError(t, err)
	require.Equal(t, int64(104), balance.Int64(), "pool funds reload with the nodes that owe them")
	balance, err = vault.Balance(borrower)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())
	owner, err := vault.CollateralOwner(punks, big.NewInt(1))
	require.NoError(t, err)
	require.Equal(t, borrower, owner)

	req, _, err := engine.Redeem(ctx, lender, a, big.NewInt(100))
	require.NoError(t, err)
	paid, err := engine.Withdraw(ctx, lender, a, req.ID)
	require.NoError(t, err)
	require.Equal(t, int64(104), paid.Int64())
}

type failingWriter struct{}

func (failingWriter) WriteBatch(put func(key, value []byte)) error {
	put([]byte("bank/balance/x"), []byte{1})
	return errors.New("encode failed")
}

func TestApplyDropsBatchOnWriterFailure(t *testing.T) {
	db := storage.NewMemDB()
	store, err := NewStore(db, 4)
	require.NoError(t, err)
	a := mustTick(t, 10)

	err = store.Apply(&pooltypes.ChangeSet{
		Nodes:   []*pooltypes.Node{{Tick: a, Deposited: big.NewInt(1), Used: big.NewInt(0), Shares: big.NewInt(1)}},
		Writers: []pooltypes.BatchWriter{failingWriter{}},
	})
	require.Error(t, err)
	_, ok, err := store.GetNode(a)
	require.NoError(t, err)
	require.False(t, ok, "node written without its writer records")
	_, err = db.Get([]byte("bank/balance/x"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}
