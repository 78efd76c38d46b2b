package bank

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	nativecommon "tickpool/native/common"
)

var (
	ErrInsufficientFunds = errors.New("bank: insufficient funds")
	ErrNotOwner          = errors.New("bank: collateral not owned by sender")
	ErrInvalidAmount     = errors.New("bank: amount must be positive")
	ErrTxnClosed         = errors.New("bank: transaction already finished")
)

// Balance is the currency held by one account.
type Balance struct {
	Account common.Address
	Amount  *big.Int
}

// Custody records the owner of one collateral token.
type Custody struct {
	Token   common.Address
	TokenID *big.Int
	Owner   common.Address
}

// Changes are the balances and custody records touched by one transaction,
// holding their values after it. Genesis marks the write that funds a fresh
// ledger.
type Changes struct {
	Balances []Balance
	Custody  []Custody
	Genesis  bool
}

// Empty reports whether the changes carry no writes.
func (c *Changes) Empty() bool {
	return c == nil || (len(c.Balances) == 0 && len(c.Custody) == 0 && !c.Genesis)
}

// Snapshot is the full persisted content of a ledger.
type Snapshot struct {
	Balances []Balance
	Custody  []Custody
	Genesis  bool
}

// Ledger persists vault content. Stage adds changes to a caller's batch;
// Write stores them on their own.
type Ledger interface {
	Load() (*Snapshot, error)
	Stage(changes *Changes, put func(key, value []byte)) error
	Write(changes *Changes) error
}

type collateralKey struct {
	token common.Address
	id    string
}

func keyFor(token common.Address, tokenID *big.Int) collateralKey {
	id := "0"
	if tokenID != nil {
		id = tokenID.String()
	}
	return collateralKey{token: token, id: id}
}

// Vault is a ledger of one currency plus collateral ownership. Without a
// Ledger it lives in memory only.
type Vault struct {
	mu         sync.RWMutex
	ledger     Ledger
	funded     bool
	balances   map[common.Address]*big.Int
	collateral map[collateralKey]Custody
}

// NewVault returns an empty in-memory vault.
func NewVault() *Vault {
	return &Vault{
		balances:   make(map[common.Address]*big.Int),
		collateral: make(map[collateralKey]Custody),
	}
}

// OpenVault loads the content of ledger and persists every later change
// through it.
func OpenVault(ledger Ledger) (*Vault, error) {
	if ledger == nil {
		return nil, errors.New("bank: ledger required")
	}
	snap, err := ledger.Load()
	if err != nil {
		return nil, fmt.Errorf("bank: load ledger: %w", err)
	}
	v := NewVault()
	v.ledger = ledger
	if snap == nil {
		return v, nil
	}
	v.funded = snap.Genesis
	for _, bal := range snap.Balances {
		if bal.Amount != nil && bal.Amount.Sign() > 0 {
			v.balances[bal.Account] = new(big.Int).Set(bal.Amount)
		}
	}
	for _, c := range snap.Custody {
		v.collateral[keyFor(c.Token, c.TokenID)] = cloneCustody(c)
	}
	return v, nil
}

// Funded reports whether a genesis allocation has been applied.
func (v *Vault) Funded() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.funded
}

// ApplyGenesis credits balances and assigns custody once per ledger. It
// returns false without changes when the ledger was already funded.
func (v *Vault) ApplyGenesis(balances []Balance, custody []Custody) (bool, error) {
	txn := v.begin()
	if v.funded {
		txn.Discard()
		return false, nil
	}
	for _, bal := range balances {
		if bal.Amount == nil || bal.Amount.Sign() <= 0 {
			txn.Discard()
			return false, fmt.Errorf("%w: genesis balance for %s", ErrInvalidAmount, bal.Account.Hex())
		}
		txn.credit(bal.Account, bal.Amount)
	}
	for _, c := range custody {
		txn.assign(c.Token, c.TokenID, c.Owner)
	}
	txn.genesis = true
	if err := txn.finish(); err != nil {
		return false, err
	}
	return true, nil
}

// Mint credits amount to account.
func (v *Vault) Mint(account common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	txn := v.begin()
	txn.credit(account, amount)
	return txn.finish()
}

// MintCollateral assigns ownership of a collateral token.
func (v *Vault) MintCollateral(token common.Address, tokenID *big.Int, owner common.Address) error {
	txn := v.begin()
	txn.assign(token, tokenID, owner)
	return txn.finish()
}

// Balance returns the currency balance of account.
func (v *Vault) Balance(account common.Address) (*big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if balance, ok := v.balances[account]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

// Transfer moves amount between accounts.
func (v *Vault) Transfer(from, to common.Address, amount *big.Int) error {
	txn := v.begin()
	if err := txn.Transfer(from, to, amount); err != nil {
		txn.Discard()
		return err
	}
	return txn.finish()
}

// CollateralOwner returns the current owner of a collateral token, or the
// zero address when unknown.
func (v *Vault) CollateralOwner(token common.Address, tokenID *big.Int) (common.Address, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.collateral[keyFor(token, tokenID)].Owner, nil
}

// TransferCollateral moves a collateral token owned by from to to.
func (v *Vault) TransferCollateral(token common.Address, tokenID *big.Int, from, to common.Address) error {
	txn := v.begin()
	if err := txn.TransferCollateral(token, tokenID, from, to); err != nil {
		txn.Discard()
		return err
	}
	return txn.finish()
}

// Begin opens a transaction over the vault. The vault is locked until the
// transaction is committed or discarded.
func (v *Vault) Begin() nativecommon.StagedTransfers {
	return v.begin()
}

func (v *Vault) begin() *Txn {
	v.mu.Lock()
	return &Txn{
		v:          v,
		balances:   make(map[common.Address]*big.Int),
		collateral: make(map[collateralKey]Custody),
	}
}

// Txn overlays transfers on a locked vault.
type Txn struct {
	v          *Vault
	done       bool
	genesis    bool
	balances   map[common.Address]*big.Int
	collateral map[collateralKey]Custody
}

func (t *Txn) balance(account common.Address) *big.Int {
	if balance, ok := t.balances[account]; ok {
		return balance
	}
	balance := new(big.Int)
	if stored, ok := t.v.balances[account]; ok {
		balance.Set(stored)
	}
	t.balances[account] = balance
	return balance
}

func (t *Txn) credit(account common.Address, amount *big.Int) {
	balance := t.balance(account)
	balance.Add(balance, amount)
}

func (t *Txn) assign(token common.Address, tokenID *big.Int, owner common.Address) {
	t.collateral[keyFor(token, tokenID)] = cloneCustody(Custody{Token: token, TokenID: tokenID, Owner: owner})
}

func (t *Txn) owner(key collateralKey) (common.Address, bool) {
	if c, ok := t.collateral[key]; ok {
		return c.Owner, true
	}
	c, ok := t.v.collateral[key]
	return c.Owner, ok
}

// Transfer stages a currency move. A zero amount or a self transfer is a
// no-op.
func (t *Txn) Transfer(from, to common.Address, amount *big.Int) error {
	if t.done {
		return ErrTxnClosed
	}
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	balance := t.balance(from)
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, from.Hex())
	}
	balance.Sub(balance, amount)
	t.credit(to, amount)
	return nil
}

// TransferCollateral stages a custody move of a token owned by from.
func (t *Txn) TransferCollateral(token common.Address, tokenID *big.Int, from, to common.Address) error {
	if t.done {
		return ErrTxnClosed
	}
	key := keyFor(token, tokenID)
	if owner, ok := t.owner(key); !ok || owner != from {
		return fmt.Errorf("%w: %s #%s", ErrNotOwner, token.Hex(), key.id)
	}
	t.assign(token, tokenID, to)
	return nil
}

// Changes lists the staged values in address and token order.
func (t *Txn) Changes() *Changes {
	changes := &Changes{Genesis: t.genesis}
	for account, amount := range t.balances {
		changes.Balances = append(changes.Balances, Balance{Account: account, Amount: new(big.Int).Set(amount)})
	}
	sort.Slice(changes.Balances, func(i, j int) bool {
		return bytes.Compare(changes.Balances[i].Account[:], changes.Balances[j].Account[:]) < 0
	})
	for _, c := range t.collateral {
		changes.Custody = append(changes.Custody, cloneCustody(c))
	}
	sort.Slice(changes.Custody, func(i, j int) bool {
		a, b := changes.Custody[i], changes.Custody[j]
		if c := bytes.Compare(a.Token[:], b.Token[:]); c != 0 {
			return c < 0
		}
		return a.TokenID.Cmp(b.TokenID) < 0
	})
	return changes
}

// WriteBatch adds the staged values to a storage batch. It writes nothing
// for an in-memory vault.
func (t *Txn) WriteBatch(put func(key, value []byte)) error {
	if t.done {
		return ErrTxnClosed
	}
	changes := t.Changes()
	if t.v.ledger == nil || changes.Empty() {
		return nil
	}
	return t.v.ledger.Stage(changes, put)
}

// Commit makes the staged values visible and releases the vault.
func (t *Txn) Commit() {
	if t.done {
		return
	}
	for account, amount := range t.balances {
		if amount.Sign() == 0 {
			delete(t.v.balances, account)
			continue
		}
		t.v.balances[account] = amount
	}
	for key, c := range t.collateral {
		t.v.collateral[key] = c
	}
	if t.genesis {
		t.v.funded = true
	}
	t.close()
}

// Discard drops the staged values and releases the vault.
func (t *Txn) Discard() {
	if t.done {
		return
	}
	t.close()
}

func (t *Txn) close() {
	t.done = true
	t.v.mu.Unlock()
}

// finish persists the transaction on its own and commits it.
func (t *Txn) finish() error {
	if t.v.ledger != nil {
		if changes := t.Changes(); !changes.Empty() {
			if err := t.v.ledger.Write(changes); err != nil {
				t.Discard()
				return fmt.Errorf("bank: persist: %w", err)
			}
		}
	}
	t.Commit()
	return nil
}

func cloneCustody(c Custody) Custody {
	id := new(big.Int)
	if c.TokenID != nil {
		id.Set(c.TokenID)
	}
	return Custody{Token: c.Token, TokenID: id, Owner: c.Owner}
}
