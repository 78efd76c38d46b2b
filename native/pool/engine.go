package pool

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tickpool/core/events"
	nativecommon "tickpool/native/common"
	"tickpool/native/pool/interest"
	"tickpool/native/pool/receipt"
	"tickpool/native/pool/tick"
)

const moduleName = "pool"

// Engine owns the liquidity book and the loan ledger of one pool. Mutations
// are serialised and staged on a book; the resulting change set is applied
// to the state in one write, so a failed operation leaves no trace.
type Engine struct {
	mu sync.RWMutex

	state      engineState
	params     Params
	codec      tick.Codec
	model      interest.Model
	vault      Vault
	filter     CollateralFilter
	wrappers   map[common.Address]CollateralWrapper
	oracle     PriceOracle
	liquidator Liquidator
	pauses     nativecommon.PauseView
	emitter    events.Emitter
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine validates params and constructs an engine pricing loans with
// model. Storage and the vault are wired separately.
func NewEngine(params Params, model interest.Model) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		return nil, fmt.Errorf("pool: interest model required")
	}
	codec, err := tick.NewCodec(len(params.Durations), len(params.Rates))
	if err != nil {
		return nil, err
	}
	return &Engine{
		params:   params.Clone(),
		codec:    codec,
		model:    model,
		wrappers: make(map[common.Address]CollateralWrapper),
		emitter:  events.NoopEmitter{},
		logger:   slog.Default(),
		now:      time.Now,
	}, nil
}

// SetState wires the engine to the persistence layer.
func (e *Engine) SetState(state engineState) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = state
}

// SetVault configures the asset custody used for transfers.
func (e *Engine) SetVault(v Vault) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vault = v
}

// SetCollateralFilter restricts the collateral accepted by Borrow. A nil
// filter accepts everything.
func (e *Engine) SetCollateralFilter(f CollateralFilter) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.filter = f
}

// RegisterWrapper marks token as a bundle that w can enumerate.
func (e *Engine) RegisterWrapper(token common.Address, w CollateralWrapper) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if w == nil {
		delete(e.wrappers, token)
		return
	}
	e.wrappers[token] = w
}

// SetPriceOracle configures the oracle used to resolve ratio ticks.
func (e *Engine) SetPriceOracle(o PriceOracle) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oracle = o
}

// SetLiquidator configures the collaborator that receives expired
// collateral.
func (e *Engine) SetLiquidator(l Liquidator) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.liquidator = l
}

// Liquidator returns the configured liquidator, if any.
func (e *Engine) Liquidator() Liquidator {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.liquidator
}

func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pauses = p
}

// SetEmitter wires the sink for pool events.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	e.emitter = emitter
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	if e == nil || logger == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logger = logger.With(slog.String("module", moduleName))
}

// SetClock overrides the time source used for maturities.
func (e *Engine) SetClock(now func() time.Time) {
	if e == nil || now == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

// Params returns a copy of the pool configuration.
func (e *Engine) Params() Params {
	return e.params.Clone()
}

// Codec returns the tick codec bound to the pool tables.
func (e *Engine) Codec() tick.Codec {
	return e.codec
}

// Model returns the interest model.
func (e *Engine) Model() interest.Model {
	return e.model
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	if e.vault == nil {
		return fmt.Errorf("pool: vault not configured")
	}
	return nil
}

func (e *Engine) guard() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return nativecommon.Guard(e.pauses, moduleName)
}

func (e *Engine) timestamp() uint64 {
	return uint64(e.now().Unix())
}

func (e *Engine) requireBalance(account common.Address, amount *big.Int) error {
	balance, err := e.vault.Balance(account)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, account.Hex(), balance, amount)
	}
	return nil
}

// Deposit adds amount to the node at t and returns the shares minted.
func (e *Engine) Deposit(ctx context.Context, caller common.Address, t tick.Tick, amount *big.Int) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := e.codec.Validate(t); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := e.requireBalance(caller, amount); err != nil {
		return nil, err
	}
	b := newBook(e.state)
	shares, err := b.deposit(caller, t, amount)
	if err != nil {
		return nil, err
	}
	b.pay("deposit", caller, e.params.Address, amount)
	if err := e.commit(b); err != nil {
		return nil, err
	}
	e.logger.Debug("pool deposit", slog.String("account", caller.Hex()), slog.String("tick", t.String()),
		slog.String("amount", amount.String()), slog.String("shares", shares.String()))
	e.emitter.Emit(events.PoolDeposited{Account: caller, Tick: t.String(), Amount: amount, Shares: shares})
	return shares, nil
}

// Redeem queues shares for redemption and returns the request after any
// immediate fulfilment, together with the value of the shares at the time
// of the call.
func (e *Engine) Redeem(ctx context.Context, caller common.Address, t tick.Tick, shares *big.Int) (*Redemption, *big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, nil, err
	}
	b := newBook(e.state)
	node, _, err := b.peek(t)
	if err != nil {
		return nil, nil, err
	}
	var estimate *big.Int
	if shares != nil {
		estimate = redemptionValue(node, shares)
	}
	req, err := b.redeem(caller, t, shares)
	if err != nil {
		return nil, nil, err
	}
	if err := e.commit(b); err != nil {
		return nil, nil, err
	}
	e.emitter.Emit(events.PoolRedeemed{Account: caller, Tick: t.String(), ID: req.ID, Shares: shares, Estimate: estimate})
	return req.Clone(), estimate, nil
}

// Withdraw pays out the fulfilled portion of a redemption request.
func (e *Engine) Withdraw(ctx context.Context, caller common.Address, t tick.Tick, id uint64) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	b := newBook(e.state)
	_, amount, err := b.withdraw(caller, t, id)
	if err != nil {
		return nil, err
	}
	if amount.Sign() > 0 {
		if err := e.requireBalance(e.params.Address, amount); err != nil {
			return nil, err
		}
	}
	b.pay("withdraw", e.params.Address, caller, amount)
	if err := e.commit(b); err != nil {
		return nil, err
	}
	e.emitter.Emit(events.PoolWithdrawn{Account: caller, Tick: t.String(), ID: id, Amount: amount})
	return amount, nil
}

// Node returns the liquidity state at t.
func (e *Engine) Node(t tick.Tick) (*Node, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, false, ErrNilState
	}
	node, ok, err := e.state.GetNode(t)
	if err != nil || !ok {
		return nil, ok, err
	}
	return node.Clone(), true, nil
}

// Nodes returns every node in ascending tick order.
func (e *Engine) Nodes() ([]*Node, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, ErrNilState
	}
	nodes, err := e.state.Nodes()
	if err != nil {
		return nil, err
	}
	out := make([]*Node, len(nodes))
	for i, node := range nodes {
		out[i] = node.Clone()
	}
	return out, nil
}

// Positions lists an account's share balances.
func (e *Engine) Positions(owner common.Address) ([]*Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, ErrNilState
	}
	return e.state.Positions(owner)
}

// Redemption returns a queued or fulfilled request.
func (e *Engine) Redemption(t tick.Tick, id uint64) (*Redemption, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, false, ErrNilState
	}
	return e.state.GetRedemption(t, id)
}

// Loan returns the ledger record for a receipt hash.
func (e *Engine) Loan(hash common.Hash) (*LoanRecord, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, false, ErrNilState
	}
	return e.state.GetLoan(hash)
}

// Position returns owner's shares at t.
func (e *Engine) Position(owner common.Address, t tick.Tick) (*Position, bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, false, ErrNilState
	}
	return e.state.GetPosition(owner, t)
}

// LoanStatus reports the lifecycle state of a receipt hash; hashes the
// ledger has never seen are LoanUncreated.
func (e *Engine) LoanStatus(hash common.Hash) (LoanStatus, error) {
	rec, ok, err := e.Loan(hash)
	if err != nil {
		return LoanUncreated, err
	}
	if !ok {
		return LoanUncreated, nil
	}
	return rec.Status, nil
}

// DecodeReceipt parses encoded and returns it with its hash in this pool.
func (e *Engine) DecodeReceipt(encoded []byte) (*receipt.LoanReceipt, common.Hash, error) {
	return e.decodeLoan(encoded)
}

// AdminFees returns the admin fees accrued so far.
func (e *Engine) AdminFees() (*big.Int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, ErrNilState
	}
	fees, err := e.state.GetFees()
	if err != nil {
		return nil, err
	}
	return cloneBig(fees.Admin), nil
}

// interactionFailed reports a transfer that failed after the state was
// committed by a non-staging vault. Balances are checked beforehand, so
// this indicates a vault that disagrees with its own view.
func (e *Engine) interactionFailed(op string, err error) error {
	e.logger.Error("pool transfer failed after commit", slog.String("op", op), slog.Any("error", err))
	return fmt.Errorf("pool: %s transfer: %w", op, err)
}
