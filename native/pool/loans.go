package pool

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"tickpool/core/events"
	"tickpool/native/pool/interest"
	"tickpool/native/pool/receipt"
	"tickpool/native/pool/tick"
)

func (e *Engine) collateralView(token common.Address) (CollateralFilter, CollateralWrapper, PriceOracle) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.filter, e.wrappers[token], e.oracle
}

// prepareCollateral runs the read-only collateral checks and prices the
// collateral when any tick carries a ratio limit. It runs before the engine
// lock is taken.
func (e *Engine) prepareCollateral(ctx context.Context, col Collateral, ticks []tick.Tick) (tick.LimitResolver, error) {
	if col.TokenID == nil || col.TokenID.Sign() < 0 {
		return nil, fmt.Errorf("%w: token id required", ErrUnsupportedCollateral)
	}
	if len(col.WrapperContext) > receipt.MaxContextSize {
		return nil, fmt.Errorf("%w: wrapper context too large", ErrUnsupportedCollateral)
	}
	filter, wrapper, oracle := e.collateralView(col.Token)

	underlying := col.Token
	ids := []*big.Int{col.TokenID}
	count := 1
	if wrapper != nil {
		var err error
		underlying, ids, err = wrapper.Enumerate(ctx, col.TokenID, col.WrapperContext)
		if err != nil {
			return nil, fmt.Errorf("%w: enumerate bundle: %v", ErrUnsupportedCollateral, err)
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("%w: empty bundle", ErrUnsupportedCollateral)
		}
		count, err = wrapper.Count(ctx, col.TokenID, col.WrapperContext)
		if err != nil || count <= 0 {
			return nil, fmt.Errorf("%w: bundle count", ErrUnsupportedCollateral)
		}
	}
	if filter != nil {
		for i, id := range ids {
			ok, err := filter.IsSupported(ctx, underlying, id, i, col.WrapperContext)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrUnsupportedCollateral, err)
			}
			if !ok {
				return nil, fmt.Errorf("%w: %s #%s", ErrUnsupportedCollateral, underlying.Hex(), id)
			}
		}
	}

	needsPrice := false
	for _, t := range ticks {
		if tick.Unpack(t).Kind == tick.LimitRatio {
			needsPrice = true
			break
		}
	}
	if !needsPrice {
		return nil, nil
	}
	if oracle == nil {
		return nil, fmt.Errorf("%w: ratio tick without price oracle", ErrInvalidTick)
	}
	price, err := oracle.Price(ctx, underlying, e.params.Currency, ids, col.WrapperContext)
	if err != nil {
		return nil, fmt.Errorf("%w: oracle: %v", ErrInvalidTick, err)
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: oracle price unavailable", ErrInvalidTick)
	}
	return oracleResolver{price: new(big.Int).Set(price), count: int64(count)}, nil
}

// originate sources liquidity, prices the loan and stages the new record.
func (e *Engine) originate(b *book, borrower common.Address, req BorrowRequest, resolver tick.LimitResolver, now uint64) (*Loan, error) {
	if req.Duration == 0 {
		return nil, fmt.Errorf("%w: zero duration", ErrInvalidAmount)
	}
	allocs, err := b.source(e.codec, e.params.Durations, req.Principal, req.Duration, req.Ticks, resolver)
	if err != nil {
		return nil, err
	}
	used := make([]*big.Int, len(allocs))
	rates := make([]*big.Int, len(allocs))
	for i, a := range allocs {
		used[i] = a.used
		rates[i] = e.params.Rates[a.rateIndex]
	}
	rate, err := interest.BlendedRate(used, rates)
	if err != nil {
		return nil, err
	}
	repayment, err := e.model.Quote(req.Principal, req.Duration, rate)
	if err != nil {
		return nil, err
	}
	if req.MaxRepayment != nil && repayment.Cmp(req.MaxRepayment) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrRepaymentTooHigh, repayment, req.MaxRepayment)
	}
	pending, err := interest.Distribute(repayment, used)
	if err != nil {
		return nil, err
	}

	r := &receipt.LoanReceipt{
		Version:                  receipt.Version,
		Principal:                new(big.Int).Set(req.Principal),
		Repayment:                repayment,
		Borrower:                 borrower,
		Maturity:                 now + req.Duration,
		Duration:                 req.Duration,
		CollateralToken:          req.Collateral.Token,
		CollateralTokenID:        new(big.Int).Set(req.Collateral.TokenID),
		CollateralWrapperContext: append([]byte(nil), req.Collateral.WrapperContext...),
	}
	for i, a := range allocs {
		r.NodeReceipts = append(r.NodeReceipts, receipt.NodeReceipt{Tick: a.tick, Used: used[i], Pending: pending[i]})
	}
	encoded, err := receipt.Encode(r)
	if err != nil {
		return nil, err
	}
	hash := receipt.Hash(e.params.ChainID, e.params.Address, encoded)
	existing, ok, err := b.loan(hash)
	if err != nil {
		return nil, err
	}
	if ok && existing.Status != LoanUncreated {
		return nil, fmt.Errorf("%w: loan %s already recorded", ErrInvalidReceipt, hash.Hex())
	}

	for _, a := range allocs {
		node, ok, err := b.node(a.tick)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: node %s vanished", ErrInsufficientLiquidity, a.tick)
		}
		node.Used.Add(node.Used, a.used)
	}
	b.putLoan(&LoanRecord{Hash: hash, Status: LoanActive, Borrower: borrower, Maturity: r.Maturity, UpdatedAt: now})
	return &Loan{Receipt: r, Encoded: encoded, Hash: hash}, nil
}

func (e *Engine) decodeLoan(encoded []byte) (*receipt.LoanReceipt, common.Hash, error) {
	r, err := receipt.Decode(encoded)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return r, receipt.Hash(e.params.ChainID, e.params.Address, encoded), nil
}

func requireLoan(b *book, hash common.Hash, status LoanStatus) (*LoanRecord, error) {
	rec, ok, err := b.loan(hash)
	if err != nil {
		return nil, err
	}
	if !ok || rec.Status != status {
		return nil, fmt.Errorf("%w: loan %s is not %s", ErrInvalidReceipt, hash.Hex(), status)
	}
	return rec, nil
}

// restore returns each node's principal plus its interest share, less the
// admin fee.
func (e *Engine) restore(b *book, r *receipt.LoanReceipt) error {
	fees, err := b.adminFees()
	if err != nil {
		return err
	}
	bps := new(big.Int).SetUint64(e.params.AdminFeeBps)
	for _, nr := range r.NodeReceipts {
		node, ok, err := b.node(nr.Tick)
		if err != nil {
			return err
		}
		if !ok || node.Used.Cmp(nr.Used) < 0 {
			return fmt.Errorf("%w: node %s does not carry %s", ErrInvalidReceipt, nr.Tick, nr.Used)
		}
		node.Used.Sub(node.Used, nr.Used)
		earned := new(big.Int).Sub(nr.Pending, nr.Used)
		if earned.Sign() > 0 {
			fee := mulDiv(earned, bps, big.NewInt(tick.RatioScale))
			earned.Sub(earned, fee)
			fees.Admin.Add(fees.Admin, fee)
			node.Deposited.Add(node.Deposited, earned)
		}
		if err := b.processAvailable(nr.Tick); err != nil {
			return err
		}
	}
	return nil
}

// Quote prices a loan without committing it.
func (e *Engine) Quote(ctx context.Context, borrower common.Address, req BorrowRequest) (*Loan, error) {
	resolver, err := e.prepareCollateral(ctx, req.Collateral, req.Ticks)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state == nil {
		return nil, ErrNilState
	}
	return e.originate(newBook(e.state), borrower, req, resolver, e.timestamp())
}

// Borrow originates a loan against collateral owned by caller. The
// collateral moves into pool custody and the principal to the caller.
func (e *Engine) Borrow(ctx context.Context, caller common.Address, req BorrowRequest) (*Loan, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if req.Principal == nil || req.Principal.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	resolver, err := e.prepareCollateral(ctx, req.Collateral, req.Ticks)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	owner, err := e.vault.CollateralOwner(req.Collateral.Token, req.Collateral.TokenID)
	if err != nil {
		return nil, err
	}
	if owner != caller {
		return nil, fmt.Errorf("%w: collateral held by %s", ErrUnauthorized, owner.Hex())
	}
	b := newBook(e.state)
	loan, err := e.originate(b, caller, req, resolver, e.timestamp())
	if err != nil {
		return nil, err
	}
	if err := e.requireBalance(e.params.Address, req.Principal); err != nil {
		return nil, err
	}
	b.moveCollateral("borrow collateral", req.Collateral.Token, req.Collateral.TokenID, caller, e.params.Address)
	b.pay("borrow principal", e.params.Address, caller, req.Principal)
	if err := e.commit(b); err != nil {
		return nil, err
	}
	e.logger.Info("pool loan originated", slog.String("hash", loan.Hash.Hex()), slog.String("borrower", caller.Hex()),
		slog.String("principal", req.Principal.String()), slog.String("repayment", loan.Receipt.Repayment.String()),
		slog.Int("nodes", len(loan.Receipt.NodeReceipts)))
	e.emitter.Emit(events.LoanOriginated{
		Hash:      loan.Hash,
		Borrower:  caller,
		Principal: loan.Receipt.Principal,
		Repayment: loan.Receipt.Repayment,
		Maturity:  loan.Receipt.Maturity,
		Nodes:     len(loan.Receipt.NodeReceipts),
	})
	return loan, nil
}

// Repay settles an active loan before maturity and returns the collateral.
func (e *Engine) Repay(ctx context.Context, caller common.Address, encoded []byte) (*big.Int, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	r, hash, err := e.decodeLoan(encoded)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	b := newBook(e.state)
	rec, err := requireLoan(b, hash, LoanActive)
	if err != nil {
		return nil, err
	}
	if caller != r.Borrower {
		return nil, ErrUnauthorized
	}
	now := e.timestamp()
	if now > r.Maturity {
		return nil, ErrLoanExpired
	}
	if err := e.restore(b, r); err != nil {
		return nil, err
	}
	rec.Status = LoanRepaid
	rec.UpdatedAt = now
	if err := e.requireBalance(caller, r.Repayment); err != nil {
		return nil, err
	}
	if err := e.requireCustody(r.CollateralToken, r.CollateralTokenID, e.params.Address); err != nil {
		return nil, err
	}
	b.pay("repay", caller, e.params.Address, r.Repayment)
	b.moveCollateral("repay collateral", r.CollateralToken, r.CollateralTokenID, e.params.Address, r.Borrower)
	if err := e.commit(b); err != nil {
		return nil, err
	}
	e.logger.Info("pool loan repaid", slog.String("hash", hash.Hex()), slog.String("repayment", r.Repayment.String()))
	e.emitter.Emit(events.LoanRepaid{Hash: hash, Borrower: r.Borrower, Repayment: r.Repayment})
	return new(big.Int).Set(r.Repayment), nil
}

// Refinance repays an active loan and originates its replacement against the
// same collateral in one step. Only the net principal moves.
func (e *Engine) Refinance(ctx context.Context, caller common.Address, req RefinanceRequest) (*Refinancing, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if req.Principal == nil || req.Principal.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	old, oldHash, err := e.decodeLoan(req.Receipt)
	if err != nil {
		return nil, err
	}
	if caller != old.Borrower {
		return nil, ErrUnauthorized
	}
	collateral := Collateral{
		Token:          old.CollateralToken,
		TokenID:        old.CollateralTokenID,
		WrapperContext: old.CollateralWrapperContext,
	}
	resolver, err := e.prepareCollateral(ctx, collateral, req.Ticks)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	b := newBook(e.state)
	rec, err := requireLoan(b, oldHash, LoanActive)
	if err != nil {
		return nil, err
	}
	now := e.timestamp()
	if now > old.Maturity {
		return nil, ErrLoanExpired
	}
	if err := e.restore(b, old); err != nil {
		return nil, err
	}
	rec.Status = LoanRepaid
	rec.UpdatedAt = now

	loan, err := e.originate(b, old.Borrower, BorrowRequest{
		Principal:    req.Principal,
		Duration:     req.Duration,
		Collateral:   collateral,
		MaxRepayment: req.MaxRepayment,
		Ticks:        req.Ticks,
	}, resolver, now)
	if err != nil {
		return nil, err
	}
	if loan.Hash == oldHash {
		return nil, fmt.Errorf("%w: refinance reproduces the old receipt", ErrInvalidReceipt)
	}
	net := new(big.Int).Sub(req.Principal, old.Repayment)
	switch net.Sign() {
	case 1:
		err = e.requireBalance(e.params.Address, net)
	case -1:
		err = e.requireBalance(caller, new(big.Int).Neg(net))
	}
	if err != nil {
		return nil, err
	}
	if err := e.requireCustody(collateral.Token, collateral.TokenID, e.params.Address); err != nil {
		return nil, err
	}
	switch net.Sign() {
	case 1:
		b.pay("refinance", e.params.Address, caller, net)
	case -1:
		b.pay("refinance", caller, e.params.Address, new(big.Int).Neg(net))
	}
	if err := e.commit(b); err != nil {
		return nil, err
	}
	e.logger.Info("pool loan refinanced", slog.String("old", oldHash.Hex()), slog.String("new", loan.Hash.Hex()),
		slog.String("net", net.String()))
	e.emitter.Emit(events.LoanRefinanced{OldHash: oldHash, NewHash: loan.Hash, Borrower: caller, Net: net})
	return &Refinancing{Loan: loan, OldHash: oldHash, Net: net}, nil
}

// Liquidate hands the collateral of an expired loan to the liquidator. Any
// caller may trigger it.
func (e *Engine) Liquidate(ctx context.Context, caller common.Address, encoded []byte) error {
	if err := e.guard(); err != nil {
		return err
	}
	r, hash, err := e.decodeLoan(encoded)
	if err != nil {
		return err
	}
	liquidator, err := e.seizeCollateral(caller, r, hash)
	if err != nil {
		return err
	}
	// The liquidator may report proceeds synchronously, so it runs unlocked.
	if err := liquidator.Liquidate(ctx, hash, append([]byte(nil), encoded...)); err != nil {
		e.logger.Error("pool liquidator failed", slog.String("hash", hash.Hex()), slog.Any("error", err))
		return fmt.Errorf("pool: liquidator: %w", err)
	}
	return nil
}

func (e *Engine) seizeCollateral(caller common.Address, r *receipt.LoanReceipt, hash common.Hash) (Liquidator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.liquidator == nil {
		return nil, ErrNoLiquidator
	}
	b := newBook(e.state)
	rec, err := requireLoan(b, hash, LoanActive)
	if err != nil {
		return nil, err
	}
	now := e.timestamp()
	if now <= r.Maturity {
		return nil, ErrLoanNotExpired
	}
	rec.Status = LoanLiquidated
	rec.UpdatedAt = now
	if err := e.requireCustody(r.CollateralToken, r.CollateralTokenID, e.params.Address); err != nil {
		return nil, err
	}
	target := e.liquidator.Address()
	b.moveCollateral("liquidate collateral", r.CollateralToken, r.CollateralTokenID, e.params.Address, target)
	if err := e.commit(b); err != nil {
		return nil, err
	}
	e.logger.Warn("pool loan liquidated", slog.String("hash", hash.Hex()), slog.String("caller", caller.Hex()),
		slog.String("liquidator", target.Hex()))
	e.emitter.Emit(events.LoanLiquidated{Hash: hash, Borrower: r.Borrower, Liquidator: target})
	return e.liquidator, nil
}

// OnLiquidationProceeds distributes the proceeds of a liquidated loan. Only
// the configured liquidator may call it, once per loan.
func (e *Engine) OnLiquidationProceeds(ctx context.Context, caller common.Address, encoded []byte, proceeds *big.Int) (*Settlement, error) {
	if proceeds == nil || proceeds.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	r, hash, err := e.decodeLoan(encoded)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	if e.liquidator == nil || caller != e.liquidator.Address() {
		return nil, ErrUnauthorized
	}
	b := newBook(e.state)
	rec, err := requireLoan(b, hash, LoanLiquidated)
	if err != nil {
		return nil, err
	}
	settlement := &Settlement{Hash: hash, Proceeds: new(big.Int).Set(proceeds), Surplus: big.NewInt(0), Loss: big.NewInt(0)}
	if proceeds.Cmp(r.Repayment) >= 0 {
		if err := e.restore(b, r); err != nil {
			return nil, err
		}
		settlement.Surplus.Sub(proceeds, r.Repayment)
		for _, nr := range r.NodeReceipts {
			settlement.Recovered = append(settlement.Recovered, new(big.Int).Set(nr.Pending))
		}
	} else {
		recovered, err := shortfall(r, proceeds)
		if err != nil {
			return nil, err
		}
		if err := writeDown(b, r, recovered); err != nil {
			return nil, err
		}
		settlement.Recovered = recovered
		if proceeds.Cmp(r.Principal) < 0 {
			settlement.Loss.Sub(r.Principal, proceeds)
		}
	}
	rec.Status = LoanCollateralLiquidated
	rec.UpdatedAt = e.timestamp()
	if proceeds.Sign() > 0 {
		if err := e.requireBalance(caller, proceeds); err != nil {
			return nil, err
		}
	}
	b.pay("proceeds", caller, e.params.Address, proceeds)
	b.pay("surplus", e.params.Address, r.Borrower, settlement.Surplus)
	if err := e.commit(b); err != nil {
		return nil, err
	}
	if settler, ok := e.liquidator.(Settler); ok && !settler.Settle(hash) {
		e.logger.Warn("pool liquidator had no pending seizure", slog.String("hash", hash.Hex()))
	}
	e.logger.Info("pool liquidation settled", slog.String("hash", hash.Hex()), slog.String("proceeds", proceeds.String()),
		slog.String("surplus", settlement.Surplus.String()), slog.String("loss", settlement.Loss.String()))
	e.emitter.Emit(events.CollateralLiquidated{Hash: hash, Proceeds: proceeds, Surplus: settlement.Surplus, Loss: settlement.Loss})
	return settlement, nil
}

// shortfall splits proceeds below the repayment across nodes. Principal is
// recovered pro rata by used; anything above principal is shared pro rata
// by each node's interest. Shares round down with the residual on the last
// node.
func shortfall(r *receipt.LoanReceipt, proceeds *big.Int) ([]*big.Int, error) {
	used := make([]*big.Int, len(r.NodeReceipts))
	for i, nr := range r.NodeReceipts {
		used[i] = nr.Used
	}
	if proceeds.Cmp(r.Principal) <= 0 {
		return interest.Distribute(proceeds, used)
	}
	weights := make([]*big.Int, len(r.NodeReceipts))
	for i, nr := range r.NodeReceipts {
		weights[i] = new(big.Int).Sub(nr.Pending, nr.Used)
	}
	extra, err := interest.Distribute(new(big.Int).Sub(proceeds, r.Principal), weights)
	if err != nil {
		return nil, err
	}
	recovered := make([]*big.Int, len(used))
	for i := range used {
		recovered[i] = new(big.Int).Add(used[i], extra[i])
	}
	return recovered, nil
}

// writeDown releases each node's used principal and credits what was
// recovered, so losses stay with the ticks that funded the loan.
func writeDown(b *book, r *receipt.LoanReceipt, recovered []*big.Int) error {
	for i, nr := range r.NodeReceipts {
		node, ok, err := b.node(nr.Tick)
		if err != nil {
			return err
		}
		if !ok || node.Used.Cmp(nr.Used) < 0 {
			return fmt.Errorf("%w: node %s does not carry %s", ErrInvalidReceipt, nr.Tick, nr.Used)
		}
		node.Used.Sub(node.Used, nr.Used)
		node.Deposited.Sub(node.Deposited, nr.Used)
		node.Deposited.Add(node.Deposited, recovered[i])
		if err := b.processAvailable(nr.Tick); err != nil {
			return err
		}
	}
	return nil
}
