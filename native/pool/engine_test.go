package pool

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"tickpool/core/events"
	"tickpool/native/bank"
	nativecommon "tickpool/native/common"
	"tickpool/native/pool/collateral"
	"tickpool/native/pool/interest"
	"tickpool/native/pool/tick"
)

var (
	poolAddress    = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	currencyToken  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	lender         = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	lender2        = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	borrower       = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	liquidatorAddr = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	punks          = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

type fixture struct {
	t        *testing.T
	ctx      context.Context
	engine   *Engine
	state    *mockState
	vault    *bank.Vault
	desk     *collateral.Desk
	recorder *events.Recorder
	now      time.Time
	tickA    tick.Tick
	tickB    tick.Tick
}

func percentPerSecond(pct int64) *big.Int {
	return new(big.Int).Quo(new(big.Int).Mul(interest.WAD(), big.NewInt(pct)), big.NewInt(100))
}

func newFixture(t *testing.T, opts ...func(*Params)) *fixture {
	t.Helper()
	params := Params{
		ChainID:   big.NewInt(1),
		Address:   poolAddress,
		Currency:  currencyToken,
		Durations: []uint64{60, 600},
		Rates:     []*big.Int{percentPerSecond(1), percentPerSecond(2)},
	}
	for _, opt := range opts {
		opt(&params)
	}
	engine, err := NewEngine(params, interest.Simple{})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		engine:   engine,
		state:    newMockState(),
		vault:    bank.NewVault(),
		desk:     collateral.NewDesk(liquidatorAddr),
		recorder: &events.Recorder{},
		now:      time.Unix(1_700_000_000, 0),
	}
	engine.SetState(f.state)
	engine.SetVault(f.vault)
	engine.SetLiquidator(f.desk)
	engine.SetEmitter(f.recorder)
	engine.SetClock(func() time.Time { return f.now })
	f.tickA = f.mustTick(10, 0, 0, tick.LimitAbsolute)
	f.tickB = f.mustTick(20, 0, 0, tick.LimitAbsolute)
	f.vault.MintCollateral(punks, big.NewInt(1), borrower)
	return f
}

func (f *fixture) mustTick(limit int64, durationIndex, rateIndex uint8, kind tick.LimitKind) tick.Tick {
	f.t.Helper()
	tk, err := f.engine.Codec().Encode(big.NewInt(limit), durationIndex, rateIndex, kind)
	if err != nil {
		f.t.Fatalf("encode tick: %v", err)
	}
	return tk
}

func (f *fixture) fund(account common.Address, amount int64) {
	f.t.Helper()
	if err := f.vault.Mint(account, big.NewInt(amount)); err != nil {
		f.t.Fatalf("mint: %v", err)
	}
}

func (f *fixture) deposit(account common.Address, t tick.Tick, amount int64) *big.Int {
	f.t.Helper()
	f.fund(account, amount)
	shares, err := f.engine.Deposit(f.ctx, account, t, big.NewInt(amount))
	if err != nil {
		f.t.Fatalf("deposit: %v", err)
	}
	return shares
}

func (f *fixture) request(principal int64, duration uint64, ticks ...tick.Tick) BorrowRequest {
	return BorrowRequest{
		Principal:  big.NewInt(principal),
		Duration:   duration,
		Collateral: Collateral{Token: punks, TokenID: big.NewInt(1)},
		Ticks:      ticks,
	}
}

func (f *fixture) borrow(principal int64, duration uint64, ticks ...tick.Tick) *Loan {
	f.t.Helper()
	loan, err := f.engine.Borrow(f.ctx, borrower, f.request(principal, duration, ticks...))
	if err != nil {
		f.t.Fatalf("borrow: %v", err)
	}
	return loan
}

// seedExample deposits 100 at A and 50 at B, then borrows 120 for 50s.
func (f *fixture) seedExample() *Loan {
	f.t.Helper()
	f.deposit(lender, f.tickA, 100)
	f.deposit(lender2, f.tickB, 50)
	return f.borrow(120, 50, f.tickA, f.tickB)
}

func (f *fixture) advance(seconds int64) {
	f.now = f.now.Add(time.Duration(seconds) * time.Second)
}

func (f *fixture) assertNode(t tick.Tick, deposited, used int64) {
	f.t.Helper()
	node, ok, err := f.engine.Node(t)
	if err != nil || !ok {
		f.t.Fatalf("node %s: ok=%v err=%v", t, ok, err)
	}
	if node.Deposited.Cmp(big.NewInt(deposited)) != 0 || node.Used.Cmp(big.NewInt(used)) != 0 {
		f.t.Fatalf("node %s: deposited=%s used=%s, want %d/%d", t, node.Deposited, node.Used, deposited, used)
	}
}

func (f *fixture) balance(account common.Address) int64 {
	f.t.Helper()
	balance, err := f.vault.Balance(account)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return balance.Int64()
}

func (f *fixture) collateralOwner() common.Address {
	owner, _ := f.vault.CollateralOwner(punks, big.NewInt(1))
	return owner
}

func (f *fixture) assertStatus(hash common.Hash, want LoanStatus) {
	f.t.Helper()
	rec, ok, err := f.engine.Loan(hash)
	if err != nil || !ok {
		f.t.Fatalf("loan %s: ok=%v err=%v", hash.Hex(), ok, err)
	}
	if rec.Status != want {
		f.t.Fatalf("loan status %s, want %s", rec.Status, want)
	}
}

func TestBorrowSourcesTicksInOrder(t *testing.T) {
	f := newFixture(t)
	loan := f.seedExample()

	nodes := loan.Receipt.NodeReceipts
	if len(nodes) != 2 || nodes[0].Tick != f.tickA || nodes[1].Tick != f.tickB {
		t.Fatalf("unexpected allocation: %+v", nodes)
	}
	if nodes[0].Used.Int64() != 100 || nodes[1].Used.Int64() != 20 {
		t.Fatalf("unexpected used %s/%s", nodes[0].Used, nodes[1].Used)
	}
	// 120 at 1%/s over 50s.
	if loan.Receipt.Repayment.Int64() != 180 {
		t.Fatalf("unexpected repayment %s", loan.Receipt.Repayment)
	}
	pending := new(big.Int).Add(nodes[0].Pending, nodes[1].Pending)
	if pending.Cmp(loan.Receipt.Repayment) != 0 || nodes[0].Pending.Int64() != 150 || nodes[1].Pending.Int64() != 30 {
		t.Fatalf("unexpected pending %s/%s", nodes[0].Pending, nodes[1].Pending)
	}
	if loan.Receipt.Maturity != uint64(f.now.Unix())+50 {
		t.Fatalf("unexpected maturity %d", loan.Receipt.Maturity)
	}
	f.assertNode(f.tickA, 100, 100)
	f.assertNode(f.tickB, 50, 20)
	f.assertStatus(loan.Hash, LoanActive)
	if f.balance(borrower) != 120 || f.balance(poolAddress) != 30 {
		t.Fatalf("unexpected balances borrower=%d pool=%d", f.balance(borrower), f.balance(poolAddress))
	}
	if f.collateralOwner() != poolAddress {
		t.Fatalf("collateral not in pool custody")
	}
	var originated bool
	for _, evt := range f.recorder.Events() {
		if evt.EventType() == events.TypeLoanOriginated {
			originated = true
		}
	}
	if !originated {
		t.Fatalf("expected origination event")
	}
}

func TestRepayRestoresNodes(t *testing.T) {
	f := newFixture(t)
	loan := f.seedExample()
	f.advance(10)
	f.fund(borrower, 60)

	repaid, err := f.engine.Repay(f.ctx, borrower, loan.Encoded)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Int64() != 180 {
		t.Fatalf("unexpected repayment %s", repaid)
	}
	f.assertNode(f.tickA, 150, 0)
	f.assertNode(f.tickB, 60, 0)
	f.assertStatus(loan.Hash, LoanRepaid)
	if f.collateralOwner() != borrower || f.balance(borrower) != 0 {
		t.Fatalf("unexpected settlement owner=%s balance=%d", f.collateralOwner().Hex(), f.balance(borrower))
	}
	if _, err := f.engine.Repay(f.ctx, borrower, loan.Encoded); !errors.Is(err, ErrInvalidReceipt) {
		t.Fatalf("expected invalid receipt on second repay, got %v", err)
	}
}

func TestRepayWithholdsAdminFee(t *testing.T) {
	f := newFixture(t, func(p *Params) { p.AdminFeeBps = 1_000 })
	loan := f.seedExample()
	f.fund(borrower, 60)
	if _, err := f.engine.Repay(f.ctx, borrower, loan.Encoded); err != nil {
		t.Fatalf("repay: %v", err)
	}
	f.assertNode(f.tickA, 145, 0)
	f.assertNode(f.tickB, 59, 0)
	fees, err := f.engine.AdminFees()
	if err != nil || fees.Int64() != 6 {
		t.Fatalf("unexpected admin fees %v %v", fees, err)
	}
}

func TestRepayRejectsStrangersAndExpiredLoans(t *testing.T) {
	f := newFixture(t)
	loan := f.seedExample()
	f.fund(borrower, 60)
	if _, err := f.engine.Repay(f.ctx, lender, loan.Encoded); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	f.advance(51)
	if _, err := f.engine.Repay(f.ctx, borrower, loan.Encoded); !errors.Is(err, ErrLoanExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	tampered := append([]byte(nil), loan.Encoded...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := f.engine.Repay(f.ctx, borrower, tampered); !errors.Is(err, ErrInvalidReceipt) {
		t.Fatalf("expected invalid receipt, got %v", err)
	}
	f.assertStatus(loan.Hash, LoanActive)
}

func TestBorrowRejectsUnorderedTicks(t *testing.T) {
	f := newFixture(t)
	f.deposit(lender, f.tickA, 100)
	f.deposit(lender2, f.tickB, 50)
	applies := f.state.applies

	for _, ticks := range [][]tick.Tick{{f.tickB, f.tickA}, {f.tickA, f.tickA}, {}} {
		if _, err := f.engine.Borrow(f.ctx, borrower, f.request(120, 50, ticks...)); !errors.Is(err, ErrInvalidTick) {
			t.Fatalf("expected invalid tick for %v, got %v", ticks, err)
		}
	}
	if f.state.applies != applies || f.balance(borrower) != 0 || f.collateralOwner() != borrower {
		t.Fatalf("rejected borrow mutated state")
	}
}

func TestBorrowIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.deposit(lender, f.tickA, 100)
	f.deposit(lender2, f.tickB, 50)

	if _, err := f.engine.Borrow(f.ctx, borrower, f.request(151, 50, f.tickA, f.tickB)); !errors.Is(err, ErrInsufficientLiquidity) {
		t.Fatalf("expected insufficient liquidity, got %v", err)
	}
	f.assertNode(f.tickA, 100, 0)
	f.assertNode(f.tickB, 50, 0)

	req := f.request(120, 50, f.tickA, f.tickB)
	req.MaxRepayment = big.NewInt(179)
	if _, err := f.engine.Borrow(f.ctx, borrower, req); !errors.Is(err, ErrRepaymentTooHigh) {
		t.Fatalf("expected repayment guard, got %v", err)
	}
	if _, err := f.engine.Borrow(f.ctx, borrower, f.request(120, 61, f.tickA, f.tickB)); !errors.Is(err, ErrInvalidTick) {
		t.Fatalf("expected duration rejection, got %v", err)
	}
	f.assertNode(f.tickA, 100, 0)

	f.state.applyErr = errors.New("disk full")
	if _, err := f.engine.Borrow(f.ctx, borrower, f.request(120, 50, f.tickA, f.tickB)); err == nil {
		t.Fatalf("expected commit failure")
	}
	f.state.applyErr = nil
	f.assertNode(f.tickA, 100, 0)
	if f.balance(borrower) != 0 || f.collateralOwner() != borrower {
		t.Fatalf("failed commit moved assets")
	}
}

func TestBorrowChecksCollateral(t *testing.T) {
	f := newFixture(t)
	f.deposit(lender, f.tickA, 100)

	f.vault.MintCollateral(punks, big.NewInt(2), lender)
	req := f.request(50, 50, f.tickA)
	req.Collateral.TokenID = big.NewInt(2)
	if _, err := f.engine.Borrow(f.ctx, borrower, req); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized collateral, got %v", err)
	}

	f.engine.SetCollateralFilter(collateral.NewSetFilter(common.HexToAddress("0xc1")))
	if _, err := f.engine.Borrow(f.ctx, borrower, f.request(50, 50, f.tickA)); !errors.Is(err, ErrUnsupportedCollateral) {
		t.Fatalf("expected unsupported collateral, got %v", err)
	}
	f.engine.SetCollateralFilter(collateral.NewSetFilter(punks))
	f.borrow(50, 50, f.tickA)
}

func TestRatioTicksResolveAgainstOracle(t *testing.T) {
	f := newFixture(t)
	low := f.mustTick(2_500, 0, 0, tick.LimitRatio)
	high := f.mustTick(5_000, 0, 1, tick.LimitRatio)
	f.deposit(lender, low, 100)
	f.deposit(lender2, high, 100)

	if _, err := f.engine.Borrow(f.ctx, borrower, f.request(150, 50, low, high)); !errors.Is(err, ErrInvalidTick) {
		t.Fatalf("expected ratio tick without oracle to fail, got %v", err)
	}
	oracle := collateral.NewStaticOracle()
	oracle.SetPrice(punks, big.NewInt(400))
	f.engine.SetPriceOracle(oracle)
	if _, err := f.engine.Borrow(f.ctx, borrower, f.request(150, 50, high, low)); !errors.Is(err, ErrInvalidTick) {
		t.Fatalf("expected descending ratio ticks to fail, got %v", err)
	}
	loan := f.borrow(150, 10, low, high)
	// 100 at 1%/s and 50 at 2%/s blend to 4/3 %/s.
	rate, _ := interest.BlendedRate([]*big.Int{big.NewInt(100), big.NewInt(50)}, []*big.Int{percentPerSecond(1), percentPerSecond(2)})
	want, _ := interest.Simple{}.Quote(big.NewInt(150), 10, rate)
	if loan.Receipt.Repayment.Cmp(want) != 0 {
		t.Fatalf("repayment %s, want %s", loan.Receipt.Repayment, want)
	}
}

func TestWrappedCollateralIsFilteredPerAsset(t *testing.T) {
	f := newFixture(t)
	bundleToken := common.HexToAddress("0x00000000000000000000000000000000000000e0")
	f.engine.RegisterWrapper(bundleToken, collateral.BundleWrapper{})
	f.engine.SetCollateralFilter(collateral.NewSetFilter(punks))
	f.deposit(lender, f.tickA, 100)

	bundle, err := collateral.EncodeBundle(collateral.Bundle{Token: punks, IDs: []*big.Int{big.NewInt(4), big.NewInt(5)}})
	if err != nil {
		t.Fatalf("encode bundle: %v", err)
	}
	f.vault.MintCollateral(bundleToken, big.NewInt(9), borrower)
	req := f.request(50, 50, f.tickA)
	req.Collateral = Collateral{Token: bundleToken, TokenID: big.NewInt(9), WrapperContext: bundle}
	loan, err := f.engine.Borrow(f.ctx, borrower, req)
	if err != nil {
		t.Fatalf("borrow bundle: %v", err)
	}
	if string(loan.Receipt.CollateralWrapperContext) != string(bundle) {
		t.Fatalf("wrapper context not carried into receipt")
	}

	foreign, _ := collateral.EncodeBundle(collateral.Bundle{Token: common.HexToAddress("0xc9"), IDs: []*big.Int{big.NewInt(1)}})
	f.vault.MintCollateral(bundleToken, big.NewInt(10), borrower)
	req.Collateral = Collateral{Token: bundleToken, TokenID: big.NewInt(10), WrapperContext: foreign}
	if _, err := f.engine.Borrow(f.ctx, borrower, req); !errors.Is(err, ErrUnsupportedCollateral) {
		t.Fatalf("expected unsupported bundle, got %v", err)
	}
}

func TestLiquidationShortfallAbsorbedProRata(t *testing.T) {
	f := newFixture(t)
	loan := f.seedExample()

	f.advance(10)
	if err := f.engine.Liquidate(f.ctx, lender, loan.Encoded); !errors.Is(err, ErrLoanNotExpired) {
		t.Fatalf("expected not expired, got %v", err)
	}
	f.advance(41)
	if err := f.engine.Liquidate(f.ctx, lender, loan.Encoded); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	f.assertStatus(loan.Hash, LoanLiquidated)
	if owner, _ := f.vault.CollateralOwner(punks, big.NewInt(1)); owner != liquidatorAddr || len(f.desk.Pending()) != 1 {
		t.Fatalf("collateral not handed to liquidator")
	}

	// 90% of the 180 repayment.
	f.fund(liquidatorAddr, 162)
	if _, err := f.engine.OnLiquidationProceeds(f.ctx, lender, loan.Encoded, big.NewInt(162)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized proceeds, got %v", err)
	}
	settlement, err := f.engine.OnLiquidationProceeds(f.ctx, liquidatorAddr, loan.Encoded, big.NewInt(162))
	if err != nil {
		t.Fatalf("proceeds: %v", err)
	}
	if settlement.Recovered[0].Int64() != 135 || settlement.Recovered[1].Int64() != 27 {
		t.Fatalf("unexpected recovery %s/%s", settlement.Recovered[0], settlement.Recovered[1])
	}
	// Shortfall of 15 and 3 mirrors the 100:20 split of principal.
	f.assertNode(f.tickA, 135, 0)
	f.assertNode(f.tickB, 57, 0)
	f.assertStatus(loan.Hash, LoanCollateralLiquidated)
	if len(f.desk.Pending()) != 0 {
		t.Fatalf("settled loan still pending at the desk")
	}
	if f.balance(poolAddress) != 192 {
		t.Fatalf("pool balance %d", f.balance(poolAddress))
	}
	if _, err := f.engine.OnLiquidationProceeds(f.ctx, liquidatorAddr, loan.Encoded, big.NewInt(0)); !errors.Is(err, ErrInvalidReceipt) {
		t.Fatalf("expected second settlement to fail, got %v", err)
	}
}

func TestLiquidationPrincipalLoss(t *testing.T) {
	f := newFixture(t)
	loan := f.seedExample()
	f.advance(51)
	if err := f.engine.Liquidate(f.ctx, lender, loan.Encoded); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	f.fund(liquidatorAddr, 60)
	settlement, err := f.engine.OnLiquidationProceeds(f.ctx, liquidatorAddr, loan.Encoded, big.NewInt(60))
	if err != nil {
		t.Fatalf("proceeds: %v", err)
	}
	if settlement.Loss.Int64() != 60 {
		t.Fatalf("unexpected loss %s", settlement.Loss)
	}
	f.assertNode(f.tickA, 50, 0)
	f.assertNode(f.tickB, 40, 0)
}

func TestLiquidationSurplusGoesToBorrower(t *testing.T) {
	f := newFixture(t)
	loan := f.seedExample()
	f.advance(51)
	if err := f.engine.Liquidate(f.ctx, lender, loan.Encoded); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	f.fund(liquidatorAddr, 200)
	settlement, err := f.engine.OnLiquidationProceeds(f.ctx, liquidatorAddr, loan.Encoded, big.NewInt(200))
	if err != nil {
		t.Fatalf("proceeds: %v", err)
	}
	if settlement.Surplus.Int64() != 20 || f.balance(borrower) != 140 {
		t.Fatalf("unexpected surplus %s balance %d", settlement.Surplus, f.balance(borrower))
	}
	f.assertNode(f.tickA, 150, 0)
	f.assertNode(f.tickB, 60, 0)
}

func TestRefinanceReplacesLoanAtomically(t *testing.T) {
	f := newFixture(t)
	old := f.seedExample()
	f.advance(10)

	if _, err := f.engine.Refinance(f.ctx, lender, RefinanceRequest{Receipt: old.Encoded, Principal: big.NewInt(100), Duration: 50, Ticks: []tick.Tick{f.tickA, f.tickB}}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized refinance, got %v", err)
	}
	guarded := RefinanceRequest{Receipt: old.Encoded, Principal: big.NewInt(100), Duration: 50, MaxRepayment: big.NewInt(1), Ticks: []tick.Tick{f.tickA, f.tickB}}
	if _, err := f.engine.Refinance(f.ctx, borrower, guarded); !errors.Is(err, ErrRepaymentTooHigh) {
		t.Fatalf("expected repayment guard, got %v", err)
	}
	f.assertStatus(old.Hash, LoanActive)
	f.assertNode(f.tickA, 100, 100)

	result, err := f.engine.Refinance(f.ctx, borrower, RefinanceRequest{Receipt: old.Encoded, Principal: big.NewInt(100), Duration: 50, Ticks: []tick.Tick{f.tickA, f.tickB}})
	if err != nil {
		t.Fatalf("refinance: %v", err)
	}
	if result.Loan.Hash == old.Hash || result.OldHash != old.Hash {
		t.Fatalf("refinance must produce a new hash")
	}
	if result.Net.Int64() != -80 || f.balance(borrower) != 40 {
		t.Fatalf("unexpected net %s balance %d", result.Net, f.balance(borrower))
	}
	f.assertStatus(old.Hash, LoanRepaid)
	f.assertStatus(result.Loan.Hash, LoanActive)
	f.assertNode(f.tickA, 150, 100)
	f.assertNode(f.tickB, 60, 0)
	r := result.Loan.Receipt
	if r.CollateralToken != punks || r.CollateralTokenID.Int64() != 1 || f.collateralOwner() != poolAddress {
		t.Fatalf("collateral reference not preserved")
	}
}

func TestRedemptionQueueIsFIFO(t *testing.T) {
	f := newFixture(t)
	f.deposit(lender, f.tickA, 100)
	loan := f.borrow(100, 50, f.tickA)

	first, estimate, err := f.engine.Redeem(f.ctx, lender, f.tickA, big.NewInt(50))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if estimate.Int64() != 50 || first.Fulfilled.Sign() != 0 || first.PendingShares.Int64() != 50 {
		t.Fatalf("unexpected first request %+v", first)
	}
	second, _, err := f.engine.Redeem(f.ctx, lender, f.tickA, big.NewInt(20))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if _, _, err := f.engine.Redeem(f.ctx, lender, f.tickA, big.NewInt(31)); !errors.Is(err, ErrInvalidShares) {
		t.Fatalf("expected share check, got %v", err)
	}

	// New liquidity goes to the head of the queue only.
	f.deposit(lender2, f.tickA, 30)
	req, _, _ := f.engine.Redemption(f.tickA, first.ID)
	if req.Fulfilled.Int64() != 30 || req.PendingShares.Int64() != 20 {
		t.Fatalf("unexpected head after deposit %+v", req)
	}
	req, _, _ = f.engine.Redemption(f.tickA, second.ID)
	if req.Fulfilled.Sign() != 0 {
		t.Fatalf("second request served out of order")
	}
	if got, err := f.engine.Withdraw(f.ctx, lender, f.tickA, first.ID); err != nil || got.Int64() != 30 {
		t.Fatalf("withdraw: %v %v", got, err)
	}

	f.fund(borrower, 50)
	if _, err := f.engine.Repay(f.ctx, borrower, loan.Encoded); err != nil {
		t.Fatalf("repay: %v", err)
	}
	if _, err := f.engine.Withdraw(f.ctx, lender2, f.tickA, second.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized withdraw, got %v", err)
	}
	if got, _ := f.engine.Withdraw(f.ctx, lender, f.tickA, first.ID); got.Int64() != 30 {
		t.Fatalf("first remainder %s", got)
	}
	if got, _ := f.engine.Withdraw(f.ctx, lender, f.tickA, second.ID); got.Int64() != 30 {
		t.Fatalf("second request %s", got)
	}
	if _, err := f.engine.Withdraw(f.ctx, lender, f.tickA, first.ID); !errors.Is(err, ErrInvalidRedemption) {
		t.Fatalf("expected settled request to be gone, got %v", err)
	}
	f.assertNode(f.tickA, 90, 0)
	if f.balance(lender) != 90 {
		t.Fatalf("lender balance %d", f.balance(lender))
	}
}

func TestDepositIntoInsolventNodeFails(t *testing.T) {
	f := newFixture(t)
	f.deposit(lender, f.tickA, 100)
	loan := f.borrow(100, 50, f.tickA)
	f.advance(51)
	if err := f.engine.Liquidate(f.ctx, lender, loan.Encoded); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if _, err := f.engine.OnLiquidationProceeds(f.ctx, liquidatorAddr, loan.Encoded, big.NewInt(0)); err != nil {
		t.Fatalf("proceeds: %v", err)
	}
	f.assertNode(f.tickA, 0, 0)
	f.fund(lender2, 10)
	if _, err := f.engine.Deposit(f.ctx, lender2, f.tickA, big.NewInt(10)); !errors.Is(err, ErrInsolventNode) {
		t.Fatalf("expected insolvent node, got %v", err)
	}
}

func TestUsedMatchesActiveReceipts(t *testing.T) {
	f := newFixture(t)
	f.deposit(lender, f.tickA, 100)
	f.deposit(lender, f.tickB, 100)
	f.vault.MintCollateral(punks, big.NewInt(2), borrower)
	active := make(map[common.Hash]*Loan)

	check := func() {
		t.Helper()
		want := make(map[tick.Tick]*big.Int)
		for _, loan := range active {
			for _, nr := range loan.Receipt.NodeReceipts {
				if want[nr.Tick] == nil {
					want[nr.Tick] = big.NewInt(0)
				}
				want[nr.Tick].Add(want[nr.Tick], nr.Used)
			}
		}
		nodes, err := f.engine.Nodes()
		if err != nil {
			t.Fatalf("nodes: %v", err)
		}
		for _, node := range nodes {
			if node.Used.Sign() < 0 || node.Used.Cmp(node.Deposited) > 0 {
				t.Fatalf("node %s used %s outside [0, %s]", node.Tick, node.Used, node.Deposited)
			}
			expected := want[node.Tick]
			if expected == nil {
				expected = big.NewInt(0)
			}
			if node.Used.Cmp(expected) != 0 {
				t.Fatalf("node %s used %s, receipts say %s", node.Tick, node.Used, expected)
			}
		}
	}

	first := f.borrow(60, 50, f.tickA, f.tickB)
	active[first.Hash] = first
	check()

	req := f.request(80, 50, f.tickA, f.tickB)
	req.Collateral.TokenID = big.NewInt(2)
	second, err := f.engine.Borrow(f.ctx, borrower, req)
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	active[second.Hash] = second
	check()

	f.fund(borrower, 100)
	if _, err := f.engine.Repay(f.ctx, borrower, first.Encoded); err != nil {
		t.Fatalf("repay: %v", err)
	}
	delete(active, first.Hash)
	check()
}

func TestQuoteDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	f.deposit(lender, f.tickA, 100)
	f.deposit(lender2, f.tickB, 50)
	applies := f.state.applies

	loan, err := f.engine.Quote(f.ctx, borrower, f.request(120, 50, f.tickA, f.tickB))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if loan.Receipt.Repayment.Int64() != 180 {
		t.Fatalf("unexpected quote %s", loan.Receipt.Repayment)
	}
	if f.state.applies != applies {
		t.Fatalf("quote committed state")
	}
	f.assertNode(f.tickA, 100, 0)
	if _, ok, _ := f.engine.Loan(loan.Hash); ok {
		t.Fatalf("quote recorded a loan")
	}
}

func TestPausedModuleRejectsMutations(t *testing.T) {
	f := newFixture(t)
	f.engine.SetPauses(nativecommon.NewPauses("pool"))
	f.fund(lender, 10)
	if _, err := f.engine.Deposit(f.ctx, lender, f.tickA, big.NewInt(10)); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected paused module, got %v", err)
	}
}

func TestQueriesReportPositionsAndStatus(t *testing.T) {
	f := newFixture(t)
	loan := f.seedExample()

	pos, ok, err := f.engine.Position(lender, f.tickA)
	if err != nil || !ok || pos.Shares.Int64() != 100 {
		t.Fatalf("unexpected position %+v ok=%v err=%v", pos, ok, err)
	}
	if _, ok, _ := f.engine.Position(borrower, f.tickA); ok {
		t.Fatalf("borrower holds no shares")
	}

	status, err := f.engine.LoanStatus(loan.Hash)
	if err != nil || status != LoanActive {
		t.Fatalf("unexpected status %s err=%v", status, err)
	}
	status, err = f.engine.LoanStatus(common.HexToHash("0x01"))
	if err != nil || status != LoanUncreated {
		t.Fatalf("unknown hash should be uncreated, got %s err=%v", status, err)
	}

	decoded, hash, err := f.engine.DecodeReceipt(loan.Encoded)
	if err != nil {
		t.Fatalf("decode receipt: %v", err)
	}
	if hash != loan.Hash || decoded.Principal.Int64() != 120 {
		t.Fatalf("unexpected decode hash=%s principal=%s", hash.Hex(), decoded.Principal)
	}
	if _, _, err := f.engine.DecodeReceipt(loan.Encoded[:10]); !errors.Is(err, ErrInvalidReceipt) {
		t.Fatalf("expected invalid receipt, got %v", err)
	}
}
