package events

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestLoanOriginatedEvent(t *testing.T) {
	evt := LoanOriginated{
		Hash:      common.HexToHash("0x01"),
		Borrower:  common.HexToAddress("0xb0"),
		Principal: big.NewInt(120),
		Repayment: big.NewInt(125),
		Maturity:  1_700_000_000,
		Nodes:     2,
	}.Event()
	if evt == nil || evt.Type != TypeLoanOriginated {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Attributes["principal"] != "120" || evt.Attributes["repayment"] != "125" {
		t.Fatalf("unexpected amounts: %+v", evt.Attributes)
	}
	if evt.Attributes["nodes"] != "2" || evt.Attributes["maturity"] != "1700000000" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
	if evt.Attributes["borrower"] != common.HexToAddress("0xb0").Hex() {
		t.Fatalf("unexpected borrower: %s", evt.Attributes["borrower"])
	}
}

func TestCollateralLiquidatedNilAmounts(t *testing.T) {
	evt := CollateralLiquidated{Hash: common.HexToHash("0x02"), Proceeds: big.NewInt(90)}.Event()
	if evt.Attributes["surplus"] != "0" || evt.Attributes["loss"] != "0" || evt.Attributes["proceeds"] != "90" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
}

func TestRecorderKeepsMostRecent(t *testing.T) {
	rec := &Recorder{Limit: 2}
	rec.Emit(PoolWithdrawn{ID: 1})
	rec.Emit(PoolWithdrawn{ID: 2})
	rec.Emit(PoolWithdrawn{ID: 3})
	got := rec.Events()
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].(PoolWithdrawn).ID != 2 || got[1].(PoolWithdrawn).ID != 3 {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestFanoutSkipsNil(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Fanout{a, nil, b}.Emit(LoanRepaid{Hash: common.HexToHash("0x03")})
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatalf("fanout did not reach every emitter")
	}
}
