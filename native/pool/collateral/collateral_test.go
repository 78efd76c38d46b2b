package collateral

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestSetFilter(t *testing.T) {
	punk := common.HexToAddress("0xc0")
	f := NewSetFilter(punk)
	ok, err := f.IsSupported(context.Background(), punk, big.NewInt(1), 0, nil)
	if err != nil || !ok {
		t.Fatalf("expected supported, got %v %v", ok, err)
	}
	ok, _ = f.IsSupported(context.Background(), common.HexToAddress("0xc1"), big.NewInt(1), 0, nil)
	if ok {
		t.Fatalf("unexpected support for unknown token")
	}
}

type countingOracle struct {
	calls int
	price *big.Int
}

func (c *countingOracle) Price(context.Context, common.Address, common.Address, []*big.Int, []byte) (*big.Int, error) {
	c.calls++
	return new(big.Int).Set(c.price), nil
}

func TestCachedOracle(t *testing.T) {
	source := &countingOracle{price: big.NewInt(500)}
	cached := NewCachedOracle(source, 4, time.Minute)
	token := common.HexToAddress("0xc0")
	for i := 0; i < 3; i++ {
		price, err := cached.Price(context.Background(), token, common.Address{}, nil, nil)
		if err != nil || price.Int64() != 500 {
			t.Fatalf("unexpected price %v %v", price, err)
		}
	}
	if source.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", source.calls)
	}
}

func TestStaticOracleUnknown(t *testing.T) {
	o := NewStaticOracle()
	if _, err := o.Price(context.Background(), common.HexToAddress("0xc0"), common.Address{}, nil, nil); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected unknown asset, got %v", err)
	}
}

func TestBundleWrapper(t *testing.T) {
	ctx, err := EncodeBundle(Bundle{Token: common.HexToAddress("0xc0"), IDs: []*big.Int{big.NewInt(1), big.NewInt(9)}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	token, ids, err := BundleWrapper{}.Enumerate(context.Background(), big.NewInt(3), ctx)
	if err != nil || token != common.HexToAddress("0xc0") || len(ids) != 2 || ids[1].Int64() != 9 {
		t.Fatalf("unexpected enumeration %s %v %v", token.Hex(), ids, err)
	}
	if n, _ := (BundleWrapper{}).Count(context.Background(), big.NewInt(3), ctx); n != 2 {
		t.Fatalf("unexpected count %d", n)
	}
	if _, _, err := (BundleWrapper{}).Enumerate(context.Background(), big.NewInt(3), []byte{0xff}); !errors.Is(err, ErrBadContext) {
		t.Fatalf("expected bad context, got %v", err)
	}
}

func TestDeskTracksSeizures(t *testing.T) {
	d := NewDesk(common.HexToAddress("0x11"))
	hash := common.HexToHash("0xaa")
	if err := d.Liquidate(context.Background(), hash, []byte{1}); err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if len(d.Pending()) != 1 {
		t.Fatalf("expected one pending seizure")
	}
	if !d.Settle(hash) || len(d.Pending()) != 0 {
		t.Fatalf("settle did not clear seizure")
	}
	if d.Settle(hash) {
		t.Fatalf("settled loan still pending")
	}
}
