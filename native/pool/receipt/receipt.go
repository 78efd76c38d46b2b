package receipt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"tickpool/native/pool/tick"
)

// ErrInvalidReceipt is returned for receipts that fail to decode, violate the
// allocation invariants or do not match a recorded loan.
var ErrInvalidReceipt = errors.New("pool: invalid receipt")

const (
	// Version is the only layout this codec produces and accepts.
	Version uint8 = 1

	// HeaderSize is the fixed-width prefix before the wrapper context.
	HeaderSize = 1 + 32 + 32 + common.AddressLength + 8 + 8 + common.AddressLength + 32 + 2
	// NodeReceiptSize is the width of one encoded node receipt.
	NodeReceiptSize = tick.Size + 16 + 16
	// MaxNodeReceipts bounds the allocation fan-out of one loan.
	MaxNodeReceipts = 32
	// MaxContextSize is the largest wrapper context the length prefix allows.
	MaxContextSize = 1<<16 - 1
)

var (
	max128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
	max256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

// NodeReceipt records the principal one node funded and its share of the
// repayment.
type NodeReceipt struct {
	Tick    tick.Tick
	Used    *big.Int
	Pending *big.Int
}

// LoanReceipt is the immutable record of one loan. Callers hold the encoded
// bytes; the pool keeps only the hash.
type LoanReceipt struct {
	Version                  uint8
	Principal                *big.Int
	Repayment                *big.Int
	Borrower                 common.Address
	Maturity                 uint64
	Duration                 uint64
	CollateralToken          common.Address
	CollateralTokenID        *big.Int
	CollateralWrapperContext []byte
	NodeReceipts             []NodeReceipt
}

// Clone returns a deep copy of the receipt.
func (r *LoanReceipt) Clone() *LoanReceipt {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Principal = cloneBig(r.Principal)
	clone.Repayment = cloneBig(r.Repayment)
	clone.CollateralTokenID = cloneBig(r.CollateralTokenID)
	clone.CollateralWrapperContext = append([]byte(nil), r.CollateralWrapperContext...)
	clone.NodeReceipts = make([]NodeReceipt, len(r.NodeReceipts))
	for i, node := range r.NodeReceipts {
		clone.NodeReceipts[i] = NodeReceipt{Tick: node.Tick, Used: cloneBig(node.Used), Pending: cloneBig(node.Pending)}
	}
	return &clone
}

// Validate checks the allocation invariants: sums match the header and ticks
// are strictly increasing.
func (r *LoanReceipt) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil receipt", ErrInvalidReceipt)
	}
	if r.Version != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidReceipt, r.Version)
	}
	if !inRange(r.Principal, max256) || r.Principal.Sign() == 0 {
		return fmt.Errorf("%w: principal out of range", ErrInvalidReceipt)
	}
	if !inRange(r.Repayment, max256) || r.Repayment.Cmp(r.Principal) < 0 {
		return fmt.Errorf("%w: repayment out of range", ErrInvalidReceipt)
	}
	if !inRange(r.CollateralTokenID, max256) {
		return fmt.Errorf("%w: collateral token id out of range", ErrInvalidReceipt)
	}
	if len(r.CollateralWrapperContext) > MaxContextSize {
		return fmt.Errorf("%w: wrapper context too large", ErrInvalidReceipt)
	}
	if len(r.NodeReceipts) == 0 || len(r.NodeReceipts) > MaxNodeReceipts {
		return fmt.Errorf("%w: %d node receipts", ErrInvalidReceipt, len(r.NodeReceipts))
	}
	used := new(big.Int)
	pending := new(big.Int)
	for i, node := range r.NodeReceipts {
		if i > 0 && node.Tick.Cmp(r.NodeReceipts[i-1].Tick) <= 0 {
			return fmt.Errorf("%w: node ticks not strictly increasing", ErrInvalidReceipt)
		}
		if !inRange(node.Used, max128) || !inRange(node.Pending, max128) {
			return fmt.Errorf("%w: node amount out of range", ErrInvalidReceipt)
		}
		used.Add(used, node.Used)
		pending.Add(pending, node.Pending)
	}
	if used.Cmp(r.Principal) != 0 {
		return fmt.Errorf("%w: node used %s != principal %s", ErrInvalidReceipt, used, r.Principal)
	}
	if pending.Cmp(r.Repayment) != 0 {
		return fmt.Errorf("%w: node pending %s != repayment %s", ErrInvalidReceipt, pending, r.Repayment)
	}
	return nil
}

// Encode serializes a receipt into the version 1 wire layout.
func Encode(r *LoanReceipt) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	size := HeaderSize + len(r.CollateralWrapperContext) + len(r.NodeReceipts)*NodeReceiptSize
	buf := make([]byte, size)
	offset := 0
	buf[offset] = r.Version
	offset++
	offset = putUint(buf, offset, 32, r.Principal)
	offset = putUint(buf, offset, 32, r.Repayment)
	offset += copy(buf[offset:], r.Borrower.Bytes())
	binary.BigEndian.PutUint64(buf[offset:], r.Maturity)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:], r.Duration)
	offset += 8
	offset += copy(buf[offset:], r.CollateralToken.Bytes())
	offset = putUint(buf, offset, 32, r.CollateralTokenID)
	binary.BigEndian.PutUint16(buf[offset:], uint16(len(r.CollateralWrapperContext)))
	offset += 2
	offset += copy(buf[offset:], r.CollateralWrapperContext)
	for _, node := range r.NodeReceipts {
		offset += copy(buf[offset:], node.Tick[:])
		offset = putUint(buf, offset, 16, node.Used)
		offset = putUint(buf, offset, 16, node.Pending)
	}
	return buf, nil
}

// Decode parses the version 1 wire layout and re-checks the invariants.
func Decode(data []byte) (*LoanReceipt, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes shorter than header", ErrInvalidReceipt, len(data))
	}
	r := &LoanReceipt{Version: data[0]}
	if r.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidReceipt, r.Version)
	}
	offset := 1
	r.Principal = new(big.Int).SetBytes(data[offset : offset+32])
	offset += 32
	r.Repayment = new(big.Int).SetBytes(data[offset : offset+32])
	offset += 32
	r.Borrower = common.BytesToAddress(data[offset : offset+common.AddressLength])
	offset += common.AddressLength
	r.Maturity = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	r.Duration = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	r.CollateralToken = common.BytesToAddress(data[offset : offset+common.AddressLength])
	offset += common.AddressLength
	r.CollateralTokenID = new(big.Int).SetBytes(data[offset : offset+32])
	offset += 32
	contextLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if len(data)-offset < contextLen {
		return nil, fmt.Errorf("%w: truncated wrapper context", ErrInvalidReceipt)
	}
	r.CollateralWrapperContext = append([]byte{}, data[offset:offset+contextLen]...)
	offset += contextLen

	rest := len(data) - offset
	if rest%NodeReceiptSize != 0 {
		return nil, fmt.Errorf("%w: trailing %d bytes", ErrInvalidReceipt, rest%NodeReceiptSize)
	}
	count := rest / NodeReceiptSize
	r.NodeReceipts = make([]NodeReceipt, 0, count)
	for i := 0; i < count; i++ {
		var node NodeReceipt
		copy(node.Tick[:], data[offset:offset+tick.Size])
		offset += tick.Size
		node.Used = new(big.Int).SetBytes(data[offset : offset+16])
		offset += 16
		node.Pending = new(big.Int).SetBytes(data[offset : offset+16])
		offset += 16
		r.NodeReceipts = append(r.NodeReceipts, node)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Hash binds an encoded receipt to a chain and pool instance:
// keccak256(chainID ‖ pool ‖ encoded).
func Hash(chainID *big.Int, pool common.Address, encoded []byte) common.Hash {
	var chain [32]byte
	if chainID != nil {
		chainID.FillBytes(chain[:])
	}
	return crypto.Keccak256Hash(chain[:], pool.Bytes(), encoded)
}

func putUint(buf []byte, offset, width int, v *big.Int) int {
	v.FillBytes(buf[offset : offset+width])
	return offset + width
}

func inRange(v, max *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(max) <= 0
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
