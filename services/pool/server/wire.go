package server

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"tickpool/native/pool"
	"tickpool/native/pool/collateral"
	"tickpool/native/pool/receipt"
	"tickpool/native/pool/tick"
)

// Amounts travel as base-10 strings and byte blobs as 0x-prefixed hex.

type depositRequest struct {
	Tick   string `json:"tick"`
	Amount string `json:"amount"`
}

type depositResponse struct {
	Tick   string `json:"tick"`
	Shares string `json:"shares"`
}

type redeemRequest struct {
	Tick   string `json:"tick"`
	Shares string `json:"shares"`
}

type withdrawRequest struct {
	Tick string `json:"tick"`
	ID   uint64 `json:"id"`
}

type withdrawResponse struct {
	Amount string `json:"amount"`
}

type collateralPayload struct {
	Token   string `json:"token"`
	TokenID string `json:"token_id"`
	Context string `json:"context,omitempty"`
}

type borrowRequest struct {
	Principal    string            `json:"principal"`
	Duration     uint64            `json:"duration"`
	Collateral   collateralPayload `json:"collateral"`
	MaxRepayment string            `json:"max_repayment,omitempty"`
	Ticks        []string          `json:"ticks"`
}

type receiptRequest struct {
	Receipt string `json:"receipt"`
}

type refinanceRequest struct {
	Receipt      string   `json:"receipt"`
	Principal    string   `json:"principal"`
	Duration     uint64   `json:"duration"`
	MaxRepayment string   `json:"max_repayment,omitempty"`
	Ticks        []string `json:"ticks"`
}

type proceedsRequest struct {
	Receipt  string `json:"receipt"`
	Proceeds string `json:"proceeds"`
}

type nodeView struct {
	Tick               string `json:"tick"`
	Limit              string `json:"limit"`
	LimitKind          string `json:"limit_kind"`
	DurationIndex      uint8  `json:"duration_index"`
	RateIndex          uint8  `json:"rate_index"`
	Deposited          string `json:"deposited"`
	Used               string `json:"used"`
	Available          string `json:"available"`
	Shares             string `json:"shares"`
	PendingRedemptions bool   `json:"pending_redemptions"`
}

type redemptionView struct {
	ID              uint64 `json:"id"`
	Tick            string `json:"tick"`
	SharesRequested string `json:"shares_requested"`
	PendingShares   string `json:"pending_shares"`
	Fulfilled       string `json:"fulfilled"`
	Withdrawn       string `json:"withdrawn"`
	Estimate        string `json:"estimate,omitempty"`
}

type nodeReceiptView struct {
	Tick    string `json:"tick"`
	Used    string `json:"used"`
	Pending string `json:"pending"`
}

type loanView struct {
	Hash      string            `json:"hash"`
	Receipt   string            `json:"receipt"`
	Borrower  string            `json:"borrower"`
	Principal string            `json:"principal"`
	Repayment string            `json:"repayment"`
	Maturity  uint64            `json:"maturity"`
	Duration  uint64            `json:"duration"`
	Nodes     []nodeReceiptView `json:"nodes"`
}

type repayResponse struct {
	Repayment string `json:"repayment"`
}

type refinanceResponse struct {
	Loan    loanView `json:"loan"`
	OldHash string   `json:"old_hash"`
	Net     string   `json:"net"`
}

type settlementView struct {
	Hash      string   `json:"hash"`
	Proceeds  string   `json:"proceeds"`
	Recovered []string `json:"recovered"`
	Surplus   string   `json:"surplus"`
	Loss      string   `json:"loss"`
}

type loanStatusView struct {
	Hash      string `json:"hash"`
	Status    string `json:"status"`
	Borrower  string `json:"borrower,omitempty"`
	Maturity  uint64 `json:"maturity,omitempty"`
	UpdatedAt uint64 `json:"updated_at,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func parseAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if trimmed == "" || !ok {
		return nil, fmt.Errorf("%w: %s must be a base-10 integer", errInvalidPayload, field)
	}
	return amount, nil
}

func parseOptionalAmount(field, value string) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	return parseAmount(field, value)
}

func parseTicks(values []string) ([]tick.Tick, error) {
	out := make([]tick.Tick, len(values))
	for i, value := range values {
		t, err := tick.Parse(value)
		if err != nil {
			return nil, err
		}
		out[i] = t
	}
	return out, nil
}

func parseReceipt(value string) ([]byte, error) {
	data, err := hexutil.Decode(strings.TrimSpace(value))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pool.ErrInvalidReceipt, err)
	}
	return data, nil
}

func parseCollateral(p collateralPayload) (pool.Collateral, error) {
	if !common.IsHexAddress(strings.TrimSpace(p.Token)) {
		return pool.Collateral{}, fmt.Errorf("%w: collateral token", errInvalidPayload)
	}
	id, err := parseAmount("collateral.token_id", p.TokenID)
	if err != nil {
		return pool.Collateral{}, err
	}
	col := pool.Collateral{Token: common.HexToAddress(p.Token), TokenID: id}
	if strings.TrimSpace(p.Context) != "" {
		ctx, err := hexutil.Decode(strings.TrimSpace(p.Context))
		if err != nil {
			return pool.Collateral{}, fmt.Errorf("%w: collateral context: %v", errInvalidPayload, err)
		}
		col.WrapperContext = ctx
	}
	return col, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func newNodeView(node *pool.Node) nodeView {
	fields := tick.Unpack(node.Tick)
	return nodeView{
		Tick:               node.Tick.String(),
		Limit:              amountString(fields.Limit),
		LimitKind:          fields.Kind.String(),
		DurationIndex:      fields.DurationIndex,
		RateIndex:          fields.RateIndex,
		Deposited:          amountString(node.Deposited),
		Used:               amountString(node.Used),
		Available:          amountString(node.Available()),
		Shares:             amountString(node.Shares),
		PendingRedemptions: node.PendingRedemptions(),
	}
}

func newRedemptionView(req *pool.Redemption, estimate *big.Int) redemptionView {
	view := redemptionView{
		ID:              req.ID,
		Tick:            req.Tick.String(),
		SharesRequested: amountString(req.SharesRequested),
		PendingShares:   amountString(req.PendingShares),
		Fulfilled:       amountString(req.Fulfilled),
		Withdrawn:       amountString(req.Withdrawn),
	}
	if estimate != nil {
		view.Estimate = estimate.String()
	}
	return view
}

func newLoanView(loan *pool.Loan) loanView {
	r := loan.Receipt
	view := loanView{
		Hash:      loan.Hash.Hex(),
		Receipt:   hexutil.Encode(loan.Encoded),
		Borrower:  r.Borrower.Hex(),
		Principal: amountString(r.Principal),
		Repayment: amountString(r.Repayment),
		Maturity:  r.Maturity,
		Duration:  r.Duration,
		Nodes:     make([]nodeReceiptView, len(r.NodeReceipts)),
	}
	for i, nr := range r.NodeReceipts {
		view.Nodes[i] = newNodeReceiptView(nr)
	}
	return view
}

func newNodeReceiptView(nr receipt.NodeReceipt) nodeReceiptView {
	return nodeReceiptView{Tick: nr.Tick.String(), Used: amountString(nr.Used), Pending: amountString(nr.Pending)}
}

func newSettlementView(s *pool.Settlement) settlementView {
	view := settlementView{
		Hash:      s.Hash.Hex(),
		Proceeds:  amountString(s.Proceeds),
		Recovered: make([]string, len(s.Recovered)),
		Surplus:   amountString(s.Surplus),
		Loss:      amountString(s.Loss),
	}
	for i, v := range s.Recovered {
		view.Recovered[i] = amountString(v)
	}
	return view
}

type seizedView struct {
	Hash     string `json:"hash"`
	Receipt  string `json:"receipt"`
	SeizedAt string `json:"seized_at"`
}

func newSeizedView(s collateral.Seized) seizedView {
	return seizedView{Hash: s.Hash.Hex(), Receipt: hexutil.Encode(s.Receipt), SeizedAt: s.SeizedAt.UTC().Format(time.RFC3339)}
}
