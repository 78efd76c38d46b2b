package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tickpool/gateway/middleware"
	"tickpool/native/pool"
	"tickpool/native/pool/collateral"
	"tickpool/native/pool/tick"
	"tickpool/observability/metrics"
	telemetry "tickpool/observability/otel"
)

const maxBodyBytes = 1 << 20

// Ledger is the subset of the pool engine served over HTTP.
type Ledger interface {
	Deposit(ctx context.Context, caller common.Address, t tick.Tick, amount *big.Int) (*big.Int, error)
	Redeem(ctx context.Context, caller common.Address, t tick.Tick, shares *big.Int) (*pool.Redemption, *big.Int, error)
	Withdraw(ctx context.Context, caller common.Address, t tick.Tick, id uint64) (*big.Int, error)
	Quote(ctx context.Context, borrower common.Address, req pool.BorrowRequest) (*pool.Loan, error)
	Borrow(ctx context.Context, caller common.Address, req pool.BorrowRequest) (*pool.Loan, error)
	Repay(ctx context.Context, caller common.Address, encoded []byte) (*big.Int, error)
	Refinance(ctx context.Context, caller common.Address, req pool.RefinanceRequest) (*pool.Refinancing, error)
	Liquidate(ctx context.Context, caller common.Address, encoded []byte) error
	OnLiquidationProceeds(ctx context.Context, caller common.Address, encoded []byte, proceeds *big.Int) (*pool.Settlement, error)
	Node(t tick.Tick) (*pool.Node, bool, error)
	Nodes() ([]*pool.Node, error)
	Loan(hash common.Hash) (*pool.LoanRecord, bool, error)
	AdminFees() (*big.Int, error)
}

// LiquidationBook lists loans whose collateral awaits sale.
type LiquidationBook interface {
	Pending() []collateral.Seized
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger        Ledger
	// Liquidations is optional; without it the pending list is empty.
	Liquidations  LiquidationBook
	Logger        *slog.Logger
	Auth          middleware.AuthConfig
	RateLimits    map[string]middleware.RateLimit
	CORS          middleware.CORSConfig
	Observability middleware.ObservabilityConfig
	// WriteScope, when set, is required on every mutating route.
	WriteScope string
}

// Server exposes a pool engine over JSON/HTTP.
type Server struct {
	ledger  Ledger
	logger  *slog.Logger
	metrics *metrics.PoolMetrics
	obs     *middleware.Observability
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	cfg     Config

	router http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("pool server: ledger required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		ledger:  cfg.Ledger,
		logger:  logger,
		metrics: metrics.Pool(),
		obs:     middleware.NewObservability(cfg.Observability, logger),
		auth:    middleware.NewAuthenticator(cfg.Auth, logger),
		limiter: middleware.NewRateLimiter(cfg.RateLimits, logger),
		cfg:     cfg,
	}
	srv.router = srv.buildRouter()
	return srv, nil
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.obs.Middleware)
	r.Use(middleware.CORS(s.cfg.CORS))

	r.Get("/healthz", s.Health)
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/metrics/http", s.obs.MetricsHandler())

	r.Route("/v1", func(api chi.Router) {
		api.Group(func(read chi.Router) {
			read.Use(s.auth.Middleware())
			read.Use(s.limiter.Middleware("read"))
			read.Get("/nodes", s.ListNodes)
			read.Get("/nodes/{tick}", s.GetNode)
			read.Get("/loans/{hash}", s.GetLoan)
			read.Get("/fees", s.GetFees)
			read.Get("/liquidations", s.ListLiquidations)
		})
		api.Group(func(write chi.Router) {
			if s.cfg.WriteScope != "" {
				write.Use(s.auth.Middleware(s.cfg.WriteScope))
			} else {
				write.Use(s.auth.Middleware())
			}
			write.Use(s.limiter.Middleware("write"))
			write.Post("/deposit", s.Deposit)
			write.Post("/redeem", s.Redeem)
			write.Post("/withdraw", s.Withdraw)
			write.Post("/quote", s.Quote)
			write.Post("/borrow", s.Borrow)
			write.Post("/repay", s.Repay)
			write.Post("/refinance", s.Refinance)
			write.Post("/liquidate", s.Liquidate)
			write.Post("/liquidations/proceeds", s.LiquidationProceeds)
		})
	})
	return r
}

// Health reports liveness.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListNodes returns every node in tick order.
func (s *Server) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.ledger.Nodes()
	if err != nil {
		s.fail(w, r, "nodes", err)
		return
	}
	views := make([]nodeView, len(nodes))
	for i, node := range nodes {
		views[i] = newNodeView(node)
		s.metrics.SetNodeLiquidity(node.Tick.String(), node.Deposited, node.Used)
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": views})
}

// GetNode returns one node.
func (s *Server) GetNode(w http.ResponseWriter, r *http.Request) {
	t, err := tick.Parse(chi.URLParam(r, "tick"))
	if err != nil {
		s.fail(w, r, "node", err)
		return
	}
	node, ok, err := s.ledger.Node(t)
	if err != nil {
		s.fail(w, r, "node", err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "node not found", Code: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, newNodeView(node))
}

// GetLoan reports the ledger status of a receipt hash. Unknown hashes report
// "uncreated".
func (s *Server) GetLoan(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHash(chi.URLParam(r, "hash"))
	if err != nil {
		s.fail(w, r, "loan", err)
		return
	}
	rec, ok, err := s.ledger.Loan(hash)
	if err != nil {
		s.fail(w, r, "loan", err)
		return
	}
	view := loanStatusView{Hash: hash.Hex(), Status: pool.LoanUncreated.String()}
	if ok {
		view.Status = rec.Status.String()
		view.Borrower = rec.Borrower.Hex()
		view.Maturity = rec.Maturity
		view.UpdatedAt = rec.UpdatedAt
	}
	writeJSON(w, http.StatusOK, view)
}

// GetFees returns the accrued admin fees.
func (s *Server) GetFees(w http.ResponseWriter, r *http.Request) {
	fees, err := s.ledger.AdminFees()
	if err != nil {
		s.fail(w, r, "fees", err)
		return
	}
	s.metrics.SetAdminFees(fees)
	writeJSON(w, http.StatusOK, map[string]string{"admin": amountString(fees)})
}

// ListLiquidations returns seized loans awaiting proceeds, oldest first.
func (s *Server) ListLiquidations(w http.ResponseWriter, r *http.Request) {
	views := []seizedView{}
	if s.cfg.Liquidations != nil {
		for _, seized := range s.cfg.Liquidations.Pending() {
			views = append(views, newSeizedView(seized))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": views})
}

// Deposit adds liquidity to a tick.
func (s *Server) Deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	caller, ok := s.decode(w, r, "deposit", &req)
	if !ok {
		return
	}
	s.run(w, r, "deposit", func(ctx context.Context) (int, any, error) {
		t, err := tick.Parse(req.Tick)
		if err != nil {
			return 0, nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return 0, nil, err
		}
		shares, err := s.ledger.Deposit(ctx, caller, t, amount)
		if err != nil {
			return 0, nil, err
		}
		s.publishNode(t)
		return http.StatusOK, depositResponse{Tick: t.String(), Shares: shares.String()}, nil
	})
}

// Redeem queues shares for redemption.
func (s *Server) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	caller, ok := s.decode(w, r, "redeem", &req)
	if !ok {
		return
	}
	s.run(w, r, "redeem", func(ctx context.Context) (int, any, error) {
		t, err := tick.Parse(req.Tick)
		if err != nil {
			return 0, nil, err
		}
		shares, err := parseAmount("shares", req.Shares)
		if err != nil {
			return 0, nil, err
		}
		redemption, estimate, err := s.ledger.Redeem(ctx, caller, t, shares)
		if err != nil {
			return 0, nil, err
		}
		s.publishNode(t)
		return http.StatusOK, newRedemptionView(redemption, estimate), nil
	})
}

// Withdraw pays out a fulfilled redemption.
func (s *Server) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	caller, ok := s.decode(w, r, "withdraw", &req)
	if !ok {
		return
	}
	s.run(w, r, "withdraw", func(ctx context.Context) (int, any, error) {
		t, err := tick.Parse(req.Tick)
		if err != nil {
			return 0, nil, err
		}
		amount, err := s.ledger.Withdraw(ctx, caller, t, req.ID)
		if err != nil {
			return 0, nil, err
		}
		s.publishNode(t)
		return http.StatusOK, withdrawResponse{Amount: amount.String()}, nil
	})
}

// Quote prices a loan without originating it.
func (s *Server) Quote(w http.ResponseWriter, r *http.Request) {
	s.originate(w, r, "quote", s.ledger.Quote, http.StatusOK)
}

// Borrow originates a loan and returns its receipt.
func (s *Server) Borrow(w http.ResponseWriter, r *http.Request) {
	s.originate(w, r, "borrow", s.ledger.Borrow, http.StatusCreated)
}

func (s *Server) originate(w http.ResponseWriter, r *http.Request, op string,
	fn func(context.Context, common.Address, pool.BorrowRequest) (*pool.Loan, error), status int) {
	var req borrowRequest
	caller, ok := s.decode(w, r, op, &req)
	if !ok {
		return
	}
	s.run(w, r, op, func(ctx context.Context) (int, any, error) {
		borrow, err := toBorrowRequest(req)
		if err != nil {
			return 0, nil, err
		}
		loan, err := fn(ctx, caller, borrow)
		if err != nil {
			return 0, nil, err
		}
		if op == "borrow" {
			s.metrics.IncLoanTransition(pool.LoanActive.String())
			for _, t := range borrow.Ticks {
				s.publishNode(t)
			}
		}
		return status, newLoanView(loan), nil
	})
}

// Repay settles an active loan.
func (s *Server) Repay(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	caller, ok := s.decode(w, r, "repay", &req)
	if !ok {
		return
	}
	s.run(w, r, "repay", func(ctx context.Context) (int, any, error) {
		encoded, err := parseReceipt(req.Receipt)
		if err != nil {
			return 0, nil, err
		}
		repayment, err := s.ledger.Repay(ctx, caller, encoded)
		if err != nil {
			return 0, nil, err
		}
		s.metrics.IncLoanTransition(pool.LoanRepaid.String())
		return http.StatusOK, repayResponse{Repayment: repayment.String()}, nil
	})
}

// Refinance replaces an active loan with new terms.
func (s *Server) Refinance(w http.ResponseWriter, r *http.Request) {
	var req refinanceRequest
	caller, ok := s.decode(w, r, "refinance", &req)
	if !ok {
		return
	}
	s.run(w, r, "refinance", func(ctx context.Context) (int, any, error) {
		encoded, err := parseReceipt(req.Receipt)
		if err != nil {
			return 0, nil, err
		}
		terms, err := toBorrowRequest(borrowRequest{
			Principal:    req.Principal,
			Duration:     req.Duration,
			MaxRepayment: req.MaxRepayment,
			Ticks:        req.Ticks,
		})
		if err != nil {
			return 0, nil, err
		}
		result, err := s.ledger.Refinance(ctx, caller, pool.RefinanceRequest{
			Receipt:      encoded,
			Principal:    terms.Principal,
			Duration:     terms.Duration,
			MaxRepayment: terms.MaxRepayment,
			Ticks:        terms.Ticks,
		})
		if err != nil {
			return 0, nil, err
		}
		s.metrics.IncLoanTransition(pool.LoanRepaid.String())
		s.metrics.IncLoanTransition(pool.LoanActive.String())
		return http.StatusCreated, refinanceResponse{
			Loan:    newLoanView(result.Loan),
			OldHash: result.OldHash.Hex(),
			Net:     amountString(result.Net),
		}, nil
	})
}

// Liquidate hands an expired loan's collateral to the liquidator.
func (s *Server) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	caller, ok := s.decode(w, r, "liquidate", &req)
	if !ok {
		return
	}
	s.run(w, r, "liquidate", func(ctx context.Context) (int, any, error) {
		encoded, err := parseReceipt(req.Receipt)
		if err != nil {
			return 0, nil, err
		}
		if err := s.ledger.Liquidate(ctx, caller, encoded); err != nil {
			return 0, nil, err
		}
		s.metrics.IncLoanTransition(pool.LoanLiquidated.String())
		return http.StatusAccepted, map[string]string{"status": pool.LoanLiquidated.String()}, nil
	})
}

// LiquidationProceeds applies liquidation proceeds to the funding nodes.
func (s *Server) LiquidationProceeds(w http.ResponseWriter, r *http.Request) {
	var req proceedsRequest
	caller, ok := s.decode(w, r, "proceeds", &req)
	if !ok {
		return
	}
	s.run(w, r, "proceeds", func(ctx context.Context) (int, any, error) {
		encoded, err := parseReceipt(req.Receipt)
		if err != nil {
			return 0, nil, err
		}
		proceeds, err := parseAmount("proceeds", req.Proceeds)
		if err != nil {
			return 0, nil, err
		}
		settlement, err := s.ledger.OnLiquidationProceeds(ctx, caller, encoded, proceeds)
		if err != nil {
			return 0, nil, err
		}
		s.metrics.IncLoanTransition(pool.LoanCollateralLiquidated.String())
		return http.StatusOK, newSettlementView(settlement), nil
	})
}

func toBorrowRequest(req borrowRequest) (pool.BorrowRequest, error) {
	principal, err := parseAmount("principal", req.Principal)
	if err != nil {
		return pool.BorrowRequest{}, err
	}
	maxRepayment, err := parseOptionalAmount("max_repayment", req.MaxRepayment)
	if err != nil {
		return pool.BorrowRequest{}, err
	}
	ticks, err := parseTicks(req.Ticks)
	if err != nil {
		return pool.BorrowRequest{}, err
	}
	out := pool.BorrowRequest{
		Principal:    principal,
		Duration:     req.Duration,
		MaxRepayment: maxRepayment,
		Ticks:        ticks,
	}
	if req.Collateral.Token != "" {
		col, err := parseCollateral(req.Collateral)
		if err != nil {
			return pool.BorrowRequest{}, err
		}
		out.Collateral = col
	}
	return out, nil
}

// decode reads the JSON body and resolves the caller. It writes the error
// response itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, op string, dst any) (common.Address, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "caller required", Code: "unauthenticated"})
		return common.Address{}, false
	}
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		s.fail(w, r, op, errInvalidPayload)
		return common.Address{}, false
	}
	return caller, true
}

// run executes one ledger operation inside a span and records its outcome.
func (s *Server) run(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) (int, any, error)) {
	start := time.Now()
	ctx, span := telemetry.Tracer().Start(r.Context(), "pool."+op)
	defer span.End()

	status, body, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(w, r.WithContext(ctx), op, err)
		s.metrics.ObserveOperation(op, outcomeOf(err), time.Since(start))
		return
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	s.metrics.ObserveOperation(op, "ok", time.Since(start))
	writeJSON(w, status, body)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("pool request failed",
			slog.String("op", op),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.Any("error", err))
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func (s *Server) publishNode(t tick.Tick) {
	node, ok, err := s.ledger.Node(t)
	if err != nil || !ok {
		return
	}
	s.metrics.SetNodeLiquidity(t.String(), node.Deposited, node.Used)
}

func outcomeOf(err error) string {
	_, code := statusFor(err)
	return code
}

func parseHash(value string) (common.Hash, error) {
	data, err := hexutil.Decode(strings.TrimSpace(value))
	if err != nil || len(data) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: malformed hash", pool.ErrInvalidReceipt)
	}
	return common.BytesToHash(data), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
