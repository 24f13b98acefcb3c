package broker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/database"
	"turtle-trading-bot/internal/kis"
)

// ExchangeResolver maps a US symbol to its venue exchange code (NAS, NYS,
// AMS). The orchestrator provides one backed by the stocks table.
type ExchangeResolver func(symbol string) string

// LiveBroker trades one market through the venue client. The client's
// paper flag selects the venue's simulated account; the Broker contract is
// identical either way.
type LiveBroker struct {
	client      *kis.Client
	market      database.Market
	exchangeFor ExchangeResolver
	log         zerolog.Logger
	connected   bool
}

var _ Broker = (*LiveBroker)(nil)

// NewLiveBroker builds a live broker for one market.
func NewLiveBroker(client *kis.Client, market database.Market, log zerolog.Logger) *LiveBroker {
	return &LiveBroker{
		client: client,
		market: market,
		exchangeFor: func(string) string {
			return "NASD"
		},
		log: log.With().Str("component", "live_broker").Str("market", string(market)).Logger(),
	}
}

// SetExchangeResolver installs a symbol-to-exchange mapping for US stocks.
func (b *LiveBroker) SetExchangeResolver(fn ExchangeResolver) {
	if fn != nil {
		b.exchangeFor = fn
	}
}

// quoteExchange converts an order-routing exchange code (NASD, NYSE, AMEX)
// to the quote endpoint's short form.
func quoteExchange(code string) string {
	switch code {
	case "NASD":
		return "NAS"
	case "NYSE":
		return "NYS"
	case "AMEX":
		return "AMS"
	}
	return code
}

func (b *LiveBroker) Connect(ctx context.Context) error {
	if err := b.client.EnsureToken(ctx); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}
	b.connected = true
	b.log.Info().Bool("paper_trading", b.client.IsPaper()).Msg("broker connected")
	return nil
}

func (b *LiveBroker) Disconnect(ctx context.Context) error {
	b.connected = false
	b.log.Info().Msg("broker disconnected")
	return nil
}

func (b *LiveBroker) GetBalance(ctx context.Context) (*AccountBalance, error) {
	var (
		summary *kis.AccountSummary
		err     error
	)
	if b.market == database.MarketUS {
		summary, err = b.client.GetOverseasBalance(ctx)
	} else {
		summary, err = b.client.GetDomesticBalance(ctx)
	}
	if err != nil {
		return nil, err
	}
	return &AccountBalance{
		TotalValue:      summary.TotalValue,
		CashBalance:     summary.CashBalance,
		SecuritiesValue: summary.SecuritiesValue,
		BuyingPower:     summary.BuyingPower,
	}, nil
}

// GetPositions is served from the store in this system; the venue's own
// holdings view is only needed for reconciliation and is intentionally
// minimal here.
func (b *LiveBroker) GetPositions(ctx context.Context) ([]Position, error) {
	return nil, nil
}

func (b *LiveBroker) GetPosition(ctx context.Context, symbol string) (*Position, error) {
	return nil, nil
}

func (b *LiveBroker) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if b.market == database.MarketUS {
		return b.client.GetOverseasPrice(ctx, quoteExchange(b.exchangeFor(symbol)), symbol)
	}
	return b.client.GetDomesticPrice(ctx, symbol)
}

func (b *LiveBroker) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	b.log.Info().
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("method", string(req.Method)).
		Int64("quantity", req.Quantity).
		Str("price", req.Price.String()).
		Msg("submitting order")

	var (
		ack *kis.OrderAck
		err error
	)
	buy := req.Side == SideBuy

	if b.market == database.MarketUS {
		price := req.Price
		if !price.IsPositive() {
			// The overseas endpoint needs a limit price; peg market
			// orders to the current quote.
			price, err = b.GetCurrentPrice(ctx, req.Symbol)
			if err != nil {
				return nil, fmt.Errorf("price for market order: %w", err)
			}
		}
		ack, err = b.client.PlaceOverseasOrder(ctx, b.exchangeFor(req.Symbol), req.Symbol, buy, req.Quantity, price)
	} else {
		price := decimal.Zero
		if req.Method == MethodLimit {
			price = req.Price
		}
		ack, err = b.client.PlaceDomesticOrder(ctx, req.Symbol, buy, req.Quantity, price)
	}

	if err != nil {
		b.log.Error().Err(err).Str("symbol", req.Symbol).Msg("order submission failed")
		return &OrderResult{Success: false, Message: err.Error()}, err
	}

	b.log.Info().
		Str("symbol", req.Symbol).
		Str("broker_order_id", ack.OrderNo).
		Msg("order accepted")

	return &OrderResult{
		Success: true,
		OrderID: ack.OrderNo,
		Message: "accepted",
		Raw:     ack.Raw,
	}, nil
}

// CancelOrder is unused by the market-order flows but part of the contract.
func (b *LiveBroker) CancelOrder(ctx context.Context, orderID string) error {
	return fmt.Errorf("cancel not supported for order %s", orderID)
}

func (b *LiveBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	if b.market == database.MarketUS {
		// The overseas execution report lags; callers fall back to the
		// signal price when no status is available.
		return nil, fmt.Errorf("no execution report for %s yet", orderID)
	}

	fill, err := b.client.GetDomesticOrderFill(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderStatus{
		OrderID:        fill.OrderNo,
		Status:         fill.Status,
		FilledQuantity: fill.FilledQty,
		FilledPrice:    fill.FilledPrice,
	}, nil
}
