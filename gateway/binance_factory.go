package gateway

import (
	"context"
	"net/http"

	"github.com/shopspring/decimal"

	"grid-maker-go/metrics"
	"grid-maker-go/order"
)

// Options 构建 Binance 网关所需参数。
type Options struct {
	RESTURL   string
	WSURL     string
	APIKey    string
	APISecret string
	Rate      float64
	Burst     int
	Metrics   *metrics.Collector
}

// Binance 单交易对的下单网关，实现 order.Gateway 与 order.SnapshotSource。
// 网格单使用 GTX（只做 maker），平仓单使用 GTC + reduceOnly 以便立即成交。
type Binance struct {
	Symbol string
	REST   *BinanceRESTClient
}

// NewBinance 根据配置构建 REST 客户端；httpCli 为 nil 时使用默认客户端。
func NewBinance(symbol string, opts Options, httpCli *http.Client) *Binance {
	if httpCli == nil {
		httpCli = NewDefaultHTTPClient()
	}
	if opts.RESTURL == "" {
		opts.RESTURL = BinanceFuturesRESTURL
	}
	var limiter RateLimiter
	if opts.Rate > 0 {
		limiter = NewTokenBucketLimiter(opts.Rate, opts.Burst)
	}
	return &Binance{
		Symbol: symbol,
		REST: &BinanceRESTClient{
			BaseURL:      opts.RESTURL,
			APIKey:       opts.APIKey,
			Secret:       opts.APISecret,
			HTTPClient:   httpCli,
			RecvWindowMs: 5000,
			Limiter:      limiter,
			Metrics:      opts.Metrics,
		},
	}
}

// formatDecimal 以最短十进制表示输出，避免 %f 截断精度。
func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func (b *Binance) Submit(ctx context.Context, req order.SubmitRequest) (string, error) {
	tif := "GTX"
	if req.ReduceOnly {
		tif = "GTC"
	}
	return b.REST.PlaceLimit(ctx, LimitOrder{
		Symbol:      b.Symbol,
		Side:        req.Side.ExchangeSide(),
		TimeInForce: tif,
		Price:       formatDecimal(req.Price),
		Quantity:    formatDecimal(req.Size),
		ReduceOnly:  req.ReduceOnly,
		ClientID:    req.ClientID,
	})
}

func (b *Binance) Cancel(ctx context.Context, orderID string) error {
	return b.REST.CancelOrder(ctx, b.Symbol, orderID)
}

func (b *Binance) CancelByClientID(ctx context.Context, clientID string) error {
	return b.REST.CancelOrderByClientID(ctx, b.Symbol, clientID)
}

func (b *Binance) OpenOrders(ctx context.Context) ([]order.LiveOrder, error) {
	return b.REST.OpenOrders(ctx, b.Symbol)
}

func (b *Binance) Position(ctx context.Context) (order.PositionSnapshot, error) {
	return b.REST.Position(ctx, b.Symbol)
}
