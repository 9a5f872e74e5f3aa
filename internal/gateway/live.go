package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
	"github.com/yoyowasa/crypto-neutral-bot/internal/infra"
)

const recvWindow = "5000"

// Venue retCodes that need special handling.
const (
	retCodeOK          = 0
	retCodeDupLinkID   = 110072 // client order id already used
	retCodeOrderClosed = 110001 // order not exists or finished
)

// LiveConfig carries the venue endpoints and credentials for a
// LiveGateway.
type LiveConfig struct {
	RestURL      string
	PublicWSURL  string
	PrivateWSURL string
	AccessKey    string
	SecretKey    string
	Category     string // venue product category, e.g. "linear"

	RequestTimeout time.Duration
	BboMaxAge      time.Duration
	Retry          infra.RetryPolicy
	OrderLimiter   *infra.RateLimiter
	MarketLimiter  *infra.RateLimiter
}

// LiveGateway talks to the venue over signed REST plus public and private
// WebSocket streams. Order and market REST calls go through separate rate
// limiters; every REST call goes through the circuit breaker and the
// retry policy with transient-only classification.
type LiveGateway struct {
	cfg     LiveConfig
	rest    *resty.Client
	breaker *infra.Breaker
	books   *BboCache

	mu        sync.Mutex
	publicWS  *infra.StreamWorker
	privateWS *infra.StreamWorker
}

// NewLiveGateway builds a gateway against cfg. Limiters left nil are
// replaced by permissive defaults.
func NewLiveGateway(cfg LiveConfig) *LiveGateway {
	if cfg.Category == "" {
		cfg.Category = "linear"
	}
	if cfg.OrderLimiter == nil {
		cfg.OrderLimiter = infra.NewRateLimiter(10, 10)
	}
	if cfg.MarketLimiter == nil {
		cfg.MarketLimiter = infra.NewRateLimiter(20, 20)
	}
	rest := resty.New().
		SetBaseURL(cfg.RestURL).
		SetTimeout(cfg.RequestTimeout).
		SetHeader("Content-Type", "application/json")

	return &LiveGateway{
		cfg:     cfg,
		rest:    rest,
		breaker: infra.NewBreaker("venue-rest", 5, 2, 30*time.Second),
		books:   NewBboCache(cfg.BboMaxAge),
	}
}

// envelope is the venue's uniform REST response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (g *LiveGateway) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(g.cfg.SecretKey))
	mac.Write([]byte(timestamp + g.cfg.AccessKey + recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (g *LiveGateway) signedHeaders(payload string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return map[string]string{
		"X-BAPI-API-KEY":     g.cfg.AccessKey,
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": recvWindow,
		"X-BAPI-SIGN":        g.sign(ts, payload),
	}
}

// call runs one REST request through the limiter, breaker, and retry
// policy. HTTP transport failures, 5xx, and 429 are transient; venue
// retCode failures are terminal unless the caller handles them.
func (g *LiveGateway) call(ctx context.Context, limiter *infra.RateLimiter, name string,
	do func(r *resty.Request) (*resty.Response, error)) (envelope, error) {

	var env envelope
	err := g.cfg.Retry.Do(ctx, name, domain.IsRetryable, func(ctx context.Context) error {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		return g.breaker.Do(func() error {
			resp, err := do(g.rest.R().SetContext(ctx))
			if err != nil {
				return domain.Transient(name, err)
			}
			if resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests {
				return domain.Transient(name, fmt.Errorf("http %d", resp.StatusCode()))
			}
			if resp.StatusCode() != http.StatusOK {
				return fmt.Errorf("%s: http %d: %s", name, resp.StatusCode(), resp.Body())
			}
			if err := json.Unmarshal(resp.Body(), &env); err != nil {
				return fmt.Errorf("%s: decode response: %w", name, err)
			}
			return nil
		})
	})
	return env, err
}

type wireInstrument struct {
	Symbol          string `json:"symbol"`
	BaseCoin        string `json:"baseCoin"`
	QuoteCoin       string `json:"quoteCoin"`
	PriceFilter     struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
	LotSizeFilter struct {
		QtyStep     string `json:"qtyStep"`
		MinOrderQty string `json:"minOrderQty"`
		MinNotional string `json:"minNotionalValue"`
	} `json:"lotSizeFilter"`
}

func (g *LiveGateway) FetchInstruments(ctx context.Context) ([]domain.InstrumentSpec, error) {
	env, err := g.call(ctx, g.cfg.MarketLimiter, "instruments", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParam("category", g.cfg.Category).Get("/v5/market/instruments-info")
	})
	if err != nil {
		return nil, err
	}
	if env.RetCode != retCodeOK {
		return nil, fmt.Errorf("instruments: venue code %d: %s", env.RetCode, env.RetMsg)
	}

	var result struct {
		List []wireInstrument `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("instruments: decode result: %w", err)
	}

	category := domain.CategoryLinearPerp
	if g.cfg.Category == "spot" {
		category = domain.CategorySpot
	}

	specs := make([]domain.InstrumentSpec, 0, len(result.List))
	for _, w := range result.List {
		spec := domain.InstrumentSpec{
			Symbol:     w.Symbol,
			Category:   category,
			BaseAsset:  w.BaseCoin,
			QuoteAsset: w.QuoteCoin,
		}
		var perr error
		if spec.TickSize, perr = decimal.NewFromString(w.PriceFilter.TickSize); perr != nil {
			continue
		}
		if spec.QtyStep, perr = decimal.NewFromString(w.LotSizeFilter.QtyStep); perr != nil {
			continue
		}
		if w.LotSizeFilter.MinOrderQty != "" {
			if spec.MinQty, perr = decimal.NewFromString(w.LotSizeFilter.MinOrderQty); perr != nil {
				continue
			}
		}
		if w.LotSizeFilter.MinNotional != "" {
			if spec.MinNotional, perr = decimal.NewFromString(w.LotSizeFilter.MinNotional); perr != nil {
				continue
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (g *LiveGateway) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	env, err := g.call(ctx, g.cfg.MarketLimiter, "balances", func(r *resty.Request) (*resty.Response, error) {
		query := "accountType=UNIFIED"
		return r.SetHeaders(g.signedHeaders(query)).
			SetQueryParam("accountType", "UNIFIED").
			Get("/v5/account/wallet-balance")
	})
	if err != nil {
		return nil, err
	}
	if env.RetCode != retCodeOK {
		return nil, fmt.Errorf("balances: venue code %d: %s", env.RetCode, env.RetMsg)
	}

	var result struct {
		List []struct {
			Coin []struct {
				Coin   string `json:"coin"`
				Free   string `json:"availableToWithdraw"`
				Locked string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("balances: decode result: %w", err)
	}

	var out []domain.Balance
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			b := domain.Balance{Asset: c.Coin}
			b.Free, _ = decimal.NewFromString(c.Free)
			b.Locked, _ = decimal.NewFromString(c.Locked)
			out = append(out, b)
		}
	}
	return out, nil
}

func (g *LiveGateway) GetPositions(ctx context.Context) ([]domain.Position, error) {
	env, err := g.call(ctx, g.cfg.MarketLimiter, "positions", func(r *resty.Request) (*resty.Response, error) {
		query := "category=" + g.cfg.Category + "&settleCoin=USDT"
		return r.SetHeaders(g.signedHeaders(query)).
			SetQueryParams(map[string]string{"category": g.cfg.Category, "settleCoin": "USDT"}).
			Get("/v5/position/list")
	})
	if err != nil {
		return nil, err
	}
	if env.RetCode != retCodeOK {
		return nil, fmt.Errorf("positions: venue code %d: %s", env.RetCode, env.RetMsg)
	}

	var result struct {
		List []struct {
			Symbol   string `json:"symbol"`
			Side     string `json:"side"`
			Size     string `json:"size"`
			AvgPrice string `json:"avgPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("positions: decode result: %w", err)
	}

	out := make([]domain.Position, 0, len(result.List))
	for _, p := range result.List {
		size, err := decimal.NewFromString(p.Size)
		if err != nil {
			continue
		}
		if p.Side == "Sell" {
			size = size.Neg()
		}
		pos := domain.Position{Symbol: p.Symbol, Qty: size}
		pos.AvgEntryPrice, _ = decimal.NewFromString(p.AvgPrice)
		out = append(out, pos)
	}
	return out, nil
}

func (g *LiveGateway) GetOpenOrders(ctx context.Context, symbol string) ([]domain.Order, error) {
	env, err := g.call(ctx, g.cfg.MarketLimiter, "open_orders", func(r *resty.Request) (*resty.Response, error) {
		query := "category=" + g.cfg.Category
		params := map[string]string{"category": g.cfg.Category}
		if symbol != "" {
			query += "&symbol=" + symbol
			params["symbol"] = symbol
		}
		return r.SetHeaders(g.signedHeaders(query)).
			SetQueryParams(params).
			Get("/v5/order/realtime")
	})
	if err != nil {
		return nil, err
	}
	if env.RetCode != retCodeOK {
		return nil, fmt.Errorf("open_orders: venue code %d: %s", env.RetCode, env.RetMsg)
	}

	var result struct {
		List []wireOrder `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return nil, fmt.Errorf("open_orders: decode result: %w", err)
	}

	out := make([]domain.Order, 0, len(result.List))
	for _, w := range result.List {
		out = append(out, w.toOrder())
	}
	return out, nil
}

// GetBBO serves the top of book from the stream-fed cache. A cold or
// stale cache falls back to a one-shot ticker query, which also refreshes
// the cache.
func (g *LiveGateway) GetBBO(symbol string) (domain.BboSnapshot, error) {
	if bbo, err := g.books.Get(symbol); err == nil {
		return bbo, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RequestTimeout)
	defer cancel()
	env, err := g.call(ctx, g.cfg.MarketLimiter, "ticker", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"category": g.cfg.Category,
			"symbol":   symbol,
		}).Get("/v5/market/tickers")
	})
	if err != nil {
		return domain.BboSnapshot{}, err
	}
	if env.RetCode != retCodeOK {
		return domain.BboSnapshot{}, fmt.Errorf("ticker: venue code %d: %s", env.RetCode, env.RetMsg)
	}

	var result struct {
		List []json.RawMessage `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return domain.BboSnapshot{}, fmt.Errorf("ticker: decode result: %w", err)
	}
	if len(result.List) == 0 {
		return domain.BboSnapshot{}, fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, symbol)
	}

	bbo, ok := NormalizeBookUpdate(result.List[0], time.Now())
	if !ok {
		return domain.BboSnapshot{}, fmt.Errorf("ticker: unrecognized shape for %s", symbol)
	}
	bbo.Symbol = symbol
	g.books.Update(bbo)
	return bbo, nil
}

func (g *LiveGateway) GetFundingInfo(ctx context.Context, symbol string) (domain.FundingInfo, error) {
	env, err := g.call(ctx, g.cfg.MarketLimiter, "funding", func(r *resty.Request) (*resty.Response, error) {
		return r.SetQueryParams(map[string]string{
			"category": g.cfg.Category,
			"symbol":   symbol,
		}).Get("/v5/market/tickers")
	})
	if err != nil {
		return domain.FundingInfo{}, err
	}
	if env.RetCode != retCodeOK {
		return domain.FundingInfo{}, fmt.Errorf("funding: venue code %d: %s", env.RetCode, env.RetMsg)
	}

	var result struct {
		List []struct {
			Symbol          string `json:"symbol"`
			FundingRate     string `json:"fundingRate"`
			NextFundingTime string `json:"nextFundingTime"`
		} `json:"list"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return domain.FundingInfo{}, fmt.Errorf("funding: decode result: %w", err)
	}
	if len(result.List) == 0 {
		return domain.FundingInfo{}, fmt.Errorf("%w: %s", domain.ErrUnknownInstrument, symbol)
	}

	t := result.List[0]
	fi := domain.FundingInfo{Symbol: t.Symbol, Interval: 8 * time.Hour}
	fi.PredictedRate, _ = decimal.NewFromString(t.FundingRate)
	if ms, err := strconv.ParseInt(t.NextFundingTime, 10, 64); err == nil {
		fi.NextFundingTime = time.UnixMilli(ms)
	}
	return fi, nil
}

// PlaceOrder submits the order. A duplicate client order id is not an
// error here: the venue already holds the order, so its id is looked up
// and returned as if this call had created it.
func (g *LiveGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	body := map[string]string{
		"category":    g.cfg.Category,
		"symbol":      req.Symbol,
		"side":        sideToWire(req.Side),
		"orderType":   typeToWire(req.Type),
		"qty":         req.Qty.String(),
		"orderLinkId": req.ClientOrderID,
	}
	if req.Type == domain.OrderTypeLimit {
		body["price"] = req.Price.String()
	}
	if req.TimeInForce != "" {
		body["timeInForce"] = string(req.TimeInForce)
	}
	if req.PostOnly {
		body["timeInForce"] = "PostOnly"
	}
	if req.ReduceOnly {
		body["reduceOnly"] = "true"
	}
	payload, _ := json.Marshal(body)

	env, err := g.call(ctx, g.cfg.OrderLimiter, "place_order", func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeaders(g.signedHeaders(string(payload))).
			SetBody(payload).
			Post("/v5/order/create")
	})
	if err != nil {
		return "", err
	}

	switch env.RetCode {
	case retCodeOK:
		var result struct {
			OrderID string `json:"orderId"`
		}
		if err := json.Unmarshal(env.Result, &result); err != nil {
			return "", fmt.Errorf("place_order: decode result: %w", err)
		}
		return result.OrderID, nil
	case retCodeDupLinkID:
		return g.resolveByLinkID(ctx, req.Symbol, req.ClientOrderID)
	default:
		return "", &domain.VenueRejection{
			Code:   strconv.Itoa(env.RetCode),
			Reason: env.RetMsg,
		}
	}
}

// resolveByLinkID finds the venue order id behind an already-known client
// order id so a resubmission converges on the original order.
func (g *LiveGateway) resolveByLinkID(ctx context.Context, symbol, clientOrderID string) (string, error) {
	orders, err := g.GetOpenOrders(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("resolve duplicate %s: %w", clientOrderID, err)
	}
	for _, o := range orders {
		if o.ClientOrderID == clientOrderID {
			return o.VenueOrderID, nil
		}
	}
	return "", fmt.Errorf("%w: duplicate id %s not open on venue", domain.ErrDuplicateClientOrderID, clientOrderID)
}

func (g *LiveGateway) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	body := map[string]string{
		"category":    g.cfg.Category,
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
	}
	payload, _ := json.Marshal(body)

	env, err := g.call(ctx, g.cfg.OrderLimiter, "cancel_order", func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeaders(g.signedHeaders(string(payload))).
			SetBody(payload).
			Post("/v5/order/cancel")
	})
	if err != nil {
		return err
	}
	// Cancelling an already-terminal order is a no-op, not a failure.
	if env.RetCode != retCodeOK && env.RetCode != retCodeOrderClosed {
		return &domain.VenueRejection{Code: strconv.Itoa(env.RetCode), Reason: env.RetMsg}
	}
	return nil
}

func (g *LiveGateway) AmendOrder(ctx context.Context, symbol, clientOrderID string, newPrice decimal.Decimal) error {
	body := map[string]string{
		"category":    g.cfg.Category,
		"symbol":      symbol,
		"orderLinkId": clientOrderID,
		"price":       newPrice.String(),
	}
	payload, _ := json.Marshal(body)

	env, err := g.call(ctx, g.cfg.OrderLimiter, "amend_order", func(r *resty.Request) (*resty.Response, error) {
		return r.SetHeaders(g.signedHeaders(string(payload))).
			SetBody(payload).
			Post("/v5/order/amend")
	})
	if err != nil {
		return err
	}
	if env.RetCode != retCodeOK {
		return &domain.VenueRejection{Code: strconv.Itoa(env.RetCode), Reason: env.RetMsg}
	}
	return nil
}

func (g *LiveGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.publicWS != nil {
		g.publicWS.Stop()
	}
	if g.privateWS != nil {
		g.privateWS.Stop()
	}
	return nil
}

func sideToWire(s domain.Side) string {
	if s == domain.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func typeToWire(t domain.OrderType) string {
	if t == domain.OrderTypeMarket {
		return "Market"
	}
	return "Limit"
}

// wireOrder is the venue's REST/stream order representation.
type wireOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	AvgPrice    string `json:"avgPrice"`
	OrderStatus string `json:"orderStatus"`
	TimeInForce string `json:"timeInForce"`
	ReduceOnly  bool   `json:"reduceOnly"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

func (w wireOrder) toOrder() domain.Order {
	o := domain.Order{
		ClientOrderID: w.OrderLinkID,
		VenueOrderID:  w.OrderID,
		Symbol:        w.Symbol,
		Status:        wireStatus(w.OrderStatus),
		ReduceOnly:    w.ReduceOnly,
	}
	if w.Side == "Buy" {
		o.Side = domain.SideBuy
	} else {
		o.Side = domain.SideSell
	}
	if w.OrderType == "Market" {
		o.Type = domain.OrderTypeMarket
	} else {
		o.Type = domain.OrderTypeLimit
	}
	switch w.TimeInForce {
	case "IOC":
		o.TimeInForce = domain.TifIOC
	case "FOK":
		o.TimeInForce = domain.TifFOK
	case "PostOnly":
		o.TimeInForce = domain.TifGTC
		o.PostOnly = true
	default:
		o.TimeInForce = domain.TifGTC
	}
	o.Price, _ = decimal.NewFromString(w.Price)
	o.Qty, _ = decimal.NewFromString(w.Qty)
	o.ExecQty, _ = decimal.NewFromString(w.CumExecQty)
	o.AvgFillPrice, _ = decimal.NewFromString(w.AvgPrice)
	if ms, err := strconv.ParseInt(w.CreatedTime, 10, 64); err == nil {
		o.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(w.UpdatedTime, 10, 64); err == nil {
		o.UpdatedAt = time.UnixMilli(ms)
	}
	return o
}

func wireStatus(s string) domain.OrderStatus {
	switch s {
	case "New", "Untriggered":
		return domain.StatusSent
	case "PartiallyFilled":
		return domain.StatusPartial
	case "Filled":
		return domain.StatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return domain.StatusCanceled
	case "Rejected":
		return domain.StatusRejected
	case "Expired", "Deactivated":
		return domain.StatusExpired
	default:
		return domain.StatusSent
	}
}
