package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
	"github.com/yoyowasa/crypto-neutral-bot/internal/infra"
)

// SubscribePublic opens the market data stream and routes normalized
// best-quote updates into the cache and the handler.
func (g *LiveGateway) SubscribePublic(ctx context.Context, symbols []string, handler BookUpdateHandler) error {
	h := &publicStreamHandler{gw: g, symbols: symbols, handler: handler}
	w := infra.NewStreamWorker(h, g.cfg.Retry)

	g.mu.Lock()
	g.publicWS = w
	g.mu.Unlock()

	w.Start(ctx)
	return nil
}

// SubscribePrivate opens the authenticated execution stream. The handler's
// OnStreamUp fires after every successful auth+subscribe, including
// reconnects, which is the engine's cue to reconcile.
func (g *LiveGateway) SubscribePrivate(ctx context.Context, handler PrivateStreamHandler) error {
	h := &privateStreamHandler{gw: g, handler: handler}
	w := infra.NewStreamWorker(h, g.cfg.Retry)

	g.mu.Lock()
	g.privateWS = w
	g.mu.Unlock()

	w.Start(ctx)
	return nil
}

// PrivateStreamConnected reports whether the execution stream currently
// holds a connection.
func (g *LiveGateway) PrivateStreamConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.privateWS != nil && g.privateWS.Connected()
}

type wsCommand struct {
	Op   string   `json:"op"`
	Args []string `json:"args,omitempty"`
}

type publicStreamHandler struct {
	gw      *LiveGateway
	symbols []string
	handler BookUpdateHandler
}

func (h *publicStreamHandler) ID() string  { return "public" }
func (h *publicStreamHandler) URL() string { return h.gw.cfg.PublicWSURL }

func (h *publicStreamHandler) OnUp(ctx context.Context, conn *websocket.Conn) error {
	topics := make([]string, 0, len(h.symbols))
	for _, s := range h.symbols {
		topics = append(topics, "orderbook.1."+s)
	}
	sub, _ := json.Marshal(wsCommand{Op: "subscribe", Args: topics})
	return conn.WriteMessage(websocket.TextMessage, sub)
}

func (h *publicStreamHandler) OnPing(ctx context.Context, conn *websocket.Conn) error {
	ping, _ := json.Marshal(wsCommand{Op: "ping"})
	return conn.WriteMessage(websocket.TextMessage, ping)
}

func (h *publicStreamHandler) OnDown(ctx context.Context, err error) {
	slog.Warn("public stream down", slog.Any("err", err))
}

type wsEnvelope struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

func (h *publicStreamHandler) OnMessage(ctx context.Context, msg []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Topic == "" {
		return // op acks and pongs
	}

	ts := time.UnixMilli(env.Ts)
	if env.Ts == 0 {
		ts = time.Now()
	}
	bbo, ok := NormalizeBookUpdate(env.Data, ts)
	if !ok {
		return
	}

	h.gw.books.Update(bbo)
	if h.handler != nil {
		h.handler.OnBookUpdate(bbo)
	}
}

type privateStreamHandler struct {
	gw      *LiveGateway
	handler PrivateStreamHandler
}

func (h *privateStreamHandler) ID() string  { return "private" }
func (h *privateStreamHandler) URL() string { return h.gw.cfg.PrivateWSURL }

func (h *privateStreamHandler) OnUp(ctx context.Context, conn *websocket.Conn) error {
	expires := strconv.FormatInt(time.Now().Add(10*time.Second).UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(h.gw.cfg.SecretKey))
	mac.Write([]byte("GET/realtime" + expires))
	sign := hex.EncodeToString(mac.Sum(nil))

	auth, _ := json.Marshal(wsCommand{Op: "auth", Args: []string{h.gw.cfg.AccessKey, expires, sign}})
	if err := conn.WriteMessage(websocket.TextMessage, auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	sub, _ := json.Marshal(wsCommand{Op: "subscribe", Args: []string{"order"}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	h.handler.OnStreamUp()
	return nil
}

func (h *privateStreamHandler) OnPing(ctx context.Context, conn *websocket.Conn) error {
	ping, _ := json.Marshal(wsCommand{Op: "ping"})
	return conn.WriteMessage(websocket.TextMessage, ping)
}

func (h *privateStreamHandler) OnDown(ctx context.Context, err error) {
	h.handler.OnStreamDown(err)
}

// OnMessage converts order-topic frames into ExecutionEvents. The venue
// reports cumulative executed quantity; the engine derives per-event
// deltas from it, so DeltaQty stays zero here.
func (h *privateStreamHandler) OnMessage(ctx context.Context, msg []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil || env.Topic != "order" {
		return
	}

	var orders []wireOrder
	if err := json.Unmarshal(env.Data, &orders); err != nil {
		slog.Warn("dropping malformed order frame", slog.Any("err", err))
		return
	}

	for _, w := range orders {
		ev := domain.ExecutionEvent{
			ClientOrderID: w.OrderLinkID,
			VenueOrderID:  w.OrderID,
			ExecID:        w.OrderID + ":" + w.UpdatedTime,
			Symbol:        w.Symbol,
			Status:        wireStatus(w.OrderStatus),
			Ts:            time.UnixMilli(env.Ts),
		}
		ev.CumQty, _ = decimal.NewFromString(w.CumExecQty)
		ev.ExecPrice, _ = decimal.NewFromString(w.AvgPrice)
		h.handler.OnExecutionEvent(ev)
	}
}
