package gateway

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yoyowasa/crypto-neutral-bot/internal/domain"
)

// Venue feeds are not uniform: order-book channels carry bid and ask
// levels as [price, size] string pairs, ticker channels carry a flat
// object with the best quote. Both collapse into a BboSnapshot here, and
// an unrecognized payload is dropped with a warning so one odd frame
// never takes the stream down.

type levelBook struct {
	Symbol string      `json:"s"`
	Bids   [][2]string `json:"b"`
	Asks   [][2]string `json:"a"`
}

type tickerBook struct {
	Symbol    string `json:"symbol"`
	BidPrice  string `json:"bid1Price"`
	BidSize   string `json:"bid1Size"`
	AskPrice  string `json:"ask1Price"`
	AskSize   string `json:"ask1Size"`
}

// NormalizeBookUpdate converts one raw book payload into a BboSnapshot.
// The second return is false when the shape is unrecognized or carries
// no usable quote.
func NormalizeBookUpdate(raw json.RawMessage, ts time.Time) (domain.BboSnapshot, bool) {
	var lv levelBook
	if err := json.Unmarshal(raw, &lv); err == nil && (len(lv.Bids) > 0 || len(lv.Asks) > 0) {
		return fromLevels(lv, ts)
	}

	var tk tickerBook
	if err := json.Unmarshal(raw, &tk); err == nil && (tk.BidPrice != "" || tk.AskPrice != "") {
		return fromTicker(tk, ts)
	}

	slog.Warn("dropping unrecognized book update", slog.String("payload", truncate(raw, 200)))
	return domain.BboSnapshot{}, false
}

func fromLevels(lv levelBook, ts time.Time) (domain.BboSnapshot, bool) {
	bbo := domain.BboSnapshot{Symbol: lv.Symbol, ObservedAt: ts}
	if len(lv.Bids) > 0 {
		p, s, err := parseLevel(lv.Bids[0])
		if err != nil {
			slog.Warn("dropping book update with bad bid level", slog.Any("err", err))
			return domain.BboSnapshot{}, false
		}
		bbo.Bid, bbo.BidSize = p, s
	}
	if len(lv.Asks) > 0 {
		p, s, err := parseLevel(lv.Asks[0])
		if err != nil {
			slog.Warn("dropping book update with bad ask level", slog.Any("err", err))
			return domain.BboSnapshot{}, false
		}
		bbo.Ask, bbo.AskSize = p, s
	}
	return bbo, bbo.HasBid() || bbo.HasAsk()
}

func fromTicker(tk tickerBook, ts time.Time) (domain.BboSnapshot, bool) {
	bbo := domain.BboSnapshot{Symbol: tk.Symbol, ObservedAt: ts}
	var err error
	if tk.BidPrice != "" {
		if bbo.Bid, bbo.BidSize, err = parsePair(tk.BidPrice, tk.BidSize); err != nil {
			slog.Warn("dropping ticker update with bad bid", slog.Any("err", err))
			return domain.BboSnapshot{}, false
		}
	}
	if tk.AskPrice != "" {
		if bbo.Ask, bbo.AskSize, err = parsePair(tk.AskPrice, tk.AskSize); err != nil {
			slog.Warn("dropping ticker update with bad ask", slog.Any("err", err))
			return domain.BboSnapshot{}, false
		}
	}
	return bbo, bbo.HasBid() || bbo.HasAsk()
}

func parseLevel(level [2]string) (price, size decimal.Decimal, err error) {
	return parsePair(level[0], level[1])
}

func parsePair(priceStr, sizeStr string) (price, size decimal.Decimal, err error) {
	price, err = decimal.NewFromString(priceStr)
	if err != nil {
		return
	}
	if sizeStr == "" {
		return
	}
	size, err = decimal.NewFromString(sizeStr)
	return
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
