package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Events is the set of channels a stream delivers into. Within one
// connection, events for a symbol are delivered in arrival order; nothing
// is guaranteed across a reconnect — the reconciliation loop's
// authoritative re-fetch repairs any gap, not replay.
type Events struct {
	Candles   chan<- CandleEvent
	Orders    chan<- OrderEvent
	Positions chan<- PositionEvent
	Errors    chan<- error
}

// WS streams one endpoint (public market data or the private account
// stream) and reconnects with capped exponential backoff, resubscribing to
// all topics on every new connection.
type WS struct {
	url         string
	key, secret string
	private     bool
}

func NewPublicWS(url string) *WS { return &WS{url: url} }

func NewPrivateWS(url, key, secret string) *WS {
	return &WS{url: url, key: key, secret: secret, private: true}
}

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	// A connection that lived this long is considered to have recovered;
	// the next failure starts the backoff progression over.
	healthyConnAge = time.Minute
)

// reconnectDelay returns the wait before the next dial attempt and the
// backoff to carry forward, given how long the last connection lived.
func reconnectDelay(backoff, lifetime time.Duration) (delay, next time.Duration) {
	if lifetime >= healthyConnAge {
		backoff = initialBackoff
	}
	next = backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return backoff, next
}

// Stream runs until ctx is cancelled.
func (w *WS) Stream(ctx context.Context, topics []string, ev Events, ping time.Duration) error {
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		started := time.Now()
		err := w.streamOnce(ctx, topics, ev, ping)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var delay time.Duration
		delay, backoff = reconnectDelay(backoff, time.Since(started))
		log.Warn().Err(err).Bool("private", w.private).Dur("backoff", delay).
			Msg("stream disconnected, reconnecting")
		sendErr(ev.Errors, fmt.Errorf("%w: %v", ErrReconnect, err))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type wsMessage struct {
	Topic   string          `json:"topic"`
	Op      string          `json:"op"`
	Success bool            `json:"success"`
	RetMsg  string          `json:"ret_msg"`
	Data    json.RawMessage `json:"data"`
}

func (w *WS) streamOnce(ctx context.Context, topics []string, ev Events, ping time.Duration) error {
	log.Info().Str("url", w.url).Bool("private", w.private).Strs("topics", topics).
		Msg("establishing stream connection")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer conn.Close()

	conn.SetReadLimit(512 * 1024)
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	if w.private {
		expires := strconv.FormatInt(time.Now().Add(10*time.Second).UnixMilli(), 10)
		auth := map[string]any{"op": "auth", "args": []string{w.key, expires, SignWS(w.secret, expires)}}
		if err := conn.WriteJSON(auth); err != nil {
			return fmt.Errorf("auth failed: %w", err)
		}
	}

	if err := conn.WriteJSON(map[string]any{"op": "subscribe", "args": topics}); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}

	pingTicker := time.NewTicker(ping)
	defer pingTicker.Stop()

	// The ticker drives pings from a helper goroutine so the read loop
	// below stays blocked on ReadMessage.
	writeDone := make(chan struct{})
	defer close(writeDone)
	go func() {
		for {
			select {
			case <-pingTicker.C:
				conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(map[string]any{"op": "ping"}); err != nil {
					return
				}
			case <-writeDone:
				return
			case <-ctx.Done():
				conn.Close() // unblocks ReadMessage
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message failed: %w", err)
		}

		var m wsMessage
		if err := json.Unmarshal(msg, &m); err != nil {
			log.Debug().Err(err).Str("message", string(msg)).Msg("failed to parse stream message")
			continue
		}

		switch {
		case m.Op == "auth" || m.Op == "subscribe":
			if !m.Success {
				return fmt.Errorf("%s rejected: %s", m.Op, m.RetMsg)
			}
			log.Info().Str("op", m.Op).Msg("stream handshake confirmed")
		case m.Op == "pong" || m.Op == "ping":
			// keep-alive
		case strings.HasPrefix(m.Topic, "kline."):
			if err := parseCandles(m, ev.Candles); err != nil {
				sendErr(ev.Errors, fmt.Errorf("parse kline: %w", err))
			}
		case m.Topic == "order":
			if err := parseOrders(m.Data, ev.Orders); err != nil {
				sendErr(ev.Errors, fmt.Errorf("parse order push: %w", err))
			}
		case m.Topic == "position":
			if err := parsePositions(m.Data, ev.Positions); err != nil {
				sendErr(ev.Errors, fmt.Errorf("parse position push: %w", err))
			}
		default:
			if m.Topic != "" {
				log.Debug().Str("topic", m.Topic).Msg("unknown stream topic")
			}
		}
	}
}

func parseCandles(m wsMessage, out chan<- CandleEvent) error {
	// Topic format: kline.<interval>.<symbol>
	parts := strings.SplitN(m.Topic, ".", 3)
	if len(parts) != 3 {
		return fmt.Errorf("malformed kline topic %q", m.Topic)
	}

	var rows []struct {
		Start     int64  `json:"start"`
		End       int64  `json:"end"`
		Interval  string `json:"interval"`
		Open      string `json:"open"`
		High      string `json:"high"`
		Low       string `json:"low"`
		Close     string `json:"close"`
		Volume    string `json:"volume"`
		Confirm   bool   `json:"confirm"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.Unmarshal(m.Data, &rows); err != nil {
		return err
	}

	for _, r := range rows {
		c := CandleEvent{
			Symbol:   parts[2],
			Interval: r.Interval,
			Open:     parseFloat(r.Open),
			High:     parseFloat(r.High),
			Low:      parseFloat(r.Low),
			Close:    parseFloat(r.Close),
			Volume:   parseFloat(r.Volume),
			Confirm:  r.Confirm,
			Start:    time.UnixMilli(r.Start),
			End:      time.UnixMilli(r.End),
		}
		if c.Close <= 0 {
			return fmt.Errorf("invalid close price in kline for %s", c.Symbol)
		}
		select {
		case out <- c:
		default:
			log.Warn().Str("symbol", c.Symbol).Msg("candle channel full, dropping event")
		}
	}
	return nil
}

func parseOrders(data json.RawMessage, out chan<- OrderEvent) error {
	var rows []struct {
		Symbol      string `json:"symbol"`
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
		OrderStatus string `json:"orderStatus"`
		CumExecQty  string `json:"cumExecQty"`
		AvgPrice    string `json:"avgPrice"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	for _, r := range rows {
		if r.Symbol == "" {
			return fmt.Errorf("order push missing symbol")
		}
		e := OrderEvent{
			Symbol:          r.Symbol,
			ClientOrderID:   r.OrderLinkID,
			ExchangeOrderID: r.OrderID,
			Status:          mapOrderStatus(r.OrderStatus),
			FilledQty:       parseFloat(r.CumExecQty),
			AvgPrice:        parseFloat(r.AvgPrice),
		}
		select {
		case out <- e:
		default:
			log.Warn().Str("symbol", e.Symbol).Msg("order channel full, dropping event")
		}
	}
	return nil
}

func parsePositions(data json.RawMessage, out chan<- PositionEvent) error {
	var rows []struct {
		Symbol      string `json:"symbol"`
		Side        string `json:"side"`
		Size        string `json:"size"`
		EntryPrice  string `json:"entryPrice"`
		MarkPrice   string `json:"markPrice"`
		Seq         int64  `json:"seq"`
		UpdatedTime string `json:"updatedTime"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	for _, r := range rows {
		if r.Symbol == "" {
			return fmt.Errorf("position push missing symbol")
		}
		qty := parseFloat(r.Size)
		e := PositionEvent{
			Symbol:        r.Symbol,
			Side:          mapPositionSide(r.Side, qty),
			Qty:           qty,
			EntryPrice:    parseFloat(r.EntryPrice),
			MarkPrice:     parseFloat(r.MarkPrice),
			SourceVersion: r.Seq,
		}
		select {
		case out <- e:
		default:
			log.Warn().Str("symbol", e.Symbol).Msg("position channel full, dropping event")
		}
	}
	return nil
}

func sendErr(errs chan<- error, err error) {
	select {
	case errs <- err:
	default:
	}
}
