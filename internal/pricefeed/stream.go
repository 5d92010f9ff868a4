package pricefeed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
	readTimeout   = 90 * time.Second
	pongWait      = 60 * time.Second
)

// streamClient consumes the exchange combined trade stream and feeds every
// trade price into the table via the apply callback.
type streamClient struct {
	url    string
	apply  func(PricePoint)
	logger zerolog.Logger
}

func newStreamClient(baseURL string, symbols []string, apply func(PricePoint), logger zerolog.Logger) *streamClient {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@aggTrade"
	}

	return &streamClient{
		url:    fmt.Sprintf("%s/stream?streams=%s", baseURL, strings.Join(streams, "/")),
		apply:  apply,
		logger: logger,
	}
}

// Run connects and reads until stopChan closes, reconnecting with
// exponential backoff on any failure.
func (sc *streamClient) Run(stopChan <-chan struct{}) {
	backoff := reconnectBase

	for {
		select {
		case <-stopChan:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(sc.url, nil)
		if err != nil {
			sc.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("price stream dial failed")
			select {
			case <-stopChan:
				return
			case <-time.After(backoff):
			}
			backoff = minDuration(backoff*2, reconnectMax)
			continue
		}

		sc.logger.Info().Msg("price stream connected")
		backoff = reconnectBase

		sc.readLoop(conn, stopChan)
		conn.Close()

		select {
		case <-stopChan:
			return
		default:
			sc.logger.Warn().Msg("price stream disconnected, reconnecting")
		}
	}
}

// combinedMessage is one frame from the combined stream endpoint.
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type aggTradeEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

func (sc *streamClient) readLoop(conn *websocket.Conn, stopChan <-chan struct{}) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	// The exchange drops idle connections; keep pinging.
	go func() {
		ticker := time.NewTicker(pongWait / 2)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-stopChan:
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-stopChan:
			default:
				sc.logger.Debug().Err(err).Msg("price stream read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		sc.handleMessage(message)
	}
}

func (sc *streamClient) handleMessage(message []byte) {
	var frame combinedMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		sc.logger.Debug().Err(err).Msg("unparseable stream frame")
		return
	}

	var trade aggTradeEvent
	if err := json.Unmarshal(frame.Data, &trade); err != nil || trade.EventType != "aggTrade" {
		return
	}

	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		sc.logger.Debug().Str("symbol", trade.Symbol).Str("price", trade.Price).Msg("unparseable trade price")
		return
	}

	sc.apply(PricePoint{
		Symbol:    trade.Symbol,
		Price:     price,
		Timestamp: time.UnixMilli(trade.TradeTime).UTC(),
	})
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
