// Package server fans the normalized market-data events out to dashboard
// clients over a websocket endpoint.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"marketfeed/internal/stream"
	"marketfeed/internal/types"
)

type messageType string

const (
	messageTypeCandles   messageType = "candles"
	messageTypeOrderbook messageType = "orderbook"
	messageTypeTicker    messageType = "ticker"
	messageTypeStatus    messageType = "status"
)

// CandleMessage carries one symbol/interval candle series
type CandleMessage struct {
	Type     messageType `json:"type"`
	Symbol   string      `json:"symbol"`
	Interval string      `json:"interval"`
	Candles  []Candle    `json:"candles"`
}

// Candle is the wire form of one candle; prices are decimal strings
type Candle struct {
	Time   string `json:"time"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume string `json:"volume"`
	Change string `json:"change"`
}

// OrderbookMessage carries one symbol's capped book with cumulative totals
type OrderbookMessage struct {
	Type         messageType  `json:"type"`
	Symbol       string       `json:"symbol"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID int64        `json:"lastUpdateId"`
}

type PriceLevel struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Cumulative string `json:"cumulative"`
}

// TickerMessage carries one symbol's 24h statistics
type TickerMessage struct {
	Type               messageType `json:"type"`
	Symbol             string      `json:"symbol"`
	LastPrice          string      `json:"lastPrice"`
	PriceChange        string      `json:"priceChange"`
	PriceChangePercent string      `json:"priceChangePercent"`
	WeightedAvgPrice   string      `json:"weightedAvgPrice"`
	HighPrice          string      `json:"highPrice"`
	LowPrice           string      `json:"lowPrice"`
	Volume             string      `json:"volume"`
	QuoteVolume        string      `json:"quoteVolume"`
	TradeCount         int64       `json:"count"`
}

// StatusMessage carries a connection status transition
type StatusMessage struct {
	Type   messageType  `json:"type"`
	Status types.Status `json:"status"`
}

// Server owns the set of connected dashboard clients and broadcasts every
// event pushed through Callbacks to all of them.
type Server struct {
	log       *zap.Logger
	upgrader  websocket.Upgrader
	mu        sync.RWMutex
	clients   map[*websocket.Conn]bool
	broadcast chan any
	once      sync.Once
}

// New creates a fan-out server with no clients
func New(log *zap.Logger) *Server {
	return &Server{
		log:       log,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan any, 256),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP routes: the client websocket endpoint plus
// metrics and health
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Run starts the broadcast loop and serves until the listener fails
func (s *Server) Run(addr string) error {
	s.once.Do(func() { go s.broadcastLoop() })
	s.log.Info("dashboard server starting", zap.String("addr", addr))
	return http.ListenAndServe(addr, s.Router())
}

// Callbacks returns a subscription callback bundle that forwards every event
// to the connected dashboard clients
func (s *Server) Callbacks() stream.Callbacks {
	return stream.Callbacks{
		OnCandles: func(series []types.Candle, symbol, interval string) {
			s.push(buildCandleMessage(series, symbol, interval))
		},
		OnOrderBook: func(book types.OrderBook, symbol string) {
			s.push(buildOrderbookMessage(book))
		},
		OnTicker: func(ticker types.Ticker, symbol string) {
			s.push(buildTickerMessage(ticker))
		},
		OnStatus: func(status types.Status) {
			s.push(StatusMessage{Type: messageTypeStatus, Status: status})
		},
	}
}

func (s *Server) push(msg any) {
	select {
	case s.broadcast <- msg:
	default:
		s.log.Warn("broadcast queue full, dropping message")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
	s.log.Info("dashboard client connected", zap.String("remote", r.RemoteAddr))

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		_ = conn.Close()
		s.log.Info("dashboard client disconnected")
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) broadcastLoop() {
	for msg := range s.broadcast {
		s.mu.RLock()
		conns := make([]*websocket.Conn, 0, len(s.clients))
		for client := range s.clients {
			conns = append(conns, client)
		}
		s.mu.RUnlock()

		for _, client := range conns {
			if err := client.WriteJSON(msg); err != nil {
				s.log.Warn("dashboard client write failed", zap.Error(err))
				_ = client.Close()
				s.mu.Lock()
				delete(s.clients, client)
				s.mu.Unlock()
			}
		}
	}
}

func buildCandleMessage(series []types.Candle, symbol, interval string) CandleMessage {
	candles := make([]Candle, 0, len(series))
	for _, c := range series {
		candles = append(candles, Candle{
			Time:   c.Time.Format(time.RFC3339),
			Open:   c.Open.String(),
			High:   c.High.String(),
			Low:    c.Low.String(),
			Close:  c.Close.String(),
			Volume: c.Volume.String(),
			Change: c.Change.StringFixed(4),
		})
	}
	return CandleMessage{
		Type:     messageTypeCandles,
		Symbol:   symbol,
		Interval: interval,
		Candles:  candles,
	}
}

func buildOrderbookMessage(book types.OrderBook) OrderbookMessage {
	bids := make([]PriceLevel, 0, len(book.Bids))
	cumulative := decimal.Zero
	for _, l := range book.Bids {
		cumulative = cumulative.Add(l.Quantity)
		bids = append(bids, PriceLevel{
			Price:      l.Price.String(),
			Quantity:   l.Quantity.String(),
			Cumulative: cumulative.String(),
		})
	}

	asks := make([]PriceLevel, 0, len(book.Asks))
	cumulative = decimal.Zero
	for _, l := range book.Asks {
		cumulative = cumulative.Add(l.Quantity)
		asks = append(asks, PriceLevel{
			Price:      l.Price.String(),
			Quantity:   l.Quantity.String(),
			Cumulative: cumulative.String(),
		})
	}

	return OrderbookMessage{
		Type:         messageTypeOrderbook,
		Symbol:       book.Symbol,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: book.LastUpdateID,
	}
}

func buildTickerMessage(t types.Ticker) TickerMessage {
	return TickerMessage{
		Type:               messageTypeTicker,
		Symbol:             t.Symbol,
		LastPrice:          t.LastPrice.String(),
		PriceChange:        t.PriceChange.String(),
		PriceChangePercent: t.PriceChangePercent.String(),
		WeightedAvgPrice:   t.WeightedAvgPrice.String(),
		HighPrice:          t.HighPrice.String(),
		LowPrice:           t.LowPrice.String(),
		Volume:             t.Volume.String(),
		QuoteVolume:        t.QuoteVolume.String(),
		TradeCount:         t.TradeCount,
	}
}
