package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"marketfeed/internal/metrics"
	"marketfeed/internal/types"
)

// MaxKlineLimit is the provider's per-request ceiling for historical candles
const MaxKlineLimit = 1000

// Client calls the provider's public REST endpoints for historical candles
// and order-book snapshots. Requests share a modest rate limiter so a burst
// of subscriptions cannot hammer the provider.
type Client struct {
	klineURL string
	depthURL string
	http     *http.Client
	limiter  *rate.Limiter
	log      *zap.Logger
}

// NewClient creates a REST client against the given kline and depth endpoints
func NewClient(klineURL, depthURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		klineURL: klineURL,
		depthURL: depthURL,
		http:     &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
		log:      log,
	}
}

// Klines fetches historical candles for one symbol and interval. The limit is
// clamped to the provider maximum. Rows with malformed numeric fields are
// dropped individually, never the whole batch.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.Candle, error) {
	if limit <= 0 || limit > MaxKlineLimit {
		limit = MaxKlineLimit
	}
	url := fmt.Sprintf("%s?symbol=%s&interval=%s&limit=%d", c.klineURL, strings.ToUpper(symbol), interval, limit)

	var rows [][]json.RawMessage
	if err := c.getJSON(ctx, "klines", url, &rows); err != nil {
		return nil, err
	}

	candles := make([]types.Candle, 0, len(rows))
	for _, row := range rows {
		candle, err := parseKlineRow(symbol, row)
		if err != nil {
			metrics.DroppedTotal.WithLabelValues("bad_value").Inc()
			c.log.Warn("dropping malformed kline row", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// DepthSnapshot fetches a full order-book snapshot for one symbol
func (c *Client) DepthSnapshot(ctx context.Context, symbol string, limit int) (*Snapshot, error) {
	url := fmt.Sprintf("%s?symbol=%s&limit=%d", c.depthURL, strings.ToUpper(symbol), limit)

	var snap Snapshot
	if err := c.getJSON(ctx, "depth", url, &snap); err != nil {
		return nil, err
	}
	snap.Symbol = strings.ToUpper(symbol)
	return &snap, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, url string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RESTRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("%s request failed: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RESTRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("%s request returned status %d", endpoint, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		metrics.RESTRequestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	metrics.RESTRequestsTotal.WithLabelValues(endpoint, "ok").Inc()
	return nil
}

// parseKlineRow decodes one [openTime, open, high, low, close, volume, ...]
// tuple. Trailing fields beyond volume are ignored.
func parseKlineRow(symbol string, row []json.RawMessage) (types.Candle, error) {
	if len(row) < 6 {
		return types.Candle{}, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
	}

	var openTime int64
	if err := json.Unmarshal(row[0], &openTime); err != nil {
		return types.Candle{}, fmt.Errorf("invalid open time: %w", err)
	}

	nums := make([]decimal.Decimal, 5)
	for i := 1; i <= 5; i++ {
		var s string
		if err := json.Unmarshal(row[i], &s); err != nil {
			return types.Candle{}, fmt.Errorf("kline field %d is not a string: %w", i, err)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return types.Candle{}, fmt.Errorf("invalid kline field %q: %w", s, err)
		}
		nums[i-1] = d
	}

	open, high, low, close, volume := nums[0], nums[1], nums[2], nums[3], nums[4]
	return types.Candle{
		Symbol: strings.ToUpper(symbol),
		Time:   time.UnixMilli(openTime).UTC(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  close,
		Volume: volume,
		Change: types.ChangePercent(open, close),
	}, nil
}
