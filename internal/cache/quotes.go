// Package cache mirrors live quotes into Redis so monitoring tools and a
// restarted bot can see recent prices. Redis is optional: when it is down
// the cache degrades to an in-process map and the trading loop continues.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"turtle-trading-bot/internal/database"
)

// QuoteTTL bounds how long a mirrored quote stays useful.
const QuoteTTL = time.Minute

const quoteKeyPrefix = "turtle:quote"

// Quote is the cached price snapshot.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Market    database.Market `json:"market"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// QuoteCache writes quotes to Redis and keeps an in-process copy as a
// fallback. All methods are safe for concurrent use.
type QuoteCache struct {
	client *redis.Client

	mu      sync.RWMutex
	local   map[string]Quote
	healthy bool

	log zerolog.Logger
}

// NewQuoteCache dials Redis. A failed ping leaves the cache in degraded
// mode rather than failing startup; pass a nil address to run purely
// in-process.
func NewQuoteCache(addr, password string, db int, log zerolog.Logger) *QuoteCache {
	qc := &QuoteCache{
		local: make(map[string]Quote),
		log:   log.With().Str("component", "quote_cache").Logger(),
	}
	if addr == "" {
		qc.log.Info().Msg("redis disabled, quotes held in memory only")
		return qc
	}

	qc.client = redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := qc.client.Ping(ctx).Err(); err != nil {
		qc.log.Warn().Err(err).Msg("redis unavailable, quote mirror degraded to memory")
		return qc
	}

	qc.healthy = true
	qc.log.Info().Str("addr", addr).Msg("redis connected")
	return qc
}

func quoteKey(market database.Market, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", quoteKeyPrefix, market, symbol)
}

// Set stores a quote locally and mirrors it to Redis when available.
func (qc *QuoteCache) Set(ctx context.Context, market database.Market, symbol string, price decimal.Decimal) {
	q := Quote{
		Symbol:    symbol,
		Market:    market,
		Price:     price,
		Timestamp: time.Now(),
	}

	qc.mu.Lock()
	qc.local[quoteKey(market, symbol)] = q
	healthy := qc.healthy
	qc.mu.Unlock()

	if qc.client == nil || !healthy {
		return
	}

	payload, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := qc.client.Set(ctx, quoteKey(market, symbol), payload, QuoteTTL).Err(); err != nil {
		qc.markUnhealthy(err)
	}
}

// Get returns a cached quote no older than QuoteTTL, preferring Redis.
func (qc *QuoteCache) Get(ctx context.Context, market database.Market, symbol string) (Quote, bool) {
	key := quoteKey(market, symbol)

	qc.mu.RLock()
	healthy := qc.healthy
	qc.mu.RUnlock()

	if qc.client != nil && healthy {
		raw, err := qc.client.Get(ctx, key).Bytes()
		if err == nil {
			var q Quote
			if json.Unmarshal(raw, &q) == nil {
				return q, true
			}
		} else if err != redis.Nil {
			qc.markUnhealthy(err)
		}
	}

	qc.mu.RLock()
	q, ok := qc.local[key]
	qc.mu.RUnlock()
	if !ok || time.Since(q.Timestamp) > QuoteTTL {
		return Quote{}, false
	}
	return q, true
}

// Healthy reports whether the Redis mirror is live.
func (qc *QuoteCache) Healthy() bool {
	qc.mu.RLock()
	defer qc.mu.RUnlock()
	return qc.healthy
}

// Close releases the Redis connection.
func (qc *QuoteCache) Close() error {
	if qc.client == nil {
		return nil
	}
	return qc.client.Close()
}

func (qc *QuoteCache) markUnhealthy(err error) {
	qc.mu.Lock()
	wasHealthy := qc.healthy
	qc.healthy = false
	qc.mu.Unlock()
	if wasHealthy {
		qc.log.Warn().Err(err).Msg("redis operation failed, quote mirror degraded to memory")
	}
}
