package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	pkgerrors "github.com/pkg/errors"

	"github.com/code-payments/market-billing/iap"
)

const (
	DefaultPath = ".env"

	MarketTypeKey      = "MARKET_TYPE"
	DebugLoggingKey    = "DEBUG_LOGGING"
	ConnectTimeoutKey  = "CONNECT_TIMEOUT_MS"
	ProductCacheTTLKey = "PRODUCT_CACHE_TTL_SECONDS"

	defaultConnectTimeout  = 10 * time.Second
	defaultProductCacheTTL = 5 * time.Minute
)

// Config is the resolved billing configuration.
type Config struct {
	Market          iap.Market
	DebugLogging    bool
	ConnectTimeout  time.Duration
	ProductCacheTTL time.Duration

	// PublicKeys holds each market's base64 public key, keyed by market.
	// Markets without a configured key are absent.
	PublicKeys map[iap.Market]string
}

// Default returns the configuration used when nothing is configured.
func Default() *Config {
	return &Config{
		Market:          iap.MarketBazaar,
		DebugLogging:    true,
		ConnectTimeout:  defaultConnectTimeout,
		ProductCacheTTL: defaultProductCacheTTL,
		PublicKeys:      map[iap.Market]string{},
	}
}

// Load reads the key=value file at path, or DefaultPath if empty. A missing
// file yields defaults. Environment variables take precedence over the file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	values, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		values = map[string]string{}
	} else if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to read config file %s", path)
	}

	return parse(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	})
}

func parse(lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if v, ok := lookup(MarketTypeKey); ok && strings.TrimSpace(v) != "" {
		market, err := iap.ParseMarket(v)
		if err != nil {
			return nil, pkgerrors.Wrap(err, MarketTypeKey)
		}
		cfg.Market = market
	}

	if v, ok := lookup(DebugLoggingKey); ok && strings.TrimSpace(v) != "" {
		debug, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, pkgerrors.Wrap(err, DebugLoggingKey)
		}
		cfg.DebugLogging = debug
	}

	if v, ok := lookup(ConnectTimeoutKey); ok && strings.TrimSpace(v) != "" {
		ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || ms <= 0 {
			return nil, pkgerrors.Errorf("%s: invalid duration %q", ConnectTimeoutKey, v)
		}
		cfg.ConnectTimeout = time.Duration(ms) * time.Millisecond
	}

	if v, ok := lookup(ProductCacheTTLKey); ok && strings.TrimSpace(v) != "" {
		seconds, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil || seconds < 0 {
			return nil, pkgerrors.Errorf("%s: invalid duration %q", ProductCacheTTLKey, v)
		}
		cfg.ProductCacheTTL = time.Duration(seconds) * time.Second
	}

	for _, market := range iap.Markets {
		if v, ok := lookup(market.KeyEnv()); ok && strings.TrimSpace(v) != "" {
			cfg.PublicKeys[market] = strings.TrimSpace(v)
		}
	}

	return cfg, nil
}

// KeyConfigs returns a KeyConfig for every market with a configured key.
func (c *Config) KeyConfigs() map[iap.Market]iap.KeyConfig {
	keys := make(map[iap.Market]iap.KeyConfig, len(c.PublicKeys))
	for market, publicKey := range c.PublicKeys {
		keys[market] = iap.KeyConfig{PublicKey: publicKey}
	}
	return keys
}

// Redacted returns the configuration as key/value pairs with public keys
// reduced to their length.
func (c *Config) Redacted() map[string]string {
	redacted := map[string]string{
		MarketTypeKey:      c.Market.String(),
		DebugLoggingKey:    strconv.FormatBool(c.DebugLogging),
		ConnectTimeoutKey:  strconv.FormatInt(c.ConnectTimeout.Milliseconds(), 10),
		ProductCacheTTLKey: strconv.FormatInt(int64(c.ProductCacheTTL/time.Second), 10),
	}
	for _, market := range iap.Markets {
		value := "<unset>"
		if key, ok := c.PublicKeys[market]; ok {
			value = "<" + strconv.Itoa(len(key)) + " chars>"
		}
		redacted[market.KeyEnv()] = value
	}
	return redacted
}
