package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/dnldd/chartdesk/shared"
	"github.com/joho/godotenv"
)

// Config is the configuration struct for the service.
type Config struct {
	// Symbols represents the charted symbols.
	Symbols []string
	// Timeframe is the initial chart timeframe.
	Timeframe string
	// AccountID scopes persisted drawings.
	AccountID string
	// KlineURL is the REST endpoint of the historical candle source.
	KlineURL string
	// StreamURL is the websocket endpoint of the live candle feed.
	StreamURL string
	// TradingURL is the REST endpoint of the trading backend.
	TradingURL string
	// AccountStreamURL is the websocket endpoint of the account push channel.
	AccountStreamURL string
	// DBEndpoint is the rqlite endpoint.
	DBEndpoint string
	// DBUser is the rqlite user.
	DBUser string
	// DBPass is the rqlite user pass.
	DBPass string
	// Timezone is the display timezone.
	Timezone string
	// RefreshSeconds is the period of the price line refresh job in seconds.
	RefreshSeconds int
	// CandleLimit is the number of candles requested per load.
	CandleLimit int
	// Imbalances enables fair value gap detection.
	Imbalances bool

	registeredFlags map[string]bool
}

// Validate asserts the config sane inputs.
func (cfg *Config) Validate() error {
	var errs error

	if len(cfg.Symbols) == 0 {
		errs = errors.Join(errs, fmt.Errorf("no symbols provided for chart desk service"))
	}
	if cfg.AccountID == "" {
		errs = errors.Join(errs, fmt.Errorf("account id cannot be an empty string"))
	}
	if cfg.KlineURL == "" {
		errs = errors.Join(errs, fmt.Errorf("kline url cannot be an empty string"))
	}
	if cfg.TradingURL == "" {
		errs = errors.Join(errs, fmt.Errorf("trading url cannot be an empty string"))
	}
	if cfg.DBEndpoint == "" {
		errs = errors.Join(errs, fmt.Errorf("database endpoint cannot be an empty string"))
	}
	if cfg.Timeframe != "" {
		_, err := shared.ParseTimeframe(cfg.Timeframe)
		if err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if cfg.RefreshSeconds < 0 {
		errs = errors.Join(errs, fmt.Errorf("refresh interval cannot be negative"))
	}
	if cfg.CandleLimit < 0 {
		errs = errors.Join(errs, fmt.Errorf("candle limit cannot be negative"))
	}

	return errs
}

// applyDefaults fills unset optional fields.
func (cfg *Config) applyDefaults() {
	if cfg.Timeframe == "" {
		cfg.Timeframe = shared.OneMinute.String()
	}
	if cfg.Timezone == "" {
		cfg.Timezone = shared.NewYorkLocation
	}
}

// registerFlag registers command line arguments of any type and tracks them to avoid reregistration.
func (cfg *Config) registerFlag(name string, value interface{}, usage string) error {
	if cfg.registeredFlags == nil {
		cfg.registeredFlags = make(map[string]bool)
	}

	if cfg.registeredFlags[name] {
		return nil
	}

	cfg.registeredFlags[name] = true

	defValue := os.Getenv(name)
	val := reflect.ValueOf(value)
	if val.Kind() != reflect.Ptr || val.IsNil() {
		return fmt.Errorf("%s: value must be a non-nil pointer", name)
	}

	switch val.Elem().Kind() {
	case reflect.String:
		flag.StringVar(value.(*string), name, defValue, usage)
	case reflect.Bool:
		var def bool
		if defValue != "" {
			def, _ = strconv.ParseBool(defValue)
		}
		flag.BoolVar(value.(*bool), name, def, usage)
	case reflect.Int:
		var def int
		if defValue != "" {
			def, _ = strconv.Atoi(defValue)
		}
		flag.IntVar(value.(*int), name, def, usage)
	case reflect.Slice:
		// Only handle []string
		if val.Elem().Type().Elem().Kind() == reflect.String {
			var def []string
			if defValue != "" {
				def = strings.Split(defValue, ",")
			}
			flag.Func(name, usage, func(s string) error {
				*value.(*[]string) = strings.Split(s, ",")
				return nil
			})
			// Set default if not provided via flag
			if len(def) > 0 {
				*value.(*[]string) = def
			}
		} else {
			return fmt.Errorf("%s: unsupported slice type", name)
		}
	default:
		return fmt.Errorf("%s: unsupported type", name)
	}

	return nil
}

// loadConfig loads the configuration from environment variables and command line flags.
func loadConfig(cfg *Config, path string) error {
	if path == "" {
		path = ".env"
	}

	// Check if the expected .env file exists before loading it.
	_, err := os.Stat(path)
	if err == nil {
		err := godotenv.Load(path)
		if err != nil {
			return fmt.Errorf("loading .env file: %w", err)
		}
	}

	// Register command line arguments using loaded environment variables as defaults.
	err = cfg.registerFlag("symbols", &cfg.Symbols, "the charted symbols")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("timeframe", &cfg.Timeframe, "the initial chart timeframe")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("accountid", &cfg.AccountID, "the trading account id")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("klineurl", &cfg.KlineURL, "the historical candle endpoint")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("streamurl", &cfg.StreamURL, "the live candle feed endpoint")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("tradingurl", &cfg.TradingURL, "the trading backend endpoint")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("accountstreamurl", &cfg.AccountStreamURL, "the account push channel endpoint")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("dbendpoint", &cfg.DBEndpoint, "the rqlite endpoint")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("dbuser", &cfg.DBUser, "the rqlite user")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("dbpass", &cfg.DBPass, "the rqlite user pass")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("timezone", &cfg.Timezone, "the display timezone")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("refreshseconds", &cfg.RefreshSeconds, "the price line refresh period in seconds")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("candlelimit", &cfg.CandleLimit, "the number of candles requested per load")
	if err != nil {
		return err
	}
	err = cfg.registerFlag("imbalances", &cfg.Imbalances, "the fair value gap detection flag")
	if err != nil {
		return err
	}

	// Parse command-line flags.
	flag.Parse()

	cfg.applyDefaults()

	return cfg.Validate()
}
