package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/and161185/postwallet/internal/ledger"
	"github.com/and161185/postwallet/internal/orders"
	"github.com/and161185/postwallet/internal/payment"
	"github.com/and161185/postwallet/internal/pricing"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type ReconcilerConfig struct {
	Interval  time.Duration
	Workers   int
	BatchSize int
	// OrphanGrace is how old an unsettled payment must be before the
	// reconciler refunds it.
	OrphanGrace time.Duration
}

type Config struct {
	RunAddress  string
	DatabaseURI string
	Key         string
	ConfigFile  string

	Pricing    pricing.Rates
	Delivery   orders.Config
	Ledger     ledger.Config
	Payment    payment.Config
	Reconciler ReconcilerConfig

	Logger *zap.SugaredLogger
}

func Default() *Config {
	return &Config{
		RunAddress: "localhost:8080",
		Pricing:    pricing.DefaultRates(),
		Delivery:   orders.DefaultConfig(),
		Ledger:     ledger.DefaultConfig(),
		Payment:    payment.DefaultConfig(),
		Reconciler: ReconcilerConfig{Interval: 5 * time.Second, Workers: 3, BatchSize: 50, OrphanGrace: 5 * time.Minute},
	}
}

func NewConfig() (*Config, error) {
	logCfg := zap.NewProductionConfig()
	logCfg.OutputPaths = []string{"stdout", "server.log"}

	logger := zap.Must(logCfg.Build())

	cfg := Default()
	flag.StringVar(&cfg.RunAddress, "a", cfg.RunAddress, "HTTP server address")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "DB connection string, empty keeps state in memory")
	flag.StringVar(&cfg.Key, "k", "", "JWT signing key")
	flag.StringVar(&cfg.ConfigFile, "c", "", "TOML file with tariff and runtime settings")
	flag.Parse()

	cfg.Logger = logger.Sugar()

	ReadServerEnvironment(cfg)

	if cfg.ConfigFile != "" {
		if err := LoadFile(cfg, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func ReadServerEnvironment(cfg *Config) {
	if runAddress := os.Getenv("RUN_ADDRESS"); runAddress != "" {
		cfg.RunAddress = runAddress
	}

	if databaseURI := os.Getenv("DATABASE_URI"); databaseURI != "" {
		cfg.DatabaseURI = databaseURI
	}

	if key := os.Getenv("POSTWALLET_KEY"); key != "" {
		cfg.Key = key
	}

	if configFile := os.Getenv("POSTWALLET_CONFIG"); configFile != "" {
		cfg.ConfigFile = configFile
	}
}

type fileConfig struct {
	Pricing struct {
		BasePrice              decimal.Decimal `toml:"base_price"`
		PerKilogram            decimal.Decimal `toml:"per_kg"`
		InsuranceRate          decimal.Decimal `toml:"insurance_rate"`
		InternationalSurcharge decimal.Decimal `toml:"international_surcharge"`
		MinorUnits             int32           `toml:"minor_units"`
		MaxWeightKg            decimal.Decimal `toml:"max_weight_kg"`
	} `toml:"pricing"`
	Delivery struct {
		DomesticDays      int `toml:"domestic_days"`
		InternationalDays int `toml:"international_days"`
	} `toml:"delivery"`
	Ledger struct {
		OperationTimeout  time.Duration `toml:"operation_timeout"`
		TransientAttempts int           `toml:"transient_attempts"`
		TransientBackoff  time.Duration `toml:"transient_backoff"`
	} `toml:"ledger"`
	Payment struct {
		TrackingAttempts     int           `toml:"tracking_attempts"`
		CompensationAttempts int           `toml:"compensation_attempts"`
		CompensationBackoff  time.Duration `toml:"compensation_backoff"`
	} `toml:"payment"`
	Reconciler struct {
		Interval    time.Duration `toml:"interval"`
		Workers     int           `toml:"workers"`
		BatchSize   int           `toml:"batch_size"`
		OrphanGrace time.Duration `toml:"orphan_grace"`
	} `toml:"reconciler"`
}

// LoadFile overlays the settings found in a TOML file on cfg. Keys missing
// from the file keep their current values.
func LoadFile(cfg *Config, path string) error {
	var fc fileConfig
	fc.Pricing.BasePrice = cfg.Pricing.BasePrice
	fc.Pricing.PerKilogram = cfg.Pricing.PerKilogram
	fc.Pricing.InsuranceRate = cfg.Pricing.InsuranceRate
	fc.Pricing.InternationalSurcharge = cfg.Pricing.InternationalSurcharge
	fc.Pricing.MinorUnits = cfg.Pricing.MinorUnits
	fc.Pricing.MaxWeightKg = cfg.Pricing.MaxWeightKg
	fc.Delivery.DomesticDays = cfg.Delivery.DomesticTransitDays
	fc.Delivery.InternationalDays = cfg.Delivery.InternationalTransitDays
	fc.Ledger.OperationTimeout = cfg.Ledger.OperationTimeout
	fc.Ledger.TransientAttempts = cfg.Ledger.TransientAttempts
	fc.Ledger.TransientBackoff = cfg.Ledger.TransientBackoff
	fc.Payment.TrackingAttempts = cfg.Payment.TrackingAttempts
	fc.Payment.CompensationAttempts = cfg.Payment.CompensationAttempts
	fc.Payment.CompensationBackoff = cfg.Payment.CompensationBackoff
	fc.Reconciler.Interval = cfg.Reconciler.Interval
	fc.Reconciler.Workers = cfg.Reconciler.Workers
	fc.Reconciler.BatchSize = cfg.Reconciler.BatchSize
	fc.Reconciler.OrphanGrace = cfg.Reconciler.OrphanGrace

	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("read config %s: unknown keys %v", path, undecoded)
	}

	cfg.Pricing = pricing.Rates{
		BasePrice:              fc.Pricing.BasePrice,
		PerKilogram:            fc.Pricing.PerKilogram,
		InsuranceRate:          fc.Pricing.InsuranceRate,
		InternationalSurcharge: fc.Pricing.InternationalSurcharge,
		MinorUnits:             fc.Pricing.MinorUnits,
		MaxWeightKg:            fc.Pricing.MaxWeightKg,
	}
	cfg.Delivery = orders.Config{
		DomesticTransitDays:      fc.Delivery.DomesticDays,
		InternationalTransitDays: fc.Delivery.InternationalDays,
	}
	cfg.Ledger.OperationTimeout = fc.Ledger.OperationTimeout
	cfg.Ledger.TransientAttempts = fc.Ledger.TransientAttempts
	cfg.Ledger.TransientBackoff = fc.Ledger.TransientBackoff
	cfg.Payment = payment.Config{
		TrackingAttempts:     fc.Payment.TrackingAttempts,
		CompensationAttempts: fc.Payment.CompensationAttempts,
		CompensationBackoff:  fc.Payment.CompensationBackoff,
	}
	cfg.Reconciler = ReconcilerConfig{
		Interval:    fc.Reconciler.Interval,
		Workers:     fc.Reconciler.Workers,
		BatchSize:   fc.Reconciler.BatchSize,
		OrphanGrace: fc.Reconciler.OrphanGrace,
	}
	return nil
}

// Validate rejects settings the service cannot run with. The ledger inherits
// the currency exponent from the tariff.
func (cfg *Config) Validate() error {
	p := cfg.Pricing
	switch {
	case p.MinorUnits < 0 || p.MinorUnits > 8:
		return fmt.Errorf("config: pricing.minor_units must be between 0 and 8, got %d", p.MinorUnits)
	case p.BasePrice.IsNegative(), p.PerKilogram.IsNegative(), p.InsuranceRate.IsNegative(), p.InternationalSurcharge.IsNegative():
		return fmt.Errorf("config: pricing rates must not be negative")
	case !p.MaxWeightKg.IsPositive():
		return fmt.Errorf("config: pricing.max_weight_kg must be positive")
	case cfg.Delivery.DomesticTransitDays < 0 || cfg.Delivery.InternationalTransitDays < 0:
		return fmt.Errorf("config: delivery days must not be negative")
	case cfg.Reconciler.Interval <= 0 || cfg.Reconciler.Workers <= 0 || cfg.Reconciler.BatchSize <= 0:
		return fmt.Errorf("config: reconciler interval, workers and batch_size must be positive")
	case cfg.Reconciler.OrphanGrace <= 0:
		return fmt.Errorf("config: reconciler.orphan_grace must be positive")
	}

	cfg.Ledger.MinorUnits = p.MinorUnits
	return nil
}
