package config

import "time"

type Config struct {
	Environment Environment
	Log         Log
	HTTP        HTTPServer
	Database    Database `envPrefix:"DB_"`

	Stripe  Stripe  `envPrefix:"STRIPE_"`
	Webhook Webhook `envPrefix:"WEBHOOK_"`
	Ledger  Ledger  `envPrefix:"LEDGER_"`
}

type Stripe struct {
	WebhookSecret      string        `env:"WEBHOOK_SECRET"`
	SignatureTolerance time.Duration `env:"SIGNATURE_TOLERANCE" envDefault:"5m"`
}

// Webhook controls how deliveries are processed once authenticated.
type Webhook struct {
	ProcessingBudget time.Duration `env:"PROCESSING_BUDGET" envDefault:"2s"`
	MaxAttempts      int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	RetryBaseDelay   time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RetryMaxDelay    time.Duration `env:"RETRY_MAX_DELAY" envDefault:"5m"`
	LeaseDuration    time.Duration `env:"LEASE_DURATION" envDefault:"30s"`
	Workers          int           `env:"WORKERS" envDefault:"4"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	DeferredWindow   time.Duration `env:"DEFERRED_WINDOW" envDefault:"24h"`
	StaleAfter       time.Duration `env:"STALE_AFTER" envDefault:"1m"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
}

type Ledger struct {
	Currency string `env:"CURRENCY" envDefault:"usd"`
}

type Database struct {
	Driver       string `env:"DRIVER" envDefault:"sqlite"` // sqlite, mysql
	URL          string `env:"URL" envDefault:"reconciler.db"`
	MaxIdleConns int    `env:"MAX_IDLE_CONNS" envDefault:"10"`
	MaxOpenConns int    `env:"MAX_OPEN_CONNS" envDefault:"50"`
}

type Environment struct {
	Name string `env:"ENVIRONMENT" envDefault:"development"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

type HTTPServer struct {
	Host string `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port string `env:"HTTP_PORT" envDefault:"8080"`
}
