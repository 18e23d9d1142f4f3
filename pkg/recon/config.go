package recon

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config holds reconciliation engine configuration
type Config struct {
	// ConversionRates maps "EVENT/ENTITY" currency pairs to the multiplier
	// applied to the entity's expected amount before comparison. For example
	// {"KES/USD": 100} means an entity expecting 50 USD is satisfied by a
	// 5000 KES transaction. Rates fluctuate; treat this as configuration with
	// effects, not a constant.
	ConversionRates map[string]decimal.Decimal

	// AmountTolerance is the absolute rounding tolerance applied when
	// comparing amounts in the event's currency (default: 10)
	AmountTolerance decimal.Decimal

	// Audit receives one entry per reconciliation outcome. Optional but
	// strongly recommended; most Storage implementations in this repository
	// also implement AuditLogger.
	Audit AuditLogger

	// Callback is invoked after an applied transition has been committed.
	// Failures and panics are logged and swallowed.
	Callback ResultCallback

	// Logger is an optional structured logger. If nil, logging is disabled.
	Logger Logger

	// Metrics is an optional metrics collector. If nil, metrics are silently
	// ignored.
	Metrics Metrics

	// Now overrides the time source, for tests. If nil, time.Now is used.
	Now func() time.Time
}

// DefaultConfig returns a Config with the rates and tolerance the library
// shipped with: KES settlements against USD-denominated entities at 100:1,
// with a 10-unit absolute tolerance.
func DefaultConfig() Config {
	return Config{
		ConversionRates: map[string]decimal.Decimal{
			"KES/USD": decimal.NewFromInt(100),
		},
		AmountTolerance: decimal.NewFromInt(10),
	}
}
