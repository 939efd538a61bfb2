package fraud

import (
	"math/big"
	"time"

	"github.com/aryanm/fraudguard/internal/money"
)

// Rule tags, recorded in firing order on every evaluation.
const (
	RuleFirstTxnHighAmount    = "FIRST_TRANSACTION_HIGH_AMOUNT"
	RuleAmountDeviationHigh   = "AMOUNT_DEVIATION_HIGH"
	RuleAmountDeviationMedium = "AMOUNT_DEVIATION_MEDIUM"
	RuleAmountDeviationLow    = "AMOUNT_DEVIATION_LOW"
	RuleRapidMediumAmount     = "RAPID_MEDIUM_AMOUNT"
	RuleRapidLargeAmount      = "RAPID_LARGE_AMOUNT"
	RuleRapidVeryLargeAmount  = "RAPID_VERY_LARGE_AMOUNT"
	RuleUntrustedDevice       = "UNTRUSTED_DEVICE"
	RuleMissingDevice         = "MISSING_DEVICE_ID"
)

// RuleConfig carries every tunable of the scoring engine and classifier.
// All amounts are paise.
type RuleConfig struct {
	// Penalties
	FirstTxnHighRisk      int
	AmountDeviationHigh   int
	AmountDeviationMedium int
	AmountDeviationLow    int
	RapidVelocityLow      int // medium-amount band
	RapidVelocityMedium   int // large-amount band
	RapidVelocityHigh     int // very-large-amount band
	UntrustedDeviceRisk   int
	MissingDeviceRisk     int

	// Rule 1: first transaction above this amount is suspicious.
	HighAmountLimit *big.Int

	// Rule 2: deviation tiers as multiples of the learned average,
	// checked high to low; only the first match fires.
	DeviationMultiplierHigh   int64
	DeviationMultiplierMedium int64
	DeviationMultiplierLow    int64

	// Rule 3: amount bands and the recent-transaction counts that
	// make each band rapid. Bands are checked in this order; only
	// one fires.
	MediumAmountMin     *big.Int // band [MediumAmountMin, LargeAmountMin)
	LargeAmountMin      *big.Int // band [LargeAmountMin, VeryLargeAmountMin)
	VeryLargeAmountMin  *big.Int // band [VeryLargeAmountMin, inf)
	RapidMediumCount    int
	RapidLargeCount     int
	RapidVeryLargeCount int

	// Velocity lookback window.
	VelocityWindow time.Duration

	// Classification thresholds; FlaggedThreshold < BlockedThreshold.
	FlaggedThreshold int
	BlockedThreshold int
}

// DefaultRuleConfig returns the production rule configuration.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		FirstTxnHighRisk:      30,
		AmountDeviationHigh:   40,
		AmountDeviationMedium: 30,
		AmountDeviationLow:    20,
		RapidVelocityLow:      20,
		RapidVelocityMedium:   30,
		RapidVelocityHigh:     40,
		UntrustedDeviceRisk:   30,
		MissingDeviceRisk:     50,

		HighAmountLimit: money.MustParse("100000"),

		DeviationMultiplierHigh:   10,
		DeviationMultiplierMedium: 5,
		DeviationMultiplierLow:    2,

		MediumAmountMin:     money.MustParse("1000"),
		LargeAmountMin:      money.MustParse("10000"),
		VeryLargeAmountMin:  money.MustParse("50000"),
		RapidMediumCount:    4,
		RapidLargeCount:     3,
		RapidVeryLargeCount: 2,

		VelocityWindow: time.Minute,

		FlaggedThreshold: 30,
		BlockedThreshold: 70,
	}
}

// Snapshot is the user-history view a transaction is scored against.
// The engine never touches storage; callers assemble the snapshot.
type Snapshot struct {
	Stats         *UserStats     // never nil; zero counts for a new user
	TrustedDevice *TrustedDevice // nil when the user has no canonical device
	RecentCount   int            // transactions within the velocity window
}

// Result is the outcome of scoring a single transaction.
type Result struct {
	RiskScore      int
	TriggeredRules []string
}

// Engine scores transactions against the configured rules. Stateless
// and side-effect free: identical inputs always produce identical
// results.
type Engine struct {
	cfg RuleConfig
}

// NewEngine creates a scoring engine with the given configuration.
func NewEngine(cfg RuleConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the engine's rule configuration.
func (e *Engine) Config() RuleConfig {
	return e.cfg
}

// Window returns the velocity lookback interval.
func (e *Engine) Window() time.Duration {
	return e.cfg.VelocityWindow
}

// Score evaluates all rules in fixed order and returns the additive
// risk score plus the triggered rule tags in firing order.
func (e *Engine) Score(txn *Transaction, snap Snapshot) Result {
	var r Result
	e.scoreFirstTransaction(txn, snap, &r)
	e.scoreAmountDeviation(txn, snap, &r)
	e.scoreVelocity(txn, snap, &r)
	e.scoreDevice(txn, snap, &r)
	return r
}

// Classify maps a risk score to a terminal status.
func (e *Engine) Classify(score int) Status {
	switch {
	case score >= e.cfg.BlockedThreshold:
		return StatusBlocked
	case score >= e.cfg.FlaggedThreshold:
		return StatusFlagged
	default:
		return StatusSuccess
	}
}

func (r *Result) add(penalty int, rule string) {
	r.RiskScore += penalty
	r.TriggeredRules = append(r.TriggeredRules, rule)
}

// Rule 1: a brand-new user opening with an unusually large amount.
func (e *Engine) scoreFirstTransaction(txn *Transaction, snap Snapshot, r *Result) {
	if snap.Stats.TotalTxns == 0 && txn.Amount.Cmp(e.cfg.HighAmountLimit) > 0 {
		r.add(e.cfg.FirstTxnHighRisk, RuleFirstTxnHighAmount)
	}
}

// Rule 2: deviation from the learned average. Skipped entirely until
// the user has a positive baseline; tiers are mutually exclusive.
func (e *Engine) scoreAmountDeviation(txn *Transaction, snap Snapshot, r *Result) {
	avg := snap.Stats.AvgAmount
	if avg == nil || avg.Sign() <= 0 {
		return
	}

	switch {
	case atLeastMultiple(txn.Amount, avg, e.cfg.DeviationMultiplierHigh):
		r.add(e.cfg.AmountDeviationHigh, RuleAmountDeviationHigh)
	case atLeastMultiple(txn.Amount, avg, e.cfg.DeviationMultiplierMedium):
		r.add(e.cfg.AmountDeviationMedium, RuleAmountDeviationMedium)
	case atLeastMultiple(txn.Amount, avg, e.cfg.DeviationMultiplierLow):
		r.add(e.cfg.AmountDeviationLow, RuleAmountDeviationLow)
	}
}

// Rule 3: rapid activity, with the required burst size shrinking as the
// amount grows. Bands are mutually exclusive.
func (e *Engine) scoreVelocity(txn *Transaction, snap Snapshot, r *Result) {
	amt := txn.Amount
	switch {
	case amt.Cmp(e.cfg.MediumAmountMin) >= 0 && amt.Cmp(e.cfg.LargeAmountMin) < 0:
		if snap.RecentCount >= e.cfg.RapidMediumCount {
			r.add(e.cfg.RapidVelocityLow, RuleRapidMediumAmount)
		}
	case amt.Cmp(e.cfg.LargeAmountMin) >= 0 && amt.Cmp(e.cfg.VeryLargeAmountMin) < 0:
		if snap.RecentCount >= e.cfg.RapidLargeCount {
			r.add(e.cfg.RapidVelocityMedium, RuleRapidLargeAmount)
		}
	case amt.Cmp(e.cfg.VeryLargeAmountMin) >= 0:
		if snap.RecentCount >= e.cfg.RapidVeryLargeCount {
			r.add(e.cfg.RapidVelocityHigh, RuleRapidVeryLargeAmount)
		}
	}
}

// Rules 4 and 5: device checks. A mismatch needs a supplied device id
// and a missing id needs none, so at most one of the two fires.
func (e *Engine) scoreDevice(txn *Transaction, snap Snapshot, r *Result) {
	if txn.DeviceID != "" && snap.TrustedDevice != nil && snap.TrustedDevice.DeviceID != txn.DeviceID {
		r.add(e.cfg.UntrustedDeviceRisk, RuleUntrustedDevice)
	}
	if txn.DeviceID == "" {
		r.add(e.cfg.MissingDeviceRisk, RuleMissingDevice)
	}
}

// atLeastMultiple reports amount >= base * mult without mutating inputs.
func atLeastMultiple(amount, base *big.Int, mult int64) bool {
	scaled := new(big.Int).Mul(base, big.NewInt(mult))
	return amount.Cmp(scaled) >= 0
}
