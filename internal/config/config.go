package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	TrustScoreEndpoint   string
	TransferEndpoint     string
	NotificationEndpoint string

	Engine EngineConfig
}

// EngineConfig carries the circle engine tunables. Every threshold the
// delinquency ladder, ranking formula and waterfall depend on lives here so
// deployments can tune them without code changes.
type EngineConfig struct {
	// Delinquency ladder.
	LateFeeBps          int // flat late fee, basis points of the contribution amount
	DefaultAfterDays    int // days past due at which a contribution becomes a default
	LateStreakDowngrade int // late classifications before a trust tier downgrade

	// Affordability gate, commitment-to-income percentages.
	AffordApprovePct    int
	AffordBlockPct      int
	AffordTrustFallback float64 // trust score proxy threshold when income is unavailable

	// Ranking weights. Normalized at load so they always sum to 1.
	WeightPreference float64
	WeightNeed       float64
	WeightRisk       float64
	WeightFairness   float64
	RiskCapThreshold float64 // members at or above this risk are capped out of early slots
	RiskCapRatio     float64 // share of the earliest positions protected by the cap

	// Default cascade.
	GraceDays          int
	GraceExtensionCap  int
	VoucherShareBps    int   // bounded share of the owed amount a voucher absorbs
	InsuranceCapMinor  int64 // per-circle insurance fund cap, minor units
	TrustPenaltyPoints float64
	VoucherPenalty     float64

	// Payout engine.
	PayoutMaxRetries   int
	PayoutBackoffMs    int
	TransferTimeoutSec int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "rueda"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "rueda"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		TrustScoreEndpoint:   strings.TrimSpace(getenv("TRUST_SCORE_ENDPOINT", "")),
		TransferEndpoint:     strings.TrimSpace(getenv("TRANSFER_ENDPOINT", "")),
		NotificationEndpoint: strings.TrimSpace(getenv("NOTIFICATION_ENDPOINT", "")),

		Engine: EngineConfig{
			LateFeeBps:          getenvInt("ENGINE_LATE_FEE_BPS", 500),
			DefaultAfterDays:    getenvInt("ENGINE_DEFAULT_AFTER_DAYS", 8),
			LateStreakDowngrade: getenvInt("ENGINE_LATE_STREAK_DOWNGRADE", 3),

			AffordApprovePct:    getenvInt("ENGINE_AFFORD_APPROVE_PCT", 30),
			AffordBlockPct:      getenvInt("ENGINE_AFFORD_BLOCK_PCT", 40),
			AffordTrustFallback: getenvFloat("ENGINE_AFFORD_TRUST_FALLBACK", 0.6),

			WeightPreference: getenvFloat("ENGINE_WEIGHT_PREFERENCE", 0.25),
			WeightNeed:       getenvFloat("ENGINE_WEIGHT_NEED", 0.30),
			WeightRisk:       getenvFloat("ENGINE_WEIGHT_RISK", 0.30),
			WeightFairness:   getenvFloat("ENGINE_WEIGHT_FAIRNESS", 0.15),
			RiskCapThreshold: getenvFloat("ENGINE_RISK_CAP_THRESHOLD", 0.7),
			RiskCapRatio:     getenvFloat("ENGINE_RISK_CAP_RATIO", 0.20),

			GraceDays:          getenvInt("ENGINE_GRACE_DAYS", 7),
			GraceExtensionCap:  getenvInt("ENGINE_GRACE_EXTENSION_CAP", 2),
			VoucherShareBps:    getenvInt("ENGINE_VOUCHER_SHARE_BPS", 5000),
			InsuranceCapMinor:  getenvInt64("ENGINE_INSURANCE_CAP_MINOR", 50000),
			TrustPenaltyPoints: getenvFloat("ENGINE_TRUST_PENALTY_POINTS", 0.1),
			VoucherPenalty:     getenvFloat("ENGINE_VOUCHER_PENALTY", 0.05),
		},
	}

	cfg.Engine.PayoutMaxRetries = getenvInt("ENGINE_PAYOUT_MAX_RETRIES", 3)
	cfg.Engine.PayoutBackoffMs = getenvInt("ENGINE_PAYOUT_BACKOFF_MS", 500)
	cfg.Engine.TransferTimeoutSec = getenvInt("ENGINE_TRANSFER_TIMEOUT_SEC", 15)

	cfg.Engine.normalizeWeights()
	return cfg
}

func (e *EngineConfig) normalizeWeights() {
	sum := e.WeightPreference + e.WeightNeed + e.WeightRisk + e.WeightFairness
	if sum <= 0 {
		e.WeightPreference = 0.25
		e.WeightNeed = 0.30
		e.WeightRisk = 0.30
		e.WeightFairness = 0.15
		return
	}
	e.WeightPreference /= sum
	e.WeightNeed /= sum
	e.WeightRisk /= sum
	e.WeightFairness /= sum
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
