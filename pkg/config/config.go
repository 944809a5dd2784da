package config

import (
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port string

	MySQLAddr          string
	RedisAddr          string
	RedisSentinelAddrs []string
	RocketMQNameServer []string

	StripeSecretKey     string
	StripeWebhookSecret string
	PaymentCurrency     string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	PlatformFeeRate     decimal.Decimal
	MaxImageURLLength   int

	CourierAPIBaseURL string
	CourierAPIKey     string
	CourierTimeout    time.Duration
	CourierLocation   *time.Location

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	MailFrom     string

	OrphanOrderTTL          time.Duration
	OrphanSweepInterval     time.Duration
	TrackingRefreshInterval time.Duration
	BulkTrackingCacheTTL    time.Duration

	RateLimitGlobalRPS   float64
	RateLimitGlobalBurst int
	RateLimitIPRPS       float64
	RateLimitIPBurst     int

	EnableTracing        bool
	CollectorServiceAddr string
}

// Load reads an optional .env file and then the process environment. Real
// environment variables win over the file.
func Load(log *logrus.Logger) *Config {
	if err := godotenv.Load(); err == nil {
		log.Info("loaded configuration from .env")
	}

	feeRate, err := decimal.NewFromString(getEnv("PLATFORM_FEE_RATE", "0.05"))
	if err != nil || feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		log.Warnf("invalid PLATFORM_FEE_RATE, using 0.05")
		feeRate = decimal.RequireFromString("0.05")
	}

	courierZone := getEnv("COURIER_TIMEZONE", "Asia/Kuala_Lumpur")
	courierLoc, err := time.LoadLocation(courierZone)
	if err != nil {
		log.Warnf("invalid COURIER_TIMEZONE %q, using UTC", courierZone)
		courierLoc = time.UTC
	}

	return &Config{
		Port: getEnv("PORT", "8080"),

		MySQLAddr:          getEnv("MYSQL_ADDR", "root:root_password@tcp(127.0.0.1:3307)/order_db?parseTime=true"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6380"),
		RedisSentinelAddrs: getEnvList("REDIS_SENTINEL_ADDRS"),
		RocketMQNameServer: getEnvList("ROCKETMQ_NAMESERVERS"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PaymentCurrency:     strings.ToLower(getEnv("PAYMENT_CURRENCY", "myr")),
		CheckoutSuccessURL:  getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
		CheckoutCancelURL:   getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/cart"),
		PlatformFeeRate:     feeRate,
		MaxImageURLLength:   getEnvInt("MAX_IMAGE_URL_LENGTH", 500),

		CourierAPIBaseURL: getEnv("COURIER_API_BASE_URL", "https://api.trackingmore.com/v4"),
		CourierAPIKey:     os.Getenv("COURIER_API_KEY"),
		CourierTimeout:    getEnvDuration("COURIER_TIMEOUT", 5*time.Second),
		CourierLocation:   courierLoc,

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getEnvInt("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		MailFrom:     getEnv("MAIL_FROM", "no-reply@campusmarket.example.com"),

		OrphanOrderTTL:          getEnvDuration("ORPHAN_ORDER_TTL", 30*time.Minute),
		OrphanSweepInterval:     getEnvDuration("ORPHAN_SWEEP_INTERVAL", time.Minute),
		TrackingRefreshInterval: getEnvDuration("TRACKING_REFRESH_INTERVAL", 10*time.Minute),
		BulkTrackingCacheTTL:    getEnvDuration("BULK_TRACKING_CACHE_TTL", time.Minute),

		RateLimitGlobalRPS:   getEnvFloat("RATELIMIT_GLOBAL_RPS", 1000.0),
		RateLimitGlobalBurst: getEnvInt("RATELIMIT_GLOBAL_BURST", 1000),
		RateLimitIPRPS:       getEnvFloat("RATELIMIT_IP_RPS", 5.0),
		RateLimitIPBurst:     getEnvInt("RATELIMIT_IP_BURST", 10),

		EnableTracing:        os.Getenv("ENABLE_TRACING") == "1",
		CollectorServiceAddr: getEnv("COLLECTOR_SERVICE_ADDR", "localhost:4317"),
	}
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if s, err := strconv.Atoi(val); err == nil {
		return time.Duration(s) * time.Second
	}
	return defaultVal
}

func getEnvList(key string) []string {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
