package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	DBDriver   string `yaml:"db_driver"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"db_password"`
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBName     string `yaml:"db_name"`
	SQLitePath string `yaml:"sqlite_path"`

	JWTSecret string        `yaml:"jwt_secret"`
	JWTTTL    time.Duration `yaml:"jwt_ttl"`

	RabbitMQURL       string        `yaml:"rabbitmq_url"`
	OrderExchange     string        `yaml:"order_exchange"`
	OrderQueue        string        `yaml:"order_queue"`
	DeadLetterQueue   string        `yaml:"dead_letter_queue"`
	DelayExchange     string        `yaml:"delay_exchange"`
	MaxPriority       int           `yaml:"max_priority"`
	PaymentCheckDelay time.Duration `yaml:"payment_check_delay"`

	PaymentProvider     string        `yaml:"payment_provider"`
	StripeSecretKey     string        `yaml:"stripe_secret_key"`
	StripeWebhookSecret string        `yaml:"stripe_webhook_secret"`
	PaymentCurrency     string        `yaml:"payment_currency"`
	GatewayTimeout      time.Duration `yaml:"gateway_timeout"`
	GatewayRetries      int           `yaml:"gateway_retries"`

	IdempotencyDBPath string `yaml:"idempotency_db_path"`

	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// Defaults returns the configuration used when neither a config file nor
// environment variables provide a value.
func Defaults() *Config {
	return &Config{
		HTTPAddr:          ":8080",
		DBDriver:          "mysql",
		DBUser:            "root",
		DBHost:            "localhost",
		DBPort:            "3306",
		DBName:            "petshop",
		SQLitePath:        "data/petshop.db",
		JWTTTL:            24 * time.Hour,
		OrderExchange:     "orders_exchange",
		OrderQueue:        "orders_queue",
		DeadLetterQueue:   "dead_letter_queue",
		DelayExchange:     "delay_exchange",
		MaxPriority:       10,
		PaymentCheckDelay: 15 * time.Minute,
		PaymentProvider:   "stripe",
		PaymentCurrency:   "inr",
		GatewayTimeout:    10 * time.Second,
		GatewayRetries:    3,
		IdempotencyDBPath: "data/idempotency.db",
		RateLimitRPS:      5,
		RateLimitBurst:    10,
	}
}

// LoadConfig builds the configuration from defaults, then the YAML file named
// by CONFIG_FILE (if any), then environment variables. Secrets may also be
// read from the file named by the matching *_FILE variable.
func LoadConfig() *Config {
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			log.Printf("Ignoring config file %s: %v", path, err)
		}
	}
	cfg.applyEnv()
	return cfg
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)

	c.DBDriver = getEnv("DB_DRIVER", c.DBDriver)
	c.DBUser = getEnv("DB_USER", c.DBUser)
	c.DBPassword = getEnvFromFile("DB_PASSWORD_FILE", "DB_PASSWORD", c.DBPassword)
	c.DBHost = getEnv("DB_HOST", c.DBHost)
	c.DBPort = getEnv("DB_PORT", c.DBPort)
	c.DBName = getEnv("DB_NAME", c.DBName)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)

	c.JWTSecret = getEnvFromFile("JWT_SECRET_FILE", "JWT_SECRET", c.JWTSecret)
	c.JWTTTL = getEnvDuration("JWT_TTL", c.JWTTTL)

	c.RabbitMQURL = getEnv("RABBITMQ_URL", c.RabbitMQURL)
	c.OrderExchange = getEnv("ORDER_EXCHANGE", c.OrderExchange)
	c.OrderQueue = getEnv("ORDER_QUEUE", c.OrderQueue)
	c.DeadLetterQueue = getEnv("DEAD_LETTER_QUEUE", c.DeadLetterQueue)
	c.DelayExchange = getEnv("DELAY_EXCHANGE", c.DelayExchange)
	c.PaymentCheckDelay = getEnvDuration("PAYMENT_CHECK_DELAY", c.PaymentCheckDelay)

	c.PaymentProvider = getEnv("PAYMENT_PROVIDER", c.PaymentProvider)
	c.StripeSecretKey = getEnvFromFile("STRIPE_SECRET_KEY_FILE", "STRIPE_SECRET_KEY", c.StripeSecretKey)
	c.StripeWebhookSecret = getEnvFromFile("STRIPE_WEBHOOK_SECRET_FILE", "STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret)
	c.PaymentCurrency = strings.ToLower(getEnv("PAYMENT_CURRENCY", c.PaymentCurrency))
	c.GatewayTimeout = getEnvDuration("GATEWAY_TIMEOUT", c.GatewayTimeout)
	c.GatewayRetries = getEnvInt("GATEWAY_RETRIES", c.GatewayRetries)

	c.IdempotencyDBPath = getEnv("IDEMPOTENCY_DB_PATH", c.IdempotencyDBPath)

	c.RateLimitRPS = getEnvFloat("RATE_LIMIT_RPS", c.RateLimitRPS)
	c.RateLimitBurst = getEnvInt("RATE_LIMIT_BURST", c.RateLimitBurst)
}

// Validate reports settings the service cannot start without.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.DBDriver {
	case "mysql", "sqlite3":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	switch c.PaymentProvider {
	case "stripe":
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required for the stripe provider")
		}
	case "sandbox":
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required to sign sandbox webhooks")
		}
	default:
		return fmt.Errorf("unsupported PAYMENT_PROVIDER %q", c.PaymentProvider)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFromFile(fileKey, envKey, defaultValue string) string {
	if filePath := os.Getenv(fileKey); filePath != "" {
		if content, err := os.ReadFile(filePath); err == nil {
			return strings.TrimSpace(string(content))
		}
	}
	return getEnv(envKey, defaultValue)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Invalid integer for %s: %q", key, value)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		log.Printf("Invalid number for %s: %q", key, value)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Invalid duration for %s: %q", key, value)
	}
	return defaultValue
}
