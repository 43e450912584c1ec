package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix = "BILLING"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv       = "BILLING_APP_ENV"
	EnvPort         = "BILLING_APP_PORT"
	EnvDBDSN        = "BILLING_DB_DSN"
	EnvDBHost       = "BILLING_DB_HOST"
	EnvDBUser       = "BILLING_DB_USER"
	EnvDBName       = "BILLING_DB_NAME"
	EnvRedisURL     = "BILLING_REDIS_URL"
	EnvJWTSecret    = "BILLING_JWT_SECRET"
	EnvJWTIssuer    = "BILLING_JWT_ISSUER"
	EnvGateway      = "BILLING_GATEWAY_PROVIDER"
	EnvCurrency     = "BILLING_CURRENCY"
	EnvSessionTTL   = "BILLING_PAYMENT_SESSION_TTL"
	EnvUseSQLite    = "BILLING_USE_SQLITE"
	EnvCronSpec     = "BILLING_CRON_SCHEDULE"
	EnvGCPProjectID = "BILLING_GCP_PROJECT_ID"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

type Config struct {
	App           AppConfig
	Service       ServiceConfig
	DB            DBConfig
	Redis         RedisConfig
	JWT           JWTConfig
	FeatureFlags  FeatureFlagsConfig
	Billing       BillingConfig
	Gateway       GatewayConfig
	Stripe        StripeConfig
	Square        SquareConfig
	Manual        ManualGatewayConfig
	GCP           GCPConfig
	PubSub        PubSubConfig
	Cron          CronConfig
	Webhooks      WebhookConfig
	Notifications NotificationsConfig
	CORS          CORSConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Billing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"BILLING_APP_ENV" required:"true"`
	Port         string `envconfig:"BILLING_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"BILLING_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"BILLING_LOG_FORMAT" default:"json"`
	LogNoColor   bool   `envconfig:"BILLING_LOG_NO_COLOR" default:"false"`
	LogWarnStack bool   `envconfig:"BILLING_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"BILLING_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"BILLING_DB_DSN"`
	Driver string `envconfig:"BILLING_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"BILLING_DB_HOST"`
	Port     int    `envconfig:"BILLING_DB_PORT" default:"5432"`
	User     string `envconfig:"BILLING_DB_USER"`
	Password string `envconfig:"BILLING_DB_PASSWORD"`
	Name     string `envconfig:"BILLING_DB_NAME"`
	SSLMode  string `envconfig:"BILLING_DB_SSLMODE" default:"disable"`

	SQLitePath string `envconfig:"BILLING_SQLITE_PATH" default:"billing.db"`

	MaxOpenConns    int           `envconfig:"BILLING_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"BILLING_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"BILLING_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"BILLING_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	// SlowQuery is the duration above which statements are logged as warnings.
	SlowQuery  time.Duration `envconfig:"BILLING_DB_SLOW_QUERY" default:"500ms"`
	LogQueries bool          `envconfig:"BILLING_DB_LOG_QUERIES" default:"false"`
}

type RedisConfig struct {
	URL          string        `envconfig:"BILLING_REDIS_URL"`
	Address      string        `envconfig:"BILLING_REDIS_ADDR"`
	Password     string        `envconfig:"BILLING_REDIS_PASSWORD"`
	DB           int           `envconfig:"BILLING_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"BILLING_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"BILLING_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"BILLING_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"BILLING_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"BILLING_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret            string        `envconfig:"BILLING_JWT_SECRET" required:"true"`
	Issuer            string        `envconfig:"BILLING_JWT_ISSUER" required:"true"`
	Audience          string        `envconfig:"BILLING_JWT_AUDIENCE"`
	ExpirationMinutes int           `envconfig:"BILLING_JWT_EXPIRATION_MINUTES" default:"60"`
	Leeway            time.Duration `envconfig:"BILLING_JWT_LEEWAY" default:"30s"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"BILLING_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"BILLING_AUTO_MIGRATE" default:"false"`
}

// BillingConfig holds the engine knobs shared by the API and the workers.
type BillingConfig struct {
	Currency           string        `envconfig:"BILLING_CURRENCY" default:"USD"`
	PaymentSessionTTL  time.Duration `envconfig:"BILLING_PAYMENT_SESSION_TTL" default:"1h"`
	PollMinAge         time.Duration `envconfig:"BILLING_POLL_MIN_AGE" default:"2m"`
	DefaultReturnURL   string        `envconfig:"BILLING_DEFAULT_RETURN_URL" default:"https://example.com/billing/return"`
	SweepBatchSize     int           `envconfig:"BILLING_SWEEP_BATCH_SIZE" default:"200"`
	LimitWarnThreshold float64       `envconfig:"BILLING_LIMIT_WARN_THRESHOLD" default:"90"`
	ExpiringHorizons   []int         `envconfig:"BILLING_EXPIRING_HORIZONS" default:"7,1"`
}

func (b BillingConfig) validate() error {
	if len(strings.TrimSpace(b.Currency)) != 3 {
		return fmt.Errorf("%s must be an ISO 4217 code", EnvCurrency)
	}
	if b.PaymentSessionTTL <= 0 {
		return fmt.Errorf("%s must be positive", EnvSessionTTL)
	}
	for _, days := range b.ExpiringHorizons {
		if days <= 0 {
			return fmt.Errorf("BILLING_EXPIRING_HORIZONS must hold positive day counts, got %d", days)
		}
	}
	return nil
}

type GatewayConfig struct {
	Provider string `envconfig:"BILLING_GATEWAY_PROVIDER" default:"manual"`
}

type StripeConfig struct {
	APIKey     string        `envconfig:"BILLING_STRIPE_API_KEY"`
	Secret     string        `envconfig:"BILLING_STRIPE_WEBHOOK_SECRET"`
	Env        string        `envconfig:"BILLING_STRIPE_ENV" default:"test"`
	MaxRetries int64         `envconfig:"BILLING_STRIPE_MAX_RETRIES" default:"2"`
	Timeout    time.Duration `envconfig:"BILLING_STRIPE_TIMEOUT" default:"20s"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type SquareConfig struct {
	AccessToken     string `envconfig:"BILLING_SQUARE_ACCESS_TOKEN"`
	WebhookSecret   string `envconfig:"BILLING_SQUARE_WEBHOOK_SECRET"`
	NotificationURL string `envconfig:"BILLING_SQUARE_NOTIFICATION_URL"`
	LocationID      string `envconfig:"BILLING_SQUARE_LOCATION_ID"`
	Env             string `envconfig:"BILLING_SQUARE_ENV" default:"sandbox"`
}

// Environment returns the normalized Square environment (sandbox/production).
func (s SquareConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

type ManualGatewayConfig struct {
	Secret string `envconfig:"BILLING_MANUAL_WEBHOOK_SECRET"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"BILLING_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"BILLING_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"BILLING_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	NotificationTopic string `envconfig:"BILLING_PUBSUB_NOTIFICATION_TOPIC" default:"billing-notifications"`
}

type CronConfig struct {
	Interval time.Duration `envconfig:"BILLING_CRON_INTERVAL" default:"5m"`
	Schedule string        `envconfig:"BILLING_CRON_SCHEDULE"`
	LockTTL  time.Duration `envconfig:"BILLING_CRON_LOCK_TTL" default:"10m"`
}

type WebhookConfig struct {
	IdempotencyTTL time.Duration `envconfig:"BILLING_WEBHOOK_IDEMPOTENCY_TTL" default:"72h"`
}

type CORSConfig struct {
	AllowedOrigins []string `envconfig:"BILLING_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

type NotificationsConfig struct {
	BatchSize      int `envconfig:"BILLING_NOTIFICATIONS_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"BILLING_NOTIFICATIONS_POLL_MS" default:"1000"`
	MaxAttempts    int `envconfig:"BILLING_NOTIFICATIONS_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"BILLING_NOTIFICATIONS_RETENTION_DAYS" default:"90"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if useSQLite {
		db.Driver = "sqlite"
		if db.DSN == "" {
			db.DSN = db.SQLitePath
		}
		return nil
	}
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range legacyDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
