package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type SchedulerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// follow-up rules
	FollowUpsEnabled bool          `envconfig:"FOLLOWUPS_ENABLED" default:"true"`
	FollowUpRules    string        `envconfig:"FOLLOWUP_RULES"` // status:days:template:direction, comma-separated
	TickInterval     time.Duration `envconfig:"SCHEDULER_TICK_INTERVAL" default:"1h"`
	QuietPeriod      time.Duration `envconfig:"FOLLOWUP_QUIET_PERIOD" default:"24h"`
}

type DispatcherConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// db pool
	DBPoolMaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	DBPoolMaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	DBPoolHealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`

	// dispatch
	DispatchInterval time.Duration `envconfig:"DISPATCH_INTERVAL" default:"30s"`
	DispatchBatch    int           `envconfig:"DISPATCH_BATCH_SIZE" default:"50"`
	SendTimeout      time.Duration `envconfig:"SEND_TIMEOUT" default:"6s"`
	ClaimStaleAfter  time.Duration `envconfig:"CLAIM_STALE_AFTER" default:"5m"`

	// reconciliation
	ReconcileInterval   time.Duration `envconfig:"RECONCILE_INTERVAL" default:"10m"`
	ReconcileStuckAfter time.Duration `envconfig:"RECONCILE_STUCK_AFTER" default:"30m"`
	ReconcileBatch      int           `envconfig:"RECONCILE_BATCH_SIZE" default:"100"`

	// WhatsApp gateway
	WhatsAppAccessToken   string  `envconfig:"WHATSAPP_ACCESS_TOKEN" required:"true"`
	WhatsAppPhoneNumberID string  `envconfig:"WHATSAPP_PHONE_NUMBER_ID" required:"true"`
	WhatsAppBaseURL       string  `envconfig:"WHATSAPP_BASE_URL"`
	GatewayRPS            float64 `envconfig:"GATEWAY_RPS" default:"5"`
	GatewayBurst          int     `envconfig:"GATEWAY_BURST" default:"10"`
}

type WebhookConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Webhook signature verification. An empty secret disables verification;
	// never deploy that way.
	WebhookSecret    string `envconfig:"WEBHOOK_SECRET"`
	PublicWebhookURL string `envconfig:"PUBLIC_WEBHOOK_URL" required:"true"` // must match the EXACT URL configured at the provider

	// per-client rate limiting
	RateLimitMax    int           `envconfig:"RATE_LIMIT_MAX" default:"100"`
	RateLimitWindow time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"60s"`
	RateLimitSweep  time.Duration `envconfig:"RATE_LIMIT_SWEEP" default:"5m"`
}

func LoadScheduler() SchedulerConfig {
	var cfg SchedulerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadDispatcher() DispatcherConfig {
	var cfg DispatcherConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
