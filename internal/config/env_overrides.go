package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

func applyEnvOverrides(cfg *Config) {
	applyCoreEnvOverrides(cfg)
	applyServerEnvOverrides(cfg)
	applyProviderEnvOverrides(cfg)
	applyStorageEnvOverrides(cfg)
	applyBillingEnvOverrides(cfg)
	applyJobsEnvOverrides(cfg)
}

func applyCoreEnvOverrides(cfg *Config) {
	if v := os.Getenv("GENFORGE_ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("GENFORGE_DB_DRIVER"); v != "" {
		cfg.DB.Driver = v
	}
	if v := os.Getenv("GENFORGE_DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("GENFORGE_SQLITE_PATH"); v != "" {
		cfg.DB.SQLitePath = v
	}
	if v := os.Getenv("GENFORGE_BOOTSTRAP_ACCOUNT_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Bootstrap.AccountID = n
		}
	}
	if v := os.Getenv("GENFORGE_BOOTSTRAP_TOKEN"); v != "" {
		cfg.Bootstrap.Token = v
	}
}

func applyServerEnvOverrides(cfg *Config) {
	if v := os.Getenv("GENFORGE_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("GENFORGE_PUBLIC_BASE_URL"); v != "" {
		cfg.Server.PublicBaseURL = v
	}
	envDuration("GENFORGE_SERVER_READ_HEADER_TIMEOUT", &cfg.Server.ReadHeaderTimeout)
	envDuration("GENFORGE_SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("GENFORGE_SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("GENFORGE_SERVER_IDLE_TIMEOUT", &cfg.Server.IdleTimeout)
	if v := os.Getenv("GENFORGE_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Server.MaxBodyBytes = n
		}
	}
}

func applyProviderEnvOverrides(cfg *Config) {
	if v := os.Getenv("GENFORGE_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	// FAL_KEY 是上游 SDK 的惯用变量名，允许直接复用。
	if v := os.Getenv("FAL_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("GENFORGE_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	envDuration("GENFORGE_PROVIDER_REQUEST_TIMEOUT", &cfg.Provider.RequestTimeout)
	envDuration("GENFORGE_PROVIDER_POLL_INTERVAL", &cfg.Provider.PollInterval)
	if v := os.Getenv("GENFORGE_PROVIDER_WEBHOOK_SECRET"); v != "" {
		cfg.Provider.WebhookSecret = v
	}
}

func applyStorageEnvOverrides(cfg *Config) {
	if v := os.Getenv("GENFORGE_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("GENFORGE_STORAGE_LOCAL_DIR"); v != "" {
		cfg.Storage.LocalDir = v
	}
	if v := os.Getenv("GENFORGE_STORAGE_PUBLIC_BASE_URL"); v != "" {
		cfg.Storage.PublicBaseURL = v
	}
	if v := os.Getenv("GENFORGE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3Endpoint = v
	}
	if v := os.Getenv("GENFORGE_S3_REGION"); v != "" {
		cfg.Storage.S3Region = v
	}
	if v := os.Getenv("GENFORGE_S3_BUCKET"); v != "" {
		cfg.Storage.S3Bucket = v
	}
	if v := os.Getenv("GENFORGE_S3_ACCESS_KEY"); v != "" {
		cfg.Storage.S3AccessKey = v
	}
	if v := os.Getenv("GENFORGE_S3_SECRET_KEY"); v != "" {
		cfg.Storage.S3SecretKey = v
	}
	if v := os.Getenv("GENFORGE_STORAGE_SIGNING_SECRET"); v != "" {
		cfg.Storage.SigningSecret = v
	}
	if v := os.Getenv("GENFORGE_STORAGE_ALLOW_PRIVATE"); v != "" {
		cfg.Storage.AllowPrivateMediaURLs = v == "1" || strings.EqualFold(v, "true")
	}
	envDuration("GENFORGE_STORAGE_SIGNED_URL_TTL", &cfg.Storage.SignedURLTTL)
	if v := os.Getenv("GENFORGE_STORAGE_DOWNLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Storage.DownloadMaxBytes = n
		}
	}
}

func applyBillingEnvOverrides(cfg *Config) {
	if v := os.Getenv("GENFORGE_BILLING_DEFAULT_GRANT_CREDITS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			cfg.Billing.DefaultGrantCredits = n
		}
	}
	if v := os.Getenv("GENFORGE_BILLING_MIN_TOPUP_CNY"); v != "" {
		if d, err := parseDecimalNonNeg(v, 2); err == nil {
			cfg.Billing.MinTopupCNY = d
		}
	}
	if v := os.Getenv("GENFORGE_BILLING_CREDITS_PER_CNY"); v != "" {
		if d, err := parseDecimalNonNeg(v, 6); err == nil {
			cfg.Billing.CreditsPerCNY = d
		}
	}
	if v := os.Getenv("GENFORGE_STRIPE_SECRET_KEY"); v != "" {
		cfg.Billing.StripeSecretKey = v
	}
	if v := os.Getenv("GENFORGE_STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Billing.StripeWebhookSecret = v
	}
	if v := os.Getenv("GENFORGE_STRIPE_CURRENCY"); v != "" {
		cfg.Billing.StripeCurrency = v
	}
	if v := os.Getenv("GENFORGE_EPAY_GATEWAY"); v != "" {
		cfg.Billing.EPayGateway = v
	}
	if v := os.Getenv("GENFORGE_EPAY_PARTNER_ID"); v != "" {
		cfg.Billing.EPayPartnerID = v
	}
	if v := os.Getenv("GENFORGE_EPAY_KEY"); v != "" {
		cfg.Billing.EPayKey = v
	}
}

func applyJobsEnvOverrides(cfg *Config) {
	envDuration("GENFORGE_JOBS_SYNC_TIMEOUT", &cfg.Jobs.SyncTimeout)
	envDuration("GENFORGE_JOBS_STALE_AFTER", &cfg.Jobs.StaleAfter)
	envDuration("GENFORGE_JOBS_SWEEP_INTERVAL", &cfg.Jobs.SweepInterval)
	envDuration("GENFORGE_JOBS_COMPLETION_CLAIM_TTL", &cfg.Jobs.CompletionClaimTTL)
	if v := os.Getenv("GENFORGE_JOBS_MAX_SYNC_PER_ACCOUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Jobs.MaxSyncPerAccount = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		*dst = d
	}
}
