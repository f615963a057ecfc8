// Package config 负责读取并合并服务配置（仅环境变量），避免在业务代码里散落解析逻辑。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Env      string
	Server   ServerConfig
	DB       DBConfig
	Provider ProviderConfig
	Storage  StorageConfig
	Billing  BillingConfig
	Jobs     JobsConfig

	// Bootstrap 仅用于开发环境：启动时为指定账号写入一个 API token。
	Bootstrap BootstrapConfig
}

type ServerConfig struct {
	Addr          string
	PublicBaseURL string

	// 注意：同步生成会阻塞到上游返回，WriteTimeout 必须大于 Jobs.SyncTimeout。
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// 请求体上限（<=0 表示不限制）。
	MaxBodyBytes int64
}

type DBConfig struct {
	// Driver 支持 mysql/sqlite；为空时 dsn 非空推断为 mysql，否则 sqlite。
	Driver     string
	DSN        string
	SQLitePath string
}

type ProviderConfig struct {
	// BaseURL 是队列式生成服务的地址（fal 风格：{base}/{model}、{base}/{model}/requests/{id}/status）。
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	PollInterval   time.Duration

	// WebhookSecret 用于签发回调 URL 中的 token；为空时回调不可用，只能轮询完成。
	WebhookSecret string
}

type StorageConfig struct {
	// Driver 支持 local/s3。
	Driver        string
	LocalDir      string
	PublicBaseURL string

	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	// SigningSecret 用于本地存储的签名 URL；为空时进程启动随机生成（重启后旧链接失效）。
	SigningSecret string
	// AllowPrivateMediaURLs 允许从内网/回环地址下载产物，仅用于本地联调。
	AllowPrivateMediaURLs bool

	SignedURLTTL     time.Duration
	DownloadMaxBytes int64
}

type BillingConfig struct {
	DefaultGrantCredits int64
	MinTopupCNY         decimal.Decimal
	CreditsPerCNY       decimal.Decimal

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeCurrency      string

	EPayGateway   string
	EPayPartnerID string
	EPayKey       string
}

type JobsConfig struct {
	SyncTimeout        time.Duration
	StaleAfter         time.Duration
	SweepInterval      time.Duration
	CompletionClaimTTL time.Duration

	// MaxSyncPerAccount 限制单账号同时进行的同步生成数（同步请求会长时间占用连接）。
	MaxSyncPerAccount int
}

type BootstrapConfig struct {
	AccountID int64
	Token     string
}

// LoadFromEnv 仅从环境变量加载配置（不读取任何配置文件）。
func LoadFromEnv() (Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(&cfg)
	return normalizeAndValidate(cfg)
}

func normalizeAndValidate(cfg Config) (Config, error) {
	publicBaseURL, err := NormalizeHTTPBaseURL(cfg.Server.PublicBaseURL, "server.public_base_url")
	if err != nil {
		return Config{}, err
	}
	cfg.Server.PublicBaseURL = publicBaseURL
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return Config{}, errors.New("server.addr 不能为空")
	}

	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	cfg.DB.DSN = strings.TrimSpace(cfg.DB.DSN)
	cfg.DB.SQLitePath = strings.TrimSpace(cfg.DB.SQLitePath)
	if cfg.DB.Driver == "" {
		if cfg.DB.DSN != "" {
			cfg.DB.Driver = "mysql"
		} else {
			cfg.DB.Driver = "sqlite"
		}
	}
	switch cfg.DB.Driver {
	case "sqlite":
		if cfg.DB.SQLitePath == "" {
			cfg.DB.SQLitePath = "./data/genforge.db?_busy_timeout=30000"
		}
	case "mysql":
		if cfg.DB.DSN == "" {
			return Config{}, errors.New("db.dsn 不能为空（db.driver=mysql）")
		}
	default:
		return Config{}, fmt.Errorf("db.driver 不支持：%s（仅支持 mysql/sqlite）", cfg.DB.Driver)
	}

	providerBaseURL, err := NormalizeHTTPBaseURL(cfg.Provider.BaseURL, "provider.base_url")
	if err != nil {
		return Config{}, err
	}
	if providerBaseURL == "" {
		return Config{}, errors.New("provider.base_url 不能为空")
	}
	cfg.Provider.BaseURL = providerBaseURL
	cfg.Provider.APIKey = strings.TrimSpace(cfg.Provider.APIKey)
	if cfg.Provider.PollInterval <= 0 {
		cfg.Provider.PollInterval = time.Second
	}
	if cfg.Provider.RequestTimeout <= 0 {
		cfg.Provider.RequestTimeout = 30 * time.Second
	}

	cfg.Storage.Driver = strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch cfg.Storage.Driver {
	case "", "local":
		cfg.Storage.Driver = "local"
		if strings.TrimSpace(cfg.Storage.LocalDir) == "" {
			cfg.Storage.LocalDir = "./data/media"
		}
	case "s3":
		if strings.TrimSpace(cfg.Storage.S3Bucket) == "" {
			return Config{}, errors.New("storage.s3_bucket 不能为空（storage.driver=s3）")
		}
		if strings.TrimSpace(cfg.Storage.S3Region) == "" {
			cfg.Storage.S3Region = "auto"
		}
		endpoint, err := NormalizeHTTPBaseURL(cfg.Storage.S3Endpoint, "storage.s3_endpoint")
		if err != nil {
			return Config{}, err
		}
		cfg.Storage.S3Endpoint = endpoint
	default:
		return Config{}, fmt.Errorf("storage.driver 不支持：%s（仅支持 local/s3）", cfg.Storage.Driver)
	}
	storageBaseURL, err := NormalizeHTTPBaseURL(cfg.Storage.PublicBaseURL, "storage.public_base_url")
	if err != nil {
		return Config{}, err
	}
	cfg.Storage.PublicBaseURL = storageBaseURL
	if cfg.Storage.SignedURLTTL <= 0 {
		cfg.Storage.SignedURLTTL = time.Hour
	}

	if cfg.Billing.DefaultGrantCredits < 0 {
		return Config{}, errors.New("billing.default_grant_credits 不能为负数")
	}
	if cfg.Billing.CreditsPerCNY.LessThanOrEqual(decimal.Zero) {
		return Config{}, errors.New("billing.credits_per_cny 必须大于 0")
	}
	cfg.Billing.StripeCurrency = strings.ToLower(strings.TrimSpace(cfg.Billing.StripeCurrency))
	if cfg.Billing.StripeCurrency == "" {
		cfg.Billing.StripeCurrency = "cny"
	}

	if cfg.Jobs.SyncTimeout <= 0 {
		return Config{}, errors.New("jobs.sync_timeout 必须大于 0")
	}
	if cfg.Jobs.StaleAfter <= cfg.Jobs.SyncTimeout {
		return Config{}, errors.New("jobs.stale_after 必须大于 jobs.sync_timeout")
	}
	if cfg.Jobs.SweepInterval <= 0 {
		cfg.Jobs.SweepInterval = time.Minute
	}
	if cfg.Jobs.CompletionClaimTTL <= 0 {
		cfg.Jobs.CompletionClaimTTL = 5 * time.Minute
	}
	if cfg.Jobs.MaxSyncPerAccount <= 0 {
		cfg.Jobs.MaxSyncPerAccount = 1
	}
	if cfg.Server.WriteTimeout > 0 && cfg.Server.WriteTimeout <= cfg.Jobs.SyncTimeout {
		return Config{}, errors.New("server.write_timeout 必须大于 jobs.sync_timeout（或设为 0）")
	}

	cfg.Bootstrap.Token = strings.TrimSpace(cfg.Bootstrap.Token)
	return cfg, nil
}

func NormalizeHTTPBaseURL(raw string, label string) (string, error) {
	v := strings.TrimRight(strings.TrimSpace(raw), "/")
	if v == "" {
		return "", nil
	}
	if strings.TrimSpace(label) == "" {
		label = "base_url"
	}
	u, err := url.Parse(v)
	if err != nil {
		return "", fmt.Errorf("解析 %s 失败: %w", label, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%s 仅支持 http/https", label)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%s host 不能为空", label)
	}
	return v, nil
}

func parseDecimalNonNeg(raw string, scale int32) (decimal.Decimal, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "+")
	if s == "" {
		return decimal.Zero, errors.New("数值为空")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.New("数值格式不合法")
	}
	if d.IsNegative() {
		return decimal.Zero, errors.New("数值不能为负数")
	}
	if d.Exponent() < -scale {
		return decimal.Zero, fmt.Errorf("最多支持 %d 位小数", scale)
	}
	return d.Truncate(scale), nil
}

func defaultConfig() Config {
	return Config{
		Env: "dev",
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxBodyBytes:      1 << 20,
		},
		DB: DBConfig{
			SQLitePath: "./data/genforge.db?_busy_timeout=30000",
		},
		Provider: ProviderConfig{
			BaseURL:        "https://queue.fal.run",
			RequestTimeout: 30 * time.Second,
			PollInterval:   time.Second,
		},
		Storage: StorageConfig{
			Driver:           "local",
			LocalDir:         "./data/media",
			SignedURLTTL:     time.Hour,
			DownloadMaxBytes: 200 << 20,
		},
		Billing: BillingConfig{
			DefaultGrantCredits: 10,
			MinTopupCNY:         decimal.NewFromInt(10),
			CreditsPerCNY:       decimal.NewFromInt(1),
			StripeCurrency:      "cny",
		},
		Jobs: JobsConfig{
			SyncTimeout:        3 * time.Minute,
			StaleAfter:         30 * time.Minute,
			SweepInterval:      time.Minute,
			CompletionClaimTTL: 5 * time.Minute,
			MaxSyncPerAccount:  2,
		},
	}
}
