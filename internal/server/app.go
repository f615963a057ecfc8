// Package server 组装依赖（存储、积分、生成编排、计费）、HTTP 路由与后台任务，使 main 保持简单可读。
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"genforge/internal/billing"
	"genforge/internal/config"
	"genforge/internal/credits"
	"genforge/internal/generation"
	"genforge/internal/limits"
	"genforge/internal/provider"
	"genforge/internal/security"
	"genforge/internal/storage"
	"genforge/internal/store"
	"genforge/internal/version"
	"genforge/router"
)

type AppOptions struct {
	Config  config.Config
	DB      *sql.DB
	Dialect store.Dialect
	Version version.BuildInfo

	// Gateway/Storage 为空时按配置构造；测试可注入替身。
	Gateway provider.Gateway
	Storage storage.Storage
}

type App struct {
	cfg      config.Config
	db       *sql.DB
	store    *store.Store
	credits  *credits.Service
	orch     *generation.Orchestrator
	webhooks *generation.WebhookReconciler
	sweeper  *generation.Sweeper
	billing  *billing.Reconciler
	stripe   *billing.Stripe
	epay     *billing.EPay
	media    *storage.LocalStore
	version  version.BuildInfo
	engine   *gin.Engine

	bgOnce sync.Once
}

func NewApp(opts AppOptions) (*App, error) {
	cfg := opts.Config
	st := store.New(opts.DB)
	st.SetDialect(opts.Dialect)

	cs := credits.NewService(st, cfg.Billing.DefaultGrantCredits)

	gw := opts.Gateway
	if gw == nil {
		gw = provider.NewFalClient(provider.FalOptions{
			BaseURL:        cfg.Provider.BaseURL,
			APIKey:         cfg.Provider.APIKey,
			RequestTimeout: cfg.Provider.RequestTimeout,
			PollInterval:   cfg.Provider.PollInterval,
		})
	}

	app := &App{
		cfg:     cfg,
		db:      opts.DB,
		store:   st,
		credits: cs,
		version: opts.Version,
	}

	sto := opts.Storage
	if sto == nil {
		var err error
		sto, err = app.newStorage(context.Background())
		if err != nil {
			return nil, err
		}
	}
	if ls, ok := sto.(*storage.LocalStore); ok {
		app.media = ls
	}

	app.orch = generation.NewOrchestrator(st, cs, gw, sto, generation.Options{
		SyncTimeout:        cfg.Jobs.SyncTimeout,
		CompletionClaimTTL: cfg.Jobs.CompletionClaimTTL,
		SignedURLTTL:       cfg.Storage.SignedURLTTL,
		PublicBaseURL:      cfg.Server.PublicBaseURL,
		WebhookSecret:      cfg.Provider.WebhookSecret,
	})
	app.webhooks = generation.NewWebhookReconciler(app.orch)
	app.sweeper = generation.NewSweeper(app.orch, cfg.Jobs.StaleAfter)
	app.billing = billing.NewReconciler(st, cs, cfg.Billing.CreditsPerCNY, cfg.Billing.MinTopupCNY)
	app.stripe = billing.NewStripe(billing.StripeConfig{
		SecretKey:     cfg.Billing.StripeSecretKey,
		WebhookSecret: cfg.Billing.StripeWebhookSecret,
		Currency:      cfg.Billing.StripeCurrency,
	})
	app.epay = billing.NewEPay(billing.EPayConfig{
		Gateway:   cfg.Billing.EPayGateway,
		PartnerID: cfg.Billing.EPayPartnerID,
		Key:       cfg.Billing.EPayKey,
	})

	if err := app.bootstrap(context.Background()); err != nil {
		return nil, err
	}

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	ro := router.Options{
		Env:           cfg.Env,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Store:         st,
		Generation:    app.orch,
		Credits:       cs,
		Billing:       app.billing,
		Stripe:        app.stripe,
		EPay:          app.epay,
		SyncLimits:    limits.NewAccountLimits(cfg.Jobs.MaxSyncPerAccount),

		Healthz:         app.handleHealthz,
		ProviderWebhook: app.handleProviderWebhook,
		StripeWebhook:   app.handleStripeWebhook,
		EPayNotify:      app.handleEPayNotify,
	}
	if app.media != nil {
		ro.Media = app.handleMedia
	}
	router.SetRouter(engine, ro)
	app.engine = engine
	return app, nil
}

func (a *App) newStorage(ctx context.Context) (storage.Storage, error) {
	policy := security.URLPolicy{AllowPrivate: a.cfg.Storage.AllowPrivateMediaURLs}
	dl := storage.Downloader{
		Policy:   policy,
		Client:   storage.NewDownloadClient(policy, 5*time.Minute),
		MaxBytes: a.cfg.Storage.DownloadMaxBytes,
	}
	switch a.cfg.Storage.Driver {
	case "s3":
		return storage.NewS3Store(ctx, storage.S3Options{
			Endpoint:  a.cfg.Storage.S3Endpoint,
			Region:    a.cfg.Storage.S3Region,
			Bucket:    a.cfg.Storage.S3Bucket,
			AccessKey: a.cfg.Storage.S3AccessKey,
			SecretKey: a.cfg.Storage.S3SecretKey,
		}, dl)
	default:
		secret := strings.TrimSpace(a.cfg.Storage.SigningSecret)
		if secret == "" {
			secret = randomSecret(32)
			slog.Warn("未配置 storage 签名密钥，使用随机密钥（重启后已签发的链接失效）")
		}
		publicBaseURL := a.cfg.Storage.PublicBaseURL
		if publicBaseURL == "" {
			publicBaseURL = localBaseURL(a.cfg)
		}
		return storage.NewLocalStore(a.cfg.Storage.LocalDir, publicBaseURL, secret, dl)
	}
}

func randomSecret(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func localBaseURL(cfg config.Config) string {
	if strings.TrimSpace(cfg.Server.PublicBaseURL) != "" {
		return strings.TrimRight(strings.TrimSpace(cfg.Server.PublicBaseURL), "/")
	}
	addr := strings.TrimSpace(cfg.Server.Addr)
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return "http://localhost:" + addr[i+1:]
	}
	return "http://localhost"
}

func (a *App) Handler() http.Handler {
	return a.engine
}

// Start 启动后台任务（停滞任务清理），随 ctx 结束而退出；重复调用无效。
func (a *App) Start(ctx context.Context) {
	a.bgOnce.Do(func() {
		go a.sweeper.Run(ctx, a.cfg.Jobs.SweepInterval)
	})
}

// bootstrap 在开发环境下为指定账号写入一个固定 API token，并初始化其积分余额。
func (a *App) bootstrap(ctx context.Context) error {
	b := a.cfg.Bootstrap
	if b.AccountID <= 0 || b.Token == "" {
		return nil
	}
	_, err := a.store.GetAPITokenByRawToken(ctx, b.Token)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrTokenRevoked):
		slog.Warn("bootstrap token 已被吊销，跳过", "account_id", b.AccountID)
		return nil
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("bootstrap token 检查失败: %w", err)
	}
	if _, err := a.store.CreateAPIToken(ctx, b.AccountID, "bootstrap", b.Token); err != nil && !errors.Is(err, store.ErrDuplicate) {
		return fmt.Errorf("写入 bootstrap token 失败: %w", err)
	}
	if _, err := a.credits.GetBalance(ctx, b.AccountID); err != nil {
		return fmt.Errorf("初始化 bootstrap 账号余额失败: %w", err)
	}
	slog.Info("已写入 bootstrap token", "account_id", b.AccountID)
	return nil
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := a.db != nil && a.db.PingContext(ctx) == nil

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":      dbOK,
		"env":     a.cfg.Env,
		"version": a.version.Version,
		"commit":  a.version.Commit,
		"date":    a.version.Date,
		"db_ok":   dbOK,
	})
}
