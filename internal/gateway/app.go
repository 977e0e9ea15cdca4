package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/flowgate/internal/audit"
	"github.com/nao1215/flowgate/internal/config"
	"github.com/nao1215/flowgate/internal/credential"
	"github.com/nao1215/flowgate/internal/endpoint"
	"github.com/nao1215/flowgate/internal/forward"
	"github.com/nao1215/flowgate/internal/metrics"
	"github.com/nao1215/flowgate/internal/zeebe"
	"github.com/nao1215/flowgate/pkg/httpclient"
	"github.com/nao1215/flowgate/pkg/middleware"
	"github.com/sirupsen/logrus"
)

// App は設定から組み立てたゲートウェイ一式。
type App struct {
	Server      *Server
	Credentials *credential.Cache
	Registry    *endpoint.Registry
	Metrics     *metrics.Metrics

	zeebe *zeebe.Client
	audit *audit.Store
}

// NewApp は設定からゲートウェイを組み立てる。
// 操作表ファイルが指定されている場合は組み込みの操作表に上書きする。
func NewApp(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*App, error) {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	creds, err := credential.New(cfg.CredentialConfig(),
		credential.WithLogger(logger.WithField("component", "credential")),
		credential.WithRefreshHook(m.ObserveRefresh),
	)
	if err != nil {
		return nil, fmt.Errorf("トークンキャッシュの生成に失敗: %w", err)
	}

	app := &App{
		Credentials: creds,
		Registry:    registry,
		Metrics:     m,
	}

	fwdOpts := []forward.Option{
		forward.WithLogger(logger.WithField("component", "forward")),
		forward.WithObserver(m),
	}

	if hasRPCOperation(registry) {
		zc, err := zeebe.New(cfg.ZeebeConfig(), creds, zeebe.WithLogger(logger.WithField("component", "zeebe")))
		if err != nil {
			return nil, err
		}
		app.zeebe = zc
		fwdOpts = append(fwdOpts, forward.WithVariableSetter(zc))
	}

	if cfg.Audit.DBPath != "" {
		store, err := audit.Open(ctx, cfg.Audit.DBPath, logger.WithField("component", "audit"))
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		app.audit = store
		fwdOpts = append(fwdOpts, forward.WithObserver(store))
	}

	fwd := forward.New(creds, registry, httpclient.New(cfg.Upstream.Timeout), fwdOpts...)

	opts := Options{
		Logger:             logger,
		JWTSecret:          cfg.Server.InboundJWTSecret,
		EnforceScopes:      cfg.Server.EnforceScopes,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
		Middleware:         []gin.HandlerFunc{m.GinMiddleware()},
		Metrics:            m.Handler(),
	}
	if cfg.Server.RateLimitRPS > 0 {
		opts.RateLimiter = middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	}
	if app.audit != nil {
		opts.Audit = app.audit
	}
	app.Server = NewServer(fwd, opts)

	logger.WithFields(logrus.Fields{
		"operations":  len(registry.Names()),
		"engine":      cfg.Upstream.EngineBaseURL,
		"operate":     cfg.Upstream.OperateBaseURL,
		"audit":       app.audit != nil,
		"inbound_jwt": cfg.Server.InboundJWTSecret != "",
	}).Info("ゲートウェイを初期化しました")
	return app, nil
}

// Handler はHTTPハンドラーを返す。
func (a *App) Handler() http.Handler {
	return a.Server.Handler()
}

// Close はgRPC接続と監査DBを閉じる。
func (a *App) Close() error {
	var errs []error
	if a.zeebe != nil {
		if err := a.zeebe.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gRPCクライアントのクローズに失敗: %w", err))
		}
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			errs = append(errs, fmt.Errorf("監査DBのクローズに失敗: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildRegistry は組み込みの操作表と操作表ファイルからRegistryを生成する。
func buildRegistry(cfg *config.Config) (*endpoint.Registry, error) {
	bases := cfg.UpstreamBases()
	ops := endpoint.DefaultOperations()

	if cfg.Upstream.OperationsFile != "" {
		file, err := endpoint.LoadFile(cfg.Upstream.OperationsFile)
		if err != nil {
			return nil, err
		}
		bases = endpoint.MergeUpstreams(bases, file.Upstreams)
		ops = endpoint.Merge(ops, file.Operations)
	}

	registry, err := endpoint.NewRegistry(bases, ops)
	if err != nil {
		return nil, fmt.Errorf("操作表の生成に失敗: %w", err)
	}
	return registry, nil
}

func hasRPCOperation(r *endpoint.Registry) bool {
	for _, name := range r.Names() {
		if op, ok := r.Operation(name); ok && op.IsRPC() {
			return true
		}
	}
	return false
}
