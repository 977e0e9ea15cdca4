// Package config は環境変数からゲートウェイの設定を読み込む。
//
// 起動時に.envファイルがあれば先に読み込み、既に設定済みの環境変数は上書きしない。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/nao1215/flowgate/internal/credential"
	"github.com/nao1215/flowgate/internal/endpoint"
	"github.com/nao1215/flowgate/internal/zeebe"
)

// Config はゲートウェイ全体の設定。
type Config struct {
	Server   Server
	Log      Log
	Identity Identity
	Upstream Upstream
	Zeebe    Zeebe
	Audit    Audit
}

// Server は受信側HTTPサーバーの設定。
type Server struct {
	Port string `env:"PORT,default=8080"`
	// Env はdevelopmentまたはproduction。productionではginをリリースモードで動かす。
	Env                string        `env:"GATEWAY_ENV,default=development"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS,default=*"`
	InboundJWTSecret   string        `env:"INBOUND_JWT_SECRET"`
	EnforceScopes      bool          `env:"INBOUND_JWT_ENFORCE_SCOPES,default=false"`
	RateLimitRPS       float64       `env:"RATE_LIMIT_RPS,default=0"`
	RateLimitBurst     int           `env:"RATE_LIMIT_BURST,default=20"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s"`
}

// Log はログ出力の設定。
type Log struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=text"`
}

// Identity はトークンを発行するアイデンティティプロバイダの設定。
type Identity struct {
	TokenURL     string        `env:"IDENTITY_TOKEN_URL"`
	ClientID     string        `env:"IDENTITY_CLIENT_ID"`
	ClientSecret string        `env:"IDENTITY_CLIENT_SECRET"`
	Audience     string        `env:"IDENTITY_AUDIENCE"`
	SafetyMargin time.Duration `env:"IDENTITY_SAFETY_MARGIN,default=60s"`
	Timeout      time.Duration `env:"IDENTITY_TIMEOUT,default=10s"`
}

// Upstream は転送先の設定。
type Upstream struct {
	EngineBaseURL  string        `env:"ENGINE_BASE_URL,default=http://localhost:8088/v2"`
	OperateBaseURL string        `env:"OPERATE_BASE_URL,default=http://localhost:8081/v1"`
	Timeout        time.Duration `env:"UPSTREAM_TIMEOUT,default=30s"`
	// OperationsFile は操作表を上書きするYAMLファイル。空の場合は組み込みの操作表のみを使う。
	OperationsFile string `env:"OPERATIONS_FILE"`
}

// Zeebe はgRPCゲートウェイの設定。
type Zeebe struct {
	GatewayAddress string `env:"ZEEBE_GATEWAY_ADDRESS,default=127.0.0.1:26500"`
	Plaintext      bool   `env:"ZEEBE_GATEWAY_PLAINTEXT,default=true"`
}

// Audit は監査ログの設定。
type Audit struct {
	// DBPath が空の場合は監査ログを記録しない。
	DBPath string `env:"AUDIT_DB_PATH"`
}

// Load は.envファイルと環境変数から設定を読み込んで検証する。
// envFilesを省略した場合はカレントディレクトリの.envを読む。存在しないファイルは無視する。
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s の読み込みに失敗: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("環境変数の解析に失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate は設定値を検証する。
func (c *Config) Validate() error {
	var errs []error

	if c.Identity.TokenURL == "" {
		errs = append(errs, errors.New("IDENTITY_TOKEN_URL が設定されていません"))
	} else if err := validateURL(c.Identity.TokenURL); err != nil {
		errs = append(errs, fmt.Errorf("IDENTITY_TOKEN_URL: %w", err))
	}
	if c.Identity.ClientID == "" {
		errs = append(errs, errors.New("IDENTITY_CLIENT_ID が設定されていません"))
	}
	if c.Identity.ClientSecret == "" {
		errs = append(errs, errors.New("IDENTITY_CLIENT_SECRET が設定されていません"))
	}
	if c.Identity.SafetyMargin < 0 {
		errs = append(errs, errors.New("IDENTITY_SAFETY_MARGIN は0以上を指定してください"))
	}
	if c.Identity.Timeout <= 0 {
		errs = append(errs, errors.New("IDENTITY_TIMEOUT は正の値を指定してください"))
	}

	if err := validateURL(c.Upstream.EngineBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("ENGINE_BASE_URL: %w", err))
	}
	if err := validateURL(c.Upstream.OperateBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("OPERATE_BASE_URL: %w", err))
	}
	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("UPSTREAM_TIMEOUT は正の値を指定してください"))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q は text または json を指定してください", c.Log.Format))
	}
	switch c.Server.Env {
	case "development", "production":
	default:
		errs = append(errs, fmt.Errorf("GATEWAY_ENV %q は development または production を指定してください", c.Server.Env))
	}
	if c.Server.RateLimitRPS < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS は0以上を指定してください"))
	}
	if c.Server.RateLimitRPS > 0 && c.Server.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_BURST は正の値を指定してください"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT は正の値を指定してください"))
	}

	return errors.Join(errs...)
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// CredentialConfig はトークンキャッシュの設定を返す。
// IDENTITY_SAFETY_MARGIN は未設定なら既定値が入るため、明示した0はマージンなしとして扱う。
func (c *Config) CredentialConfig() credential.Config {
	margin := c.Identity.SafetyMargin
	if margin == 0 {
		margin = credential.NoSafetyMargin
	}
	return credential.Config{
		TokenURL:     c.Identity.TokenURL,
		ClientID:     c.Identity.ClientID,
		ClientSecret: c.Identity.ClientSecret,
		Audience:     c.Identity.Audience,
		SafetyMargin: margin,
		Timeout:      c.Identity.Timeout,
	}
}

// UpstreamBases は上流名ごとのベースURLを返す。
func (c *Config) UpstreamBases() map[string]string {
	return map[string]string{
		endpoint.UpstreamEngine:  c.Upstream.EngineBaseURL,
		endpoint.UpstreamOperate: c.Upstream.OperateBaseURL,
	}
}

// ZeebeConfig はgRPCゲートウェイの接続設定を返す。
func (c *Config) ZeebeConfig() zeebe.Config {
	return zeebe.Config{
		GatewayAddress: c.Zeebe.GatewayAddress,
		Plaintext:      c.Zeebe.Plaintext,
		Timeout:        c.Upstream.Timeout,
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q はhttpまたはhttpsのURLではありません", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q にホストがありません", raw)
	}
	return nil
}
