package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/chronicle-labs/chronicle/internal/admission"
	"github.com/chronicle-labs/chronicle/internal/auth"
	"github.com/chronicle-labs/chronicle/internal/inference"
	"github.com/chronicle-labs/chronicle/internal/pricing"
	"github.com/chronicle-labs/chronicle/internal/ratelimit"
	"github.com/chronicle-labs/chronicle/internal/x402"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Log         LogConfig         `mapstructure:"log"`
	Payment     PaymentConfig     `mapstructure:"payment"`
	Facilitator FacilitatorConfig `mapstructure:"facilitator"`
	Pricing     PricingConfig     `mapstructure:"pricing"`
	RateLimit   RateLimitConfig   `mapstructure:"ratelimit"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Inference   InferenceConfig   `mapstructure:"inference"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port" validate:"min=1,max=65535"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
	PublicRPS    float64  `mapstructure:"public_rps" validate:"gt=0"`
	PublicBurst  int      `mapstructure:"public_burst" validate:"min=1"`
	MaxBodyBytes int64    `mapstructure:"max_body_bytes" validate:"min=1024"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	// File, when set, receives logs in addition to stderr, rotated by size.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type PaymentConfig struct {
	// Network is "base", "base-sepolia" or a CAIP-2 identifier.
	Network  string           `mapstructure:"network" validate:"required"`
	PayTo    string           `mapstructure:"pay_to" validate:"required,eth_addr"`
	Asset    string           `mapstructure:"asset"`
	Decimals int              `mapstructure:"decimals" validate:"min=2,max=18"`
	Policy   admission.Policy `mapstructure:"policy" validate:"oneof=settle-then-limit limit-then-settle"`
	// AssetName and AssetVersion are the token's EIP-712 domain. They must
	// match the contract or no signed authorization will settle.
	AssetName    string `mapstructure:"asset_name" validate:"required"`
	AssetVersion string `mapstructure:"asset_version" validate:"required"`
	// MaxTimeout is the maxTimeoutSeconds advertised in challenges.
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
}

type FacilitatorConfig struct {
	// Mode "http" delegates to a remote facilitator; "local" verifies
	// signatures in-process and never settles.
	Mode    string        `mapstructure:"mode" validate:"oneof=http local"`
	URL     string        `mapstructure:"url" validate:"required_if=Mode http"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type PricingConfig struct {
	BasePriceUSD     float64            `mapstructure:"base_price_usd" validate:"gt=0"`
	CostPerMiBUSD    float64            `mapstructure:"cost_per_mib_usd" validate:"gte=0"`
	MarkupMultiplier float64            `mapstructure:"markup_multiplier" validate:"gte=1"`
	Flat             pricing.FlatPrices `mapstructure:"flat"`
}

type RateLimitConfig struct {
	Store  string        `mapstructure:"store" validate:"oneof=memory redis"`
	Window time.Duration `mapstructure:"window"`
	// Per-class quotas; 0 disables limiting for that class.
	Upload    int `mapstructure:"upload" validate:"min=0"`
	Text      int `mapstructure:"text" validate:"min=0"`
	Image     int `mapstructure:"image" validate:"min=0"`
	ImageEdit int `mapstructure:"image_edit" validate:"min=0"`
	Video     int `mapstructure:"video" validate:"min=0"`
	// Windows overrides Window per class; zero inherits it.
	Windows ClassWindows `mapstructure:"windows"`
}

type ClassWindows struct {
	Upload    time.Duration `mapstructure:"upload" validate:"min=0"`
	Text      time.Duration `mapstructure:"text" validate:"min=0"`
	Image     time.Duration `mapstructure:"image" validate:"min=0"`
	ImageEdit time.Duration `mapstructure:"image_edit" validate:"min=0"`
	Video     time.Duration `mapstructure:"video" validate:"min=0"`
}

type StorageConfig struct {
	APIURL     string `mapstructure:"api_url" validate:"required,url"`
	GatewayURL string `mapstructure:"gateway_url" validate:"required,url"`
	APIKey     string `mapstructure:"api_key"`
	// PayerKey is a hex secp256k1 key used to pay an x402-gated upload API.
	PayerKey string `mapstructure:"payer_key"`
}

type InferenceConfig struct {
	Endpoints inference.Endpoints `mapstructure:"endpoints"`
	APIKey    string              `mapstructure:"api_key"`
	Timeout   time.Duration       `mapstructure:"timeout"`
}

type AuthConfig struct {
	Header           string `mapstructure:"header"`
	VerifySignatures bool   `mapstructure:"verify_signatures"`
	Message          string `mapstructure:"message"`
}

// Load reads .env, then config.yaml, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":            "PORT",
		"redis.addr":             "REDIS_ADDR",
		"redis.password":         "REDIS_PASSWORD",
		"log.level":              "LOG_LEVEL",
		"log.file":               "LOG_FILE",
		"payment.network":        "NETWORK",
		"payment.pay_to":         "EVM_ADDRESS",
		"payment.asset":          "PAYMENT_ASSET",
		"payment.asset_name":     "PAYMENT_ASSET_NAME",
		"payment.asset_version":  "PAYMENT_ASSET_VERSION",
		"payment.policy":         "ADMISSION_POLICY",
		"facilitator.mode":       "FACILITATOR_MODE",
		"facilitator.url":        "FACILITATOR_URL",
		"facilitator.api_key":    "FACILITATOR_API_KEY",
		"ratelimit.store":        "RATE_LIMIT_STORE",
		"storage.api_url":        "STORAGE_API_URL",
		"storage.gateway_url":    "STORAGE_GATEWAY_URL",
		"storage.api_key":        "STORAGE_API_KEY",
		"storage.payer_key":      "EVM_PRIVATE_KEY",
		"inference.api_key":      "CHUTES_API_KEY",
		"auth.header":            "API_AUTH_HEADER",
		"auth.verify_signatures": "AUTH_VERIFY_SIGNATURES",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.public_rps", 5)
	v.SetDefault("server.public_burst", 20)
	v.SetDefault("server.max_body_bytes", 10<<20)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)

	v.SetDefault("payment.network", "base-sepolia")
	v.SetDefault("payment.decimals", 6)
	v.SetDefault("payment.policy", string(admission.PolicySettleThenLimit))
	v.SetDefault("payment.asset_name", x402.DefaultAssetName)
	v.SetDefault("payment.asset_version", x402.DefaultAssetVersion)
	v.SetDefault("payment.max_timeout", x402.ValidityWindow*time.Second)

	v.SetDefault("facilitator.mode", "http")
	v.SetDefault("facilitator.url", "https://facilitator.payai.network")
	v.SetDefault("facilitator.timeout", 15*time.Second)

	p := pricing.Default()
	v.SetDefault("pricing.base_price_usd", p.BasePriceUSD)
	v.SetDefault("pricing.cost_per_mib_usd", p.CostPerMiBUSD)
	v.SetDefault("pricing.markup_multiplier", p.MarkupMultiplier)
	flat := pricing.DefaultFlatPrices()
	v.SetDefault("pricing.flat.text", flat.Text)
	v.SetDefault("pricing.flat.image", flat.Image)
	v.SetDefault("pricing.flat.image_edit", flat.ImageEdit)
	v.SetDefault("pricing.flat.video", flat.Video)

	rules := ratelimit.DefaultRules()
	v.SetDefault("ratelimit.store", "redis")
	v.SetDefault("ratelimit.window", rules.Default.Window)
	v.SetDefault("ratelimit.upload", rules.For(ratelimit.ClassUpload).Quota)
	v.SetDefault("ratelimit.text", rules.For(ratelimit.ClassText).Quota)
	v.SetDefault("ratelimit.image", rules.For(ratelimit.ClassImage).Quota)
	v.SetDefault("ratelimit.image_edit", rules.For(ratelimit.ClassImageEdit).Quota)
	v.SetDefault("ratelimit.video", rules.For(ratelimit.ClassVideo).Quota)
	for _, class := range []string{"upload", "text", "image", "image_edit", "video"} {
		v.SetDefault("ratelimit.windows."+class, time.Duration(0))
	}

	v.SetDefault("storage.api_url", "https://upload.ardrive.io")
	v.SetDefault("storage.gateway_url", "https://arweave.net")

	ep := inference.DefaultEndpoints()
	v.SetDefault("inference.endpoints.text_url", ep.Text)
	v.SetDefault("inference.endpoints.image_url", ep.Image)
	v.SetDefault("inference.endpoints.image_edit_url", ep.ImageEdit)
	v.SetDefault("inference.endpoints.video_url", ep.Video)
	v.SetDefault("inference.endpoints.model", ep.Model)
	v.SetDefault("inference.timeout", 120*time.Second)

	v.SetDefault("auth.header", "Authorization")
	v.SetDefault("auth.message", auth.DefaultMessage)
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config %s: failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	network := c.Payment.NetworkID()
	if _, ok := x402.DefaultNetworks().ChainID(network); !ok {
		return fmt.Errorf("invalid config: unknown network %q", c.Payment.Network)
	}
	if c.Payment.AssetAddress() == "" {
		return fmt.Errorf("required config missing: PAYMENT_ASSET (no default for %s)", network)
	}
	if c.Facilitator.Mode == "local" && network == x402.NetworkBase {
		return errors.New("invalid config: local facilitator never settles; refusing mainnet")
	}
	flat := c.Pricing.Flat
	for _, p := range []float64{flat.Text, flat.Image, flat.ImageEdit, flat.Video} {
		if p <= 0 {
			return fmt.Errorf("invalid config: flat prices must be positive, got %v", flat)
		}
	}
	if err := c.Pricing.Engine().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// NetworkID resolves the configured network to its CAIP-2 identifier.
func (p PaymentConfig) NetworkID() string {
	switch p.Network {
	case "base":
		return x402.NetworkBase
	case "base-sepolia":
		return x402.NetworkBaseSepolia
	}
	return p.Network
}

// AssetAddress is the configured asset, or USDC on the configured network.
func (p PaymentConfig) AssetAddress() string {
	if p.Asset != "" {
		return p.Asset
	}
	return x402.USDC[p.NetworkID()]
}

func (p PricingConfig) Engine() pricing.Engine {
	return pricing.Engine{
		BasePriceUSD:     p.BasePriceUSD,
		CostPerMiBUSD:    p.CostPerMiBUSD,
		MarkupMultiplier: p.MarkupMultiplier,
	}
}

func (r RateLimitConfig) Rules() ratelimit.Rules {
	rule := func(quota int, window time.Duration) ratelimit.Rule {
		if window <= 0 {
			window = r.Window
		}
		return ratelimit.Rule{Quota: quota, Window: window}
	}
	w := r.Windows
	return ratelimit.Rules{
		Default: rule(r.Text, w.Text),
		ByClass: map[ratelimit.Class]ratelimit.Rule{
			ratelimit.ClassUpload:    rule(r.Upload, w.Upload),
			ratelimit.ClassText:      rule(r.Text, w.Text),
			ratelimit.ClassImage:     rule(r.Image, w.Image),
			ratelimit.ClassImageEdit: rule(r.ImageEdit, w.ImageEdit),
			ratelimit.ClassVideo:     rule(r.Video, w.Video),
		},
	}
}

func (a AuthConfig) Options() auth.Options {
	return auth.Options{Header: a.Header, VerifySignatures: a.VerifySignatures, Message: a.Message}
}
