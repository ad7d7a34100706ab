package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Store     StoreConfig
	AI        AIConfig
	History   HistoryConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	storeCfg, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	history, err := loadHistoryConfig()
	if err != nil {
		return nil, err
	}

	rateLimit, err := loadRateLimitConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		Store:     storeCfg,
		AI:        ai,
		History:   history,
		RateLimit: rateLimit,
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "text"),
		},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	addr, err := NormalizeAddr(os.Getenv("PORT"))
	if err != nil {
		return ServerConfig{}, err
	}
	return ServerConfig{Addr: addr}, nil
}

// NormalizeAddr 接受 "8080"、":8080" 或 "127.0.0.1:8080"。
func NormalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}
	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}
	if strings.Contains(port, ":") {
		return port, nil
	}
	return ":" + port, nil
}

// StoreConfig 描述消息存储。
type StoreConfig struct {
	Driver string
	DSN    string
}

func loadStoreConfig() (StoreConfig, error) {
	cfg := StoreConfig{
		Driver: strings.ToLower(getEnvOrDefault("STORE_DRIVER", "sqlite")),
		DSN:    getEnvOrDefault("STORE_DSN", "emochat.db"),
	}
	if err := cfg.Validate(); err != nil {
		return StoreConfig{}, err
	}
	return cfg, nil
}

// Validate checks the driver name.
func (c StoreConfig) Validate() error {
	switch c.Driver {
	case "memory", "sqlite", "postgres":
		return nil
	default:
		return fmt.Errorf("invalid STORE_DRIVER value %q: want memory, sqlite or postgres", c.Driver)
	}
}

// AIConfig 描述大模型相关配置。Provider 为 ark 或 openai。
type AIConfig struct {
	Provider            string
	APIKey              string
	AccessKey           string
	SecretKey           string
	Model               string
	BaseURL             string
	Region              string
	Temperature         *float64
	TopP                *float64
	MaxTokens           *int
	StreamResponse      bool
	SystemPrompt        string
	EmotionLLMEnabled   bool
	EmotionHistoryLimit int
	OpenAI              OpenAIConfig
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Enabled 表示所选 provider 的必需凭证是否齐全。
func (c AIConfig) Enabled() bool {
	if c.Provider == "openai" {
		return c.OpenAI.APIKey != "" && c.OpenAI.Model != ""
	}
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用 Ark 配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if c.Model == "" || (c.APIKey == "" && (c.AccessKey == "" || c.SecretKey == "")) {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature, topP *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	return ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	})
}

func loadAIConfig() (AIConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", "ark"))
	if provider != "ark" && provider != "openai" {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q: want ark or openai", provider)
	}

	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	emotionEnabled, err := parseBoolEnv("AI_EMOTION_LLM_ENABLED", false)
	if err != nil {
		return AIConfig{}, err
	}

	emotionHistory, err := parseIntEnv("AI_EMOTION_HISTORY_LIMIT", 6, 1)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		Provider:            provider,
		APIKey:              strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:           strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:           strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:               strings.TrimSpace(os.Getenv("Model")),
		BaseURL:             getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:              getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:         temperature,
		TopP:                topP,
		MaxTokens:           maxTokens,
		StreamResponse:      stream,
		SystemPrompt:        strings.TrimSpace(os.Getenv("AI_SYSTEM_PROMPT")),
		EmotionLLMEnabled:   emotionEnabled,
		EmotionHistoryLimit: emotionHistory,
		OpenAI: OpenAIConfig{
			APIKey:  strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
			BaseURL: getEnvOrDefault("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:   getEnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		},
	}, nil
}

// HistoryConfig 控制会话编辑、撤回与回复生成。
type HistoryConfig struct {
	MaxContentLength  int
	CascadeTolerance  time.Duration
	GenerationTimeout time.Duration
	ContextLimit      int
}

// DefaultHistoryConfig 返回默认的会话规则参数。
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxContentLength:  2000,
		CascadeTolerance:  60 * time.Second,
		GenerationTimeout: 60 * time.Second,
		ContextLimit:      10,
	}
}

func loadHistoryConfig() (HistoryConfig, error) {
	cfg := DefaultHistoryConfig()
	var err error

	if cfg.MaxContentLength, err = parseIntEnv("HISTORY_MAX_CONTENT_LENGTH", cfg.MaxContentLength, 1); err != nil {
		return HistoryConfig{}, err
	}
	if cfg.CascadeTolerance, err = parseDurationEnv("HISTORY_CASCADE_TOLERANCE", cfg.CascadeTolerance); err != nil {
		return HistoryConfig{}, err
	}
	if cfg.GenerationTimeout, err = parseDurationEnv("HISTORY_GENERATION_TIMEOUT", cfg.GenerationTimeout); err != nil {
		return HistoryConfig{}, err
	}
	if cfg.ContextLimit, err = parseIntEnv("HISTORY_CONTEXT_LIMIT", cfg.ContextLimit, 1); err != nil {
		return HistoryConfig{}, err
	}
	return cfg, nil
}

// RateLimitConfig 描述每个用户的变更请求限流。RPS 为 0 表示关闭。
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	cfg := RateLimitConfig{RPS: 10, Burst: 20}
	rps, err := parseOptionalFloatEnv("RATE_LIMIT_RPS")
	if err != nil {
		return RateLimitConfig{}, err
	}
	if rps != nil {
		if *rps < 0 {
			return RateLimitConfig{}, fmt.Errorf("invalid RATE_LIMIT_RPS value %v: must not be negative", *rps)
		}
		cfg.RPS = *rps
	}
	if cfg.Burst, err = parseIntEnv("RATE_LIMIT_BURST", cfg.Burst, 1); err != nil {
		return RateLimitConfig{}, err
	}
	return cfg, nil
}

// LogConfig 描述日志级别与格式（text 或 json）。
type LogConfig struct {
	Level  string
	Format string
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseIntEnv 读取整数，未设置时返回默认值，小于 floor 时取 floor。
func parseIntEnv(key string, defaultValue, floor int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return max(*val, floor), nil
}

// parseDurationEnv 接受 Go duration（"90s"）或整数秒（"90"）。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, value)
	}
	return d, nil
}
