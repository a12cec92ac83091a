package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zhouzirui/lunark-client/internal/model/chat"
)

// Config 聚合整个客户端的配置项。
type Config struct {
	Server   ServerConfig
	Socket   SocketConfig
	API      APIConfig
	Chat     ChatConfig
	Identity IdentityConfig
	Log      LogConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	socket, err := loadSocketConfig()
	if err != nil {
		return nil, err
	}

	api, err := loadAPIConfig()
	if err != nil {
		return nil, err
	}

	chatCfg, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	identity, err := loadIdentityConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Socket:   socket,
		API:      api,
		Chat:     chatCfg,
		Identity: identity,
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "text"),
		},
	}, nil
}

// ServerConfig 描述本地控制面 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8090"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8090" 或 "127.0.0.1:8090"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// SocketConfig 描述与助手后端的长连接配置。
type SocketConfig struct {
	URL                  string
	DialTimeout          time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	PingInterval         time.Duration
}

func loadSocketConfig() (SocketConfig, error) {
	dialTimeout, err := parseDurationEnv("SOCKET_TIMEOUT", 5*time.Second)
	if err != nil {
		return SocketConfig{}, err
	}

	delay, err := parseDurationEnv("SOCKET_RECONNECT_DELAY", time.Second)
	if err != nil {
		return SocketConfig{}, err
	}

	ping, err := parseDurationEnv("SOCKET_PING_INTERVAL", 25*time.Second)
	if err != nil {
		return SocketConfig{}, err
	}

	attempts := 3
	if override, err := parseOptionalIntEnv("SOCKET_RECONNECT_ATTEMPTS"); err != nil {
		return SocketConfig{}, err
	} else if override != nil {
		if *override < 1 {
			return SocketConfig{}, fmt.Errorf("invalid SOCKET_RECONNECT_ATTEMPTS value %d: must be positive", *override)
		}
		attempts = *override
	}

	return SocketConfig{
		URL:                  getEnvOrDefault("SOCKET_URL", "ws://localhost:3011/socket"),
		DialTimeout:          dialTimeout,
		MaxReconnectAttempts: attempts,
		ReconnectDelay:       delay,
		PingInterval:         ping,
	}, nil
}

// APIConfig 描述请求/响应通道配置。
type APIConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func loadAPIConfig() (APIConfig, error) {
	timeout, err := parseDurationEnv("API_TIMEOUT", 15*time.Second)
	if err != nil {
		return APIConfig{}, err
	}

	return APIConfig{
		BaseURL: strings.TrimRight(getEnvOrDefault("API_URL", "http://localhost:3011"), "/"),
		APIKey:  strings.TrimSpace(os.Getenv("API_KEY")),
		Timeout: timeout,
	}, nil
}

// ChatConfig 描述流式合并与交易对账的策略参数。
type ChatConfig struct {
	RetrySchedule     []time.Duration
	PendingClearAfter time.Duration
	StaleTurnAfter    time.Duration
	EndFrameDelay     time.Duration
	DefaultStatus     string
	ChatID            string
}

// DefaultRetrySchedule is the attachment retry list for pending transactions.
func DefaultRetrySchedule() []time.Duration {
	return []time.Duration{
		100 * time.Millisecond,
		300 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
	}
}

// DefaultChatConfig returns the policy values used when nothing is configured.
func DefaultChatConfig() ChatConfig {
	return ChatConfig{
		RetrySchedule:     DefaultRetrySchedule(),
		PendingClearAfter: 2500 * time.Millisecond,
		StaleTurnAfter:    5 * time.Minute,
		EndFrameDelay:     16 * time.Millisecond,
		DefaultStatus:     "Lunark is thinking...",
	}
}

func loadChatConfig() (ChatConfig, error) {
	defaults := DefaultChatConfig()

	schedule, err := parseDurationListEnv("TX_RETRY_SCHEDULE", defaults.RetrySchedule)
	if err != nil {
		return ChatConfig{}, err
	}

	clearAfter, err := parseDurationEnv("TX_PENDING_CLEAR_AFTER", defaults.PendingClearAfter)
	if err != nil {
		return ChatConfig{}, err
	}

	if last := schedule[len(schedule)-1]; clearAfter <= last {
		return ChatConfig{}, fmt.Errorf("TX_PENDING_CLEAR_AFTER (%s) must be later than the last retry (%s)", clearAfter, last)
	}

	stale, err := parseDurationEnv("TURN_STALE_AFTER", defaults.StaleTurnAfter)
	if err != nil {
		return ChatConfig{}, err
	}

	endDelay, err := parseDurationEnv("STREAM_END_DELAY", defaults.EndFrameDelay)
	if err != nil {
		return ChatConfig{}, err
	}

	return ChatConfig{
		RetrySchedule:     schedule,
		PendingClearAfter: clearAfter,
		StaleTurnAfter:    stale,
		EndFrameDelay:     endDelay,
		DefaultStatus:     getEnvOrDefault("STREAM_DEFAULT_STATUS", defaults.DefaultStatus),
		ChatID:            strings.TrimSpace(os.Getenv("CHAT_ID")),
	}, nil
}

// IdentityConfig 描述启动时的身份凭证，可在运行期被替换。
type IdentityConfig struct {
	UserID       string
	SessionToken string
	Address      string
	ChainID      int64
}

// Identity converts the configured values into a chat identity.
func (c IdentityConfig) Identity() chat.Identity {
	return chat.Identity{
		UserID:       c.UserID,
		SessionToken: c.SessionToken,
		Address:      c.Address,
		ChainID:      c.ChainID,
	}
}

func loadIdentityConfig() (IdentityConfig, error) {
	var chainID int64
	if raw := strings.TrimSpace(os.Getenv("WALLET_CHAIN_ID")); raw != "" {
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return IdentityConfig{}, fmt.Errorf("invalid WALLET_CHAIN_ID value %q: %w", raw, err)
		}
		chainID = val
	}

	return IdentityConfig{
		UserID:       strings.TrimSpace(os.Getenv("LUNARK_USER_ID")),
		SessionToken: strings.TrimSpace(os.Getenv("LUNARK_SESSION_TOKEN")),
		Address:      strings.TrimSpace(os.Getenv("WALLET_ADDRESS")),
		ChainID:      chainID,
	}, nil
}

// LogConfig 描述日志输出配置。
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

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: must not be negative", key, raw)
	}
	return val, nil
}

// parseDurationListEnv 解析逗号分隔的递增时长列表，如 "100ms,300ms,1s"。
func parseDurationListEnv(key string, defaultValue []time.Duration) ([]time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return append([]time.Duration(nil), defaultValue...), nil
	}

	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		val, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid %s entry %q: %w", key, part, err)
		}
		if len(out) > 0 && val < out[len(out)-1] {
			return nil, fmt.Errorf("invalid %s value %q: delays must not decrease", key, raw)
		}
		out = append(out, val)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("invalid %s value %q: no delays", key, raw)
	}
	return out, nil
}
