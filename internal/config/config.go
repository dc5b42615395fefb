package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 鉴权模式
const (
	AuthNone   = "none"
	AuthAPIKey = "apikey"
	AuthJWT    = "jwt"
)

// Config 聚合服务启动需要的关键配置。
type Config struct {
	HTTPPort string
	LogLevel string

	// 处理服务
	ServiceURL     string
	DeleteStyle    string        // "path" 或 "query"
	RequestTimeout time.Duration // 列表、缓存、删除
	ProcessTimeout time.Duration // 场景检测，0 表示不限制
	PageSize       int

	CORSAllowedOrigins []string
	RateLimitRequests  int
	RateLimitWindow    time.Duration

	// 鉴权配置
	AuthMode  string   // none / apikey / jwt
	APIKeys   []string // 有效的 API Keys 列表
	JWTSecret string   // HS256 密钥
	JWKSURL   string   // 设置后优先使用 JWKS 校验

	// 迁移日志
	JournalEnabled bool
	DBHost         string
	DBPort         int
	DBUser         string
	DBPassword     string
	DBName         string
	DBSSLMode      string

	// 存储配置
	StorageDriver string // "local" 或 "s3"
	StorageDir    string
	S3Endpoint    string // S3/MinIO 端点，不含协议
	S3AccessKey   string
	S3SecretKey   string
	S3Bucket      string
	S3Region      string
	S3UseSSL      bool // 是否使用 HTTPS
	S3PathStyle   bool // 是否使用路径风格访问（MinIO 需要设为 true）
}

// source 先查环境变量，再查 CONFIG_FILE 中的同名键。
type source struct {
	file map[string]string
}

func (s source) get(key string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return s.file[key]
}

// Load 从环境变量加载配置，并提供默认值。CONFIG_FILE 指向的 YAML 文件提供基础值，
// 环境变量优先。
func Load() (*Config, error) {
	src, err := loadFile(os.Getenv("CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	return load(src)
}

func loadFile(path string) (source, error) {
	src := source{file: map[string]string{}}
	if path == "" {
		return src, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return src, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return src, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			continue
		case []any:
			items := make([]string, 0, len(v))
			for _, item := range v {
				items = append(items, fmt.Sprint(item))
			}
			src.file[strings.ToUpper(key)] = strings.Join(items, ",")
		default:
			src.file[strings.ToUpper(key)] = fmt.Sprint(v)
		}
	}
	return src, nil
}

func load(src source) (*Config, error) {
	serviceURL := src.envOrDefault("SERVICE_URL", "http://127.0.0.1:8000")
	if u, err := url.Parse(serviceURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("SERVICE_URL 不是合法地址: %q", serviceURL)
	}

	deleteStyle := strings.ToLower(src.envOrDefault("DELETE_STYLE", "path"))
	if deleteStyle != "path" && deleteStyle != "query" {
		return nil, fmt.Errorf("DELETE_STYLE 只能是 path 或 query: %q", deleteStyle)
	}

	requestTimeout, err := src.parseDurationEnv("REQUEST_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, err
	}
	processTimeout, err := src.parseDurationEnv("PROCESS_TIMEOUT", 0)
	if err != nil {
		return nil, err
	}

	pageSize, err := src.parseIntEnv("PAGE_SIZE", 12)
	if err != nil {
		return nil, err
	}

	corsOrigins := parseList(src.get("CORS_ALLOWED_ORIGINS"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:5173"}
	}

	rateLimitRequests, err := src.parseIntEnv("RATE_LIMIT_REQUESTS", 60)
	if err != nil {
		return nil, err
	}
	rateLimitWindow, err := src.parseDurationEnv("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	// 鉴权配置
	authMode := strings.ToLower(src.envOrDefault("AUTH_MODE", AuthNone))
	apiKeys := parseList(src.get("API_KEYS"))
	jwtSecret := src.get("JWT_SECRET")
	jwksURL := src.get("JWKS_URL")
	switch authMode {
	case AuthNone:
	case AuthAPIKey:
		if len(apiKeys) == 0 {
			return nil, fmt.Errorf("AUTH_MODE=apikey 需要设置 API_KEYS")
		}
	case AuthJWT:
		if jwtSecret == "" && jwksURL == "" {
			return nil, fmt.Errorf("AUTH_MODE=jwt 需要设置 JWT_SECRET 或 JWKS_URL")
		}
	default:
		return nil, fmt.Errorf("未知的 AUTH_MODE: %q", authMode)
	}

	dbPort, err := src.parseIntEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	// 存储配置
	storageDriver := strings.ToLower(src.envOrDefault("STORAGE_DRIVER", "local"))
	storageDir := src.envOrDefault("STORAGE_DIR", "./data")
	switch storageDriver {
	case "local":
		if err := ensureDir(storageDir); err != nil {
			return nil, fmt.Errorf("确保存储目录失败: %w", err)
		}
	case "s3":
	default:
		return nil, fmt.Errorf("未知的 STORAGE_DRIVER: %q", storageDriver)
	}

	return &Config{
		HTTPPort:           src.envOrDefault("PORT", "8080"),
		LogLevel:           src.envOrDefault("LOG_LEVEL", "info"),
		ServiceURL:         serviceURL,
		DeleteStyle:        deleteStyle,
		RequestTimeout:     requestTimeout,
		ProcessTimeout:     processTimeout,
		PageSize:           pageSize,
		CORSAllowedOrigins: corsOrigins,
		RateLimitRequests:  rateLimitRequests,
		RateLimitWindow:    rateLimitWindow,
		AuthMode:           authMode,
		APIKeys:            apiKeys,
		JWTSecret:          jwtSecret,
		JWKSURL:            jwksURL,
		JournalEnabled:     src.parseBoolEnv("JOURNAL_ENABLED", false),
		DBHost:             src.envOrDefault("DB_HOST", "127.0.0.1"),
		DBPort:             dbPort,
		DBUser:             src.envOrDefault("DB_USER", "cineshorts"),
		DBPassword:         src.envOrDefault("DB_PASSWORD", "cineshorts"),
		DBName:             src.envOrDefault("DB_NAME", "cineshorts"),
		DBSSLMode:          src.envOrDefault("DB_SSL_MODE", "disable"),
		StorageDriver:      storageDriver,
		StorageDir:         storageDir,
		S3Endpoint:         src.envOrDefault("S3_ENDPOINT", "localhost:9000"),
		S3AccessKey:        src.envOrDefault("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:        src.envOrDefault("S3_SECRET_KEY", "minioadmin"),
		S3Bucket:           src.envOrDefault("S3_BUCKET", "cineshorts"),
		S3Region:           src.envOrDefault("S3_REGION", "us-east-1"),
		S3UseSSL:           src.parseBoolEnv("S3_USE_SSL", false),
		S3PathStyle:        src.parseBoolEnv("S3_PATH_STYLE", true),
	}, nil
}

func ensureDir(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("路径 %s 已存在但不是目录", path)
		}
		return nil
	}

	if os.IsNotExist(err) {
		return os.MkdirAll(path, 0o755)
	}

	return err
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}

	items := strings.Split(raw, ",")
	out := make([]string, 0, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}

func (s source) parseIntEnv(key string, defaultValue int) (int, error) {
	raw := s.get(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func (s source) parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := s.get(key)
	if raw == "" {
		return defaultValue, nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("解析 %s 失败: %w", key, err)
	}
	if value <= 0 {
		return defaultValue, nil
	}
	return value, nil
}

func (s source) parseBoolEnv(key string, defaultValue bool) bool {
	raw := s.get(key)
	if raw == "" {
		return defaultValue
	}
	lower := strings.ToLower(raw)
	return lower == "true" || lower == "1" || lower == "yes"
}

func (s source) envOrDefault(key, defaultValue string) string {
	if value := s.get(key); value != "" {
		return value
	}
	return defaultValue
}

// PostgresDSN 生成标准 postgres:// 连接串，供数据访问层直接使用。
func (c *Config) PostgresDSN() string {
	u := &url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}

	q := url.Values{}
	if c.DBSSLMode != "" {
		q.Set("sslmode", c.DBSSLMode)
	}
	u.RawQuery = q.Encode()

	return u.String()
}
