// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppName    string // サービス名
	AppVersion string // /health で返すバージョン

	// 認証設定
	APIKey          string // 変更系エンドポイント用 API キー（平文）
	APIKeyHash      string // bcrypt でハッシュ化した API キー（APIKey より優先）
	AppUsername     string // ダッシュボードのログインユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS / アクセス制御
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）
	AllowedIPs         string // 許可するクライアントIP（空なら全許可）

	// レート制限
	RateLimitEnabled         bool
	RateLimitDownloadsPerMin int
	RateLimitSearchPerMin    int

	// 永続化
	DatabasePath string // sqlite ファイルのパス
	DownloadDir  string // 成果物の保存先

	// ジョブ/キュー設定
	QueueRedisURL          string        // Asynq用Redis接続URL（空ならプロセス内で実行）
	MaxConcurrentDownloads int           // 同時に実行するダウンロード数
	DownloadMaxRetries     int           // 一時的な失敗に対する再試行回数
	DownloadRetryDelay     time.Duration // 再試行までの待ち時間
	InflightTTL            time.Duration // Redis 上の実行中ロックの有効期限

	// SICAR 連携
	SICARBaseURL     string
	SICARTimeout     time.Duration
	SICARInsecureTLS bool   // 証明書検証を無効にする
	CaptchaCommand   string // 画像を標準入力で受け取り文字列を返すコマンド
	CaptchaAttempts  int

	// スケジューラー設定
	ScheduleEnabled       bool
	ScheduleHour          int
	ScheduleMinute        int
	ScheduleTimezone      string
	AutoDownloadStates    []string
	AutoDownloadPolygons  []string
	SchedulerAllowOverlap bool

	// ログ設定
	LogJSON  bool
	LogLevel string
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		AppName:    getEnv("APP_NAME", "SICAR API"),
		AppVersion: getEnv("APP_VERSION", "1.0.0"),

		// 認証設定
		APIKey:          getEnv("API_KEY", ""),
		APIKeyHash:      getEnv("API_KEY_HASH", ""),
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		AllowedIPs:         getEnv("ALLOWED_IPS", ""),

		RateLimitEnabled:         getEnvAsBool("RATE_LIMIT_ENABLED", true),
		RateLimitDownloadsPerMin: getEnvAsInt("RATE_LIMIT_DOWNLOADS_PER_MINUTE", 10),
		RateLimitSearchPerMin:    getEnvAsInt("RATE_LIMIT_SEARCH_PER_MINUTE", 20),

		DatabasePath: getEnv("DATABASE_PATH", filepath.Join("data", "sicar.db")),
		DownloadDir:  getEnv("DOWNLOAD_DIR", "./downloads"),

		QueueRedisURL:          getEnv("QUEUE_REDIS_URL", ""),
		MaxConcurrentDownloads: getEnvAsInt("MAX_CONCURRENT_DOWNLOADS", 5),
		DownloadMaxRetries:     getEnvAsInt("DOWNLOAD_MAX_RETRIES", 3),
		DownloadRetryDelay:     getEnvAsDuration("DOWNLOAD_RETRY_DELAY", 5*time.Second),
		InflightTTL:            getEnvAsDuration("INFLIGHT_TTL", 3*time.Hour),

		SICARBaseURL:     getEnv("SICAR_BASE_URL", "https://consultapublica.car.gov.br/publico"),
		SICARTimeout:     getEnvAsDuration("SICAR_TIMEOUT", 2*time.Minute),
		SICARInsecureTLS: getEnvAsBool("SICAR_INSECURE_TLS", false),
		CaptchaCommand:   getEnv("CAPTCHA_COMMAND", "tesseract stdin stdout --psm 8"),
		CaptchaAttempts:  getEnvAsInt("CAPTCHA_ATTEMPTS", 25),

		ScheduleEnabled:       getEnvAsBool("SCHEDULE_ENABLED", true),
		ScheduleHour:          getEnvAsInt("SCHEDULE_HOUR", 2),
		ScheduleMinute:        getEnvAsInt("SCHEDULE_MINUTE", 0),
		ScheduleTimezone:      getEnv("SCHEDULE_TIMEZONE", "America/Sao_Paulo"),
		AutoDownloadStates:    getEnvAsList("AUTO_DOWNLOAD_STATES", "SP"),
		AutoDownloadPolygons:  getEnvAsList("AUTO_DOWNLOAD_POLYGONS", "APPS,LEGAL_RESERVE"),
		SchedulerAllowOverlap: getEnvAsBool("SCHEDULER_ALLOW_OVERLAP", false),

		LogJSON:  getEnvAsBool("LOG_JSON", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.ScheduleHour < 0 || c.ScheduleHour > 23 {
		return errors.Newf("SCHEDULE_HOUR must be between 0 and 23, got %d", c.ScheduleHour)
	}
	if c.ScheduleMinute < 0 || c.ScheduleMinute > 59 {
		return errors.Newf("SCHEDULE_MINUTE must be between 0 and 59, got %d", c.ScheduleMinute)
	}
	if _, err := time.LoadLocation(c.ScheduleTimezone); err != nil {
		return errors.Wrap(err, "SCHEDULE_TIMEZONE is invalid")
	}
	if c.MaxConcurrentDownloads <= 0 {
		return errors.New("MAX_CONCURRENT_DOWNLOADS must be positive")
	}
	if c.DownloadMaxRetries < 0 {
		return errors.New("DOWNLOAD_MAX_RETRIES must not be negative")
	}

	// ローカル開発では認証設定は任意
	if c.GinMode == "release" {
		if c.APIKey == "" && c.APIKeyHash == "" {
			return errors.New("API_KEY or API_KEY_HASH is required in release mode")
		}
		if c.AppUsername != "" && c.SessionSecret == "" {
			return errors.New("SESSION_SECRET is required when APP_USERNAME is set")
		}
	}

	return nil
}

// Location はスケジュール計算に使うタイムゾーンを返します。
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は "5s" や "2m" 形式の環境変数を取得します。
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を大文字のスライスとして取得します。
func getEnvAsList(key string, defaultValue string) []string {
	raw := getEnv(key, defaultValue)
	var items []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			items = append(items, part)
		}
	}
	return items
}
