// Package config 彙整整個服務的設定。
//
// 載入順序：內建預設 → config.yaml（存在時）→ 環境變數覆蓋。
// 檔案缺漏不是錯誤——所有欄位都有可運行的預設值。
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koopa0/battleship-arena/internal/coordinator"
	"github.com/koopa0/battleship-arena/internal/limiter"
	"github.com/koopa0/battleship-arena/internal/store"
)

// Config 應用程式設定
type Config struct {
	Server struct {
		Addr         string        `yaml:"addr"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"server"`

	Coordinator coordinator.Config `yaml:"coordinator"`
	Limiter     limiter.Config     `yaml:"limiter"`
	Store       store.Config       `yaml:"store"`

	// TokenTTL 重連令牌租約存活時間（活躍房間由掃描刷新）
	TokenTTL time.Duration `yaml:"token_ttl"`

	// Shared 叢集級限流（分散式模式時生效）
	Shared struct {
		Limit  int64         `yaml:"limit"`
		Window time.Duration `yaml:"window"`
	} `yaml:"shared_limit"`

	// Redis 空位址 = 單機模式
	Redis struct {
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	// Postgres 空 DSN = 遙測丟棄
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default 內建預設值
func Default() Config {
	var cfg Config
	cfg.Server.Addr = ":8080"
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Coordinator = coordinator.DefaultConfig()
	cfg.Limiter = limiter.DefaultConfig()
	cfg.Store = store.DefaultConfig()
	cfg.TokenTTL = 30 * time.Minute
	cfg.Shared.Limit = 60
	cfg.Shared.Window = 10 * time.Second
	cfg.Redis.PoolSize = 20
	cfg.Redis.MinIdleConns = 5
	cfg.Redis.ReadTimeout = 100 * time.Millisecond
	cfg.Redis.WriteTimeout = 100 * time.Millisecond
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load 載入設定檔並套用環境變數覆蓋
func Load(path string) (Config, error) {
	cfg := Default()

	// #nosec G304 - path 是啟動參數指定的配置檔案路徑
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	return cfg, nil
}
