package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// InstanceID 多实例部署时区分来源，空时启动时生成
		InstanceID string `mapstructure:"instanceId"`
		// AllowedOrigins CORS 和 websocket Origin 白名单
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
		// EnableCORS 经网关访问时网关已经加了 CORS，直连调试时再打开
		EnableCORS bool `mapstructure:"enableCors"`
	} `mapstructure:"running"`
	Mysql struct {
		DSN             string        `mapstructure:"dsn"`
		MaxOpenConns    int           `mapstructure:"maxOpenConns"`
		MaxIdleConns    int           `mapstructure:"maxIdleConns"`
		ConnMaxLifetime time.Duration `mapstructure:"connMaxLifetime"`
		Migrate         bool          `mapstructure:"migrate"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers     []string      `mapstructure:"brokers"`
		Topic       string        `mapstructure:"topic"`
		QueueSize   int           `mapstructure:"queueSize"`
		Workers     int           `mapstructure:"workers"`
		MaxRetry    int           `mapstructure:"maxRetry"`
		BaseBackoff time.Duration `mapstructure:"baseBackoff"`
		MaxBackoff  time.Duration `mapstructure:"maxBackoff"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret        string        `mapstructure:"jwtSecret"`
		Issuer           string        `mapstructure:"issuer"`
		LookupTimeout    time.Duration `mapstructure:"lookupTimeout"`
		DevAllowUnlisted bool          `mapstructure:"devAllowUnlisted"`
	} `mapstructure:"auth"`
	Collab struct {
		PresenceStaleAfter time.Duration `mapstructure:"presenceStaleAfter"`
		PresenceThrottle   time.Duration `mapstructure:"presenceThrottle"`
		TypingQuiet        time.Duration `mapstructure:"typingQuiet"`
		TeardownGrace      time.Duration `mapstructure:"teardownGrace"`
		PresenceQueue      int           `mapstructure:"presenceQueue"`
		NoticeQueue        int           `mapstructure:"noticeQueue"`
		MaxContentBytes    int           `mapstructure:"maxContentBytes"`
		SubmitTimeout      time.Duration `mapstructure:"submitTimeout"`
	} `mapstructure:"collab"`
	Persist struct {
		Debounce       time.Duration `mapstructure:"debounce"`
		MaxRetries     uint64        `mapstructure:"maxRetries"`
		InitialBackoff time.Duration `mapstructure:"initialBackoff"`
		MaxBackoff     time.Duration `mapstructure:"maxBackoff"`
		WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
	} `mapstructure:"persist"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.instanceId", "")
	v.SetDefault("running.allowedOrigins", []string{})
	v.SetDefault("running.enableCors", false)

	v.SetDefault("mysql.dsn", "root:root@tcp(127.0.0.1:3306)/notion?parseTime=true")
	v.SetDefault("mysql.maxOpenConns", 32)
	v.SetDefault("mysql.maxIdleConns", 8)
	v.SetDefault("mysql.connMaxLifetime", 30*time.Minute)
	v.SetDefault("mysql.migrate", false)

	v.SetDefault("redis.addrs", []string{"127.0.0.1:6379"})
	v.SetDefault("redis.password", "")

	v.SetDefault("kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("kafka.topic", "collab-room-events")
	//  Go 允许在数字里用下划线做分隔符，方便阅读
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("kafka.baseBackoff", 50*time.Millisecond)
	v.SetDefault("kafka.maxBackoff", time.Second)

	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("auth.issuer", "notion")
	v.SetDefault("auth.lookupTimeout", 2*time.Second)
	v.SetDefault("auth.devAllowUnlisted", false)

	v.SetDefault("collab.presenceStaleAfter", 10*time.Second)
	v.SetDefault("collab.presenceThrottle", 50*time.Millisecond)
	v.SetDefault("collab.typingQuiet", 1500*time.Millisecond)
	v.SetDefault("collab.teardownGrace", 30*time.Second)
	v.SetDefault("collab.presenceQueue", 64)
	v.SetDefault("collab.noticeQueue", 16)
	v.SetDefault("collab.maxContentBytes", 2<<20)
	v.SetDefault("collab.submitTimeout", 2*time.Second)

	v.SetDefault("persist.debounce", time.Second)
	v.SetDefault("persist.maxRetries", 5)
	v.SetDefault("persist.initialBackoff", 200*time.Millisecond)
	v.SetDefault("persist.maxBackoff", 5*time.Second)
	v.SetDefault("persist.writeTimeout", 5*time.Second)
}

// Load 读取 collabConfig.yaml，没有配置文件时全部使用默认值。
// 环境变量 COLLAB_<SECTION>_<KEY> 覆盖文件，例如 COLLAB_AUTH_JWTSECRET
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		// 兼容从项目根目录或 backend 目录启动
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 时间参数必须为正；JWT 密钥只有在开发模式下可以为空
func (c *Config) Validate() error {
	var errs []error
	durations := map[string]time.Duration{
		"auth.lookupTimeout":        c.Auth.LookupTimeout,
		"collab.presenceStaleAfter": c.Collab.PresenceStaleAfter,
		"collab.presenceThrottle":   c.Collab.PresenceThrottle,
		"collab.typingQuiet":        c.Collab.TypingQuiet,
		"collab.teardownGrace":      c.Collab.TeardownGrace,
		"collab.submitTimeout":      c.Collab.SubmitTimeout,
		"persist.debounce":          c.Persist.Debounce,
		"persist.initialBackoff":    c.Persist.InitialBackoff,
		"persist.maxBackoff":        c.Persist.MaxBackoff,
		"persist.writeTimeout":      c.Persist.WriteTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		errs = append(errs, fmt.Errorf("running.port out of range: %d", c.Running.Port))
	}
	if c.Auth.JWTSecret == "" && !c.Auth.DevAllowUnlisted {
		errs = append(errs, errors.New("auth.jwtSecret is required outside dev mode"))
	}
	if c.Collab.MaxContentBytes <= 0 {
		errs = append(errs, errors.New("collab.maxContentBytes must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
