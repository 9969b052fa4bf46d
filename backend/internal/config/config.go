package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Client ClientConfig `mapstructure:"Client"`
	Relay  RelayConfig  `mapstructure:"Relay"`
}

// ClientConfig 是编辑端（房间 + 同步会话）的配置。
type ClientConfig struct {
	// 同步服务地址，例如 ws://localhost:8082/collab/ws；为空时会话进入 config-incomplete
	Endpoint   string `mapstructure:"endpoint"`
	ProfileURL string `mapstructure:"profileUrl"`
	HealthURL  string `mapstructure:"healthUrl"`
	Token      string `mapstructure:"token"`

	CacheDir      string `mapstructure:"cacheDir"`
	RoomPrefix    string `mapstructure:"roomPrefix"`
	OfflinePrefix string `mapstructure:"offlinePrefix"`

	RetryDelay         time.Duration `mapstructure:"retryDelay"`
	MaxRetryDelay      time.Duration `mapstructure:"maxRetryDelay"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeatInterval"`
	ProbeInterval      time.Duration `mapstructure:"probeInterval"`
	CacheLoadTimeout   time.Duration `mapstructure:"cacheLoadTimeout"`
	IdentityTTL        time.Duration `mapstructure:"identityTTL"`
	PresenceFrame      time.Duration `mapstructure:"presenceFrame"`
	AnnotationDebounce time.Duration `mapstructure:"annotationDebounce"`
}

// RelayConfig 是中继服务的配置，结构沿用各服务的 Running/Mysql/Redis/Kafka/Auth 分段。
type RelayConfig struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
		// 开发模式下开放 /v1/dev/token 签发测试令牌
		DevTokens bool `mapstructure:"devTokens"`
	} `mapstructure:"Auth"`
	SnapshotInterval time.Duration `mapstructure:"snapshotInterval"`
	AllowOrigins     []string      `mapstructure:"allowOrigins"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Client.endpoint", "")
	v.SetDefault("Client.profileUrl", "")
	v.SetDefault("Client.healthUrl", "")
	v.SetDefault("Client.token", "")
	v.SetDefault("Client.cacheDir", "./.collab")
	v.SetDefault("Client.roomPrefix", "collab-room")
	v.SetDefault("Client.offlinePrefix", "collab-offline-edit")
	v.SetDefault("Client.retryDelay", 2*time.Second)
	v.SetDefault("Client.maxRetryDelay", 30*time.Second)
	v.SetDefault("Client.heartbeatInterval", 10*time.Second)
	v.SetDefault("Client.probeInterval", 5*time.Second)
	v.SetDefault("Client.cacheLoadTimeout", 3*time.Second)
	v.SetDefault("Client.identityTTL", time.Duration(0))
	v.SetDefault("Client.presenceFrame", 16*time.Millisecond)
	v.SetDefault("Client.annotationDebounce", 100*time.Millisecond)

	v.SetDefault("Relay.Running.port", 8082)
	v.SetDefault("Relay.Mysql.dsn", "")
	v.SetDefault("Relay.Redis.addrs", []string{})
	v.SetDefault("Relay.Redis.password", "")
	v.SetDefault("Relay.Kafka.brokers", []string{})
	v.SetDefault("Relay.Kafka.topic", "collab-room-changes")
	v.SetDefault("Relay.Auth.secret", "dev-secret")
	v.SetDefault("Relay.Auth.devTokens", false)
	v.SetDefault("Relay.snapshotInterval", 5*time.Second)
	v.SetDefault("Relay.allowOrigins", []string{"http://localhost:3000"})
}

// Load 读取 collabConfig.yaml。path 为空时依次在 ./backend/config、./config、. 下查找；
// 找不到文件时只用默认值和环境变量（COLLAB_CLIENT_ENDPOINT 这类）。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("collabConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
