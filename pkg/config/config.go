package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server ServerConfig `mapstructure:"server"`
	DB     DBConfig     `mapstructure:"db"`
	JWT    JWTConfig    `mapstructure:"jwt"`
	Log    LogConfig    `mapstructure:"log"`
	Party  PartyConfig  `mapstructure:"party"`
}

type ServerConfig struct {
	Address string `mapstructure:"address"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Port     int    `mapstructure:"port"`
	TimeZone string `mapstructure:"timezone"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// PartyConfig 觀影派對引擎的時間與容量參數
type PartyConfig struct {
	RoomTTL                time.Duration `mapstructure:"room_ttl"`
	RoomSweepInterval      time.Duration `mapstructure:"room_sweep_interval"`
	RateLimitWindow        time.Duration `mapstructure:"rate_limit_window"`
	RateLimitTTL           time.Duration `mapstructure:"rate_limit_ttl"`
	RateLimitSweepInterval time.Duration `mapstructure:"rate_limit_sweep_interval"`
	SyncThrottle           time.Duration `mapstructure:"sync_throttle"`
	SeekThreshold          float64       `mapstructure:"seek_threshold"`
	ChatHistory            int           `mapstructure:"chat_history"`
	SnapshotMessages       int           `mapstructure:"snapshot_messages"`
	SendBuffer             int           `mapstructure:"send_buffer"`
	// TrustQueryUserID 允許沒有 token 的連線以 ?userId= 宣稱身分，僅供本機開發
	TrustQueryUserID bool `mapstructure:"trust_query_user_id"`
}

// Flags 回傳可覆寫設定檔的命令列參數
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("watchparty", pflag.ContinueOnError)
	fs.StringP("config", "c", "./pkg/config", "directory containing config.yaml")
	fs.StringP("listen", "a", "", "http listen address (overrides server.address)")
	fs.StringP("log-level", "l", "", "log level (overrides log.level)")
	return fs
}

// Load 讀取設定：預設值 < config.yaml < 環境變數 < 命令列參數
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WATCHPARTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if dir, err := fs.GetString("config"); err == nil && dir != "" {
			v.AddConfigPath(dir)
		}
		if f := fs.Lookup("listen"); f != nil {
			if err := v.BindPFlag("server.address", f); err != nil {
				return nil, err
			}
		}
		if f := fs.Lookup("log-level"); f != nil {
			if err := v.BindPFlag("log.level", f); err != nil {
				return nil, err
			}
		}
	} else {
		v.AddConfigPath("./pkg/config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "watchparty")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.timezone", "UTC")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("log.level", "info")

	v.SetDefault("party.room_ttl", 4*time.Hour)
	v.SetDefault("party.room_sweep_interval", 5*time.Minute)
	v.SetDefault("party.rate_limit_window", 2*time.Second)
	v.SetDefault("party.rate_limit_ttl", 5*time.Minute)
	v.SetDefault("party.rate_limit_sweep_interval", time.Minute)
	v.SetDefault("party.sync_throttle", 500*time.Millisecond)
	v.SetDefault("party.seek_threshold", 3.0)
	v.SetDefault("party.chat_history", 100)
	v.SetDefault("party.snapshot_messages", 10)
	v.SetDefault("party.send_buffer", 256)
	v.SetDefault("party.trust_query_user_id", false)
}
