package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"anpr-parking/internal/consensus"
)

type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Vision    VisionConfig    `mapstructure:"vision"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Tariff    TariffConfig    `mapstructure:"tariff"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type HTTPConfig struct {
	Addr        string   `mapstructure:"addr"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type MQTTConfig struct {
	Broker          string        `mapstructure:"broker"`
	ClientID        string        `mapstructure:"client_id"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	EntryTopic      string        `mapstructure:"entry_topic"`
	DeadLetterTopic string        `mapstructure:"dead_letter_topic"`
	QoS             byte          `mapstructure:"qos"`
	StoreDir        string        `mapstructure:"store_dir"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout  time.Duration `mapstructure:"publish_timeout"`
}

type ConsensusConfig struct {
	Cooldown        time.Duration `mapstructure:"cooldown"`
	MinFrames       int           `mapstructure:"min_frames"`
	MinVotes        int           `mapstructure:"min_votes"`
	MaxHistory      int           `mapstructure:"max_history"`
	ResetThreshold  int           `mapstructure:"reset_threshold"`
	ConfidenceFloor float64       `mapstructure:"confidence_floor"`
	KeyStrategy     string        `mapstructure:"key_strategy"`
}

type IngestConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	ReplayCacheTTL time.Duration `mapstructure:"replay_cache_ttl"`
}

type VisionConfig struct {
	CameraID      string        `mapstructure:"camera_id"`
	SnapshotURL   string        `mapstructure:"snapshot_url"`
	RecognizerURL string        `mapstructure:"recognizer_url"`
	MaxFPS        float64       `mapstructure:"max_fps"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Token         string        `mapstructure:"token"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type TariffConfig struct {
	HourlyRate float64 `mapstructure:"hourly_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "host=localhost user=parking password=parking dbname=parking port=5432 sslmode=disable")

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "anpr-parking")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.entry_topic", "parking/ticket_entries")
	v.SetDefault("mqtt.dead_letter_topic", "parking/ticket_entries/dead")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.store_dir", "data/mqtt")
	v.SetDefault("mqtt.connect_timeout", 30*time.Second)
	v.SetDefault("mqtt.publish_timeout", 10*time.Second)

	d := consensus.DefaultConfig()
	v.SetDefault("consensus.cooldown", d.Cooldown)
	v.SetDefault("consensus.min_frames", d.MinFrames)
	v.SetDefault("consensus.min_votes", d.MinVotes)
	v.SetDefault("consensus.max_history", d.MaxHistory)
	v.SetDefault("consensus.reset_threshold", d.ResetThreshold)
	v.SetDefault("consensus.confidence_floor", d.ConfidenceFloor)
	v.SetDefault("consensus.key_strategy", "class")

	v.SetDefault("ingest.max_attempts", 5)
	v.SetDefault("ingest.initial_backoff", 500*time.Millisecond)
	v.SetDefault("ingest.max_backoff", 30*time.Second)
	v.SetDefault("ingest.replay_cache_ttl", 24*time.Hour)

	v.SetDefault("vision.camera_id", "entrada")
	v.SetDefault("vision.snapshot_url", "http://localhost:8001/cameras/entrada/snapshot")
	v.SetDefault("vision.recognizer_url", "http://localhost:8002/v1/recognize")
	v.SetDefault("vision.max_fps", 5.0)
	v.SetDefault("vision.timeout", 5*time.Second)
	v.SetDefault("vision.token", "")

	v.SetDefault("auth.jwt_secret", "change-me-in-prod")
	v.SetDefault("tariff.hourly_rate", 5000.0)
}

// Load reads configuration from defaults, an optional YAML file and
// ANPR_-prefixed environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ANPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	cc := c.Consensus
	if cc.Cooldown < 0 {
		errs = append(errs, errors.New("consensus.cooldown must not be negative"))
	}
	if cc.MinFrames <= 0 || cc.MinVotes <= 0 || cc.MaxHistory <= 0 || cc.ResetThreshold <= 0 {
		errs = append(errs, errors.New("consensus frame, vote, history and reset settings must be positive"))
	}
	if cc.MinVotes > cc.MinFrames {
		errs = append(errs, fmt.Errorf("consensus.min_votes (%d) exceeds consensus.min_frames (%d)", cc.MinVotes, cc.MinFrames))
	}
	if cc.MaxHistory < cc.MinFrames {
		errs = append(errs, fmt.Errorf("consensus.max_history (%d) is below consensus.min_frames (%d)", cc.MaxHistory, cc.MinFrames))
	}
	if cc.ConfidenceFloor < 0 || cc.ConfidenceFloor > 1 {
		errs = append(errs, errors.New("consensus.confidence_floor must be within [0, 1]"))
	}
	if _, err := consensus.KeyFuncByName(cc.KeyStrategy); err != nil {
		errs = append(errs, err)
	}
	if c.Ingest.MaxAttempts <= 0 {
		errs = append(errs, errors.New("ingest.max_attempts must be positive"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, errors.New("mqtt.qos must be 0, 1 or 2"))
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c ConsensusConfig) TrackerConfig() consensus.Config {
	return consensus.Config{
		Cooldown:        c.Cooldown,
		MinFrames:       c.MinFrames,
		MinVotes:        c.MinVotes,
		MaxHistory:      c.MaxHistory,
		ResetThreshold:  c.ResetThreshold,
		ConfidenceFloor: c.ConfidenceFloor,
	}
}
