package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"

	ConsumerNone  = "none"
	ConsumerAMQP  = "amqp"
	ConsumerKafka = "kafka"
)

type (
	Config struct {
		Env      string   `env:"ENV" env-default:"local" validate:"oneof=local dev staging prod" yaml:"env"`
		App      App      `env-prefix:"APP_"      yaml:"app"`
		Logger   Logger   `env-prefix:"LOGGER_"   yaml:"logger"`
		HTTP     HTTP     `env-prefix:"HTTP_"     yaml:"http"`
		Metrics  Metrics  `env-prefix:"METRICS_"  yaml:"metrics"`
		Storage  Storage  `env-prefix:"STORAGE_"  yaml:"storage"`
		Database Database `env-prefix:"DB_"       yaml:"database"`
		Cache    Cache    `env-prefix:"REDIS_"    yaml:"cache"`
		SMTP     SMTP     `env-prefix:"SMTP_"     yaml:"smtp"`
		TG       TG       `env-prefix:"TG_"       yaml:"telegram"`
		SMS      SMS      `env-prefix:"SMS_"      yaml:"sms"`
		Push     Push     `env-prefix:"PUSH_"     yaml:"push"`
		Webhook  Webhook  `env-prefix:"WEBHOOK_"  yaml:"webhook"`
		Realtime Realtime `env-prefix:"WS_"       yaml:"realtime"`
		Consumer Consumer `env-prefix:"CONSUMER_" yaml:"consumer"`
		AMQP     AMQP     `env-prefix:"AMQP_"     yaml:"amqp"`
		Kafka    Kafka    `env-prefix:"KAFKA_"    yaml:"kafka"`
		Service  Service  `env-prefix:"SERVICE_"  yaml:"service"`
	}

	App struct {
		Name    string `env:"NAME"    env-default:"notify-dispatch" validate:"required" yaml:"name"`
		Version string `env:"VERSION" env-default:"dev"             validate:"required" yaml:"version"`
	}

	Logger struct {
		Level      string `env:"LEVEL"       env-default:"info" validate:"oneof=debug info warn error" yaml:"level"`
		Filename   string `env:"FILENAME"                                                           yaml:"filename"`
		MaxSize    int    `env:"MAX_SIZE"    env-default:"100"  validate:"min=1,max=1000"            yaml:"max_size"`
		MaxBackups int    `env:"MAX_BACKUPS" env-default:"3"    validate:"min=0,max=20"              yaml:"max_backups"`
		MaxAge     int    `env:"MAX_AGE"     env-default:"28"   validate:"min=1,max=365"             yaml:"max_age"`
	}

	HTTP struct {
		Host              string        `env:"HOST"                env-default:"0.0.0.0" validate:"required"                 yaml:"host"`
		Port              string        `env:"PORT"                env-default:"8080"    validate:"required,numeric"         yaml:"port"`
		ReadTimeout       time.Duration `env:"READ_TIMEOUT"        env-default:"5s"      validate:"gte=10ms,lte=30s"         yaml:"read_timeout"`
		WriteTimeout      time.Duration `env:"WRITE_TIMEOUT"       env-default:"10s"     validate:"gte=10ms,lte=60s"         yaml:"write_timeout"`
		IdleTimeout       time.Duration `env:"IDLE_TIMEOUT"        env-default:"60s"     validate:"gte=10ms,lte=5m"          yaml:"idle_timeout"`
		ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT"    env-default:"10s"     validate:"gte=10ms,lte=30s"         yaml:"shutdown_timeout"`
		ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" env-default:"5s"      validate:"gte=10ms,lte=30s"         yaml:"read_header_timeout"`
		RequestTimeout    time.Duration `env:"REQUEST_TIMEOUT"     env-default:"5s"      validate:"gte=100ms,lte=60s"        yaml:"request_timeout"`
	}

	Metrics struct {
		Enabled           bool          `env:"ENABLED"             env-default:"true"                                        yaml:"enabled"`
		Host              string        `env:"HOST"                env-default:"0.0.0.0" validate:"required"                 yaml:"host"`
		Port              string        `env:"PORT"                env-default:"8081"    validate:"required,numeric"         yaml:"port"`
		ReadTimeout       time.Duration `env:"READ_TIMEOUT"        env-default:"5s"      validate:"gte=10ms,lte=30s"         yaml:"read_timeout"`
		WriteTimeout      time.Duration `env:"WRITE_TIMEOUT"       env-default:"5s"      validate:"gte=10ms,lte=30s"         yaml:"write_timeout"`
		ReadHeaderTimeout time.Duration `env:"READ_HEADER_TIMEOUT" env-default:"5s"      validate:"gte=10ms,lte=30s"         yaml:"read_header_timeout"`
	}

	Storage struct {
		Driver string `env:"DRIVER" env-default:"memory" validate:"oneof=memory postgres" yaml:"driver"`
	}

	Database struct {
		DSN            string        `env:"DSN"              yaml:"dsn"`
		PoolMax        int           `env:"POOL_MAX"         env-default:"10"    validate:"min=1,max=200"    yaml:"pool_max"`
		ConnAttempts   int           `env:"CONN_ATTEMPTS"    env-default:"5"     validate:"min=1,max=20"     yaml:"conn_attempts"`
		BaseRetryDelay time.Duration `env:"BASE_RETRY_DELAY" env-default:"500ms" validate:"gte=10ms,lte=10s" yaml:"base_retry_delay"`
		RetryBackoff   float64       `env:"RETRY_BACKOFF"    env-default:"2"     validate:"gte=1,lte=10"     yaml:"retry_backoff"`
		Migrate        bool          `env:"MIGRATE"          env-default:"true"                                yaml:"migrate"`
	}

	// Cache is optional. An empty Addr runs without redis.
	Cache struct {
		Addr         string        `env:"ADDR"                                                        yaml:"addr"`
		Password     string        `env:"PASSWORD"                                                    yaml:"password"`
		DB           int           `env:"DB"             env-default:"0"   validate:"min=0,max=15"     yaml:"db"`
		PoolSize     int           `env:"POOL_SIZE"      env-default:"20"  validate:"min=1,max=100"    yaml:"pool_size"`
		MinIdleConns int           `env:"MIN_IDLE_CONNS" env-default:"5"   validate:"min=0,max=100"    yaml:"min_idle_conns"`
		PoolTimeout  time.Duration `env:"POOL_TIMEOUT"   env-default:"1s"  validate:"gte=10ms,lte=10s" yaml:"pool_timeout"`
		TTL          time.Duration `env:"TTL"            env-default:"10m" validate:"gte=1s,lte=24h"   yaml:"ttl"`
	}

	SMTP struct {
		Host     string `env:"HOST"                          yaml:"host"`
		Port     int    `env:"PORT"     env-default:"587" validate:"gte=1,lte=65535" yaml:"port"`
		Username string `env:"USERNAME"                      yaml:"username"`
		Password string `env:"PASSWORD"                      yaml:"password"`
		From     string `env:"FROM"     validate:"omitempty,email" yaml:"from"`
	}

	TG struct {
		Token   string        `env:"TOKEN"                                                    yaml:"token"`
		Timeout time.Duration `env:"TIMEOUT" env-default:"10s" validate:"gte=100ms,lte=2m" yaml:"timeout"`
	}

	SMS struct {
		Endpoint string        `env:"ENDPOINT" validate:"omitempty,url"            yaml:"endpoint"`
		Login    string        `env:"LOGIN"                                        yaml:"login"`
		Password string        `env:"PASSWORD"                                     yaml:"password"`
		From     string        `env:"FROM"                                         yaml:"from"`
		Timeout  time.Duration `env:"TIMEOUT"  env-default:"10s" validate:"gte=100ms,lte=1m" yaml:"timeout"`
	}

	Push struct {
		FCMProjectID       string        `env:"FCM_PROJECT_ID"                             yaml:"fcm_project_id"`
		FCMCredentialsFile string        `env:"FCM_CREDENTIALS_FILE"                       yaml:"fcm_credentials_file"`
		VAPIDPublicKey     string        `env:"VAPID_PUBLIC_KEY"                           yaml:"vapid_public_key"`
		VAPIDPrivateKey    string        `env:"VAPID_PRIVATE_KEY"                          yaml:"vapid_private_key"`
		VAPIDSubject       string        `env:"VAPID_SUBJECT"                              yaml:"vapid_subject"`
		Timeout            time.Duration `env:"TIMEOUT" env-default:"10s" validate:"gte=100ms,lte=1m" yaml:"timeout"`
	}

	// Webhook is enabled when Enabled is set. Secrets overrides Secret per
	// endpoint and is read from the YAML file only, endpoints contain ':'.
	Webhook struct {
		Enabled bool              `env:"ENABLED"                                                  yaml:"enabled"`
		Secret  string            `env:"SECRET"                                                   yaml:"secret"`
		Secrets map[string]string `yaml:"secrets"`
		Timeout time.Duration     `env:"TIMEOUT" env-default:"10s" validate:"gte=100ms,lte=1m"    yaml:"timeout"`
	}

	Realtime struct {
		AllowedOrigins []string `env:"ALLOWED_ORIGINS" env-separator:"," yaml:"allowed_origins"`
	}

	Consumer struct {
		Kind string `env:"KIND" env-default:"none" validate:"oneof=none amqp kafka" yaml:"kind"`
	}

	AMQP struct {
		URL            string        `env:"URL"                                                      yaml:"url"`
		Exchange       string        `env:"EXCHANGE"        env-default:"domain.events"              yaml:"exchange"`
		Queue          string        `env:"QUEUE"           env-default:"notify-dispatch.events"     yaml:"queue"`
		RoutingKeys    []string      `env:"ROUTING_KEYS"    env-separator:","                        yaml:"routing_keys"`
		DeadLetter     string        `env:"DEAD_LETTER"                                              yaml:"dead_letter"`
		Prefetch       int           `env:"PREFETCH"        env-default:"16" validate:"min=1,max=1000" yaml:"prefetch"`
		ReconnectDelay time.Duration `env:"RECONNECT_DELAY" env-default:"5s" validate:"gte=100ms,lte=1m" yaml:"reconnect_delay"`

		ReconnectAttempts int     `env:"RECONNECT_ATTEMPTS" env-default:"5" validate:"min=1,max=100" yaml:"reconnect_attempts"`
		ReconnectBackoff  float64 `env:"RECONNECT_BACKOFF"  env-default:"2" validate:"gte=1,lte=10"  yaml:"reconnect_backoff"`
	}

	Kafka struct {
		Brokers     []string      `env:"BROKERS"      env-separator:","                           yaml:"brokers"`
		Topic       string        `env:"TOPIC"        env-default:"domain.events"                 yaml:"topic"`
		GroupID     string        `env:"GROUP_ID"     env-default:"notify-dispatch"               yaml:"group_id"`
		MaxAttempts int           `env:"MAX_ATTEMPTS" env-default:"3"  validate:"min=1,max=20"    yaml:"max_attempts"`
		RetryDelay  time.Duration `env:"RETRY_DELAY"  env-default:"1s" validate:"gte=10ms,lte=1m" yaml:"retry_delay"`
		Backoff     float64       `env:"BACKOFF"      env-default:"2"  validate:"gte=1,lte=10"    yaml:"backoff"`
	}

	Service struct {
		MaxRetries         int           `env:"MAX_RETRIES"         env-default:"3"   validate:"min=1,max=20"       yaml:"max_retries"`
		DefaultLocale      string        `env:"DEFAULT_LOCALE"      env-default:"ru"  validate:"required"           yaml:"default_locale"`
		BatchSize          int           `env:"BATCH_SIZE"          env-default:"100" validate:"min=1,max=1000"     yaml:"batch_size"`
		Concurrency        int           `env:"CONCURRENCY"         env-default:"10"  validate:"min=1,max=256"      yaml:"concurrency"`
		SendTimeout        time.Duration `env:"SEND_TIMEOUT"        env-default:"15s" validate:"gte=100ms,lte=2m"   yaml:"send_timeout"`
		RetryUnit          time.Duration `env:"RETRY_UNIT"          env-default:"5m"  validate:"gte=1s,lte=24h"     yaml:"retry_unit"`
		ExponentialBackoff bool          `env:"EXPONENTIAL_BACKOFF" env-default:"false"                             yaml:"exponential_backoff"`
		FanOutBatch        int           `env:"FAN_OUT_BATCH"       env-default:"200" validate:"min=1,max=10000"    yaml:"fan_out_batch"`
		PollInterval       time.Duration `env:"POLL_INTERVAL"       env-default:"2s"  validate:"gte=10ms,lte=10m"   yaml:"poll_interval"`
		CampaignInterval   time.Duration `env:"CAMPAIGN_INTERVAL"   env-default:"30s" validate:"gte=1s,lte=1h"      yaml:"campaign_interval"`
		StaleInterval      time.Duration `env:"STALE_INTERVAL"      env-default:"1m"  validate:"gte=1s,lte=1h"      yaml:"stale_interval"`
		StaleAfter         time.Duration `env:"STALE_AFTER"         env-default:"10m" validate:"gte=1s,lte=24h"     yaml:"stale_after"`
		CleanupInterval    time.Duration `env:"CLEANUP_INTERVAL"    env-default:"6h"  validate:"gte=1m,lte=168h"    yaml:"cleanup_interval"`
		RetentionDays      int           `env:"RETENTION_DAYS"      env-default:"90"  validate:"min=0,max=3650"     yaml:"retention_days"`
	}
)

// Load reads a .env file if present, then the YAML file given by -config or
// CONFIG_PATH, then the environment. Without a file only the environment is used.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadPath(fetchConfigPath())
}

func LoadPath(configPath string) (*Config, error) {
	const op = "config.LoadPath"

	var cfg Config
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: config file does not exist: %s", op, configPath)
		} else if err != nil {
			return nil, fmt.Errorf("%s: checking config file: %w", op, err)
		}
		if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
			return nil, fmt.Errorf("%s: read config: %w", op, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("%s: read env: %w", op, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	validate := validator.New()

	if err := validate.Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if !errors.As(err, &validationErrs) {
			return fmt.Errorf("config validation: %w", err)
		}

		messages := make([]string, 0, len(validationErrs))
		for _, ve := range validationErrs {
			messages = append(messages,
				fmt.Sprintf("%s=%v must satisfy '%s'", ve.Namespace(), ve.Value(), ve.Tag()))
		}
		return fmt.Errorf("config validation: %s", strings.Join(messages, "; "))
	}

	var problems []string
	if c.Storage.Driver == DriverPostgres && c.Database.DSN == "" {
		problems = append(problems, "DB_DSN is required for the postgres driver")
	}
	switch c.Consumer.Kind {
	case ConsumerAMQP:
		if c.AMQP.URL == "" {
			problems = append(problems, "AMQP_URL is required for the amqp consumer")
		}
	case ConsumerKafka:
		if len(c.Kafka.Brokers) == 0 {
			problems = append(problems, "KAFKA_BROKERS is required for the kafka consumer")
		}
	}
	if (c.Push.VAPIDPublicKey == "") != (c.Push.VAPIDPrivateKey == "") {
		problems = append(problems, "PUSH_VAPID_PUBLIC_KEY and PUSH_VAPID_PRIVATE_KEY go together")
	}
	if len(problems) > 0 {
		return fmt.Errorf("config validation: %s", strings.Join(problems, "; "))
	}

	return nil
}

func (h HTTP) Addr() string    { return h.Host + ":" + h.Port }
func (m Metrics) Addr() string { return m.Host + ":" + m.Port }

func fetchConfigPath() string {
	var path string
	flag.StringVar(&path, "config", "", "Path to config file")
	flag.Parse()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	return path
}
