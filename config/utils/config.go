// Package config provides utilities to load broker environment variables & set config structs, it includes app, logger, database, cache, queue, engine, admin source, artifact store and tracing settings.
package config

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application and every adapter it wires
type (
	AppConfig struct {
		App       *App       `mapstructure:"app"`
		Redis     *Redis     `mapstructure:"redis"`
		Logger    *Logger    `mapstructure:"logger"`
		DB        *DB        `mapstructure:"db"`
		AMQP      *AMQP      `mapstructure:"amqp"`
		Engine    *Engine    `mapstructure:"engine"`
		Admin     *Admin     `mapstructure:"admin"`
		Broker    *Broker    `mapstructure:"broker"`
		Artifacts *Artifacts `mapstructure:"artifacts"`
		MinIO     *MinIO     `mapstructure:"minio"`
		Tracing   *Tracing   `mapstructure:"tracing"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains all the environment variables for the view cache
	Redis struct {
		Enabled    bool          `mapstructure:"enabled"`
		Addr       string        `mapstructure:"addr"`
		Password   string        `mapstructure:"password"`
		TaskTTL    time.Duration `mapstructure:"taskTTL"`
		HistoryTTL time.Duration `mapstructure:"historyTTL"`
	}

	// DB contains all the environment variables for the task store
	DB struct {
		Driver     string `mapstructure:"driver"` // postgres | sqlite
		Connection string `mapstructure:"connection"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
		Path       string `mapstructure:"path"` // sqlite file
		MaxConns   int32  `mapstructure:"maxConns"`
	}

	// AMQP contains the RabbitMQ settings for lifecycle events and admin invalidations
	AMQP struct {
		Enabled           bool   `mapstructure:"enabled"`
		URL               string `mapstructure:"url"`
		Exchange          string `mapstructure:"exchange"`
		InvalidationQueue string `mapstructure:"invalidationQueue"`
	}

	// Engine contains the execution engine endpoint and its shared volumes
	Engine struct {
		URL              string        `mapstructure:"url"`
		Timeout          time.Duration `mapstructure:"timeout"`
		ClientID         string        `mapstructure:"clientID"`
		InputDir         string        `mapstructure:"inputDir"`
		OutputDir        string        `mapstructure:"outputDir"`
		SharedFilesystem bool          `mapstructure:"sharedFilesystem"`
	}

	// Admin contains the administrative config source settings
	Admin struct {
		Source string        `mapstructure:"source"` // http | file
		URL    string        `mapstructure:"url"`
		Token  string        `mapstructure:"token"`
		File   string        `mapstructure:"file"`
		TTL    time.Duration `mapstructure:"ttl"`
	}

	// Broker contains the task runner tuning knobs
	Broker struct {
		MaxConcurrent int64              `mapstructure:"maxConcurrent"`
		PollInterval  time.Duration      `mapstructure:"pollInterval"`
		TaskTimeout   time.Duration      `mapstructure:"taskTimeout"`
		LostGrace     time.Duration      `mapstructure:"lostGrace"`
		SubmitRetries int                `mapstructure:"submitRetries"`
		RetryBase     time.Duration      `mapstructure:"retryBase"`
		RetryCap      time.Duration      `mapstructure:"retryCap"`
		MaxCount      int                `mapstructure:"maxCount"`
		ScanGrace     time.Duration      `mapstructure:"scanGrace"`
		PublicBaseURL string             `mapstructure:"publicBaseURL"`
		APIKeys       map[string]string  `mapstructure:"apiKeys"`
		Denoise       map[string]float64 `mapstructure:"denoise"`
	}

	// Artifacts contains the broker owned directories
	Artifacts struct {
		Dir       string `mapstructure:"dir"`
		UploadDir string `mapstructure:"uploadDir"`
	}

	// MinIO contains the optional artifact mirror settings
	MinIO struct {
		Enabled   bool   `mapstructure:"enabled"`
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"accessKey"`
		SecretKey string `mapstructure:"secretKey"`
		Bucket    string `mapstructure:"bucket"`
		UseSSL    bool   `mapstructure:"useSSL"`
	}

	// Tracing contains the OpenTelemetry exporter settings
	Tracing struct {
		Exporter    string  `mapstructure:"exporter"` // none | stdout | otlphttp
		Endpoint    string  `mapstructure:"endpoint"`
		Insecure    bool    `mapstructure:"insecure"`
		SampleRatio float64 `mapstructure:"sampleRatio"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "aigc-broker")
	v.SetDefault("app.env", "development")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.encoding", "json")
	v.SetDefault("logger.encoderConfig.messageKey", "msg")
	v.SetDefault("logger.encoderConfig.levelKey", "level")
	v.SetDefault("logger.encoderConfig.timeKey", "ts")
	v.SetDefault("logger.encoderConfig.nameKey", "logger")
	v.SetDefault("logger.encoderConfig.callerKey", "caller")

	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.connection", "postgres")
	v.SetDefault("db.path", "data/broker.db")
	v.SetDefault("db.maxConns", 4)

	v.SetDefault("redis.taskTTL", 10*time.Minute)
	v.SetDefault("redis.historyTTL", time.Minute)

	v.SetDefault("amqp.exchange", "aigc.tasks")
	v.SetDefault("amqp.invalidationQueue", "aigc.config.invalidate")

	v.SetDefault("engine.url", "http://127.0.0.1:8188")
	v.SetDefault("engine.timeout", 30*time.Second)
	v.SetDefault("engine.clientID", "aigc-broker")
	v.SetDefault("engine.inputDir", "/comfyui/input")
	v.SetDefault("engine.outputDir", "/comfyui/output")

	v.SetDefault("admin.source", "http")
	v.SetDefault("admin.ttl", 300*time.Second)

	v.SetDefault("broker.maxConcurrent", 3)
	v.SetDefault("broker.pollInterval", 2*time.Second)
	v.SetDefault("broker.taskTimeout", 600*time.Second)
	v.SetDefault("broker.lostGrace", 10*time.Second)
	v.SetDefault("broker.submitRetries", 2)
	v.SetDefault("broker.retryBase", time.Second)
	v.SetDefault("broker.retryCap", 8*time.Second)
	v.SetDefault("broker.maxCount", 4)
	v.SetDefault("broker.scanGrace", 30*time.Minute)

	v.SetDefault("artifacts.dir", "outputs")
	v.SetDefault("artifacts.uploadDir", "uploads")

	v.SetDefault("minio.bucket", "aigc-artifacts")

	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.sampleRatio", 1.0)
}

func bindEnv(v *viper.Viper) {
	v.AutomaticEnv()
	v.SetEnvPrefix("env")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind DB variables
	v.BindEnv("db.host", "PG_HOST")
	v.BindEnv("db.port", "PG_PORT")
	v.BindEnv("db.user", "PG_USER")
	v.BindEnv("db.password", "PG_PASS")
	v.BindEnv("db.name", "PG_DB")

	// Bind Redis variables
	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")

	// Bind the remaining endpoints
	v.BindEnv("amqp.url", "AMQP_URL")
	v.BindEnv("engine.url", "ENGINE_URL")
	v.BindEnv("admin.url", "ADMIN_URL")
	v.BindEnv("admin.token", "ADMIN_TOKEN")
	v.BindEnv("minio.endpoint", "MINIO_ENDPOINT")
	v.BindEnv("minio.accessKey", "MINIO_ACCESS_KEY")
	v.BindEnv("minio.secretKey", "MINIO_SECRET_KEY")
}

// Load reads the config file at path (or searches the default locations when
// path is empty) and decodes it into an AppConfig
func Load(path string) (*AppConfig, error) {
	v := viper.GetViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/secrets/")
	}
	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	// Bind the app.name key to the APP_NAME environment variable
	if err := v.BindEnv("app.name", "APP_NAME"); err != nil {
		return nil, err
	}

	var config *AppConfig
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)

	return config, nil
}

// New creates a new AppConfig instance from the default locations
func New() *AppConfig {
	config, err := Load("")
	if err != nil {
		log.Fatalf("unable to load config: %v", err)
	}
	return config
}
