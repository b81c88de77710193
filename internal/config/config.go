package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	Workers           int           `env:"WORKERS" envDefault:"4"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	IdleDelay         time.Duration `env:"IDLE_DELAY" envDefault:"800ms"`
	SchedulerInterval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1s"`

	DefaultMaxRetries   int           `env:"DEFAULT_MAX_RETRIES" envDefault:"3"`
	CreditEstimatedCost float64       `env:"CREDIT_ESTIMATED_COST" envDefault:"1"`
	RetryBase           time.Duration `env:"RETRY_BASE" envDefault:"30s"`
	RetryCap            time.Duration `env:"RETRY_CAP" envDefault:"15m"`
	VisibilityTimeout   time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"60s"`

	StaleAfter         time.Duration `env:"HEALTH_STALE_AFTER" envDefault:"10m"`
	ErrorRateThreshold float64       `env:"HEALTH_ERROR_RATE_THRESHOLD" envDefault:"0.20"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
