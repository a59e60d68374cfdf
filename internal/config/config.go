package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	HTTPAddr      string `env:"HTTP_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	GitHubToken   string `env:"GITHUB_TOKEN,notEmpty"`
	WorkerSecret  string `env:"WORKER_SECRET"`

	QueueName     string        `env:"QUEUE_NAME" envDefault:"orgsync"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"4"`
	Visibility    time.Duration `env:"VISIBILITY_TIMEOUT" envDefault:"15m"`
	PollBlock     time.Duration `env:"POLL_BLOCK" envDefault:"10s"`
	CallTimeout   time.Duration `env:"CALL_TIMEOUT" envDefault:"60s"`
	WriteTimeout  time.Duration `env:"WRITE_CALL_TIMEOUT" envDefault:"10m"`
	MergeSettle   time.Duration `env:"MERGE_SETTLE_DELAY" envDefault:"3s"`
	MigrationsDir string        `env:"MIGRATIONS_DIR" envDefault:"db/migrations"`

	// reservoir defaults per tenant; content reservoir is the stricter
	// write sub-quota
	ReservoirSize            int           `env:"RESERVOIR_SIZE" envDefault:"80"`
	ReservoirRefresh         int           `env:"RESERVOIR_REFRESH_AMOUNT" envDefault:"80"`
	ReservoirInterval        time.Duration `env:"RESERVOIR_REFRESH_INTERVAL" envDefault:"1m"`
	ContentReservoirSize     int           `env:"CONTENT_RESERVOIR_SIZE" envDefault:"10"`
	ContentReservoirRefresh  int           `env:"CONTENT_RESERVOIR_REFRESH_AMOUNT" envDefault:"10"`
	ContentReservoirInterval time.Duration `env:"CONTENT_RESERVOIR_REFRESH_INTERVAL" envDefault:"1m"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
