package main

import (
	"log/slog"
	"time"

	"github.com/fastprodman/cyberclock/internal/config"
	"github.com/fastprodman/cyberclock/internal/purchase/stripepay"
)

type apiConfig struct {
	Port            uint16        `env:"APP_PORT"             default:"8080"`
	LogLevel        slog.Level    `env:"APP_LOG_LEVEL"        default:"INFO"`
	AppEnv          string        `env:"APP_ENV"              default:"PROD"` // DEV enables memory backend + reset endpoint
	ShutdownTimeout time.Duration `env:"APP_SHUTDOWN_TIMEOUT" default:"10s"`

	// StoreBackend selects the durable store: "postgres" or "memory".
	// The memory backend is for dev/tests only; it loses data on restart.
	StoreBackend string `env:"STORE_BACKEND" default:"postgres"`

	Postgres config.PostgresConfig
	Stripe   stripepay.Config
}

func (c *apiConfig) devMode() bool {
	return c.AppEnv == "DEV"
}
