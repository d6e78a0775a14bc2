package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	// Solver holds the server-wide defaults for a fit; a request may
	// override any of them per job.
	Solver struct {
		Alpha          float64 `env:"SOLVER_ALPHA" envDefault:"1.0"`
		MaxIter        int     `env:"SOLVER_MAX_ITER" envDefault:"1000"`
		Tol            float64 `env:"SOLVER_TOL" envDefault:"1e-6"`
		MinSupport     int     `env:"SOLVER_MIN_SUPPORT" envDefault:"2"`
		EigenTolerance float64 `env:"SOLVER_EIGEN_TOL" envDefault:"1e-10"`
		ErrorsHandling string  `env:"SOLVER_ERRORS_HANDLING" envDefault:"raise"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Environment == "development" && cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}
