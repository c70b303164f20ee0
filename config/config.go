package config

import (
	"github.com/kelseyhightower/envconfig"
)

// Config is the process configuration, loaded from the environment. A .env
// file is read first in development, see cmd/server.
type Config struct {
	ServerAddr    string `envconfig:"SERVER_URL" default:":8080"`
	DatabaseURL   string `envconfig:"DATABASE_URL" required:"true"`
	MongoURI      string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"messenger"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
