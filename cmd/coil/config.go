package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
)

// Config mirrors coil.toml. Flags override whatever the file provides.
type Config struct {
	Echo EchoConfig `toml:"echo"`
}

// EchoConfig tunes the demo echo server.
type EchoConfig struct {
	Addr        string  `toml:"addr"`
	Workers     int     `toml:"workers"`
	IdleTimeout float64 `toml:"idle_timeout"`
	Monitor     string  `toml:"monitor"`
}

func defaultConfig() Config {
	return Config{
		Echo: EchoConfig{
			Addr:        "127.0.0.1:7000",
			Workers:     1,
			IdleTimeout: 30,
		},
	}
}

// loadConfig reads path if it exists; a missing default file is fine.
func loadConfig(path string, required bool) (Config, error) {
	cfg := defaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
