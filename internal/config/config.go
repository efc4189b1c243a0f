package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBFile        string
	APIAddr       string
	AuthSecret    string
	AccessExpiry  time.Duration
	RefreshExpiry time.Duration
	HistoryLimit  int
	RoomMaxAge    time.Duration
}

func Load() (*Config, error) {
	accessExpiry, err := time.ParseDuration(getEnv("ACCESS_EXPIRY", "15m"))
	if err != nil {
		return nil, fmt.Errorf("invalid ACCESS_EXPIRY: %w", err)
	}

	refreshExpiry, err := time.ParseDuration(getEnv("REFRESH_EXPIRY", "168h"))
	if err != nil {
		return nil, fmt.Errorf("invalid REFRESH_EXPIRY: %w", err)
	}

	roomMaxAge, err := time.ParseDuration(getEnv("ROOM_MAX_AGE", "4320h"))
	if err != nil {
		return nil, fmt.Errorf("invalid ROOM_MAX_AGE: %w", err)
	}

	historyLimit, err := strconv.Atoi(getEnv("HISTORY_LIMIT", "50"))
	if err != nil {
		return nil, fmt.Errorf("invalid HISTORY_LIMIT: %w", err)
	}

	cfg := &Config{
		DBFile:        getEnv("SOHBET_DB", "sohbet.db"),
		APIAddr:       getEnv("API_ADDR", ":8080"),
		AuthSecret:    os.Getenv("AUTH_SECRET"),
		AccessExpiry:  accessExpiry,
		RefreshExpiry: refreshExpiry,
		HistoryLimit:  historyLimit,
		RoomMaxAge:    roomMaxAge,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.AccessExpiry <= 0 || c.RefreshExpiry <= 0 {
		return fmt.Errorf("token expiries must be greater than 0")
	}

	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be greater than 0")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
