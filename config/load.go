package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// Load reads path (if it exists) and then applies BERKUT_* environment overrides.
func Load(path string) (*AppConfig, error) {
	var cfg AppConfig
	path = strings.TrimSpace(path)
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, &cfg); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
			return &cfg, cfg.validate()
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	return &cfg, cfg.validate()
}

func (c *AppConfig) validate() error {
	if c.Escalation.MaxConcurrent < 0 {
		return errors.New("escalation.max_concurrent must not be negative")
	}
	if c.Notifications.Telegram.Enabled && (strings.TrimSpace(c.Notifications.Telegram.Token) == "" || strings.TrimSpace(c.Notifications.Telegram.ChatID) == "") {
		return errors.New("notifications.telegram requires token and chat_id")
	}
	if c.Lock.Enabled && c.Lock.TTL <= 0 {
		return errors.New("lock.ttl must be positive")
	}
	return nil
}
