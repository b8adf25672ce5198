package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// applyEnv fills secrets from the environment. Environment values win
// over the file so credentials can stay out of it.
func applyEnv(cfg *Config, getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Reddit.ClientID, "REDDIT_CLIENT_ID")
	set(&cfg.Reddit.ClientSecret, "REDDIT_CLIENT_SECRET")
	set(&cfg.Reddit.Username, "REDDIT_USERNAME")
	set(&cfg.Reddit.Password, "REDDIT_PASSWORD")
	set(&cfg.Reddit.UserAgent, "REDDIT_USER_AGENT")
	set(&cfg.Generator.APIKey, "GEMINI_API_KEY")
	set(&cfg.Telegram.Token, "TELEGRAM_TOKEN")
	set(&cfg.Storage.DSN, "DATABASE_URL")
	set(&cfg.HTTP.PprofToken, "PPROF_TOKEN")
}
