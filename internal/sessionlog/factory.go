package sessionlog

import (
	"context"
	"fmt"
	"strings"
)

type Config struct {
	// Backend is one of none, file or postgres.
	Backend     string
	Path        string
	DatabaseURL string
	RedactPII   bool
}

func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	var (
		w   Writer
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "none":
		return Nop{}, nil
	case "file":
		w, err = NewFileLog(cfg.Path)
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("postgres session log requires DATABASE_URL")
		}
		w, err = NewPostgresLog(ctx, cfg.DatabaseURL)
	default:
		return nil, fmt.Errorf("unsupported session log backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RedactPII {
		w = Redacting{Next: w}
	}
	return w, nil
}
