package app

import (
	"errors"
	"fmt"
	"os"

	"releaseflow/internal/config"
)

// ResolveConfig picks the active config. An explicit path must exist; otherwise the
// workspace releaseflow.yml is used when present, then the built-in defaults.
func ResolveConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.FromFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config %s not found", path)
			}
			return nil, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Override is a single dotted-key setting taken from flags or the environment.
type Override struct {
	Key   string
	Value any
}

// ApplyOverrides writes known keys onto cfg and revalidates it. Empty values are ignored.
func ApplyOverrides(cfg *config.Config, overrides ...Override) error {
	for _, o := range overrides {
		switch v := o.Value.(type) {
		case string:
			if v == "" {
				continue
			}
			switch o.Key {
			case "store.driver":
				cfg.Store.Driver = v
			case "store.dsn":
				cfg.Store.DSN = v
			case "broker.driver":
				cfg.Broker.Driver = v
			case "dedupe.driver":
				cfg.Dedupe.Driver = v
			case "dedupe.redis_addr":
				cfg.Dedupe.RedisAddr = v
			case "auth.jwt_secret":
				cfg.Auth.JWTSecret = v
			case "log.level":
				cfg.Log.Level = v
			case "service":
				cfg.Service = v
			default:
				return fmt.Errorf("unknown config override %q", o.Key)
			}
		case []string:
			if len(v) == 0 {
				continue
			}
			switch o.Key {
			case "broker.brokers":
				cfg.Broker.Brokers = v
			default:
				return fmt.Errorf("unknown config override %q", o.Key)
			}
		default:
			return fmt.Errorf("unsupported override type %T for %q", o.Value, o.Key)
		}
	}
	return cfg.Validate()
}
