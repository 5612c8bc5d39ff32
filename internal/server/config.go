package server

import (
	"net/http"
	"strconv"
	"time"

	"realtime-chat/internal/origin"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer    *http.Server
	maxBodyBytes  int64
	cookieSecure  bool
	origins       *origin.Allowlist
	afterShutdown []func()
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host           string        `env:"HOST" envDefault:"0.0.0.0"`
	Port           uint16        `env:"PORT" envDefault:"2000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	MaxBodyBytes   int64         `env:"MAX_BODY_BYTES" envDefault:"52428800"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:5173"`
	CookieSecure   bool          `env:"COOKIE_SECURE" envDefault:"false"`
	StorageDriver  string        `env:"STORAGE_DRIVER" envDefault:"postgres"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters for http.Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
		if cfg.ReadTimeout > 0 {
			c.httpServer.ReadTimeout = cfg.ReadTimeout
		}
		if cfg.MaxBodyBytes > 0 {
			c.maxBodyBytes = cfg.MaxBodyBytes
		}
		c.cookieSecure = cfg.CookieSecure
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// MaxBodyBytes limits request bodies, larger bodies are answered with 413
func MaxBodyBytes(n int64) Option {
	return optionFunc(func(c *config) {
		c.maxBodyBytes = n
	})
}

// WithOrigins sets the CORS allowlist, without it cross-origin requests get no CORS headers
func WithOrigins(a *origin.Allowlist) Option {
	return optionFunc(func(c *config) {
		c.origins = a
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}
