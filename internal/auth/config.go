package auth

import "time"

// Config is read from the environment with github.com/caarlos0/env/v6
type Config struct {
	Secret     string        `env:"JWT_SECRET,required"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	Issuer     string        `env:"JWT_ISSUER" envDefault:"realtime-chat"`
	BcryptCost int           `env:"BCRYPT_COST" envDefault:"10"`
}
