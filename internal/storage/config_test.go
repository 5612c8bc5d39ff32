package storage

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	config := Config{
		User:     "a",
		Password: "b",
		Host:     "c",
		Port:     5432,
		DBName:   "d",
	}
	expected := "user=a password=b host=c port=5432 dbname=d sslmode=disable"
	actual := config.DSN()
	require.Equal(t, expected, actual)
}

func TestDSNSSLMode(t *testing.T) {
	config := Config{User: "a", Password: "b", Host: "c", Port: 6432, DBName: "d", SSLMode: "require"}
	require.Equal(t, "user=a password=b host=c port=6432 dbname=d sslmode=require", config.DSN())
}

func TestDirectKey(t *testing.T) {
	require.Equal(t, DirectKey("a", "b"), DirectKey("b", "a"))
	require.Equal(t, "a:b", DirectKey("b", "a"))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("PG_HOST", "db")
	t.Setenv("PG_MAX_CONNS", "12")

	var cfg Config
	require.NoError(t, env.Parse(&cfg))
	require.Equal(t, "db", cfg.Host)
	require.Equal(t, int32(12), cfg.MaxConns)
}

func TestOptions(t *testing.T) {
	pc, err := pgxpool.ParseConfig(Config{User: "a", Password: "b", Host: "c", Port: 5432, DBName: "d"}.DSN())
	require.NoError(t, err)
	defaultMax := pc.MaxConns

	MaxConns(0).apply(pc)
	require.Equal(t, defaultMax, pc.MaxConns)

	MaxConns(7).apply(pc)
	require.Equal(t, int32(7), pc.MaxConns)

	ConnectionTimeout(3 * time.Second).apply(pc)
	require.Equal(t, 3*time.Second, pc.ConnConfig.ConnectTimeout)
}
