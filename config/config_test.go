package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "data/bars.db", cfg.SQLite().DBPath)
	assert.Equal(t, "table", cfg.WatermarkBackend)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "localhost:6379", cfg.RedisStore().Addr)
	assert.Equal(t, 5432, cfg.PostgresStore().Port)

	periods, err := cfg.ParsePeriods()
	require.NoError(t, err)
	assert.Equal(t, []int{10, 21, 50, 100, 200}, periods)
	assert.Empty(t, cfg.AssetList())
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("WATERMARK_BACKEND", "redis")
	t.Setenv("TIMEFRAMES", "3D, 1W_CAL_ISO")
	t.Setenv("EMA_PERIODS", "50,10,10")
	t.Setenv("ASSETS", "BTC,,ETH ")
	t.Setenv("SYNC_MODE", "ignore")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "db", cfg.PostgresStore().Host)
	assert.Equal(t, []string{"BTC", "ETH"}, cfg.AssetList())

	periods, err := cfg.ParsePeriods()
	require.NoError(t, err)
	assert.Equal(t, []int{10, 50}, periods)

	cat, err := cfg.Catalog()
	require.NoError(t, err)
	assert.Equal(t, []string{"1W_CAL_ISO", "3D"}, cat.Labels())
}

func TestLoad_Rejects(t *testing.T) {
	cases := map[string][2]string{
		"driver":    {"STORE_DRIVER", "mysql"},
		"backend":   {"WATERMARK_BACKEND", "etcd"},
		"workers":   {"WORKERS", "0"},
		"period":    {"EMA_PERIODS", "10,x"},
		"timeframe": {"TIMEFRAMES", "7Q"},
		"sync":      {"SYNC_MODE", "merge"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, ParseList(" a ,, b,"))
	assert.Empty(t, ParseList(""))
}
