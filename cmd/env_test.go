package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/street-directory/internal/config"
	"github.com/sells-group/street-directory/internal/lock"
	"github.com/sells-group/street-directory/internal/model"
)

func withConfig(t *testing.T, c *config.Config) {
	t.Helper()
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func sqliteConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "directory.db"),
		},
		Overpass: config.OverpassConfig{
			BaseURL:     "http://127.0.0.1:1/api",
			ClientGrace: time.Second,
		},
		Extraction: config.ExtractionConfig{ServerTimeout: 25 * time.Second},
		Lock:       config.LockConfig{Driver: "local"},
		Server:     config.ServerConfig{Port: 8080},
	}
}

func TestParseAreaID(t *testing.T) {
	id, err := parseAreaID("3600062428")
	require.NoError(t, err)
	assert.Equal(t, int64(3600062428), id)

	for _, bad := range []string{"", "abc", "0", "-5"} {
		_, err := parseAreaID(bad)
		assert.Error(t, err, bad)
	}
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	c := sqliteConfig(t)
	c.Store.Driver = "mysql"
	withConfig(t, c)

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mysql")
}

func TestOpenStore_SQLite(t *testing.T) {
	withConfig(t, sqliteConfig(t))
	ctx := context.Background()

	st, err := openStore(ctx)
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	n, err := st.Postalcodes().Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInitLocker(t *testing.T) {
	ctx := context.Background()

	l, closer, err := initLocker(ctx, &config.Config{Lock: config.LockConfig{Driver: "local"}})
	require.NoError(t, err)
	assert.Nil(t, closer)
	assert.IsType(t, &lock.KeyedMutex{}, l)

	_, _, err = initLocker(ctx, &config.Config{Lock: config.LockConfig{Driver: "zookeeper"}})
	assert.Error(t, err)

	_, _, err = initLocker(ctx, &config.Config{
		Lock:  config.LockConfig{Driver: "redis"},
		Redis: config.RedisConfig{URL: "not a url"},
	})
	assert.Error(t, err)
}

func TestInitDirectory_WiresServices(t *testing.T) {
	withConfig(t, sqliteConfig(t))
	ctx := context.Background()

	env, err := initDirectory(ctx, "populate")
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Postalcodes)
	require.NotNil(t, env.Streets)

	pc, err := env.Postalcodes.UpdateOrAdd(ctx, model.Postalcode{Code: "8001"})
	require.NoError(t, err)
	assert.Equal(t, "8001", pc.Code)

	var buf bytes.Buffer
	formatPostalcodes(&buf, []model.Postalcode{*pc})
	assert.Contains(t, buf.String(), "8001")
	assert.Contains(t, buf.String(), "never")
}

func TestInitDirectory_InvalidConfig(t *testing.T) {
	c := sqliteConfig(t)
	c.Server.Port = 0
	withConfig(t, c)

	_, err := initDirectory(context.Background(), "serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}
