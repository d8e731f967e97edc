package main

import (
	"path/filepath"
	"strings"

	"github.com/rollcap/recorder/internal/config"
	"github.com/rollcap/recorder/internal/influx"
	"github.com/rollcap/recorder/internal/storage"
	"github.com/rollcap/recorder/internal/storage/memory"
	pgstorage "github.com/rollcap/recorder/internal/storage/postgres"
	sqlitestorage "github.com/rollcap/recorder/internal/storage/sqlite"
	wsstorage "github.com/rollcap/recorder/internal/storage/websocket"
)

// buildMirrors returns the enabled secondary backends for runDir. A mirror
// that cannot be constructed is logged and skipped; the run directory stays
// the primary record either way.
func buildMirrors(runDir string) []storage.Backend {
	storageCfg := config.GetStorageConfig()
	var mirrors []storage.Backend

	if storageCfg.Memory.Enabled {
		Logger.Info("Memory mirror enabled", "compress", storageCfg.Memory.CompressOutput)
		mirrors = append(mirrors, memory.New(storageCfg.Memory, runDir))
	}

	if storageCfg.SQLite.Enabled {
		backend, err := sqlitestorage.New(sqlitestorage.ConfigForRun(runDir, storageCfg.SQLite.DumpInterval), StoreLogger)
		if err != nil {
			Logger.Error("Failed to create SQLite mirror", "error", err)
		} else {
			Logger.Info("SQLite mirror enabled", "path", filepath.Join(runDir, sqlitestorage.DumpFile))
			mirrors = append(mirrors, backend)
		}
	}

	if storageCfg.Postgres.Enabled {
		Logger.Info("Postgres mirror enabled", "host", storageCfg.Postgres.Host, "database", storageCfg.Postgres.Database)
		mirrors = append(mirrors, pgstorage.New(storageCfg.Postgres, storageCfg.FlushInterval, StoreLogger))
	}

	if influxCfg := config.GetInfluxConfig(); influxCfg.Enabled {
		m := influx.NewManager(influxCfg, StoreLogger, filepath.Join(runDir, influx.BackupFile))
		Logger.Info("InfluxDB mirror enabled", "url", m.URL())
		mirrors = append(mirrors, influx.NewBackend(m))
	}

	if wsCfg := config.GetWebsocketConfig(); wsCfg.Enabled && wsCfg.URL != "" {
		url := httpToWS(wsCfg.URL)
		Logger.Info("WebSocket mirror enabled", "url", url)
		mirrors = append(mirrors, wsstorage.New(wsstorage.Config{
			URL:    url,
			Secret: wsCfg.Secret,
		}, Logger))
	}

	return mirrors
}

// httpToWS converts an HTTP(S) URL to a WebSocket URL.
func httpToWS(httpURL string) string {
	s := strings.TrimRight(httpURL, "/")
	s = strings.Replace(s, "https://", "wss://", 1)
	s = strings.Replace(s, "http://", "ws://", 1)
	return s
}
