package postgres

import (
	"testing"
	"time"

	"github.com/rollcap/recorder/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	b := New(config.PostgresConfig{Host: "localhost", Port: "5432"}, time.Second, zerolog.Nop())
	require.NotNil(t, b)
	assert.Nil(t, b.DB())
}

func TestInit_UnreachableServer(t *testing.T) {
	cfg := config.PostgresConfig{
		Host:     "127.0.0.1",
		Port:     "1",
		Username: "rollcap",
		Password: "rollcap",
		Database: "rollcap",
	}
	b := New(cfg, time.Second, zerolog.Nop())

	err := b.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to database")
	assert.Nil(t, b.DB())
}
