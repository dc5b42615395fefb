package bootstrap

import (
	"context"
	"testing"

	"cineshorts/internal/config"
	"cineshorts/internal/storage/local"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage_Local(t *testing.T) {
	dir := t.TempDir()
	store, err := Storage(context.Background(), &config.Config{StorageDriver: "local", StorageDir: dir})
	require.NoError(t, err)

	ls, ok := store.(*local.Store)
	require.True(t, ok)
	assert.Equal(t, dir, ls.BaseDir)
}

func TestStorage_UnknownDriver(t *testing.T) {
	_, err := Storage(context.Background(), &config.Config{StorageDriver: "ftp"})
	assert.Error(t, err)
}

func TestTransport(t *testing.T) {
	_, err := Transport(&config.Config{ServiceURL: "http://127.0.0.1:8000", DeleteStyle: "query"}, zerolog.Nop())
	assert.NoError(t, err)

	_, err = Transport(&config.Config{ServiceURL: "not a url"}, zerolog.Nop())
	assert.Error(t, err)
}
