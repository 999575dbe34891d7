package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/megaetl"
	"github.com/zpiroux/megaetl/pkg/pricefeed"
	"github.com/zpiroux/megaetl/recordtype/order"
	"github.com/zpiroux/megaetl/recordtype/transaction"
)

func TestSettingsFromEnv(t *testing.T) {

	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/etl")
	t.Setenv("SOURCE_URL", "kafka://broker:9092/transactions")
	t.Setenv("RECORD_TYPE", "transaction")
	t.Setenv("TI_API_KEY", "key123")
	t.Setenv("POOL_ACQUIRE_TIMEOUT", "5s")

	v, err := newViper("")
	require.NoError(t, err)
	s, err := loadSettings(v)
	require.NoError(t, err)

	assert.Equal(t, "postgres://u:p@db:5432/etl", s.DatabaseURL)
	assert.Equal(t, "kafka://broker:9092/transactions", s.SourceURL)
	assert.Equal(t, transaction.Name, s.RecordType)
	assert.Equal(t, "key123", s.EtherscanAPIKey)
	assert.Equal(t, 5*time.Second, s.PoolAcquireTimeout)
	assert.Equal(t, 10, s.PoolMaxConns)
	assert.Equal(t, pricefeed.DefaultTTL, s.PriceTTL)
	assert.NoError(t, s.validate())

	config := s.pipeConfig()
	assert.Equal(t, s.SourceURL, config.SourceURI)
	assert.Equal(t, 5*time.Second, config.Pool.AcquireTimeout)
}

func TestSettingsFromFile(t *testing.T) {

	file := filepath.Join(t.TempDir(), "megaetl.yaml")
	content := "source_url: http://0.0.0.0:8080\nrecord_type: order_save\nstatic_price_usd: 1283.6475\n"
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	t.Setenv("RECORD_TYPE", "order")

	v, err := newViper(file)
	require.NoError(t, err)
	s, err := loadSettings(v)
	require.NoError(t, err)

	assert.Equal(t, "http://0.0.0.0:8080", s.SourceURL)
	assert.Equal(t, order.Name, s.RecordType, "env takes precedence over file")

	quotes, err := s.quoteSource()
	require.NoError(t, err)
	price, err := quotes.Quote(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1283.6475, price)

	_, err = newViper(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	err := settings{DatabaseURL: "postgres://db"}.validate()
	assert.Error(t, err)
	assert.Contains(t, errors.FlattenHints(err), "SOURCE_URL")

	err = settings{SourceURL: "http://localhost"}.validate()
	assert.Contains(t, errors.FlattenHints(err), "DATABASE_URL")
}

func TestRegisterRecordTypes(t *testing.T) {
	config := megaetl.NewConfig()
	s := settings{RecordType: order.Name, Table: "webshop_orders"}
	require.NoError(t, registerRecordTypes(config, s, pricefeed.Static(1)))
	assert.Equal(t, []string{order.Name, order.SaveName, transaction.Name}, config.RecordTypes())
}

func TestParseSourceCommand(t *testing.T) {

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"parse-source", "kafka://broker:9092/orders"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "stream consumer of topic \"orders\" at broker:9092\n", out.String())

	cmd = newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"parse-source", "kafka://broker:9092"})
	assert.True(t, errors.Is(cmd.Execute(), megaetl.ErrInvalidSourceURI))
}

func TestRunFailsWithoutSource(t *testing.T) {
	err := run(context.Background(), settings{DatabaseURL: "postgres://db"})
	assert.ErrorContains(t, err, "no source URL")
}
