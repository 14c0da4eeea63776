// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validForwarderConfig() *Config {
	cfg := Default()
	cfg.Storage.Bucket = "logs-bucket"
	cfg.Forwarder.QueueURL = "https://sqs.us-west-2.amazonaws.com/123456789012/logflume"
	cfg.Sink.Addresses = []string{"http://localhost:9200"}
	return cfg
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("LOGFLUME_STORAGE_BUCKET", "bucket-from-env")
	t.Setenv("LOGFLUME_FORWARDER_WORKERS", "7")
	t.Setenv("LOGFLUME_FORWARDER_VISIBILITY_TIMEOUT", "5m")
	t.Setenv("LOGFLUME_SINK_ADDRESSES", "http://a:9200,http://b:9200")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "bucket-from-env", cfg.Storage.Bucket)
	assert.Equal(t, 7, cfg.Forwarder.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Forwarder.VisibilityTimeout)
	assert.Equal(t, []string{"http://a:9200", "http://b:9200"}, cfg.Sink.Addresses)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Forwarder.Workers)
	assert.Equal(t, 10, cfg.Forwarder.ReceiveBatchSize)
	assert.Equal(t, 2*time.Minute, cfg.Forwarder.VisibilityTimeout)
	assert.Equal(t, time.Second, cfg.Forwarder.FetchBackoff)
	assert.Equal(t, time.Second, cfg.Forwarder.ForwardBackoff)
	assert.Equal(t, "logs-raw", cfg.Shipper.KeyPrefix)
	assert.Equal(t, int64(8<<20), cfg.Shipper.MaxObjectBytes)
}

func TestValidateForwarder(t *testing.T) {
	cfg := validForwarderConfig()
	require.NoError(t, cfg.ValidateForwarder())
}

func TestValidateForwarderVisibilityInvariant(t *testing.T) {
	cfg := validForwarderConfig()

	// visibility timeout at exactly the latency floor must be rejected,
	// not discovered at runtime via redelivery storms
	cfg.Forwarder.MaxFetchLatency = 30 * time.Second
	cfg.Forwarder.MaxForwardLatency = 60 * time.Second
	cfg.Forwarder.SafetyMargin = 30 * time.Second
	cfg.Forwarder.VisibilityTimeout = 2 * time.Minute

	err := cfg.ValidateForwarder()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "visibility_timeout")
}

func TestValidateForwarderMissingQueue(t *testing.T) {
	cfg := validForwarderConfig()
	cfg.Forwarder.QueueURL = ""
	assert.Error(t, cfg.ValidateForwarder())
}

func TestValidateForwarderReceiveBatchBounds(t *testing.T) {
	cfg := validForwarderConfig()
	cfg.Forwarder.ReceiveBatchSize = 11
	assert.Error(t, cfg.ValidateForwarder())

	cfg.Forwarder.ReceiveBatchSize = 0
	assert.Error(t, cfg.ValidateForwarder())
}

func TestValidateShipper(t *testing.T) {
	cfg := Default()
	cfg.Storage.Bucket = "logs-bucket"
	cfg.Shipper.SourceDir = "/var/log/app"
	cfg.Shipper.SpoolDir = "/var/spool/logflume"
	require.NoError(t, cfg.ValidateShipper())

	cfg.Shipper.SourceDir = ""
	assert.Error(t, cfg.ValidateShipper())
}

func TestValidateSink(t *testing.T) {
	cfg := validForwarderConfig()
	cfg.Sink.Index = ""
	assert.Error(t, cfg.ValidateSink())
}
