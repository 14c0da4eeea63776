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
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates configuration for all logflume agents. Each agent
// validates only the sections it uses; nothing here is discovered at
// runtime after process start.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Shipper   ShipperConfig   `mapstructure:"shipper"`
	Forwarder ForwarderConfig `mapstructure:"forwarder"`
	Sink      SinkConfig      `mapstructure:"sink"`
	Health    HealthConfig    `mapstructure:"health"`
}

// StorageConfig identifies the object store bucket and how to reach it.
type StorageConfig struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	RoleARN      string `mapstructure:"role_arn"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	InsecureTLS  bool   `mapstructure:"insecure_tls"`
}

// ShipperConfig drives the producer agent.
type ShipperConfig struct {
	SourceDir      string        `mapstructure:"source_dir"`
	SpoolDir       string        `mapstructure:"spool_dir"`
	KeyPrefix      string        `mapstructure:"key_prefix"`
	ScanInterval   time.Duration `mapstructure:"scan_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxObjectBytes int64         `mapstructure:"max_object_bytes"`
	MaxObjectAge   time.Duration `mapstructure:"max_object_age"`
	UploadAttempts int           `mapstructure:"upload_attempts"`
	UploadBackoff  time.Duration `mapstructure:"upload_backoff"`
}

// ForwarderConfig drives the consumer agent.
type ForwarderConfig struct {
	QueueURL           string        `mapstructure:"queue_url"`
	Region             string        `mapstructure:"region"`
	RoleARN            string        `mapstructure:"role_arn"`
	DeadLetterQueueURL string        `mapstructure:"dead_letter_queue_url"`
	Workers            int           `mapstructure:"workers"`
	ReceiveBatchSize   int           `mapstructure:"receive_batch_size"`
	ReceiveWait        time.Duration `mapstructure:"receive_wait"`
	VisibilityTimeout  time.Duration `mapstructure:"visibility_timeout"`
	FetchAttempts      int           `mapstructure:"fetch_attempts"`
	FetchBackoff       time.Duration `mapstructure:"fetch_backoff"`
	ForwardAttempts    int           `mapstructure:"forward_attempts"`
	ForwardBackoff     time.Duration `mapstructure:"forward_backoff"`
	MaxFetchLatency    time.Duration `mapstructure:"max_fetch_latency"`
	MaxForwardLatency  time.Duration `mapstructure:"max_forward_latency"`
	SafetyMargin       time.Duration `mapstructure:"safety_margin"`
	DedupTTL           time.Duration `mapstructure:"dedup_ttl"`
}

// SinkConfig identifies the downstream bulk-ingest service.
type SinkConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
	BulkSize  int      `mapstructure:"bulk_size"`
}

// HealthConfig configures the local HTTP status endpoint.
type HealthConfig struct {
	Port int `mapstructure:"port"`
}

func Default() *Config {
	return &Config{
		Shipper: ShipperConfig{
			KeyPrefix:      "logs-raw",
			ScanInterval:   5 * time.Second,
			BatchSize:      500,
			MaxObjectBytes: 8 << 20,
			MaxObjectAge:   time.Minute,
			UploadAttempts: 5,
			UploadBackoff:  time.Second,
		},
		Forwarder: ForwarderConfig{
			Workers:           4,
			ReceiveBatchSize:  10,
			ReceiveWait:       20 * time.Second,
			VisibilityTimeout: 2 * time.Minute,
			FetchAttempts:     4,
			FetchBackoff:      time.Second,
			ForwardAttempts:   3,
			ForwardBackoff:    time.Second,
			MaxFetchLatency:   30 * time.Second,
			MaxForwardLatency: 30 * time.Second,
			SafetyMargin:      15 * time.Second,
			DedupTTL:          10 * time.Minute,
		},
		Sink: SinkConfig{
			Index:    "logflume-logs",
			BulkSize: 500,
		},
		Health: HealthConfig{
			Port: 8090,
		},
	}
}

// Load reads configuration from an optional config file and environment
// variables. Environment variables use the prefix "LOGFLUME" and the dot
// character in keys is replaced by an underscore, so "forwarder.queue_url"
// becomes "LOGFLUME_FORWARDER_QUEUE_URL".
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("LOGFLUME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	if a := v.GetString("sink.addresses"); a != "" {
		cfg.Sink.Addresses = strings.Split(a, ",")
	}
	return cfg, nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}

// ValidateStorage checks the object store section.
func (c *Config) ValidateStorage() error {
	if c.Storage.Bucket == "" {
		return errors.New("storage.bucket is required")
	}
	return nil
}

// ValidateShipper checks the producer agent section.
func (c *Config) ValidateShipper() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	s := c.Shipper
	if s.SourceDir == "" {
		return errors.New("shipper.source_dir is required")
	}
	if s.SpoolDir == "" {
		return errors.New("shipper.spool_dir is required")
	}
	if s.MaxObjectBytes <= 0 {
		return errors.New("shipper.max_object_bytes must be positive")
	}
	if s.MaxObjectAge <= 0 {
		return errors.New("shipper.max_object_age must be positive")
	}
	if s.UploadAttempts <= 0 {
		return errors.New("shipper.upload_attempts must be positive")
	}
	return nil
}

// ValidateForwarder checks the consumer agent section, including the
// visibility timeout invariant: the timeout must exceed the worst-case
// fetch plus forward latency by the safety margin, or messages will be
// redelivered while still in flight.
func (c *Config) ValidateForwarder() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	f := c.Forwarder
	if f.QueueURL == "" {
		return errors.New("forwarder.queue_url is required")
	}
	if f.Workers <= 0 {
		return errors.New("forwarder.workers must be positive")
	}
	if f.ReceiveBatchSize <= 0 || f.ReceiveBatchSize > 10 {
		return errors.New("forwarder.receive_batch_size must be between 1 and 10")
	}
	if floor := f.MaxFetchLatency + f.MaxForwardLatency + f.SafetyMargin; f.VisibilityTimeout <= floor {
		return fmt.Errorf("forwarder.visibility_timeout %s must exceed max_fetch_latency + max_forward_latency + safety_margin (%s)",
			f.VisibilityTimeout, floor)
	}
	if err := c.ValidateSink(); err != nil {
		return err
	}
	return nil
}

// ValidateSink checks the downstream sink section.
func (c *Config) ValidateSink() error {
	if len(c.Sink.Addresses) == 0 {
		return errors.New("sink.addresses is required")
	}
	if c.Sink.Index == "" {
		return errors.New("sink.index is required")
	}
	if c.Sink.BulkSize <= 0 {
		return errors.New("sink.bulk_size must be positive")
	}
	return nil
}
