package models

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type S3Config struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	PublicBaseURL   string `yaml:"public_base_url"`
}

type Config struct {
	ServerAddr      string   `yaml:"server_addr"`
	DatabaseURL     string   `yaml:"database_url"`
	KafkaBroker     string   `yaml:"kafka_broker"`
	KafkaTopic      string   `yaml:"kafka_topic"`
	S3              S3Config `yaml:"s3"`
	StagingTTLHours int      `yaml:"staging_ttl_hours"`
	MaxUploadBytes  int64    `yaml:"max_upload_bytes"`
	MaxBatchFiles   int      `yaml:"max_batch_files"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.StagingTTLHours <= 0 {
		c.StagingTTLHours = 6
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 20 << 20
	}
	if c.MaxBatchFiles <= 0 {
		c.MaxBatchFiles = 20
	}
}

// StagingTTL is the lifetime of a staging session.
func (c *Config) StagingTTL() time.Duration {
	return time.Duration(c.StagingTTLHours) * time.Hour
}
