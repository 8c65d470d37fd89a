package files

import "time"

// S3Config configures the S3 file fetcher.
type S3Config struct {
	Region string `yaml:"region" json:"region"`

	// Endpoint overrides the AWS endpoint, e.g. for a local S3 gateway.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-"`
	UsePathStyle    bool   `yaml:"use_path_style" json:"use_path_style"`
}

// MinIOConfig configures the artifact store.
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"-"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
	Region    string `yaml:"region" json:"region"`

	// Timeout bounds a single artifact operation. Zero means 2m.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}
