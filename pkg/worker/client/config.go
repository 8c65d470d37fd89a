// Package client dispatches execution requests to worker processes that it
// starts itself, either locally or on a remote host over SSH.
//
// Each request gets a fresh worker. The pool waits for READY, sends one
// CMD, forwards EVENT lines to the activity log and reports the DONE or
// ERROR result through the registered handler.
package client

import (
	"time"

	"github.com/openfroyo/provisioner/pkg/transports/ssh"
)

// Config configures worker processes.
type Config struct {
	// Binary is the worker executable. In SSH mode it is the local file
	// copied to RemotePath before the first start.
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`

	// MaxConcurrent bounds the number of live workers.
	MaxConcurrent int `yaml:"max_concurrent"`

	// StartupTimeout bounds the wait for READY.
	StartupTimeout time.Duration `yaml:"startup_timeout"`

	// DefaultTimeout applies to requests without a timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// KillGrace is added to a command's timeout before its worker is
	// killed. The worker enforces the timeout itself first.
	KillGrace time.Duration `yaml:"kill_grace"`

	SSH        *ssh.Config `yaml:"ssh"`
	RemotePath string      `yaml:"remote_path"`
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Minute
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 30 * time.Second
	}
	if c.RemotePath == "" {
		c.RemotePath = "/tmp/provisioner-worker"
	}
}
