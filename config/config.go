// config.go - Nightjar crypto core configuration.
// Copyright (C) 2026  Nightjar Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config implements the configuration for the nightjar crypto
// core.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nightjar-im/nightjar/core/log"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultRotationPeriod   = 604800000 * time.Millisecond
	defaultRotationMessages = 100
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (l *Logging) validate() error {
	switch strings.ToUpper(l.Level) {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		l.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Level = strings.ToUpper(l.Level)
	return nil
}

// Account identifies this device.
type Account struct {
	// User is the federated user ID.
	User string

	// Device is this device's ID, unique within the user's devices.
	Device string
}

// Store is the persistence configuration.
type Store struct {
	// File is the crypto store database path.
	File string
}

// Rotation bounds the lifetime of outbound group sessions.
type Rotation struct {
	// PeriodMs is the maximum session age in milliseconds.
	PeriodMs int64

	// Messages is the maximum number of messages per session.
	Messages uint32
}

// Config is the top level nightjar crypto core configuration.
type Config struct {
	Account  *Account
	Store    *Store
	Logging  *Logging
	Rotation *Rotation
}

// InitLogBackend creates the logging backend described by the config.
func (c *Config) InitLogBackend() (*log.Backend, error) {
	f := c.Logging.File
	if !c.Logging.Disable && f != "" {
		if !filepath.IsAbs(f) {
			return nil, errors.New("config: log file path must be absolute path")
		}
	}
	return log.New(f, c.Logging.Level, c.Logging.Disable)
}

// RotationPeriod returns the configured session rotation period.
func (c *Config) RotationPeriod() time.Duration {
	return time.Duration(c.Rotation.PeriodMs) * time.Millisecond
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration.
func (c *Config) FixupAndValidate() error {
	if c.Account == nil || c.Account.User == "" || c.Account.Device == "" {
		return errors.New("config: Account section is missing or incomplete")
	}
	if c.Store == nil || c.Store.File == "" {
		return errors.New("config: Store.File is required")
	}
	if !filepath.IsAbs(c.Store.File) {
		return errors.New("config: Store.File must be an absolute path")
	}
	if c.Logging == nil {
		c.Logging = &Logging{Level: defaultLogLevel}
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	if c.Rotation == nil {
		c.Rotation = &Rotation{}
	}
	if c.Rotation.PeriodMs == 0 {
		c.Rotation.PeriodMs = int64(defaultRotationPeriod / time.Millisecond)
	}
	if c.Rotation.Messages == 0 {
		c.Rotation.Messages = defaultRotationMessages
	}
	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err = cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
