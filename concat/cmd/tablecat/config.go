package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML config file. Environment variables and explicitly set flags take
// precedence over it.
type fileConfig struct {
	PostgresDSN          string  `yaml:"postgres_dsn"`
	ListenAddr           string  `yaml:"listen_addr"`
	RejectUnsortedInputs bool    `yaml:"reject_unsorted_inputs"`
	ReorderRanges        bool    `yaml:"reorder_ranges"`
	ConcatenateRate      float64 `yaml:"concatenate_rate"`
	ConcatenateBurst     int     `yaml:"concatenate_burst"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("config file %s does not exist", path)
		}
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.ConcatenateRate < 0 || cfg.ConcatenateBurst < 0 {
		return cfg, fmt.Errorf("config file %s: concatenate rate and burst must not be negative", path)
	}
	return cfg, nil
}
