package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/malbeclabs/tablecat/concat/pkg/concat"
	"github.com/malbeclabs/tablecat/concat/pkg/store"
)

const (
	defaultReadHeaderTimeout = 10 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultConcatenateRate   = rate.Limit(10)
	defaultConcatenateBurst  = 20
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	Logger            *slog.Logger
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	VersionInfo       VersionInfo

	Store    store.Store
	Executor *concat.Executor

	// Ready reports whether the backing store is reachable. Nil means always ready.
	Ready func(ctx context.Context) error

	// ConcatenateRate and ConcatenateBurst bound concatenate requests per client IP.
	ConcatenateRate  rate.Limit
	ConcatenateBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = defaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.ConcatenateRate == 0 {
		cfg.ConcatenateRate = defaultConcatenateRate
	}
	if cfg.ConcatenateBurst == 0 {
		cfg.ConcatenateBurst = defaultConcatenateBurst
	}
	return nil
}
