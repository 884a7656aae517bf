// Package reader provides the staff badge readers that feed staff taps
// to the lending sequencer alongside the FeliCa card reader.
package reader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// TagReader is the interface for all badge reader implementations.
// Implementations should block until a badge is read or context is cancelled.
type TagReader interface {
	// Read blocks until a badge is read or context is cancelled.
	// Returns the staff identity as 16 upper-case hex digits.
	// A return of ("", nil) indicates no badge was read (e.g., timeout).
	Read(ctx context.Context) (string, error)

	// Close releases any resources held by the reader.
	Close() error
}

// Config holds common configuration for reader implementations.
type Config struct {
	Type   string `yaml:"type"`   // "serial", "keyboard", "" (none)
	Device string `yaml:"device"` // e.g., "/dev/serial0", "/dev/input/event0"
	Baud   int    `yaml:"baud"`   // baud rate for serial devices
	Format string `yaml:"format"` // keyboard digits, e.g. "10h", "8d"
}

var ErrUnknownType = errors.New("reader: unknown type")

// New creates a TagReader based on the provided configuration. It
// returns nil when no staff reader is configured.
func New(cfg Config, logger *slog.Logger) (TagReader, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	switch cfg.Type {
	case "":
		return nil, nil
	case "keyboard", "10h-kbd":
		return NewKeyboard(cfg.Device, cfg.Format, logger)
	case "serial":
		return NewSerial(cfg.Device, cfg.Baud)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
}

// FormatTag renders a numeric badge id as a staff identity.
func FormatTag(tag uint64) string {
	return fmt.Sprintf("%016X", tag)
}

// Run reads badges until ctx is done and hands each one to fn.
func Run(ctx context.Context, r TagReader, logger *slog.Logger, fn func(idm string)) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		idm, err := r.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			logger.Warn("read badge", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if idm == "" {
			continue
		}

		logger.Info("badge read", "staff", idm)
		fn(idm)
	}
}
