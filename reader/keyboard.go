package reader

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kenshaw/evdev"
)

// Keyboard implements TagReader for USB keyboard-style RFID readers
// that output digits followed by Enter.
type Keyboard struct {
	device *evdev.Evdev
	format badgeFormat
	log    *slog.Logger
}

type badgeFormat struct {
	digits int  // expected number of digits (0 = any)
	hex    bool // true for hex input, false for decimal
}

// parseFormat reads "10h" (10 hex digits), "10d" (10 decimal), "8h",
// "8d", etc. Empty defaults to "10h".
func parseFormat(format string) badgeFormat {
	if format == "" {
		format = "10h"
	}
	format = strings.ToLower(format)

	f := badgeFormat{hex: true}
	switch {
	case strings.HasSuffix(format, "h"):
		f.digits, _ = strconv.Atoi(strings.TrimSuffix(format, "h"))
	case strings.HasSuffix(format, "d"):
		f.hex = false
		f.digits, _ = strconv.Atoi(strings.TrimSuffix(format, "d"))
	default:
		f.digits, _ = strconv.Atoi(format)
	}
	return f
}

// identity converts one typed line into a staff identity.
func (f badgeFormat) identity(line string) (string, error) {
	if f.digits > 0 && len(line) != f.digits {
		return "", fmt.Errorf("expected %d digits, got %d (%q)", f.digits, len(line), line)
	}
	base := 10
	if f.hex {
		base = 16
	}
	number, err := strconv.ParseUint(line, base, 64)
	if err != nil {
		return "", fmt.Errorf("bad badge line %q (base %d): %w", line, base, err)
	}
	return FormatTag(number), nil
}

// NewKeyboard creates a new keyboard reader on the specified input device.
func NewKeyboard(device string, format string, logger *slog.Logger) (*Keyboard, error) {
	dev, err := evdev.OpenFile(device)
	if err != nil {
		return nil, fmt.Errorf("open evdev %s: %w", device, err)
	}

	id := dev.ID()
	logger.Info("opened keyboard device", "name", dev.Name(),
		"vendor", fmt.Sprintf("0x%04x", id.Vendor), "product", fmt.Sprintf("0x%04x", id.Product))

	return &Keyboard{device: dev, format: parseFormat(format), log: logger}, nil
}

// Read implements TagReader.Read for keyboard readers.
// Reads digits until Enter is pressed, then parses according to configured format.
func (k *Keyboard) Read(ctx context.Context) (string, error) {
	ch := k.device.Poll(ctx)
	var strbuf string

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case event := <-ch:
			if event == nil {
				return "", fmt.Errorf("keyboard device closed")
			}

			switch event.Type.(type) {
			case evdev.KeyType:
				if event.Value != 1 {
					continue
				}

				if event.Type == evdev.KeyEnter {
					if strbuf == "" {
						continue
					}
					idm, err := k.format.identity(strbuf)
					strbuf = ""
					if err != nil {
						k.log.Warn("bad badge", "err", err)
						continue
					}
					return idm, nil
				}

				strbuf += evdev.KeyType(event.Code).String()
			}
		}
	}
}

// Close implements TagReader.Close.
func (k *Keyboard) Close() error {
	if k.device == nil {
		return nil
	}
	return k.device.Close()
}
