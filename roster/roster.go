// Package roster loads the tab-separated staff and card list that seeds
// the registry.
//
// Each line holds kind, idm, status, name (card type for cards), number
// and note:
//
//	staff	0000000000000001	active	山田 太郎	1001	事務
//	card	0123456789ABCDEF	active	はやかけん	H-01
//
// Blank lines and lines starting with # are ignored. The short form
// "<kind> <idm> <name>" separated by spaces is also accepted.
package roster

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"cardpool/felica"
	"cardpool/store"
)

// Kind tells staff lines from card lines.
type Kind string

const (
	KindStaff Kind = "staff"
	KindCard  Kind = "card"
)

// Entry is one roster line.
type Entry struct {
	Kind    Kind
	IDm     string
	Deleted bool
	Name    string // staff name or card type
	Number  string
	Note    string
}

// LoadFile reads the roster at path.
func LoadFile(path string, logger *slog.Logger) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return Parse(f, logger)
}

// Parse reads roster lines from r. Malformed lines are logged and
// skipped.
func Parse(r io.Reader, logger *slog.Logger) ([]Entry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var out []Entry
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			logger.Warn("roster line skipped", "line", n, "err", err)
			continue
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("read roster: %w", err)
	}
	return out, nil
}

func parseLine(line string) (Entry, error) {
	var e Entry
	parts := strings.Split(line, "\t")

	if len(parts) >= 3 {
		e.Kind = Kind(strings.ToLower(strings.TrimSpace(parts[0])))
		e.IDm = parts[1]
		switch strings.ToLower(strings.TrimSpace(parts[2])) {
		case "", "active":
		case "deleted":
			e.Deleted = true
		default:
			return Entry{}, fmt.Errorf("unknown status %q", parts[2])
		}
		if len(parts) > 3 {
			e.Name = strings.TrimSpace(parts[3])
		}
		if len(parts) > 4 {
			e.Number = strings.TrimSpace(parts[4])
		}
		if len(parts) > 5 {
			e.Note = strings.TrimSpace(parts[5])
		}
	} else {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return Entry{}, fmt.Errorf("want kind and idm, got %q", line)
		}
		e.Kind = Kind(strings.ToLower(fields[0]))
		e.IDm = fields[1]
		e.Name = strings.Join(fields[2:], " ")
	}

	if e.Kind != KindStaff && e.Kind != KindCard {
		return Entry{}, fmt.Errorf("unknown kind %q", e.Kind)
	}
	idm, err := felica.NormalizeIDm(e.IDm)
	if err != nil {
		return Entry{}, err
	}
	e.IDm = idm
	return e, nil
}

// Counts reports what Apply wrote.
type Counts struct {
	Staff int
	Cards int
}

// Apply upserts every entry into reg. Lend state of existing cards is
// left to the ledger.
func Apply(ctx context.Context, reg store.Registry, entries []Entry) (Counts, error) {
	var c Counts
	for _, e := range entries {
		switch e.Kind {
		case KindStaff:
			err := reg.UpsertStaff(ctx, store.Staff{
				IDm:     e.IDm,
				Name:    e.Name,
				Number:  e.Number,
				Note:    e.Note,
				Deleted: e.Deleted,
			})
			if err != nil {
				return c, fmt.Errorf("upsert staff %s: %w", e.IDm, err)
			}
			c.Staff++
		case KindCard:
			err := reg.UpsertCard(ctx, store.Card{
				IDm:     e.IDm,
				Type:    e.Name,
				Number:  e.Number,
				Note:    e.Note,
				Deleted: e.Deleted,
			})
			if err != nil {
				return c, fmt.Errorf("upsert card %s: %w", e.IDm, err)
			}
			c.Cards++
		}
	}
	return c, nil
}
