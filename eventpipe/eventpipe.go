// Package eventpipe is the dev harness: a named pipe accepting one
// command per line that drives the synthetic card reader, staff taps and
// suppression without hardware.
package eventpipe

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"cardpool/felica"
)

// Config holds configuration for the event pipe.
type Config struct {
	Path string `yaml:"path"` // Path to named pipe (e.g., "/tmp/cardpool-events")
}

// Kind names a pipe command.
type Kind int

const (
	CmdCard Kind = iota + 1
	CmdRemove
	CmdStaff
	CmdBalance
	CmdTrip
	CmdCharge
	CmdUnplug
	CmdPlug
	CmdService
	CmdSuppress
	CmdCancel
)

var kindNames = map[Kind]string{
	CmdCard: "card", CmdRemove: "remove", CmdStaff: "staff", CmdBalance: "balance",
	CmdTrip: "trip", CmdCharge: "charge", CmdUnplug: "unplug", CmdPlug: "plug",
	CmdService: "service", CmdSuppress: "suppress", CmdCancel: "cancel",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Command is one parsed line.
type Command struct {
	Kind   Kind
	IDm    string // card, staff
	Source string // suppress
	Amount int    // balance, trip, charge
	On     bool   // service (up), suppress
}

// Handler is called for every command received from the pipe.
type Handler func(Command)

// EventPipe listens for commands on a named pipe.
type EventPipe struct {
	path    string
	handler Handler
	log     *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a new EventPipe. Returns nil if path is empty.
func New(cfg Config, logger *slog.Logger, handler Handler) (*EventPipe, error) {
	if cfg.Path == "" {
		return nil, nil
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	// Remove existing pipe if it exists
	os.Remove(cfg.Path)

	if err := syscall.Mkfifo(cfg.Path, 0666); err != nil {
		return nil, fmt.Errorf("create named pipe %s: %w", cfg.Path, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &EventPipe{
		path:    cfg.Path,
		handler: handler,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins listening for commands on the pipe.
// This should be called as a goroutine.
func (ep *EventPipe) Start() {
	ep.log.Info("event pipe listening", "path", ep.path)

	for {
		select {
		case <-ep.ctx.Done():
			return
		default:
		}

		// Blocks until a writer connects.
		file, err := os.OpenFile(ep.path, os.O_RDONLY, 0)
		if err != nil {
			if ep.ctx.Err() != nil {
				return
			}
			ep.log.Warn("event pipe open", "err", err)
			continue
		}

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			select {
			case <-ep.ctx.Done():
				file.Close()
				return
			default:
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}

			cmd, err := ParseLine(line)
			if err != nil {
				ep.log.Warn("event pipe parse", "line", line, "err", err)
				continue
			}

			if ep.handler != nil {
				ep.handler(cmd)
			}
		}

		file.Close()
		// Writer closed the pipe, loop back to wait for next writer
	}
}

// Close stops the event pipe listener and removes the pipe.
func (ep *EventPipe) Close() error {
	ep.cancel()
	return os.Remove(ep.path)
}

// ParseLine parses a command line.
// Command format:
//
//	card <idm>                 - Place a card on the reader
//	remove                     - Lift the card
//	staff <idm>                - Staff badge tap
//	balance <yen>              - Set the balance of the card on the reader
//	trip <yen>                 - Add a fare to the card on the reader
//	charge <yen>               - Add a top-up to the card on the reader
//	unplug | plug              - Remove or restore the reader
//	service down|up            - Stop or start the smart card service
//	suppress <source> on|off   - Suppress card reading
//	cancel                     - Abandon the pending staff tap
func ParseLine(line string) (Command, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}

	cmd := strings.ToLower(parts[0])
	arg := func(what string) (string, error) {
		if len(parts) < 2 {
			return "", fmt.Errorf("%s requires %s", cmd, what)
		}
		return parts[1], nil
	}

	switch cmd {
	case "card", "staff":
		s, err := arg("an idm")
		if err != nil {
			return Command{}, err
		}
		idm, err := felica.NormalizeIDm(s)
		if err != nil {
			return Command{}, err
		}
		kind := CmdCard
		if cmd == "staff" {
			kind = CmdStaff
		}
		return Command{Kind: kind, IDm: idm}, nil

	case "remove":
		return Command{Kind: CmdRemove}, nil

	case "balance", "trip", "charge":
		s, err := arg("an amount in yen")
		if err != nil {
			return Command{}, err
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n > 0xFFFF {
			return Command{}, fmt.Errorf("invalid amount: %s", s)
		}
		kind := CmdBalance
		switch cmd {
		case "trip":
			kind = CmdTrip
		case "charge":
			kind = CmdCharge
		}
		return Command{Kind: kind, Amount: n}, nil

	case "unplug":
		return Command{Kind: CmdUnplug}, nil

	case "plug":
		return Command{Kind: CmdPlug}, nil

	case "service":
		s, err := arg("down or up")
		if err != nil {
			return Command{}, err
		}
		on, err := parseSwitch(s, "up", "down")
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdService, On: on}, nil

	case "suppress":
		if len(parts) < 3 {
			return Command{}, fmt.Errorf("suppress requires <source> on|off")
		}
		on, err := parseSwitch(parts[2], "on", "off")
		if err != nil {
			return Command{}, err
		}
		return Command{Kind: CmdSuppress, Source: parts[1], On: on}, nil

	case "cancel":
		return Command{Kind: CmdCancel}, nil
	}
	return Command{}, fmt.Errorf("unknown command: %s", cmd)
}

func parseSwitch(s, on, off string) (bool, error) {
	switch strings.ToLower(s) {
	case on, "1", "true":
		return true, nil
	case off, "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("expected %s or %s, got %q", on, off, s)
}
