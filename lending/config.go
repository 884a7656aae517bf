package lending

import "time"

const (
	DefaultPairingWindow = 60 * time.Second
	DefaultUndoWindow    = 30 * time.Second
)

// Config is the lending section of the config file.
type Config struct {
	// PairingWindow is how long a staff tap waits for a card tap.
	PairingWindow time.Duration `yaml:"pairing_window"`

	// UndoWindow is how long after a decision a bare re-tap of the same
	// card reverses it.
	UndoWindow time.Duration `yaml:"undo_window"`

	// AllowBareReturn lets a lent card be returned by tapping it alone,
	// on behalf of the borrower. Defaults to true.
	AllowBareReturn *bool `yaml:"allow_bare_return"`
}

func (c Config) withDefaults() Config {
	if c.PairingWindow <= 0 {
		c.PairingWindow = DefaultPairingWindow
	}
	if c.UndoWindow <= 0 {
		c.UndoWindow = DefaultUndoWindow
	}
	if c.AllowBareReturn == nil {
		yes := true
		c.AllowBareReturn = &yes
	}
	return c
}
