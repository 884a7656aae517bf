package indicator

// Indicator is the interface for status indicator implementations (LEDs, buzzer, etc).
type Indicator interface {
	// Idle sets the indicator to idle/ready state, waiting for a staff tap.
	Idle()

	// Waiting shows that a staff tap was accepted and a card tap is expected.
	Waiting(info *Info)

	// Accepted signals a completed lend, return or undo.
	Accepted(info *Info)

	// Rejected signals a refused tap or a failed read.
	Rejected(info *Info)

	// Connected shows that the card reader is available again.
	Connected()

	// ConnectionLost sets the indicator to connection lost state.
	ConnectionLost()

	// Shutdown sets the indicator to shutdown state.
	Shutdown()

	// Release releases any hardware resources.
	Release() error
}

// Info describes a tap for display purposes. Fields may be empty.
type Info struct {
	Action  string `json:"action,omitempty"`
	Staff   string `json:"staff,omitempty"`
	Card    string `json:"card,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// Config holds configuration for indicator implementations.
type Config struct {
	// GPIO LED pins (nil = not configured)
	GreenPin  *uint8 `yaml:"green_pin"`
	YellowPin *uint8 `yaml:"yellow_pin"`
	RedPin    *uint8 `yaml:"red_pin"`

	// Neopixel pipe path (empty = not configured)
	NeopixelPipe string `yaml:"neopixel_pipe"`

	// Buzzer line on a gpiochip (nil = not configured)
	BuzzerChip string `yaml:"buzzer_chip"`
	BuzzerPin  *int   `yaml:"buzzer_pin"`
}

// New creates an Indicator based on the provided configuration, plus
// any extra indicators built by the caller (log, MQTT).
// Returns a Multi indicator if more than one is in use.
func New(cfg Config, extra ...Indicator) (Indicator, error) {
	var indicators []Indicator
	fail := func(err error) (Indicator, error) {
		for _, ind := range indicators {
			ind.Release()
		}
		return nil, err
	}

	if cfg.GreenPin != nil || cfg.YellowPin != nil || cfg.RedPin != nil {
		gpio, err := NewGPIO(cfg.GreenPin, cfg.YellowPin, cfg.RedPin)
		if err != nil {
			return fail(err)
		}
		indicators = append(indicators, gpio)
	}

	if cfg.NeopixelPipe != "" {
		neo, err := NewNeopixel(cfg.NeopixelPipe)
		if err != nil {
			return fail(err)
		}
		indicators = append(indicators, neo)
	}

	if cfg.BuzzerPin != nil {
		bz, err := NewBuzzer(cfg.BuzzerChip, *cfg.BuzzerPin)
		if err != nil {
			return fail(err)
		}
		indicators = append(indicators, bz)
	}

	for _, ind := range extra {
		if ind != nil {
			indicators = append(indicators, ind)
		}
	}

	if len(indicators) == 0 {
		return &Noop{}, nil
	}
	if len(indicators) == 1 {
		return indicators[0], nil
	}
	return &Multi{indicators: indicators}, nil
}
