//go:build linux

package indicator

import (
	"fmt"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// NewBuzzer requests pin on chip as an output, initially low.
func NewBuzzer(chip string, pin int) (*Buzzer, error) {
	if chip == "" {
		chip = "gpiochip0"
	}
	line, err := gpiocdev.RequestLine(chip, pin, gpiocdev.AsOutput(0))
	if err != nil {
		return nil, fmt.Errorf("request buzzer line %s:%d: %w", chip, pin, err)
	}
	return newBuzzer(line.SetValue, line.Close, time.Sleep), nil
}
