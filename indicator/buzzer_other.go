//go:build !linux

package indicator

import "errors"

var ErrBuzzerNotSupported = errors.New("buzzer not supported on this platform")

// NewBuzzer returns an error on non-linux platforms.
func NewBuzzer(chip string, pin int) (*Buzzer, error) {
	return nil, ErrBuzzerNotSupported
}
