// Package controlpad drives the physical cancel button next to the
// reader. Pressing it abandons a pending staff tap; its LED is lit while
// one is pending.
package controlpad

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/warthog618/gpio"
)

const debounce = 200 * time.Millisecond

// Config holds the BCM pin numbers. A nil CancelPin disables the pad.
type Config struct {
	CancelPin *int `yaml:"cancel_pin"`
	LEDPin    *int `yaml:"led_pin"`
}

// Pad is an open control pad.
type Pad struct {
	button *gpio.Pin
	led    *gpio.Pin
	press  *debouncer
}

// New opens the pad. Returns nil if config has no cancel pin.
func New(cfg Config, onCancel func()) (*Pad, error) {
	if cfg.CancelPin == nil {
		return nil, nil
	}

	if err := gpio.Open(); err != nil {
		return nil, fmt.Errorf("open gpio: %w", err)
	}

	// A pin left exported by a previous run cannot be watched.
	unexport(*cfg.CancelPin)

	p := &Pad{press: newDebouncer(debounce, time.Now, onCancel)}
	p.button = gpio.NewPin(*cfg.CancelPin)
	p.button.Input()
	p.button.PullUp()
	if err := p.button.Watch(gpio.EdgeFalling, func(*gpio.Pin) { p.press.fire() }); err != nil {
		gpio.Close()
		return nil, fmt.Errorf("watch cancel pin %d: %w", *cfg.CancelPin, err)
	}

	if cfg.LEDPin != nil {
		p.led = gpio.NewPin(*cfg.LEDPin)
		p.led.Output()
		p.led.Low()
	}
	return p, nil
}

func unexport(pin int) {
	f, err := os.OpenFile("/sys/class/gpio/unexport", os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	fmt.Fprintf(f, "%d\n", pin)
	f.Close()
}

// SetPending lights the LED while a staff tap waits for a card.
func (p *Pad) SetPending(on bool) {
	if p == nil || p.led == nil {
		return
	}
	if on {
		p.led.High()
	} else {
		p.led.Low()
	}
}

// Release stops watching the button and closes the gpio device.
func (p *Pad) Release() error {
	if p == nil {
		return nil
	}
	p.button.Unwatch()
	if p.led != nil {
		p.led.Low()
	}
	return gpio.Close()
}

// debouncer drops presses closer together than window.
type debouncer struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	last   time.Time
	fn     func()
}

func newDebouncer(window time.Duration, now func() time.Time, fn func()) *debouncer {
	return &debouncer{window: window, now: now, fn: fn}
}

func (d *debouncer) fire() {
	d.mu.Lock()
	t := d.now()
	if !d.last.IsZero() && t.Sub(d.last) < d.window {
		d.mu.Unlock()
		return
	}
	d.last = t
	d.mu.Unlock()
	if d.fn != nil {
		d.fn()
	}
}
