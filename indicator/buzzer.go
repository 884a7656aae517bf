package indicator

import (
	"sync"
	"time"
)

type beep struct {
	on, off time.Duration
}

var (
	patternWaiting  = []beep{{on: 80 * time.Millisecond}}
	patternAccepted = []beep{{on: 80 * time.Millisecond, off: 80 * time.Millisecond}, {on: 80 * time.Millisecond}}
	patternRejected = []beep{{on: 600 * time.Millisecond}}
	patternLost     = []beep{
		{on: 150 * time.Millisecond, off: 150 * time.Millisecond},
		{on: 150 * time.Millisecond, off: 150 * time.Millisecond},
		{on: 150 * time.Millisecond},
	}
)

// Buzzer implements Indicator with a piezo buzzer on one output line.
// Patterns play on a goroutine of their own; one arriving while another
// plays is dropped.
type Buzzer struct {
	set     func(v int) error
	release func() error
	sleep   func(time.Duration)

	queue chan []beep
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func newBuzzer(set func(int) error, release func() error, sleep func(time.Duration)) *Buzzer {
	b := &Buzzer{
		set:     set,
		release: release,
		sleep:   sleep,
		queue:   make(chan []beep, 1),
		done:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Buzzer) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case p := <-b.queue:
			for _, bp := range p {
				b.set(1)
				b.sleep(bp.on)
				b.set(0)
				if bp.off > 0 {
					b.sleep(bp.off)
				}
			}
		}
	}
}

func (b *Buzzer) play(p []beep) {
	select {
	case b.queue <- p:
	default:
	}
}

func (b *Buzzer) Idle()               {}
func (b *Buzzer) Waiting(info *Info)  { b.play(patternWaiting) }
func (b *Buzzer) Accepted(info *Info) { b.play(patternAccepted) }
func (b *Buzzer) Rejected(info *Info) { b.play(patternRejected) }
func (b *Buzzer) Connected()          {}
func (b *Buzzer) ConnectionLost()     { b.play(patternLost) }
func (b *Buzzer) Shutdown()           {}

// Release stops the player and frees the line.
func (b *Buzzer) Release() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		b.wg.Wait()
		b.set(0)
		if b.release != nil {
			err = b.release()
		}
	})
	return err
}
