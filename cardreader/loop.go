package cardreader

import (
	"context"
	"errors"
	"time"

	"cardpool/clock"
	"cardpool/felica"
	"cardpool/pcsc"
	"cardpool/suppress"
)

// cardPresent is posted by the monitor for every insertion. resumed
// marks the first report after a reconnect.
type cardPresent struct {
	gen     int
	resumed bool
}

// Other messages handled by the loop.
type (
	cardAbsent       struct{ gen int }
	monitorFault     struct {
		gen int
		err error
	}
	reconnectAttempt struct{ gen int }
	reconnectRequest struct{}
	readerFault      struct{ err error }
)

func (s *Service) run(ctx context.Context, ticker *clock.Ticker, unsubscribe func()) {
	defer s.wg.Done()
	defer ticker.Stop()
	defer s.stopMonitor()
	defer s.stopRetry()
	if unsubscribe != nil {
		defer unsubscribe()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.healthCheck(ctx)
		case m := <-s.inbox:
			s.handle(ctx, m)
		}
	}
}

func (s *Service) handle(ctx context.Context, m any) {
	switch m := m.(type) {
	case suppress.Message:
		if s.suppressed.Apply(m) {
			s.log.Info("card reading suppression changed",
				"source", m.Source, "suppressed", m.Suppressed, "active", len(s.suppressed))
		}
	case cardPresent:
		if m.gen == s.monGen {
			s.cardInserted(ctx, m.resumed)
		}
	case cardAbsent:
		if m.gen == s.monGen {
			s.onReader = ""
		}
	case monitorFault:
		if m.gen == s.monGen {
			s.fault(ctx, "monitor", m.err)
		}
	case readerFault:
		s.fault(ctx, "read", m.err)
	case reconnectAttempt:
		if m.gen == s.retryGen {
			s.attempt(ctx)
		}
	case reconnectRequest:
		if s.State().Status == Reconnecting {
			s.log.Debug("reconnect already in progress")
			return
		}
		s.dropHandle()
		s.setState(ctx, ConnectionState{Status: Reconnecting, Attempt: 1}, "reconnect requested")
		s.attempt(ctx)
	}
}

// cardInserted reads the identity of a newly presented card and emits
// CardRead unless the same card was reported within the de-dup window.
// A card found after a reconnect that is the one left on the reader
// before the fault is not a new tap.
func (s *Service) cardInserted(ctx context.Context, resumed bool) {
	if s.State().Status != Connected {
		return
	}
	if s.suppressed.Suppressed() {
		s.log.Debug("card ignored while suppressed")
		return
	}

	if err := s.acquire(ctx); err != nil {
		return
	}
	var id felica.Identity
	var readErr error
	if s.hctx == nil {
		readErr = pcsc.ErrReaderUnavailable
	} else if card, err := s.hctx.Connect(s.reader); err != nil {
		readErr = err
	} else {
		id, readErr = felica.ReadIdentity(card)
		card.Disconnect()
	}
	s.releaseHW()

	if readErr != nil {
		ce := classify(ReadFailed, "read identity", readErr)
		switch {
		case ce.Kind == CardRemoved:
			s.log.Debug("card removed during identity read")
		case lostReader(ce.Kind):
			s.fault(ctx, "read", readErr)
		default:
			s.log.Warn("identity read failed", "err", readErr)
			s.emit(ctx, Event{Type: ErrorRaised, Err: ce})
		}
		return
	}

	stayed := resumed && id.IDm == s.onReader
	s.onReader = id.IDm
	if stayed {
		s.log.Debug("card stayed on the reader across reconnect", "idm", id.IDm)
		return
	}

	now := s.clock.Now()
	if last, ok := s.lastSeen[id.IDm]; ok && now.Sub(last) < s.cfg.DedupWindow {
		s.log.Debug("duplicate card read suppressed", "idm", id.IDm, "since", now.Sub(last))
		return
	}
	s.pruneSeen(now)
	s.lastSeen[id.IDm] = now
	s.log.Info("card read", "idm", id.IDm, "system_code", id.SystemCode)
	s.emit(ctx, Event{Type: CardRead, At: now, Identity: id})
}

func (s *Service) pruneSeen(now time.Time) {
	for idm, at := range s.lastSeen {
		if now.Sub(at) >= s.cfg.DedupWindow {
			delete(s.lastSeen, idm)
		}
	}
}

// healthCheck enumerates readers through the open handle. Any failure
// starts reconnection exactly like a monitor fault.
func (s *Service) healthCheck(ctx context.Context) {
	if s.State().Status != Connected {
		return
	}
	if err := s.acquire(ctx); err != nil {
		return
	}
	var err error
	if s.hctx == nil {
		err = pcsc.ErrInvalidContext
	} else {
		var reader string
		reader, err = s.pickReader(s.hctx)
		if err == nil && reader != s.reader {
			err = pcsc.ErrReaderUnavailable
		}
	}
	s.releaseHW()

	if err != nil {
		s.fault(ctx, "health check", err)
		return
	}
	s.log.Debug("health check ok", "reader", s.reader)
}

// fault moves a Connected service to Reconnecting(1). It is ignored in
// any other state.
func (s *Service) fault(ctx context.Context, source string, err error) {
	if s.State().Status != Connected {
		return
	}
	s.log.Warn("reader fault", "source", source, "err", err)
	s.dropHandle()
	s.setState(ctx, ConnectionState{Status: Reconnecting, Attempt: 1}, "reader lost: "+err.Error())
	s.scheduleAttempt(ctx)
}

// attempt tries to reopen the reader once.
func (s *Service) attempt(ctx context.Context) {
	st := s.State()
	if st.Status != Reconnecting {
		return
	}

	if err := s.acquire(ctx); err != nil {
		return
	}
	err := s.open()
	reader := s.reader
	s.releaseHW()

	if err == nil {
		s.log.Info("reader reconnected", "reader", reader, "attempt", st.Attempt)
		s.setState(ctx, ConnectionState{Status: Connected, Attempt: st.Attempt}, "reconnected")
		s.startMonitor(ctx, true)
		return
	}

	s.log.Warn("reconnect attempt failed", "attempt", st.Attempt, "err", err)
	if st.Attempt >= s.cfg.MaxReconnectAttempts {
		s.log.Error("reconnect gave up", "attempts", st.Attempt)
		s.setState(ctx, ConnectionState{Status: Disconnected, Attempt: st.Attempt}, "reconnect failed")
		s.emit(ctx, Event{Type: ErrorRaised, Err: &Error{
			Kind:     ReconnectFailed,
			Attempts: st.Attempt,
			Err:      err,
		}})
		return
	}
	s.setState(ctx, ConnectionState{Status: Reconnecting, Attempt: st.Attempt + 1}, "")
	s.scheduleAttempt(ctx)
}

func (s *Service) scheduleAttempt(ctx context.Context) {
	s.stopRetry()
	s.retryGen++
	gen := s.retryGen
	s.retry = s.clock.AfterFunc(s.cfg.ReconnectInterval, func() {
		s.post(ctx, reconnectAttempt{gen: gen})
	})
}

func (s *Service) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// dropHandle stops the monitor and releases the reader handle.
func (s *Service) dropHandle() {
	s.stopMonitor()
	s.hw <- struct{}{}
	if err := s.closeHandle(); err != nil {
		s.log.Debug("release after fault", "err", err)
	}
	s.releaseHW()
}

func (s *Service) setState(ctx context.Context, st ConnectionState, msg string) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.emit(ctx, Event{Type: ConnectionStateChanged, State: st, Message: msg})
}

// startMonitor watches the reader on a context of its own so that
// WaitForChange never holds the hardware semaphore. resumed is set when
// the monitor replaces one lost to a fault.
func (s *Service) startMonitor(ctx context.Context, resumed bool) {
	s.stopMonitor()
	s.mu.Lock()
	s.monGen++
	gen := s.monGen
	s.mu.Unlock()
	mctx, cancel := context.WithCancel(ctx)
	s.monCancel = cancel
	reader := s.reader

	s.monWG.Add(1)
	go func() {
		defer s.monWG.Done()
		s.monitor(mctx, gen, reader, resumed)
	}()
}

func (s *Service) monGenSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.monGen
}

func (s *Service) stopMonitor() {
	if s.monCancel != nil {
		s.monCancel()
		s.monCancel = nil
	}
	s.monWG.Wait()
}

func (s *Service) monitor(ctx context.Context, gen int, reader string, resumed bool) {
	hctx, err := s.factory.Establish()
	if err != nil {
		s.post(ctx, monitorFault{gen: gen, err: err})
		return
	}
	defer hctx.Release()

	var last pcsc.Slot
	for {
		slot, err := hctx.WaitForChange(ctx, reader, last)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.post(ctx, monitorFault{gen: gen, err: err})
			}
			return
		}
		switch {
		case slot.NewInsertion(last):
			s.post(ctx, cardPresent{gen: gen, resumed: resumed})
		case slot.Presence == pcsc.PresenceEmpty:
			s.post(ctx, cardAbsent{gen: gen})
		}
		if slot.Presence != pcsc.PresenceUnknown {
			resumed = false
		}
		last = slot
	}
}
