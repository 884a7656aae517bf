package indicator

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardpool/lending"
)

type recording struct {
	calls []string
	infos []*Info
	err   error
}

func (r *recording) add(name string, info *Info) {
	r.calls = append(r.calls, name)
	r.infos = append(r.infos, info)
}

func (r *recording) Idle()               { r.add("idle", nil) }
func (r *recording) Waiting(info *Info)  { r.add("waiting", info) }
func (r *recording) Accepted(info *Info) { r.add("accepted", info) }
func (r *recording) Rejected(info *Info) { r.add("rejected", info) }
func (r *recording) Connected()          { r.add("connected", nil) }
func (r *recording) ConnectionLost()     { r.add("lost", nil) }
func (r *recording) Shutdown()           { r.add("shutdown", nil) }
func (r *recording) Release() error      { r.add("release", nil); return r.err }

func TestNewWithoutHardware(t *testing.T) {
	ind, err := New(Config{})
	require.NoError(t, err)
	assert.IsType(t, &Noop{}, ind)

	a := &recording{}
	ind, err = New(Config{}, a)
	require.NoError(t, err)
	assert.Same(t, a, ind)

	ind, err = New(Config{}, a, nil, &recording{})
	require.NoError(t, err)
	assert.IsType(t, &Multi{}, ind)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recording{}, &recording{err: errors.New("busy")}
	m := &Multi{indicators: []Indicator{a, b}}

	m.Idle()
	m.Waiting(&Info{Staff: "山田"})
	m.Accepted(&Info{})
	m.Rejected(&Info{})
	m.Connected()
	m.ConnectionLost()
	m.Shutdown()
	assert.EqualError(t, m.Release(), "busy")

	want := []string{"idle", "waiting", "accepted", "rejected", "connected", "lost", "shutdown", "release"}
	assert.Equal(t, want, a.calls)
	assert.Equal(t, want, b.calls)
}

func TestNotifier(t *testing.T) {
	r := &recording{}
	n := Notifier{Indicator: r}

	n.Notify(lending.Notice{Kind: lending.NoticeStaffAccepted, StaffName: "山田"})
	n.Notify(lending.Notice{Kind: lending.NoticeCompleted, Outcome: lending.Outcome{
		Action: lending.Return, StaffName: "山田", CardIDm: "0123456789ABCDEF",
	}})
	n.Notify(lending.Notice{Kind: lending.NoticeRejected, Err: &lending.Error{Kind: lending.CardNotLent, Identity: "01"}})
	n.Notify(lending.Notice{Kind: lending.NoticeRejected, Err: errors.New("read history: card removed")})
	n.Notify(lending.Notice{Kind: lending.NoticeCancelled})

	require.Equal(t, []string{"waiting", "accepted", "rejected", "rejected", "idle"}, r.calls)
	assert.Equal(t, "山田", r.infos[0].Staff)
	assert.Equal(t, &Info{Action: "return", Staff: "山田", Card: "0123456789ABCDEF"}, r.infos[1])
	assert.Equal(t, &Info{Warning: "CardNotLent", Card: "01"}, r.infos[2])
	assert.Equal(t, "read history: card removed", r.infos[3].Warning)
}

type pubRecorder struct {
	mu       sync.Mutex
	topics   []string
	payloads [][]byte
}

func (p *pubRecorder) Publish(topic string, payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
}

func TestMQTTPublishes(t *testing.T) {
	pub := &pubRecorder{}
	m := NewMQTT(pub, "desk1")
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }

	m.Idle()
	m.Accepted(&Info{Action: "lend", Staff: "山田", Card: "01"})
	m.ConnectionLost()

	require.Equal(t, []string{"cardpool/status/desk1/event", "cardpool/status/desk1/reader"}, pub.topics)

	var ev map[string]any
	require.NoError(t, jsoniter.Unmarshal(pub.payloads[0], &ev))
	assert.Equal(t, "accepted", ev["event"])
	assert.Equal(t, "lend", ev["action"])
	assert.Equal(t, "2026-04-01T09:00:00Z", ev["at"])
	assert.JSONEq(t, `{"connected":false,"at":"2026-04-01T09:00:00Z"}`, string(pub.payloads[1]))
}

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestNeopixelIdleFollowsConnection(t *testing.T) {
	var buf bytes.Buffer
	n := newNeopixel(nopCloser{&buf})

	n.Idle()
	assert.Equal(t, neoConnectionLost, buf.String())

	buf.Reset()
	n.Connected()
	n.Idle()
	assert.Equal(t, neoNormalIdle+neoNormalIdle, buf.String())

	buf.Reset()
	n.Rejected(nil)
	assert.Equal(t, neoRejected, buf.String())
	assert.NoError(t, n.Release())
}

func TestBuzzerPlaysPattern(t *testing.T) {
	var mu sync.Mutex
	var levels []int
	var slept time.Duration

	b := newBuzzer(func(v int) error {
		mu.Lock()
		levels = append(levels, v)
		mu.Unlock()
		return nil
	}, nil, func(d time.Duration) {
		mu.Lock()
		slept += d
		mu.Unlock()
	})

	b.Accepted(nil)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) == 4
	}, time.Second, time.Millisecond)

	require.NoError(t, b.Release())
	require.NoError(t, b.Release())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0, 1, 0, 0}, levels)
	assert.Equal(t, 240*time.Millisecond, slept)
}
