package media_health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePC соединение с управляемой статистикой
type fakePC struct {
	mu     sync.Mutex
	report webrtc.StatsReport
	calls  int
	gate   chan struct{}
}

func (p *fakePC) GetStats() webrtc.StatsReport {
	p.mu.Lock()
	p.calls++
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		<-gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	out := webrtc.StatsReport{}
	for k, v := range p.report {
		out[k] = v
	}
	return out
}

func (p *fakePC) setAudioSent(n uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.report = webrtc.StatsReport{
		"out-audio": webrtc.OutboundRTPStreamStats{
			Type:        webrtc.StatsTypeOutboundRTP,
			ID:          "out-audio",
			Kind:        "audio",
			PacketsSent: n,
		},
	}
}

func (p *fakePC) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// fakeStatePC соединение с агрегированным состоянием
type fakeStatePC struct {
	fakePC

	stateMu   sync.Mutex
	state     webrtc.PeerConnectionState
	observers map[int]func(webrtc.PeerConnectionState)
	nextID    int
}

func newFakeStatePC() *fakeStatePC {
	return &fakeStatePC{
		state:     webrtc.PeerConnectionStateNew,
		observers: make(map[int]func(webrtc.PeerConnectionState)),
	}
}

func (p *fakeStatePC) ConnectionState() webrtc.PeerConnectionState {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return p.state
}

func (p *fakeStatePC) AddConnectionStateObserver(fn func(webrtc.PeerConnectionState)) func() {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.nextID++
	id := p.nextID
	p.observers[id] = fn
	return func() {
		p.stateMu.Lock()
		defer p.stateMu.Unlock()
		delete(p.observers, id)
	}
}

func (p *fakeStatePC) setState(state webrtc.PeerConnectionState) {
	p.stateMu.Lock()
	p.state = state
	observers := make([]func(webrtc.PeerConnectionState), 0, len(p.observers))
	for _, fn := range p.observers {
		observers = append(observers, fn)
	}
	p.stateMu.Unlock()

	for _, fn := range observers {
		fn(state)
	}
}

func (p *fakeStatePC) observerCount() int {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	return len(p.observers)
}

type fakeHandler struct {
	pc PeerConnection
}

func (h fakeHandler) PeerConnection() PeerConnection {
	return h.pc
}

var fastOptions = Options{CheckInterval: time.Second, NoAudioTimeout: 3 * time.Second}

// advanceUntil двигает часы, пока условие не выполнится
func advanceUntil(t *testing.T, mock *clock.Mock, step time.Duration, cond func() bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		if cond() {
			return true
		}
		mock.Add(step)
		return cond()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPolling_ResolvesWhenPacketsSent(t *testing.T) {
	mock := clock.NewMock()
	pc := &fakePC{}
	call := NewCall("call-1")
	call.SetMediaHandler(fakeHandler{pc: pc}, false)

	check := NewMonitor(Capabilities{}, WithClock(mock)).Check(call, Options{
		CheckInterval:  time.Second,
		NoAudioTimeout: 10 * time.Second,
	})
	assert.Equal(t, ModePolling, check.Mode())

	advanceUntil(t, mock, time.Second, func() bool { return pc.Calls() >= 1 })
	assert.Equal(t, StatePending, check.State())

	pc.setAudioSent(12)
	advanceUntil(t, mock, time.Second, func() bool { return check.State() == StateResolved })

	require.NoError(t, check.Wait(context.Background()))
	assert.NoError(t, check.Err())
}

func TestPolling_RejectsWhenBudgetExhausted(t *testing.T) {
	mock := clock.NewMock()
	pc := &fakePC{}
	call := NewCall("call-2")
	call.SetMediaHandler(fakeHandler{pc: pc}, false)

	check := NewMonitor(Capabilities{}, WithClock(mock)).Check(call, fastOptions)

	advanceUntil(t, mock, time.Second, func() bool { return check.State() == StateRejected })

	assert.ErrorIs(t, check.Err(), ErrNoAudio)
	assert.Equal(t, 3, pc.Calls())

	// Таймеров больше нет
	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 3, pc.Calls())
}

func TestPolling_IgnoresVideoStreams(t *testing.T) {
	mock := clock.NewMock()
	pc := &fakePC{report: webrtc.StatsReport{
		"out-video": webrtc.OutboundRTPStreamStats{
			Type:        webrtc.StatsTypeOutboundRTP,
			Kind:        "video",
			PacketsSent: 100,
		},
	}}
	call := NewCall("call-3")
	call.SetMediaHandler(fakeHandler{pc: pc}, false)

	check := NewMonitor(Capabilities{}, WithClock(mock)).Check(call, fastOptions)

	advanceUntil(t, mock, time.Second, func() bool { return check.State() != StatePending })
	assert.ErrorIs(t, check.Err(), ErrNoAudio)
}

func TestPolling_TerminationCancelsCheck(t *testing.T) {
	mock := clock.NewMock()
	pc := &fakePC{}
	call := NewCall("call-4")
	call.SetMediaHandler(fakeHandler{pc: pc}, false)

	check := NewMonitor(Capabilities{}, WithClock(mock)).Check(call, fastOptions)
	call.Terminate()

	mock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, StateCancelled, check.State())
	assert.Zero(t, pc.Calls())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, check.Wait(ctx), context.DeadlineExceeded)
}

func TestPolling_InFlightResultDroppedAfterTermination(t *testing.T) {
	mock := clock.NewMock()
	pc := &fakePC{gate: make(chan struct{})}
	pc.setAudioSent(50)
	call := NewCall("call-5")
	call.SetMediaHandler(fakeHandler{pc: pc}, false)

	check := NewMonitor(Capabilities{}, WithClock(mock)).Check(call, fastOptions)

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return pc.Calls() == 1 }, time.Second, 5*time.Millisecond)

	call.Terminate()
	close(pc.gate)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateCancelled, check.State())
	select {
	case <-check.Done():
		t.Fatal("cancelled check must not complete")
	default:
	}
}

func TestNative_ResolvesOnConnected(t *testing.T) {
	pc := newFakeStatePC()
	call := NewCall("call-6")
	call.SetMediaHandler(fakeHandler{pc: pc}, false)

	check := NewMonitor(Capabilities{NativeConnectionState: true}).Check(call, Options{})
	assert.Equal(t, ModeNative, check.Mode())
	assert.Equal(t, StatePending, check.State())

	pc.setState(webrtc.PeerConnectionStateConnecting)
	assert.Equal(t, StatePending, check.State())

	pc.setState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StateResolved, check.State())
	assert.Zero(t, pc.observerCount())
	assert.Zero(t, pc.Calls())
}

func TestNative_RejectsOnFailed(t *testing.T) {
	pc := newFakeStatePC()
	call := NewCall("call-7")
	call.SetMediaHandler(fakeHandler{pc: pc}, false)

	check := NewMonitor(Capabilities{NativeConnectionState: true}).Check(call, Options{})
	pc.setState(webrtc.PeerConnectionStateFailed)

	assert.ErrorIs(t, check.Wait(context.Background()), ErrMediaFailed)
	assert.Equal(t, StateRejected, check.State())
}

func TestNative_AlreadyConnected(t *testing.T) {
	pc := newFakeStatePC()
	pc.setState(webrtc.PeerConnectionStateConnected)
	call := NewCall("call-8")
	call.SetMediaHandler(fakeHandler{pc: pc}, false)

	check := NewMonitor(Capabilities{NativeConnectionState: true}).Check(call, Options{})

	assert.Equal(t, StateResolved, check.State())
	assert.Zero(t, pc.observerCount())
}

func TestNative_TerminationDetachesObserver(t *testing.T) {
	pc := newFakeStatePC()
	call := NewCall("call-9")
	call.SetMediaHandler(fakeHandler{pc: pc}, false)

	check := NewMonitor(Capabilities{NativeConnectionState: true}).Check(call, Options{})
	require.Equal(t, 1, pc.observerCount())

	call.Terminate()
	pc.setState(webrtc.PeerConnectionStateConnected)

	assert.Equal(t, StateCancelled, check.State())
	assert.Zero(t, pc.observerCount())
}

func TestNativeCapabilityWithoutSignalFallsBackToPolling(t *testing.T) {
	mock := clock.NewMock()
	pc := &fakePC{}
	call := NewCall("call-10")
	call.SetMediaHandler(fakeHandler{pc: pc}, false)

	check := NewMonitor(Capabilities{NativeConnectionState: true}, WithClock(mock)).Check(call, fastOptions)
	defer check.Stop()

	assert.Equal(t, ModePolling, check.Mode())
}

func TestNoPeerConnectionRejectsImmediately(t *testing.T) {
	call := NewCall("call-11")
	call.SetMediaHandler(fakeHandler{}, false)

	check := NewMonitor(Capabilities{}).Check(call, Options{})

	select {
	case <-check.Done():
	default:
		t.Fatal("check must be completed")
	}
	assert.ErrorIs(t, check.Err(), ErrNoPeerConnection)
}

func TestAttachesOnFinalMediaHandler(t *testing.T) {
	pc := newFakeStatePC()
	call := NewCall("call-12")

	check := NewMonitor(Capabilities{NativeConnectionState: true}).Check(call, Options{})
	assert.Empty(t, check.Mode())

	call.SetMediaHandler(fakeHandler{pc: pc}, true)
	assert.Empty(t, check.Mode())
	assert.Zero(t, pc.observerCount())

	call.SetMediaHandler(fakeHandler{pc: pc}, false)
	assert.Equal(t, ModeNative, check.Mode())
	assert.Equal(t, 1, pc.observerCount())

	// Повторное событие не подключает проверку второй раз
	call.SetMediaHandler(fakeHandler{pc: pc}, false)
	assert.Equal(t, 1, pc.observerCount())

	pc.setState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StateResolved, check.State())
}

func TestCheckOnTerminatedCall(t *testing.T) {
	call := NewCall("call-13")
	call.Terminate()

	check := NewMonitor(Capabilities{}).Check(call, Options{})
	call.SetMediaHandler(fakeHandler{pc: &fakePC{}}, false)

	assert.Equal(t, StateCancelled, check.State())
	assert.Empty(t, check.Mode())
}

func TestCall_ObserversInOrder(t *testing.T) {
	call := NewCall("call-14")

	var order []string
	call.OnMediaHandler(func(MediaHandler, bool) { order = append(order, "first") })
	remove := call.OnMediaHandler(func(MediaHandler, bool) { order = append(order, "removed") })
	call.OnMediaHandler(func(MediaHandler, bool) { order = append(order, "second") })
	remove()

	call.SetMediaHandler(fakeHandler{}, false)
	assert.Equal(t, []string{"first", "second"}, order)

	var terminated int
	call.OnTerminated(func() { terminated++ })
	call.Terminate()
	call.Terminate()
	assert.Equal(t, 1, terminated)
	assert.True(t, call.Terminated())

	call.OnTerminated(func() { terminated++ })
	assert.Equal(t, 2, terminated)
}

func TestOutboundAudioPackets(t *testing.T) {
	report := webrtc.StatsReport{
		"a1": webrtc.OutboundRTPStreamStats{Kind: "audio", PacketsSent: 3},
		"a2": &webrtc.OutboundRTPStreamStats{Kind: "audio", PacketsSent: 4},
		"v1": webrtc.OutboundRTPStreamStats{Kind: "video", PacketsSent: 100},
		"in": webrtc.InboundRTPStreamStats{Kind: "audio", PacketsReceived: 7},
	}

	assert.Equal(t, uint64(7), OutboundAudioPackets(report))
	assert.Zero(t, OutboundAudioPackets(webrtc.StatsReport{}))
}
