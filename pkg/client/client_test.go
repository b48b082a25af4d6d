package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/phone_link/pkg/media_health"
	"github.com/arzzra/phone_link/pkg/transport"
)

type stubEngine struct {
	mu            sync.Mutex
	calls         []string
	unregisterErr error
}

func (e *stubEngine) record(call string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, call)
}

func (e *stubEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *stubEngine) Connect(ctx context.Context) error {
	e.record("connect")
	return nil
}

func (e *stubEngine) Register(ctx context.Context) error {
	e.record("register")
	return nil
}

func (e *stubEngine) Unregister(ctx context.Context) error {
	e.record("unregister")
	return e.unregisterErr
}

func (e *stubEngine) Stop(ctx context.Context) error {
	e.record("stop")
	return nil
}

func (e *stubEngine) Ping(ctx context.Context) error { return nil }

func (e *stubEngine) DropConnection(ctx context.Context) error { return nil }

func (e *stubEngine) OnConnectionLost(fn func(err error)) {}

type statsPC struct {
	sent uint32
}

func (p statsPC) GetStats() webrtc.StatsReport {
	return webrtc.StatsReport{
		"out": webrtc.OutboundRTPStreamStats{
			Type:        webrtc.StatsTypeOutboundRTP,
			Kind:        "audio",
			PacketsSent: p.sent,
		},
	}
}

type handler struct {
	pc media_health.PeerConnection
}

func (h handler) PeerConnection() media_health.PeerConnection { return h.pc }

var testCaps = Capabilities{MediaEngine: true}

func newClient(t *testing.T, engine *stubEngine, register bool, opts ...Option) Client {
	t.Helper()
	base := []Option{
		WithCapabilities(testCaps),
		WithClock(clock.NewMock()),
		WithLogger(zerolog.Nop()),
		WithEngineFactory(func(zerolog.Logger) (transport.Engine, error) {
			return engine, nil
		}),
		WithConfig(Config{
			Transport: transport.Config{Register: register},
			Audio:     media_health.Options{CheckInterval: time.Second, NoAudioTimeout: 3 * time.Second},
		}),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return c
}

func TestNew_UnsupportedEnvironment(t *testing.T) {
	_, err := New(
		WithCapabilities(Capabilities{}),
		WithEngineFactory(func(zerolog.Logger) (transport.Engine, error) { return &stubEngine{}, nil }),
	)
	assert.ErrorIs(t, err, ErrUnsupportedEnvironment)
	assert.EqualError(t, err, "unsupported_environment")
}

func TestNew_RequiresFactory(t *testing.T) {
	_, err := New(WithCapabilities(testCaps))
	assert.ErrorIs(t, err, ErrNoEngineFactory)
}

func TestDetectCapabilities(t *testing.T) {
	caps := DetectCapabilities()
	assert.True(t, caps.MediaEngine)
	assert.True(t, caps.NativeConnectionState)
}

func TestConnectDisconnect_StatusOrder(t *testing.T) {
	engine := &stubEngine{}
	c := newClient(t, engine, true)

	var mu sync.Mutex
	var statuses []transport.ConnectionStatus
	c.OnStatusUpdate(func(s transport.ConnectionStatus) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, transport.StatusConnected, c.Status())

	require.NoError(t, c.Disconnect(context.Background()))
	assert.Equal(t, transport.StatusDisconnected, c.Status())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []transport.ConnectionStatus{
		transport.StatusConnecting,
		transport.StatusConnected,
		transport.StatusDisconnecting,
		transport.StatusDisconnected,
	}, statuses)
	assert.Equal(t, []string{"connect", "register", "unregister", "stop"}, engine.Calls())
}

func TestDisconnect_UnregisterFailureTolerated(t *testing.T) {
	engine := &stubEngine{unregisterErr: errors.New("503 Service Unavailable")}
	c := newClient(t, engine, true)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))

	assert.Equal(t, transport.StatusDisconnected, c.Status())
	assert.Contains(t, engine.Calls(), "stop")
}

func TestDisconnect_SkipsUnregisterWithoutRegistration(t *testing.T) {
	engine := &stubEngine{}
	c := newClient(t, engine, false)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))

	assert.Equal(t, []string{"connect", "stop"}, engine.Calls())
}

func TestDisconnectWith_ExplicitOptions(t *testing.T) {
	engine := &stubEngine{}
	c := newClient(t, engine, true)

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.DisconnectWith(context.Background(), transport.DisconnectOptions{HasRegistered: false}))

	assert.NotContains(t, engine.Calls(), "unregister")
}

func TestDisconnect_AlreadyDisconnected(t *testing.T) {
	engine := &stubEngine{}
	c := newClient(t, engine, true)

	var events int
	c.OnStatusUpdate(func(transport.ConnectionStatus) { events++ })

	require.NoError(t, c.Disconnect(context.Background()))
	require.NoError(t, c.Disconnect(context.Background()))

	assert.Zero(t, events)
	assert.Empty(t, engine.Calls())
}

func TestCheckAudio_UsesConfiguredOptions(t *testing.T) {
	mock := clock.NewMock()
	c := newClient(t, &stubEngine{}, false, WithClock(mock))

	call := media_health.NewCall("call-1")
	call.SetMediaHandler(handler{pc: statsPC{sent: 0}}, false)

	check := c.CheckAudio(call, media_health.Options{})
	assert.Equal(t, media_health.ModePolling, check.Mode())

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return check.State() == media_health.StateRejected
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, check.Err(), media_health.ErrNoAudio)
}

func TestCheckAudio_Resolves(t *testing.T) {
	mock := clock.NewMock()
	c := newClient(t, &stubEngine{}, false, WithClock(mock))

	call := media_health.NewCall("call-2")
	call.SetMediaHandler(handler{pc: statsPC{sent: 5}}, false)

	check := c.CheckAudio(call, media_health.Options{})

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		return check.State() == media_health.StateResolved
	}, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, check.Wait(context.Background()))
}

func TestCheckAudio_NoPeerConnection(t *testing.T) {
	c := newClient(t, &stubEngine{}, false)

	call := media_health.NewCall("call-3")
	call.SetMediaHandler(handler{}, false)

	check := c.CheckAudio(call, media_health.Options{})

	assert.Equal(t, media_health.StateRejected, check.State())
	assert.ErrorIs(t, check.Err(), media_health.ErrNoPeerConnection)
}

func TestConfigIsCopy(t *testing.T) {
	c := newClient(t, &stubEngine{}, true)

	cfg := c.Config()
	cfg.Transport.Register = false
	cfg.Audio.NoAudioTimeout = time.Hour

	assert.True(t, c.Config().Transport.Register)
	assert.Equal(t, 3*time.Second, c.Config().Audio.NoAudioTimeout)
	assert.Equal(t, testCaps, c.Capabilities())
}
