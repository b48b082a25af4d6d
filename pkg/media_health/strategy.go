package media_health

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

// Режимы обнаружения аудио для логов и метрик
const (
	ModeNative  = "native"
	ModePolling = "polling"
)

// Strategy решает, идет ли аудио по соединению.
//
// Start вызывает settle не более одного раза по существу: nil при
// обнаружении аудио, ошибку при провале. Повторные вызовы settle
// безопасны и игнорируются проверкой. Возвращаемая функция останавливает
// наблюдение, после нее settle не вызывается.
type Strategy interface {
	Mode() string
	Start(pc PeerConnection, settle func(error)) (stop func())
}

// NativeSignalStrategy использует агрегированное состояние соединения
type NativeSignalStrategy struct{}

// Mode реализует Strategy
func (NativeSignalStrategy) Mode() string {
	return ModeNative
}

// Start реализует Strategy
func (NativeSignalStrategy) Start(pc PeerConnection, settle func(error)) func() {
	src, ok := pc.(ConnectionStateSource)
	if !ok {
		settle(errors.Wrap(ErrMediaFailed, "connection state signal unavailable"))
		return func() {}
	}

	var (
		mu      sync.Mutex
		stopped bool
	)
	handle := func(state webrtc.PeerConnectionState) {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		mu.Unlock()

		switch state {
		case webrtc.PeerConnectionStateConnected:
			settle(nil)
		case webrtc.PeerConnectionStateFailed:
			settle(ErrMediaFailed)
		}
	}

	remove := src.AddConnectionStateObserver(handle)
	handle(src.ConnectionState())

	return func() {
		mu.Lock()
		stopped = true
		mu.Unlock()
		remove()
	}
}

// PollingStrategy опрашивает статистику исходящего RTP
type PollingStrategy struct {
	Interval time.Duration
	Timeout  time.Duration
	Clock    clock.Clock
}

// Mode реализует Strategy
func (p *PollingStrategy) Mode() string {
	return ModePolling
}

// Start реализует Strategy. Первый опрос выполняется через Interval,
// каждый пустой опрос уменьшает оставшийся бюджет Timeout на Interval.
func (p *PollingStrategy) Start(pc PeerConnection, settle func(error)) func() {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}

	var (
		mu      sync.Mutex
		stopped bool
		timer   *clock.Timer
		left    = p.Timeout
		tick    func()
	)

	tick = func() {
		mu.Lock()
		if stopped {
			mu.Unlock()
			return
		}
		mu.Unlock()

		sent := OutboundAudioPackets(pc.GetStats())

		mu.Lock()
		if stopped {
			// Звонок завершен во время опроса
			mu.Unlock()
			return
		}
		var (
			done   bool
			result error
		)
		if sent > 0 {
			done = true
		} else {
			left -= p.Interval
			if left <= 0 {
				done = true
				result = ErrNoAudio
			} else {
				timer = clk.AfterFunc(p.Interval, tick)
			}
		}
		if done {
			stopped = true
			timer = nil
		}
		mu.Unlock()

		if done {
			settle(result)
		}
	}

	mu.Lock()
	timer = clk.AfterFunc(p.Interval, tick)
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		stopped = true
		if timer != nil {
			timer.Stop()
			timer = nil
		}
	}
}

// OutboundAudioPackets суммирует PacketsSent всех исходящих аудио потоков
func OutboundAudioPackets(report webrtc.StatsReport) uint64 {
	var total uint64
	for _, s := range report {
		switch st := s.(type) {
		case webrtc.OutboundRTPStreamStats:
			if st.Kind == "audio" {
				total += uint64(st.PacketsSent)
			}
		case *webrtc.OutboundRTPStreamStats:
			if st != nil && st.Kind == "audio" {
				total += uint64(st.PacketsSent)
			}
		}
	}
	return total
}
