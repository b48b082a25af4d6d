package media_handler

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/phone_link/pkg/media_health"
)

// TrackObserver получает удаленные треки
type TrackObserver func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

type stateEntry struct {
	id uint64
	fn func(webrtc.PeerConnectionState)
}

type trackEntry struct {
	id uint64
	fn TrackObserver
}

// Config параметры обработчика
type Config struct {
	WebRTC webrtc.Configuration

	// StripPrivateCandidates удалять из локального SDP кандидатов
	// с приватными IPv4 адресами
	StripPrivateCandidates bool
}

// DefaultConfig возвращает конфигурацию с публичным STUN сервером
func DefaultConfig() Config {
	return Config{
		WebRTC: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
	}
}

// PeerHandler - медиа обработчик звонка поверх pion PeerConnection
type PeerHandler struct {
	pc    *webrtc.PeerConnection
	cfg   Config
	log   zerolog.Logger
	audio *AudioTrack

	mu     sync.Mutex
	nextID uint64
	states []stateEntry
	tracks []trackEntry
}

// NewPeerHandler создает PeerConnection с аудио трансивером sendrecv
func NewPeerHandler(cfg Config, log zerolog.Logger) (*PeerHandler, error) {
	pc, err := webrtc.NewPeerConnection(cfg.WebRTC)
	if err != nil {
		return nil, errors.Wrap(err, "create peer connection")
	}

	h := Wrap(pc, cfg, log)

	audio, err := NewAudioTrack("audio", "phone_link")
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(audio.Track()); err != nil {
		_ = pc.Close()
		return nil, errors.Wrap(err, "add audio track")
	}
	h.audio = audio

	return h, nil
}

// Wrap подключает обработчик к существующему соединению. pc может быть nil:
// такой обработчик сообщает об отсутствии соединения.
func Wrap(pc *webrtc.PeerConnection, cfg Config, log zerolog.Logger) *PeerHandler {
	h := &PeerHandler{
		pc:  pc,
		cfg: cfg,
		log: log.With().Str("component", "media-handler").Logger(),
	}
	if pc != nil {
		pc.OnConnectionStateChange(h.dispatchState)
		pc.OnTrack(h.dispatchTrack)
	}
	return h
}

// PeerConnection реализует media_health.MediaHandler
func (h *PeerHandler) PeerConnection() media_health.PeerConnection {
	if h.pc == nil {
		return nil
	}
	return h
}

// Raw исходное pion соединение
func (h *PeerHandler) Raw() *webrtc.PeerConnection {
	return h.pc
}

// Audio локальный аудио трек или nil
func (h *PeerHandler) Audio() *AudioTrack {
	return h.audio
}

// GetStats реализует media_health.PeerConnection
func (h *PeerHandler) GetStats() webrtc.StatsReport {
	return h.pc.GetStats()
}

// ConnectionState реализует media_health.ConnectionStateSource
func (h *PeerHandler) ConnectionState() webrtc.PeerConnectionState {
	return h.pc.ConnectionState()
}

// AddConnectionStateObserver реализует media_health.ConnectionStateSource
func (h *PeerHandler) AddConnectionStateObserver(fn func(webrtc.PeerConnectionState)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.states = append(h.states, stateEntry{id: id, fn: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, s := range h.states {
			if s.id == id {
				h.states = append(h.states[:i:i], h.states[i+1:]...)
				return
			}
		}
	}
}

// OnTrack добавляет наблюдателя удаленных треков
func (h *PeerHandler) OnTrack(fn TrackObserver) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID
	h.tracks = append(h.tracks, trackEntry{id: id, fn: fn})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, t := range h.tracks {
			if t.id == id {
				h.tracks = append(h.tracks[:i:i], h.tracks[i+1:]...)
				return
			}
		}
	}
}

// CreateOffer создает offer, применяет его локально и ждет сбора кандидатов
func (h *PeerHandler) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := h.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "create offer")
	}
	return h.applyLocal(offer)
}

// CreateAnswer применяет удаленный offer и создает answer
func (h *PeerHandler) CreateAnswer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := h.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "set remote offer")
	}
	answer, err := h.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "create answer")
	}
	return h.applyLocal(answer)
}

// ApplyAnswer применяет удаленный answer
func (h *PeerHandler) ApplyAnswer(answer webrtc.SessionDescription) error {
	return errors.Wrap(h.pc.SetRemoteDescription(answer), "set remote answer")
}

func (h *PeerHandler) applyLocal(desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	gatherComplete := webrtc.GatheringCompletePromise(h.pc)
	if err := h.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, errors.Wrap(err, "set local description")
	}
	<-gatherComplete

	local := h.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, errors.New("local description is empty")
	}
	if !h.cfg.StripPrivateCandidates {
		return *local, nil
	}
	return StripPrivateCandidates(*local)
}

// Close закрывает соединение
func (h *PeerHandler) Close() error {
	if h.pc == nil {
		return nil
	}
	return h.pc.Close()
}

func (h *PeerHandler) dispatchState(state webrtc.PeerConnectionState) {
	h.log.Debug().Str("peer_connection_state", state.String()).Msg("Peer state")

	h.mu.Lock()
	observers := make([]stateEntry, len(h.states))
	copy(observers, h.states)
	h.mu.Unlock()

	for _, o := range observers {
		o.fn(state)
	}
}

func (h *PeerHandler) dispatchTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	h.log.Info().
		Str("kind", track.Kind().String()).
		Str("track_id", track.ID()).
		Msg("Remote track received")

	h.mu.Lock()
	observers := make([]trackEntry, len(h.tracks))
	copy(observers, h.tracks)
	h.mu.Unlock()

	for _, o := range observers {
		o.fn(track, receiver)
	}
}
