package media_handler

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

const (
	pcmuPayloadType = 0
	pcmuClockRate   = 8000
	// pcmuSilence - кодированная тишина G.711 μ-law
	pcmuSilence = 0xFF
)

// AudioTrack - локальный PCMU трек, в который пишутся RTP пакеты
type AudioTrack struct {
	track *webrtc.TrackLocalStaticRTP

	mu        sync.Mutex
	ssrc      uint32
	seq       uint16
	timestamp uint32
}

// NewAudioTrack создает трек PCMU 8000 Гц
func NewAudioTrack(id, streamID string) (*AudioTrack, error) {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypePCMU,
		ClockRate: pcmuClockRate,
		Channels:  1,
	}, id, streamID)
	if err != nil {
		return nil, errors.Wrap(err, "create audio track")
	}

	var seed [6]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, errors.Wrap(err, "generate ssrc")
	}

	return &AudioTrack{
		track: track,
		ssrc:  binary.BigEndian.Uint32(seed[:4]),
		seq:   binary.BigEndian.Uint16(seed[4:]),
	}, nil
}

// Track трек для добавления в PeerConnection
func (a *AudioTrack) Track() *webrtc.TrackLocalStaticRTP {
	return a.track
}

// SSRC источника
func (a *AudioTrack) SSRC() uint32 {
	return a.ssrc
}

// NextPacket собирает очередной RTP пакет с payload.
// Timestamp растет на число отсчетов предыдущего кадра.
func (a *AudioTrack) NextPacket(payload []byte) *rtp.Packet {
	a.mu.Lock()
	defer a.mu.Unlock()

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pcmuPayloadType,
			SequenceNumber: a.seq,
			Timestamp:      a.timestamp,
			SSRC:           a.ssrc,
		},
		Payload: payload,
	}
	a.seq++
	// Для PCMU один байт - один отсчет
	a.timestamp += uint32(len(payload))

	return packet
}

// WriteFrame отправляет кадр в трек
func (a *AudioTrack) WriteFrame(payload []byte) error {
	return errors.Wrap(a.track.WriteRTP(a.NextPacket(payload)), "write rtp")
}

// SilenceFrame возвращает кадр тишины длительностью d
func SilenceFrame(d time.Duration) []byte {
	samples := int(d * pcmuClockRate / time.Second)
	frame := make([]byte, samples)
	for i := range frame {
		frame[i] = pcmuSilence
	}
	return frame
}
