package main

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/arzzra/phone_link/pkg/client"
	"github.com/arzzra/phone_link/pkg/media_handler"
	"github.com/arzzra/phone_link/pkg/media_health"
)

const frameDuration = 20 * time.Millisecond

// runAudioSelfTest соединяет два локальных PeerConnection, отправляет
// тишину и проверяет звонок через client.CheckAudio
func runAudioSelfTest(ctx context.Context, cl client.Client) error {
	cfg := media_handler.Config{WebRTC: webrtc.Configuration{}}

	caller, err := media_handler.NewPeerHandler(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer caller.Close()

	callee, err := media_handler.NewPeerHandler(cfg, log.Logger)
	if err != nil {
		return err
	}
	defer callee.Close()

	call := media_health.NewCall(uuid.NewString())
	defer call.Terminate()

	// Проверка ждет окончательного обработчика
	check := cl.CheckAudio(call, media_health.Options{})
	call.SetMediaHandler(caller, true)

	offer, err := caller.CreateOffer()
	if err != nil {
		return err
	}
	answer, err := callee.CreateAnswer(offer)
	if err != nil {
		return err
	}
	if err := caller.ApplyAnswer(answer); err != nil {
		return err
	}
	call.SetMediaHandler(caller, false)

	ticker := clock.New().Ticker(frameDuration)
	defer ticker.Stop()

	frame := media_handler.SilenceFrame(frameDuration)
	for {
		select {
		case <-check.Done():
			return errors.Wrapf(check.Err(), "audio check (%s)", check.Mode())
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := caller.Audio().WriteFrame(frame); err != nil {
				return err
			}
		}
	}
}
