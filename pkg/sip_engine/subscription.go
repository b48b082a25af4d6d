package sip_engine

import (
	"context"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/arzzra/phone_link/pkg/transport"
)

const (
	// DefaultEvent пакет событий подписки
	DefaultEvent = "presence"
	// DefaultSubscribeExpires срок подписки
	DefaultSubscribeExpires = 3600 * time.Second
)

// Subscription - подписка, оформленная через SUBSCRIBE
type Subscription struct {
	engine *Engine
	target string
	uri    sip.Uri
	callID string
	event  string

	mu         sync.Mutex
	terminated bool
}

var _ transport.Subscription = (*Subscription)(nil)

// Subscribe оформляет подписку на события target (presence)
func (e *Engine) Subscribe(ctx context.Context, target string) (transport.Subscription, error) {
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return nil, errors.Wrapf(err, "parse target %q", target)
	}

	sub := &Subscription{
		engine: e,
		target: target,
		uri:    uri,
		callID: uuid.NewString(),
		event:  DefaultEvent,
	}

	if err := sub.send(ctx, DefaultSubscribeExpires); err != nil {
		return nil, err
	}

	e.log.Debug().Str("target", target).Msg("Subscribed")
	return sub, nil
}

// Target реализует transport.Subscription
func (s *Subscription) Target() string {
	return s.target
}

// Terminate отменяет подписку (Expires: 0). Повторный вызов ничего не делает.
func (s *Subscription) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	s.mu.Unlock()

	return s.send(ctx, 0)
}

func (s *Subscription) send(ctx context.Context, expires time.Duration) error {
	res, err := s.engine.do(ctx, func(cseq uint32) *sip.Request {
		return s.engine.subscribeRequest(s.uri, s.callID, s.event, cseq, expires)
	})
	if err != nil {
		return err
	}
	if !isSuccess(res) {
		return &StatusError{Method: "SUBSCRIBE", Code: int(res.StatusCode), Reason: res.Reason}
	}
	return nil
}
