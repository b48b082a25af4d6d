package sip_engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/arzzra/phone_link/pkg/transport"
)

const (
	DefaultExpires   = 600 * time.Second
	DefaultUserAgent = "phone_link/1.0"
	maxForwards      = 70
)

var (
	// ErrClosed - движок остановлен
	ErrClosed = errors.New("sip engine is closed")

	// ErrNoResponse - транзакция завершилась без финального ответа
	ErrNoResponse = errors.New("transaction terminated without final response")
)

// StatusError - сервер ответил неуспешным финальным кодом
type StatusError struct {
	Method string
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Method, e.Code, e.Reason)
}

// Config параметры SIP учетной записи
type Config struct {
	// URI адрес абонента (AOR), например sip:alice@example.com
	URI string
	// Registrar адрес регистратора. Пусто - URI без user части.
	Registrar string

	Username    string
	Password    string
	DisplayName string
	UserAgent   string
	Expires     time.Duration

	// Transport udp, tcp, tls, ws или wss
	Transport string
	// Hostname для Via и Contact
	Hostname string
}

// Engine - SIP сессия поверх sipgo клиента
type Engine struct {
	cfg       Config
	log       zerolog.Logger
	aor       sip.Uri
	registrar sip.Uri
	contact   sip.Uri
	transport string

	// Call-ID и tag регистрации постоянны в пределах сессии
	regCallID string
	fromTag   string

	mu     sync.Mutex
	ua     *sipgo.UserAgent
	client *sipgo.Client
	cseq   uint32
	closed bool
	lost   []func(error)
}

var (
	_ transport.Engine     = (*Engine)(nil)
	_ transport.Subscriber = (*Engine)(nil)
)

// Factory возвращает фабрику движков для transport.New
func Factory(cfg Config) transport.EngineFactory {
	return func(log zerolog.Logger) (transport.Engine, error) {
		return New(cfg, log)
	}
}

// New разбирает адреса и создает движок. Сеть не используется до Connect.
func New(cfg Config, log zerolog.Logger) (*Engine, error) {
	if cfg.Expires <= 0 {
		cfg.Expires = DefaultExpires
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	e := &Engine{
		cfg:       cfg,
		log:       log.With().Str("component", "sip-engine").Logger(),
		transport: strings.ToUpper(cfg.Transport),
		regCallID: uuid.NewString(),
		fromTag:   newTag(),
	}

	if err := sip.ParseUri(cfg.URI, &e.aor); err != nil {
		return nil, errors.Wrapf(err, "parse uri %q", cfg.URI)
	}
	if e.aor.User == "" {
		return nil, errors.Errorf("uri %q has no user part", cfg.URI)
	}

	if cfg.Registrar != "" {
		if err := sip.ParseUri(cfg.Registrar, &e.registrar); err != nil {
			return nil, errors.Wrapf(err, "parse registrar %q", cfg.Registrar)
		}
	} else {
		e.registrar = *e.aor.Clone()
		e.registrar.User = ""
	}

	e.contact = sip.Uri{
		Scheme: e.aor.Scheme,
		User:   e.aor.User,
		Host:   cfg.Hostname,
	}

	return e, nil
}

// AOR адрес абонента
func (e *Engine) AOR() sip.Uri {
	return e.aor
}

// Connect создает sipgo клиента и проверяет доступность сервера пробой
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.client == nil {
		ua, err := sipgo.NewUA(
			sipgo.WithUserAgent(e.cfg.UserAgent),
			sipgo.WithUserAgentHostname(e.cfg.Hostname),
		)
		if err != nil {
			e.mu.Unlock()
			return errors.Wrap(err, "create user agent")
		}
		client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(e.cfg.Hostname))
		if err != nil {
			_ = ua.Close()
			e.mu.Unlock()
			return errors.Wrap(err, "create client")
		}
		e.ua = ua
		e.client = client
	}
	e.mu.Unlock()

	e.log.Debug().
		Str("registrar", e.registrar.String()).
		Str("transport", e.transport).
		Msg("Connecting")

	return errors.Wrap(e.Ping(ctx), "initial probe")
}

// Ping отправляет OPTIONS на регистратор. Любой финальный ответ - успех.
func (e *Engine) Ping(ctx context.Context) error {
	res, err := e.do(ctx, func(cseq uint32) *sip.Request {
		return e.optionsRequest(cseq)
	})
	if err != nil {
		return err
	}
	e.log.Debug().Int("status", int(res.StatusCode)).Msg("OPTIONS answered")
	return nil
}

// Register регистрирует абонента на cfg.Expires
func (e *Engine) Register(ctx context.Context) error {
	return e.register(ctx, e.cfg.Expires)
}

// Unregister снимает регистрацию (Expires: 0)
func (e *Engine) Unregister(ctx context.Context) error {
	return e.register(ctx, 0)
}

func (e *Engine) register(ctx context.Context, expires time.Duration) error {
	res, err := e.do(ctx, func(cseq uint32) *sip.Request {
		return e.registerRequest(cseq, expires)
	})
	if err != nil {
		return err
	}
	if !isSuccess(res) {
		return &StatusError{Method: "REGISTER", Code: int(res.StatusCode), Reason: res.Reason}
	}
	e.log.Info().Dur("expires", expires).Msg("REGISTER accepted")
	return nil
}

// OnConnectionLost реализует transport.Engine
func (e *Engine) OnConnectionLost(fn func(err error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lost = append(e.lost, fn)
}

// DropConnection закрывает транспорт и сообщает о потере связи
func (e *Engine) DropConnection(ctx context.Context) error {
	err := e.close()
	if errors.Is(err, ErrClosed) {
		return nil
	}

	e.mu.Lock()
	observers := make([]func(error), len(e.lost))
	copy(observers, e.lost)
	e.mu.Unlock()

	cause := errors.New("connection dropped")
	for _, fn := range observers {
		fn(cause)
	}
	return err
}

// Stop закрывает транспорт без уведомления наблюдателей
func (e *Engine) Stop(ctx context.Context) error {
	err := e.close()
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (e *Engine) close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.closed = true
	client, ua := e.client, e.ua
	e.client, e.ua = nil, nil
	e.mu.Unlock()

	var firstErr error
	if client != nil {
		if err := client.Close(); err != nil {
			firstErr = errors.Wrap(err, "close client")
		}
	}
	if ua != nil {
		if err := ua.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "close user agent")
		}
	}
	return firstErr
}

func (e *Engine) nextCSeq() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cseq++
	return e.cseq
}

func (e *Engine) currentClient() (*sipgo.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.client == nil {
		return nil, ErrClosed
	}
	return e.client, nil
}

// do отправляет запрос и при 401/407 повторяет его с авторизацией
func (e *Engine) do(ctx context.Context, build func(cseq uint32) *sip.Request) (*sip.Response, error) {
	client, err := e.currentClient()
	if err != nil {
		return nil, err
	}

	req := build(e.nextCSeq())
	res, err := e.send(ctx, client, req)
	if err != nil {
		return nil, err
	}

	if !needsAuth(res) || e.cfg.Password == "" {
		return res, nil
	}

	authReq := build(e.nextCSeq())
	if err := e.authorize(authReq, res); err != nil {
		return nil, err
	}
	return e.send(ctx, client, authReq)
}

// send ждет финального ответа транзакции
func (e *Engine) send(ctx context.Context, client *sipgo.Client, req *sip.Request) (*sip.Response, error) {
	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "send %s", req.Method)
	}
	defer tx.Terminate()

	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				return nil, errors.Wrapf(txError(tx), "%s", req.Method)
			}
			if res.StatusCode < 200 {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, errors.Wrapf(txError(tx), "%s", req.Method)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func txError(tx sip.ClientTransaction) error {
	if err := tx.Err(); err != nil {
		return err
	}
	return ErrNoResponse
}

func isSuccess(res *sip.Response) bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

func needsAuth(res *sip.Response) bool {
	return res.StatusCode == 401 || res.StatusCode == 407
}
