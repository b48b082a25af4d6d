package sip_engine

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/pkg/errors"
)

// newRequest собирает запрос с общими заголовками сессии
func (e *Engine) newRequest(method sip.RequestMethod, recipient, to sip.Uri, callID string, cseq uint32) *sip.Request {
	req := sip.NewRequest(method, recipient)

	from := &sip.FromHeader{
		DisplayName: e.cfg.DisplayName,
		Address:     e.aor,
		Params:      sip.NewParams(),
	}
	from.Params = from.Params.Add("tag", e.fromTag)
	req.AppendHeader(from)

	req.AppendHeader(&sip.ToHeader{
		Address: to,
		Params:  sip.NewParams(),
	})

	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: cseq, MethodName: method})

	mf := sip.MaxForwardsHeader(maxForwards)
	req.AppendHeader(&mf)

	req.AppendHeader(sip.NewHeader("User-Agent", e.cfg.UserAgent))
	req.SetTransport(e.transport)

	return req
}

// optionsRequest - проба живости. Request-URI - регистратор,
// From и To - адрес абонента.
func (e *Engine) optionsRequest(cseq uint32) *sip.Request {
	return e.newRequest(sip.OPTIONS, e.registrar, e.aor, uuid.NewString(), cseq)
}

// registerRequest - REGISTER с постоянным Call-ID сессии
func (e *Engine) registerRequest(cseq uint32, expires time.Duration) *sip.Request {
	req := e.newRequest(sip.REGISTER, e.registrar, e.aor, e.regCallID, cseq)
	req.AppendHeader(&sip.ContactHeader{
		Address: e.contact,
		Params:  sip.NewParams(),
	})
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))
	return req
}

// subscribeRequest - SUBSCRIBE на пакет событий event
func (e *Engine) subscribeRequest(target sip.Uri, callID, event string, cseq uint32, expires time.Duration) *sip.Request {
	req := e.newRequest(sip.SUBSCRIBE, target, target, callID, cseq)
	req.AppendHeader(&sip.ContactHeader{
		Address: e.contact,
		Params:  sip.NewParams(),
	})
	req.AppendHeader(sip.NewHeader("Event", event))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(int(expires/time.Second))))
	return req
}

// authorize добавляет Authorization или Proxy-Authorization по вызову сервера
func (e *Engine) authorize(req *sip.Request, res *sip.Response) error {
	challengeHeader, authHeader := "WWW-Authenticate", "Authorization"
	if res.StatusCode == 407 {
		challengeHeader, authHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := res.GetHeader(challengeHeader)
	if h == nil {
		return errors.Errorf("%d response without %s", res.StatusCode, challengeHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return errors.Wrap(err, "parse digest challenge")
	}

	username := e.cfg.Username
	if username == "" {
		username = e.aor.User
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: username,
		Password: e.cfg.Password,
	})
	if err != nil {
		return errors.Wrap(err, "compute digest")
	}

	req.AppendHeader(sip.NewHeader(authHeader, cred.String()))
	return nil
}

func newTag() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
