package sipevents

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// RequestHandlers receive the outcome of a client transaction. Fields may
// be nil; nil handlers are skipped.
type RequestHandlers struct {
	// OnAuthenticated fires after the transactor answered a digest
	// challenge and re-sent the request with a bumped CSeq, so the owner
	// can advance its own sequence counter.
	OnAuthenticated   func()
	OnRequestTimeout  func()
	OnTransportError  func()
	OnReceiveResponse func(*IncomingResponse)
}

// Transactor sends a request and reports its outcome asynchronously
// through handlers. Implementations own retransmission and the single
// authentication retry; the subscription core never retries.
type Transactor interface {
	SendRequest(req *sip.Request, handlers *RequestHandlers, cred *Credential)
}

// Transport delivers a serialized SIP message to the peer.
type Transport interface {
	Send(msg sip.Message) error
}

type clientTx struct {
	req         *sip.Request
	handlers    *RequestHandlers
	cred        *Credential
	timer       Timer
	authRetried bool
}

// ClientTransactor correlates requests with the responses fed into
// ReceiveResponse, arms a response timeout per request, and answers one
// digest challenge per request when a credential is configured.
type ClientTransactor struct {
	transport Transport
	clock     Clock
	logger    *slog.Logger
	mu        sync.Mutex
	pending   map[string]*clientTx
}

// ClientTransactorOptions configure a ClientTransactor.
type ClientTransactorOptions struct {
	Clock  Clock
	Logger *slog.Logger
}

// NewClientTransactor creates a transactor sending through transport.
func NewClientTransactor(transport Transport, opts ...func(*ClientTransactorOptions)) *ClientTransactor {
	options := ClientTransactorOptions{
		Clock: NewWallClock(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}

	return &ClientTransactor{
		transport: transport,
		clock:     options.Clock,
		logger:    options.Logger,
		pending:   make(map[string]*clientTx),
	}
}

func transactionKey(callID string, seq uint32, method sip.RequestMethod) string {
	return fmt.Sprintf("%s|%d|%s", callID, seq, method)
}

func requestKey(req *sip.Request) (string, bool) {
	callID := req.CallID()
	cseq := req.CSeq()
	if callID == nil || cseq == nil {
		return "", false
	}
	return transactionKey(callID.Value(), cseq.SeqNo, cseq.MethodName), true
}

func responseKey(res *sip.Response) (string, bool) {
	callID := res.CallID()
	cseq := res.CSeq()
	if callID == nil || cseq == nil {
		return "", false
	}
	return transactionKey(callID.Value(), cseq.SeqNo, cseq.MethodName), true
}

// SendRequest implements Transactor.
func (t *ClientTransactor) SendRequest(req *sip.Request, handlers *RequestHandlers, cred *Credential) {
	if handlers == nil {
		handlers = &RequestHandlers{}
	}

	key, ok := requestKey(req)
	if !ok {
		t.logger.Error("Request is missing Call-ID or CSeq, dropping",
			"method", string(req.Method))
		if handlers.OnTransportError != nil {
			handlers.OnTransportError()
		}
		return
	}

	tx := &clientTx{req: req, handlers: handlers, cred: cred}
	t.track(key, tx)

	if err := t.transport.Send(req); err != nil {
		t.logger.Warn("Transport send failed",
			"method", string(req.Method),
			"error", err)
		t.untrack(key)
		if handlers.OnTransportError != nil {
			handlers.OnTransportError()
		}
	}
}

func (t *ClientTransactor) track(key string, tx *clientTx) {
	t.mu.Lock()
	t.pending[key] = tx
	t.mu.Unlock()

	tx.timer = t.clock.AfterFunc(requestTimeout, func() {
		if tx, ok := t.untrack(key); ok && tx.handlers.OnRequestTimeout != nil {
			tx.handlers.OnRequestTimeout()
		}
	})
}

func (t *ClientTransactor) untrack(key string) (*clientTx, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx, ok := t.pending[key]
	if !ok {
		return nil, false
	}
	delete(t.pending, key)
	if tx.timer != nil {
		tx.timer.Stop()
	}
	return tx, true
}

// ReceiveResponse dispatches an inbound response to its pending request.
// It reports whether a matching transaction was found.
func (t *ClientTransactor) ReceiveResponse(res *sip.Response) bool {
	key, ok := responseKey(res)
	if !ok {
		t.logger.Warn("Response is missing Call-ID or CSeq, dropping",
			"status", res.StatusCode)
		return false
	}

	if res.StatusCode < 200 {
		t.mu.Lock()
		_, ok := t.pending[key]
		t.mu.Unlock()
		t.logger.Debug("Provisional response", "status", res.StatusCode)
		return ok
	}

	tx, ok := t.untrack(key)
	if !ok {
		return false
	}

	incoming := NewIncomingResponse(res)
	if incoming.IsAuthChallenge() && tx.cred != nil && !tx.authRetried {
		if t.resendWithAuth(tx, res) {
			return true
		}
	}

	if tx.handlers.OnReceiveResponse != nil {
		tx.handlers.OnReceiveResponse(incoming)
	}
	return true
}

// resendWithAuth answers a 401/407 once. Reports whether the response was
// handled here: false when the challenge cannot be answered, so the
// challenge response falls through to the owner unchanged; a failed
// re-send is reported through OnTransportError instead.
func (t *ClientTransactor) resendWithAuth(tx *clientTx, res *sip.Response) bool {
	if err := authorizeRequest(tx.req, res, tx.cred); err != nil {
		t.logger.Warn("Failed to answer challenge", "error", err)
		return false
	}

	cseq := tx.req.CSeq()
	cseq.SeqNo++
	tx.authRetried = true

	key, _ := requestKey(tx.req)
	t.track(key, tx)

	if err := t.transport.Send(tx.req); err != nil {
		t.logger.Warn("Transport send failed on auth retry", "error", err)
		t.untrack(key)
		if tx.handlers.OnTransportError != nil {
			tx.handlers.OnTransportError()
		}
		return true
	}

	if tx.handlers.OnAuthenticated != nil {
		tx.handlers.OnAuthenticated()
	}
	return true
}
