package sipevents

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

// fakeClock drives timers deterministically from test code.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clk     *fakeClock
	when    time.Time
	fn      func()
	fired   bool
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	tm := &fakeTimer{clk: c, when: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, tm)
	return tm
}

func (t *fakeTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock forward, firing due timers in order. Timers
// armed by a firing callback are honored within the same advance.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		var next *fakeTimer
		for _, tm := range c.timers {
			if tm.fired || tm.stopped || tm.when.After(target) {
				continue
			}
			if next == nil || tm.when.Before(next.when) {
				next = tm
			}
		}
		if next == nil {
			break
		}

		c.now = next.when
		next.fired = true
		fn := next.fn

		c.mu.Unlock()
		fn()
		c.mu.Lock()
	}

	c.now = target
	c.mu.Unlock()
}

// pendingTimers counts timers that are armed and not yet fired.
func (c *fakeClock) pendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, tm := range c.timers {
		if !tm.fired && !tm.stopped {
			count++
		}
	}
	return count
}

// captureTransport records every sent message.
type captureTransport struct {
	mu   sync.Mutex
	sent []sip.Message
	err  error
}

func (tp *captureTransport) Send(msg sip.Message) error {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.err != nil {
		return tp.err
	}
	tp.sent = append(tp.sent, msg)
	return nil
}

func (tp *captureTransport) failWith(err error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	tp.err = err
}

func (tp *captureTransport) count() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.sent)
}

func (tp *captureTransport) message(i int) sip.Message {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.sent[i]
}

func (tp *captureTransport) last() sip.Message {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.sent[len(tp.sent)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParse(t *testing.T, raw string) sip.Message {
	t.Helper()
	msg, err := sip.NewParser().ParseSIP([]byte(raw))
	require.NoError(t, err)
	return msg
}

// reparse serializes and re-parses a message so typed header accessors
// work on it, the way they would after a network hop.
func reparse(t *testing.T, msg sip.Message) sip.Message {
	t.Helper()
	return mustParse(t, msg.String())
}

func newTestUA(t *testing.T, name string) (*UserAgent, *ClientTransactor, *captureTransport, *fakeClock) {
	t.Helper()

	clk := newFakeClock()
	tp := &captureTransport{}
	tx := NewClientTransactor(tp, func(o *ClientTransactorOptions) {
		o.Clock = clk
		o.Logger = discardLogger()
	})

	ua, err := NewUserAgent(tx, func(o *UserAgentOptions) {
		o.Contact = fmt.Sprintf("sip:%s@example.com;transport=ws", name)
		o.InstanceID = "urn:uuid:00000000-0000-0000-0000-00000000" + name[:2]
		o.AllowEvents = []string{"weather", "presence"}
		o.Clock = clk
		o.Logger = discardLogger()
	})
	require.NoError(t, err)

	return ua, tx, tp, clk
}

// respond builds a response to the i-th captured request and feeds it back
// into the transactor.
func respond(t *testing.T, tx *ClientTransactor, tp *captureTransport, i int,
	status int, reason string, mutate func(*sip.Response)) {
	t.Helper()

	req, ok := reparse(t, tp.message(i)).(*sip.Request)
	require.True(t, ok, "captured message %d is not a request", i)

	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if mutate != nil {
		mutate(res)
	}

	parsed, ok := reparse(t, res).(*sip.Response)
	require.True(t, ok)
	require.True(t, tx.ReceiveResponse(parsed), "no transaction matched the response")
}

// replyRecorder captures the responses a subscription sends to inbound
// requests.
type replyRecorder struct {
	mu        sync.Mutex
	responses []*sip.Response
}

func (r *replyRecorder) reply(res *sip.Response) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, res)
	return nil
}

func (r *replyRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

func (r *replyRecorder) last() *sip.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responses[len(r.responses)-1]
}

// rawRequest assembles a parseable SIP request from its parts.
func rawRequest(t *testing.T, method, ruri string, headers []string, body string) *sip.Request {
	t.Helper()

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s SIP/2.0\r\n", method, ruri)
	fmt.Fprintf(&b, "Via: SIP/2.0/WS client.example.com;branch=z9hG4bKtest%s\r\n", method)
	for _, h := range headers {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("\r\n")
	b.WriteString(body)

	req, ok := mustParse(t, b.String()).(*sip.Request)
	require.True(t, ok)
	return req
}

// incomingNotify builds the NOTIFY a peer notifier would send to a
// subscriber, with typed headers and a recording reply func.
func incomingNotify(t *testing.T, event, subscriptionState, contentType, body string) (*IncomingRequest, *replyRecorder) {
	t.Helper()

	headers := []string{
		"From: <sip:weather@example.com>;tag=ntag1",
		"To: <sip:alice@example.com>;tag=stag1",
		"Call-ID: notify-call-1",
		"CSeq: 1 NOTIFY",
		"Contact: <sip:weather@example.com;transport=ws>",
	}
	if event != "" {
		headers = append(headers, "Event: "+event)
	}
	if subscriptionState != "" {
		headers = append(headers, "Subscription-State: "+subscriptionState)
	}
	if contentType != "" {
		headers = append(headers, "Content-Type: "+contentType)
	}

	req := rawRequest(t, "NOTIFY", "sip:alice@example.com", headers, body)
	rec := &replyRecorder{}
	return NewIncomingRequest(req, rec.reply), rec
}

// incomingSubscribe builds the SUBSCRIBE a peer subscriber would send to a
// notifier.
func incomingSubscribe(t *testing.T, event string, expires int, contentType, body string, extra ...string) (*IncomingRequest, *replyRecorder) {
	t.Helper()

	headers := []string{
		"From: <sip:alice@example.com>;tag=stag1",
		"To: <sip:weather@example.com>",
		"Call-ID: subscribe-call-1",
		"CSeq: 1 SUBSCRIBE",
		"Contact: <sip:alice@example.com;transport=ws>",
		"Accept: application/text, text/plain",
	}
	if event != "" {
		headers = append(headers, "Event: "+event)
	}
	if expires >= 0 {
		headers = append(headers, fmt.Sprintf("Expires: %d", expires))
	}
	if contentType != "" {
		headers = append(headers, "Content-Type: "+contentType)
	}
	headers = append(headers, extra...)

	req := rawRequest(t, "SUBSCRIBE", "sip:weather@example.com", headers, body)
	rec := &replyRecorder{}
	return NewIncomingRequest(req, rec.reply), rec
}
