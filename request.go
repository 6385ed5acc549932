package sipevents

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// ReplyFunc delivers a response built for an inbound request back to the
// transport that produced it.
type ReplyFunc func(res *sip.Response) error

// IncomingRequest wraps an inbound SIP request together with the plumbing
// to answer it. Subscriptions receive every in-dialog request in this form.
type IncomingRequest struct {
	*sip.Request

	reply   ReplyFunc
	mu      sync.Mutex
	replied bool
}

// NewIncomingRequest wraps req; reply is invoked at most once.
func NewIncomingRequest(req *sip.Request, reply ReplyFunc) *IncomingRequest {
	return &IncomingRequest{Request: req, reply: reply}
}

// ReplyOptions customize an outbound response.
type ReplyOptions struct {
	Headers []sip.Header
	Body    []byte
	ToTag   string
}

// Reply sends a response with the given status and reason. Only the first
// reply goes out; later calls are ignored.
func (r *IncomingRequest) Reply(status int, reason string, opts ...func(*ReplyOptions)) error {
	r.mu.Lock()
	if r.replied || r.reply == nil {
		r.mu.Unlock()
		return nil
	}
	r.replied = true
	r.mu.Unlock()

	options := ReplyOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	res := sip.NewResponseFromRequest(r.Request, status, reason, options.Body)
	for _, h := range options.Headers {
		res.AppendHeader(h)
	}
	if options.ToTag != "" {
		if to := res.To(); to != nil {
			if _, has := to.Params.Get("tag"); !has {
				to.Params.Add("tag", options.ToTag)
			}
		}
	}

	return r.reply(res)
}

// Replied reports whether a response has already been sent.
func (r *IncomingRequest) Replied() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replied
}

func (r *IncomingRequest) Ok(opts ...func(*ReplyOptions)) error {
	return r.Reply(sip.StatusOK, "OK", opts...)
}

func (r *IncomingRequest) BadRequest(reason string) error {
	return r.Reply(sip.StatusBadRequest, reason)
}

func (r *IncomingRequest) MethodNotAllowed() error {
	return r.Reply(sip.StatusMethodNotAllowed, "Method Not Allowed")
}

// BadEvent answers 489 (RFC 6665) for an Event header that does not match
// any subscription.
func (r *IncomingRequest) BadEvent() error {
	return r.Reply(489, "Bad Event")
}

// HasHeader checks if a header exists.
func (r *IncomingRequest) HasHeader(key string) bool {
	return r.GetHeader(key) != nil
}

// BodyString returns the request body as a string.
func (r *IncomingRequest) BodyString() string {
	return string(r.Body())
}

// ContentType returns the Content-Type header value, or "".
func (r *IncomingRequest) ContentType() string {
	if h := r.GetHeader("Content-Type"); h != nil {
		return h.Value()
	}
	return ""
}

// Expires returns the Expires header value when present and numeric.
func (r *IncomingRequest) Expires() (int, bool) {
	h := r.GetHeader("Expires")
	if h == nil {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(h.Value()))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Event parses the Event header. An absent header parses to the same
// sentinel error as a malformed one.
func (r *IncomingRequest) Event() (EventID, error) {
	h := r.GetHeader("Event")
	if h == nil {
		return EventID{}, ErrInvalidEventHeader
	}
	return ParseEventHeader(h.Value())
}

// SubscriptionState parses the Subscription-State header.
func (r *IncomingRequest) SubscriptionState() (SubscriptionState, error) {
	h := r.GetHeader("Subscription-State")
	if h == nil {
		return SubscriptionState{}, fmt.Errorf("missing Subscription-State header")
	}
	return ParseSubscriptionState(h.Value())
}

// FromTag returns the tag parameter of the From header.
func (r *IncomingRequest) FromTag() (string, bool) {
	if from := r.From(); from != nil {
		return from.Params.Get("tag")
	}
	return "", false
}

// ToTag returns the tag parameter of the To header.
func (r *IncomingRequest) ToTag() (string, bool) {
	if to := r.To(); to != nil {
		return to.Params.Get("tag")
	}
	return "", false
}

// CallIDValue returns the Call-ID header value, or "".
func (r *IncomingRequest) CallIDValue() string {
	if callID := r.CallID(); callID != nil {
		return callID.Value()
	}
	return ""
}

// ContactURI returns the URI of the first Contact header.
func (r *IncomingRequest) ContactURI() (sip.Uri, bool) {
	contacts := r.GetHeaders("Contact")
	if len(contacts) == 0 {
		return sip.Uri{}, false
	}
	if contact, ok := contacts[0].(*sip.ContactHeader); ok {
		return contact.Address, true
	}

	// Contact appended as a generic header; parse its value.
	value := contacts[0].Value()
	if start := strings.Index(value, "<"); start != -1 {
		if end := strings.Index(value[start:], ">"); end != -1 {
			value = value[start+1 : start+end]
		}
	}
	var u sip.Uri
	if err := sip.ParseUri(value, &u); err != nil {
		return sip.Uri{}, false
	}
	return u, true
}

// RequestParams describe an outbound request built against a dialog or a
// dialog-to-be. The zero CSeq is valid for the first request.
type RequestParams struct {
	Method      sip.RequestMethod
	Target      sip.Uri
	From        sip.Uri
	FromTag     string
	To          sip.Uri
	ToTag       string
	CallID      string
	CSeq        uint32
	RouteSet    []string
	Headers     []sip.Header
	Body        []byte
	ContentType string
}

// BuildRequest assembles a sip.Request from params. Call-ID and CSeq are
// appended as typed headers so transaction-layer accessors work on the
// outbound message as well.
func BuildRequest(p RequestParams) *sip.Request {
	req := sip.NewRequest(p.Method, p.Target)

	req.AppendHeader(sip.NewHeader("Via",
		fmt.Sprintf("SIP/2.0/WS %s;branch=z9hG4bK%s", p.From.Host, uuid.New().String())))

	fromValue := fmt.Sprintf("<%s>;tag=%s", p.From.String(), p.FromTag)
	req.AppendHeader(sip.NewHeader("From", fromValue))

	toValue := fmt.Sprintf("<%s>", p.To.String())
	if p.ToTag != "" {
		toValue += ";tag=" + p.ToTag
	}
	req.AppendHeader(sip.NewHeader("To", toValue))

	callID := sip.CallIDHeader(p.CallID)
	req.AppendHeader(&callID)

	req.AppendHeader(&sip.CSeqHeader{SeqNo: p.CSeq, MethodName: p.Method})
	req.AppendHeader(sip.NewHeader("Max-Forwards", "70"))

	for _, route := range p.RouteSet {
		req.AppendHeader(sip.NewHeader("Route", route))
	}

	for _, h := range p.Headers {
		req.AppendHeader(h)
	}

	if len(p.Body) > 0 {
		req.SetBody(p.Body)
		if p.ContentType != "" && req.GetHeader("Content-Type") == nil {
			req.AppendHeader(sip.NewHeader("Content-Type", p.ContentType))
		}
	}

	return req
}
