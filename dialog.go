package sipevents

import (
	"sync"

	"github.com/emiago/sipgo/sip"
)

// DialogOwner is the subscription side an in-dialog request is dispatched
// to. Both Subscriber and Notifier implement it.
type DialogOwner interface {
	ReceiveRequest(req *IncomingRequest)
}

// DialogRequestHandlers receive the outcome of an in-dialog request.
type DialogRequestHandlers struct {
	OnSuccessResponse func(*IncomingResponse)
	OnErrorResponse   func(*IncomingResponse)
	OnRequestTimeout  func()
	OnTransportError  func()
	OnDialogError     func(error)
}

// DialogRequestOptions customize an in-dialog request.
type DialogRequestOptions struct {
	Body         []byte
	ContentType  string
	ExtraHeaders []sip.Header
	Credential   *Credential
	Handlers     DialogRequestHandlers
}

// Dialog is the peer-to-peer context of one subscription: (Call-ID, local
// tag, remote tag) identity, route set and local CSeq space. It registers
// with the UserAgent so inbound in-dialog requests reach their owner.
type Dialog struct {
	ua    *UserAgent
	owner DialogOwner

	callID    string
	localTag  string
	remoteTag string

	localURI     sip.Uri
	remoteURI    sip.Uri
	remoteTarget sip.Uri
	hasTarget    bool

	mu         sync.Mutex
	routeSet   []string
	localCSeq  uint32
	registered bool
	terminated bool
}

// NewUACDialog builds the dialog a subscriber establishes from the first
// 2xx to its SUBSCRIBE. localTag is the subscriber's from-tag, remoteTag
// the to-tag the peer allocated.
func NewUACDialog(ua *UserAgent, owner DialogOwner, callID, localTag, remoteTag string,
	localURI, remoteURI sip.Uri, routeSet []string) *Dialog {
	return &Dialog{
		ua:        ua,
		owner:     owner,
		callID:    callID,
		localTag:  localTag,
		remoteTag: remoteTag,
		localURI:  localURI,
		remoteURI: remoteURI,
		routeSet:  routeSet,
	}
}

// NewUASDialog builds the server-side dialog from an inbound dialog-forming
// SUBSCRIBE. localTag is the to-tag this side allocated. Fails when the
// SUBSCRIBE cannot form a dialog (no Contact to route NOTIFY back to).
func NewUASDialog(ua *UserAgent, owner DialogOwner, req *IncomingRequest, localTag string) (*Dialog, error) {
	target, ok := req.ContactURI()
	if !ok {
		return nil, ErrMissingContact
	}

	fromTag, _ := req.FromTag()

	d := &Dialog{
		ua:           ua,
		owner:        owner,
		callID:       req.CallIDValue(),
		localTag:     localTag,
		remoteTag:    fromTag,
		remoteTarget: target,
		hasTarget:    true,
	}

	if from := req.From(); from != nil {
		d.remoteURI = from.Address
	}
	if to := req.To(); to != nil {
		d.localURI = to.Address
	}

	// For a UAS the Record-Route set is used in the order received.
	for _, h := range req.GetHeaders("Record-Route") {
		d.routeSet = append(d.routeSet, h.Value())
	}

	return d, nil
}

// ID is the dialog identity: Call-ID ++ local tag ++ remote tag.
func (d *Dialog) ID() string {
	return d.callID + d.localTag + d.remoteTag
}

func (d *Dialog) CallID() string {
	return d.callID
}

// Register adds the dialog to the UserAgent table. Safe to call once per
// dialog; further calls are no-ops.
func (d *Dialog) Register() {
	d.mu.Lock()
	if d.registered {
		d.mu.Unlock()
		return
	}
	d.registered = true
	d.mu.Unlock()

	d.ua.NewDialog(d)
}

// Terminate removes the dialog from the UserAgent table. Requests sent
// afterwards fail with a dialog error.
func (d *Dialog) Terminate() {
	d.mu.Lock()
	d.terminated = true
	if !d.registered {
		d.mu.Unlock()
		return
	}
	d.registered = false
	d.mu.Unlock()

	d.ua.DestroyDialog(d)
}

// SetRouteSet replaces the route set, typically from the Record-Route of
// the first 2xx this side sees.
func (d *Dialog) SetRouteSet(routes []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routeSet = routes
}

// SendRequest sends an in-dialog request. The next CSeq is allocated from
// the dialog's local sequence space; results arrive via opts.Handlers.
func (d *Dialog) SendRequest(method sip.RequestMethod, opts *DialogRequestOptions) {
	if opts == nil {
		opts = &DialogRequestOptions{}
	}

	d.mu.Lock()
	if d.terminated {
		d.mu.Unlock()
		if opts.Handlers.OnDialogError != nil {
			opts.Handlers.OnDialogError(ErrTerminated)
		}
		return
	}
	d.localCSeq++
	target := d.remoteURI
	if d.hasTarget {
		target = d.remoteTarget
	}
	params := RequestParams{
		Method:      method,
		Target:      target,
		From:        d.localURI,
		FromTag:     d.localTag,
		To:          d.remoteURI,
		ToTag:       d.remoteTag,
		CallID:      d.callID,
		CSeq:        d.localCSeq,
		RouteSet:    d.routeSet,
		Headers:     opts.ExtraHeaders,
		Body:        opts.Body,
		ContentType: opts.ContentType,
	}
	d.mu.Unlock()

	req := BuildRequest(params)
	handlers := &RequestHandlers{
		OnAuthenticated: func() {
			d.mu.Lock()
			d.localCSeq++
			d.mu.Unlock()
		},
		OnRequestTimeout: opts.Handlers.OnRequestTimeout,
		OnTransportError: opts.Handlers.OnTransportError,
		OnReceiveResponse: func(res *IncomingResponse) {
			if res.IsSuccess() {
				if opts.Handlers.OnSuccessResponse != nil {
					opts.Handlers.OnSuccessResponse(res)
				}
				return
			}
			if opts.Handlers.OnErrorResponse != nil {
				opts.Handlers.OnErrorResponse(res)
			}
		},
	}

	d.ua.transactor.SendRequest(req, handlers, opts.Credential)
}
