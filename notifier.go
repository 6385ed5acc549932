package sipevents

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// SubscribeEvent is delivered for every inbound SUBSCRIBE, including the
// initial one re-played by Start.
type SubscribeEvent struct {
	IsUnsubscribe bool
	Request       *IncomingRequest
	Body          string
	ContentType   string
}

// NotifierTermination is delivered exactly once when the subscription
// ends. SendFinalNotify is true only for SubscriptionExpired: on that path
// the notifier has already sent the final NOTIFY (reason=timeout) itself,
// and a later Terminate call is ignored.
type NotifierTermination struct {
	Code            NotifierTerminationCode
	SendFinalNotify bool
}

// NotifierOptions configure a Notifier.
type NotifierOptions struct {
	// Pending starts the subscription in the pending state instead of
	// active.
	Pending bool

	// ExtraHeaders are added to every NOTIFY. A Contact header here
	// overrides the one derived from the user agent.
	ExtraHeaders []sip.Header

	Credential *Credential
}

// TerminateOptions carry the Subscription-State parameters of the final
// NOTIFY.
type TerminateOptions struct {
	Reason     string
	RetryAfter int
}

// Notifier owns the server side of a subscription: it is created from the
// inbound initial SUBSCRIBE, answers refreshes, sends NOTIFY including the
// final one, and expires the subscription when no refresh arrives.
type Notifier struct {
	ua     *UserAgent
	logger *slog.Logger
	clock  Clock

	event        EventID
	contentType  string
	contact      string
	extraHeaders []sip.Header
	credential   *Credential

	mu                  sync.Mutex
	machine             *fsm.FSM
	dialog              *Dialog
	initial             *IncomingRequest
	toTag               string
	expires             int
	expiresAt           time.Time
	expiryTimer         Timer
	terminated          bool
	finalNotifySent     bool
	firstNotifyResponse bool
	reason              string
	retryAfter          int

	onSubscribe  []func(SubscribeEvent)
	onTerminated []func(NotifierTermination)
}

// NewNotifier builds the server side of a subscription from its initial
// SUBSCRIBE. Construction fails when the request cannot form a dialog or
// carries no parseable Event header.
func NewNotifier(ua *UserAgent, req *IncomingRequest, contentType string, opts ...func(*NotifierOptions)) (*Notifier, error) {
	if contentType == "" {
		return nil, ErrMissingContentType
	}

	options := NotifierOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	event, err := req.Event()
	if err != nil {
		return nil, err
	}

	expires, ok := req.Expires()
	if !ok {
		expires = defaultExpires
	}

	contact := ua.ContactHeader()
	var extras []sip.Header
	for _, h := range options.ExtraHeaders {
		if strings.EqualFold(h.Name(), "Contact") {
			contact = h.Value()
			continue
		}
		extras = append(extras, h)
	}

	n := &Notifier{
		ua:                  ua,
		logger:              ua.logger.With("role", "notifier", "event", event.String()),
		clock:               ua.clock,
		event:               event,
		contentType:         contentType,
		contact:             contact,
		extraHeaders:        extras,
		credential:          options.Credential,
		machine:             newNotifierFSM(options.Pending),
		initial:             req,
		toTag:               ua.NewTag(),
		expires:             expires,
		firstNotifyResponse: true,
		retryAfter:          -1,
	}
	n.expiresAt = n.clock.Now().Add(time.Duration(expires) * time.Second)

	dialog, err := NewUASDialog(ua, n, req, n.toTag)
	if err != nil {
		return nil, err
	}
	n.dialog = dialog
	dialog.Register()

	ua.metrics.subscriptions.WithLabelValues("notifier").Inc()

	return n, nil
}

// OnSubscribe registers a callback fired for every inbound SUBSCRIBE.
func (n *Notifier) OnSubscribe(fn func(SubscribeEvent)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onSubscribe = append(n.onSubscribe, fn)
}

// OnTerminated registers a callback fired exactly once when the
// subscription terminates.
func (n *Notifier) OnTerminated(fn func(NotifierTermination)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onTerminated = append(n.onTerminated, fn)
}

// State returns the current lifecycle state.
func (n *Notifier) State() NotifierState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stateLocked()
}

func (n *Notifier) stateLocked() NotifierState {
	switch n.machine.Current() {
	case StatePending:
		return NotifierStatePending
	case StateActive:
		return NotifierStateActive
	}
	return NotifierStateTerminated
}

// ID returns the dialog id.
func (n *Notifier) ID() string {
	return n.dialog.ID()
}

// Start re-delivers the captured initial SUBSCRIBE so the application sees
// the first subscribe event after its listeners are registered.
func (n *Notifier) Start() {
	n.ReceiveRequest(n.initial)
}

// SetActiveState moves a pending subscription to active. A no-op in any
// other state.
func (n *Notifier) SetActiveState() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.machine.Current() == StatePending {
		n.fire(evActivate)
	}
}

// Notify sends a NOTIFY carrying body. Once the final NOTIFY went out,
// further calls warn and do nothing.
func (n *Notifier) Notify(body string) {
	var post []func()
	defer runAll(&post)

	n.mu.Lock()
	defer n.mu.Unlock()
	if send := n.sendNotifyLocked([]byte(body)); send != nil {
		post = append(post, send)
	}
}

// sendNotifyLocked composes the Subscription-State for the current state
// and returns the dispatch closure, or nil when the final NOTIFY has
// already been sent.
func (n *Notifier) sendNotifyLocked(body []byte) func() {
	if n.finalNotifySent {
		n.logger.Warn("Final NOTIFY already sent, ignored")
		return nil
	}

	var subscriptionState string
	if n.machine.Current() != StateTerminated {
		remaining := int(n.expiresAt.Sub(n.clock.Now()) / time.Second)
		if remaining < 0 {
			remaining = 0
		}
		subscriptionState = BuildSubscriptionState(n.machine.Current(), remaining, "", -1)
	} else {
		subscriptionState = BuildSubscriptionState(StateTerminated, 0, n.reason, n.retryAfter)
		n.finalNotifySent = true
	}

	headers := []sip.Header{
		sip.NewHeader("Event", n.event.String()),
		sip.NewHeader("Subscription-State", subscriptionState),
		sip.NewHeader("Contact", n.contact),
	}
	if allow := n.ua.AllowEventsHeader(); allow != "" {
		headers = append(headers, sip.NewHeader("Allow-Events", allow))
	}
	headers = append(headers, n.extraHeaders...)

	opts := &DialogRequestOptions{
		Body:         body,
		ExtraHeaders: headers,
		Credential:   n.credential,
		Handlers: DialogRequestHandlers{
			OnSuccessResponse: n.handleNotifySuccess,
			OnErrorResponse: func(res *IncomingResponse) {
				if res.IsAuthChallenge() {
					n.terminateFrom(NotifyFailedAuthentication)
					return
				}
				n.terminateFrom(NotifyNonOKResponse)
			},
			OnRequestTimeout: func() { n.terminateFrom(NotifyResponseTimeout) },
			OnTransportError: func() { n.terminateFrom(NotifyTransportError) },
			OnDialogError:    func(error) { n.terminateFrom(NotifyNonOKResponse) },
		},
	}
	if len(body) > 0 {
		opts.ContentType = n.contentType
	}

	n.ua.metrics.notifications.WithLabelValues("sent").Inc()

	dialog := n.dialog
	return func() {
		dialog.SendRequest(sip.NOTIFY, opts)
	}
}

// handleNotifySuccess captures the route set from the first 2xx to NOTIFY.
func (n *Notifier) handleNotifySuccess(res *IncomingResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.firstNotifyResponse {
		return
	}
	n.firstNotifyResponse = false
	if routes := res.RouteSet(); len(routes) > 0 {
		n.dialog.SetRouteSet(routes)
	}
}

// Terminate sends the final NOTIFY and ends the subscription. Repeat calls
// warn and do nothing.
func (n *Notifier) Terminate(body string, opts ...func(*TerminateOptions)) {
	var post []func()
	defer runAll(&post)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.terminated || n.finalNotifySent {
		n.logger.Warn("Terminate on finished subscription ignored")
		return
	}

	options := TerminateOptions{RetryAfter: -1}
	for _, opt := range opts {
		opt(&options)
	}
	n.reason = options.Reason
	n.retryAfter = options.RetryAfter

	// State moves to terminated first so the final NOTIFY composes the
	// terminated Subscription-State.
	n.fire(evTerminate)
	if send := n.sendNotifyLocked([]byte(body)); send != nil {
		post = append(post, send)
	}
	post = n.dialogTerminatedLocked(SendFinalNotify, post)
}

// ReceiveRequest handles an inbound in-dialog request, which for a
// notifier can only validly be SUBSCRIBE.
func (n *Notifier) ReceiveRequest(req *IncomingRequest) {
	var post []func()
	defer runAll(&post)

	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Method != sip.SUBSCRIBE {
		_ = req.MethodNotAllowed()
		return
	}

	if n.terminated {
		_ = req.Ok()
		return
	}

	expires, ok := req.Expires()
	if !ok {
		n.logger.Debug("SUBSCRIBE without Expires, assuming default",
			"expires", defaultExpires)
		expires = defaultExpires
	}

	_ = req.Ok(func(o *ReplyOptions) {
		o.ToTag = n.toTag
		o.Headers = []sip.Header{
			sip.NewHeader("Expires", strconv.Itoa(expires)),
			sip.NewHeader("Contact", n.contact),
		}
	})

	if expires > 0 {
		n.expires = expires
		n.expiresAt = n.clock.Now().Add(time.Duration(expires) * time.Second)
		if n.expiryTimer != nil {
			n.expiryTimer.Stop()
		}
		n.expiryTimer = n.clock.AfterFunc(time.Duration(expires)*time.Second, n.expiryFire)
	}

	isUnsubscribe := expires == 0
	callbacks := n.onSubscribe
	ev := SubscribeEvent{
		IsUnsubscribe: isUnsubscribe,
		Request:       req,
		Body:          req.BodyString(),
		ContentType:   req.ContentType(),
	}
	post = append(post, func() {
		for _, fn := range callbacks {
			fn(ev)
		}
	})

	if isUnsubscribe {
		// The subscribe event runs first so the application may still
		// emit a final NOTIFY from its handler; the funnel's idempotence
		// absorbs whichever trigger comes second.
		post = append(post, func() {
			n.terminateFrom(ReceiveUnsubscribe)
		})
	}
}

// expiryFire ends a subscription whose Expires elapsed without a refresh.
func (n *Notifier) expiryFire() {
	var post []func()
	defer runAll(&post)

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.terminated || n.finalNotifySent {
		return
	}

	n.reason = "timeout"
	n.fire(evTerminate)
	if send := n.sendNotifyLocked(nil); send != nil {
		post = append(post, send)
	}
	post = n.dialogTerminatedLocked(SubscriptionExpired, post)
}

func (n *Notifier) terminateFrom(code NotifierTerminationCode) {
	var post []func()
	defer runAll(&post)

	n.mu.Lock()
	defer n.mu.Unlock()
	post = n.dialogTerminatedLocked(code, post)
}

// dialogTerminatedLocked is the single terminal funnel. The dialog is
// released after any queued final NOTIFY is dispatched, and the terminated
// event is emitted strictly last.
func (n *Notifier) dialogTerminatedLocked(code NotifierTerminationCode, post []func()) []func() {
	if n.terminated {
		return post
	}
	n.terminated = true

	if n.machine.Current() != StateTerminated {
		n.fire(evTerminate)
	}

	if n.expiryTimer != nil {
		n.expiryTimer.Stop()
		n.expiryTimer = nil
	}

	n.ua.metrics.terminations.WithLabelValues("notifier", code.String()).Inc()
	n.logger.Debug("Subscription terminated", "code", code.String())

	post = append(post, n.dialog.Terminate)

	callbacks := n.onTerminated
	ev := NotifierTermination{
		Code:            code,
		SendFinalNotify: code == SubscriptionExpired,
	}
	return append(post, func() {
		for _, fn := range callbacks {
			fn(ev)
		}
	})
}

func (n *Notifier) fire(event string) {
	if err := n.machine.Event(context.Background(), event); err != nil {
		n.logger.Debug("State transition rejected", "event", event, "error", err)
	}
}
