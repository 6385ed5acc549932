package sipevents

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// NotifyEvent is delivered for every NOTIFY carrying a body.
type NotifyEvent struct {
	IsFinal     bool
	Request     *IncomingRequest
	Body        string
	ContentType string
}

// SubscriberTermination is delivered exactly once when the subscription
// ends. Reason and RetryAfter come from the final NOTIFY when the peer
// supplied them; RetryAfter is -1 otherwise.
type SubscriberTermination struct {
	Code       SubscriberTerminationCode
	Reason     string
	RetryAfter int
}

// SubscriberOptions configure a Subscriber.
type SubscriberOptions struct {
	// EventName is the event package, optionally with an id:
	// "weather" or "weather;id=a1".
	EventName string

	// Accept lists the media types this subscriber takes in NOTIFY bodies.
	Accept string

	// Expires is the requested subscription duration in seconds.
	Expires int

	// ContentType describes the SUBSCRIBE body, required when one is sent.
	ContentType string

	ExtraHeaders []sip.Header
	Credential   *Credential
}

// Subscriber originates a subscription: it sends SUBSCRIBE, schedules
// refreshes, validates inbound NOTIFY against the originating request and
// funnels every way the subscription can die into one terminated event.
type Subscriber struct {
	ua     *UserAgent
	logger *slog.Logger
	clock  Clock

	target       sip.Uri
	event        EventID
	accept       string
	expires      int
	contentType  string
	extraHeaders []sip.Header
	credential   *Credential

	// Refresh jitter; sequence state is private to this subscription.
	rnd *rand.Rand

	mu              sync.Mutex
	machine         *fsm.FSM
	callID          string
	fromTag         string
	toTag           string
	routeSet        []string
	cseq            uint32
	dialog          *Dialog
	expiresAt       time.Time
	refreshTimer    Timer
	unsubTimer      Timer
	terminated      bool
	unsubscribeSent bool

	onDialogCreated []func()
	onActive        []func()
	onNotify        []func(NotifyEvent)
	onTerminated    []func(SubscriberTermination)
}

// NewSubscriber creates a subscriber for target. The event name and accept
// types are required; a missing Content-Type only fails once a body is
// actually sent.
func NewSubscriber(ua *UserAgent, target string, opts ...func(*SubscriberOptions)) (*Subscriber, error) {
	if target == "" {
		return nil, ErrMissingTarget
	}

	options := SubscriberOptions{
		Expires: defaultExpires,
	}
	for _, opt := range opts {
		opt(&options)
	}

	if options.EventName == "" {
		return nil, ErrMissingEventName
	}
	if options.Accept == "" {
		return nil, ErrMissingAccept
	}
	// Expires 0 is a fetch-subscribe; only a negative value falls back.
	if options.Expires < 0 {
		options.Expires = defaultExpires
	}

	event, err := ParseEventHeader(options.EventName)
	if err != nil {
		return nil, err
	}

	var targetURI sip.Uri
	if err := sip.ParseUri(target, &targetURI); err != nil {
		return nil, fmt.Errorf("invalid target URI %q: %w", target, err)
	}

	s := &Subscriber{
		ua:           ua,
		logger:       ua.logger.With("role", "subscriber", "event", event.String()),
		clock:        ua.clock,
		target:       targetURI,
		event:        event,
		accept:       options.Accept,
		expires:      options.Expires,
		contentType:  options.ContentType,
		extraHeaders: options.ExtraHeaders,
		credential:   options.Credential,
		rnd:          rand.New(rand.NewSource(ua.clock.Now().UnixNano())),
		machine:      newSubscriberFSM(),
		callID:       ua.NewCallID(),
		fromTag:      ua.NewTag(),
	}

	ua.metrics.subscriptions.WithLabelValues("subscriber").Inc()

	return s, nil
}

// OnDialogCreated registers a callback fired once, when the to-tag is
// first bound and the dialog registered.
func (s *Subscriber) OnDialogCreated(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDialogCreated = append(s.onDialogCreated, fn)
}

// OnActive registers a callback fired on each transition into active
// (from notify_wait or pending); a NOTIFY that keeps it active does not
// fire it again.
func (s *Subscriber) OnActive(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onActive = append(s.onActive, fn)
}

// OnNotify registers a callback fired for every NOTIFY carrying a body.
func (s *Subscriber) OnNotify(fn func(NotifyEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onNotify = append(s.onNotify, fn)
}

// OnTerminated registers a callback fired exactly once when the
// subscription terminates.
func (s *Subscriber) OnTerminated(fn func(SubscriberTermination)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminated = append(s.onTerminated, fn)
}

// State returns the current lifecycle state.
func (s *Subscriber) State() SubscriberState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriberState(s.machine.Current())
}

// ID returns the dialog id, or "" before the dialog is established.
func (s *Subscriber) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialog == nil {
		return ""
	}
	return s.dialog.ID()
}

// Subscribe sends a SUBSCRIBE. The first call moves the subscription out
// of its initial state; later calls refresh it.
func (s *Subscriber) Subscribe(body string) error {
	var post []func()
	defer runAll(&post)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return ErrTerminated
	}
	if body != "" && s.contentType == "" {
		return ErrMissingContentType
	}

	if s.machine.Current() == string(SubscriberStateInit) {
		s.fire(evSubscribe)
	}

	post = append(post, s.sendSubscribeLocked(body, s.expires))
	return nil
}

// Unsubscribe sends a SUBSCRIBE with Expires: 0 and arms a timer that
// terminates the subscription if no final NOTIFY arrives. A repeat call
// warns and does nothing.
func (s *Subscriber) Unsubscribe(body string) error {
	var post []func()
	defer runAll(&post)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		s.logger.Warn("Unsubscribe on terminated subscription ignored")
		return nil
	}
	if s.unsubscribeSent {
		s.logger.Warn("Unsubscribe already sent, ignored")
		return nil
	}
	if body != "" && s.contentType == "" {
		return ErrMissingContentType
	}

	s.unsubscribeSent = true
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}

	post = append(post, s.sendSubscribeLocked(body, 0))

	s.unsubTimer = s.clock.AfterFunc(unsubscribeTimeout, func() {
		var post []func()
		defer runAll(&post)

		s.mu.Lock()
		defer s.mu.Unlock()
		post = s.dialogTerminatedLocked(UnsubscribeTimeout, "", -1, post)
	})

	return nil
}

// sendSubscribeLocked builds the next SUBSCRIBE and returns the closure
// that dispatches it once the lock is released.
func (s *Subscriber) sendSubscribeLocked(body string, expires int) func() {
	s.cseq++

	headers := []sip.Header{
		sip.NewHeader("Event", s.event.String()),
		sip.NewHeader("Expires", strconv.Itoa(expires)),
		sip.NewHeader("Accept", s.accept),
		sip.NewHeader("Contact", s.ua.ContactHeader()),
	}
	if allow := s.ua.AllowEventsHeader(); allow != "" {
		headers = append(headers, sip.NewHeader("Allow-Events", allow))
	}
	headers = append(headers, s.extraHeaders...)

	params := RequestParams{
		Method:      sip.SUBSCRIBE,
		Target:      s.target,
		From:        s.ua.ContactURI(),
		FromTag:     s.fromTag,
		To:          s.target,
		ToTag:       s.toTag,
		CallID:      s.callID,
		CSeq:        s.cseq,
		RouteSet:    s.routeSet,
		Headers:     headers,
		Body:        []byte(body),
		ContentType: s.contentType,
	}

	req := BuildRequest(params)
	handlers := &RequestHandlers{
		OnAuthenticated: func() {
			s.mu.Lock()
			s.cseq++
			s.mu.Unlock()
		},
		OnRequestTimeout: func() {
			s.terminateFrom(SubscribeResponseTimeout)
		},
		OnTransportError: func() {
			s.terminateFrom(SubscribeTransportError)
		},
		OnReceiveResponse: s.handleSubscribeResponse,
	}

	return func() {
		s.ua.transactor.SendRequest(req, handlers, s.credential)
	}
}

func (s *Subscriber) terminateFrom(code SubscriberTerminationCode) {
	var post []func()
	defer runAll(&post)

	s.mu.Lock()
	defer s.mu.Unlock()
	post = s.dialogTerminatedLocked(code, "", -1, post)
}

func (s *Subscriber) handleSubscribeResponse(res *IncomingResponse) {
	var post []func()
	defer runAll(&post)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return
	}

	switch {
	case res.IsSuccess():
		if s.dialog == nil {
			post = s.establishDialogLocked(res, post)
		}

		expires, ok := res.Expires()
		if !ok {
			s.logger.Debug("2xx to SUBSCRIBE without Expires, assuming default",
				"expires", defaultExpires)
			expires = defaultExpires
		}
		if expires > 0 && !s.unsubscribeSent {
			s.scheduleRefreshLocked(expires)
		}

	case res.IsAuthChallenge():
		post = s.dialogTerminatedLocked(SubscribeFailedAuthentication, "", -1, post)

	case res.StatusCode >= 300:
		post = s.dialogTerminatedLocked(SubscribeNonOKResponse, "", -1, post)
	}
}

// establishDialogLocked binds the to-tag from the first 2xx, registers the
// dialog and queues the dialogCreated event.
func (s *Subscriber) establishDialogLocked(res *IncomingResponse, post []func()) []func() {
	toTag, ok := res.ToTag()
	if !ok {
		s.logger.Warn("2xx to SUBSCRIBE without to-tag, dialog not established")
		return post
	}

	s.toTag = toTag
	s.routeSet = res.RouteSet()
	s.dialog = NewUACDialog(s.ua, s, s.callID, s.fromTag, toTag,
		s.ua.ContactURI(), s.target, s.routeSet)
	s.dialog.Register()

	callbacks := s.onDialogCreated
	return append(post, func() {
		for _, fn := range callbacks {
			fn()
		}
	})
}

// scheduleRefreshLocked arms the refresh timer for a subscription that now
// expires in the given number of seconds.
func (s *Subscriber) scheduleRefreshLocked(expires int) {
	s.expiresAt = s.clock.Now().Add(time.Duration(expires) * time.Second)

	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}

	delay := s.refreshDelay(expires)
	s.logger.Debug("Refresh scheduled", "expires", expires, "delay", delay)
	s.refreshTimer = s.clock.AfterFunc(delay, s.refreshFire)
}

// refreshDelay picks the next refresh point. Long subscriptions refresh at
// a uniformly random time in [E/2, E-70] seconds so a fleet of subscribers
// does not refresh in lockstep; short ones keep a fixed 5 s tail.
func (s *Subscriber) refreshDelay(expires int) time.Duration {
	if expires >= refreshRandomFloor {
		lo := float64(expires) / 2
		hi := float64(expires - refreshMargin)
		return time.Duration((lo + s.rnd.Float64()*(hi-lo)) * float64(time.Second))
	}

	delay := time.Duration(expires-refreshTail) * time.Second
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (s *Subscriber) refreshFire() {
	var post []func()
	defer runAll(&post)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated || s.unsubscribeSent {
		return
	}
	post = append(post, s.sendSubscribeLocked("", s.expires))
}

// ReceiveRequest handles an inbound in-dialog request, which for a
// subscriber can only validly be NOTIFY.
func (s *Subscriber) ReceiveRequest(req *IncomingRequest) {
	var post []func()
	defer runAll(&post)

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Method != sip.NOTIFY {
		_ = req.MethodNotAllowed()
		return
	}

	if s.terminated {
		// Late NOTIFY within the destroy grace window: absorb it.
		_ = req.Ok()
		return
	}

	event, err := req.Event()
	if err != nil || !event.Match(s.event) {
		_ = req.BadEvent()
		post = s.dialogTerminatedLocked(ReceiveBadNotify, "", -1, post)
		return
	}

	state, err := req.SubscriptionState()
	if err != nil {
		_ = req.BadRequest("Missing Subscription-State")
		post = s.dialogTerminatedLocked(ReceiveBadNotify, "", -1, post)
		return
	}

	_ = req.Ok()
	s.ua.metrics.notifications.WithLabelValues("received").Inc()

	isFinal := state.State == StateTerminated
	if !isFinal {
		post = s.adoptStateLocked(state.State, post)
	}

	if state.Expires >= 0 && !s.unsubscribeSent && !isFinal {
		newAt := s.clock.Now().Add(time.Duration(state.Expires) * time.Second)
		if !s.expiresAt.IsZero() && s.expiresAt.Sub(newAt) > expiresDriftThreshold {
			s.logger.Debug("Peer shortened expiration, rescheduling refresh",
				"expires", state.Expires)
			s.scheduleRefreshLocked(state.Expires)
		}
	}

	if len(req.Body()) > 0 {
		callbacks := s.onNotify
		ev := NotifyEvent{
			IsFinal:     isFinal,
			Request:     req,
			Body:        req.BodyString(),
			ContentType: req.ContentType(),
		}
		post = append(post, func() {
			for _, fn := range callbacks {
				fn(ev)
			}
		})
	}

	if isFinal {
		post = s.dialogTerminatedLocked(ReceiveFinalNotify, state.Reason, state.RetryAfter, post)
	}
}

// adoptStateLocked takes over the Subscription-State value from a NOTIFY
// and queues the active event on a transition into active.
func (s *Subscriber) adoptStateLocked(state string, post []func()) []func() {
	prev := s.machine.Current()
	if prev == state {
		return post
	}

	switch state {
	case StateActive:
		if s.machine.Can(evNotifyActive) {
			s.fire(evNotifyActive)
			callbacks := s.onActive
			post = append(post, func() {
				for _, fn := range callbacks {
					fn()
				}
			})
		}
	case StatePending:
		if s.machine.Can(evNotifyPending) {
			s.fire(evNotifyPending)
		}
	default:
		// Extension states are adopted verbatim.
		s.machine.SetState(state)
	}

	return post
}

// dialogTerminatedLocked is the single terminal funnel: every error path
// ends here. The boolean guard makes it exactly-once; timers are cancelled
// and the dialog is released after a grace delay that lets a final NOTIFY
// crossing the unsubscribe still be dispatched.
func (s *Subscriber) dialogTerminatedLocked(code SubscriberTerminationCode,
	reason string, retryAfter int, post []func()) []func() {

	if s.terminated {
		return post
	}
	s.terminated = true
	s.fire(evTerminate)

	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	if s.unsubTimer != nil {
		s.unsubTimer.Stop()
		s.unsubTimer = nil
	}

	if d := s.dialog; d != nil {
		s.clock.AfterFunc(dialogDestroyGrace, d.Terminate)
	}

	s.ua.metrics.terminations.WithLabelValues("subscriber", code.String()).Inc()
	s.logger.Debug("Subscription terminated", "code", code.String(), "reason", reason)

	callbacks := s.onTerminated
	ev := SubscriberTermination{Code: code, Reason: reason, RetryAfter: retryAfter}
	return append(post, func() {
		for _, fn := range callbacks {
			fn(ev)
		}
	})
}

func (s *Subscriber) fire(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.logger.Debug("State transition rejected", "event", event, "error", err)
	}
}

// runAll executes queued callbacks after the caller's deferred unlock.
func runAll(post *[]func()) {
	for _, fn := range *post {
		fn()
	}
}
