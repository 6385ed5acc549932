package sipevents

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// UserAgentOptions configure a UserAgent.
type UserAgentOptions struct {
	// Contact is the URI other agents reach this UA at,
	// e.g. "sip:alice@example.com;transport=ws".
	Contact string

	// InstanceID is the +sip.instance URN. Generated when empty.
	InstanceID string

	// AllowEvents lists the event packages advertised in Allow-Events.
	AllowEvents []string

	Logger     *slog.Logger
	Clock      Clock
	Registerer prometheus.Registerer
}

// UserAgent owns the dialog table shared by all subscriptions of one
// endpoint and the identity (Contact, instance URN) they advertise.
type UserAgent struct {
	contact     string
	contactURI  sip.Uri
	instanceID  string
	allowEvents []string

	logger     *slog.Logger
	clock      Clock
	transactor Transactor
	metrics    *subscriptionMetrics

	dialogs sync.Map // dialog ID -> *Dialog
}

// NewUserAgent creates a UserAgent sending through transactor.
func NewUserAgent(transactor Transactor, opts ...func(*UserAgentOptions)) (*UserAgent, error) {
	if transactor == nil {
		panic("sipevents: transactor must be provided")
	}

	options := UserAgentOptions{
		Contact: "sip:anonymous@anonymous.invalid;transport=ws",
		Clock:   NewWallClock(),
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
	if options.InstanceID == "" {
		options.InstanceID = "urn:uuid:" + uuid.New().String()
	}

	var contactURI sip.Uri
	if err := sip.ParseUri(options.Contact, &contactURI); err != nil {
		return nil, fmt.Errorf("invalid contact URI %q: %w", options.Contact, err)
	}

	return &UserAgent{
		contact:     options.Contact,
		contactURI:  contactURI,
		instanceID:  options.InstanceID,
		allowEvents: options.AllowEvents,
		logger:      options.Logger,
		clock:       options.Clock,
		transactor:  transactor,
		metrics:     newSubscriptionMetrics(options.Registerer),
	}, nil
}

// ContactHeader is the Contact value this UA places on SUBSCRIBE, NOTIFY
// and their 2xx replies.
func (ua *UserAgent) ContactHeader() string {
	return fmt.Sprintf("<%s>;+sip.instance=\"%s\"", ua.contact, ua.instanceID)
}

// ContactURI returns the parsed contact URI.
func (ua *UserAgent) ContactURI() sip.Uri {
	return ua.contactURI
}

// AllowEventsHeader returns the Allow-Events value, or "" when no packages
// are configured.
func (ua *UserAgent) AllowEventsHeader() string {
	return strings.Join(ua.allowEvents, ", ")
}

// NewCallID allocates a Call-ID for a new subscription.
func (ua *UserAgent) NewCallID() string {
	return uuid.New().String()
}

// NewTag allocates a from/to tag.
func (ua *UserAgent) NewTag() string {
	return uuid.New().String()[:8]
}

// NewDialog registers an established dialog in the table.
func (ua *UserAgent) NewDialog(d *Dialog) {
	ua.dialogs.Store(d.ID(), d)
	ua.metrics.dialogsActive.Inc()
	ua.logger.Debug("Dialog registered", "call-id", d.CallID(), "dialog-id", d.ID())
}

// DestroyDialog removes a dialog from the table.
func (ua *UserAgent) DestroyDialog(d *Dialog) {
	ua.dialogs.Delete(d.ID())
	ua.metrics.dialogsActive.Dec()
	ua.logger.Debug("Dialog destroyed", "call-id", d.CallID(), "dialog-id", d.ID())
}

// FindDialog returns the dialog registered under id.
func (ua *UserAgent) FindDialog(id string) *Dialog {
	if val, ok := ua.dialogs.Load(id); ok {
		if d, ok := val.(*Dialog); ok {
			return d
		}
	}
	return nil
}

// ReceiveRequest routes an inbound in-dialog request to the subscription
// owning its dialog. It reports whether a dialog claimed the request; a
// request for no known dialog is left to the caller (typically answered
// 481, or used to build a Notifier when it is an initial SUBSCRIBE).
func (ua *UserAgent) ReceiveRequest(req *IncomingRequest) bool {
	toTag, ok := req.ToTag()
	if !ok {
		return false
	}
	fromTag, _ := req.FromTag()

	// Inbound requests carry our tag in To and the peer's in From.
	d := ua.FindDialog(req.CallIDValue() + toTag + fromTag)
	if d == nil {
		return false
	}

	d.owner.ReceiveRequest(req)
	return true
}
