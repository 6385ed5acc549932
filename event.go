package sipevents

import (
	"fmt"
	"strconv"
	"strings"
)

// EventID is the (name, id) identity carried by an Event header.
// Two subscriptions match iff both fields are equal; an absent id on both
// sides compares equal, so "weather" and "weather;id=" name the same event.
type EventID struct {
	Name string
	ID   string
}

// ParseEventHeader parses an Event header value of the form
// "<name>[;id=<id>][;param...]".
//
// Returns ErrInvalidEventHeader for an empty or malformed value so that an
// absent header is distinguishable from a well-formed parse.
func ParseEventHeader(value string) (EventID, error) {
	parts := strings.Split(strings.TrimSpace(value), ";")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return EventID{}, ErrInvalidEventHeader
	}

	ev := EventID{Name: name}
	for i := 1; i < len(parts); i++ {
		kv := strings.SplitN(parts[i], "=", 2)
		if len(kv) != 2 {
			continue
		}
		if strings.TrimSpace(kv[0]) == "id" {
			ev.ID = strings.TrimSpace(kv[1])
		}
	}

	return ev, nil
}

// Match reports whether two event identities name the same subscription.
func (e EventID) Match(other EventID) bool {
	return e.Name == other.Name && e.ID == other.ID
}

func (e EventID) String() string {
	if e.ID != "" {
		return fmt.Sprintf("%s;id=%s", e.Name, e.ID)
	}
	return e.Name
}

// SubscriptionState is the parsed form of a Subscription-State header.
// Expires and RetryAfter are -1 when the parameter is absent.
type SubscriptionState struct {
	State      string
	Expires    int
	Reason     string
	RetryAfter int
}

// ParseSubscriptionState parses a Subscription-State header value of the
// form "<state>[;expires=N][;reason=R][;retry-after=N]".
func ParseSubscriptionState(value string) (SubscriptionState, error) {
	parts := strings.Split(strings.TrimSpace(value), ";")
	state := strings.ToLower(strings.TrimSpace(parts[0]))
	if state == "" {
		return SubscriptionState{}, fmt.Errorf("empty Subscription-State header")
	}

	ss := SubscriptionState{
		State:      state,
		Expires:    -1,
		RetryAfter: -1,
	}

	for i := 1; i < len(parts); i++ {
		kv := strings.SplitN(parts[i], "=", 2)
		if len(kv) != 2 {
			continue
		}

		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])

		switch key {
		case "expires":
			if n, err := strconv.Atoi(val); err == nil {
				ss.Expires = n
			}
		case "reason":
			ss.Reason = val
		case "retry-after":
			if n, err := strconv.Atoi(val); err == nil {
				ss.RetryAfter = n
			}
		}
	}

	return ss, nil
}

// BuildSubscriptionState composes the header value the notifier sends.
// For a live subscription: "<state>;expires=N". For a terminated one:
// "terminated[;reason=R][;retry-after=N]".
func BuildSubscriptionState(state string, expires int, reason string, retryAfter int) string {
	if state != StateTerminated {
		return fmt.Sprintf("%s;expires=%d", state, expires)
	}

	value := StateTerminated
	if reason != "" {
		value += ";reason=" + reason
	}
	if retryAfter >= 0 {
		value += ";retry-after=" + strconv.Itoa(retryAfter)
	}
	return value
}
