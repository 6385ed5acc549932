package sipevents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventHeader(t *testing.T) {
	ev, err := ParseEventHeader("weather")
	require.NoError(t, err)
	assert.Equal(t, "weather", ev.Name)
	assert.Empty(t, ev.ID)

	ev, err = ParseEventHeader("weather;id=a1")
	require.NoError(t, err)
	assert.Equal(t, "weather", ev.Name)
	assert.Equal(t, "a1", ev.ID)

	ev, err = ParseEventHeader(" weather ; id = a1 ")
	require.NoError(t, err)
	assert.Equal(t, "weather", ev.Name)
	assert.Equal(t, "a1", ev.ID)

	_, err = ParseEventHeader("")
	assert.ErrorIs(t, err, ErrInvalidEventHeader)

	_, err = ParseEventHeader(";id=a1")
	assert.ErrorIs(t, err, ErrInvalidEventHeader)
}

func TestEventIDMatch(t *testing.T) {
	bare, err := ParseEventHeader("weather")
	require.NoError(t, err)

	// An empty id parameter and an absent one name the same event.
	emptyID, err := ParseEventHeader("weather;id=")
	require.NoError(t, err)
	assert.True(t, bare.Match(emptyID))

	withID, err := ParseEventHeader("weather;id=a1")
	require.NoError(t, err)
	assert.False(t, bare.Match(withID))
	assert.True(t, withID.Match(EventID{Name: "weather", ID: "a1"}))

	other, err := ParseEventHeader("presence")
	require.NoError(t, err)
	assert.False(t, bare.Match(other))
}

func TestEventIDString(t *testing.T) {
	assert.Equal(t, "weather", EventID{Name: "weather"}.String())
	assert.Equal(t, "weather;id=a1", EventID{Name: "weather", ID: "a1"}.String())
}

func TestParseSubscriptionState(t *testing.T) {
	ss, err := ParseSubscriptionState("active;expires=60")
	require.NoError(t, err)
	assert.Equal(t, StateActive, ss.State)
	assert.Equal(t, 60, ss.Expires)
	assert.Empty(t, ss.Reason)
	assert.Equal(t, -1, ss.RetryAfter)

	ss, err = ParseSubscriptionState("terminated;reason=timeout;retry-after=5")
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, ss.State)
	assert.Equal(t, -1, ss.Expires)
	assert.Equal(t, "timeout", ss.Reason)
	assert.Equal(t, 5, ss.RetryAfter)

	ss, err = ParseSubscriptionState("Pending")
	require.NoError(t, err)
	assert.Equal(t, StatePending, ss.State)

	_, err = ParseSubscriptionState("")
	assert.Error(t, err)

	_, err = ParseSubscriptionState("   ")
	assert.Error(t, err)
}

func TestBuildSubscriptionState(t *testing.T) {
	assert.Equal(t, "active;expires=120", BuildSubscriptionState(StateActive, 120, "", -1))
	assert.Equal(t, "pending;expires=0", BuildSubscriptionState(StatePending, 0, "", -1))
	assert.Equal(t, "terminated", BuildSubscriptionState(StateTerminated, 0, "", -1))
	assert.Equal(t, "terminated;reason=timeout", BuildSubscriptionState(StateTerminated, 0, "timeout", -1))
	assert.Equal(t, "terminated;reason=probation;retry-after=30",
		BuildSubscriptionState(StateTerminated, 0, "probation", 30))
}
