package sipevents

import "github.com/looplab/fsm"

// State machine events shared by both sides.
const (
	evSubscribe     = "subscribe"
	evNotifyPending = "notify_pending"
	evNotifyActive  = "notify_active"
	evActivate      = "activate"
	evTerminate     = "terminate"
)

// newSubscriberFSM keeps subscriber lifecycle state.
// init       – constructed, nothing sent yet;
// notify_wait – first SUBSCRIBE sent, no NOTIFY seen;
// pending    – NOTIFY carried Subscription-State: pending;
// active     – NOTIFY carried Subscription-State: active;
// terminated – terminal, no further sends or timers.
func newSubscriberFSM() *fsm.FSM {
	return fsm.NewFSM(
		string(SubscriberStateInit),
		fsm.Events{
			{Name: evSubscribe, Src: []string{string(SubscriberStateInit)}, Dst: string(SubscriberStateNotifyWait)},
			{Name: evNotifyPending, Src: []string{string(SubscriberStateNotifyWait), string(SubscriberStateActive)}, Dst: string(SubscriberStatePending)},
			{Name: evNotifyActive, Src: []string{string(SubscriberStateNotifyWait), string(SubscriberStatePending)}, Dst: string(SubscriberStateActive)},
			{Name: evTerminate, Src: []string{
				string(SubscriberStateInit),
				string(SubscriberStateNotifyWait),
				string(SubscriberStatePending),
				string(SubscriberStateActive),
			}, Dst: string(SubscriberStateTerminated)},
		}, nil,
	)
}

// newNotifierFSM keeps notifier lifecycle state. The caller picks whether
// the subscription starts out pending or active.
func newNotifierFSM(pending bool) *fsm.FSM {
	initial := StateActive
	if pending {
		initial = StatePending
	}

	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: evActivate, Src: []string{StatePending}, Dst: StateActive},
			{Name: evTerminate, Src: []string{StatePending, StateActive}, Dst: StateTerminated},
		}, nil,
	)
}
