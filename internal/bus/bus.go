package bus

import (
	"time"

	"github.com/asaskevich/EventBus"
	log "github.com/sirupsen/logrus"
)

// Topics published on the process-local event bus.
const (
	// TopicPositionState carries StateChange payloads on every change to a
	// position's lifecycle state, quantity, or realized P&L.
	TopicPositionState = "position.state"
	// TopicUserNotify carries Notification payloads bound for the operator.
	TopicUserNotify = "user.notify"
)

// StateChange is the payload published on TopicPositionState.
type StateChange struct {
	PositionID       string  `json:"position_id"`
	LifecycleState   string  `json:"lifecycle_state"`
	Quantity         int     `json:"quantity"`
	TotalRealizedPnL float64 `json:"total_realized_pnl"`
}

// Notification is the payload published on TopicUserNotify.
type Notification struct {
	UserID     string    `json:"user_id"`
	PositionID string    `json:"position_id,omitempty"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	SentAt     time.Time `json:"sent_at"`
}

// Notification kinds.
const (
	NotifyTargetFilled      = "target_filled"
	NotifyDTEClosure        = "dte_closure_submitted"
	NotifyRetriesExhausted  = "retries_exhausted"
	NotifySubmissionErrored = "submission_errored"
	NotifyReconcileRepair   = "reconcile_repair"
)

// Broadcaster publishes position state changes to interested subscribers.
type Broadcaster interface {
	PublishState(change StateChange)
}

// Notifier delivers operator-facing notifications.
type Notifier interface {
	Notify(userID string, n Notification)
}

// Bus wraps an EventBus with the two topics this service publishes.
type Bus struct {
	eb EventBus.Bus
}

// New creates a Bus with a log sink already subscribed to both topics, so
// every broadcast and notification shows up in the process log even with no
// other subscribers attached.
func New() *Bus {
	b := &Bus{eb: EventBus.New()}
	if err := b.SubscribeState(func(c StateChange) {
		log.WithFields(log.Fields{
			"position": c.PositionID,
			"state":    c.LifecycleState,
			"quantity": c.Quantity,
			"pnl":      c.TotalRealizedPnL,
		}).Info("position state changed")
	}); err != nil {
		log.WithError(err).Warn("state log sink subscription failed")
	}
	if err := b.SubscribeNotify(func(n Notification) {
		log.WithFields(log.Fields{
			"user":     n.UserID,
			"position": n.PositionID,
			"kind":     n.Kind,
		}).Info(n.Message)
	}); err != nil {
		log.WithError(err).Warn("notify log sink subscription failed")
	}
	return b
}

// PublishState publishes a position state change on TopicPositionState.
func (b *Bus) PublishState(change StateChange) {
	b.eb.Publish(TopicPositionState, change)
}

// Notify publishes an operator notification on TopicUserNotify. The timestamp
// is stamped here if the caller left it zero.
func (b *Bus) Notify(userID string, n Notification) {
	n.UserID = userID
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	b.eb.Publish(TopicUserNotify, n)
}

// SubscribeState attaches a synchronous subscriber to TopicPositionState.
func (b *Bus) SubscribeState(fn func(StateChange)) error {
	return b.eb.Subscribe(TopicPositionState, fn)
}

// SubscribeNotify attaches a synchronous subscriber to TopicUserNotify.
func (b *Bus) SubscribeNotify(fn func(Notification)) error {
	return b.eb.Subscribe(TopicUserNotify, fn)
}

var (
	_ Broadcaster = (*Bus)(nil)
	_ Notifier    = (*Bus)(nil)
)
