package model

import "time"

// Status is the lifecycle state of an appointment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusRefused   Status = "refused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusNoShow    Status = "no_show"
)

// TransitionKind names a requested lifecycle move.
type TransitionKind string

const (
	TransitionAccept   TransitionKind = "accept"
	TransitionRefuse   TransitionKind = "refuse"
	TransitionCancel   TransitionKind = "cancel"
	TransitionComplete TransitionKind = "complete"
	TransitionNoShow   TransitionKind = "no_show"
)

// ActorRole identifies who requested a transition.
type ActorRole string

const (
	ActorClient       ActorRole = "client"
	ActorProfessional ActorRole = "pro"
	ActorSystem       ActorRole = "system"
)

type Actor struct {
	ID   string
	Role ActorRole
}

// StatusChange is one append-only history entry. History is never rewritten;
// the last entry always matches the appointment's current status.
type StatusChange struct {
	Status    Status
	ChangedAt time.Time
	ChangedBy string
	Reason    string
}

// Address is where the service is performed (displacement services).
type Address struct {
	Street         string
	City           string
	ZipCode        string
	Country        string
	Latitude       *float64
	Longitude      *float64
	AdditionalInfo string
}

// Appointment is the central entity of the booking flow. Money fields are
// integer cents; the pricing snapshot is immutable once the deposit is paid.
type Appointment struct {
	ID             string
	ClientID       string
	ProfessionalID string
	ServiceID      string

	StartAt         time.Time
	EndAt           time.Time
	DurationMinutes int
	Address         Address

	Status        Status
	StatusHistory []StatusChange

	BasePriceCents    int64
	EmergencyFeeCents int64
	WeekendFeeCents   int64
	FinalPriceCents   int64
	DepositCents      int64
	IsEmergency       bool
	IsWeekend         bool

	DepositPaid       bool
	DepositIntentID   string
	DepositChargeID   string
	RefundCents       int64
	RefundReason      string
	RefundProcessedAt *time.Time
	RefundID          string

	CancelledAt          *time.Time
	CancelledBy          string
	CancellationReason   string
	CancellationFeeCents int64

	ClientNotes string
	ProNotes    string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

var transitions = map[Status]map[TransitionKind]Status{
	StatusPending: {
		TransitionAccept: StatusAccepted,
		TransitionRefuse: StatusRefused,
		TransitionCancel: StatusCancelled,
	},
	StatusAccepted: {
		TransitionCancel:   StatusCancelled,
		TransitionComplete: StatusCompleted,
		TransitionNoShow:   StatusNoShow,
	},
}

// NextStatus returns the state reached by applying kind from the given
// status, and whether the move is legal. Terminal states allow nothing.
func NextStatus(from Status, kind TransitionKind) (Status, bool) {
	next, ok := transitions[from][kind]
	return next, ok
}

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// CanBeCancelled mirrors the booking rule: only non-terminal appointments
// scheduled in the future may be cancelled.
func (a *Appointment) CanBeCancelled(now time.Time) bool {
	if a.Status != StatusPending && a.Status != StatusAccepted {
		return false
	}
	return a.StartAt.After(now)
}

// ServicePricing is the pricing snapshot source read from the service
// catalogue at booking time.
type ServicePricing struct {
	ServiceID           string
	ProfessionalID      string
	BasePriceCents      int64
	EmergencyEligible   bool
	EmergencyMultiplier float64
	WeekendMultiplier   float64
	DurationMinutes     int
	Active              bool
}
