package engine

import "lineup/internal/domain"

// Mission status values.
const (
	StatusPublished  = "published"
	StatusAccepted   = "accepted"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Progress status values.
const (
	ProgressPending   = "pending"
	ProgressEnRoute   = "en_route"
	ProgressArrived   = "arrived"
	ProgressQueueing  = "queueing"
	ProgressDone      = "done"
	ProgressCancelled = "cancelled"
)

// Booking status values.
const (
	BookingOpen       = "open"
	BookingConfirmed  = "confirmed"
	BookingInProgress = "in_progress"
	BookingCompleted  = "completed"
	BookingCancelled  = "cancelled"
)

// Payment status values.
const (
	PaymentPending         = "pending"
	PaymentAuthorized      = "authorized"
	PaymentReadyForCapture = "ready_for_capture"
	PaymentCaptured        = "captured"
	PaymentCancelled       = "cancelled"
)

// Composite is the mission's four status fields treated as one unit.
// All writes go through the engine so no caller can produce an illegal
// combination of the individual fields.
type Composite struct {
	Status   string
	Progress string
	Booking  string
	Payment  string
}

func stateOpen() Composite {
	return Composite{StatusPublished, ProgressPending, BookingOpen, PaymentPending}
}

func stateAssigned(payment string) Composite {
	return Composite{StatusAccepted, ProgressPending, BookingConfirmed, payment}
}

func stateUnderway(progress, payment string) Composite {
	return Composite{StatusInProgress, progress, BookingInProgress, payment}
}

// stateDone moves payment to ready_for_capture unless money already moved.
func stateDone(payment string) Composite {
	if payment != PaymentCaptured {
		payment = PaymentReadyForCapture
	}
	return Composite{StatusCompleted, ProgressDone, BookingCompleted, payment}
}

// stateCancelled collapses everything to cancelled. Captured money is
// never silently reverted, so payment stays captured once captured.
func stateCancelled(payment string) Composite {
	if payment != PaymentCaptured {
		payment = PaymentCancelled
	}
	return Composite{StatusCancelled, ProgressCancelled, BookingCancelled, payment}
}

func compositeOf(m domain.Mission) Composite {
	return Composite{m.Status, m.ProgressStatus, m.BookingStatus, m.PaymentStatus}
}

func applyComposite(m *domain.Mission, c Composite) {
	m.Status = c.Status
	m.ProgressStatus = c.Progress
	m.BookingStatus = c.Booking
	m.PaymentStatus = c.Payment
}

var progressRank = map[string]int{
	ProgressPending:  0,
	ProgressEnRoute:  1,
	ProgressArrived:  2,
	ProgressQueueing: 3,
	ProgressDone:     4,
}

// ensureProgressAdvance validates a liner's progress update. Stages only
// move forward; done and cancelled are handled by dedicated transitions.
func ensureProgressAdvance(old, next string) error {
	switch next {
	case ProgressEnRoute, ProgressArrived, ProgressQueueing:
	default:
		return preconditionf("progress stage %s cannot be set directly", next)
	}
	switch old {
	case ProgressDone:
		return preconditionf("mission already completed")
	case ProgressCancelled:
		return preconditionf("mission already cancelled")
	}
	if progressRank[next] <= progressRank[old] {
		return preconditionf("progress cannot move from %s back to %s", old, next)
	}
	return nil
}
