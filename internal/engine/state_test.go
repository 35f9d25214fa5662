package engine

import "testing"

func TestEnsureProgressAdvance(t *testing.T) {
	cases := []struct {
		name    string
		old     string
		next    string
		wantErr bool
	}{
		{"pending to en_route", ProgressPending, ProgressEnRoute, false},
		{"pending to queueing skips stages", ProgressPending, ProgressQueueing, false},
		{"en_route to arrived", ProgressEnRoute, ProgressArrived, false},
		{"arrived to queueing", ProgressArrived, ProgressQueueing, false},
		{"same stage", ProgressArrived, ProgressArrived, true},
		{"backward", ProgressQueueing, ProgressArrived, true},
		{"done set directly", ProgressQueueing, ProgressDone, true},
		{"cancelled set directly", ProgressEnRoute, ProgressCancelled, true},
		{"pending set directly", ProgressEnRoute, ProgressPending, true},
		{"after done", ProgressDone, ProgressEnRoute, true},
		{"after cancelled", ProgressCancelled, ProgressEnRoute, true},
		{"unknown stage", ProgressPending, "teleported", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ensureProgressAdvance(tc.old, tc.next)
			if tc.wantErr && err == nil {
				t.Fatalf("ensureProgressAdvance(%s, %s) = nil, want error", tc.old, tc.next)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("ensureProgressAdvance(%s, %s) = %v", tc.old, tc.next, err)
			}
		})
	}
}

func TestStateDonePreservesCapturedPayment(t *testing.T) {
	if got := stateDone(PaymentAuthorized); got.Payment != PaymentReadyForCapture {
		t.Fatalf("stateDone(authorized).Payment = %s, want ready_for_capture", got.Payment)
	}
	if got := stateDone(PaymentCaptured); got.Payment != PaymentCaptured {
		t.Fatalf("stateDone(captured).Payment = %s, want captured", got.Payment)
	}
	got := stateDone(PaymentPending)
	if got.Status != StatusCompleted || got.Progress != ProgressDone || got.Booking != BookingCompleted {
		t.Fatalf("stateDone = %+v", got)
	}
}

func TestStateCancelledPreservesCapturedPayment(t *testing.T) {
	if got := stateCancelled(PaymentAuthorized); got.Payment != PaymentCancelled {
		t.Fatalf("stateCancelled(authorized).Payment = %s, want cancelled", got.Payment)
	}
	if got := stateCancelled(PaymentCaptured); got.Payment != PaymentCaptured {
		t.Fatalf("stateCancelled(captured).Payment = %s, want captured", got.Payment)
	}
	got := stateCancelled(PaymentPending)
	if got.Status != StatusCancelled || got.Progress != ProgressCancelled || got.Booking != BookingCancelled {
		t.Fatalf("stateCancelled = %+v", got)
	}
}
