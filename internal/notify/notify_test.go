package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCreateAssignsIDAndNotifiesListeners(t *testing.T) {
	svc := NewService(NewMemory())

	var mu sync.Mutex
	var seen []Notification
	svc.Subscribe(func(n Notification) {
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
	})

	n, err := svc.Create(context.Background(), Notification{
		Subject: "alex",
		Message: "laundry is done",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n.ID == "" {
		t.Error("Create did not assign an id")
	}
	if n.Status != StatusPending {
		t.Errorf("Status = %v, want pending", n.Status)
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		count := len(seen)
		mu.Unlock()
		if count == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0].ID != n.ID {
		t.Errorf("listener saw %+v, want one notification %q", seen, n.ID)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemory())

	n, err := svc.Create(ctx, Notification{Subject: "alex", Message: "hi"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	first, err := svc.Ack(ctx, n.ID, ActionAcknowledged)
	if err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if first.Status != StatusAcknowledged {
		t.Fatalf("Status = %v, want acknowledged", first.Status)
	}

	// Re-acking (even with a different action) is a no-op returning success.
	second, err := svc.Ack(ctx, n.ID, ActionDismissed)
	if err != nil {
		t.Fatalf("second Ack: %v", err)
	}
	if second.Status != StatusAcknowledged {
		t.Errorf("Status after re-ack = %v, want acknowledged (unchanged)", second.Status)
	}
	if !second.AckedAt.Equal(first.AckedAt) {
		t.Errorf("AckedAt changed on re-ack: %v -> %v", first.AckedAt, second.AckedAt)
	}
}

func TestAckUnknownNotification(t *testing.T) {
	svc := NewService(NewMemory())
	if _, err := svc.Ack(context.Background(), "missing", ActionAcknowledged); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPendingForExcludesTerminalAndOtherSubjects(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemory())

	a, _ := svc.Create(ctx, Notification{Subject: "alex", Message: "one"})
	if _, err := svc.Create(ctx, Notification{Subject: "alex", Message: "two"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(ctx, Notification{Subject: "sam", Message: "other"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Ack(ctx, a.ID, ActionDismissed); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	pending, err := svc.PendingFor(ctx, "alex", 10)
	if err != nil {
		t.Fatalf("PendingFor: %v", err)
	}
	if len(pending) != 1 || pending[0].Message != "two" {
		t.Errorf("pending = %+v, want only the un-acked alex notification", pending)
	}
}
