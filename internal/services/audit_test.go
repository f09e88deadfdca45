package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/CallMeGwei/paycheck/internal/models"
)

func TestAuditService_DisabledRecordIsNoOp(t *testing.T) {
	// Recording must never fail or block the triggering operation, even
	// with no audit store behind the service.
	svc := NewAuditService(nil, false, 90)
	defer svc.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 2000; i++ {
			svc.Record(models.AuditEntry{
				ActorType:    models.ActorPublic,
				Action:       "license.redeem",
				ResourceType: "device",
				ResourceID:   uuid.NewString(),
			})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked the caller")
	}
}

func TestAuditService_PurgeDisabledByZeroRetention(t *testing.T) {
	svc := NewAuditService(nil, false, 0)
	defer svc.Close()

	purged, err := svc.PurgePublic(context.Background())
	if err != nil {
		t.Fatalf("purge with zero retention should be a no-op, got %v", err)
	}
	if purged != 0 {
		t.Fatalf("purged = %d, want 0", purged)
	}
}
