package services

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/CallMeGwei/paycheck/internal/metrics"
	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/repository"
)

// AuditService records every state-changing action to the audit store.
// Writes are fire-and-forget through a bounded queue: a failing or slow
// audit store never fails the operation that triggered the record.
type AuditService struct {
	db            *repository.PostgresDB
	enabled       bool
	retentionDays int
	queue         chan models.AuditEntry
	done          chan struct{}
}

// NewAuditService creates the recorder and starts its writer goroutine.
// db may target a different database than the operational store.
func NewAuditService(db *repository.PostgresDB, enabled bool, retentionDays int) *AuditService {
	s := &AuditService{
		db:            db,
		enabled:       enabled,
		retentionDays: retentionDays,
		queue:         make(chan models.AuditEntry, 1024),
		done:          make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues an audit entry. On a full queue the record is dropped
// with a log line rather than blocking the caller.
func (s *AuditService) Record(entry models.AuditEntry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}
	if !s.enabled {
		return
	}
	select {
	case s.queue <- entry:
	default:
		metrics.AuditDropped.Inc()
		log.Printf("audit queue full, dropping %s %s/%s", entry.Action, entry.ResourceType, entry.ResourceID)
	}
}

// Close drains the queue and stops the writer.
func (s *AuditService) Close() {
	close(s.queue)
	<-s.done
}

func (s *AuditService) run() {
	defer close(s.done)
	for entry := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.insert(ctx, entry); err != nil {
			log.Printf("audit write failed: %v", err)
		}
		cancel()
	}
}

func (s *AuditService) insert(ctx context.Context, e models.AuditEntry) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO audit_logs (id, timestamp, actor_type, user_id, user_email, user_name,
			action, resource_type, resource_id, resource_name, details,
			org_id, org_name, project_id, project_name,
			impersonator_user_id, impersonator_email, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, e.ID, e.Timestamp, e.ActorType, e.UserID, e.UserEmail, e.UserName,
		e.Action, e.ResourceType, e.ResourceID, e.ResourceName, e.Details,
		e.OrgID, e.OrgName, e.ProjectID, e.ProjectName,
		e.ImpersonatorUserID, e.ImpersonatorEmail, e.IPAddress, e.UserAgent)
	return err
}

// AuditFilter narrows a query over the audit trail.
type AuditFilter struct {
	ActorType    string
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   string
	OrgID        *uuid.UUID
	ProjectID    *uuid.UUID
	Since        int64
	Until        int64
	Limit        int
	Offset       int
}

// Query returns matching entries newest-first, plus the total match count.
func (s *AuditService) Query(ctx context.Context, f AuditFilter) ([]models.AuditEntry, int, error) {
	limit := f.Limit
	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	where := "WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}
	if f.ActorType != "" {
		where += " AND actor_type = " + arg(f.ActorType)
	}
	if f.UserID != nil {
		where += " AND user_id = " + arg(*f.UserID)
	}
	if f.Action != "" {
		where += " AND action = " + arg(f.Action)
	}
	if f.ResourceType != "" {
		where += " AND resource_type = " + arg(f.ResourceType)
	}
	if f.ResourceID != "" {
		where += " AND resource_id = " + arg(f.ResourceID)
	}
	if f.OrgID != nil {
		where += " AND org_id = " + arg(*f.OrgID)
	}
	if f.ProjectID != nil {
		where += " AND project_id = " + arg(*f.ProjectID)
	}
	if f.Since > 0 {
		where += " AND timestamp >= " + arg(f.Since)
	}
	if f.Until > 0 {
		where += " AND timestamp <= " + arg(f.Until)
	}

	var total int
	if err := s.db.Pool().QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT id, timestamp, actor_type, user_id, user_email, user_name,
		action, resource_type, resource_id, resource_name, details,
		org_id, org_name, project_id, project_name,
		impersonator_user_id, impersonator_email, ip_address, user_agent
		FROM audit_logs ` + where +
		" ORDER BY timestamp DESC LIMIT " + arg(limit) + " OFFSET " + arg(offset)

	rows, err := s.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := make([]models.AuditEntry, 0)
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActorType, &e.UserID, &e.UserEmail, &e.UserName,
			&e.Action, &e.ResourceType, &e.ResourceID, &e.ResourceName, &e.Details,
			&e.OrgID, &e.OrgName, &e.ProjectID, &e.ProjectName,
			&e.ImpersonatorUserID, &e.ImpersonatorEmail, &e.IPAddress, &e.UserAgent); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}

// PurgePublic removes public-actor entries older than the retention window.
// Internal actors are retained indefinitely. Called at startup.
func (s *AuditService) PurgePublic(ctx context.Context) (int64, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Unix() - int64(s.retentionDays)*86400
	tag, err := s.db.Pool().Exec(ctx,
		"DELETE FROM audit_logs WHERE actor_type = 'public' AND timestamp < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
