package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"notifyd/internal/domain"
	logx "notifyd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- notifications ----

const notificationCols = `id, user_id, type, title, message, data, channels, priority, status,
	scheduled_at, sent_at, read_at, expires_at, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *sqliteStore) CreateNotification(ctx context.Context, n *domain.Notification) error {
	return s.CreateNotifications(ctx, []*domain.Notification{n})
}

func (s *sqliteStore) CreateNotifications(ctx context.Context, ns []*domain.Notification) error {
	if len(ns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, n := range ns {
		prepareNotification(n, now)
		if err := insertNotification(ctx, tx, n); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func insertNotification(ctx context.Context, ex execer, n *domain.Notification) error {
	data, err := marshalJSON(n.Data)
	if err != nil {
		return fmt.Errorf("notification data: %w", err)
	}
	chans, err := json.Marshal(n.Channels)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO notifications(`+notificationCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, data, string(chans), string(n.Priority), string(n.Status),
		msPtr(n.ScheduledAt), msPtr(n.SentAt), msPtr(n.ReadAt), msPtr(n.ExpiresAt), n.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("notification %s: %w", n.ID, ErrConflict)
	}
	return err
}

func (s *sqliteStore) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notificationCols+` FROM notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Notification{}, fmt.Errorf("notification %s: %w", id, ErrNotFound)
	}
	return n, err
}

func (s *sqliteStore) ListNotifications(ctx context.Context, f NotificationFilter) ([]domain.Notification, int, error) {
	where, args := notificationWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := " ORDER BY created_at DESC, id ASC"
	if f.Oldest {
		order = " ORDER BY created_at ASC, id ASC"
	}
	q := `SELECT ` + notificationCols + ` FROM notifications` + where + order
	qargs := append([]any(nil), args...)
	if f.Limit > 0 {
		q += " LIMIT ? OFFSET ?"
		qargs = append(qargs, f.Limit, max(0, f.Offset))
	} else if f.Offset > 0 {
		q += " LIMIT -1 OFFSET ?"
		qargs = append(qargs, f.Offset)
	}
	rows, err := s.db.QueryContext(ctx, q, qargs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]domain.Notification, 0, 16)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func notificationWhere(f NotificationFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if f.UserID != 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Unread {
		conds = append(conds, "read_at IS NULL")
	}
	if f.DueBy != nil {
		conds = append(conds, "(scheduled_at IS NULL OR scheduled_at <= ?)")
		args = append(args, f.DueBy.UnixMilli())
	}
	if f.ScheduledBy != nil {
		conds = append(conds, "(scheduled_at IS NOT NULL AND scheduled_at <= ?)")
		args = append(args, f.ScheduledBy.UnixMilli())
	}
	if c := f.After; c != nil {
		ms := c.CreatedAt.UnixMilli()
		conds = append(conds, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, ms, ms, c.ID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqliteStore) MarkAllRead(ctx context.Context, userID int64, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		 SET read_at = ?, status = CASE WHEN status = 'sent' THEN 'read' ELSE status END
		 WHERE user_id = ? AND read_at IS NULL`,
		at.UnixMilli(), userID,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) MarkRead(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications
		 SET read_at = COALESCE(read_at, ?), status = CASE WHEN status = 'sent' THEN 'read' ELSE status END
		 WHERE id = ?`,
		at.UnixMilli(), id,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "notification "+id)
}

func (s *sqliteStore) SetDispatchState(ctx context.Context, id string, st DispatchState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET
		   status = CASE
		     WHEN status = 'read' THEN 'read'
		     WHEN ? = 'sent' AND read_at IS NOT NULL THEN 'read'
		     ELSE ? END,
		   sent_at = COALESCE(sent_at, ?),
		   scheduled_at = ?
		 WHERE id = ?`,
		string(st.Status), string(st.Status), msPtr(st.SentAt), msPtr(st.ScheduledAt), id,
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "notification "+id)
}

func (s *sqliteStore) MarkDue(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ph := make([]string, len(ids))
	args := make([]any, 0, len(ids)+1)
	args = append(args, at.UnixMilli())
	for i, id := range ids {
		ph[i] = "?"
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE notifications SET scheduled_at = ?
		 WHERE status = 'pending' AND scheduled_at IS NULL AND id IN (`+strings.Join(ph, ",")+`)`,
		args...,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(sc scanner) (domain.Notification, error) {
	var (
		n                                      domain.Notification
		typ, priority, status, chans           string
		data                                   sql.NullString
		scheduledAt, sentAt, readAt, expiresAt sql.NullInt64
		createdAt                              int64
	)
	if err := sc.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &data, &chans, &priority, &status,
		&scheduledAt, &sentAt, &readAt, &expiresAt, &createdAt); err != nil {
		return domain.Notification{}, err
	}
	n.Type = domain.Type(typ)
	n.Priority = domain.Priority(priority)
	n.Status = domain.Status(status)
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &n.Data); err != nil {
			return domain.Notification{}, fmt.Errorf("notification %s data: %w", n.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(chans), &n.Channels); err != nil {
		return domain.Notification{}, fmt.Errorf("notification %s channels: %w", n.ID, err)
	}
	n.ScheduledAt = timePtr(scheduledAt)
	n.SentAt = timePtr(sentAt)
	n.ReadAt = timePtr(readAt)
	n.ExpiresAt = timePtr(expiresAt)
	n.CreatedAt = time.UnixMilli(createdAt)
	return n, nil
}

// ---- preferences ----

func (s *sqliteStore) GetPreferences(ctx context.Context, userID int64) (domain.Preferences, bool, error) {
	var (
		p                    domain.Preferences
		types, tz            sql.NullString
		qStart, qEnd         sql.NullInt64
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, email, push, sms, in_app, types, quiet_start, quiet_end, timezone, created_at, updated_at
		 FROM preferences WHERE user_id = ?`, userID,
	).Scan(&p.UserID, &p.Email, &p.Push, &p.SMS, &p.InApp, &types, &qStart, &qEnd, &tz, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Preferences{}, false, nil
	}
	if err != nil {
		return domain.Preferences{}, false, err
	}
	p.Types = map[domain.Type]bool{}
	if types.Valid && types.String != "" {
		if err := json.Unmarshal([]byte(types.String), &p.Types); err != nil {
			return domain.Preferences{}, false, fmt.Errorf("preferences %d types: %w", userID, err)
		}
	}
	if qStart.Valid {
		v := domain.TimeOfDay(qStart.Int64)
		p.QuietStart = &v
	}
	if qEnd.Valid {
		v := domain.TimeOfDay(qEnd.Int64)
		p.QuietEnd = &v
	}
	p.Timezone = tz.String
	p.CreatedAt = time.UnixMilli(createdAt)
	p.UpdatedAt = time.UnixMilli(updatedAt)
	return p, true, nil
}

func (s *sqliteStore) PutPreferences(ctx context.Context, p domain.Preferences) error {
	types, err := marshalJSON(p.Types)
	if err != nil {
		return err
	}
	var qStart, qEnd any
	if p.QuietStart != nil {
		qStart = int64(*p.QuietStart)
	}
	if p.QuietEnd != nil {
		qEnd = int64(*p.QuietEnd)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO preferences(user_id, email, push, sms, in_app, types, quiet_start, quiet_end, timezone, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   email=excluded.email, push=excluded.push, sms=excluded.sms, in_app=excluded.in_app,
		   types=excluded.types, quiet_start=excluded.quiet_start, quiet_end=excluded.quiet_end,
		   timezone=excluded.timezone, updated_at=excluded.updated_at`,
		p.UserID, p.Email, p.Push, p.SMS, p.InApp, types, qStart, qEnd, p.Timezone,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	return err
}

// ---- deliveries ----

const deliveryCols = `id, notification_id, user_id, type, channel, status, attempts, max_attempts,
	last_attempt_at, delivered_at, failed_at, error_code, error_message, provider_response, created_at`

func (s *sqliteStore) GetDelivery(ctx context.Context, notificationID string, ch domain.Channel) (domain.Delivery, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE notification_id = ? AND channel = ?`,
		notificationID, string(ch))
	d, err := scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Delivery{}, false, nil
	}
	if err != nil {
		return domain.Delivery{}, false, err
	}
	return d, true, nil
}

func (s *sqliteStore) CreateDelivery(ctx context.Context, d *domain.Delivery) error {
	prepareDelivery(d, time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(`+deliveryCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.NotificationID, d.UserID, string(d.Type), string(d.Channel), string(d.Status), d.Attempts, d.MaxAttempts,
		msPtr(d.LastAttemptAt), msPtr(d.DeliveredAt), msPtr(d.FailedAt),
		nullStr(d.ErrorCode), nullStr(d.ErrorMessage), nullStr(d.ProviderResponse), d.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("delivery %s/%s: %w", d.NotificationID, d.Channel, ErrConflict)
	}
	return err
}

func (s *sqliteStore) UpdateDelivery(ctx context.Context, d domain.Delivery) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status=?, attempts=?, max_attempts=?, last_attempt_at=?, delivered_at=?, failed_at=?,
		 error_code=?, error_message=?, provider_response=? WHERE notification_id=? AND channel=?`,
		string(d.Status), d.Attempts, d.MaxAttempts, msPtr(d.LastAttemptAt), msPtr(d.DeliveredAt), msPtr(d.FailedAt),
		nullStr(d.ErrorCode), nullStr(d.ErrorMessage), nullStr(d.ProviderResponse), d.NotificationID, string(d.Channel),
	)
	if err != nil {
		return err
	}
	return requireAffected(res, "delivery "+d.NotificationID+"/"+string(d.Channel))
}

func (s *sqliteStore) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]domain.Delivery, error) {
	var (
		conds []string
		args  []any
	)
	if f.NotificationID != "" {
		conds = append(conds, "notification_id = ?")
		args = append(args, f.NotificationID)
	}
	if f.UserID != 0 {
		conds = append(conds, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if f.Retryable {
		conds = append(conds, "status = 'pending' AND attempts > 0 AND attempts < max_attempts")
	}
	q := `SELECT ` + deliveryCols + ` FROM deliveries`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY created_at DESC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]domain.Delivery, 0, 16)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelivery(sc scanner) (domain.Delivery, error) {
	var (
		d                              domain.Delivery
		typ, ch, status                string
		lastAttempt, delivered, failed sql.NullInt64
		errCode, errMsg, provider      sql.NullString
		createdAt                      int64
	)
	if err := sc.Scan(&d.ID, &d.NotificationID, &d.UserID, &typ, &ch, &status, &d.Attempts, &d.MaxAttempts,
		&lastAttempt, &delivered, &failed, &errCode, &errMsg, &provider, &createdAt); err != nil {
		return domain.Delivery{}, err
	}
	d.Type = domain.Type(typ)
	d.Channel = domain.Channel(ch)
	d.Status = domain.DeliveryStatus(status)
	d.LastAttemptAt = timePtr(lastAttempt)
	d.DeliveredAt = timePtr(delivered)
	d.FailedAt = timePtr(failed)
	d.ErrorCode = errCode.String
	d.ErrorMessage = errMsg.String
	d.ProviderResponse = provider.String
	d.CreatedAt = time.UnixMilli(createdAt)
	return d, nil
}

// ---- users ----

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (domain.User, error) {
	var (
		u                         domain.User
		name, email, phone, token sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, name, email, phone, device_token FROM users WHERE id = ?`, id).
		Scan(&u.ID, &name, &email, &phone, &token)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, fmt.Errorf("user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return domain.User{}, err
	}
	u.Name, u.Email, u.Phone, u.DeviceToken = name.String, email.String, phone.String, token.String
	return u, nil
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, name, email, phone, device_token) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email,
		   phone=excluded.phone, device_token=excluded.device_token`,
		u.ID, nullStr(u.Name), nullStr(u.Email), nullStr(u.Phone), nullStr(u.DeviceToken),
	)
	return err
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, notification_id, user_id, channel, attempt, ok, error_code, provider_response, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.NotificationID, e.UserID, string(e.Channel), e.Attempt, e.OK,
		nullStr(e.ErrorCode), nullStr(e.ProviderResponse), e.TookMS,
	)
	return err
}

// ---- helpers ----

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func marshalJSON(v any) (any, error) {
	switch m := v.(type) {
	case map[string]any:
		if len(m) == 0 {
			return nil, nil
		}
	case map[domain.Type]bool:
		if len(m) == 0 {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
