package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "coachbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
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

func (s *sqliteStore) PutJob(ctx context.Context, rec JobRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ModifiedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, target, triggers, payload, created_at, modified_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   target=excluded.target,
		   triggers=excluded.triggers,
		   payload=excluded.payload,
		   modified_at=excluded.modified_at`,
		rec.ID, rec.Target, string(rec.Triggers), nullStr(string(rec.Payload)),
		rec.CreatedAt.Format(time.RFC3339Nano), rec.ModifiedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetJob(ctx context.Context, id string) (JobRecord, error) {
	var (
		rec      JobRecord
		triggers string
		payload  sql.NullString
		created  string
		modified string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, target, triggers, payload, created_at, modified_at FROM jobs WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Target, &triggers, &payload, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return JobRecord{}, ErrNotFound
	}
	if err != nil {
		return JobRecord{}, err
	}
	rec.Triggers = []byte(triggers)
	if payload.Valid {
		rec.Payload = []byte(payload.String)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	rec.ModifiedAt, _ = time.Parse(time.RFC3339Nano, modified)
	return rec, nil
}

func (s *sqliteStore) RemoveJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target, triggers, payload, created_at, modified_at FROM jobs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			rec      JobRecord
			triggers string
			payload  sql.NullString
			created  string
			modified string
		)
		if err := rows.Scan(&rec.ID, &rec.Target, &triggers, &payload, &created, &modified); err != nil {
			return nil, err
		}
		rec.Triggers = []byte(triggers)
		if payload.Valid {
			rec.Payload = []byte(payload.String)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		rec.ModifiedAt, _ = time.Parse(time.RFC3339Nano, modified)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetBroadcastConfig(ctx context.Context) (BroadcastConfig, error) {
	var (
		bc                    BroadcastConfig
		active, mondayOff     int
		weekday, hour, minute int
		updated               string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT is_active, send_weekday, send_hour, send_minute, monday_off, updated_at
		 FROM broadcast_config WHERE id = 1`,
	).Scan(&active, &weekday, &hour, &minute, &mondayOff, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return BroadcastConfig{}, ErrNotFound
	}
	if err != nil {
		return BroadcastConfig{}, err
	}
	bc.IsActive = active != 0
	bc.SendWeekday = weekday
	bc.SendHour = hour
	bc.SendMinute = minute
	bc.IsMondayOff = mondayOff != 0
	bc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return bc, nil
}

func (s *sqliteStore) PutBroadcastConfig(ctx context.Context, bc BroadcastConfig) error {
	if bc.UpdatedAt.IsZero() {
		bc.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcast_config(id, is_active, send_weekday, send_hour, send_minute, monday_off, updated_at)
		 VALUES(1,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   is_active=excluded.is_active,
		   send_weekday=excluded.send_weekday,
		   send_hour=excluded.send_hour,
		   send_minute=excluded.send_minute,
		   monday_off=excluded.monday_off,
		   updated_at=excluded.updated_at`,
		boolInt(bc.IsActive), bc.SendWeekday, bc.SendHour, bc.SendMinute,
		boolInt(bc.IsMondayOff), bc.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) PutTraining(ctx context.Context, tr Training) (int64, error) {
	if tr.ID == 0 {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO trainings(chat_id, weekday, start_hour, start_minute, active)
			 VALUES(?,?,?,?,?)`,
			tr.ChatID, tr.Weekday, tr.StartHour, tr.StartMinute, boolInt(tr.Active),
		)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trainings(id, chat_id, weekday, start_hour, start_minute, active)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   chat_id=excluded.chat_id,
		   weekday=excluded.weekday,
		   start_hour=excluded.start_hour,
		   start_minute=excluded.start_minute,
		   active=excluded.active`,
		tr.ID, tr.ChatID, tr.Weekday, tr.StartHour, tr.StartMinute, boolInt(tr.Active),
	)
	return tr.ID, err
}

func (s *sqliteStore) GetTraining(ctx context.Context, id int64) (Training, error) {
	var (
		tr     Training
		active int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, weekday, start_hour, start_minute, active
		 FROM trainings WHERE id = ?`, id,
	).Scan(&tr.ID, &tr.ChatID, &tr.Weekday, &tr.StartHour, &tr.StartMinute, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return Training{}, ErrNotFound
	}
	if err != nil {
		return Training{}, err
	}
	tr.Active = active != 0
	return tr, nil
}

func (s *sqliteStore) RemoveTraining(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM trainings WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ListTrainings(ctx context.Context) ([]Training, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, weekday, start_hour, start_minute, active
		 FROM trainings ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Training
	for rows.Next() {
		var (
			tr     Training
			active int
		)
		if err := rows.Scan(&tr.ID, &tr.ChatID, &tr.Weekday, &tr.StartHour, &tr.StartMinute, &active); err != nil {
			return nil, err
		}
		tr.Active = active != 0
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetDayConfig(ctx context.Context, weekday int) (DayConfig, error) {
	var (
		dc     DayConfig
		active int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT weekday, active, start_hour, start_minute, session_type, location
		 FROM day_config WHERE weekday = ?`, weekday,
	).Scan(&dc.Weekday, &active, &dc.StartHour, &dc.StartMinute, &dc.SessionType, &dc.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return DayConfig{}, ErrNotFound
	}
	if err != nil {
		return DayConfig{}, err
	}
	dc.Active = active != 0
	return dc, nil
}

func (s *sqliteStore) PutDayConfig(ctx context.Context, dc DayConfig) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO day_config(weekday, active, start_hour, start_minute, session_type, location)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(weekday) DO UPDATE SET
		   active=excluded.active,
		   start_hour=excluded.start_hour,
		   start_minute=excluded.start_minute,
		   session_type=excluded.session_type,
		   location=excluded.location`,
		dc.Weekday, boolInt(dc.Active), dc.StartHour, dc.StartMinute, dc.SessionType, dc.Location,
	)
	return err
}

func (s *sqliteStore) ListActiveStudents(ctx context.Context) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, name, active FROM students WHERE active = 1 ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		var (
			st     Student
			active int
		)
		if err := rows.Scan(&st.ChatID, &st.Name, &active); err != nil {
			return nil, err
		}
		st.Active = active != 0
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutStudent(ctx context.Context, st Student) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO students(chat_id, name, active) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   name=excluded.name,
		   active=excluded.active`,
		st.ChatID, st.Name, boolInt(st.Active),
	)
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
