// Package mariadb implements the destination collaborator surfaces on a
// MariaDB/MySQL database with a Phabricator-shaped schema.
//
// One *sql.DB serves every surface. The Transactor maps the engine's
// commit policies onto a single long-lived *sql.Tx: global commits it,
// rollback discards it, item mode never opens it and every statement
// commits on its own.
package mariadb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // driver
	"github.com/thiblahute/bztophill/internal/store"
)

// Store is a MariaDB-backed destination. It implements
// store.UserDirectory, store.ProjectStore, store.TaskStore,
// store.FileStore, store.PermissionChecker and store.Transactor.
type Store struct {
	db *sql.DB
	tx *sql.Tx
}

// Open connects to the destination database and ensures the schema.
// The DSN must enable parseTime so DATETIME columns scan into time.Time.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS phill_user (
		phid VARCHAR(64) PRIMARY KEY,
		username VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS phill_capability_denial (
		user_phid VARCHAR(64) NOT NULL,
		capability VARCHAR(128) NOT NULL,
		PRIMARY KEY (user_phid, capability)
	)`,
	`CREATE TABLE IF NOT EXISTS phill_project (
		phid VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		slugs TEXT,
		description TEXT,
		author_phid VARCHAR(64) NOT NULL,
		date_created DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS phill_project_member (
		project_phid VARCHAR(64) NOT NULL,
		user_phid VARCHAR(64) NOT NULL,
		PRIMARY KEY (project_phid, user_phid)
	)`,
	`CREATE TABLE IF NOT EXISTS phill_task (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		phid VARCHAR(64) NOT NULL UNIQUE,
		title TEXT,
		description MEDIUMTEXT,
		priority INT NOT NULL DEFAULT 0,
		status VARCHAR(32) NOT NULL DEFAULT 'open',
		author_phid VARCHAR(64) NOT NULL,
		owner_phid VARCHAR(64),
		date_created DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS phill_task_subscriber (
		task_phid VARCHAR(64) NOT NULL,
		user_phid VARCHAR(64) NOT NULL,
		PRIMARY KEY (task_phid, user_phid)
	)`,
	`CREATE TABLE IF NOT EXISTS phill_task_project (
		task_phid VARCHAR(64) NOT NULL,
		project_phid VARCHAR(64) NOT NULL,
		PRIMARY KEY (task_phid, project_phid)
	)`,
	`CREATE TABLE IF NOT EXISTS phill_task_xact (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		task_phid VARCHAR(64) NOT NULL,
		xact_type VARCHAR(32) NOT NULL,
		author_phid VARCHAR(64),
		date_created DATETIME NOT NULL,
		comment MEDIUMTEXT,
		INDEX idx_task_xact_phid (task_phid)
	)`,
	`CREATE TABLE IF NOT EXISTS phill_file (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		phid VARCHAR(64) NOT NULL UNIQUE,
		name VARCHAR(255),
		mime_type VARCHAR(128),
		author_phid VARCHAR(64),
		explicit_upload TINYINT(1) NOT NULL DEFAULT 0,
		data LONGBLOB
	)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensuring schema: %w", err)
		}
	}
	return nil
}

// execer routes statements through the open transaction when the global or
// rollback policy holds one, and straight at the pool otherwise.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *Store) h() execer {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Begin implements store.Transactor.
func (s *Store) Begin(ctx context.Context) error {
	if s.tx != nil {
		return fmt.Errorf("transaction already open")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit implements store.Transactor.
func (s *Store) Commit(_ context.Context) error {
	if s.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rollback implements store.Transactor.
func (s *Store) Rollback(_ context.Context) error {
	if s.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

// LookupByEmail implements store.UserDirectory.
func (s *Store) LookupByEmail(ctx context.Context, address string) (*store.User, error) {
	var u store.User
	err := s.h().QueryRowContext(ctx,
		`SELECT phid, username, email FROM phill_user WHERE email = ?`, address).
		Scan(&u.PHID, &u.UserName, &u.Email)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("user <%s>: %w", address, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user <%s>: %w", address, err)
	}
	return &u, nil
}

// RequireCapability implements store.PermissionChecker. Denials are
// explicit rows; everything else is granted.
func (s *Store) RequireCapability(ctx context.Context, actor *store.User, capability string) error {
	var one int
	err := s.h().QueryRowContext(ctx,
		`SELECT 1 FROM phill_capability_denial WHERE user_phid = ? AND capability = ?`,
		actor.PHID, capability).Scan(&one)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking capability %s: %w", capability, err)
	}
	return fmt.Errorf("user %s lacks %s: %w", actor.UserName, capability, store.ErrPermissionDenied)
}

// FindProjectByPHID implements store.ProjectStore.
func (s *Store) FindProjectByPHID(ctx context.Context, pid string) (*store.Project, error) {
	return s.scanProject(ctx, `WHERE phid = ?`, pid)
}

// FindProjectByName implements store.ProjectStore.
func (s *Store) FindProjectByName(ctx context.Context, name string) (*store.Project, error) {
	return s.scanProject(ctx, `WHERE name = ?`, name)
}

func (s *Store) scanProject(ctx context.Context, where string, arg interface{}) (*store.Project, error) {
	var p store.Project
	var slugs sql.NullString
	var desc sql.NullString
	err := s.h().QueryRowContext(ctx,
		`SELECT phid, name, slugs, description, author_phid, date_created FROM phill_project `+where, arg).
		Scan(&p.PHID, &p.Name, &slugs, &desc, &p.AuthorPHID, &p.DateCreated)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up project: %w", err)
	}
	p.Slugs = splitSlugs(slugs.String)
	p.Description = desc.String

	rows, err := s.h().QueryContext(ctx,
		`SELECT user_phid FROM phill_project_member WHERE project_phid = ? ORDER BY user_phid`, p.PHID)
	if err != nil {
		return nil, fmt.Errorf("loading project members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		p.MemberPHIDs = append(p.MemberPHIDs, m)
	}
	return &p, rows.Err()
}

// CreateProject implements store.ProjectStore.
func (s *Store) CreateProject(ctx context.Context, draft *store.Project) error {
	_, err := s.h().ExecContext(ctx,
		`INSERT INTO phill_project (phid, name, slugs, description, author_phid, date_created)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		draft.PHID, draft.Name, joinSlugs(draft.Slugs), draft.Description, draft.AuthorPHID, draft.DateCreated)
	if err != nil {
		return fmt.Errorf("creating project %s: %w", draft.PHID, err)
	}
	return nil
}

// ApplyProjectTransactions implements store.ProjectStore.
func (s *Store) ApplyProjectTransactions(ctx context.Context, project *store.Project, actor *store.User, xacts []*store.Xact) error {
	for _, x := range xacts {
		switch x.Type {
		case store.XactName:
			project.Name = x.Value.(string)
			if err := s.exec(ctx, `UPDATE phill_project SET name = ? WHERE phid = ?`, project.Name, project.PHID); err != nil {
				return err
			}
		case store.XactSlugs:
			project.Slugs = append([]string(nil), x.Value.([]string)...)
			if err := s.exec(ctx, `UPDATE phill_project SET slugs = ? WHERE phid = ?`, joinSlugs(project.Slugs), project.PHID); err != nil {
				return err
			}
		case store.XactDescription:
			project.Description = x.Value.(string)
			if err := s.exec(ctx, `UPDATE phill_project SET description = ? WHERE phid = ?`, project.Description, project.PHID); err != nil {
				return err
			}
		case store.XactMemberEdge:
			es := x.Value.(*store.EdgeSet)
			if err := s.applyEdge(ctx, `phill_project_member`, `project_phid`, `user_phid`, project.PHID, es); err != nil {
				return err
			}
			project.MemberPHIDs = applyEdgeSet(project.MemberPHIDs, es)
		default:
			return fmt.Errorf("project %s: unsupported transaction type %q", project.PHID, x.Type)
		}
	}
	return nil
}

// PersistProject implements store.ProjectStore. Effects are written as
// transactions apply; nothing extra to flush.
func (s *Store) PersistProject(_ context.Context, _ *store.Project) error {
	return nil
}

// FindTaskByPHID implements store.TaskStore.
func (s *Store) FindTaskByPHID(ctx context.Context, pid string) (*store.Task, error) {
	var t store.Task
	var id int64
	var title, desc, owner sql.NullString
	err := s.h().QueryRowContext(ctx,
		`SELECT id, phid, title, description, priority, status, author_phid, owner_phid, date_created
		 FROM phill_task WHERE phid = ?`, pid).
		Scan(&id, &t.PHID, &title, &desc, &t.Priority, &t.Status, &t.AuthorPHID, &owner, &t.DateCreated)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up task %s: %w", pid, err)
	}
	t.Monogram = fmt.Sprintf("T%d", id)
	t.Title = title.String
	t.Description = desc.String
	t.OwnerPHID = owner.String

	if t.SubscriberPHIDs, err = s.edgeList(ctx, `phill_task_subscriber`, `task_phid`, `user_phid`, pid); err != nil {
		return nil, err
	}
	if t.ProjectPHIDs, err = s.edgeList(ctx, `phill_task_project`, `task_phid`, `project_phid`, pid); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask implements store.TaskStore. The monogram comes from the
// auto-increment row id, like the destination's T-numbers.
func (s *Store) CreateTask(ctx context.Context, draft *store.Task) error {
	res, err := s.h().ExecContext(ctx,
		`INSERT INTO phill_task (phid, title, description, priority, status, author_phid, owner_phid, date_created)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		draft.PHID, draft.Title, draft.Description, draft.Priority, draft.Status,
		draft.AuthorPHID, nullStr(draft.OwnerPHID), draft.DateCreated)
	if err != nil {
		return fmt.Errorf("creating task %s: %w", draft.PHID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("creating task %s: %w", draft.PHID, err)
	}
	draft.Monogram = fmt.Sprintf("T%d", id)
	return nil
}

// ApplyTaskTransactions implements store.TaskStore. Every applied
// operation also records a history row, which is what the duplicate
// suppression on re-runs keys off.
func (s *Store) ApplyTaskTransactions(ctx context.Context, task *store.Task, actor *store.User, xacts []*store.Xact) error {
	for _, x := range xacts {
		switch x.Type {
		case store.XactTitle:
			task.Title = x.Value.(string)
			if err := s.exec(ctx, `UPDATE phill_task SET title = ? WHERE phid = ?`, task.Title, task.PHID); err != nil {
				return err
			}
		case store.XactDescription:
			task.Description = x.Value.(string)
			if err := s.exec(ctx, `UPDATE phill_task SET description = ? WHERE phid = ?`, task.Description, task.PHID); err != nil {
				return err
			}
		case store.XactPriority:
			task.Priority = x.Value.(int)
			if err := s.exec(ctx, `UPDATE phill_task SET priority = ? WHERE phid = ?`, task.Priority, task.PHID); err != nil {
				return err
			}
		case store.XactOwner:
			task.OwnerPHID = x.Value.(string)
			if err := s.exec(ctx, `UPDATE phill_task SET owner_phid = ? WHERE phid = ?`, nullStr(task.OwnerPHID), task.PHID); err != nil {
				return err
			}
		case store.XactStatus:
			task.Status = x.Value.(string)
			if err := s.exec(ctx, `UPDATE phill_task SET status = ? WHERE phid = ?`, task.Status, task.PHID); err != nil {
				return err
			}
		case store.XactProjectEdge:
			es := x.Value.(*store.EdgeSet)
			if err := s.applyEdge(ctx, `phill_task_project`, `task_phid`, `project_phid`, task.PHID, es); err != nil {
				return err
			}
			task.ProjectPHIDs = applyEdgeSet(task.ProjectPHIDs, es)
		case store.XactSubscribers:
			es := x.Value.(*store.EdgeSet)
			if err := s.applyEdge(ctx, `phill_task_subscriber`, `task_phid`, `user_phid`, task.PHID, es); err != nil {
				return err
			}
			task.SubscriberPHIDs = applyEdgeSet(task.SubscriberPHIDs, es)
		case store.XactComment:
			// History row below carries the comment.
		default:
			return fmt.Errorf("task %s: unsupported transaction type %q", task.PHID, x.Type)
		}

		var authorPHID string
		if actor != nil {
			authorPHID = actor.PHID
		}
		if err := s.exec(ctx,
			`INSERT INTO phill_task_xact (task_phid, xact_type, author_phid, date_created, comment)
			 VALUES (?, ?, ?, ?, ?)`,
			task.PHID, string(x.Type), nullStr(authorPHID), x.Date, nullStr(x.Comment)); err != nil {
			return err
		}
	}
	return nil
}

// PersistTask implements store.TaskStore.
func (s *Store) PersistTask(_ context.Context, _ *store.Task) error {
	return nil
}

// TaskTransactionTimestamps implements store.TaskStore.
func (s *Store) TaskTransactionTimestamps(ctx context.Context, task *store.Task) ([]time.Time, error) {
	rows, err := s.h().QueryContext(ctx,
		`SELECT date_created FROM phill_task_xact WHERE task_phid = ?`, task.PHID)
	if err != nil {
		return nil, fmt.Errorf("listing task %s transactions: %w", task.PHID, err)
	}
	defer rows.Close()
	var out []time.Time
	for rows.Next() {
		var t time.Time
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Ingest implements store.FileStore.
func (s *Store) Ingest(ctx context.Context, data []byte, meta store.FileMetadata) (*store.File, error) {
	res, err := s.h().ExecContext(ctx,
		`INSERT INTO phill_file (phid, name, mime_type, author_phid, explicit_upload, data)
		 VALUES ('', ?, ?, ?, ?, ?)`,
		meta.Name, meta.MimeType, nullStr(meta.AuthorPHID), meta.ExplicitUpload, data)
	if err != nil {
		return nil, fmt.Errorf("ingesting file %q: %w", meta.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("ingesting file %q: %w", meta.Name, err)
	}
	f := &store.File{
		PHID:     fmt.Sprintf("PHID-FILE-%d", id),
		Monogram: fmt.Sprintf("F%d", id),
		Name:     meta.Name,
	}
	if err := s.exec(ctx, `UPDATE phill_file SET phid = ? WHERE id = ?`, f.PHID, id); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	if _, err := s.h().ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

func (s *Store) edgeList(ctx context.Context, table, keyCol, valCol, key string) ([]string, error) {
	rows, err := s.h().QueryContext(ctx,
		`SELECT `+valCol+` FROM `+table+` WHERE `+keyCol+` = ? ORDER BY `+valCol, key)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", table, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) applyEdge(ctx context.Context, table, keyCol, valCol, key string, es *store.EdgeSet) error {
	if es.Replace {
		if err := s.exec(ctx, `DELETE FROM `+table+` WHERE `+keyCol+` = ?`, key); err != nil {
			return err
		}
		for _, v := range es.Set {
			if err := s.exec(ctx,
				`INSERT IGNORE INTO `+table+` (`+keyCol+`, `+valCol+`) VALUES (?, ?)`, key, v); err != nil {
				return err
			}
		}
		return nil
	}
	for _, v := range es.Add {
		if err := s.exec(ctx,
			`INSERT IGNORE INTO `+table+` (`+keyCol+`, `+valCol+`) VALUES (?, ?)`, key, v); err != nil {
			return err
		}
	}
	for _, v := range es.Remove {
		if err := s.exec(ctx,
			`DELETE FROM `+table+` WHERE `+keyCol+` = ? AND `+valCol+` = ?`, key, v); err != nil {
			return err
		}
	}
	return nil
}

func applyEdgeSet(current []string, es *store.EdgeSet) []string {
	if es.Replace {
		return append([]string(nil), es.Set...)
	}
	out := append([]string(nil), current...)
	for _, v := range es.Add {
		found := false
		for _, x := range out {
			if x == v {
				found = true
				break
			}
		}
		if !found {
			out = append(out, v)
		}
	}
	if len(es.Remove) > 0 {
		filtered := out[:0]
		for _, v := range out {
			drop := false
			for _, r := range es.Remove {
				if r == v {
					drop = true
					break
				}
			}
			if !drop {
				filtered = append(filtered, v)
			}
		}
		out = filtered
	}
	return out
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func joinSlugs(slugs []string) string {
	return strings.Join(slugs, ",")
}

func splitSlugs(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
