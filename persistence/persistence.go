// SPDX-License-Identifier: GPL-3.0-or-later
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/CrawX/go-imap-mailstream/domain"
	"github.com/CrawX/go-imap-mailstream/persistence/migrations"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rubenv/sql-migrate"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const (
	DriverSqlite3  = "sqlite3"
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"
)

type Persistence struct {
	db *sqlx.DB
	l  *logrus.Logger
}

var _ domain.Persistence = &Persistence{}

// NewPersistence connects to datasource with one of the supported drivers and migrates the schema
// to the newest version.
func NewPersistence(driver, datasource string, l *logrus.Logger) (*Persistence, error) {
	dialect, err := migrationDialect(driver)
	if err != nil {
		return nil, err
	}

	if driver == DriverSqlite {
		sqlx.BindDriver(DriverSqlite, sqlx.QUESTION)
	}

	db, err := sqlx.Connect(driver, datasource)
	if err != nil {
		return nil, fmt.Errorf("could not open db: %w", err)
	}

	l.WithField("driver", driver).Info("Connected")

	if dialect == DriverSqlite3 {
		err = setupSqlite(db, datasource)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	migrationSource := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrations.FS,
		Root:       "sql/" + dialect,
	}

	appliedMigrations, err := migrate.Exec(db.DB, dialect, migrationSource, migrate.Up)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not migrate to newest version: %w", err)
	}

	l.WithField("migrations", appliedMigrations).Debug("Executed migrations")

	return &Persistence{
		db: db,
		l:  l,
	}, nil
}

func migrationDialect(driver string) (string, error) {
	switch driver {
	case DriverSqlite3, DriverSqlite:
		return DriverSqlite3, nil
	case DriverPostgres:
		return DriverPostgres, nil
	}

	return "", fmt.Errorf("unsupported database driver %q", driver)
}

func setupSqlite(db *sqlx.DB, datasource string) error {
	// pragmas are per connection
	db.SetMaxOpenConns(1)

	if datasource != ":memory:" {
		_, err := db.Exec(`PRAGMA journal_mode=WAL`)
		if err != nil {
			return fmt.Errorf("could not set journal mode: %w", err)
		}
	}
	_, err := db.Exec(`PRAGMA synchronous=normal`)
	if err != nil {
		return fmt.Errorf("could not set synchronous mode: %w", err)
	}
	_, err = db.Exec(`PRAGMA foreign_keys=ON`)
	if err != nil {
		return fmt.Errorf("could not enable foreign keys: %w", err)
	}

	return nil
}

func (p *Persistence) Close() error {
	err := p.db.Close()
	if err != nil {
		return fmt.Errorf("could not close db: %w", err)
	}
	p.l.Info("Disconnected")
	return nil
}

type dbAccount struct {
	Id       int64  `db:"id"`
	Email    string `db:"email"`
	Password string `db:"password"`
}

func (a *dbAccount) toDomain() *domain.Account {
	return &domain.Account{
		Id:       a.Id,
		Email:    a.Email,
		Password: a.Password,
	}
}

// FindAccountByEmail returns nil if no account is registered for email.
func (p *Persistence) FindAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	account := dbAccount{}
	err := p.db.GetContext(
		ctx,
		&account,
		p.db.Rebind("SELECT id, email, password FROM accounts WHERE email = ?"),
		email,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return account.toDomain(), nil
}

// UpsertAccount registers email or replaces the password of an existing registration.
func (p *Persistence) UpsertAccount(ctx context.Context, email, password string) (*domain.Account, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("could not start transaction: %w", err)
	}

	account := dbAccount{}
	err = tx.GetContext(
		ctx,
		&account,
		tx.Rebind("SELECT id, email, password FROM accounts WHERE email = ?"),
		email,
	)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		account = dbAccount{Email: email, Password: password}
		err = tx.GetContext(
			ctx,
			&account.Id,
			tx.Rebind("INSERT INTO accounts (email, password) VALUES (?, ?) RETURNING id"),
			email, password,
		)
		if err != nil {
			return nil, txEnd(tx, fmt.Errorf("could not create account: %w", err))
		}
		p.l.WithField("email", email).Info("Created account")
	case err != nil:
		return nil, txEnd(tx, fmt.Errorf("could not query db: %w", err))
	default:
		account.Password = password
		_, err = tx.ExecContext(
			ctx,
			tx.Rebind("UPDATE accounts SET password = ? WHERE id = ?"),
			password, account.Id,
		)
		if err != nil {
			return nil, txEnd(tx, fmt.Errorf("could not update account: %w", err))
		}
		p.l.WithField("email", email).Info("Updated account")
	}

	err = txEnd(tx, nil)
	if err != nil {
		return nil, err
	}

	return account.toDomain(), nil
}

type dbMessage struct {
	Id         int64      `db:"id"`
	MessageId  string     `db:"message_id"`
	Subject    string     `db:"subject"`
	MailFrom   string     `db:"mail_from"`
	SentAt     *time.Time `db:"sent_at"`
	ReceivedAt *time.Time `db:"received_at"`
	BodyText   string     `db:"body_text"`
}

func (m *dbMessage) toDomain() *domain.Message {
	return &domain.Message{
		Id:         m.Id,
		MessageId:  m.MessageId,
		Subject:    m.Subject,
		MailFrom:   m.MailFrom,
		SentAt:     m.SentAt,
		ReceivedAt: m.ReceivedAt,
		BodyText:   m.BodyText,
	}
}

// UpsertMessage inserts message or overwrites every field of the stored message with the same
// message id. The returned message carries the database id.
func (p *Persistence) UpsertMessage(ctx context.Context, message *domain.Message) (*domain.Message, error) {
	var id int64
	err := p.db.GetContext(
		ctx,
		&id,
		p.db.Rebind(`INSERT INTO messages (message_id, subject, mail_from, sent_at, received_at, body_text)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (message_id) DO UPDATE SET
				subject = excluded.subject,
				mail_from = excluded.mail_from,
				sent_at = excluded.sent_at,
				received_at = excluded.received_at,
				body_text = excluded.body_text
			RETURNING id`),
		message.MessageId,
		message.Subject,
		message.MailFrom,
		utc(message.SentAt),
		utc(message.ReceivedAt),
		message.BodyText,
	)
	if err != nil {
		return nil, fmt.Errorf("could not save message: %w", err)
	}

	p.l.WithFields(logrus.Fields{"id": id, "messageid": message.MessageId}).Debug("Persisted message")

	saved := *message
	saved.Id = id
	return &saved, nil
}

// FindMessageByMessageId returns nil if no message with messageId is stored.
func (p *Persistence) FindMessageByMessageId(ctx context.Context, messageId string) (*domain.Message, error) {
	message := dbMessage{}
	err := p.db.GetContext(
		ctx,
		&message,
		p.db.Rebind(`SELECT id, message_id, subject, mail_from, sent_at, received_at, body_text
			FROM messages WHERE message_id = ?`),
		messageId,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	return message.toDomain(), nil
}

type dbAttachment struct {
	Id        int64  `db:"id"`
	MessageId int64  `db:"message_id"`
	File      string `db:"file"`
	Filename  string `db:"filename"`
	Url       string `db:"url"`
}

func (p *Persistence) CreateAttachment(ctx context.Context, attachment *domain.Attachment) (*domain.Attachment, error) {
	var id int64
	err := p.db.GetContext(
		ctx,
		&id,
		p.db.Rebind("INSERT INTO attachments (message_id, file, filename, url) VALUES (?, ?, ?, ?) RETURNING id"),
		attachment.MessageId,
		attachment.File,
		attachment.Filename,
		attachment.Url,
	)
	if err != nil {
		return nil, fmt.Errorf("could not save attachment: %w", err)
	}

	p.l.WithFields(logrus.Fields{"id": id, "message": attachment.MessageId, "file": attachment.File}).Debug("Persisted attachment")

	saved := *attachment
	saved.Id = id
	return &saved, nil
}

func (p *Persistence) AttachmentsForMessage(ctx context.Context, id int64) ([]*domain.Attachment, error) {
	dbAttachments := []dbAttachment{}
	err := p.db.SelectContext(
		ctx,
		&dbAttachments,
		p.db.Rebind("SELECT id, message_id, file, filename, url FROM attachments WHERE message_id = ? ORDER BY id"),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("could not query db: %w", err)
	}

	attachments := []*domain.Attachment{}
	for _, a := range dbAttachments {
		attachments = append(
			attachments,
			&domain.Attachment{
				Id:        a.Id,
				MessageId: a.MessageId,
				File:      a.File,
				Filename:  a.Filename,
				Url:       a.Url,
			},
		)
	}

	return attachments, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func txEnd(tx *sqlx.Tx, err error) error {
	if err == nil {
		err = tx.Commit()
		if err != nil {
			return fmt.Errorf("could not commit tx: %w", err)
		}
	} else {
		rollbackErr := tx.Rollback()
		if rollbackErr != nil {
			errStr := err.Error()
			return fmt.Errorf("%s, could not rollback tx: %w", errStr, rollbackErr)
		} else {
			return err
		}
	}

	return nil
}
