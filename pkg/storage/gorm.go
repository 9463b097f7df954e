// Package storage provides repository implementations for the spool.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// DefaultRepository is the repository name used by the spool itself.
const DefaultRepository = "spool"

// putAttempts bounds how often Put retries after losing a sequence race.
const putAttempts = 5

// envelopeRecord is the persisted envelope half of a mail.
type envelopeRecord struct {
	Repository   string    `gorm:"primaryKey;size:64;uniqueIndex:idx_spool_envelopes_repository_seq,priority:1"`
	Name         string    `gorm:"primaryKey;size:200"`
	Seq          int64     `gorm:"uniqueIndex:idx_spool_envelopes_repository_seq,priority:2;not null"`
	Sender       string    `gorm:"size:256"`
	Recipients   string    `gorm:"type:text;not null"` // JSON array
	State        string    `gorm:"index;size:64;not null"`
	ErrorMessage string    `gorm:"type:text"`
	RemoteHost   string    `gorm:"size:255"`
	RemoteAddr   string    `gorm:"size:64"`
	Attributes   string    `gorm:"type:text"` // JSON object
	LastUpdated  time.Time `gorm:"index"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (envelopeRecord) TableName() string { return "spool_envelopes" }

// contentRecord is the persisted content half of a mail.
type contentRecord struct {
	Repository string `gorm:"primaryKey;size:64"`
	Name       string `gorm:"primaryKey;size:200"`
	Data       []byte
}

func (contentRecord) TableName() string { return "spool_contents" }

// GormRepository implements core.Repository using GORM.
// Several named repositories share the same two tables.
type GormRepository struct {
	db   *gorm.DB
	name string
}

// NewGormRepository creates a GORM-backed repository. An empty name selects
// DefaultRepository.
func NewGormRepository(db *gorm.DB, name string) *GormRepository {
	if name == "" {
		name = DefaultRepository
	}
	return &GormRepository{db: db, name: name}
}

// Migrate creates the necessary tables.
func (r *GormRepository) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&envelopeRecord{}, &contentRecord{}, &mailboxRecord{})
}

// Name returns the repository name.
func (r *GormRepository) Name() string {
	return r.name
}

// DB returns the underlying database handle.
func (r *GormRepository) DB() *gorm.DB {
	return r.db
}

// Put inserts or replaces envelope and content in one transaction. A new
// entry takes the next sequence number of its repository; a concurrent
// insert that claimed the same number makes Put try again.
func (r *GormRepository) Put(ctx context.Context, m *core.Mail) error {
	rec, err := r.toRecord(m)
	if err != nil {
		return err
	}
	content := contentRecord{Repository: r.name, Name: m.Name, Data: m.Content}

	for attempt := 1; ; attempt++ {
		err = r.put(ctx, rec, &content)
		if err == nil || !isDuplicateKey(err) || attempt == putAttempts {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
}

func (r *GormRepository) put(ctx context.Context, rec *envelopeRecord, content *contentRecord) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing envelopeRecord
		err := tx.Select("seq").
			Where("repository = ? AND name = ?", r.name, rec.Name).
			Take(&existing).Error
		switch {
		case err == nil:
			if err := tx.Model(&envelopeRecord{}).
				Where("repository = ? AND name = ?", r.name, rec.Name).
				Updates(map[string]any{
					"sender":        rec.Sender,
					"recipients":    rec.Recipients,
					"state":         rec.State,
					"error_message": rec.ErrorMessage,
					"remote_host":   rec.RemoteHost,
					"remote_addr":   rec.RemoteAddr,
					"attributes":    rec.Attributes,
					"last_updated":  rec.LastUpdated,
				}).Error; err != nil {
				return err
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			var maxSeq int64
			if err := tx.Model(&envelopeRecord{}).
				Where("repository = ?", r.name).
				Select("COALESCE(MAX(seq), 0)").
				Scan(&maxSeq).Error; err != nil {
				return err
			}
			rec.Seq = maxSeq + 1
			if err := tx.Create(rec).Error; err != nil {
				return err
			}
		default:
			return err
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repository"}, {Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"data"}),
		}).Create(content).Error
	})
}

// isDuplicateKey reports whether err is a unique constraint violation.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Get loads envelope and content of name.
func (r *GormRepository) Get(ctx context.Context, name string) (*core.Mail, error) {
	var rec envelopeRecord
	err := r.db.WithContext(ctx).
		Where("repository = ? AND name = ?", r.name, name).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var content contentRecord
	err = r.db.WithContext(ctx).
		Where("repository = ? AND name = ?", r.name, name).
		Take(&content).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.Corrupt(name, errors.New("content missing"))
	}
	if err != nil {
		return nil, err
	}

	m, err := fromRecord(&rec)
	if err != nil {
		return nil, err
	}
	m.Content = content.Data
	return m, nil
}

// Stat loads the envelope state and update time only.
func (r *GormRepository) Stat(ctx context.Context, name string) (*core.Entry, error) {
	var rec envelopeRecord
	err := r.db.WithContext(ctx).
		Select("name", "state", "last_updated").
		Where("repository = ? AND name = ?", r.name, name).
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &core.Entry{Name: rec.Name, State: rec.State, LastUpdated: rec.LastUpdated}, nil
}

// Delete removes envelope and content in one transaction.
func (r *GormRepository) Delete(ctx context.Context, name string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("repository = ? AND name = ?", r.name, name).
			Delete(&envelopeRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("repository = ? AND name = ?", r.name, name).
			Delete(&contentRecord{}).Error
	})
}

// Keys lists stored names in insertion order.
func (r *GormRepository) Keys(ctx context.Context) ([]string, error) {
	var names []string
	err := r.db.WithContext(ctx).
		Model(&envelopeRecord{}).
		Where("repository = ?", r.name).
		Order("seq ASC").
		Pluck("name", &names).Error
	return names, err
}

// Count returns the number of stored mails.
func (r *GormRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&envelopeRecord{}).
		Where("repository = ?", r.name).
		Count(&n).Error
	return n, err
}

func (r *GormRepository) toRecord(m *core.Mail) (*envelopeRecord, error) {
	rcpts, err := json.Marshal(m.Recipients)
	if err != nil {
		return nil, fmt.Errorf("spool: encode recipients: %w", err)
	}
	attrs := ""
	if len(m.Attributes) > 0 {
		b, err := json.Marshal(m.Attributes)
		if err != nil {
			return nil, fmt.Errorf("spool: encode attributes: %w", err)
		}
		attrs = string(b)
	}
	return &envelopeRecord{
		Repository:   r.name,
		Name:         m.Name,
		Sender:       m.Sender,
		Recipients:   string(rcpts),
		State:        m.State,
		ErrorMessage: m.ErrorMessage,
		RemoteHost:   m.RemoteHost,
		RemoteAddr:   m.RemoteAddr,
		Attributes:   attrs,
		LastUpdated:  m.LastUpdated,
	}, nil
}

func fromRecord(rec *envelopeRecord) (*core.Mail, error) {
	m := &core.Mail{
		Name:         rec.Name,
		Sender:       rec.Sender,
		State:        rec.State,
		ErrorMessage: rec.ErrorMessage,
		RemoteHost:   rec.RemoteHost,
		RemoteAddr:   rec.RemoteAddr,
		LastUpdated:  rec.LastUpdated,
	}
	if err := json.Unmarshal([]byte(rec.Recipients), &m.Recipients); err != nil {
		return nil, core.Corrupt(rec.Name, fmt.Errorf("recipients: %w", err))
	}
	if rec.Attributes != "" {
		if err := json.Unmarshal([]byte(rec.Attributes), &m.Attributes); err != nil {
			return nil, core.Corrupt(rec.Name, fmt.Errorf("attributes: %w", err))
		}
	}
	if m.State == "" {
		return nil, core.Corrupt(rec.Name, core.ErrInvalidState)
	}
	return m, nil
}
