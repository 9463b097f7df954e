package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gorm.io/gorm"

	"github.com/jdziat/simple-mail-spool/pkg/core"
)

// mailboxRecord is one locally delivered message copy.
type mailboxRecord struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Recipient   string    `gorm:"index;size:256;not null"`
	MailName    string    `gorm:"index;size:200;not null"`
	Sender      string    `gorm:"size:256"`
	Content     []byte
	DeliveredAt time.Time `gorm:"autoCreateTime"`
}

func (mailboxRecord) TableName() string { return "mailbox_messages" }

// MailboxMessage is a delivered message as read back from a mailbox.
type MailboxMessage struct {
	ID          string
	MailName    string
	Sender      string
	Content     []byte
	DeliveredAt time.Time
}

// GormMailbox stores local deliveries in the mailbox_messages table.
type GormMailbox struct {
	db *gorm.DB
}

// NewGormMailbox creates a GORM-backed mailbox store. The table is created
// by GormRepository.Migrate or by Migrate here.
func NewGormMailbox(db *gorm.DB) *GormMailbox {
	return &GormMailbox{db: db}
}

// Migrate creates the mailbox table.
func (b *GormMailbox) Migrate(ctx context.Context) error {
	return b.db.WithContext(ctx).AutoMigrate(&mailboxRecord{})
}

// Deliver appends a copy of m to the mailbox of recipient.
func (b *GormMailbox) Deliver(ctx context.Context, recipient string, m *core.Mail) error {
	rec := &mailboxRecord{
		ID:        uuid.New().String(),
		Recipient: recipient,
		MailName:  m.Name,
		Sender:    m.Sender,
		Content:   m.Content,
	}
	return b.db.WithContext(ctx).Create(rec).Error
}

// Messages lists the messages delivered to recipient, oldest first.
func (b *GormMailbox) Messages(ctx context.Context, recipient string) ([]MailboxMessage, error) {
	var recs []mailboxRecord
	err := b.db.WithContext(ctx).
		Where("recipient = ?", recipient).
		Order("delivered_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]MailboxMessage, len(recs))
	for i, rec := range recs {
		out[i] = MailboxMessage{
			ID:          rec.ID,
			MailName:    rec.MailName,
			Sender:      rec.Sender,
			Content:     rec.Content,
			DeliveredAt: rec.DeliveredAt,
		}
	}
	return out, nil
}

// MemoryMailbox keeps local deliveries in memory.
type MemoryMailbox struct {
	mu    sync.Mutex
	boxes map[string][]MailboxMessage
}

// NewMemoryMailbox creates an empty in-memory mailbox store.
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{boxes: make(map[string][]MailboxMessage)}
}

// Deliver appends a copy of m to the mailbox of recipient.
func (b *MemoryMailbox) Deliver(_ context.Context, recipient string, m *core.Mail) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.boxes[recipient] = append(b.boxes[recipient], MailboxMessage{
		ID:          uuid.New().String(),
		MailName:    m.Name,
		Sender:      m.Sender,
		Content:     bytes.Clone(m.Content),
		DeliveredAt: time.Now(),
	})
	return nil
}

// Messages lists the messages delivered to recipient, oldest first.
func (b *MemoryMailbox) Messages(_ context.Context, recipient string) ([]MailboxMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.boxes[recipient]), nil
}

// FileMailbox writes each local delivery as a message file under
// <dir>/<recipient>/. The file starts with Return-Path and Delivered-To
// headers followed by the mail content.
type FileMailbox struct {
	fs  afero.Fs
	dir string
}

// NewFileMailbox creates a mailbox store rooted at dir on fsys.
func NewFileMailbox(fsys afero.Fs, dir string) (*FileMailbox, error) {
	if err := fsys.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mailbox: create dir: %w", err)
	}
	return &FileMailbox{fs: fsys, dir: dir}, nil
}

// Deliver writes a copy of m into the mailbox directory of recipient.
func (b *FileMailbox) Deliver(_ context.Context, recipient string, m *core.Mail) error {
	box := path.Join(b.dir, mailboxDir(recipient))
	if err := b.fs.MkdirAll(box, 0o750); err != nil {
		return fmt.Errorf("mailbox: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Return-Path: <%s>\r\n", m.Sender)
	fmt.Fprintf(&buf, "Delivered-To: %s\r\n", recipient)
	buf.Write(m.Content)

	now := time.Now().UTC()
	file := fmt.Sprintf("%020d-%s.eml", now.UnixNano(), uuid.New().String())
	tmp := path.Join(box, file+tmpExt)
	if err := afero.WriteFile(b.fs, tmp, buf.Bytes(), 0o640); err != nil {
		return fmt.Errorf("mailbox: write: %w", err)
	}
	if err := b.fs.Rename(tmp, path.Join(box, file)); err != nil {
		_ = b.fs.Remove(tmp)
		return fmt.Errorf("mailbox: commit: %w", err)
	}
	return nil
}

// Messages lists the message files delivered to recipient, oldest first.
// Content is returned as written, delivery headers included.
func (b *FileMailbox) Messages(_ context.Context, recipient string) ([]MailboxMessage, error) {
	box := path.Join(b.dir, mailboxDir(recipient))
	infos, err := afero.ReadDir(b.fs, box)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("mailbox: %w", err)
	}

	var out []MailboxMessage
	for _, fi := range infos {
		id, ok := strings.CutSuffix(fi.Name(), ".eml")
		if !ok {
			continue
		}
		data, err := afero.ReadFile(b.fs, path.Join(box, fi.Name()))
		if err != nil {
			return nil, fmt.Errorf("mailbox: %w", err)
		}
		out = append(out, MailboxMessage{ID: id, Content: data, DeliveredAt: fi.ModTime()})
	}
	return out, nil
}

// mailboxDir maps an address to a single safe path element.
func mailboxDir(recipient string) string {
	dir := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, strings.ToLower(recipient))
	if strings.HasPrefix(dir, ".") {
		dir = "_" + dir[1:]
	}
	return dir
}
