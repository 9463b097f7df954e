package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/jdziat/simple-mail-spool/pkg/core"
	"github.com/jdziat/simple-mail-spool/pkg/security"
)

const (
	envelopeExt = ".env"
	contentExt  = ".msg"
	tmpExt      = ".tmp"
)

// fileEnvelope is the on-disk JSON form of an envelope.
type fileEnvelope struct {
	Seq          int64             `json:"seq"`
	Name         string            `json:"name"`
	Sender       string            `json:"sender,omitempty"`
	Recipients   []string          `json:"recipients"`
	State        string            `json:"state"`
	ErrorMessage string            `json:"error_message,omitempty"`
	RemoteHost   string            `json:"remote_host,omitempty"`
	RemoteAddr   string            `json:"remote_addr,omitempty"`
	LastUpdated  time.Time         `json:"last_updated"`
	Attributes   map[string]string `json:"attributes,omitempty"`
}

// FileRepository implements core.Repository as a directory of files: one
// content file and one envelope file per mail. The content file is written
// first and the envelope rename is the commit point, so a reader that finds
// an envelope always finds its content.
type FileRepository struct {
	fs  afero.Fs
	dir string

	mu  sync.Mutex // serialises writers and guards seq
	seq int64
}

// NewFileRepository opens (creating if needed) a file repository rooted at
// dir on fsys. Leftovers of interrupted writes are removed.
func NewFileRepository(fsys afero.Fs, dir string) (*FileRepository, error) {
	if err := fsys.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("spool: create repository dir: %w", err)
	}
	r := &FileRepository{fs: fsys, dir: dir}
	if err := r.recover(); err != nil {
		return nil, err
	}
	return r, nil
}

// recover drops temp files and content files without an envelope, and
// resumes the insertion sequence.
func (r *FileRepository) recover() error {
	infos, err := afero.ReadDir(r.fs, r.dir)
	if err != nil {
		return fmt.Errorf("spool: scan repository dir: %w", err)
	}
	envelopes := make(map[string]bool)
	for _, fi := range infos {
		if name, ok := strings.CutSuffix(fi.Name(), envelopeExt); ok {
			envelopes[name] = true
		}
	}
	for _, fi := range infos {
		fn := fi.Name()
		switch {
		case strings.HasSuffix(fn, tmpExt):
			_ = r.fs.Remove(path.Join(r.dir, fn))
		case strings.HasSuffix(fn, contentExt):
			if !envelopes[strings.TrimSuffix(fn, contentExt)] {
				_ = r.fs.Remove(path.Join(r.dir, fn))
			}
		case strings.HasSuffix(fn, envelopeExt):
			if env, err := r.readEnvelope(strings.TrimSuffix(fn, envelopeExt)); err == nil {
				r.seq = max(r.seq, env.Seq)
			}
		}
	}
	return nil
}

// Put writes content then envelope.
func (r *FileRepository) Put(_ context.Context, m *core.Mail) error {
	if err := security.ValidateMailName(m.Name); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	env := fileEnvelope{
		Name:         m.Name,
		Sender:       m.Sender,
		Recipients:   m.Recipients,
		State:        m.State,
		ErrorMessage: m.ErrorMessage,
		RemoteHost:   m.RemoteHost,
		RemoteAddr:   m.RemoteAddr,
		LastUpdated:  m.LastUpdated,
		Attributes:   m.Attributes,
	}
	if old, err := r.readEnvelope(m.Name); err == nil {
		env.Seq = old.Seq
	} else {
		r.seq++
		env.Seq = r.seq
	}

	data, err := json.Marshal(&env)
	if err != nil {
		return fmt.Errorf("spool: encode envelope: %w", err)
	}
	if err := r.writeAtomic(r.contentPath(m.Name), m.Content); err != nil {
		return err
	}
	return r.writeAtomic(r.envelopePath(m.Name), data)
}

// Get reads envelope and content.
func (r *FileRepository) Get(_ context.Context, name string) (*core.Mail, error) {
	env, err := r.readEnvelope(name)
	if err != nil {
		return nil, err
	}
	content, err := afero.ReadFile(r.fs, r.contentPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.Corrupt(name, errors.New("content missing"))
	}
	if err != nil {
		return nil, err
	}
	return &core.Mail{
		Name:         env.Name,
		Sender:       env.Sender,
		Recipients:   env.Recipients,
		Content:      content,
		State:        env.State,
		ErrorMessage: env.ErrorMessage,
		RemoteHost:   env.RemoteHost,
		RemoteAddr:   env.RemoteAddr,
		LastUpdated:  env.LastUpdated,
		Attributes:   env.Attributes,
	}, nil
}

// Stat reads the envelope only.
func (r *FileRepository) Stat(_ context.Context, name string) (*core.Entry, error) {
	env, err := r.readEnvelope(name)
	if err != nil {
		return nil, err
	}
	return &core.Entry{Name: env.Name, State: env.State, LastUpdated: env.LastUpdated}, nil
}

// Delete removes the envelope first so the mail disappears atomically, then
// its content.
func (r *FileRepository) Delete(_ context.Context, name string) error {
	if err := security.ValidateMailName(name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fs.Remove(r.envelopePath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("spool: remove envelope: %w", err)
	}
	if err := r.fs.Remove(r.contentPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("spool: remove content: %w", err)
	}
	return nil
}

// Keys lists names in insertion order. Unreadable envelopes sort last so
// they are still visible to the spool, which purges them on retrieval.
func (r *FileRepository) Keys(_ context.Context) ([]string, error) {
	infos, err := afero.ReadDir(r.fs, r.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: scan repository dir: %w", err)
	}
	type kv struct {
		name string
		seq  int64
	}
	var all []kv
	for _, fi := range infos {
		name, ok := strings.CutSuffix(fi.Name(), envelopeExt)
		if !ok {
			continue
		}
		seq := int64(math.MaxInt64)
		if env, err := r.readEnvelope(name); err == nil {
			seq = env.Seq
		}
		all = append(all, kv{name, seq})
	}
	slices.SortFunc(all, func(a, b kv) int {
		if c := cmp.Compare(a.seq, b.seq); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})
	names := make([]string, len(all))
	for i, e := range all {
		names[i] = e.name
	}
	return names, nil
}

func (r *FileRepository) readEnvelope(name string) (*fileEnvelope, error) {
	if err := security.ValidateMailName(name); err != nil {
		return nil, core.ErrNotFound
	}
	data, err := afero.ReadFile(r.fs, r.envelopePath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var env fileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, core.Corrupt(name, err)
	}
	if env.Name != name || env.State == "" {
		return nil, core.Corrupt(name, errors.New("envelope fields invalid"))
	}
	return &env, nil
}

func (r *FileRepository) writeAtomic(target string, data []byte) error {
	tmp := target + tmpExt
	if err := afero.WriteFile(r.fs, tmp, data, 0o640); err != nil {
		return fmt.Errorf("spool: write %s: %w", path.Base(target), err)
	}
	if err := r.fs.Rename(tmp, target); err != nil {
		_ = r.fs.Remove(tmp)
		return fmt.Errorf("spool: commit %s: %w", path.Base(target), err)
	}
	return nil
}

func (r *FileRepository) envelopePath(name string) string {
	return path.Join(r.dir, name+envelopeExt)
}

func (r *FileRepository) contentPath(name string) string {
	return path.Join(r.dir, name+contentExt)
}
