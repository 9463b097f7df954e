package mailspool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/smtp"
	"path"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/jdziat/simple-mail-spool/pkg/config"
	"github.com/jdziat/simple-mail-spool/pkg/core"
	"github.com/jdziat/simple-mail-spool/pkg/lock"
	"github.com/jdziat/simple-mail-spool/pkg/mailet"
	"github.com/jdziat/simple-mail-spool/pkg/matcher"
	"github.com/jdziat/simple-mail-spool/pkg/pipeline"
	"github.com/jdziat/simple-mail-spool/pkg/schedule"
	"github.com/jdziat/simple-mail-spool/pkg/security"
	"github.com/jdziat/simple-mail-spool/pkg/spool"
	"github.com/jdziat/simple-mail-spool/pkg/stats"
	"github.com/jdziat/simple-mail-spool/pkg/storage"
	"github.com/jdziat/simple-mail-spool/pkg/worker"
)

// spoolRepository is the repository name the spool itself lives under.
const spoolRepository = "spool"

// ErrReservedRepository is returned by [Server.Repository] for the name the
// spool itself is stored under.
var ErrReservedRepository = errors.New("spool: repository name is reserved")

// ServerOption customises NewServer.
type ServerOption interface {
	applyServer(*serverOptions)
}

type serverOptionFunc func(*serverOptions)

func (f serverOptionFunc) applyServer(o *serverOptions) { f(o) }

type serverOptions struct {
	logger    *slog.Logger
	fs        afero.Fs
	db        *gorm.DB
	mailbox   mailet.Mailbox
	transport mailet.Transport
	matchers  *matcher.Registry
	mailets   *mailet.Registry
	tracer    trace.Tracer
}

// WithServerLogger sets the logger for every component.
func WithServerLogger(l *slog.Logger) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.logger = l })
}

// WithFs sets the filesystem used by the file driver.
func WithFs(fsys afero.Fs) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.fs = fsys })
}

// WithDB uses an already opened database for the sqlite and postgres
// drivers instead of opening spool.dsn.
func WithDB(db *gorm.DB) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.db = db })
}

// WithMailbox replaces the mailbox store LocalDelivery writes to.
func WithMailbox(b mailet.Mailbox) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.mailbox = b })
}

// WithTransport replaces the SMTP transport Relay sends through.
func WithTransport(t mailet.Transport) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.transport = t })
}

// WithMatchers uses r to resolve matcher names. Local domains from the
// configuration are not applied to a caller supplied registry.
func WithMatchers(r *matcher.Registry) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.matchers = r })
}

// WithMailets uses r to resolve mailet names.
func WithMailets(r *mailet.Registry) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.mailets = r })
}

// WithTracer sets the tracer for processor spans.
func WithTracer(t trace.Tracer) ServerOption {
	return serverOptionFunc(func(o *serverOptions) { o.tracer = t })
}

// Server is a configured spool with its processors and worker pool.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	fs     afero.Fs
	db     *gorm.DB
	ownsDB bool

	spool   *spool.Spool
	locks   *lock.Table
	mailbox mailet.Mailbox
	procs   *pipeline.Processors
	pool    *worker.Pool

	stats     *stats.GormStorage
	collector *stats.Collector

	reposMu sync.Mutex
	repos   map[string]core.Repository
}

// NewServer opens the store named by cfg and builds the processors and
// worker pool.
func NewServer(ctx context.Context, cfg *config.Config, opts ...ServerOption) (*Server, error) {
	o := serverOptions{}
	for _, opt := range opts {
		opt.applyServer(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.fs == nil {
		o.fs = afero.NewOsFs()
	}

	s := &Server{
		cfg:    cfg,
		logger: o.logger,
		fs:     o.fs,
		db:     o.db,
		locks:  lock.New(lock.WithTTL(cfg.Spool.LockTTL)),
		repos:  make(map[string]core.Repository),
	}

	repo, err := s.openStore(ctx)
	if err != nil {
		s.Close()
		return nil, err
	}
	if o.mailbox != nil {
		s.mailbox = o.mailbox
	}

	s.spool, err = spool.Open(ctx, repo,
		spool.FIFO(cfg.Spool.FIFO),
		spool.CacheKeys(cfg.Spool.CacheKeys),
		spool.WithLocks(s.locks),
		spool.WithLogger(s.logger),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	transport := o.transport
	if transport == nil && cfg.Delivery.Smarthost != "" {
		transport = s.smtpTransport()
	}

	matchers := o.matchers
	if matchers == nil {
		matchers = matcher.NewRegistry(matcher.LocalDomains(cfg.Delivery.LocalDomains...))
	}
	mailets := o.mailets
	if mailets == nil {
		mailets = mailet.NewRegistry()
	}

	svc := &mailet.Services{
		Spool:      s.spool,
		Repository: s.Repository,
		Mailbox:    s.mailbox,
		Transport:  transport,
		Postmaster: cfg.Delivery.Postmaster,
		Logger:     s.logger,
	}
	pipeOpts := []pipeline.Option{pipeline.WithLogger(s.logger)}
	if o.tracer != nil {
		pipeOpts = append(pipeOpts, pipeline.WithTracer(o.tracer))
	}
	s.procs, err = pipeline.Build(cfg.Processors, matchers, mailets, svc, pipeOpts...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("build processors: %w", err)
	}

	workerOpts := []worker.WorkerOption{
		worker.Threads(cfg.Workers.Threads),
		worker.RetryDelay(cfg.Spool.RetryDelay),
		worker.WorkerID(cfg.Workers.ID),
		worker.WithLogger(s.logger),
	}
	if cfg.Maintenance.Schedule != "" {
		sched, err := schedule.Parse(cfg.Maintenance.Schedule)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("maintenance schedule: %w", err)
		}
		workerOpts = append(workerOpts,
			worker.WithMaintenance("reap-stale-locks", sched, worker.ReapStaleLocks(s.locks, s.logger)),
			worker.WithMaintenance("spool-size", sched, worker.ReportSpoolSize(s.spool, s.locks, s.logger)),
		)
	}
	s.pool = worker.NewPool(s.spool, s.procs, workerOpts...)

	if s.db != nil {
		s.stats = stats.NewGormStorage(s.db)
		if err := s.stats.MigrateStats(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migrate stats: %w", err)
		}
		s.collector = stats.NewCollector(spoolRepository, s.pool, s.stats,
			stats.WithDepth(s.depth),
			stats.WithLogger(s.logger),
		)
	}
	return s, nil
}

func (s *Server) depth(ctx context.Context) (spooled, locked int64, err error) {
	keys, err := s.spool.List(ctx)
	if err != nil {
		return 0, 0, err
	}
	return int64(len(keys)), int64(s.locks.Len()), nil
}

// openStore opens the spool repository and the default mailbox store for
// the configured driver.
func (s *Server) openStore(ctx context.Context) (core.Repository, error) {
	switch s.cfg.Spool.Driver {
	case config.DriverSQLite, config.DriverPostgres:
		if s.db == nil {
			db, err := openDB(s.cfg.Spool, s.cfg.Workers.Threads)
			if err != nil {
				return nil, err
			}
			s.db, s.ownsDB = db, true
		}
		repo := storage.NewGormRepository(s.db, spoolRepository)
		if err := repo.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate spool: %w", err)
		}
		s.repos[spoolRepository] = repo
		s.mailbox = storage.NewGormMailbox(s.db)
		return repo, nil

	case config.DriverFile:
		repo, err := storage.NewFileRepository(s.fs, path.Join(s.cfg.Spool.Dir, spoolRepository))
		if err != nil {
			return nil, err
		}
		box, err := storage.NewFileMailbox(s.fs, path.Join(s.cfg.Spool.Dir, "mailboxes"))
		if err != nil {
			return nil, err
		}
		s.repos[spoolRepository] = repo
		s.mailbox = box
		return repo, nil

	case config.DriverMemory:
		repo := storage.NewMemoryRepository()
		s.repos[spoolRepository] = repo
		s.mailbox = storage.NewMemoryMailbox()
		return repo, nil
	}
	return nil, fmt.Errorf("unknown spool driver %q", s.cfg.Spool.Driver)
}

func openDB(cfg config.SpoolConfig, threads int) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var (
		db   *gorm.DB
		err  error
		pool storage.PoolConfig
	)
	if cfg.Driver == config.DriverPostgres {
		db, err = gorm.Open(postgres.Open(cfg.DSN), gcfg)
		pool = storage.WorkerPoolConfig(threads)
	} else {
		db, err = gorm.Open(sqlite.Open(cfg.DSN), gcfg)
		pool = storage.SQLitePoolConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if err := storage.ConfigurePool(db, storage.WithPoolConfig(pool)); err != nil {
		return nil, err
	}
	return db, nil
}

func (s *Server) smtpTransport() *mailet.SMTPTransport {
	d := s.cfg.Delivery
	opts := []mailet.TransportOption{mailet.HeloName(d.Helo)}
	if d.Username != "" {
		host := d.Smarthost
		if i := strings.LastIndexByte(host, ':'); i >= 0 {
			host = host[:i]
		}
		opts = append(opts, mailet.WithAuth(smtp.PlainAuth("", d.Username, d.Password, host)))
	}
	return mailet.NewSMTPTransport(d.Smarthost, opts...)
}

// Repository returns the named mail repository, creating it on first use.
// Repositories share the spool's driver. The spool's own name is reserved.
func (s *Server) Repository(name string) (core.Repository, error) {
	if err := security.ValidateProcessorName(name); err != nil {
		return nil, fmt.Errorf("repository name %q: %w", name, err)
	}
	if name == spoolRepository {
		return nil, fmt.Errorf("repository name %q: %w", name, ErrReservedRepository)
	}

	s.reposMu.Lock()
	defer s.reposMu.Unlock()
	if repo, ok := s.repos[name]; ok {
		return repo, nil
	}

	var repo core.Repository
	switch {
	case s.db != nil:
		gr := storage.NewGormRepository(s.db, name)
		if err := gr.Migrate(context.Background()); err != nil {
			return nil, err
		}
		repo = gr
	case s.cfg.Spool.Driver == config.DriverFile:
		fr, err := storage.NewFileRepository(s.fs, path.Join(s.cfg.Spool.Dir, "repositories", name))
		if err != nil {
			return nil, err
		}
		repo = fr
	default:
		repo = storage.NewMemoryRepository()
	}
	s.repos[name] = repo
	return repo, nil
}

// Spool returns the spool.
func (s *Server) Spool() *spool.Spool { return s.spool }

// Processors returns the built processors.
func (s *Server) Processors() *pipeline.Processors { return s.procs }

// Pool returns the worker pool.
func (s *Server) Pool() *worker.Pool { return s.pool }

// Mailbox returns the mailbox store LocalDelivery writes to.
func (s *Server) Mailbox() mailet.Mailbox { return s.mailbox }

// Enqueue validates m and inserts it into the spool.
func (s *Server) Enqueue(ctx context.Context, m *core.Mail) error {
	return s.spool.Enqueue(ctx, m)
}

// Stats returns the stats store, or nil when the driver has no database.
func (s *Server) Stats() *stats.GormStorage { return s.stats }

// Run processes mail until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.collector != nil {
		done := make(chan struct{})
		go func() {
			defer close(done)
			s.collector.Start(ctx)
		}()
		s.collector.WaitReady()
		defer func() { <-done }()
	}
	err := s.pool.Start(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases the database if the server opened it.
func (s *Server) Close() error {
	if s.db == nil || !s.ownsDB {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
