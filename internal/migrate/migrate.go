package migrate

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"clearance.org/internal/obs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Manager applies the embedded schema migrations.
type Manager struct {
	dsn    string
	logger *slog.Logger
}

type Option func(*Manager)

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager accepts a postgres:// or postgresql:// URL.
func NewManager(dsn string, opts ...Option) (*Manager, error) {
	u, err := MigrationURL(dsn)
	if err != nil {
		return nil, err
	}
	m := &Manager{dsn: u, logger: obs.Logger()}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// MigrationURL rewrites a postgres URL to the pgx5 scheme the migrate driver registers.
func MigrationURL(dsn string) (string, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return "", errors.New("migrate: empty dsn")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("migrate: parse dsn: %w", err)
	}
	switch u.Scheme {
	case "postgres", "postgresql", "pgx5":
		u.Scheme = "pgx5"
	default:
		return "", fmt.Errorf("migrate: unsupported dsn scheme %q", u.Scheme)
	}
	return u.String(), nil
}

func (m *Manager) open() (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrate: source: %w", err)
	}
	mg, err := migrate.NewWithSourceInstance("iofs", source, m.dsn)
	if err != nil {
		return nil, fmt.Errorf("migrate: init: %w", err)
	}
	return mg, nil
}

// Up applies every pending migration.
func (m *Manager) Up() error {
	return m.run("up", func(mg *migrate.Migrate) error { return mg.Up() })
}

// Down rolls back the given number of steps. Zero or less rolls back one.
func (m *Manager) Down(steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return m.run("down", func(mg *migrate.Migrate) error { return mg.Steps(-steps) })
}

// Version reports the applied version. A fresh database reports zero.
func (m *Manager) Version() (uint, bool, error) {
	mg, err := m.open()
	if err != nil {
		return 0, false, err
	}
	defer mg.Close()
	v, dirty, err := mg.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrate: version: %w", err)
	}
	return v, dirty, nil
}

func (m *Manager) run(op string, fn func(*migrate.Migrate) error) error {
	mg, err := m.open()
	if err != nil {
		return err
	}
	defer mg.Close()
	if err := fn(mg); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %s: %w", op, err)
	}
	v, dirty, err := mg.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrate: version: %w", err)
	}
	m.logger.Info("migrations applied", slog.String("op", op), slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty))
	return nil
}

// Files lists the embedded migration file names in order.
func Files() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out, nil
}
