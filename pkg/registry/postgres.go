/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package registry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carverauto/routervault/pkg/logger"
	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/retry"
	"github.com/carverauto/routervault/pkg/storage"
)

const migrationsTable = "routervault_schema_migrations"

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	errHostRequired     = errors.New("postgres: host is required")
	errDatabaseRequired = errors.New("postgres: database is required")
	errTLSFiles         = errors.New("postgres tls: cert_file, key_file, and ca_file are required")
	errTLSDisabled      = errors.New("postgres tls: sslmode=disable conflicts with tls settings")
	errCAAppend         = errors.New("postgres tls: unable to append CA certificate")
)

// PostgreSQL SQLSTATE codes the store treats specially.
const (
	sqlstateUniqueViolation     = "23505"
	sqlstateDeadlockDetected    = "40P01"
	sqlstateSerializationFailed = "40001"
	sqlstateStatementTimeout    = "57014"
	sqlstateAdminShutdown       = "57P01"
	sqlstateCannotConnectNow    = "57P03"
)

// TLSConfig holds client certificate paths for verify-full connections.
type TLSConfig struct {
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file"`
}

// PostgresConfig describes the registry database.
type PostgresConfig struct {
	Host              string            `json:"host"`
	Port              int               `json:"port"`
	Database          string            `json:"database"`
	Username          string            `json:"username"`
	Password          string            `json:"password" sensitive:"true"`
	SSLMode           string            `json:"ssl_mode,omitempty"`
	ApplicationName   string            `json:"application_name,omitempty"`
	TLS               *TLSConfig        `json:"tls,omitempty"`
	MaxConnections    int32             `json:"max_connections,omitempty"`
	MinConnections    int32             `json:"min_connections,omitempty"`
	MaxConnLifetime   models.Duration   `json:"max_conn_lifetime,omitempty"`
	HealthCheckPeriod models.Duration   `json:"health_check_period,omitempty"`
	StatementTimeout  models.Duration   `json:"statement_timeout,omitempty"`
	RuntimeParams     map[string]string `json:"runtime_params,omitempty"`
}

// buildConnURL renders cfg as a postgres:// URL. sslmode defaults to
// verify-full when TLS files are configured and disable otherwise.
func buildConnURL(cfg *PostgresConfig) (*url.URL, error) {
	if cfg.Host == "" {
		return nil, errHostRequired
	}

	if cfg.Database == "" {
		return nil, errDatabaseRequired
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", cfg.Host, port),
		Path:   "/" + cfg.Database,
	}

	if cfg.Username != "" {
		if cfg.Password != "" {
			u.User = url.UserPassword(cfg.Username, cfg.Password)
		} else {
			u.User = url.User(cfg.Username)
		}
	}

	sslMode := cfg.SSLMode

	switch {
	case sslMode == "" && cfg.TLS != nil:
		sslMode = "verify-full"
	case sslMode == "":
		sslMode = "disable"
	case sslMode == "disable" && cfg.TLS != nil:
		return nil, errTLSDisabled
	}

	q := u.Query()
	q.Set("sslmode", sslMode)

	if cfg.ApplicationName != "" {
		q.Set("application_name", cfg.ApplicationName)
	}

	u.RawQuery = q.Encode()

	return u, nil
}

// NewPool dials the registry database.
func NewPool(ctx context.Context, cfg *PostgresConfig, log logger.Logger) (*pgxpool.Pool, error) {
	connURL, err := buildConnURL(cfg)
	if err != nil {
		return nil, err
	}

	poolConfig, err := pgxpool.ParseConfig(connURL.String())
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse connection string: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = cfg.MaxConnections
	}

	if cfg.MinConnections > 0 {
		poolConfig.MinConns = cfg.MinConnections
	}

	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = time.Duration(cfg.MaxConnLifetime)
	}

	if cfg.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = time.Duration(cfg.HealthCheckPeriod)
	}

	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
	}

	for k, v := range cfg.RuntimeParams {
		if k == "" {
			continue
		}

		poolConfig.ConnConfig.RuntimeParams[k] = v
	}

	if cfg.StatementTimeout > 0 {
		ms := time.Duration(cfg.StatementTimeout) / time.Millisecond
		poolConfig.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", ms)
	}

	tlsConfig, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	if tlsConfig != nil {
		poolConfig.ConnConfig.TLSConfig = tlsConfig
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to initialize pool: %w", err)
	}

	if log != nil {
		log.Info().
			Str("host", cfg.Host).
			Str("database", cfg.Database).
			Int32("max_conns", poolConfig.MaxConns).
			Msg("Connected to registry database")
	}

	return pool, nil
}

func buildTLSConfig(cfg *PostgresConfig) (*tls.Config, error) {
	if cfg.TLS == nil {
		return nil, nil
	}

	if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" || cfg.TLS.CAFile == "" {
		return nil, errTLSFiles
	}

	clientCert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("postgres tls: failed to load client keypair: %w", err)
	}

	caBytes, err := os.ReadFile(cfg.TLS.CAFile)
	if err != nil {
		return nil, fmt.Errorf("postgres tls: failed to read CA file: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caBytes) {
		return nil, errCAAppend
	}

	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
		ServerName:   cfg.Host,
	}, nil
}

// querier is the subset of *pgxpool.Pool the store uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	deviceColumns = `id, name, host, port, username, encrypted_password, client_variant,
	enabled, timeout_ns, retention, state, created_at, updated_at`

	selectDevicesSQL = `SELECT ` + deviceColumns + ` FROM routervault_devices ORDER BY name`

	selectDeviceSQL = `SELECT ` + deviceColumns + ` FROM routervault_devices WHERE id = $1`

	upsertDeviceSQL = `
INSERT INTO routervault_devices (
	id, name, host, port, username, encrypted_password, client_variant,
	enabled, timeout_ns, retention, state, created_at, updated_at, storage_name
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
ON CONFLICT (id) DO UPDATE SET
	name = EXCLUDED.name,
	storage_name = EXCLUDED.storage_name,
	host = EXCLUDED.host,
	port = EXCLUDED.port,
	username = EXCLUDED.username,
	encrypted_password = EXCLUDED.encrypted_password,
	client_variant = EXCLUDED.client_variant,
	enabled = EXCLUDED.enabled,
	timeout_ns = EXCLUDED.timeout_ns,
	retention = EXCLUDED.retention,
	state = EXCLUDED.state,
	updated_at = EXCLUDED.updated_at`

	deleteDeviceSQL = `DELETE FROM routervault_devices WHERE id = $1`
)

// deviceState is the JSON shape of the state column.
type deviceState struct {
	LastFingerprint string         `json:"last_fingerprint,omitempty"`
	LastCheckAt     time.Time      `json:"last_check_at,omitempty"`
	LastOutcome     models.Outcome `json:"last_outcome,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	LastChangeAt    time.Time      `json:"last_change_at,omitempty"`
	LastSuccessAt   time.Time      `json:"last_success_at,omitempty"`
}

// PostgresStore keeps the registry in PostgreSQL.
type PostgresStore struct {
	db     querier
	pool   *pgxpool.Pool
	logger logger.Logger
	policy retry.Policy
}

// NewPostgresStore wraps an open pool. The store owns the pool and closes it.
func NewPostgresStore(pool *pgxpool.Pool, policy retry.Policy, log logger.Logger) *PostgresStore {
	s := newPostgresStore(pool, policy, log)
	s.pool = pool

	return s
}

func newPostgresStore(db querier, policy retry.Policy, log logger.Logger) *PostgresStore {
	if log == nil {
		log = logger.NewTestLogger()
	}

	return &PostgresStore{db: db, logger: log, policy: policy.WithDefaults()}
}

// Migrate applies embedded schema migrations that have not run yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		version     TEXT PRIMARY KEY,
		applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, migrationsTable)); err != nil {
		return fmt.Errorf("registry migrations: create tracking table: %w", err)
	}

	applied := make(map[string]struct{})

	rows, err := s.db.Query(ctx, fmt.Sprintf(`SELECT version FROM %s`, migrationsTable))
	if err != nil {
		return fmt.Errorf("registry migrations: list applied versions: %w", err)
	}

	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("registry migrations: scan applied version: %w", err)
		}

		applied[version] = struct{}{}
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return fmt.Errorf("registry migrations: iterate applied versions: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("registry migrations: read embedded migrations: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}

		names = append(names, entry.Name())
	}

	sort.Strings(names)

	for _, name := range names {
		version := extractVersion(name)
		if _, ok := applied[version]; ok {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("registry migrations: read %s: %w", name, err)
		}

		for idx, stmt := range splitSQLStatements(string(content)) {
			if _, err := s.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("registry migrations: statement %d in %s failed: %w", idx+1, name, err)
			}
		}

		if _, err := s.db.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (version) VALUES ($1)`, migrationsTable), version); err != nil {
			return fmt.Errorf("registry migrations: record %s: %w", name, err)
		}

		s.logger.Info().Str("migration", name).Msg("Applied registry migration")
	}

	return nil
}

func (s *PostgresStore) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.policy, isTransient, fn, retry.WithLogger(s.logger, op))
}

// List returns devices ordered by name.
func (s *PostgresStore) List(ctx context.Context) ([]*models.Device, error) {
	var out []*models.Device

	err := s.do(ctx, "registry.list", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, selectDevicesSQL)
		if err != nil {
			return fmt.Errorf("query devices: %w", err)
		}
		defer rows.Close()

		out = out[:0]

		for rows.Next() {
			d, err := scanDevice(rows)
			if err != nil {
				return err
			}

			out = append(out, d)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Device, error) {
	var d *models.Device

	err := s.do(ctx, "registry.get", func(ctx context.Context) error {
		var err error

		d, err = scanDevice(s.db.QueryRow(ctx, selectDeviceSQL, id))

		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return d, nil
}

// Put upserts the device by id. The unique index on storage_name rejects a
// name that maps to another device's artifact directory.
func (s *PostgresStore) Put(ctx context.Context, device *models.Device) error {
	args, err := buildDeviceArgs(device)
	if err != nil {
		return err
	}

	err = s.do(ctx, "registry.put", func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, upsertDeviceSQL, args...)
		return err
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlstateUniqueViolation {
		return fmt.Errorf("%w: %s", ErrConflict, device.Name)
	}

	if err != nil {
		return fmt.Errorf("upsert device %s: %w", device.ID, err)
	}

	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	var affected int64

	err := s.do(ctx, "registry.delete", func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, deleteDeviceSQL, id)
		affected = tag.RowsAffected()

		return err
	})
	if err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}

	if affected == 0 {
		return ErrNotFound
	}

	return nil
}

// Close releases the pool when the store owns one.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}

	return nil
}

func buildDeviceArgs(d *models.Device) ([]any, error) {
	var retention []byte

	if d.Retention != nil {
		b, err := json.Marshal(d.Retention)
		if err != nil {
			return nil, fmt.Errorf("encode retention: %w", err)
		}

		retention = b
	}

	state, err := json.Marshal(deviceState{
		LastFingerprint: d.LastFingerprint,
		LastCheckAt:     d.LastCheckAt,
		LastOutcome:     d.LastOutcome,
		LastError:       d.LastError,
		LastChangeAt:    d.LastChangeAt,
		LastSuccessAt:   d.LastSuccessAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}

	return []any{
		d.ID,
		d.Name,
		d.Host,
		d.Port,
		d.Username,
		d.EncryptedPassword,
		d.ClientVariant,
		d.Enabled,
		int64(d.Timeout),
		retention,
		state,
		d.CreatedAt.UTC(),
		d.UpdatedAt.UTC(),
		storage.SafeName(d.Name),
	}, nil
}

func scanDevice(row pgx.Row) (*models.Device, error) {
	var (
		d         models.Device
		timeout   int64
		retention []byte
		state     []byte
	)

	err := row.Scan(
		&d.ID,
		&d.Name,
		&d.Host,
		&d.Port,
		&d.Username,
		&d.EncryptedPassword,
		&d.ClientVariant,
		&d.Enabled,
		&timeout,
		&retention,
		&state,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Timeout = models.Duration(timeout)

	if len(retention) > 0 {
		var p models.RetentionPolicy
		if err := json.Unmarshal(retention, &p); err != nil {
			return nil, fmt.Errorf("decode retention for %s: %w", d.ID, err)
		}

		d.Retention = &p
	}

	if len(state) > 0 {
		var st deviceState
		if err := json.Unmarshal(state, &st); err != nil {
			return nil, fmt.Errorf("decode state for %s: %w", d.ID, err)
		}

		d.LastFingerprint = st.LastFingerprint
		d.LastCheckAt = st.LastCheckAt
		d.LastOutcome = st.LastOutcome
		d.LastError = st.LastError
		d.LastChangeAt = st.LastChangeAt
		d.LastSuccessAt = st.LastSuccessAt
	}

	return &d, nil
}

// isTransient reports whether a database error is worth retrying.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateDeadlockDetected, sqlstateSerializationFailed, sqlstateStatementTimeout,
			sqlstateAdminShutdown, sqlstateCannotConnectNow:
			return true
		}

		// Class 08: connection exceptions.
		return strings.HasPrefix(pgErr.Code, "08")
	}

	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
