package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmhodges/clock"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/topos-tce/tce-node/berrors"
	"github.com/topos-tce/tce-node/blog"
	"github.com/topos-tce/tce-node/core"
	"github.com/topos-tce/tce-node/tracing"
)

// schema holds the five logical tables named in spec.md §6, laid out as
// plain SQL tables rather than an ORM's model structs (see DESIGN.md's
// note on dropping letsencrypt/borp): perpetual certificates, perpetual
// source streams, index target streams, index source heads (source_list)
// and index unverified proofs.
const schema = `
CREATE TABLE IF NOT EXISTS perpetual_certificates (
	certificate_id   BINARY(32) PRIMARY KEY,
	certificate_json MEDIUMBLOB NOT NULL,
	proof_json       MEDIUMBLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS perpetual_streams (
	source_subnet_id BINARY(32) NOT NULL,
	position         BIGINT UNSIGNED NOT NULL,
	certificate_id   BINARY(32) NOT NULL,
	PRIMARY KEY (source_subnet_id, position)
);

CREATE TABLE IF NOT EXISTS index_source_list (
	source_subnet_id BINARY(32) PRIMARY KEY,
	certificate_id   BINARY(32) NOT NULL,
	position         BIGINT UNSIGNED NOT NULL
);

CREATE TABLE IF NOT EXISTS index_target_streams (
	target_subnet_id BINARY(32) NOT NULL,
	source_subnet_id BINARY(32) NOT NULL,
	position         BIGINT UNSIGNED NOT NULL,
	certificate_id   BINARY(32) NOT NULL,
	PRIMARY KEY (target_subnet_id, source_subnet_id, position)
);

CREATE TABLE IF NOT EXISTS index_unverified_proofs (
	certificate_id BINARY(32) PRIMARY KEY,
	proof_json     MEDIUMBLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_certificates (
	source_subnet_id BINARY(32) PRIMARY KEY,
	certificate_json MEDIUMBLOB NOT NULL,
	inserted_at      DATETIME(6) NOT NULL
);

-- recovery_markers records, per certificate, whether the perpetual batch
-- committed but the index batch did not: Recover() replays the index
-- writes for any row still present here at startup.
CREATE TABLE IF NOT EXISTS recovery_markers (
	certificate_id BINARY(32) PRIMARY KEY
);
`

// MySQLStore is a durable Store backed by database/sql +
// go-sql-driver/mysql. It implements the same two-phase commit as
// MemoryStore, but the two phases really are two separate transactions
// here, which is why a recovery_markers row is written before the first
// transaction commits and cleared after the second: a crash between the
// two leaves a marker that Recover() uses to finish the job.
type MySQLStore struct {
	db     *sql.DB
	clock  clock.Clock
	log    blog.Logger
	m      *Metrics
	tracer trace.Tracer

	certLocks   *lockGuards[core.CertificateId]
	sourceLocks *lockGuards[core.SubnetId]
}

// OpenMySQLStore opens dsn, applies the schema (idempotent, CREATE TABLE
// IF NOT EXISTS) and returns a ready-to-recover store.
func OpenMySQLStore(ctx context.Context, dsn string, clk clock.Clock, log blog.Logger, m *Metrics) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, berrors.StorageIOError("opening mysql store: %s", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, berrors.StorageIOError("pinging mysql store: %s", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, berrors.StorageIOError("applying schema: %s", err)
	}
	return &MySQLStore{
		db:          db,
		clock:       clk,
		log:         log,
		m:           m,
		tracer:      tracing.Tracer("github.com/topos-tce/tce-node/storage"),
		certLocks:   newLockGuards[core.CertificateId](),
		sourceLocks: newLockGuards[core.SubnetId](),
	}, nil
}

// WithTracer overrides the tracer OpenMySQLStore installed by default and
// returns s for chaining.
func (s *MySQLStore) WithTracer(tracer trace.Tracer) *MySQLStore {
	s.tracer = tracer
	return s
}

// Close closes the underlying *sql.DB connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// Recover finishes any commit whose index batch never landed: every
// certificate_id left in recovery_markers has a perpetual row but may be
// missing its target-stream index entries, so this replays the index
// write and clears the marker.
func (s *MySQLStore) Recover(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT certificate_id FROM recovery_markers`)
	if err != nil {
		return berrors.StorageIOError("listing recovery markers: %s", err)
	}
	var ids [][]byte
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return berrors.StorageIOError("scanning recovery marker: %s", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, rawID := range ids {
		var id core.CertificateId
		copy(id[:], rawID)

		delivered, err := s.GetCertificate(ctx, id)
		if err != nil {
			return err
		}
		if delivered == nil {
			continue
		}
		if err := s.writeIndexBatch(ctx, *delivered); err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_markers WHERE certificate_id = ?`, rawID); err != nil {
			return berrors.StorageIOError("clearing recovery marker: %s", err)
		}
		s.log.Warningf("recovered incomplete index batch for certificate %s", id)
	}
	return nil
}

func (s *MySQLStore) GetCertificate(ctx context.Context, id core.CertificateId) (*core.CertificateDelivered, error) {
	row := s.db.QueryRowContext(ctx, `SELECT certificate_json, proof_json FROM perpetual_certificates WHERE certificate_id = ?`, id[:])
	return scanDelivered(row)
}

func scanDelivered(row *sql.Row) (*core.CertificateDelivered, error) {
	var certJSON, proofJSON []byte
	if err := row.Scan(&certJSON, &proofJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, berrors.StorageIOError("scanning certificate: %s", err)
	}
	var d core.CertificateDelivered
	if err := json.Unmarshal(certJSON, &d.Certificate); err != nil {
		return nil, berrors.StorageIOError("decoding certificate: %s", err)
	}
	if err := json.Unmarshal(proofJSON, &d.ProofOfDelivery); err != nil {
		return nil, berrors.StorageIOError("decoding proof: %s", err)
	}
	return &d, nil
}

func (s *MySQLStore) MultiGetCertificate(ctx context.Context, ids []core.CertificateId) ([]*core.CertificateDelivered, error) {
	out := make([]*core.CertificateDelivered, len(ids))
	for i, id := range ids {
		d, err := s.GetCertificate(ctx, id)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func (s *MySQLStore) LastDeliveredPositionForSubnet(ctx context.Context, source core.SubnetId) (*core.SourceHead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT certificate_id, position FROM index_source_list WHERE source_subnet_id = ?`, source[:])
	var certID []byte
	var position uint64
	if err := row.Scan(&certID, &position); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, berrors.StorageIOError("scanning source head: %s", err)
	}
	var head core.SourceHead
	head.SubnetID = source
	copy(head.CertificateID[:], certID)
	head.Position = core.Position(position)
	return &head, nil
}

func (s *MySQLStore) GetSourceStreamCertificatesFromPosition(ctx context.Context, source core.SubnetId, from core.Position, limit int) ([]core.CertificateDelivered, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT certificate_id FROM perpetual_streams WHERE source_subnet_id = ? AND position >= ? ORDER BY position ASC LIMIT ?`,
		source[:], uint64(from), limit)
	if err != nil {
		return nil, berrors.StorageIOError("listing source stream: %s", err)
	}
	defer rows.Close()
	return s.loadCertificatesByIDRows(ctx, rows)
}

func (s *MySQLStore) GetTargetStreamCertificatesFromPosition(ctx context.Context, target, source core.SubnetId, from core.Position, limit int) ([]core.CertificateDelivered, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT certificate_id FROM index_target_streams WHERE target_subnet_id = ? AND source_subnet_id = ? AND position >= ? ORDER BY position ASC LIMIT ?`,
		target[:], source[:], uint64(from), limit)
	if err != nil {
		return nil, berrors.StorageIOError("listing target stream: %s", err)
	}
	defer rows.Close()
	return s.loadCertificatesByIDRows(ctx, rows)
}

func (s *MySQLStore) loadCertificatesByIDRows(ctx context.Context, rows *sql.Rows) ([]core.CertificateDelivered, error) {
	var out []core.CertificateDelivered
	for rows.Next() {
		var rawID []byte
		if err := rows.Scan(&rawID); err != nil {
			return nil, berrors.StorageIOError("scanning certificate id: %s", err)
		}
		var id core.CertificateId
		copy(id[:], rawID)
		d, err := s.GetCertificate(ctx, id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *MySQLStore) GetCheckpoint(ctx context.Context) (map[core.SubnetId]core.SourceHead, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source_subnet_id, certificate_id, position FROM index_source_list`)
	if err != nil {
		return nil, berrors.StorageIOError("listing checkpoint: %s", err)
	}
	defer rows.Close()

	out := make(map[core.SubnetId]core.SourceHead)
	for rows.Next() {
		var rawSource, rawCert []byte
		var position uint64
		if err := rows.Scan(&rawSource, &rawCert, &position); err != nil {
			return nil, berrors.StorageIOError("scanning checkpoint row: %s", err)
		}
		var head core.SourceHead
		copy(head.SubnetID[:], rawSource)
		copy(head.CertificateID[:], rawCert)
		head.Position = core.Position(position)
		out[head.SubnetID] = head
	}
	return out, nil
}

func (s *MySQLStore) GetLastPendingCertificate(ctx context.Context, source core.SubnetId) (*core.Certificate, error) {
	row := s.db.QueryRowContext(ctx, `SELECT certificate_json FROM pending_certificates WHERE source_subnet_id = ?`, source[:])
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, berrors.StorageIOError("scanning pending certificate: %s", err)
	}
	var cert core.Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		return nil, berrors.StorageIOError("decoding pending certificate: %s", err)
	}
	return &cert, nil
}

func (s *MySQLStore) GetLastPendingCertificates(ctx context.Context, sources []core.SubnetId) (map[core.SubnetId]*core.Certificate, error) {
	out := make(map[core.SubnetId]*core.Certificate, len(sources))
	for _, source := range sources {
		cert, err := s.GetLastPendingCertificate(ctx, source)
		if err != nil {
			return nil, err
		}
		if cert != nil {
			out[source] = cert
		}
	}
	return out, nil
}

func (s *MySQLStore) GetExpiredPending(ctx context.Context, ttl time.Duration) ([]core.Certificate, error) {
	cutoff := s.clock.Now().Add(-ttl)
	rows, err := s.db.QueryContext(ctx, `SELECT certificate_json FROM pending_certificates WHERE inserted_at <= ?`, cutoff)
	if err != nil {
		return nil, berrors.StorageIOError("listing expired pending certificates: %s", err)
	}
	defer rows.Close()

	var out []core.Certificate
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, berrors.StorageIOError("scanning expired pending certificate: %s", err)
		}
		var cert core.Certificate
		if err := json.Unmarshal(raw, &cert); err != nil {
			return nil, berrors.StorageIOError("decoding expired pending certificate: %s", err)
		}
		out = append(out, cert)
	}
	return out, nil
}

func (s *MySQLStore) InsertPending(ctx context.Context, cert core.Certificate) error {
	raw, err := json.Marshal(cert)
	if err != nil {
		return berrors.StorageIOError("encoding pending certificate: %s", err)
	}
	res, err := s.db.ExecContext(ctx,
		`REPLACE INTO pending_certificates (source_subnet_id, certificate_json, inserted_at) VALUES (?, ?, ?)`,
		cert.SourceSubnetID[:], raw, s.clock.Now())
	if err != nil {
		return berrors.StorageIOError("inserting pending certificate: %s", err)
	}
	if s.m != nil {
		// REPLACE reports one affected row for a fresh insert and two when
		// it replaced the entry already pending for this source.
		if n, _ := res.RowsAffected(); n == 1 {
			s.m.pendingGauge.Inc()
		}
	}
	return nil
}

func (s *MySQLStore) RemovePending(ctx context.Context, source core.SubnetId, id core.CertificateId) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_certificates WHERE source_subnet_id = ? AND JSON_UNQUOTE(JSON_EXTRACT(certificate_json, '$.ID')) = ?`,
		source[:], id.String())
	if err != nil {
		return berrors.StorageIOError("removing pending certificate: %s", err)
	}
	if s.m != nil {
		if n, _ := res.RowsAffected(); n > 0 {
			s.m.pendingGauge.Dec()
		}
	}
	return nil
}

func (s *MySQLStore) InsertCertificateDelivered(ctx context.Context, delivered core.CertificateDelivered) (*core.CertificatePositions, error) {
	return s.commit(ctx, delivered)
}

func (s *MySQLStore) SynchronizeCertificate(ctx context.Context, delivered core.CertificateDelivered) (*core.CertificatePositions, error) {
	return s.commit(ctx, delivered)
}

// commit is the two-phase write described in DESIGN.md: a perpetual
// batch (certificate row, source stream slot, source head, recovery
// marker) committed in one transaction, then an index batch (target
// stream slots) committed in a second. If the process dies between the
// two, Recover() finishes the second transaction on the next startup
// using the marker written by the first.
func (s *MySQLStore) commit(ctx context.Context, delivered core.CertificateDelivered) (_ *core.CertificatePositions, err error) {
	ctx, span := s.tracer.Start(ctx, "storage.commit", trace.WithAttributes(
		attribute.String("certificate_id", delivered.Certificate.ID.String()),
		attribute.String("source_subnet_id", delivered.Certificate.SourceSubnetID.String()),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := s.clock.Now()
	cert := delivered.Certificate

	certLock := s.certLocks.get(cert.ID)
	certLock.Lock()
	defer certLock.Unlock()

	sourceLock := s.sourceLocks.get(cert.SourceSubnetID)
	sourceLock.Lock()
	defer sourceLock.Unlock()

	expected := delivered.ProofOfDelivery.DeliveryPosition

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, berrors.StorageIOError("beginning perpetual batch: %s", err)
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx, `SELECT certificate_id FROM perpetual_streams WHERE source_subnet_id = ? AND position = ?`,
		cert.SourceSubnetID[:], uint64(expected.Position)).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, berrors.StorageIOError("checking position: %s", err)
	}
	if len(existing) > 0 {
		var existingID core.CertificateId
		copy(existingID[:], existing)
		if existingID != cert.ID {
			if s.m != nil {
				s.m.positionConflicts.Inc()
			}
			return nil, berrors.PositionAlreadyTakenError(
				"position %d on source %s already held by certificate %s", expected.Position, cert.SourceSubnetID, existingID)
		}
	}

	certJSON, err := json.Marshal(cert)
	if err != nil {
		return nil, berrors.StorageIOError("encoding certificate: %s", err)
	}
	proofJSON, err := json.Marshal(delivered.ProofOfDelivery)
	if err != nil {
		return nil, berrors.StorageIOError("encoding proof: %s", err)
	}

	if _, err := tx.ExecContext(ctx,
		`REPLACE INTO perpetual_certificates (certificate_id, certificate_json, proof_json) VALUES (?, ?, ?)`,
		cert.ID[:], certJSON, proofJSON); err != nil {
		return nil, berrors.StorageIOError("writing certificate: %s", err)
	}

	if _, err := tx.ExecContext(ctx,
		`REPLACE INTO perpetual_streams (source_subnet_id, position, certificate_id) VALUES (?, ?, ?)`,
		cert.SourceSubnetID[:], uint64(expected.Position), cert.ID[:]); err != nil {
		return nil, berrors.StorageIOError("writing source stream: %s", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO index_source_list (source_subnet_id, certificate_id, position) VALUES (?, ?, ?)
		 ON DUPLICATE KEY UPDATE certificate_id = IF(VALUES(position) > position, VALUES(certificate_id), certificate_id),
		                         position = GREATEST(position, VALUES(position))`,
		cert.SourceSubnetID[:], cert.ID[:], uint64(expected.Position)); err != nil {
		return nil, berrors.StorageIOError("updating source head: %s", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO recovery_markers (certificate_id) VALUES (?)`, cert.ID[:]); err != nil {
		return nil, berrors.StorageIOError("writing recovery marker: %s", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM pending_certificates WHERE source_subnet_id = ?`, cert.SourceSubnetID[:])
	if err != nil {
		return nil, berrors.StorageIOError("clearing pending certificate: %s", err)
	}
	clearedPending, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return nil, berrors.StorageIOError("committing perpetual batch: %s", err)
	}
	if s.m != nil && clearedPending > 0 {
		s.m.pendingGauge.Dec()
	}

	if err := s.writeIndexBatch(ctx, delivered); err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_markers WHERE certificate_id = ?`, cert.ID[:]); err != nil {
		return nil, berrors.StorageIOError("clearing recovery marker: %s", err)
	}

	targets, err := s.currentTargetPositions(ctx, delivered)
	if err != nil {
		return nil, err
	}

	if s.m != nil {
		s.m.certificatesDelivered.Inc()
		s.m.commitLatency.Observe(s.clock.Now().Sub(start).Seconds())
	}
	s.log.Infof("certificate %s delivered at source position %d", cert.ID, expected.Position)

	return &core.CertificatePositions{Source: expected, Targets: targets}, nil
}

// writeIndexBatch is the second phase of commit: one target-stream row
// per target subnet named by the certificate, each at the next free
// position for that (target, source) pair.
func (s *MySQLStore) writeIndexBatch(ctx context.Context, delivered core.CertificateDelivered) error {
	cert := delivered.Certificate

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return berrors.StorageIOError("beginning index batch: %s", err)
	}
	defer tx.Rollback()

	for _, target := range cert.TargetSubnets {
		var lastPosition sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT MAX(position) FROM index_target_streams WHERE target_subnet_id = ? AND source_subnet_id = ?`,
			target[:], cert.SourceSubnetID[:]).Scan(&lastPosition)
		if err != nil {
			return berrors.StorageIOError("reading target stream head: %s", err)
		}

		next := core.ZeroPosition
		if lastPosition.Valid {
			next = core.Position(lastPosition.Int64).Increment()
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT IGNORE INTO index_target_streams (target_subnet_id, source_subnet_id, position, certificate_id) VALUES (?, ?, ?, ?)`,
			target[:], cert.SourceSubnetID[:], uint64(next), cert.ID[:]); err != nil {
			return berrors.StorageIOError("writing target stream: %s", err)
		}
	}

	return tx.Commit()
}

func (s *MySQLStore) currentTargetPositions(ctx context.Context, delivered core.CertificateDelivered) (map[core.SubnetId]core.TargetStreamPositionKey, error) {
	cert := delivered.Certificate
	out := make(map[core.SubnetId]core.TargetStreamPositionKey, len(cert.TargetSubnets))
	for _, target := range cert.TargetSubnets {
		var position uint64
		err := s.db.QueryRowContext(ctx,
			`SELECT position FROM index_target_streams WHERE target_subnet_id = ? AND source_subnet_id = ? AND certificate_id = ?`,
			target[:], cert.SourceSubnetID[:], cert.ID[:]).Scan(&position)
		if err != nil {
			return nil, berrors.StorageIOError("reading assigned target position: %s", err)
		}
		out[target] = core.TargetStreamPositionKey{Target: target, Source: cert.SourceSubnetID, Position: core.Position(position)}
	}
	return out, nil
}

// InsertUnverifiedProofs persists proofs of delivery keyed by the
// certificate id they attest to, ahead of the body arriving. It reports
// back the ids among proofs whose certificate body this store does not
// already hold in perpetual_certificates, i.e. what the synchronizer
// still needs to fetch.
func (s *MySQLStore) InsertUnverifiedProofs(ctx context.Context, proofs []core.ProofOfDelivery) ([]core.CertificateId, error) {
	var missingBodies []core.CertificateId
	for _, p := range proofs {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, berrors.StorageIOError("encoding unverified proof: %s", err)
		}
		_, err = s.db.ExecContext(ctx,
			`REPLACE INTO index_unverified_proofs (certificate_id, proof_json) VALUES (?, ?)`,
			p.CertificateID[:], raw)
		if err != nil {
			return nil, berrors.StorageIOError("inserting unverified proof: %s", err)
		}

		var exists int
		err = s.db.QueryRowContext(ctx,
			`SELECT 1 FROM perpetual_certificates WHERE certificate_id = ?`, p.CertificateID[:]).Scan(&exists)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			missingBodies = append(missingBodies, p.CertificateID)
		case err != nil:
			return nil, berrors.StorageIOError("checking for known certificate body: %s", err)
		}
	}
	return missingBodies, nil
}

var _ Store = (*MySQLStore)(nil)
