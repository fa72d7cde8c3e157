package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/models"
)

const faceBatchSize = 500

type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
	now  func() time.Time
}

func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, dim int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, dim: dim, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// SetClock replaces the time source.
func (s *PostgresStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema(s.dim)); err != nil {
		return fmt.Errorf("init postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Media records ---

const pgMediaColumns = `content_hash, source_path, status, detection_status, caption_status,
	detection_data, caption_data, narrative, keywords, error_message,
	detection_started_at, caption_started_at, finalize_claimed_at, created_at, last_updated`

func scanPGRecord(row pgx.Row) (*models.MediaRecord, error) {
	var (
		rec              models.MediaRecord
		detData, capData []byte
		keywords         []string
	)
	if err := row.Scan(&rec.ContentHash, &rec.SourcePath, &rec.Status, &rec.DetectionStatus, &rec.CaptionStatus,
		&detData, &capData, &rec.Narrative, &keywords, &rec.ErrorMessage,
		&rec.DetectionStarted, &rec.CaptionStarted, &rec.FinalizeClaimedAt, &rec.CreatedAt, &rec.LastUpdated); err != nil {
		return nil, err
	}
	if len(detData) > 0 {
		rec.Detection = &models.DetectionResult{}
		if err := json.Unmarshal(detData, rec.Detection); err != nil {
			return nil, fmt.Errorf("decode detection result: %w", err)
		}
	}
	if len(capData) > 0 {
		rec.Caption = &models.CaptionResult{}
		if err := json.Unmarshal(capData, rec.Caption); err != nil {
			return nil, fmt.Errorf("decode caption result: %w", err)
		}
	}
	rec.Keywords = keywords
	return &rec, nil
}

func (s *PostgresStore) Register(ctx context.Context, hash, sourcePath string) (RegisterResult, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO media_files (content_hash, source_path, created_at, last_updated)
		 VALUES ($1, $2, $3, $3) ON CONFLICT (content_hash) DO NOTHING`,
		hash, sourcePath, now)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("register media: %w", err)
	}
	created := tag.RowsAffected() == 1

	moved := false
	if !created {
		tag, err = s.pool.Exec(ctx,
			`UPDATE media_files SET source_path = $2 WHERE content_hash = $1 AND source_path <> $2`,
			hash, sourcePath)
		if err != nil {
			return RegisterResult{}, fmt.Errorf("update source path: %w", err)
		}
		moved = tag.RowsAffected() == 1
	}

	rec, err := s.Get(ctx, hash)
	if err != nil {
		return RegisterResult{}, err
	}
	if rec == nil {
		return RegisterResult{}, fmt.Errorf("register media: record %s vanished", hash)
	}
	return RegisterResult{Record: rec, Created: created, Moved: moved}, nil
}

func (s *PostgresStore) Get(ctx context.Context, hash string) (*models.MediaRecord, error) {
	rec, err := scanPGRecord(s.pool.QueryRow(ctx,
		`SELECT `+pgMediaColumns+` FROM media_files WHERE content_hash = $1`, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get media: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindByPath(ctx context.Context, sourcePath string) (*models.MediaRecord, error) {
	rec, err := scanPGRecord(s.pool.QueryRow(ctx,
		`SELECT `+pgMediaColumns+` FROM media_files WHERE source_path = $1 LIMIT 1`, sourcePath))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find media by path: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ReviveSkipped(ctx context.Context, hash string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE media_files SET status = 'PENDING', error_message = '',
		   detection_status = CASE WHEN detection_status = 'COMPLETED' THEN detection_status ELSE 'PENDING' END,
		   caption_status = CASE WHEN caption_status = 'COMPLETED' THEN caption_status ELSE 'PENDING' END,
		   last_updated = $2
		 WHERE content_hash = $1 AND status = 'SKIPPED'`,
		hash, s.now())
	if err != nil {
		return false, fmt.Errorf("revive skipped media: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) BeginStage(ctx context.Context, hash string, stage models.Stage, staleBefore time.Time) (bool, error) {
	cols, err := columnsFor(stage)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(
		`UPDATE media_files SET %[1]s = 'PROCESSING', %[2]s = $2, status = $3, last_updated = $2
		 WHERE content_hash = $1
		   AND status NOT IN ('COMPLETED', 'ERROR_METADATA', 'SKIPPED')
		   AND (%[1]s = 'PENDING' OR (%[1]s = 'PROCESSING' AND (%[2]s IS NULL OR %[2]s < $4)))`,
		cols.status, cols.started)
	tag, err := s.pool.Exec(ctx, query, hash, s.now(), string(cols.overall), staleBefore)
	if err != nil {
		return false, fmt.Errorf("begin %s: %w", stage, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteStage relies on the row lock taken by UPDATE: a concurrent completion
// of the sibling stage waits, re-evaluates against the committed row and sees
// this stage as COMPLETED, so exactly one of the two reports the join.
func (s *PostgresStore) CompleteStage(ctx context.Context, hash string, stage models.Stage, result any) (StageResult, error) {
	cols, err := columnsFor(stage)
	if err != nil {
		return StageResult{}, err
	}
	data, err := marshalResult(result)
	if err != nil {
		return StageResult{}, err
	}
	query := fmt.Sprintf(
		`UPDATE media_files SET %[1]s = 'COMPLETED', %[2]s = $2, last_updated = $3
		 WHERE content_hash = $1 AND %[1]s <> 'COMPLETED' AND status NOT IN ('COMPLETED', 'SKIPPED')
		 RETURNING %[3]s`,
		cols.status, cols.data, cols.sibling)

	var sibling string
	err = s.pool.QueryRow(ctx, query, hash, json.RawMessage(data), s.now()).Scan(&sibling)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StageResult{}, nil
		}
		return StageResult{}, fmt.Errorf("complete %s: %w", stage, err)
	}
	return StageResult{Applied: true, Joined: models.StageStatus(sibling) == models.StageCompleted}, nil
}

func (s *PostgresStore) ReleaseStage(ctx context.Context, hash string, stage models.Stage) error {
	cols, err := columnsFor(stage)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		`UPDATE media_files SET %[1]s = 'PENDING', %[2]s = NULL, last_updated = $2
		 WHERE content_hash = $1 AND %[1]s = 'PROCESSING'`,
		cols.status, cols.started)
	if _, err := s.pool.Exec(ctx, query, hash, s.now()); err != nil {
		return fmt.Errorf("release %s: %w", stage, err)
	}
	return nil
}

func (s *PostgresStore) ClaimFinalize(ctx context.Context, hash string, staleBefore time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE media_files SET finalize_claimed_at = $2, last_updated = $2
		 WHERE content_hash = $1
		   AND detection_status = 'COMPLETED' AND caption_status = 'COMPLETED'
		   AND status NOT IN ('COMPLETED', 'SKIPPED')
		   AND (finalize_claimed_at IS NULL OR finalize_claimed_at < $3)`,
		hash, s.now(), staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim finalize: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompleteFinalize(ctx context.Context, hash, narrative string, keywords []string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE media_files SET status = 'COMPLETED', narrative = $2, keywords = $3, error_message = '',
		   finalize_claimed_at = NULL, last_updated = $4
		 WHERE content_hash = $1 AND status <> 'COMPLETED'
		   AND detection_status = 'COMPLETED' AND caption_status = 'COMPLETED'`,
		hash, narrative, keywords, s.now())
	if err != nil {
		return false, fmt.Errorf("complete finalize: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) FailFinalize(ctx context.Context, hash, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE media_files SET status = 'ERROR_METADATA', error_message = $2, finalize_claimed_at = NULL, last_updated = $3
		 WHERE content_hash = $1 AND status <> 'COMPLETED'`,
		hash, reason, s.now())
	if err != nil {
		return fmt.Errorf("fail finalize: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseFinalize(ctx context.Context, hash string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE media_files SET finalize_claimed_at = NULL WHERE content_hash = $1 AND status <> 'COMPLETED'`, hash)
	if err != nil {
		return fmt.Errorf("release finalize: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSkipped(ctx context.Context, hash, reason string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE media_files SET status = 'SKIPPED', error_message = $2, last_updated = $3
		 WHERE content_hash = $1 AND status NOT IN ('COMPLETED', 'ERROR_METADATA')`,
		hash, reason, s.now())
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]models.MediaRecord, error) {
	return s.listRecords(ctx,
		`SELECT `+pgMediaColumns+` FROM media_files
		 WHERE status NOT IN ('COMPLETED', 'ERROR_METADATA', 'SKIPPED') AND last_updated < $1
		 ORDER BY last_updated LIMIT $2`,
		before, normalizeLimit(limit))
}

func (s *PostgresStore) ListByStatus(ctx context.Context, status models.OverallStatus, limit int) ([]models.MediaRecord, error) {
	return s.listRecords(ctx,
		`SELECT `+pgMediaColumns+` FROM media_files WHERE status = $1 ORDER BY last_updated LIMIT $2`,
		string(status), normalizeLimit(limit))
}

func (s *PostgresStore) listRecords(ctx context.Context, query string, args ...any) ([]models.MediaRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	var records []models.MediaRecord
	for rows.Next() {
		rec, err := scanPGRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context) (*models.Stats, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM media_files GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count media by status: %w", err)
	}
	defer rows.Close()

	byStatus := make(map[models.OverallStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		byStatus[models.OverallStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count media by status: %w", err)
	}

	stats := buildStats(byStatus)
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE cluster_id = -1), (SELECT COUNT(*) FROM people) FROM faces`,
	).Scan(&stats.Faces, &stats.UnassignedFaces, &stats.Identities)
	if err != nil {
		return nil, fmt.Errorf("count faces: %w", err)
	}
	return stats, nil
}

// --- Faces ---

func (s *PostgresStore) InsertFaces(ctx context.Context, faces []models.FaceRecord) (int, error) {
	inserted := 0
	for start := 0; start < len(faces); start += faceBatchSize {
		end := min(start+faceBatchSize, len(faces))

		batch := &pgx.Batch{}
		for _, f := range faces[start:end] {
			if s.dim > 0 && len(f.Embedding) != s.dim {
				return inserted, fmt.Errorf("face %s#%d: embedding has %d dims, want %d", f.ContentHash, f.FaceIndex, len(f.Embedding), s.dim)
			}
			batch.Queue(
				`INSERT INTO faces (content_hash, face_index, embedding, cluster_id)
				 VALUES ($1, $2, $3, $4) ON CONFLICT (content_hash, face_index) DO NOTHING`,
				f.ContentHash, f.FaceIndex, pgvector.NewVector(f.Embedding), f.ClusterID)
		}

		br := s.pool.SendBatch(ctx, batch)
		for i := start; i < end; i++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return inserted, fmt.Errorf("insert face: %w", err)
			}
			inserted += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return inserted, fmt.Errorf("close face batch: %w", err)
		}
	}
	return inserted, nil
}

func (s *PostgresStore) ScanEmbeddings(ctx context.Context, fn func(models.FaceRecord) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT face_id, content_hash, face_index, embedding, cluster_id, created_at FROM faces ORDER BY face_id`)
	if err != nil {
		return fmt.Errorf("scan embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f models.FaceRecord
		var vec pgvector.Vector
		if err := rows.Scan(&f.FaceID, &f.ContentHash, &f.FaceIndex, &vec, &f.ClusterID, &f.CreatedAt); err != nil {
			return fmt.Errorf("scan face: %w", err)
		}
		f.Embedding = vec.Slice()
		if err := fn(f); err != nil {
			return err
		}
	}
	return rows.Err()
}

// ApplyClusters copies the assignments into a temporary table and applies them
// with one UPDATE ... FROM, avoiding per-row round trips. The epoch row stays
// locked until commit, so a concurrent merge either lands before the check or
// waits for the write-back.
func (s *PostgresStore) ApplyClusters(ctx context.Context, epoch int64, assignments []models.ClusterAssignment) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin apply clusters: %w", err)
	}
	defer tx.Rollback(ctx)

	var current int64
	if err := tx.QueryRow(ctx,
		`SELECT value FROM ledger_meta WHERE key = $1 FOR UPDATE`, identityEpochKey).Scan(&current); err != nil {
		return 0, fmt.Errorf("lock identity epoch: %w", err)
	}
	if current != epoch {
		return 0, fmt.Errorf("%w: computed at %d, ledger at %d", ErrIdentityEpochChanged, epoch, current)
	}

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE cluster_assignments (face_id BIGINT PRIMARY KEY, cluster_id BIGINT NOT NULL) ON COMMIT DROP`); err != nil {
		return 0, fmt.Errorf("create assignment table: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"cluster_assignments"},
		[]string{"face_id", "cluster_id"},
		pgx.CopyFromSlice(len(assignments), func(i int) ([]any, error) {
			return []any{assignments[i].FaceID, assignments[i].ClusterID}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("copy assignments: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE faces f SET cluster_id = a.cluster_id
		 FROM cluster_assignments a
		 WHERE f.face_id = a.face_id AND f.cluster_id <> a.cluster_id`)
	if err != nil {
		return 0, fmt.Errorf("apply assignments: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO people (cluster_id)
		 SELECT DISTINCT cluster_id FROM faces WHERE cluster_id <> -1
		 ON CONFLICT (cluster_id) DO NOTHING`); err != nil {
		return 0, fmt.Errorf("create identities: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM people p WHERE p.name = 'Unknown'
		 AND NOT EXISTS (SELECT 1 FROM faces f WHERE f.cluster_id = p.cluster_id)`); err != nil {
		return 0, fmt.Errorf("prune identities: %w", err)
	}
	if err := bumpEpochPG(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit apply clusters: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) MaxClusterID(ctx context.Context) (int64, error) {
	var maxID int64
	err := s.pool.QueryRow(ctx,
		`SELECT GREATEST(
			COALESCE((SELECT MAX(cluster_id) FROM people), -1),
			COALESCE((SELECT MAX(cluster_id) FROM faces), -1),
			COALESCE((SELECT value FROM ledger_meta WHERE key = $1), -1))`,
		retiredClusterKey,
	).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max cluster id: %w", err)
	}
	return maxID, nil
}

// --- Identities ---

func (s *PostgresStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.cluster_id, p.name, p.created_at, COUNT(f.face_id)
		 FROM people p LEFT JOIN faces f ON f.cluster_id = p.cluster_id
		 GROUP BY p.cluster_id, p.name, p.created_at
		 ORDER BY COUNT(f.face_id) DESC, p.cluster_id`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	var identities []models.Identity
	for rows.Next() {
		var id models.Identity
		if err := rows.Scan(&id.ClusterID, &id.DisplayName, &id.CreatedAt, &id.FaceCount); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, id)
	}
	return identities, rows.Err()
}

func (s *PostgresStore) GetIdentity(ctx context.Context, clusterID int64) (*models.Identity, error) {
	id := &models.Identity{}
	err := s.pool.QueryRow(ctx,
		`SELECT p.cluster_id, p.name, p.created_at, (SELECT COUNT(*) FROM faces f WHERE f.cluster_id = p.cluster_id)
		 FROM people p WHERE p.cluster_id = $1`, clusterID,
	).Scan(&id.ClusterID, &id.DisplayName, &id.CreatedAt, &id.FaceCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListFaces(ctx context.Context, clusterID int64, limit int) ([]models.FaceView, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT f.face_id, f.content_hash, m.source_path, f.cluster_id
		 FROM faces f JOIN media_files m ON m.content_hash = f.content_hash
		 WHERE f.cluster_id = $1 ORDER BY f.face_id LIMIT $2`,
		clusterID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list faces: %w", err)
	}
	defer rows.Close()

	var faces []models.FaceView
	for rows.Next() {
		var f models.FaceView
		if err := rows.Scan(&f.FaceID, &f.ContentHash, &f.SourcePath, &f.ClusterID); err != nil {
			return nil, fmt.Errorf("scan face: %w", err)
		}
		faces = append(faces, f)
	}
	return faces, rows.Err()
}

func (s *PostgresStore) IdentityNames(ctx context.Context, clusterIDs []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(clusterIDs))
	if len(clusterIDs) == 0 {
		return names, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT cluster_id, name FROM people WHERE cluster_id = ANY($1)`, clusterIDs)
	if err != nil {
		return nil, fmt.Errorf("identity names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan identity name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}

func (s *PostgresStore) RenameIdentity(ctx context.Context, clusterID int64, name string) (RenameResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return RenameResult{}, ErrEmptyName
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return RenameResult{}, fmt.Errorf("begin rename: %w", err)
	}
	defer tx.Rollback(ctx)

	// Epoch row first: clustering write-back takes it before touching faces.
	if _, err := tx.Exec(ctx, `SELECT value FROM ledger_meta WHERE key = $1 FOR UPDATE`, identityEpochKey); err != nil {
		return RenameResult{}, fmt.Errorf("lock identity epoch: %w", err)
	}

	var locked int64
	err = tx.QueryRow(ctx, `SELECT cluster_id FROM people WHERE cluster_id = $1 FOR UPDATE`, clusterID).Scan(&locked)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return RenameResult{}, ErrIdentityNotFound
		}
		return RenameResult{}, fmt.Errorf("lock identity: %w", err)
	}

	var target int64
	err = tx.QueryRow(ctx,
		`SELECT cluster_id FROM people WHERE name = $1 AND cluster_id <> $2 ORDER BY cluster_id LIMIT 1 FOR UPDATE`,
		name, clusterID).Scan(&target)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, `UPDATE people SET name = $2 WHERE cluster_id = $1`, clusterID, name); err != nil {
			return RenameResult{}, fmt.Errorf("rename identity: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return RenameResult{}, fmt.Errorf("commit rename: %w", err)
		}
		return RenameResult{ClusterID: clusterID}, nil
	case err != nil:
		return RenameResult{}, fmt.Errorf("lookup merge target: %w", err)
	}

	tag, err := tx.Exec(ctx, `UPDATE faces SET cluster_id = $1 WHERE cluster_id = $2`, target, clusterID)
	if err != nil {
		return RenameResult{}, fmt.Errorf("repoint faces: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM people WHERE cluster_id = $1`, clusterID); err != nil {
		return RenameResult{}, fmt.Errorf("delete merged identity: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_meta (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = GREATEST(ledger_meta.value, EXCLUDED.value)`,
		retiredClusterKey, clusterID); err != nil {
		return RenameResult{}, fmt.Errorf("retire merged cluster id: %w", err)
	}
	if err := bumpEpochPG(ctx, tx); err != nil {
		return RenameResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return RenameResult{}, fmt.Errorf("commit merge: %w", err)
	}
	return RenameResult{ClusterID: target, Merged: true, FacesMoved: int(tag.RowsAffected())}, nil
}

func (s *PostgresStore) FaceWatermark(ctx context.Context) (models.FaceWatermark, error) {
	var w models.FaceWatermark
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*), COALESCE(MAX(face_id), 0) FROM faces`).Scan(&w.Count, &w.MaxID); err != nil {
		return w, fmt.Errorf("read face watermark: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) IdentityEpoch(ctx context.Context) (int64, error) {
	var epoch int64
	if err := s.pool.QueryRow(ctx, `SELECT value FROM ledger_meta WHERE key = $1`, identityEpochKey).Scan(&epoch); err != nil {
		return 0, fmt.Errorf("read identity epoch: %w", err)
	}
	return epoch, nil
}

func bumpEpochPG(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, `UPDATE ledger_meta SET value = value + 1 WHERE key = $1`, identityEpochKey); err != nil {
		return fmt.Errorf("bump identity epoch: %w", err)
	}
	return nil
}

func postgresSchema(dim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS media_files (
	content_hash         TEXT PRIMARY KEY,
	source_path          TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'PENDING',
	detection_status     TEXT NOT NULL DEFAULT 'PENDING',
	caption_status       TEXT NOT NULL DEFAULT 'PENDING',
	detection_data       JSONB,
	caption_data         JSONB,
	narrative            TEXT NOT NULL DEFAULT '',
	keywords             TEXT[],
	error_message        TEXT NOT NULL DEFAULT '',
	detection_started_at TIMESTAMPTZ,
	caption_started_at   TIMESTAMPTZ,
	finalize_claimed_at  TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_updated         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_media_files_source_path ON media_files (source_path);
CREATE INDEX IF NOT EXISTS idx_media_files_status ON media_files (status, last_updated);

CREATE TABLE IF NOT EXISTS people (
	cluster_id BIGINT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT 'Unknown',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_people_name ON people (name);

CREATE TABLE IF NOT EXISTS faces (
	face_id      BIGSERIAL PRIMARY KEY,
	content_hash TEXT NOT NULL REFERENCES media_files (content_hash) ON DELETE CASCADE,
	face_index   INT NOT NULL,
	embedding    vector(%d) NOT NULL,
	cluster_id   BIGINT NOT NULL DEFAULT -1,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (content_hash, face_index)
);
CREATE INDEX IF NOT EXISTS idx_faces_cluster ON faces (cluster_id);

CREATE TABLE IF NOT EXISTS ledger_meta (
	key   TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);
INSERT INTO ledger_meta (key, value) VALUES ('identity_epoch', 0) ON CONFLICT (key) DO NOTHING;
`, dim)
}
