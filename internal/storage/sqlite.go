package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/your-org/mediaflow/internal/models"
)

// SQLiteStore is the single-node ledger. All access goes through one
// connection, which serializes writers the way the ledger queue does for
// multi-node deployments.
type SQLiteStore struct {
	db  *sql.DB
	dim int
	now func() time.Time
}

func OpenSQLite(ctx context.Context, path string, dim int) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}

	return &SQLiteStore{db: db, dim: dim, now: time.Now}, nil
}

// SetClock replaces the time source.
func (s *SQLiteStore) SetClock(now func() time.Time) {
	s.now = now
}

func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func unixNano(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNullNano(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

// --- Media records ---

const sqliteMediaColumns = `content_hash, source_path, status, detection_status, caption_status,
	detection_data, caption_data, narrative, keywords, error_message,
	detection_started_at, caption_started_at, finalize_claimed_at, created_at, last_updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(row rowScanner) (*models.MediaRecord, error) {
	var (
		rec                     models.MediaRecord
		detData, capData, kw    sql.NullString
		detStart, capStart, fin sql.NullInt64
		createdAt, lastUpdated  int64
	)
	if err := row.Scan(&rec.ContentHash, &rec.SourcePath, &rec.Status, &rec.DetectionStatus, &rec.CaptionStatus,
		&detData, &capData, &rec.Narrative, &kw, &rec.ErrorMessage,
		&detStart, &capStart, &fin, &createdAt, &lastUpdated); err != nil {
		return nil, err
	}
	if detData.Valid && detData.String != "" {
		rec.Detection = &models.DetectionResult{}
		if err := json.Unmarshal([]byte(detData.String), rec.Detection); err != nil {
			return nil, fmt.Errorf("decode detection result: %w", err)
		}
	}
	if capData.Valid && capData.String != "" {
		rec.Caption = &models.CaptionResult{}
		if err := json.Unmarshal([]byte(capData.String), rec.Caption); err != nil {
			return nil, fmt.Errorf("decode caption result: %w", err)
		}
	}
	if kw.Valid && kw.String != "" {
		if err := json.Unmarshal([]byte(kw.String), &rec.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
	}
	rec.DetectionStarted = fromNullNano(detStart)
	rec.CaptionStarted = fromNullNano(capStart)
	rec.FinalizeClaimedAt = fromNullNano(fin)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.LastUpdated = time.Unix(0, lastUpdated).UTC()
	return &rec, nil
}

func (s *SQLiteStore) Register(ctx context.Context, hash, sourcePath string) (RegisterResult, error) {
	now := unixNano(s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO media_files (content_hash, source_path, created_at, last_updated)
		 VALUES (?, ?, ?, ?) ON CONFLICT(content_hash) DO NOTHING`,
		hash, sourcePath, now, now)
	if err != nil {
		return RegisterResult{}, fmt.Errorf("register media: %w", err)
	}
	created, _ := res.RowsAffected()

	var moved int64
	if created == 0 {
		res, err = s.db.ExecContext(ctx,
			`UPDATE media_files SET source_path = ? WHERE content_hash = ? AND source_path <> ?`,
			sourcePath, hash, sourcePath)
		if err != nil {
			return RegisterResult{}, fmt.Errorf("update source path: %w", err)
		}
		moved, _ = res.RowsAffected()
	}

	rec, err := s.Get(ctx, hash)
	if err != nil {
		return RegisterResult{}, err
	}
	if rec == nil {
		return RegisterResult{}, fmt.Errorf("register media: record %s vanished", hash)
	}
	return RegisterResult{Record: rec, Created: created == 1, Moved: moved == 1}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, hash string) (*models.MediaRecord, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMediaColumns+` FROM media_files WHERE content_hash = ?`, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get media: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) FindByPath(ctx context.Context, sourcePath string) (*models.MediaRecord, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteMediaColumns+` FROM media_files WHERE source_path = ? LIMIT 1`, sourcePath))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find media by path: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ReviveSkipped(ctx context.Context, hash string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET status = 'PENDING', error_message = '',
		   detection_status = CASE WHEN detection_status = 'COMPLETED' THEN detection_status ELSE 'PENDING' END,
		   caption_status = CASE WHEN caption_status = 'COMPLETED' THEN caption_status ELSE 'PENDING' END,
		   last_updated = ?
		 WHERE content_hash = ? AND status = 'SKIPPED'`,
		unixNano(s.now()), hash)
	if err != nil {
		return false, fmt.Errorf("revive skipped media: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) BeginStage(ctx context.Context, hash string, stage models.Stage, staleBefore time.Time) (bool, error) {
	cols, err := columnsFor(stage)
	if err != nil {
		return false, err
	}
	now := unixNano(s.now())
	query := fmt.Sprintf(
		`UPDATE media_files SET %[1]s = 'PROCESSING', %[2]s = ?, status = ?, last_updated = ?
		 WHERE content_hash = ?
		   AND status NOT IN ('COMPLETED', 'ERROR_METADATA', 'SKIPPED')
		   AND (%[1]s = 'PENDING' OR (%[1]s = 'PROCESSING' AND (%[2]s IS NULL OR %[2]s < ?)))`,
		cols.status, cols.started)
	res, err := s.db.ExecContext(ctx, query, now, cols.overall, now, hash, unixNano(staleBefore))
	if err != nil {
		return false, fmt.Errorf("begin %s: %w", stage, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) CompleteStage(ctx context.Context, hash string, stage models.Stage, result any) (StageResult, error) {
	cols, err := columnsFor(stage)
	if err != nil {
		return StageResult{}, err
	}
	data, err := marshalResult(result)
	if err != nil {
		return StageResult{}, err
	}
	query := fmt.Sprintf(
		`UPDATE media_files SET %[1]s = 'COMPLETED', %[2]s = ?, last_updated = ?
		 WHERE content_hash = ? AND %[1]s <> 'COMPLETED' AND status NOT IN ('COMPLETED', 'SKIPPED')
		 RETURNING %[3]s`,
		cols.status, cols.data, cols.sibling)

	var sibling string
	err = s.db.QueryRowContext(ctx, query, nullableText(data), unixNano(s.now()), hash).Scan(&sibling)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StageResult{}, nil
		}
		return StageResult{}, fmt.Errorf("complete %s: %w", stage, err)
	}
	return StageResult{Applied: true, Joined: models.StageStatus(sibling) == models.StageCompleted}, nil
}

func (s *SQLiteStore) ReleaseStage(ctx context.Context, hash string, stage models.Stage) error {
	cols, err := columnsFor(stage)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		`UPDATE media_files SET %[1]s = 'PENDING', %[2]s = NULL, last_updated = ?
		 WHERE content_hash = ? AND %[1]s = 'PROCESSING'`,
		cols.status, cols.started)
	if _, err := s.db.ExecContext(ctx, query, unixNano(s.now()), hash); err != nil {
		return fmt.Errorf("release %s: %w", stage, err)
	}
	return nil
}

func (s *SQLiteStore) ClaimFinalize(ctx context.Context, hash string, staleBefore time.Time) (bool, error) {
	now := unixNano(s.now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET finalize_claimed_at = ?, last_updated = ?
		 WHERE content_hash = ?
		   AND detection_status = 'COMPLETED' AND caption_status = 'COMPLETED'
		   AND status NOT IN ('COMPLETED', 'SKIPPED')
		   AND (finalize_claimed_at IS NULL OR finalize_claimed_at < ?)`,
		now, now, hash, unixNano(staleBefore))
	if err != nil {
		return false, fmt.Errorf("claim finalize: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) CompleteFinalize(ctx context.Context, hash, narrative string, keywords []string) (bool, error) {
	kw, err := json.Marshal(keywords)
	if err != nil {
		return false, fmt.Errorf("marshal keywords: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET status = 'COMPLETED', narrative = ?, keywords = ?, error_message = '',
		   finalize_claimed_at = NULL, last_updated = ?
		 WHERE content_hash = ? AND status <> 'COMPLETED'
		   AND detection_status = 'COMPLETED' AND caption_status = 'COMPLETED'`,
		narrative, string(kw), unixNano(s.now()), hash)
	if err != nil {
		return false, fmt.Errorf("complete finalize: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) FailFinalize(ctx context.Context, hash, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET status = 'ERROR_METADATA', error_message = ?, finalize_claimed_at = NULL, last_updated = ?
		 WHERE content_hash = ? AND status <> 'COMPLETED'`,
		reason, unixNano(s.now()), hash)
	if err != nil {
		return fmt.Errorf("fail finalize: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseFinalize(ctx context.Context, hash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET finalize_claimed_at = NULL WHERE content_hash = ? AND status <> 'COMPLETED'`, hash)
	if err != nil {
		return fmt.Errorf("release finalize: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MarkSkipped(ctx context.Context, hash, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_files SET status = 'SKIPPED', error_message = ?, last_updated = ?
		 WHERE content_hash = ? AND status NOT IN ('COMPLETED', 'ERROR_METADATA')`,
		reason, unixNano(s.now()), hash)
	if err != nil {
		return fmt.Errorf("mark skipped: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListIdle(ctx context.Context, before time.Time, limit int) ([]models.MediaRecord, error) {
	return s.listRecords(ctx,
		`SELECT `+sqliteMediaColumns+` FROM media_files
		 WHERE status NOT IN ('COMPLETED', 'ERROR_METADATA', 'SKIPPED') AND last_updated < ?
		 ORDER BY last_updated LIMIT ?`,
		unixNano(before), normalizeLimit(limit))
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status models.OverallStatus, limit int) ([]models.MediaRecord, error) {
	return s.listRecords(ctx,
		`SELECT `+sqliteMediaColumns+` FROM media_files WHERE status = ? ORDER BY last_updated LIMIT ?`,
		string(status), normalizeLimit(limit))
}

func (s *SQLiteStore) listRecords(ctx context.Context, query string, args ...any) ([]models.MediaRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()

	var records []models.MediaRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan media: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (*models.Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM media_files GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count media by status: %w", err)
	}
	byStatus := make(map[models.OverallStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		byStatus[models.OverallStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count media by status: %w", err)
	}

	stats := buildStats(byStatus)
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN cluster_id = -1 THEN 1 ELSE 0 END), 0) FROM faces`,
	).Scan(&stats.Faces, &stats.UnassignedFaces)
	if err != nil {
		return nil, fmt.Errorf("count faces: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM people`).Scan(&stats.Identities); err != nil {
		return nil, fmt.Errorf("count identities: %w", err)
	}
	return stats, nil
}

// --- Faces ---

func (s *SQLiteStore) InsertFaces(ctx context.Context, faces []models.FaceRecord) (int, error) {
	if len(faces) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert faces: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO faces (content_hash, face_index, embedding, cluster_id, created_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(content_hash, face_index) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert faces: %w", err)
	}
	defer stmt.Close()

	now := unixNano(s.now())
	inserted := 0
	for _, f := range faces {
		if s.dim > 0 && len(f.Embedding) != s.dim {
			return 0, fmt.Errorf("face %s#%d: embedding has %d dims, want %d", f.ContentHash, f.FaceIndex, len(f.Embedding), s.dim)
		}
		res, err := stmt.ExecContext(ctx, f.ContentHash, f.FaceIndex, encodeEmbedding(f.Embedding), f.ClusterID, now)
		if err != nil {
			return 0, fmt.Errorf("insert face: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert faces: %w", err)
	}
	return inserted, nil
}

func (s *SQLiteStore) ScanEmbeddings(ctx context.Context, fn func(models.FaceRecord) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT face_id, content_hash, face_index, embedding, cluster_id, created_at FROM faces ORDER BY face_id`)
	if err != nil {
		return fmt.Errorf("scan embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			f         models.FaceRecord
			blob      []byte
			createdAt int64
		)
		if err := rows.Scan(&f.FaceID, &f.ContentHash, &f.FaceIndex, &blob, &f.ClusterID, &createdAt); err != nil {
			return fmt.Errorf("scan face: %w", err)
		}
		if f.Embedding, err = decodeEmbedding(blob); err != nil {
			return fmt.Errorf("face %d: %w", f.FaceID, err)
		}
		f.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := fn(f); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLiteStore) ApplyClusters(ctx context.Context, epoch int64, assignments []models.ClusterAssignment) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin apply clusters: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = ?`, identityEpochKey).Scan(&current); err != nil {
		return 0, fmt.Errorf("read identity epoch: %w", err)
	}
	if current != epoch {
		return 0, fmt.Errorf("%w: computed at %d, ledger at %d", ErrIdentityEpochChanged, epoch, current)
	}

	stmt, err := tx.PrepareContext(ctx, `UPDATE faces SET cluster_id = ? WHERE face_id = ? AND cluster_id <> ?`)
	if err != nil {
		return 0, fmt.Errorf("prepare cluster update: %w", err)
	}
	defer stmt.Close()

	updated := 0
	for _, a := range assignments {
		res, err := stmt.ExecContext(ctx, a.ClusterID, a.FaceID, a.ClusterID)
		if err != nil {
			return 0, fmt.Errorf("assign face %d: %w", a.FaceID, err)
		}
		n, _ := res.RowsAffected()
		updated += int(n)
	}

	now := unixNano(s.now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO people (cluster_id, name, created_at)
		 SELECT DISTINCT cluster_id, 'Unknown', ? FROM faces WHERE cluster_id <> -1
		 ON CONFLICT(cluster_id) DO NOTHING`, now); err != nil {
		return 0, fmt.Errorf("create identities: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM people WHERE name = 'Unknown'
		 AND NOT EXISTS (SELECT 1 FROM faces f WHERE f.cluster_id = people.cluster_id)`); err != nil {
		return 0, fmt.Errorf("prune identities: %w", err)
	}
	if err := bumpEpochSQLite(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit apply clusters: %w", err)
	}
	return updated, nil
}

func (s *SQLiteStore) MaxClusterID(ctx context.Context) (int64, error) {
	var maxID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(
			COALESCE((SELECT MAX(cluster_id) FROM people), -1),
			COALESCE((SELECT MAX(cluster_id) FROM faces), -1),
			COALESCE((SELECT value FROM ledger_meta WHERE key = ?), -1))`,
		retiredClusterKey,
	).Scan(&maxID)
	if err != nil {
		return 0, fmt.Errorf("max cluster id: %w", err)
	}
	return maxID, nil
}

// --- Identities ---

func (s *SQLiteStore) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
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
		var createdAt int64
		if err := rows.Scan(&id.ClusterID, &id.DisplayName, &createdAt, &id.FaceCount); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		id.CreatedAt = time.Unix(0, createdAt).UTC()
		identities = append(identities, id)
	}
	return identities, rows.Err()
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, clusterID int64) (*models.Identity, error) {
	id := &models.Identity{}
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT p.cluster_id, p.name, p.created_at, (SELECT COUNT(*) FROM faces f WHERE f.cluster_id = p.cluster_id)
		 FROM people p WHERE p.cluster_id = ?`, clusterID,
	).Scan(&id.ClusterID, &id.DisplayName, &createdAt, &id.FaceCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	id.CreatedAt = time.Unix(0, createdAt).UTC()
	return id, nil
}

func (s *SQLiteStore) ListFaces(ctx context.Context, clusterID int64, limit int) ([]models.FaceView, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.face_id, f.content_hash, m.source_path, f.cluster_id
		 FROM faces f JOIN media_files m ON m.content_hash = f.content_hash
		 WHERE f.cluster_id = ? ORDER BY f.face_id LIMIT ?`,
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

func (s *SQLiteStore) IdentityNames(ctx context.Context, clusterIDs []int64) (map[int64]string, error) {
	names := make(map[int64]string, len(clusterIDs))
	if len(clusterIDs) == 0 {
		return names, nil
	}
	placeholders := make([]string, len(clusterIDs))
	args := make([]any, len(clusterIDs))
	for i, id := range clusterIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT cluster_id, name FROM people WHERE cluster_id IN (`+strings.Join(placeholders, ",")+`)`, args...)
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

func (s *SQLiteStore) RenameIdentity(ctx context.Context, clusterID int64, name string) (RenameResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return RenameResult{}, ErrEmptyName
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RenameResult{}, fmt.Errorf("begin rename: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM people WHERE cluster_id = ?`, clusterID).Scan(&exists); err != nil {
		return RenameResult{}, fmt.Errorf("lookup identity: %w", err)
	}
	if exists == 0 {
		return RenameResult{}, ErrIdentityNotFound
	}

	var target int64
	err = tx.QueryRowContext(ctx,
		`SELECT cluster_id FROM people WHERE name = ? AND cluster_id <> ? ORDER BY cluster_id LIMIT 1`,
		name, clusterID).Scan(&target)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `UPDATE people SET name = ? WHERE cluster_id = ?`, name, clusterID); err != nil {
			return RenameResult{}, fmt.Errorf("rename identity: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return RenameResult{}, fmt.Errorf("commit rename: %w", err)
		}
		return RenameResult{ClusterID: clusterID}, nil
	case err != nil:
		return RenameResult{}, fmt.Errorf("lookup merge target: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE faces SET cluster_id = ? WHERE cluster_id = ?`, target, clusterID)
	if err != nil {
		return RenameResult{}, fmt.Errorf("repoint faces: %w", err)
	}
	moved, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM people WHERE cluster_id = ?`, clusterID); err != nil {
		return RenameResult{}, fmt.Errorf("delete merged identity: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = MAX(value, excluded.value)`,
		retiredClusterKey, clusterID); err != nil {
		return RenameResult{}, fmt.Errorf("retire merged cluster id: %w", err)
	}
	if err := bumpEpochSQLite(ctx, tx); err != nil {
		return RenameResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RenameResult{}, fmt.Errorf("commit merge: %w", err)
	}
	return RenameResult{ClusterID: target, Merged: true, FacesMoved: int(moved)}, nil
}

func (s *SQLiteStore) FaceWatermark(ctx context.Context) (models.FaceWatermark, error) {
	var w models.FaceWatermark
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(MAX(face_id), 0) FROM faces`).Scan(&w.Count, &w.MaxID)
	if err != nil {
		return w, fmt.Errorf("read face watermark: %w", err)
	}
	return w, nil
}

func (s *SQLiteStore) IdentityEpoch(ctx context.Context) (int64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = ?`, identityEpochKey).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("read identity epoch: %w", err)
	}
	return epoch, nil
}

func bumpEpochSQLite(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_meta SET value = value + 1 WHERE key = ?`, identityEpochKey); err != nil {
		return fmt.Errorf("bump identity epoch: %w", err)
	}
	return nil
}

func nullableText(data []byte) any {
	if data == nil {
		return nil
	}
	return string(data)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 10000 {
		return 10000
	}
	return limit
}

func buildStats(byStatus map[models.OverallStatus]int) *models.Stats {
	stats := &models.Stats{ByStatus: byStatus}
	for status, n := range byStatus {
		stats.Total += n
		switch status {
		case models.StatusCompleted:
			stats.Processed += n
		case models.StatusPending, models.StatusProcessingDetection, models.StatusProcessingVLM:
			stats.Pending += n
		}
	}
	return stats
}
