package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/resonantgeodata/rgd-jobs/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Catalog ---

// Algorithms and score algorithms share one row shape in separate tables.

func (s *PostgresStore) createExecutable(ctx context.Context, table string, e *models.Executable) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+table+` (name, description, creator, active, docker_image_id, data_key)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		e.Name, e.Description, e.Creator, e.Active, e.DockerImageID, e.DataKey,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) getExecutable(ctx context.Context, table string, id int64) (*models.Executable, error) {
	var e models.Executable
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, creator, active, docker_image_id, data_key, created_at, updated_at
		 FROM `+table+` WHERE id = $1`, id,
	).Scan(&e.ID, &e.Name, &e.Description, &e.Creator, &e.Active, &e.DockerImageID,
		&e.DataKey, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	return &e, nil
}

// setImageID touches only docker_image_id so a concurrent edit of other fields is not clobbered.
func (s *PostgresStore) setImageID(ctx context.Context, table string, id int64, imageID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+` SET docker_image_id = $2, updated_at = NOW() WHERE id = $1`, id, imageID)
	if err != nil {
		return fmt.Errorf("set %s image id: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateAlgorithm(ctx context.Context, a *models.Algorithm) error {
	return s.createExecutable(ctx, "algorithms", &a.Executable)
}

func (s *PostgresStore) GetAlgorithm(ctx context.Context, id int64) (*models.Algorithm, error) {
	e, err := s.getExecutable(ctx, "algorithms", id)
	if err != nil {
		return nil, err
	}
	return &models.Algorithm{Executable: *e}, nil
}

func (s *PostgresStore) SetAlgorithmImageID(ctx context.Context, id int64, imageID string) error {
	return s.setImageID(ctx, "algorithms", id, imageID)
}

func (s *PostgresStore) CreateScoreAlgorithm(ctx context.Context, a *models.ScoreAlgorithm) error {
	return s.createExecutable(ctx, "score_algorithms", &a.Executable)
}

func (s *PostgresStore) GetScoreAlgorithm(ctx context.Context, id int64) (*models.ScoreAlgorithm, error) {
	e, err := s.getExecutable(ctx, "score_algorithms", id)
	if err != nil {
		return nil, err
	}
	return &models.ScoreAlgorithm{Executable: *e}, nil
}

func (s *PostgresStore) SetScoreAlgorithmImageID(ctx context.Context, id int64, imageID string) error {
	return s.setImageID(ctx, "score_algorithms", id, imageID)
}

func (s *PostgresStore) createDataFile(ctx context.Context, table string, d *models.DataFile) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+table+` (name, description, creator, data_key)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		d.Name, d.Description, d.Creator, d.DataKey,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create %s: %w", table, err)
	}
	return nil
}

func (s *PostgresStore) getDataFile(ctx context.Context, table string, id int64) (*models.DataFile, error) {
	var d models.DataFile
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, description, creator, data_key, created_at FROM `+table+` WHERE id = $1`, id,
	).Scan(&d.ID, &d.Name, &d.Description, &d.Creator, &d.DataKey, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", table, err)
	}
	return &d, nil
}

func (s *PostgresStore) CreateDataset(ctx context.Context, d *models.Dataset) error {
	return s.createDataFile(ctx, "datasets", &d.DataFile)
}

func (s *PostgresStore) GetDataset(ctx context.Context, id int64) (*models.Dataset, error) {
	d, err := s.getDataFile(ctx, "datasets", id)
	if err != nil {
		return nil, err
	}
	return &models.Dataset{DataFile: *d}, nil
}

func (s *PostgresStore) CreateGroundtruth(ctx context.Context, g *models.Groundtruth) error {
	return s.createDataFile(ctx, "groundtruths", &g.DataFile)
}

func (s *PostgresStore) GetGroundtruth(ctx context.Context, id int64) (*models.Groundtruth, error) {
	d, err := s.getDataFile(ctx, "groundtruths", id)
	if err != nil {
		return nil, err
	}
	return &models.Groundtruth{DataFile: *d}, nil
}

// --- Jobs ---

func jobTable(kind models.JobKind) (string, error) {
	switch kind {
	case models.JobKindAlgorithm:
		return "algorithm_jobs", nil
	case models.JobKindScore:
		return "score_jobs", nil
	}
	return "", fmt.Errorf("unknown job kind %q", kind)
}

func (s *PostgresStore) CreateAlgorithmJob(ctx context.Context, job *models.AlgorithmJob) error {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO algorithm_jobs (algorithm_id, dataset_id, creator, status, fail_reason)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		job.AlgorithmID, job.DatasetID, job.Creator, job.Status, job.FailReason,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create algorithm job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAlgorithmJob(ctx context.Context, id int64) (*models.AlgorithmJob, error) {
	var j models.AlgorithmJob
	err := s.pool.QueryRow(ctx,
		`SELECT id, algorithm_id, dataset_id, creator, status, fail_reason, started_at, completed_at, created_at, updated_at
		 FROM algorithm_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.AlgorithmID, &j.DatasetID, &j.Creator, &j.Status, &j.FailReason,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get algorithm job: %w", err)
	}
	return &j, nil
}

func (s *PostgresStore) CreateScoreJob(ctx context.Context, job *models.ScoreJob) error {
	if job.Status == "" {
		job.Status = models.JobStatusQueued
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO score_jobs (score_algorithm_id, algorithm_result_id, groundtruth_id, creator, status, fail_reason)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at, updated_at`,
		job.ScoreAlgorithmID, job.AlgorithmResultID, job.GroundtruthID, job.Creator, job.Status, job.FailReason,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrNotFound
		}
		return fmt.Errorf("create score job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScoreJob(ctx context.Context, id int64) (*models.ScoreJob, error) {
	var j models.ScoreJob
	err := s.pool.QueryRow(ctx,
		`SELECT id, score_algorithm_id, algorithm_result_id, groundtruth_id, creator, status, fail_reason,
		        started_at, completed_at, created_at, updated_at
		 FROM score_jobs WHERE id = $1`, id,
	).Scan(&j.ID, &j.ScoreAlgorithmID, &j.AlgorithmResultID, &j.GroundtruthID, &j.Creator, &j.Status,
		&j.FailReason, &j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get score job: %w", err)
	}
	return &j, nil
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// transition moves one job row from its current status to status. The UPDATE is
// conditioned on the status read first, so a concurrent writer makes it fail
// with ErrInvalidTransition instead of silently overwriting.
func transition(ctx context.Context, q querier, table string, id int64, status models.JobStatus, failReason *string) error {
	var current models.JobStatus
	err := q.QueryRow(ctx, `SELECT status FROM `+table+` WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	query := `UPDATE ` + table + ` SET status = $3, updated_at = $4`
	args := []any{id, current, status, now}
	argIdx := 5

	if status == models.JobStatusRunning {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if status.Terminal() {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if failReason != nil {
		query += fmt.Sprintf(", fail_reason = $%d", argIdx)
		args = append(args, *failReason)
		argIdx++
	}

	query += " WHERE id = $1 AND status = $2"

	tag, err := q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, current)
	}
	return nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, kind models.JobKind, id int64, status models.JobStatus, opts ...JobUpdateOption) error {
	table, err := jobTable(kind)
	if err != nil {
		return err
	}
	return transition(ctx, s.pool, table, id, status, ApplyJobUpdateOptions(opts...))
}

func (s *PostgresStore) complete(ctx context.Context, table string, id int64, status models.JobStatus, failReason string, insert func(pgx.Tx) error) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := transition(ctx, tx, table, id, status, &failReason); err != nil {
		return err
	}
	if insert != nil {
		if err := insert(tx); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) CompleteAlgorithmJob(ctx context.Context, id int64, status models.JobStatus, failReason string, result *models.AlgorithmResult) error {
	var insert func(pgx.Tx) error
	if result != nil {
		insert = func(tx pgx.Tx) error {
			result.AlgorithmJobID = &id
			err := tx.QueryRow(ctx,
				`INSERT INTO algorithm_results (algorithm_job_id, data_key, log_key)
				 VALUES ($1, $2, $3) RETURNING id, created_at`,
				id, result.DataKey, result.LogKey,
			).Scan(&result.ID, &result.CreatedAt)
			if err != nil {
				return fmt.Errorf("create algorithm result: %w", err)
			}
			return nil
		}
	}
	return s.complete(ctx, "algorithm_jobs", id, status, failReason, insert)
}

func (s *PostgresStore) CompleteScoreJob(ctx context.Context, id int64, status models.JobStatus, failReason string, result *models.ScoreResult) error {
	var insert func(pgx.Tx) error
	if result != nil {
		insert = func(tx pgx.Tx) error {
			result.ScoreJobID = &id
			if result.ResultType == "" {
				result.ResultType = models.ResultTypeSimple
			}
			err := tx.QueryRow(ctx,
				`INSERT INTO score_results (score_job_id, data_key, log_key, overall_score, result_type)
				 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
				id, result.DataKey, result.LogKey, result.OverallScore, result.ResultType,
			).Scan(&result.ID, &result.CreatedAt)
			if err != nil {
				return fmt.Errorf("create score result: %w", err)
			}
			return nil
		}
	}
	return s.complete(ctx, "score_jobs", id, status, failReason, insert)
}

func (s *PostgresStore) ListStuckJobs(ctx context.Context, kind models.JobKind, startedBefore time.Time) ([]int64, error) {
	table, err := jobTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM `+table+` WHERE status = $1 AND started_at < $2 ORDER BY id`,
		models.JobStatusRunning, startedBefore)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Results ---

func (s *PostgresStore) getAlgorithmResult(ctx context.Context, where string, arg int64) (*models.AlgorithmResult, error) {
	var r models.AlgorithmResult
	err := s.pool.QueryRow(ctx,
		`SELECT id, algorithm_job_id, data_key, log_key, created_at
		 FROM algorithm_results WHERE `+where+` ORDER BY id DESC LIMIT 1`, arg,
	).Scan(&r.ID, &r.AlgorithmJobID, &r.DataKey, &r.LogKey, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get algorithm result: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) GetAlgorithmResult(ctx context.Context, id int64) (*models.AlgorithmResult, error) {
	return s.getAlgorithmResult(ctx, "id = $1", id)
}

func (s *PostgresStore) GetAlgorithmResultByJob(ctx context.Context, jobID int64) (*models.AlgorithmResult, error) {
	return s.getAlgorithmResult(ctx, "algorithm_job_id = $1", jobID)
}

func (s *PostgresStore) GetScoreResultByJob(ctx context.Context, jobID int64) (*models.ScoreResult, error) {
	var r models.ScoreResult
	err := s.pool.QueryRow(ctx,
		`SELECT id, score_job_id, data_key, log_key, overall_score, result_type, created_at
		 FROM score_results WHERE score_job_id = $1 ORDER BY id DESC LIMIT 1`, jobID,
	).Scan(&r.ID, &r.ScoreJobID, &r.DataKey, &r.LogKey, &r.OverallScore, &r.ResultType, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get score result: %w", err)
	}
	return &r, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503" // foreign_key_violation
	}
	return false
}

var _ Store = (*PostgresStore)(nil)
