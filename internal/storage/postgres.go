package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed schema.sql
var schema string

const pgUniqueViolation = "23505"

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &Postgres{pool: pool}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (db *Postgres) Migrate(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close shuts down the connection pool.
func (db *Postgres) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *Postgres) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("querying %s: %w", what, err)
}

func (db *Postgres) GetGame(ctx context.Context, id int64) (*Game, error) {
	var g Game
	err := db.pool.QueryRow(ctx, `
		SELECT id, title, signing_secret, start_at, end_at, blood_first, blood_second, blood_third
		FROM games WHERE id = $1`, id).Scan(
		&g.ID, &g.Title, &g.SigningSecret, &g.StartAt, &g.EndAt,
		&g.BloodBonus.First, &g.BloodBonus.Second, &g.BloodBonus.Third,
	)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("game %d", id))
	}
	return &g, nil
}

func (db *Postgres) PutGame(ctx context.Context, g *Game) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO games (id, title, signing_secret, start_at, end_at, blood_first, blood_second, blood_third)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET title = $2, signing_secret = $3, start_at = $4, end_at = $5,
			blood_first = $6, blood_second = $7, blood_third = $8`,
		g.ID, g.Title, g.SigningSecret, g.StartAt, g.EndAt,
		g.BloodBonus.First, g.BloodBonus.Second, g.BloodBonus.Third,
	)
	if err != nil {
		return fmt.Errorf("upserting game %d: %w", g.ID, err)
	}
	return nil
}

const challengeColumns = `id, game_id, title, type, flag_template, static_flags, image, exposed_port,
	cpu_milli, memory_mb, storage_mb, privileged, original_score, min_score_rate, difficulty`

func scanChallenge(row pgx.Row) (*Challenge, error) {
	var c Challenge
	err := row.Scan(
		&c.ID, &c.GameID, &c.Title, &c.Type, &c.FlagTemplate, &c.StaticFlags, &c.Image, &c.ExposedPort,
		&c.CPUMilli, &c.MemoryMB, &c.StorageMB, &c.Privileged, &c.OriginalScore, &c.MinScoreRate, &c.Difficulty,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *Postgres) GetChallenge(ctx context.Context, id int64) (*Challenge, error) {
	c, err := scanChallenge(db.pool.QueryRow(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("challenge %d", id))
	}
	return c, nil
}

func (db *Postgres) ListChallenges(ctx context.Context, gameID int64) ([]Challenge, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE game_id = $1 ORDER BY id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("querying challenges: %w", err)
	}
	defer rows.Close()

	var results []Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning challenge row: %w", err)
		}
		results = append(results, *c)
	}
	return results, rows.Err()
}

func (db *Postgres) PutChallenge(ctx context.Context, c *Challenge) error {
	flags := c.StaticFlags
	if flags == nil {
		flags = []string{}
	}
	_, err := db.pool.Exec(ctx, `
		INSERT INTO challenges (`+challengeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET game_id = $2, title = $3, type = $4, flag_template = $5,
			static_flags = $6, image = $7, exposed_port = $8, cpu_milli = $9, memory_mb = $10,
			storage_mb = $11, privileged = $12, original_score = $13, min_score_rate = $14, difficulty = $15`,
		c.ID, c.GameID, c.Title, c.Type, c.FlagTemplate, flags, c.Image, c.ExposedPort,
		c.CPUMilli, c.MemoryMB, c.StorageMB, c.Privileged, c.OriginalScore, c.MinScoreRate, c.Difficulty,
	)
	if err != nil {
		return fmt.Errorf("upserting challenge %d: %w", c.ID, err)
	}
	return nil
}

func (db *Postgres) GetOwner(ctx context.Context, id int64) (*Owner, error) {
	var o Owner
	err := db.pool.QueryRow(ctx, `SELECT id, game_id, name, token FROM owners WHERE id = $1`, id).
		Scan(&o.ID, &o.GameID, &o.Name, &o.Token)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("owner %d", id))
	}
	return &o, nil
}

func (db *Postgres) GetOwnerByToken(ctx context.Context, token string) (*Owner, error) {
	var o Owner
	err := db.pool.QueryRow(ctx, `SELECT id, game_id, name, token FROM owners WHERE token = $1`, token).
		Scan(&o.ID, &o.GameID, &o.Name, &o.Token)
	if err != nil {
		return nil, notFound(err, "owner by token")
	}
	return &o, nil
}

func (db *Postgres) ListOwners(ctx context.Context, gameID int64) ([]Owner, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, game_id, name, token FROM owners WHERE game_id = $1 ORDER BY id`, gameID)
	if err != nil {
		return nil, fmt.Errorf("querying owners: %w", err)
	}
	defer rows.Close()

	var results []Owner
	for rows.Next() {
		var o Owner
		if err := rows.Scan(&o.ID, &o.GameID, &o.Name, &o.Token); err != nil {
			return nil, fmt.Errorf("scanning owner row: %w", err)
		}
		results = append(results, o)
	}
	return results, rows.Err()
}

func (db *Postgres) PutOwner(ctx context.Context, o *Owner) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO owners (id, game_id, name, token) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET game_id = $2, name = $3, token = $4`,
		o.ID, o.GameID, o.Name, o.Token,
	)
	if err != nil {
		return fmt.Errorf("upserting owner %d: %w", o.ID, err)
	}
	return nil
}

const instanceColumns = `id, game_id, owner_id, challenge_id, flag, container_id, container_name, image,
	ip, port, public_ip, public_port, is_proxy, status, created_at, expect_stop_at, last_op_at, version`

func scanInstance(row pgx.Row) (*Instance, error) {
	var (
		inst       Instance
		expectStop *time.Time
	)
	err := row.Scan(
		&inst.ID, &inst.GameID, &inst.OwnerID, &inst.ChallengeID, &inst.Flag,
		&inst.ContainerID, &inst.ContainerName, &inst.Image,
		&inst.IP, &inst.Port, &inst.PublicIP, &inst.PublicPort, &inst.IsProxy,
		&inst.Status, &inst.CreatedAt, &expectStop, &inst.LastOpAt, &inst.Version,
	)
	if err != nil {
		return nil, err
	}
	if expectStop != nil {
		inst.ExpectStopAt = *expectStop
	}
	return &inst, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (db *Postgres) CreateInstance(ctx context.Context, inst *Instance) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1)`,
		inst.ID, inst.GameID, inst.OwnerID, inst.ChallengeID, inst.Flag,
		inst.ContainerID, inst.ContainerName, inst.Image,
		inst.IP, inst.Port, inst.PublicIP, inst.PublicPort, inst.IsProxy,
		inst.Status, inst.CreatedAt, nullTime(inst.ExpectStopAt), inst.LastOpAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("instance for owner %d challenge %d: %w", inst.OwnerID, inst.ChallengeID, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting instance: %w", err)
	}
	inst.Version = 1
	return nil
}

func (db *Postgres) GetInstance(ctx context.Context, id string) (*Instance, error) {
	inst, err := scanInstance(db.pool.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "instance "+id)
	}
	return inst, nil
}

func (db *Postgres) FindInstance(ctx context.Context, ownerID, challengeID int64) (*Instance, error) {
	inst, err := scanInstance(db.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE owner_id = $1 AND challenge_id = $2`,
		ownerID, challengeID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("instance for owner %d challenge %d", ownerID, challengeID))
	}
	return inst, nil
}

func (db *Postgres) FindInstanceByFlag(ctx context.Context, challengeID int64, flag string, excludeOwnerID int64) (*Instance, error) {
	inst, err := scanInstance(db.pool.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM instances
		WHERE challenge_id = $1 AND flag = $2 AND flag <> '' AND owner_id <> $3
		LIMIT 1`,
		challengeID, flag, excludeOwnerID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("instance with flag for challenge %d", challengeID))
	}
	return inst, nil
}

// UpdateInstance writes every mutable column if the stored version matches.
func (db *Postgres) UpdateInstance(ctx context.Context, inst *Instance) error {
	tag, err := db.pool.Exec(ctx, `
		UPDATE instances SET flag = $1, container_id = $2, container_name = $3, image = $4,
			ip = $5, port = $6, public_ip = $7, public_port = $8, is_proxy = $9, status = $10,
			expect_stop_at = $11, last_op_at = $12, version = version + 1
		WHERE id = $13 AND version = $14`,
		inst.Flag, inst.ContainerID, inst.ContainerName, inst.Image,
		inst.IP, inst.Port, inst.PublicIP, inst.PublicPort, inst.IsProxy, inst.Status,
		nullTime(inst.ExpectStopAt), inst.LastOpAt, inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("updating instance %s: %w", inst.ID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := db.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
		return fmt.Errorf("instance %s version %d: %w", inst.ID, inst.Version, ErrConflict)
	}
	inst.Version++
	return nil
}

func (db *Postgres) DeleteInstance(ctx context.Context, id string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting instance %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instance %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *Postgres) ListDyingInstances(ctx context.Context, now time.Time) ([]Instance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE expect_stop_at < $1 ORDER BY expect_stop_at`, now)
	if err != nil {
		return nil, fmt.Errorf("querying dying instances: %w", err)
	}
	defer rows.Close()

	var results []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instance row: %w", err)
		}
		results = append(results, *inst)
	}
	return results, rows.Err()
}

const submissionColumns = `id, game_id, owner_id, challenge_id, answer, submit_at, status, rank, resolved_at, version`

func scanSubmission(row pgx.Row) (*Submission, error) {
	var sub Submission
	err := row.Scan(
		&sub.ID, &sub.GameID, &sub.OwnerID, &sub.ChallengeID, &sub.Answer,
		&sub.SubmitAt, &sub.Status, &sub.Rank, &sub.ResolvedAt, &sub.Version,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (db *Postgres) CreateSubmission(ctx context.Context, sub *Submission) error {
	if sub.Status == "" {
		sub.Status = StatusUnchecked
	}
	err := db.pool.QueryRow(ctx, `
		INSERT INTO submissions (game_id, owner_id, challenge_id, answer, submit_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, version`,
		sub.GameID, sub.OwnerID, sub.ChallengeID, sub.Answer, sub.SubmitAt, sub.Status,
	).Scan(&sub.ID, &sub.Version)
	if err != nil {
		return fmt.Errorf("inserting submission: %w", err)
	}
	return nil
}

func (db *Postgres) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	sub, err := scanSubmission(db.pool.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("submission %d", id))
	}
	return sub, nil
}

func (db *Postgres) listSubmissions(ctx context.Context, query string, args ...any) ([]Submission, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying submissions: %w", err)
	}
	defer rows.Close()

	var results []Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning submission row: %w", err)
		}
		results = append(results, *sub)
	}
	return results, rows.Err()
}

func (db *Postgres) ListUncheckedSubmissions(ctx context.Context) ([]Submission, error) {
	return db.listSubmissions(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE status = $1 ORDER BY id`, StatusUnchecked)
}

func (db *Postgres) ListAcceptedSubmissions(ctx context.Context, gameID int64) ([]Submission, error) {
	return db.listSubmissions(ctx,
		`SELECT `+submissionColumns+` FROM submissions WHERE game_id = $1 AND status = $2 ORDER BY resolved_at, id`,
		gameID, StatusAccepted)
}

// ResolveSubmission persists the verdict in one transaction. Accepted verdicts take a
// transaction-scoped advisory lock on the challenge so concurrent solvers get
// distinct blood ranks.
func (db *Postgres) ResolveSubmission(ctx context.Context, sub *Submission, res Resolution) (int, error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rank := 0
	if res.Status == StatusAccepted {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, sub.ChallengeID); err != nil {
			return 0, fmt.Errorf("locking challenge %d: %w", sub.ChallengeID, err)
		}

		var already bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM submissions
				WHERE challenge_id = $1 AND owner_id = $2 AND status = $3)`,
			sub.ChallengeID, sub.OwnerID, StatusAccepted).Scan(&already)
		if err != nil {
			return 0, fmt.Errorf("checking previous solve: %w", err)
		}
		if !already {
			var solvers int
			err := tx.QueryRow(ctx, `
				SELECT COUNT(DISTINCT owner_id) FROM submissions
				WHERE challenge_id = $1 AND status = $2`,
				sub.ChallengeID, StatusAccepted).Scan(&solvers)
			if err != nil {
				return 0, fmt.Errorf("counting solvers: %w", err)
			}
			rank = solvers + 1
		}
	}

	var resolvedAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE submissions SET status = $1, rank = $2, resolved_at = now(), version = version + 1
		WHERE id = $3 AND version = $4
		RETURNING resolved_at`,
		res.Status, rank, sub.ID, sub.Version).Scan(&resolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("submission %d version %d: %w", sub.ID, sub.Version, ErrConflict)
	}
	if err != nil {
		return 0, fmt.Errorf("updating submission %d: %w", sub.ID, err)
	}

	if c := res.Cheat; c != nil {
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = resolvedAt
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO cheat_records (submission_id, game_id, challenge_id, submit_owner_id,
				source_owner_id, source_instance_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (submission_id) DO NOTHING`,
			sub.ID, c.GameID, c.ChallengeID, c.SubmitOwnerID, c.SourceOwnerID, c.SourceInstanceID, createdAt)
		if err != nil {
			return 0, fmt.Errorf("inserting cheat record: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing resolution: %w", err)
	}

	sub.Status = res.Status
	sub.Rank = rank
	sub.ResolvedAt = &resolvedAt
	sub.Version++
	return rank, nil
}

func (db *Postgres) GetCheatRecord(ctx context.Context, submissionID int64) (*CheatRecord, error) {
	var rec CheatRecord
	err := db.pool.QueryRow(ctx, `
		SELECT submission_id, game_id, challenge_id, submit_owner_id, source_owner_id, source_instance_id, created_at
		FROM cheat_records WHERE submission_id = $1`, submissionID).Scan(
		&rec.SubmissionID, &rec.GameID, &rec.ChallengeID, &rec.SubmitOwnerID,
		&rec.SourceOwnerID, &rec.SourceInstanceID, &rec.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("cheat record for submission %d", submissionID))
	}
	return &rec, nil
}

// RecordEvent inserts an audit row.
func (db *Postgres) RecordEvent(ctx context.Context, rec *EventRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := db.pool.Exec(ctx, `
		INSERT INTO events (id, type, game_id, owner_id, challenge_id, submission_id, instance_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.Type, rec.GameID, rec.OwnerID, rec.ChallengeID,
		rec.SubmissionID, rec.InstanceID, truncateForDB(rec.Detail, 65535), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
