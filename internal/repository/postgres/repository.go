package postgres

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/flowdeploy/internal/models"
	"github.com/Sh00ty/flowdeploy/internal/pgerror"
)

const (
	abnormalTable = "abnormal_instances"

	Schema = `
	create table if not exists abnormal_instances (
		node_id       text        not null,
		root_model_id bigint      not null,
		instance_name text        not null,
		event_type    text        not null,
		detail        text        not null default '',
		detected_at   timestamptz not null,
		constraint abnormal_instances_pkey primary key (node_id, root_model_id, instance_name, event_type),
		constraint abnormal_instances_event_type_check check (event_type in ('abnormal-instance', 'redeploy-requested'))
	);
	`
)

type Config struct {
	User     string `envconfig:"PG_USER,optional"`
	Password string `envconfig:"PG_PASSWORD,optional"`
	Host     string `envconfig:"PG_HOST,optional"`
	Port     uint16 `envconfig:"PG_PORT,default=5432"`
	Database string `envconfig:"PG_DATABASE,default=postgres"`
	MaxConns int    `envconfig:"PG_MAX_CONNS,default=5"`
}

func (c Config) Enabled() bool {
	return c.Host != ""
}

type Repository struct {
	db *pgxpool.Pool
}

func NewRepo(ctx context.Context, cfg Config) (*Repository, error) {
	poolCfg, err := pgxpool.ParseConfig(
		fmt.Sprintf(
			"user=%s password=%s host=%s port=%d dbname=%s sslmode=disable pool_max_conns=%d",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database, cfg.MaxConns,
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pgx config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	err = pool.Ping(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Repository{
		db: pool,
	}, nil
}

func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create %s table: %w", abnormalTable, err)
	}
	return nil
}

func (r *Repository) Close() {
	r.db.Close()
}

// SaveAbnormalEvents upserts events in one batch. Repeated events refresh
// detail and detection time.
func (r *Repository) SaveAbnormalEvents(ctx context.Context, events []models.AbnormalEvent) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	sql := `
	insert into abnormal_instances (node_id, root_model_id, instance_name, event_type, detail, detected_at)
	values ($1, $2, $3, $4, $5, $6)
	on conflict on constraint abnormal_instances_pkey
	do update set
		detail = excluded.detail,
		detected_at = excluded.detected_at;
	`
	b := pgx.Batch{}
	for _, event := range events {
		b.Queue(
			sql,
			string(event.NodeID),
			int64(event.RootModelID),
			event.InstanceName,
			string(event.Type),
			event.Detail,
			event.DetectedAt,
		)
	}
	result := r.db.SendBatch(ctx, &b)
	defer result.Close()

	for i, event := range events {
		_, err := result.Exec()
		if err != nil {
			constraint, ok := pgerror.GetConstraintName(err)
			if ok {
				return i, fmt.Errorf("event %+v violates %s: %w", event, constraint, err)
			}
			return i, fmt.Errorf("failed to save abnormal event: %w", err)
		}
		log.Debug().Msgf("saved abnormal event: %+v", event)
	}
	return len(events), nil
}

// GetAbnormalInstances returns the recorded abnormal instance names of a node,
// optionally limited to some root models.
func (r *Repository) GetAbnormalInstances(ctx context.Context, nodeID models.NodeID, rootModelIDs []uint32) (map[uint32]map[string]bool, error) {
	sql, args, err := abnormalQuery(nodeID, rootModelIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to create db request: %w", err)
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	result := make(map[uint32]map[string]bool)
	for rows.Next() {
		var (
			root int64
			name string
		)
		if err := rows.Scan(&root, &name); err != nil {
			return nil, fmt.Errorf("failed to scan abnormal instance: %w", err)
		}
		if result[uint32(root)] == nil {
			result[uint32(root)] = make(map[string]bool)
		}
		result[uint32(root)][name] = true
	}
	return result, rows.Err()
}

// AckRedeploy forgets every record of a root model, or of the whole node when
// rootModelID is zero.
func (r *Repository) AckRedeploy(ctx context.Context, nodeID models.NodeID, rootModelID uint32) (int64, error) {
	query := squirrel.Delete(abnormalTable).
		Where(squirrel.Eq{"node_id": string(nodeID)}).
		PlaceholderFormat(squirrel.Dollar)
	if rootModelID != 0 {
		query = query.Where(squirrel.Eq{"root_model_id": int64(rootModelID)})
	}
	sql, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to create db request: %w", err)
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete acknowledged records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func abnormalQuery(nodeID models.NodeID, rootModelIDs []uint32) (string, []any, error) {
	query := squirrel.Select("root_model_id", "instance_name").
		From(abnormalTable).
		Where(squirrel.Eq{
			"node_id":    string(nodeID),
			"event_type": string(models.AbnormalInstanceDetected),
		}).
		OrderBy("root_model_id", "instance_name").
		PlaceholderFormat(squirrel.Dollar)
	if len(rootModelIDs) != 0 {
		roots := make([]int64, 0, len(rootModelIDs))
		for _, id := range rootModelIDs {
			roots = append(roots, int64(id))
		}
		query = query.Where(squirrel.Eq{"root_model_id": roots})
	}
	return query.ToSql()
}
