package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feichai0017/recipe-pipeline/config"
	"github.com/feichai0017/recipe-pipeline/internal/agent/persist"
	"github.com/feichai0017/recipe-pipeline/internal/models"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
)

const recipesTable = "recipes"

// Schema creates the recipes table. item_id is unique so a replayed insert
// returns the existing row instead of writing a second one.
const Schema = `
CREATE TABLE IF NOT EXISTS recipes (
    id            BIGSERIAL PRIMARY KEY,
    item_id       TEXT NOT NULL UNIQUE,
    batch_id      TEXT NOT NULL,
    name          TEXT NOT NULL,
    description   TEXT NOT NULL DEFAULT '',
    category      TEXT NOT NULL DEFAULT '',
    cuisine       TEXT NOT NULL DEFAULT '',
    tags          JSONB NOT NULL DEFAULT '[]',
    ingredients   JSONB NOT NULL DEFAULT '[]',
    steps         JSONB NOT NULL DEFAULT '[]',
    servings      INTEGER NOT NULL,
    prep_minutes  INTEGER NOT NULL DEFAULT 0,
    nutrition     JSONB NOT NULL,
    image_url     TEXT NOT NULL DEFAULT '',
    image_ref     TEXT NOT NULL DEFAULT '',
    fingerprint   TEXT NOT NULL DEFAULT '',
    flags         JSONB NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS recipes_batch_id_idx ON recipes (batch_id);
`

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewPool opens a pgx pool for cfg.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	return pool, nil
}

// RecipeRepository stores finished recipes.
type RecipeRepository struct {
	db     Querier
	logger logger.Logger
}

var _ persist.Repository = (*RecipeRepository)(nil)

func NewRecipeRepository(db Querier, log logger.Logger) *RecipeRepository {
	if log == nil {
		log = logger.NewNop()
	}
	return &RecipeRepository{db: db, logger: log.Named("repository")}
}

// EnsureSchema applies Schema.
func (r *RecipeRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Insert writes item and returns the row id.
func (r *RecipeRepository) Insert(ctx context.Context, item *models.ContentItem) (string, error) {
	query, args, err := buildInsert(item)
	if err != nil {
		return "", err
	}
	var id int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to insert recipe %s: %w", item.ID, err)
	}
	r.logger.Debug("Recipe persisted",
		logger.String("item_id", item.ID),
		logger.Int64("record_id", id),
	)
	return fmt.Sprintf("%d", id), nil
}

func buildInsert(item *models.ContentItem) (string, []any, error) {
	tags, err := jsonColumn(nonNil(item.Tags))
	if err != nil {
		return "", nil, err
	}
	ingredients, err := jsonColumn(nonNil(item.Ingredients))
	if err != nil {
		return "", nil, err
	}
	steps, err := jsonColumn(nonNil(item.Steps))
	if err != nil {
		return "", nil, err
	}
	nutrition, err := jsonColumn(item.Nutrition)
	if err != nil {
		return "", nil, err
	}
	flags, err := jsonColumn(item.Flags)
	if err != nil {
		return "", nil, err
	}
	var fingerprint string
	if item.Fingerprint != 0 {
		fingerprint = item.Fingerprint.String()
	}

	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Insert(recipesTable).
		Columns(
			"item_id", "batch_id", "name", "description", "category", "cuisine",
			"tags", "ingredients", "steps", "servings", "prep_minutes", "nutrition",
			"image_url", "image_ref", "fingerprint", "flags", "created_at",
		).
		Values(
			item.ID, item.BatchID, item.Name, item.Description, item.Category, item.Cuisine,
			tags, ingredients, steps, item.Servings, item.PrepMinutes, nutrition,
			item.ImageURL, string(item.ImageRef), fingerprint, flags, item.CreatedAt,
		).
		Suffix("ON CONFLICT (item_id) DO UPDATE SET item_id = EXCLUDED.item_id RETURNING id").
		ToSql()
}

func jsonColumn(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode column: %w", err)
	}
	return string(b), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
