package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
)

// SchemaRepository stores extraction schemas.
type SchemaRepository interface {
	Get(ctx context.Context, id, orgID string) (*entity.ExtractionSchema, error)
	Create(ctx context.Context, s *entity.ExtractionSchema) error
}

type schemaRepo struct {
	db  *DB
	log *slog.Logger
}

func NewSchemaRepository(db *DB, log *slog.Logger) SchemaRepository {
	if log == nil {
		log = slog.Default()
	}
	return &schemaRepo{db: db, log: log}
}

func (r *schemaRepo) Get(ctx context.Context, id, orgID string) (*entity.ExtractionSchema, error) {
	q := r.db.rebind(`SELECT id, organization_id, name, description, json_schema, created_at
		FROM extraction_schemas WHERE id = ? AND organization_id = ?`)
	var (
		s         entity.ExtractionSchema
		raw       string
		createdAt nullTime
	)
	err := r.db.SQL.QueryRowContext(ctx, q, id, orgID).Scan(&s.ID, &s.OrganizationID, &s.Name, &s.Description, &raw, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("schema not found: " + id)
	}
	if err != nil {
		return nil, common.WrapError(err, "get schema")
	}
	s.JSONSchema = json.RawMessage(raw)
	s.CreatedAt = createdAt.Time
	return &s, nil
}

func (r *schemaRepo) Create(ctx context.Context, s *entity.ExtractionSchema) error {
	if s.ID == "" {
		s.ID = constants.NewID(constants.IDPrefixSchema)
	}
	s.CreatedAt = time.Now().UTC()
	q := r.db.rebind(`INSERT INTO extraction_schemas (id, organization_id, name, description, json_schema, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := r.db.SQL.ExecContext(ctx, q, s.ID, s.OrganizationID, s.Name, s.Description, string(s.JSONSchema), r.db.timeArg(s.CreatedAt)); err != nil {
		r.log.Error("schema insert failed", "schema_id", s.ID, "error", err)
		return common.WrapError(err, "insert schema")
	}
	r.log.Info("schema created", "schema_id", s.ID, "name", s.Name)
	return nil
}
