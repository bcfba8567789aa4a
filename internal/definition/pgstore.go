package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/complyflow/internal/database"
	"github.com/pitabwire/complyflow/model"
)

// PgStore is a PostgreSQL-backed Store and TriggerStore using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL definition store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const definitionColumns = `id, tenant_id, name, version, category, body, active, is_latest, created_by, created_at`

// CreateVersion inserts the definition and its triggers, demoting earlier
// versions in the same transaction.
func (s *PgStore) CreateVersion(ctx context.Context, def *model.WorkflowDefinition, triggers []model.WorkflowTrigger) error {
	body, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return database.Classify("begin definition tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		UPDATE workflow_definitions SET is_latest = FALSE
		WHERE tenant_id = $1 AND name = $2 AND is_latest`,
		def.TenantID, def.Name,
	); err != nil {
		return database.Classify("demote previous definition", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO workflow_definitions (`+definitionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		def.ID, def.TenantID, def.Name, def.Version, def.Category, body,
		def.Active, def.IsLatest, def.CreatedBy, def.CreatedAt,
	); err != nil {
		return database.Classify("insert workflow definition", err)
	}

	batch := &pgx.Batch{}
	for _, t := range triggers {
		cond, err := json.Marshal(t.Condition)
		if err != nil {
			return fmt.Errorf("marshal trigger condition: %w", err)
		}
		batch.Queue(`
			INSERT INTO workflow_triggers (
				id, definition_id, tenant_id, name, type, condition,
				priority, cooldown_ms, schedule, enabled, last_triggered, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			t.ID, t.DefinitionID, t.TenantID, t.Name, string(t.Type), cond,
			t.Priority, t.Cooldown.Milliseconds(), t.Schedule, t.Enabled, t.LastTriggered, t.CreatedAt,
		)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return database.Classify("insert workflow triggers", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return database.Classify("commit definition", err)
	}
	return nil
}

// Get retrieves a definition by ID, scoped to tenant.
func (s *PgStore) Get(ctx context.Context, tenantID, id string) (*model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow definition %s not found", id))
	}
	if err != nil {
		return nil, database.Classify("query workflow definition", err)
	}
	return def, nil
}

// GetLatest retrieves the latest version of a named definition.
func (s *PgStore) GetLatest(ctx context.Context, tenantID, name string) (*model.WorkflowDefinition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE tenant_id = $1 AND name = $2
		ORDER BY version DESC
		LIMIT 1`,
		tenantID, name,
	)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("workflow definition %q not found", name))
	}
	if err != nil {
		return nil, database.Classify("query latest workflow definition", err)
	}
	return def, nil
}

// List returns definitions matching the filters.
func (s *PgStore) List(ctx context.Context, tenantID string, filters Filters) ([]model.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE tenant_id = $1`
	args := []any{tenantID}

	if filters.Category != "" {
		args = append(args, filters.Category)
		query += fmt.Sprintf(" AND category = $%d", len(args))
	}
	if filters.ActiveOnly {
		query += " AND active"
	}
	if filters.LatestOnly {
		query += " AND is_latest"
	}
	query += " ORDER BY name, version"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return s.queryDefinitions(ctx, query, args...)
}

// Versions returns every version of a named definition, oldest first.
func (s *PgStore) Versions(ctx context.Context, tenantID, name string) ([]model.WorkflowDefinition, error) {
	return s.queryDefinitions(ctx, `
		SELECT `+definitionColumns+`
		FROM workflow_definitions
		WHERE tenant_id = $1 AND name = $2
		ORDER BY version`,
		tenantID, name,
	)
}

// SetActive flips the active flag.
func (s *PgStore) SetActive(ctx context.Context, tenantID, id string, active bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_definitions SET active = $1
		WHERE id = $2 AND tenant_id = $3`,
		active, id, tenantID,
	)
	if err != nil {
		return database.Classify("update workflow definition", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("workflow definition %s not found", id))
	}
	return nil
}

const triggerColumns = `t.id, t.definition_id, t.tenant_id, t.name, t.type, t.condition,
	t.priority, t.cooldown_ms, t.schedule, t.enabled, t.last_triggered, t.created_at`

// ListTriggers returns enabled triggers of active, latest definitions.
func (s *PgStore) ListTriggers(ctx context.Context, tenantID string, typ model.TriggerType) ([]model.WorkflowTrigger, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+triggerColumns+`
		FROM workflow_triggers t
		JOIN workflow_definitions d ON d.id = t.definition_id
		WHERE t.tenant_id = $1 AND t.type = $2 AND t.enabled
		  AND d.active AND d.is_latest
		ORDER BY t.id`,
		tenantID, string(typ),
	)
	if err != nil {
		return nil, database.Classify("query workflow triggers", err)
	}
	defer rows.Close()

	var result []model.WorkflowTrigger
	for rows.Next() {
		var t model.WorkflowTrigger
		var typStr string
		var cond []byte
		var cooldownMs int64
		if err := rows.Scan(
			&t.ID, &t.DefinitionID, &t.TenantID, &t.Name, &typStr, &cond,
			&t.Priority, &cooldownMs, &t.Schedule, &t.Enabled, &t.LastTriggered, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan workflow trigger: %w", err)
		}
		t.Type = model.TriggerType(typStr)
		t.Cooldown = time.Duration(cooldownMs) * time.Millisecond
		if len(cond) > 0 && string(cond) != "null" {
			if err := json.Unmarshal(cond, &t.Condition); err != nil {
				return nil, fmt.Errorf("unmarshal trigger condition: %w", err)
			}
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify("iterate workflow triggers", err)
	}
	return result, nil
}

// CompareAndSetLastTriggered advances last_triggered only if it still holds
// prev. The single conditional UPDATE is the guard against concurrent
// firings from other replicas.
func (s *PgStore) CompareAndSetLastTriggered(ctx context.Context, triggerID string, prev *time.Time, next time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_triggers SET last_triggered = $1
		WHERE id = $2 AND last_triggered IS NOT DISTINCT FROM $3`,
		next, triggerID, prev,
	)
	if err != nil {
		return false, database.Classify("update trigger last_triggered", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TenantsWithTriggers lists tenants owning enabled triggers of the type.
func (s *PgStore) TenantsWithTriggers(ctx context.Context, typ model.TriggerType) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT t.tenant_id
		FROM workflow_triggers t
		JOIN workflow_definitions d ON d.id = t.definition_id
		WHERE t.type = $1 AND t.enabled AND d.active AND d.is_latest
		ORDER BY t.tenant_id`,
		string(typ),
	)
	if err != nil {
		return nil, database.Classify("query trigger tenants", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, database.Classify("collect trigger tenants", err)
	}
	return tenants, nil
}

func (s *PgStore) queryDefinitions(ctx context.Context, query string, args ...any) ([]model.WorkflowDefinition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, database.Classify("query workflow definitions", err)
	}
	defer rows.Close()

	var result []model.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan workflow definition: %w", err)
		}
		result = append(result, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, database.Classify("iterate workflow definitions", err)
	}
	return result, nil
}

func scanDefinition(row pgx.Row) (*model.WorkflowDefinition, error) {
	var def model.WorkflowDefinition
	var body []byte
	var id, tenantID, name, category, createdBy string
	var version int
	var active, isLatest bool
	var createdAt time.Time
	if err := row.Scan(&id, &tenantID, &name, &version, &category, &body, &active, &isLatest, &createdBy, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition body: %w", err)
	}
	def.ID = id
	def.TenantID = tenantID
	def.Name = name
	def.Version = version
	def.Category = category
	def.Active = active
	def.IsLatest = isLatest
	def.CreatedBy = createdBy
	def.CreatedAt = createdAt
	return &def, nil
}
