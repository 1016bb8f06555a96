package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/tcmartin/flowconsole/pkg/models"
)

const activeFlowKey = "active_flow_id"

// PostgreSQLProvider implements the StorageProvider interface using PostgreSQL
type PostgreSQLProvider struct {
	db        *sql.DB
	flowStore *PostgreSQLFlowStore
}

// PostgreSQLProviderConfig contains configuration for the PostgreSQL provider
type PostgreSQLProviderConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewPostgreSQLProvider creates a new PostgreSQL storage provider
func NewPostgreSQLProvider(config PostgreSQLProviderConfig) (*PostgreSQLProvider, error) {
	// Set default port if not specified
	if config.Port == 0 {
		config.Port = 5432
	}

	// Set default SSL mode if not specified
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &PostgreSQLProvider{
		db:        db,
		flowStore: NewPostgreSQLFlowStore(db),
	}, nil
}

// Initialize sets up the storage backend
func (p *PostgreSQLProvider) Initialize() error {
	if err := p.flowStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize flow store: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *PostgreSQLProvider) Close() error {
	return p.db.Close()
}

// GetFlowStore returns a store for flow definitions
func (p *PostgreSQLProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// PostgreSQLFlowStore implements the FlowStore interface using PostgreSQL
type PostgreSQLFlowStore struct {
	db *sql.DB
}

// NewPostgreSQLFlowStore creates a new PostgreSQL flow store
func NewPostgreSQLFlowStore(db *sql.DB) *PostgreSQLFlowStore {
	return &PostgreSQLFlowStore{
		db: db,
	}
}

// Initialize creates the PostgreSQL tables if they don't exist
func (s *PostgreSQLFlowStore) Initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS console_flows (
			flow_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			definition BYTEA NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS console_elements (
			element_id TEXT PRIMARY KEY,
			position BIGSERIAL,
			definition BYTEA NOT NULL
		);
		CREATE TABLE IF NOT EXISTS console_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create console tables: %w", err)
	}

	return nil
}

// SaveFlow persists a flow definition
func (s *PostgreSQLFlowStore) SaveFlow(flow models.Flow) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}

	createdAt := flow.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = s.db.Exec(`
		INSERT INTO console_flows (flow_id, name, description, definition, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (flow_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at`,
		flow.ID, flow.Name, flow.Description, definition, createdAt, flow.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	return nil
}

// GetFlow retrieves a flow definition
func (s *PostgreSQLFlowStore) GetFlow(flowID string) (models.Flow, error) {
	var definition []byte
	err := s.db.QueryRow("SELECT definition FROM console_flows WHERE flow_id = $1", flowID).Scan(&definition)
	if err == sql.ErrNoRows {
		return models.Flow{}, ErrFlowNotFound
	}
	if err != nil {
		return models.Flow{}, fmt.Errorf("failed to get flow: %w", err)
	}

	var flow models.Flow
	if err := json.Unmarshal(definition, &flow); err != nil {
		return models.Flow{}, fmt.Errorf("failed to unmarshal flow: %w", err)
	}
	return flow, nil
}

// ListFlows returns all flows ordered by creation time
func (s *PostgreSQLFlowStore) ListFlows() ([]models.Flow, error) {
	rows, err := s.db.Query("SELECT definition FROM console_flows ORDER BY created_at, flow_id")
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan flow: %w", err)
		}
		var flow models.Flow
		if err := json.Unmarshal(definition, &flow); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow: %w", err)
		}
		flows = append(flows, flow)
	}

	return flows, rows.Err()
}

// DeleteFlow removes a flow definition
func (s *PostgreSQLFlowStore) DeleteFlow(flowID string) error {
	res, err := s.db.Exec("DELETE FROM console_flows WHERE flow_id = $1", flowID)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrFlowNotFound
	}
	return nil
}

// SaveElement persists an element library entry
func (s *PostgreSQLFlowStore) SaveElement(element models.ElementSelector) error {
	definition, err := json.Marshal(element)
	if err != nil {
		return fmt.Errorf("failed to marshal element: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO console_elements (element_id, definition) VALUES ($1, $2)
		ON CONFLICT (element_id) DO UPDATE SET definition = EXCLUDED.definition`,
		element.ID, definition,
	)
	if err != nil {
		return fmt.Errorf("failed to save element: %w", err)
	}
	return nil
}

// ListElements returns the element library in insertion order
func (s *PostgreSQLFlowStore) ListElements() ([]models.ElementSelector, error) {
	rows, err := s.db.Query("SELECT definition FROM console_elements ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("failed to list elements: %w", err)
	}
	defer rows.Close()

	var elements []models.ElementSelector
	for rows.Next() {
		var definition []byte
		if err := rows.Scan(&definition); err != nil {
			return nil, fmt.Errorf("failed to scan element: %w", err)
		}
		var element models.ElementSelector
		if err := json.Unmarshal(definition, &element); err != nil {
			return nil, fmt.Errorf("failed to unmarshal element: %w", err)
		}
		elements = append(elements, element)
	}

	return elements, rows.Err()
}

// DeleteElement removes an element library entry
func (s *PostgreSQLFlowStore) DeleteElement(elementID string) error {
	res, err := s.db.Exec("DELETE FROM console_elements WHERE element_id = $1", elementID)
	if err != nil {
		return fmt.Errorf("failed to delete element: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrElementNotFound
	}
	return nil
}

// SetActiveFlowID records the active flow
func (s *PostgreSQLFlowStore) SetActiveFlowID(flowID string) error {
	_, err := s.db.Exec(`
		INSERT INTO console_state (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`,
		activeFlowKey, flowID,
	)
	if err != nil {
		return fmt.Errorf("failed to save active flow: %w", err)
	}
	return nil
}

// GetActiveFlowID returns the active flow
func (s *PostgreSQLFlowStore) GetActiveFlowID() (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM console_state WHERE key = $1", activeFlowKey).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get active flow: %w", err)
	}
	return value, nil
}
