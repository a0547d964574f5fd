package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/kiroku-ai/kiroku/internal/model"
)

// CreateAgent inserts a new agent.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (id, agent_id, name, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		agent.ID, agent.AgentID, agent.Name, string(agent.Role), agent.APIKeyHash, agent.CreatedAt,
	)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return agent, nil
}

// GetAgentByAgentID retrieves an agent by its external identifier.
// Returns ErrNotFound if no such agent exists.
func (db *DB) GetAgentByAgentID(ctx context.Context, agentID string) (model.Agent, error) {
	var a model.Agent
	var role string
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, name, role, api_key_hash, created_at FROM agents WHERE agent_id = $1`,
		agentID,
	).Scan(&a.ID, &a.AgentID, &a.Name, &role, &a.APIKeyHash, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	a.Role = model.AgentRole(role)
	return a, nil
}

// CountAgents returns the total number of registered agents.
// Used at startup to decide whether to seed the bootstrap admin.
func (db *DB) CountAgents(ctx context.Context) (int64, error) {
	var n int64
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM agents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count agents: %w", err)
	}
	return n, nil
}

// UpdateAgentKeyHash rotates an agent's API key hash.
func (db *DB) UpdateAgentKeyHash(ctx context.Context, agentID, keyHash string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agents SET api_key_hash = $2 WHERE agent_id = $1`,
		agentID, keyHash,
	)
	if err != nil {
		return fmt.Errorf("storage: update agent key hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
