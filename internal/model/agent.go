package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// AgentRole is an agent's RBAC role.
type AgentRole string

const (
	RoleAdmin    AgentRole = "admin"
	RoleRecorder AgentRole = "recorder"
	RoleReader   AgentRole = "reader"
)

// roleRanks orders roles from least to most privileged.
var roleRanks = map[AgentRole]int{
	RoleReader:   1,
	RoleRecorder: 2,
	RoleAdmin:    3,
}

// RoleRank returns the privilege rank of a role. Unknown roles rank zero.
func RoleRank(r AgentRole) int {
	return roleRanks[r]
}

// RoleAtLeast reports whether role carries at least the privilege of min.
func RoleAtLeast(role, min AgentRole) bool {
	return RoleRank(role) >= RoleRank(min)
}

// ValidRole reports whether r is a recognized role.
func ValidRole(r AgentRole) bool {
	return RoleRank(r) > 0
}

// Agent is an authenticated principal that records or reads telemetry.
type Agent struct {
	ID         uuid.UUID `json:"id"`
	AgentID    string    `json:"agent_id"`
	Name       string    `json:"name"`
	Role       AgentRole `json:"role"`
	APIKeyHash string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// agentIDPattern limits agent identifiers to a safe, URL-embeddable charset.
var agentIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// ValidateAgentID checks that an agent identifier is non-empty, at most 128
// characters, and restricted to alphanumerics plus ".", "_", "-".
func ValidateAgentID(agentID string) error {
	if agentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if !agentIDPattern.MatchString(agentID) {
		return fmt.Errorf("agent_id must match %s", agentIDPattern.String())
	}
	return nil
}
