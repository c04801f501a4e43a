package types

import "time"

// Graph node type constants. Nodes represent named entities extracted from
// memories: files, concepts, people, tools.
const (
	NodeTypeFile    = "file"
	NodeTypeConcept = "concept"
	NodeTypePerson  = "person"
	NodeTypeTool    = "tool"
	NodeTypeProject = "project"
)

// Graph edge type constants.
const (
	// EdgeRelatesTo is the generic association edge.
	EdgeRelatesTo = "relates_to"

	// EdgeDependsOn links an entity to something it requires.
	EdgeDependsOn = "depends_on"

	// EdgeContradicts links two entities whose associated memories disagree.
	// Contradiction edges feed the observability snapshot's trend metric.
	EdgeContradicts = "contradicts"

	// EdgeSupersedes links a newer entity to the one it replaces.
	EdgeSupersedes = "supersedes"
)

// Link role constants for MemoryNodeLink.
const (
	LinkRoleMentions = "mentions"
	LinkRoleDefines  = "defines"
	LinkRoleModifies = "modifies"
)

// GraphNode is a named entity keyed by (type, key).
type GraphNode struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"` // file, concept, person, ...
	Key       string    `json:"key"`  // Natural key within the type
	Label     string    `json:"label,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GraphEdge is a directed, typed, weighted connection between two nodes.
// Edges may expire independently of the memories that produced them.
type GraphEdge struct {
	ID         string     `json:"id"`
	SourceID   string     `json:"source_id"`
	TargetID   string     `json:"target_id"`
	Type       string     `json:"type"`
	Weight     float64    `json:"weight"`
	Confidence float64    `json:"confidence"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Expired reports whether the edge has lapsed at the given instant.
func (e *GraphEdge) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now)
}

// MemoryNodeLink associates a memory with a graph node under a role.
type MemoryNodeLink struct {
	MemoryID  string    `json:"memory_id"`
	NodeID    string    `json:"node_id"`
	Role      string    `json:"role"` // mentions, defines, modifies
	CreatedAt time.Time `json:"created_at"`
}

// GraphNeighbor is one step of graph adjacency: a memory reachable from
// another memory through a shared node and an edge.
type GraphNeighbor struct {
	MemoryID string `json:"memory_id"`
	EdgeType string `json:"edge_type"`
}
