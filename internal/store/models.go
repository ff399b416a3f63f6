package store

import "encoding/json"

// EventType classifies what kind of durable memory a record holds.
const (
	EventFact         = "fact"
	EventPreference   = "preference"
	EventGoal         = "goal"
	EventOpinion      = "opinion"
	EventRelationship = "relationship"
	EventOther        = "other"
)

// Lifecycle status of a record.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

// validEventTypes is the set of recognized event types for validation.
var validEventTypes = map[string]bool{
	EventFact:         true,
	EventPreference:   true,
	EventGoal:         true,
	EventOpinion:      true,
	EventRelationship: true,
	EventOther:        true,
}

// IsValidEventType checks if a string is a recognized event type.
func IsValidEventType(s string) bool {
	return validEventTypes[s]
}

// IsValidStatus checks if a string is a recognized lifecycle status.
func IsValidStatus(s string) bool {
	return s == StatusActive || s == StatusArchived || s == StatusDeleted
}

// Entity is a named entity referenced by a memory.
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// UpdateRecord is one entry of a record's update history.
type UpdateRecord struct {
	Timestamp     float64  `json:"timestamp"`
	Reason        string   `json:"reason"`
	ChangedFields []string `json:"fields"`
}

// Metadata carries the structured keys of a memory record plus an open
// extension map for anything else the reflection pipeline attaches.
// Timestamps are seconds since epoch.
type Metadata struct {
	Importance      float64        `json:"importance"`
	CreateTime      float64        `json:"create_time"`
	LastAccessTime  float64        `json:"last_access_time"`
	LastUpdatedTime float64        `json:"last_updated_time,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	PersonaID       string         `json:"persona_id,omitempty"`
	EventType       string         `json:"event_type,omitempty"`
	Status          string         `json:"status,omitempty"`
	MemoryID        string         `json:"memory_id,omitempty"`
	Entities        []Entity       `json:"entities,omitempty"`
	UpdateHistory   []UpdateRecord `json:"update_history,omitempty"`
	Extra           map[string]any `json:"-"`
}

// knownMetadataKeys are the keys owned by the typed fields above.
var knownMetadataKeys = []string{
	"importance", "create_time", "last_access_time", "last_updated_time",
	"session_id", "persona_id", "event_type", "status", "memory_id",
	"entities", "update_history",
}

// metadataAlias avoids recursing into the custom marshalers.
type metadataAlias Metadata

// MarshalJSON folds Extra back into the flat JSON object. Typed fields win
// over extension keys of the same name.
func (m Metadata) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(metadataAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}
	out := make(map[string]json.RawMessage, len(m.Extra)+len(knownMetadataKeys))
	for k, v := range m.Extra {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		out[k] = raw
	}
	var typed map[string]json.RawMessage
	if err := json.Unmarshal(known, &typed); err != nil {
		return nil, err
	}
	for k, v := range typed {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the flat JSON object into typed fields and Extra.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var known metadataAlias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	*m = Metadata(known)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownMetadataKeys {
		delete(raw, k)
	}
	if len(raw) == 0 {
		return nil
	}
	m.Extra = make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		m.Extra[k] = val
	}
	return nil
}

// ParseMetadata decodes a metadata JSON blob, returning an empty Metadata
// on malformed input rather than failing the read path.
func ParseMetadata(raw string) Metadata {
	if raw == "" {
		return Metadata{}
	}
	var m Metadata
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Metadata{}
	}
	return m
}

// Record is one durable memory row joined across the document table and the
// dense index. Similarity is only meaningful on search results, where the
// recall engine may overwrite it with a fused or reranked score.
type Record struct {
	ID         int64
	Content    string
	Metadata   Metadata
	CreatedAt  float64
	UpdatedAt  float64
	Similarity float64
}

// MetaUpdate pairs a record id with its replacement metadata for batch
// updates.
type MetaUpdate struct {
	ID       int64
	Metadata Metadata
}
