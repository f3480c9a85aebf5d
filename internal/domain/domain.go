package domain

// Task lifecycle statuses.
const (
	StatusDraft      = "draft"
	StatusPending    = "pending"
	StatusBlocked    = "blocked"
	StatusInProgress = "in_progress"
	StatusValidating = "validating"
	StatusFailed     = "failed"
	StatusStale      = "stale"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// Task categories.
const (
	CategoryFeature  = "feature"
	CategoryBugfix   = "bugfix"
	CategoryRefactor = "refactor"
	CategoryDocs     = "docs"
	CategoryChore    = "chore"
	CategoryResearch = "research"
)

// Relationship types. The blocking subset (depends_on, blocks) forms the
// dependency graph; all other types are informational.
const (
	RelDependsOn    = "depends_on"
	RelBlocks       = "blocks"
	RelSubtaskOf    = "subtask_of"
	RelParentOf     = "parent_of"
	RelRelatedTo    = "related_to"
	RelDuplicateOf  = "duplicate_of"
	RelSupersedes   = "supersedes"
	RelSupersededBy = "superseded_by"
	RelFollows      = "follows"
	RelPrecedes     = "precedes"
	RelReferences   = "references"
)

// List execution modes.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
	ModePriority   = "priority"
)

// List statuses.
const (
	ListActive    = "active"
	ListCompleted = "completed"
	ListArchived  = "archived"
)

// Membership statuses.
const (
	MemberPending   = "pending"
	MemberCompleted = "completed"
	MemberSkipped   = "skipped"
)

// Block types.
const (
	BlockValidation = "validation"
	BlockDependency = "dependency"
	BlockManual     = "manual"
	BlockAmbiguous  = "ambiguous"
)

// Block severities.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

var categories = []string{
	CategoryFeature, CategoryBugfix, CategoryRefactor,
	CategoryDocs, CategoryChore, CategoryResearch,
}

var relationshipTypes = []string{
	RelDependsOn, RelBlocks, RelSubtaskOf, RelParentOf, RelRelatedTo,
	RelDuplicateOf, RelSupersedes, RelSupersededBy, RelFollows,
	RelPrecedes, RelReferences,
}

func Categories() []string { return append([]string(nil), categories...) }

func KnownCategory(c string) bool {
	for _, k := range categories {
		if k == c {
			return true
		}
	}
	return false
}

func RelationshipTypes() []string { return append([]string(nil), relationshipTypes...) }

func KnownRelationshipType(t string) bool {
	for _, k := range relationshipTypes {
		if k == t {
			return true
		}
	}
	return false
}

// BlockingType reports whether a relationship type constrains execution order.
func BlockingType(t string) bool {
	return t == RelDependsOn || t == RelBlocks
}

// KnownMode reports whether m is a valid list execution mode.
func KnownMode(m string) bool {
	return m == ModeSequential || m == ModeParallel || m == ModePriority
}

func KnownSeverity(s string) bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityError
}

type Task struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Category       string   `json:"category" enum:"feature,bugfix,refactor,docs,chore,research"`
	Status         string   `json:"status" enum:"draft,pending,blocked,in_progress,validating,failed,stale,completed,cancelled"`
	Priority       int      `json:"priority"`
	EffortMinutes  int      `json:"effort_minutes"`
	Deadline       *string  `json:"deadline,omitempty" format:"date-time"`
	StrategicBonus int      `json:"strategic_bonus,omitempty"`
	ConflictSet    []string `json:"conflict_set,omitempty"`
	Tests          []string `json:"tests,omitempty"`
	AssigneeID     *string  `json:"assignee_id,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
}

type Relationship struct {
	ID        string   `json:"id"`
	SourceID  string   `json:"source_id"`
	TargetID  string   `json:"target_id"`
	Type      string   `json:"type"`
	Strength  *float64 `json:"strength,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}

type TaskList struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	ScopeRefs      []string `json:"scope_refs,omitempty"`
	ExecutionMode  string   `json:"execution_mode" enum:"sequential,parallel,priority"`
	Status         string   `json:"status" enum:"active,completed,archived"`
	ChannelID      *string  `json:"channel_id,omitempty"`
	CompletedCount int      `json:"completed_count"`
	TotalCount     int      `json:"total_count"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
}

type Membership struct {
	ListID   string `json:"list_id"`
	TaskID   string `json:"task_id"`
	Position int    `json:"position"`
	Status   string `json:"status" enum:"pending,completed,skipped"`
	AddedAt  string `json:"added_at" format:"date-time"`
}

type Block struct {
	ID             string  `json:"id"`
	TaskID         string  `json:"task_id"`
	Type           string  `json:"type" enum:"validation,dependency,manual,ambiguous"`
	Severity       string  `json:"severity" enum:"info,warning,error"`
	Reason         string  `json:"reason"`
	Source         string  `json:"source,omitempty"`
	RelationshipID *string `json:"relationship_id,omitempty"`
	Resolved       bool    `json:"resolved"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	ResolvedAt     *string `json:"resolved_at,omitempty" format:"date-time"`
}

// StateTransition is one row of the append-only status history.
type StateTransition struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	FromStatus string `json:"from_status"`
	ToStatus   string `json:"to_status"`
	ActorID    string `json:"actor_id"`
	Reason     string `json:"reason,omitempty"`
	TS         string `json:"ts" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Suggestion is one ranked recommendation produced for a list.
type Suggestion struct {
	TaskID    string `json:"task_id"`
	Title     string `json:"title"`
	Score     int    `json:"score"`
	Rationale string `json:"rationale"`
	Group     int    `json:"group"`
	Parallel  bool   `json:"parallel"`
}
