package repository

import "time"

// ── Proposal aggregate ────────────────────────────────────────────────────────

// Proposal statuses. A proposal never rests in an "approved" status: clearing
// the approval chain advances it straight to sent.
const (
	StatusDraft           = "draft"
	StatusPendingApproval = "pending_approval"
	StatusSent            = "sent"
	StatusViewed          = "viewed"
	StatusSigned          = "signed"
	StatusRejected        = "rejected"
	StatusExpired         = "expired"
)

// Proposal priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Proposal is the aggregate root. TotalAmount always mirrors the pricing
// total of the current version.
type Proposal struct {
	ID             string
	ProposalNumber string
	Title          string
	ClientName     string
	ClientEmail    string
	ClientPhone    *string
	ClientAddress  *string
	Status         string // see Status* constants
	Priority       string // see Priority* constants
	Currency       string
	ValidUntil     *time.Time
	TotalAmount    int64 // minor units
	SentAt         *time.Time
	CreatedBy      *string
	CreatedAt      time.Time
	UpdatedBy      *string
	UpdatedAt      time.Time
}

// ── Version store ─────────────────────────────────────────────────────────────

// LineItem is a value object embedded in a version snapshot.
type LineItem struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   int64   `json:"unit_price"` // minor units
	LineTotal   int64   `json:"line_total"` // minor units, rounded
}

// ContentSection is one narrative block of a version snapshot.
type ContentSection struct {
	Kind  string `json:"kind"` // introduction | scope | schedule | terms | custom
	Title string `json:"title"`
	Body  string `json:"body"`
}

// VersionContent is the structured, schema-versioned snapshot body. It is
// validated at commit time and never re-interpreted at read time.
type VersionContent struct {
	SchemaVersion int              `json:"schema_version"`
	ClientName    string           `json:"client_name"`
	ClientEmail   string           `json:"client_email"`
	Sections      []ContentSection `json:"sections"`
	Terms         string           `json:"terms"`
}

// ProposalVersion is one immutable snapshot of a proposal's editable content.
// Exactly one version per proposal has IsCurrent = true, and version numbers
// form a contiguous 1..N sequence.
type ProposalVersion struct {
	ID             string
	ProposalID     string
	VersionNumber  int
	Content        VersionContent
	LineItems      []LineItem
	Subtotal       int64
	TaxRatePercent float64
	TaxAmount      int64
	DiscountAmount int64
	TotalAmount    int64
	IsCurrent      bool
	ChangeSummary  string
	CreatedBy      *string
	CreatedAt      time.Time
}

// ── Workflow rules ────────────────────────────────────────────────────────────

// Rule trigger kinds. The rule language is deliberately closed: no executable
// code is ever accepted, only these triggers and the action flags below.
const (
	TriggerStatusChange    = "status_change"
	TriggerAmountThreshold = "amount_threshold"
	TriggerTimeBased       = "time_based"
	TriggerUserAction      = "user_action"
)

// RuleCondition is the trigger-specific condition payload. Fields not used by
// the rule's trigger kind are ignored.
type RuleCondition struct {
	FromStatus string `json:"from_status,omitempty"` // status_change; empty = any
	ToStatus   string `json:"to_status,omitempty"`   // status_change
	MinAmount  int64  `json:"min_amount,omitempty"`  // amount_threshold, minor units
	Status     string `json:"status,omitempty"`      // time_based
	Days       int    `json:"days,omitempty"`        // time_based
	ActionName string `json:"action_name,omitempty"` // user_action
}

// RuleActions is the closed action flag set a matched rule fires.
type RuleActions struct {
	RequireApproval bool `json:"require_approval,omitempty"`
	NotifyManager   bool `json:"notify_manager,omitempty"`
	SendToClient    bool `json:"send_to_client,omitempty"`
	TrackAnalytics  bool `json:"track_analytics,omitempty"`
	SendReminder    bool `json:"send_reminder,omitempty"`
	Escalate        bool `json:"escalate,omitempty"`
}

// WorkflowRule is a declarative trigger-condition-action tuple. Rules are
// authored by administrators and evaluated read-only at runtime.
type WorkflowRule struct {
	ID          string
	RuleName    string
	Description *string
	TriggerType string // see Trigger* constants
	Condition   RuleCondition
	Actions     RuleActions
	IsActive    bool
	Priority    int // lower = evaluated first
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ── Approval chain ────────────────────────────────────────────────────────────

// Approval instance overall outcomes.
const (
	ApprovalInProgress = "in_progress"
	ApprovalApproved   = "approved"
	ApprovalRejected   = "rejected"
)

// Step outcomes.
const (
	StepPending  = "pending"
	StepApproved = "approved"
	StepRejected = "rejected"
	StepSkipped  = "skipped"
)

// ApprovalStepTemplate is one entry of the ordered, configured approval chain.
type ApprovalStepTemplate struct {
	ID              string
	Position        int
	StepName        string
	ApproverRole    string
	ApproverEmail   string
	IsRequired      bool
	TimeoutHours    int
	EscalationEmail *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ApprovalInstance is the runtime chain for one proposal while it sits in
// pending_approval.
type ApprovalInstance struct {
	ID              string
	ProposalID      string
	ActiveStepIndex int
	Overall         string // see Approval* constants
	SubmittedBy     string
	SubmittedAt     time.Time
	CompletedAt     *time.Time
}

// ApprovalInstanceStep is the runtime record of one chain step.
type ApprovalInstanceStep struct {
	ID              string
	InstanceID      string
	StepIndex       int
	StepName        string
	ApproverRole    string
	ApproverEmail   string
	IsRequired      bool
	TimeoutHours    int
	EscalationEmail *string
	Outcome         string // see Step* constants
	DecidedBy       *string
	DecidedAt       *time.Time
	ActivatedAt     *time.Time
}

// ── Event log ─────────────────────────────────────────────────────────────────

// Event types recorded in the lifecycle log.
const (
	EventStatusChange     = "status_change"
	EventVersionCommitted = "version_committed"
	EventProposalOpened   = "proposal_opened"
	EventProposalSigned   = "proposal_signed"
	EventRuleMatched      = "rule_matched"
	EventStepDecided      = "approval_step_decided"
	EventStepEscalated    = "approval_step_escalated"
)

// ProposalEvent is one immutable entry in the lifecycle event log.
type ProposalEvent struct {
	ID         string
	ProposalID string
	EventType  string
	Actor      string
	Payload    map[string]any
	OccurredAt time.Time
}

// ── Notification outbox ───────────────────────────────────────────────────────

// Outbox entry statuses.
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is a queued outbound notification. Entries owed by a status
// transition are written in the same transaction as the transition itself;
// the dispatcher drains them with at-least-once semantics.
type OutboxEntry struct {
	ID         string
	ProposalID string
	Recipients []string
	Subject    string
	HTMLBody   string
	Status     string // see Outbox* constants
	Attempts   int
	LastError  *string
	CreatedAt  time.Time
	SentAt     *time.Time
}
