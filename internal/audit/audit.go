// Package audit records security-relevant decisions as JSON lines. Every
// join, proposal, and approval produces one event; log-based alerting keys
// off the event name.
package audit

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terraconstructs/jitaccess/internal/principal"
)

// EventType separates decisions (audit) from diagnostics (operational).
type EventType string

const (
	TypeAudit       EventType = "audit"
	TypeOperational EventType = "operational"
)

// Event names.
const (
	EventJoinExecuted     = "joinExecuted"
	EventJoinProposed     = "joinProposed"
	EventConstraintFailed = "constraintFailed"
	EventReconcileRun     = "reconcileRun"
	EventPolicyReloaded   = "policyReloaded"
)

// Event is one audit record. Labels carry event-specific context such as
// join inputs ("join/input/<name>") and proposal metadata.
type Event struct {
	ID   string    `json:"event/id"`
	Type EventType `json:"event/type"`
	Name string    `json:"event/name"`
	Time time.Time `json:"event/time"`

	User        string     `json:"user/id,omitempty"`
	Group       string     `json:"group/id,omitempty"`
	GroupExpiry *time.Time `json:"group/expiry,omitempty"`

	Labels map[string]string `json:"labels,omitempty"`
}

// Logger records events.
type Logger interface {
	Record(e Event)
}

type jsonLogger struct {
	mu  sync.Mutex
	out io.Writer
}

// NewLogger creates a logger writing JSON lines to stdout.
func NewLogger() Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a logger writing to the given writer, for
// tests and custom sinks.
func NewLoggerWithWriter(w io.Writer) Logger {
	if w == nil {
		w = os.Stdout
	}
	return &jsonLogger{out: w}
}

func (l *jsonLogger) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Type == "" {
		e.Type = TypeAudit
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("ERROR: marshal audit event %s: %v", e.Name, err)
		return
	}
	if _, err := l.out.Write(append(data, '\n')); err != nil {
		log.Printf("ERROR: write audit event %s: %v", e.Name, err)
	}
}

// JoinExecuted builds the event for a provisioned join.
func JoinExecuted(user principal.EndUserID, group principal.JitGroupID, expiry time.Time, inputs map[string]string) Event {
	labels := make(map[string]string, len(inputs))
	for name, value := range inputs {
		labels["join/input/"+name] = value
	}
	return Event{
		Name:        EventJoinExecuted,
		User:        user.Value(),
		Group:       group.Value(),
		GroupExpiry: &expiry,
		Labels:      labels,
	}
}

// JoinProposed builds the event for a join handed off to approvers.
func JoinProposed(user principal.EndUserID, group principal.JitGroupID, proposalID string, recipients []principal.EndUserID, inputs map[string]string) Event {
	labels := map[string]string{"proposal/id": proposalID}
	for i, r := range recipients {
		if i > 0 {
			labels["proposal/recipients"] += ", "
		}
		labels["proposal/recipients"] += r.Value()
	}
	for name, value := range inputs {
		labels["join/input/"+name] = value
	}
	return Event{
		Name:   EventJoinProposed,
		User:   user.Value(),
		Group:  group.Value(),
		Labels: labels,
	}
}

// JoinExecutedByApproval builds the joinExecuted event for a join that was
// provisioned through an approved proposal. It shares the event name with
// the self-approval variant so consumers query one name for every executed
// join; the proposal id and approver labels tell the variants apart. The
// user field stays the joining user.
func JoinExecutedByApproval(user, approver principal.EndUserID, group principal.JitGroupID, proposalID string, expiry time.Time, joinInputs, approvalInputs map[string]string) Event {
	labels := map[string]string{
		"proposal/id":       proposalID,
		"proposal/approver": approver.Value(),
	}
	for name, value := range joinInputs {
		labels["join/input/"+name] = value
	}
	for name, value := range approvalInputs {
		labels["approval/input/"+name] = value
	}
	return Event{
		Name:        EventJoinExecuted,
		User:        user.Value(),
		Group:       group.Value(),
		GroupExpiry: &expiry,
		Labels:      labels,
	}
}

// ReconcileRun builds the event for a reconciliation run.
func ReconcileRun(user principal.EndUserID, environment string, findings int, compliant bool) Event {
	return Event{
		Name: EventReconcileRun,
		Type: TypeOperational,
		User: user.Value(),
		Labels: map[string]string{
			"reconcile/environment": environment,
			"reconcile/findings":    strconv.Itoa(findings),
			"reconcile/compliant":   strconv.FormatBool(compliant),
		},
	}
}

// PolicyReloaded builds the event for a policy snapshot refresh.
func PolicyReloaded(version, environments int) Event {
	return Event{
		Name: EventPolicyReloaded,
		Type: TypeOperational,
		Labels: map[string]string{
			"policy/version":      strconv.Itoa(version),
			"policy/environments": strconv.Itoa(environments),
		},
	}
}

// ConstraintFailed builds the event for a constraint that errored instead of
// evaluating, which points at a policy configuration problem.
func ConstraintFailed(user principal.EndUserID, group principal.JitGroupID, constraint string, err error) Event {
	return Event{
		Name:  EventConstraintFailed,
		Type:  TypeOperational,
		User:  user.Value(),
		Group: group.Value(),
		Labels: map[string]string{
			"constraint/name":  constraint,
			"constraint/error": err.Error(),
		},
	}
}
