package policy

import (
	"fmt"
	"strings"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityWarning Severity = "WARNING"
	SeverityError   Severity = "ERROR"
)

// IssueCode identifies the class of a validation issue.
type IssueCode string

const (
	CodeFileInvalidSyntax IssueCode = "FILE_INVALID_SYNTAX"

	CodePolicyInvalidID   IssueCode = "POLICY_INVALID_ID"
	CodePolicyDuplicateID IssueCode = "POLICY_DUPLICATE_ID"
	CodePolicyMissingName IssueCode = "POLICY_MISSING_NAME"
	CodePolicyMissingRoles IssueCode = "POLICY_MISSING_ROLES"

	CodeRoleInvalidID     IssueCode = "ROLE_INVALID_ID"
	CodeRoleMissingName   IssueCode = "ROLE_MISSING_NAME"
	CodeRoleMissingAccess IssueCode = "ROLE_MISSING_ACCESS"

	CodeAccessInvalidPrincipal IssueCode = "ACCESS_INVALID_PRINCIPAL"
	CodeAccessInvalidEffect    IssueCode = "ACCESS_INVALID_EFFECT"
	CodeAccessInvalidAction    IssueCode = "ACCESS_INVALID_ACTION"

	CodeConstraintDurationConstraintsMissing IssueCode = "CONSTRAINT_DURATION_CONSTRAINTS_MISSING"
	CodeConstraintDurationConstraintEmpty    IssueCode = "CONSTRAINT_DURATION_CONSTRAINT_EMPTY"
	CodeConstraintDurationConstraintInvalid  IssueCode = "CONSTRAINT_DURATION_CONSTRAINT_INVALID"
	CodeConstraintApprovalConstraintsMissing IssueCode = "CONSTRAINT_APPROVAL_CONSTRAINTS_MISSING"
	CodeConstraintApprovalLimitsMissing      IssueCode = "CONSTRAINT_APPROVAL_LIMITS_MISSING"
	CodeConstraintApprovalLimitsInvalid      IssueCode = "CONSTRAINT_APPROVAL_LIMITS_INVALID"

	CodePrivilegeInvalidRole IssueCode = "PRIVILEGE_INVALID_ROLE"
)

// Issue is a single validation finding, scoped to the policy path that
// produced it (e.g. "env-1/sys-1/g-1").
type Issue struct {
	Severity Severity  `json:"severity"`
	Scope    string    `json:"scope"`
	Code     IssueCode `json:"code"`
	Details  string    `json:"details"`
}

func (i Issue) String() string {
	return fmt.Sprintf("%s [%s] %s: %s", i.Severity, i.Scope, i.Code, i.Details)
}

// SyntaxError carries the ordered issue list of a failed document parse.
// It is returned whenever at least one issue has ERROR severity.
type SyntaxError struct {
	Issues []Issue
}

func (e *SyntaxError) Error() string {
	var parts []string
	for _, i := range e.Issues {
		if i.Severity == SeverityError {
			parts = append(parts, i.String())
		}
	}
	if len(parts) == 0 {
		return "invalid policy document"
	}
	return "invalid policy document: " + strings.Join(parts, "; ")
}

// issueCollector accumulates issues in document order.
type issueCollector struct {
	issues []Issue
}

func (c *issueCollector) add(severity Severity, scope string, code IssueCode, format string, args ...any) {
	c.issues = append(c.issues, Issue{
		Severity: severity,
		Scope:    scope,
		Code:     code,
		Details:  fmt.Sprintf(format, args...),
	})
}

func (c *issueCollector) errorf(scope string, code IssueCode, format string, args ...any) {
	c.add(SeverityError, scope, code, format, args...)
}

func (c *issueCollector) warnf(scope string, code IssueCode, format string, args ...any) {
	c.add(SeverityWarning, scope, code, format, args...)
}

func (c *issueCollector) hasErrors() bool {
	for _, i := range c.issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

func (c *issueCollector) warnings() []Issue {
	var warnings []Issue
	for _, i := range c.issues {
		if i.Severity == SeverityWarning {
			warnings = append(warnings, i)
		}
	}
	return warnings
}
