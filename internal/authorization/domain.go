package authorization

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

const (
	ObjectDocument      = "document"
	ObjectLedger        = "ledger"
	ObjectArtifact      = "artifact"
	ObjectBillingConfig = "billing_config"
	ObjectAuditLog      = "audit_log"
	ObjectMembership    = "membership"
)

const (
	ActionDocumentIssue   = "document.issue"
	ActionDocumentReverse = "document.reverse"
	ActionLedgerView      = "ledger.view"
	ActionArtifactView    = "artifact.view"
	ActionBillingManage   = "billing_config.manage"
	ActionAuditLogView    = "audit_log.view"
	ActionMembershipEdit  = "membership.manage"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// SystemActor is used by internal callers and the CLI; it bypasses membership.
const SystemActor = "system"

type Service interface {
	Authorize(ctx context.Context, actor string, orgID snowflake.ID, object string, action string) error
	GrantMembership(ctx context.Context, orgID snowflake.ID, userID string, role string) error
	RevokeMembership(ctx context.Context, orgID snowflake.ID, userID string) error
	RoleOf(ctx context.Context, orgID snowflake.ID, userID string) (string, error)
}

var (
	ErrInvalidActor        = errors.New("invalid_actor")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidObject       = errors.New("invalid_object")
	ErrInvalidAction       = errors.New("invalid_action")
	ErrInvalidRole         = errors.New("invalid_role")
	ErrForbidden           = errors.New("forbidden")
)
