package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/fiscal/internal/audit/domain"
	"github.com/smallbiznis/fiscal/internal/fiscalerr"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const actionAuthorizationDenied = "authorization.denied"

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer loads policies from the casbin_rule table and seeds the role grants.
// Memberships are stored as grouping policies scoped to an org domain.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, orgID snowflake.ID, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return fiscalerr.Wrap(fiscalerr.KindUnauthorized, "caller is not identified", ErrInvalidActor)
	}
	if orgID == 0 {
		return fiscalerr.Wrap(fiscalerr.KindUnauthorized, "organization is required", ErrInvalidOrganization)
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}
	if actor == SystemActor {
		return nil
	}

	allowed, err := s.enforcer.Enforce(userSubject(actor), orgDomain(orgID), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("org_id", orgID.String()),
			zap.String("actor", actor),
			zap.String("action", action),
		)
		s.auditDenied(ctx, orgID, actor, object, action)
		return fiscalerr.Wrap(fiscalerr.KindUnauthorized, fmt.Sprintf("not allowed to %s", action), ErrForbidden)
	}
	return nil
}

// GrantMembership assigns userID a single role in the organization, replacing any previous one.
func (s *ServiceImpl) GrantMembership(ctx context.Context, orgID snowflake.ID, userID string, role string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" || userID == SystemActor {
		return ErrInvalidActor
	}
	if orgID == 0 {
		return ErrInvalidOrganization
	}
	role = strings.ToLower(strings.TrimSpace(role))
	if !validRole(role) {
		return ErrInvalidRole
	}

	subject := userSubject(userID)
	domain := orgDomain(orgID)
	if _, err := s.enforcer.RemoveFilteredGroupingPolicy(0, subject, "", domain); err != nil {
		return err
	}
	if _, err := s.enforcer.AddGroupingPolicy(subject, roleName(role), domain); err != nil {
		return err
	}
	s.log.Info("membership granted",
		zap.String("org_id", orgID.String()),
		zap.String("user_id", userID),
		zap.String("role", role),
	)
	return nil
}

func (s *ServiceImpl) RevokeMembership(ctx context.Context, orgID snowflake.ID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidActor
	}
	if orgID == 0 {
		return ErrInvalidOrganization
	}
	_, err := s.enforcer.RemoveFilteredGroupingPolicy(0, userSubject(userID), "", orgDomain(orgID))
	return err
}

// RoleOf returns the user's role in the organization, or ErrForbidden for non-members.
func (s *ServiceImpl) RoleOf(ctx context.Context, orgID snowflake.ID, userID string) (string, error) {
	rules, err := s.enforcer.GetFilteredGroupingPolicy(0, userSubject(strings.TrimSpace(userID)), "", orgDomain(orgID))
	if err != nil {
		return "", err
	}
	for _, rule := range rules {
		if len(rule) < 2 {
			continue
		}
		return strings.TrimPrefix(rule[1], "role:"), nil
	}
	return "", ErrForbidden
}

func (s *ServiceImpl) auditDenied(ctx context.Context, orgID snowflake.ID, actor string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.AuditLog(ctx, orgID, actionAuthorizationDenied, "authorization", object, map[string]any{
		"object":  object,
		"action":  action,
		"subject": userSubject(actor),
	})
}

func userSubject(userID string) string {
	return "user:" + userID
}

func orgDomain(orgID snowflake.ID) string {
	return "org:" + orgID.String()
}

func roleName(role string) string {
	return "role:" + role
}

func validRole(role string) bool {
	switch role {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	default:
		return false
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Members issue documents and read what they issued.
		{"role:member", ObjectDocument, ActionDocumentIssue},
		{"role:member", ObjectLedger, ActionLedgerView},
		{"role:member", ObjectArtifact, ActionArtifactView},

		// Admins can also reverse and read the audit trail.
		{"role:admin", ObjectDocument, ActionDocumentIssue},
		{"role:admin", ObjectDocument, ActionDocumentReverse},
		{"role:admin", ObjectLedger, ActionLedgerView},
		{"role:admin", ObjectArtifact, ActionArtifactView},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},

		{"role:owner", ObjectDocument, ActionDocumentIssue},
		{"role:owner", ObjectDocument, ActionDocumentReverse},
		{"role:owner", ObjectLedger, ActionLedgerView},
		{"role:owner", ObjectArtifact, ActionArtifactView},
		{"role:owner", ObjectAuditLog, ActionAuditLogView},
		{"role:owner", ObjectBillingConfig, ActionBillingManage},
		{"role:owner", ObjectMembership, ActionMembershipEdit},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
