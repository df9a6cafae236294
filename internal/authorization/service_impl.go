package authorization

import (
	"context"
	_ "embed"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/insurecard/internal/audit/domain"
	obscontext "github.com/smallbiznis/insurecard/internal/observability/context"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

// policyDomain scopes every grouping rule; the service runs a single tenant.
const policyDomain = "insurecard"

const (
	ObjectIssuance = "issuance"
	ObjectCard     = "card"
	ObjectAlert    = "alert"
	ObjectAuditLog = "audit_log"
)

const (
	ActionIssuanceSubmit = "issuance.submit"
	ActionIssuanceView   = "issuance.view"

	ActionCardView         = "card.view"
	ActionCardUpdateStatus = "card.update_status"
	ActionCardRender       = "card.render"

	ActionAlertView        = "alert.view"
	ActionAlertAcknowledge = "alert.acknowledge"

	ActionAuditLogView = "audit_log.view"
)

const (
	RoleOperator = "operator"
	RoleViewer   = "viewer"
	RoleSystem   = "system"
	RoleSweeper  = "sweeper"
)

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

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject, roleName, actorType, actorID, err := resolveActor(ctx, actor)
	if err != nil {
		s.auditDenied(ctx, actorType, actorID, object, action)
		return err
	}

	if err := s.ensureGrouping(subject, roleName); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, policyDomain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Debug("authorization denied",
			zap.String("subject", subject),
			zap.String("object", object),
			zap.String("action", action),
		)
		s.auditDenied(ctx, actorType, actorID, object, action)
		return ErrForbidden
	}
	return nil
}

func resolveActor(ctx context.Context, actor string) (string, string, string, *string, error) {
	switch {
	case actor == RoleSystem:
		return actor, "role:" + RoleSystem, string(auditdomain.ActorTypeSystem), nil, nil
	case actor == RoleSweeper:
		return actor, "role:" + RoleSweeper, string(auditdomain.ActorTypeSweeper), nil, nil
	case strings.HasPrefix(actor, "user:"):
		userID := strings.TrimSpace(strings.TrimPrefix(actor, "user:"))
		if userID == "" {
			return "", "", "", nil, ErrInvalidActor
		}
		actorType := string(auditdomain.ActorTypeUser)
		role := obscontext.ActorRoleFromContext(ctx)
		switch role {
		case RoleOperator, RoleViewer:
		case "":
			role = RoleViewer
		default:
			return actor, "", actorType, &userID, ErrForbidden
		}
		return actor, "role:" + role, actorType, &userID, nil
	}
	return "", "", "", nil, ErrInvalidActor
}

// ensureGrouping binds the subject to exactly one role, replacing a stale
// binding when a user's role header changes between requests.
func (s *ServiceImpl) ensureGrouping(subject string, roleName string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", policyDomain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, policyDomain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, policyDomain)
	return err
}

func (s *ServiceImpl) auditDenied(ctx context.Context, actorType string, actorID *string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	targetID := object
	if err := s.auditSvc.AuditLog(ctx, actorType, actorID, auditdomain.ActionAuthorizationDenied, "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
	}); err != nil {
		s.log.Warn("failed to audit authorization denial", zap.Error(err))
	}
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Viewer permissions (read-only)
		{"role:viewer", ObjectIssuance, ActionIssuanceView},
		{"role:viewer", ObjectCard, ActionCardView},
		{"role:viewer", ObjectCard, ActionCardRender},
		{"role:viewer", ObjectAlert, ActionAlertView},

		// Operator permissions
		{"role:operator", ObjectIssuance, ActionIssuanceSubmit},
		{"role:operator", ObjectIssuance, ActionIssuanceView},
		{"role:operator", ObjectCard, ActionCardView},
		{"role:operator", ObjectCard, ActionCardUpdateStatus},
		{"role:operator", ObjectCard, ActionCardRender},
		{"role:operator", ObjectAlert, ActionAlertView},
		{"role:operator", ObjectAlert, ActionAlertAcknowledge},
		{"role:operator", ObjectAuditLog, ActionAuditLogView},

		// Upstream systems submit and poll
		{"role:system", ObjectIssuance, ActionIssuanceSubmit},
		{"role:system", ObjectIssuance, ActionIssuanceView},
		{"role:system", ObjectCard, ActionCardView},

		{"role:sweeper", ObjectIssuance, ActionIssuanceView},
		{"role:sweeper", ObjectAlert, ActionAlertView},
	}

	for _, policy := range policies {
		if len(policy) < 3 {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
