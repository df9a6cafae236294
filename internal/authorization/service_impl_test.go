package authorization

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/insurecard/internal/audit/domain"
	auditrepo "github.com/smallbiznis/insurecard/internal/audit/repository"
	auditservice "github.com/smallbiznis/insurecard/internal/audit/service"
	"github.com/smallbiznis/insurecard/internal/issuance/issuancetest"
	obscontext "github.com/smallbiznis/insurecard/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestAuthorizer(t *testing.T) (Service, auditdomain.Service) {
	t.Helper()
	db := issuancetest.NewDB(t)
	enforcer, err := NewEnforcer(db)
	require.NoError(t, err)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	audit := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  auditrepo.Provide(),
	})
	return NewService(Params{Log: zap.NewNop(), Enforcer: enforcer, AuditSvc: audit}), audit
}

func TestAuthorizeRoles(t *testing.T) {
	svc, _ := newTestAuthorizer(t)

	operator := obscontext.WithActorRole(context.Background(), "Operator")
	viewer := obscontext.WithActorRole(context.Background(), "viewer")

	cases := []struct {
		name    string
		ctx     context.Context
		actor   string
		object  string
		action  string
		wantErr error
	}{
		{"operator submits", operator, "user:ops-1", ObjectIssuance, ActionIssuanceSubmit, nil},
		{"operator acknowledges alert", operator, "user:ops-1", ObjectAlert, ActionAlertAcknowledge, nil},
		{"viewer reads status", viewer, "user:ops-2", ObjectIssuance, ActionIssuanceView, nil},
		{"viewer cannot submit", viewer, "user:ops-2", ObjectIssuance, ActionIssuanceSubmit, ErrForbidden},
		{"viewer renders card pdf", viewer, "user:ops-2", ObjectCard, ActionCardRender, nil},
		{"viewer cannot change card status", viewer, "user:ops-2", ObjectCard, ActionCardUpdateStatus, ErrForbidden},
		{"missing role defaults to viewer", context.Background(), "user:ops-3", ObjectCard, ActionCardUpdateStatus, ErrForbidden},
		{"system submits", context.Background(), "system", ObjectIssuance, ActionIssuanceSubmit, nil},
		{"system cannot acknowledge", context.Background(), "system", ObjectAlert, ActionAlertAcknowledge, ErrForbidden},
		{"unknown role rejected", obscontext.WithActorRole(context.Background(), "root"), "user:ops-4", ObjectIssuance, ActionIssuanceView, ErrForbidden},
		{"unknown actor", context.Background(), "robot", ObjectIssuance, ActionIssuanceView, ErrInvalidActor},
		{"empty object", context.Background(), "system", " ", ActionIssuanceView, ErrInvalidObject},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := svc.Authorize(tc.ctx, tc.actor, tc.object, tc.action)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestAuthorizeRebindsRole(t *testing.T) {
	svc, _ := newTestAuthorizer(t)
	ctx := context.Background()

	require.NoError(t, svc.Authorize(obscontext.WithActorRole(ctx, RoleOperator), "user:ops-9", ObjectCard, ActionCardUpdateStatus))
	err := svc.Authorize(obscontext.WithActorRole(ctx, RoleViewer), "user:ops-9", ObjectCard, ActionCardUpdateStatus)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAuthorizeDenialIsAudited(t *testing.T) {
	svc, audit := newTestAuthorizer(t)
	ctx := obscontext.WithActorRole(context.Background(), RoleViewer)

	err := svc.Authorize(ctx, "user:ops-5", ObjectAlert, ActionAlertAcknowledge)
	require.ErrorIs(t, err, ErrForbidden)

	resp, err := audit.List(context.Background(), auditdomain.ListAuditLogRequest{Action: auditdomain.ActionAuthorizationDenied})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, "user", resp.AuditLogs[0].ActorType)
	assert.Equal(t, ActionAlertAcknowledge, resp.AuditLogs[0].Metadata["action"])
}
