package service

import (
	"context"
	"testing"
	"time"

	auditdomain "github.com/smallbiznis/fiscal/internal/audit/domain"
	"github.com/smallbiznis/fiscal/internal/audit/repository"
	"github.com/smallbiznis/fiscal/internal/clock"
	obscontext "github.com/smallbiznis/fiscal/internal/observability/context"
	"github.com/smallbiznis/fiscal/internal/orgcontext"
	"github.com/smallbiznis/fiscal/internal/testutil"
	"github.com/smallbiznis/fiscal/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) auditdomain.Service {
	t.Helper()
	return NewService(Params{
		DB:    testutil.OpenDB(t, &auditdomain.AuditLog{}),
		Log:   testutil.Logger(),
		GenID: testutil.Node(t),
		Repo:  repository.Provide(),
		Clock: clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
	})
}

func TestAuditLogRecordsActorAndRequest(t *testing.T) {
	svc := newTestService(t)
	ctx := orgcontext.WithActor(context.Background(), "user-7")
	ctx = obscontext.WithRequestID(ctx, "req-1")

	require.NoError(t, svc.AuditLog(ctx, 42, auditdomain.ActionDocumentIssued, "invoice", "FT/A/1", map[string]any{
		"human_reference": "FT A/1",
	}))

	resp, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{OrgID: 42})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, string(auditdomain.ActorTypeUser), entry.ActorType)
	require.NotNil(t, entry.ActorID)
	assert.Equal(t, "user-7", *entry.ActorID)
	assert.Equal(t, "req-1", entry.Metadata["request_id"])
	assert.Equal(t, "FT A/1", entry.Metadata["human_reference"])
}

func TestAuditLogRequiresActionAndOrganization(t *testing.T) {
	svc := newTestService(t)

	err := svc.AuditLog(context.Background(), 42, " ", "invoice", "", nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)

	err = svc.AuditLog(context.Background(), 0, auditdomain.ActionDocumentIssued, "invoice", "", nil)
	assert.ErrorIs(t, err, auditdomain.ErrInvalidOrganization)
}

func TestListPaginatesNewestFirst(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	for _, target := range []string{"a", "b", "c"} {
		require.NoError(t, svc.AuditLog(ctx, 42, auditdomain.ActionDocumentIssued, "invoice", target, nil))
	}
	require.NoError(t, svc.AuditLog(ctx, 43, auditdomain.ActionDocumentIssued, "invoice", "other", nil))

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{OrgID: 42, Pagination: paginationOf("", 2)})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.Equal(t, "c", *first.AuditLogs[0].TargetID)
	assert.True(t, first.HasMore)

	second, err := svc.List(ctx, auditdomain.ListAuditLogRequest{OrgID: 42, Pagination: paginationOf(first.NextPageToken, 2)})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.Equal(t, "a", *second.AuditLogs[0].TargetID)
	assert.False(t, second.HasMore)

	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{OrgID: 42, Pagination: paginationOf("%%%", 2)})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)
}

func paginationOf(token string, size int) pagination.Pagination {
	return pagination.Pagination{PageToken: token, PageSize: size}
}
