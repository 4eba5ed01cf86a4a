package audit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"librarydesk/internal/catalog"
	"librarydesk/internal/platform/database/dbtest"
	"librarydesk/pkg/eventstore"
)

func newBareAuditor() *Auditor {
	return &Auditor{tracer: otel.Tracer("test"), logger: zap.NewNop()}
}

func constant(v float64, err error) func(context.Context) (float64, error) {
	return func(context.Context) (float64, error) { return v, err }
}

func TestThreshold(t *testing.T) {
	tests := []struct {
		op    string
		limit float64
		value float64
		want  bool
	}{
		{">", 1, 2, true},
		{">", 1, 1, false},
		{"<", 1, 0, true},
		{">=", 1, 1, true},
		{"<=", 1, 2, false},
		{"==", 0, 0, true},
		{"==", 0, 1, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Threshold{Operator: tt.op, Value: tt.limit}.holds(tt.value), "%v %s %v", tt.value, tt.op, tt.limit)
	}
}

func TestRun(t *testing.T) {
	a := newBareAuditor()
	zero := Threshold{Operator: "==", Value: 0}
	a.Register(Check{Name: "ok", Severity: SeverityIntegrity, Threshold: zero, Query: constant(0, nil)})
	a.Register(Check{Name: "lagging", Severity: SeverityWarning, Threshold: zero, Query: constant(3, nil)})
	a.Register(Check{Name: "broken", Severity: SeverityIntegrity, Threshold: zero, Query: constant(0, errors.New("boom"))})

	report := a.Run(context.Background())
	assert.True(t, report.Healthy)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "lagging", report.Violations[0].Check)
	assert.Equal(t, "== 0", report.Violations[0].Expected)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "broken", report.Errors[0].Check)
	assert.Len(t, report.Results, 2)

	a.Register(Check{Name: "corrupt", Severity: SeverityIntegrity, Threshold: zero, Query: constant(2, nil)})
	report = a.Run(context.Background())
	assert.False(t, report.Healthy)
	assert.Same(t, report, a.Last())
}

func TestHandler(t *testing.T) {
	a := newBareAuditor()
	a.Register(Check{Name: "corrupt", Severity: SeverityIntegrity, Threshold: Threshold{Operator: "==", Value: 0}, Query: constant(1, nil)})
	r := chi.NewRouter()
	NewHandler(a).Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/audit", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"check":"corrupt"`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/audit", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestLedgerChecks_DetectAvailabilityMismatch(t *testing.T) {
	db := dbtest.Open(t)
	ctx := context.Background()
	books := catalog.NewService(eventstore.NewEventStore(db.DB), db, zap.NewNop())
	book, err := books.AddBook(ctx, catalog.AddBookRequest{ISBN: "9786020000003", Title: "Ronggeng Dukuh Paruk", Author: "Ahmad Tohari", TotalCopies: 2})
	require.NoError(t, err)

	a := NewAuditor(db, zap.NewNop())
	report := a.Run(ctx)
	require.Empty(t, report.Errors)
	assert.True(t, report.Healthy)

	require.NoError(t, catalog.SetAvailable(ctx, db, book.Copies[0].ID, false))

	report = a.Run(ctx)
	assert.False(t, report.Healthy)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, "availability_mismatch", report.Violations[0].Check)
	assert.Equal(t, float64(1), report.Violations[0].Actual)
}
