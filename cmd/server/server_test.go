package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"librarydesk/config"
	"librarydesk/internal/catalog"
	"librarydesk/internal/circulation"
	"librarydesk/internal/clients"
	"librarydesk/internal/membership"
	"librarydesk/internal/notification"
	"librarydesk/internal/platform/database/dbtest"
	"librarydesk/internal/scheduler"
)

type testServer struct {
	url   string
	queue *notification.MemoryQueue
}

func setupServer(t *testing.T) *testServer {
	db := dbtest.Open(t)

	cfg, err := config.Load("")
	require.NoError(t, err)

	queue := notification.NewMemoryQueue(64)
	a, err := newApp(cfg, db, queue, notification.NewLogMailer(zap.NewNop()), zap.NewNop())
	require.NoError(t, err)

	srv := httptest.NewServer(a.router)
	t.Cleanup(srv.Close)
	return &testServer{url: srv.URL, queue: queue}
}

func (ts *testServer) post(t *testing.T, path string, payload, out interface{}) int {
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(ts.url+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (ts *testServer) book(t *testing.T, id fmt.Stringer) catalog.Book {
	resp, err := http.Get(ts.url + "/books/" + id.String())
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var book catalog.Book
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&book))
	return book
}

func TestBorrowReturnFlow(t *testing.T) {
	ts := setupServer(t)
	ctx := context.Background()

	var member membership.Member
	status := ts.post(t, "/members", membership.RegisterRequest{
		NIS: "1001", Name: "Budi Santoso", MemberType: membership.MemberTypeStudent, Email: "budi@sekolah.sch.id",
	}, &member)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "MBR1001", member.Code)

	var book catalog.Book
	status = ts.post(t, "/books", catalog.AddBookRequest{
		ISBN: "9789793062792", Title: "Laskar Pelangi", Author: "Andrea Hirata", TotalCopies: 5,
	}, &book)
	require.Equal(t, http.StatusCreated, status)
	require.Len(t, book.Copies, 5)
	copyCode := book.Copies[0].Code

	loans := clients.NewCirculationClient(ts.url)
	res, err := loans.Borrow(ctx, member.Code, copyCode)
	require.NoError(t, err)
	assert.True(t, res.NotificationQueued)
	assert.Equal(t, circulation.StatusBorrowed, res.Loan.Status)
	assert.Equal(t, 4, ts.book(t, book.ID).AvailableCopies())
	assert.Equal(t, 1, ts.queue.Len())

	_, err = loans.Borrow(ctx, member.Code, copyCode)
	var scanErr *clients.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, circulation.KindBusinessRule, scanErr.Kind)

	res, err = loans.Return(ctx, copyCode)
	require.NoError(t, err)
	assert.Equal(t, `"Laskar Pelangi" returned. No fine due.`, res.Message)
	assert.Equal(t, circulation.StatusReturned, res.Loan.Status)
	assert.Equal(t, 5, ts.book(t, book.ID).AvailableCopies())

	_, err = loans.Return(ctx, copyCode)
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, circulation.KindBusinessRule, scanErr.Kind)
}

func TestConcurrentBorrowPreventsDoubleLending(t *testing.T) {
	ts := setupServer(t)

	var book catalog.Book
	require.Equal(t, http.StatusCreated, ts.post(t, "/books", catalog.AddBookRequest{
		ISBN: "9789792248616", Title: "Bumi Manusia", Author: "Pramoedya Ananta Toer", TotalCopies: 1,
	}, &book))

	var members []membership.Member
	for i := 0; i < 10; i++ {
		var m membership.Member
		require.Equal(t, http.StatusCreated, ts.post(t, "/members", membership.RegisterRequest{
			NIS: fmt.Sprintf("20%02d", i), Name: fmt.Sprintf("Member %d", i), MemberType: membership.MemberTypeStudent,
		}, &m))
		members = append(members, m)
	}

	loans := clients.NewCirculationClient(ts.url)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, m := range members {
		wg.Add(1)
		go func(code string) {
			defer wg.Done()
			if _, err := loans.Borrow(context.Background(), code, book.Copies[0].Code); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(m.Code)
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "only one concurrent borrow should succeed")
	assert.Equal(t, 0, ts.book(t, book.ID).AvailableCopies())
}

func TestJobsEndpoint(t *testing.T) {
	ts := setupServer(t)

	var run scheduler.RunResponse
	require.Equal(t, http.StatusOK, ts.post(t, "/jobs/overdue_sweep", nil, &run))
	assert.Equal(t, "overdue_sweep", run.Job)
	assert.Empty(t, run.Error)

	assert.Equal(t, http.StatusNotFound, ts.post(t, "/jobs/reindex", nil, nil))

	resp, err := http.Get(ts.url + "/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	var jobs []scheduler.JobInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"due_reminders", "integrity_audit", "overdue_notices", "overdue_sweep"}, names)
}
