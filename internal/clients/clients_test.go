package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarydesk/internal/circulation"
	"librarydesk/internal/membership"
)

func newServer(t *testing.T) *httptest.Server {
	r := chi.NewRouter()
	r.Post("/borrow", func(w http.ResponseWriter, r *http.Request) {
		var req circulation.BorrowRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		w.Header().Set("Content-Type", "application/json")
		if req.MemberCode == "MBR404" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(circulation.ScanResponse{Message: "member not found or inactive", Kind: circulation.KindLookup})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(circulation.ScanResponse{Message: "Budi borrowed \"Laskar Pelangi\"", NotificationQueued: true})
	})
	r.Post("/return", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "failed to load loans", http.StatusInternalServerError)
	})
	r.Post("/sweep", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"transitioned": 4})
	})
	r.Get("/members/{code}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "code") != "MBR1001" {
			http.Error(w, "member not found or inactive", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(membership.Member{Code: "MBR1001", Name: "Budi"})
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestCirculationClient(t *testing.T) {
	srv := newServer(t)
	c := NewCirculationClient(srv.URL + "/")
	ctx := context.Background()

	res, err := c.Borrow(ctx, "MBR1001", "BK9789793062792001")
	require.NoError(t, err)
	assert.True(t, res.NotificationQueued)
	assert.Contains(t, res.Message, "Budi borrowed")

	_, err = c.Borrow(ctx, "MBR404", "BK9789793062792001")
	var scanErr *ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, http.StatusNotFound, scanErr.StatusCode)
	assert.Equal(t, circulation.KindLookup, scanErr.Kind)
	assert.Equal(t, "lookup rejection: member not found or inactive", err.Error())

	_, err = c.Return(ctx, "BK9789793062792001")
	require.ErrorAs(t, err, &scanErr)
	assert.Empty(t, scanErr.Kind)
	assert.Equal(t, "failed to load loans", scanErr.Message)

	n, err := c.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestMembershipClient(t *testing.T) {
	srv := newServer(t)
	c := NewMembershipClient(srv.URL)

	m, err := c.GetMember(context.Background(), "MBR1001")
	require.NoError(t, err)
	assert.Equal(t, "Budi", m.Name)

	_, err = c.GetMember(context.Background(), "MBR9999")
	assert.ErrorIs(t, err, ErrMemberNotFound)
}
