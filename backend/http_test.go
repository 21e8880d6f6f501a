package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rpc/get_listings_with_distance", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var q ListingsQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, 2, q.PageNum)

		dist := 1.2
		json.NewEncoder(w).Encode([]Item{{ID: "l1", Title: "bike", CreatedAt: created, DistanceKM: &dist}})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, "tok", nil)
	items, err := c.ListingsWithDistance(context.Background(), ListingsQuery{PageNum: 2, PageSize: 10})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "l1", items[0].ID)
	assert.Equal(t, 1.2, *items[0].DistanceKM)
}

func TestFallbackQueryShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/listings", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "created_at.desc", q.Get("order"))
		assert.Equal(t, "eq.tools", q.Get("category"))
		assert.Equal(t, "20", q.Get("limit"))
		assert.Equal(t, "40", q.Get("offset"))
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, "", nil)
	items, err := c.ListingsFallback(context.Background(), FallbackQuery{Category: "tools", Limit: 20, Offset: 40})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRetriesTransientStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("[]"))
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, "", nil)
	_, err := c.RequestsFallback(context.Background(), FallbackQuery{Limit: 10})
	assert.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetriesExhaustedReportsLastStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"message":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, "", nil)
	_, err := c.RequestsFallback(context.Background(), FallbackQuery{Limit: 10})
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, http.StatusServiceUnavailable, berr.Status, "the terminal error carries the last response status")
	assert.Contains(t, berr.Body, "overloaded")
	assert.Contains(t, berr.Err.Error(), "retries exhausted")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestPermanentErrorIsTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"bad filter"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, "", nil)
	_, err := c.MarketplaceItemsWithDistance(context.Background(), MarketplaceQuery{})
	require.Error(t, err)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, http.StatusBadRequest, berr.Status)
	assert.Contains(t, berr.Body, "bad filter")
}

func TestCreateChatFromPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rpc/create_chat_from_ping", r.URL.Path)
		var params map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "p1", params["ping_id"])
		json.NewEncoder(w).Encode(map[string]string{"chat_id": "c9"})
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, "", nil)
	chatID, err := c.CreateChatFromPing(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "c9", chatID)
}
