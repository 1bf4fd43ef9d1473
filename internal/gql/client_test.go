package gql

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorren/twitch-drops-harvester/internal/backoff"
	"github.com/sorren/twitch-drops-harvester/internal/constants"
	"github.com/sorren/twitch-drops-harvester/internal/logger"
)

type staticHeaders map[string]string

func (h staticHeaders) Headers() map[string]string { return h }

func testClient(t *testing.T) *Client {
	t.Helper()
	log, err := logger.Setup(logger.Config{Colored: false})
	require.NoError(t, err)

	limiters := backoff.NewLimiters(1000, 1000, 1000, 1000)
	return NewClient(nil, staticHeaders{"Client-Id": "test"}, limiters, log)
}

func TestPostRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	c := testClient(t)
	c.policy = backoff.New(time.Millisecond, 10*time.Millisecond)

	body, status, err := c.Post(context.Background(), srv.URL, []byte("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGetDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := testClient(t)

	_, status, err := c.Get(context.Background(), srv.URL, nil)
	assert.Equal(t, http.StatusForbidden, status)

	var invalid *RequestInvalidError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, http.StatusForbidden, invalid.Status)
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestTooManyRequestsHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := testClient(t)
	c.policy = backoff.New(time.Millisecond, 2*time.Millisecond)

	start := time.Now()
	_, status, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "Retry-After outranks the backoff delay")
}

func TestRetriesAreBounded(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(t)
	c.policy = backoff.New(time.Millisecond, 2*time.Millisecond)

	_, _, err := c.Get(context.Background(), srv.URL, nil)
	assert.Error(t, err)
	assert.Equal(t, int32(constants.DefaultMaxRetries+1), calls.Load())
}

func TestBatchResultsMatchedByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []gqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&reqs))
		require.Len(t, reqs, 2)

		resp := make([]gqlResponse, len(reqs))
		for i, req := range reqs {
			data, _ := json.Marshal(map[string]string{"op": req.OperationName})
			resp[i] = gqlResponse{Data: data}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := testClient(t)
	c.gqlURL = srv.URL

	ops := []constants.GQLOperation{
		{OperationName: "First", SHA256Hash: "aa"},
		{OperationName: "Second", SHA256Hash: "bb"},
	}
	results, err := c.PostGQLBatch(context.Background(), ops, []map[string]any{nil, nil})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.JSONEq(t, `{"op":"First"}`, string(results[0]))
	assert.JSONEq(t, `{"op":"Second"}`, string(results[1]))
}

func TestBatchSizeLimit(t *testing.T) {
	c := testClient(t)

	ops := make([]constants.GQLOperation, constants.MaxGQLBatch+1)
	vars := make([]map[string]any, len(ops))
	_, err := c.PostGQLBatch(context.Background(), ops, vars)
	assert.Error(t, err)
}

func TestGQLServiceErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			fmt.Fprint(w, `{"errors":[{"message":"service error"}]}`)
			return
		}
		fmt.Fprint(w, `{"data":{"ok":true}}`)
	}))
	defer srv.Close()

	c := testClient(t)
	c.policy = backoff.New(time.Millisecond, 2*time.Millisecond)
	c.gqlURL = srv.URL

	data, err := c.PostGQL(context.Background(), constants.GQLOperation{OperationName: "Op", SHA256Hash: "cc"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(data))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGQLNonServiceErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"errors":[{"message":"PersistedQueryNotFound"}]}`)
	}))
	defer srv.Close()

	c := testClient(t)
	c.gqlURL = srv.URL

	_, err := c.PostGQL(context.Background(), constants.GQLOperation{OperationName: "Op", SHA256Hash: "dd"}, nil)

	var gerr *GQLError
	require.ErrorAs(t, err, &gerr)
	assert.False(t, gerr.ServiceError())
}

func TestRetryableClassification(t *testing.T) {
	assert.True(t, retryable(&RequestError{Op: "x", Status: 500}))
	assert.True(t, retryable(&GQLError{Op: "x", Message: "service error"}))
	assert.False(t, retryable(&GQLError{Op: "x", Message: "not found"}))
	assert.False(t, retryable(&RequestInvalidError{Op: "x", Status: 404}))
	assert.False(t, retryable(fmt.Errorf("plain")))
}
