package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticTokens string

func (s staticTokens) AccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

const clientTimeFormat = "2006-01-02T15:04:05.000000Z"

func TestQuery_RequestShape(t *testing.T) {
	var captured struct {
		query   url.Values
		headers http.Header
		body    []queryBody
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.query = r.URL.Query()
		captured.headers = r.Header.Clone()
		payload, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(payload, &captured.body))

		fmt.Fprint(w, `[["2010-01-01T00:00:00.000000Z","{\"v\":1}","{}"]]`)
	}))
	defer server.Close()

	api := New(server.URL, server.URL, "user-42", clientTimeFormat, staticTokens("tok"), time.Second)
	rows, err := api.Query(context.Background(), QueryOptions{
		Measurement: "dev-a",
		Sort:        SortAsc,
		Limit:       100,
		Window:      &TimeRange{Start: "2009-12-31T23:59:59.999999Z", End: "2011-01-01T00:00:00.000001Z"},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "2010-01-01T00:00:00.000000Z", rows[0][0])

	require.Equal(t, "table", captured.query.Get("format"))
	require.Equal(t, "asc", captured.query.Get("order_direction"))
	require.Equal(t, "0", captured.query.Get("order_column_index"))
	require.Equal(t, clientTimeFormat, captured.query.Get("time_format"))
	require.Equal(t, "Bearer tok", captured.headers.Get("Authorization"))
	require.Equal(t, "user-42", captured.headers.Get("X-UserId"))

	require.Len(t, captured.body, 1)
	require.Equal(t, "dev-a", captured.body[0].Measurement)
	require.Equal(t, []queryColumn{{Name: "data"}, {Name: "default_values"}}, captured.body[0].Columns)
	require.Equal(t, 100, captured.body[0].Limit)
	require.Equal(t, &TimeRange{
		Start: "2009-12-31T23:59:59.999999Z",
		End:   "2011-01-01T00:00:00.000001Z",
	}, captured.body[0].Time)
}

func TestQuery_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	api := New(server.URL, server.URL, "user-42", clientTimeFormat, staticTokens("tok"), time.Second)
	_, err := api.Query(context.Background(), QueryOptions{Measurement: "dev-a", Sort: SortAsc})

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	require.Contains(t, err.Error(), "502")
}

func TestQuery_RejectsShortRows(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[["2010-01-01T00:00:00.000000Z","{}"]]`)
	}))
	defer server.Close()

	api := New(server.URL, server.URL, "user-42", clientTimeFormat, staticTokens("tok"), time.Second)
	_, err := api.Query(context.Background(), QueryOptions{Measurement: "dev-a", Sort: SortAsc})
	require.Error(t, err)
	require.Contains(t, err.Error(), "columns")
}

func TestMeasurements_FiltersAndSorts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"instances":[
			{"Description":"plant-7","Measurement":"dev-b"},
			{"Description":"plant-9","Measurement":"other"},
			{"Description":"plant-7","Measurement":"dev-a"},
			{"Description":"plant-7","Measurement":"dev-b"}
		]}`)
	}))
	defer server.Close()

	api := New(server.URL, server.URL, "user-42", clientTimeFormat, staticTokens("tok"), time.Second)
	names, err := api.Measurements(context.Background(), "plant-7")
	require.NoError(t, err)
	require.Equal(t, []string{"dev-a", "dev-b"}, names)

	names, err = api.Measurements(context.Background(), "plant-0")
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestAuthClient_CachesToken(t *testing.T) {
	var fetches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		require.Equal(t, "id-1", r.PostForm.Get("client_id"))
		require.Equal(t, "secret-1", r.PostForm.Get("client_secret"))
		fmt.Fprint(w, `{"access_token":"tok-1","expires_in":3600}`)
	}))
	defer server.Close()

	auth := NewAuthClient(server.URL, "id-1", "secret-1", 10*time.Second, time.Second)

	for i := 0; i < 3; i++ {
		token, err := auth.AccessToken(context.Background())
		require.NoError(t, err)
		require.Equal(t, "tok-1", token)
	}
	require.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestAuthClient_RefreshesExpiredToken(t *testing.T) {
	var fetches int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&fetches, 1)
		// expires_in below the refresh margin, so the token is already stale.
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":1}`, n)
	}))
	defer server.Close()

	auth := NewAuthClient(server.URL, "id-1", "secret-1", 10*time.Second, time.Second)

	token, err := auth.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-1", token)

	token, err = auth.AccessToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, "tok-2", token)
}

func TestAuthClient_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	auth := NewAuthClient(server.URL, "id-1", "secret-1", 10*time.Second, time.Second)
	_, err := auth.AccessToken(context.Background())

	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	require.Equal(t, http.StatusUnauthorized, upstream.StatusCode)
}
