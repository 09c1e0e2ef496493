package cmd

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgmdw "github.com/kellyson520/tg-forwarder/internal/server/middleware"
)

const report = `{"queue":{"lanes":{"fast":2},"total":2,"pending":2,"capacity":1000,"congested":[{"chat_id":-100200,"pending":2,"penalty":0.5}]},` +
	`"tasks":{"pending":4,"processing":1,"completed":9,"failed":1,"error_rate":0.1},"flood_waits":{"-100300":"2026-10-15T10:00:00Z"},"events":{}}`

func newStatusServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/queue_status" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get(pkgmdw.XAdminToken) != "tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"success":false,"error_message":"invalid admin token"}`))
			return
		}
		_, _ = w.Write([]byte(report))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchQueueStatus(t *testing.T) {
	t.Parallel()
	srv := newStatusServer(t)

	tests := []struct {
		name    string
		opts    queueStatusOptions
		want    string
		wantErr string
	}{
		{
			name: "brief",
			opts: queueStatusOptions{addr: srv.URL + "/", token: "tok", brief: true},
			want: "queue 2/1000  tasks pending=4 processing=1 failed=1  flood_waits=1  congested=1\n",
		},
		{
			name:    "bad token",
			opts:    queueStatusOptions{addr: srv.URL, token: "nope"},
			wantErr: "invalid admin token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tt.opts.timeout = 5 * time.Second
			out, err := fetchQueueStatus(&tt.opts)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(out))
		})
	}
}

func TestFetchQueueStatusFullReport(t *testing.T) {
	t.Parallel()
	srv := newStatusServer(t)

	out, err := fetchQueueStatus(&queueStatusOptions{addr: srv.URL, token: "tok", timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.JSONEq(t, report, string(out))
	assert.Contains(t, string(out), "\n  \"queue\": {")
}
