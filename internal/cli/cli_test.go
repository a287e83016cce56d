package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/readsync/internal/ir"
	"github.com/roach88/readsync/internal/store"
)

// testEnv is a config file and database in a temp dir.
type testEnv struct {
	dir    string
	config string
	db     string
}

func newTestEnv(t *testing.T, extra map[string]string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:    dir,
		config: filepath.Join(dir, "readsync.yaml"),
		db:     filepath.Join(dir, "data", "readsync.db"),
	}
	env.writeConfig(t, extra)
	return env
}

func (e *testEnv) writeConfig(t *testing.T, extra map[string]string) {
	t.Helper()
	lines := []string{
		fmt.Sprintf("database: %s", e.db),
		"owner: reader-1",
	}
	for k, v := range extra {
		lines = append(lines, fmt.Sprintf("%s: %s", k, v))
	}
	require.NoError(t, os.WriteFile(e.config, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

// run executes the CLI with --config prepended.
func (e *testEnv) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Execute(append([]string{"--config", e.config}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (e *testEnv) seed(t *testing.T, fn func(s *store.Store)) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(e.db), 0o755))
	s, err := store.Open(e.db)
	require.NoError(t, err)
	fn(s)
	require.NoError(t, s.Close())
}

func favorite(id, owner string, at time.Time) ir.QueueItem {
	payload, _ := json.Marshal(map[string]string{
		"owner":   owner,
		"kind":    "verse",
		"item_id": "2:255",
	})
	return ir.QueueItem{
		ID:            id,
		Owner:         owner,
		OperationType: ir.OpAddFavorite,
		Payload:       payload,
		CreatedAt:     at,
	}
}

func decodeData(t *testing.T, out string, data any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, data))
}

func TestQueueList(t *testing.T) {
	env := newTestEnv(t, nil)
	now := time.Now().UTC()
	env.seed(t, func(s *store.Store) {
		ctx := context.Background()
		require.NoError(t, s.Enqueue(ctx, favorite("q-1", "reader-1", now)))
		require.NoError(t, s.Enqueue(ctx, favorite("q-9", "someone-else", now)))
		require.NoError(t, s.Enqueue(ctx, favorite("q-2", "reader-1", now.Add(time.Second))))
	})

	code, out, _ := env.run("--format", "json", "queue", "list")
	require.Equal(t, ExitSuccess, code, out)

	var items []ir.QueueItem
	decodeData(t, out, &items)
	require.Len(t, items, 2)
	assert.Equal(t, "q-1", items[0].ID)
	assert.Equal(t, "q-2", items[1].ID)

	code, out, _ = env.run("queue", "list")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "OPERATION")
	assert.Contains(t, out, "add_favorite")
}

func TestQueueList_Empty(t *testing.T) {
	env := newTestEnv(t, nil)

	code, out, _ := env.run("queue", "list")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "Queue is empty.\n", out)

	code, out, _ = env.run("--format", "json", "queue", "dead")
	require.Equal(t, ExitSuccess, code)
	var dead []ir.DeadLetter
	decodeData(t, out, &dead)
	assert.Empty(t, dead)
	assert.Contains(t, out, `"data": []`)
}

func TestQueueDrain(t *testing.T) {
	var hits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, "{}")
	}))
	defer api.Close()

	env := newTestEnv(t, map[string]string{"api.base_url": api.URL, "api.retry_max": "0"})
	env.seed(t, func(s *store.Store) {
		require.NoError(t, s.Enqueue(context.Background(), favorite("q-1", "reader-1", time.Now().UTC())))
	})

	code, out, stderr := env.run("--format", "json", "queue", "drain")
	require.Equal(t, ExitSuccess, code, stderr)

	var report struct {
		Replayed  int `json:"replayed"`
		Remaining int `json:"remaining"`
	}
	decodeData(t, out, &report)
	assert.Equal(t, 1, report.Replayed)
	assert.Zero(t, report.Remaining)
	assert.Equal(t, int32(1), hits.Load())

	code, out, _ = env.run("queue", "list")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "Queue is empty.\n", out)
}

func TestQueueDrain_FailureExitsOne(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer api.Close()

	env := newTestEnv(t, map[string]string{"api.base_url": api.URL, "api.retry_max": "0"})
	env.seed(t, func(s *store.Store) {
		require.NoError(t, s.Enqueue(context.Background(), favorite("q-1", "reader-1", time.Now().UTC())))
	})

	code, _, stderr := env.run("queue", "drain")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, stderr, "failed to replay")
}

func TestQueueDrain_RequiresBaseURL(t *testing.T) {
	env := newTestEnv(t, nil)

	code, _, stderr := env.run("queue", "drain")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "api.base_url must be set")
}

func TestTrackingPending(t *testing.T) {
	env := newTestEnv(t, nil)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.seed(t, func(s *store.Store) {
		ctx := context.Background()
		require.NoError(t, s.SavePending(ctx, ir.NewPendingTrackingRecord("reader-1", "s-1", []string{"10", "9"}, at)))
		require.NoError(t, s.SavePending(ctx, ir.NewPendingTrackingRecord("reader-2", "s-2", []string{"1"}, at)))
	})

	code, out, _ := env.run("tracking", "pending")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "s-1")
	assert.Contains(t, out, "9,10")
	assert.NotContains(t, out, "s-2")

	code, out, _ = env.run("--format", "json", "tracking", "pending", "--all")
	require.Equal(t, ExitSuccess, code)
	var recs []ir.PendingTrackingRecord
	decodeData(t, out, &recs)
	assert.Len(t, recs, 2)
}

// appServer serves a shell page that references one script.
func appServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<html><head><script src="/app.js"></script></head><body></body></html>`)
	})
	mux.HandleFunc("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		io.WriteString(w, "console.log('app')")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPrecacheThenStats(t *testing.T) {
	app := appServer(t)
	env := newTestEnv(t, map[string]string{"app_origin": app.URL})

	code, out, stderr := env.run("--format", "json", "precache")
	require.Equal(t, ExitSuccess, code, stderr)

	var report struct {
		Shell  string `json:"shell"`
		Assets []struct {
			URL    string `json:"url"`
			Bucket string `json:"bucket"`
			Result string `json:"result"`
			Error  string `json:"error"`
		} `json:"assets"`
	}
	decodeData(t, out, &report)
	assert.Equal(t, app.URL+"/", report.Shell)
	require.Len(t, report.Assets, 1)
	assert.Equal(t, app.URL+"/app.js", report.Assets[0].URL)
	assert.Equal(t, "precache", report.Assets[0].Bucket)
	assert.Equal(t, "stored", report.Assets[0].Result)
	assert.Empty(t, report.Assets[0].Error)

	code, out, _ = env.run("--format", "json", "cache", "stats")
	require.Equal(t, ExitSuccess, code)
	var stats []store.CacheStat
	decodeData(t, out, &stats)
	buckets := map[string]int{}
	for _, s := range stats {
		buckets[s.Bucket] = s.Entries
	}
	assert.Equal(t, map[string]int{"app-shell": 1, "precache": 1}, buckets)

	code, out, _ = env.run("cache", "clear", "precache")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "Deleted 1 entries from precache.\n", out)
}

func TestCacheStats_Empty(t *testing.T) {
	env := newTestEnv(t, nil)

	code, out, _ := env.run("cache", "stats")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "Cache is empty.\n", out)
}

func TestCachePurge_RequiresOrigin(t *testing.T) {
	env := newTestEnv(t, nil)

	code, _, stderr := env.run("cache", "purge")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "app_origin must be set")
}

func TestPrefetch_DisabledUnlessInstalled(t *testing.T) {
	env := newTestEnv(t, map[string]string{"app_origin": "https://app.example"})

	code, out, _ := env.run("--format", "json", "prefetch", "surah", "2")
	require.Equal(t, ExitSuccess, code)
	var data map[string]bool
	decodeData(t, out, &data)
	assert.Equal(t, map[string]bool{"enabled": false}, data)
}

func TestPrefetch_UnknownCollection(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"app_origin": "https://app.example",
		"installed":  "true",
	})

	code, _, stderr := env.run("prefetch", "tafsir", "2")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "unknown prefetch collection")
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{name: "ranged", args: []string{"surah", "2"}, want: "surah unit=2"},
		{name: "paginated", args: []string{"hadith", "bukhari", "14"}, want: "hadith bukhari page=14"},
		{name: "bad unit", args: []string{"surah", "two"}, wantErr: "unit must be a number"},
		{name: "bad page", args: []string{"hadith", "bukhari", "x"}, wantErr: "page must be a number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseTarget(tt.args)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			var s string
			if got.Group != "" {
				s = fmt.Sprintf("%s %s page=%d", got.Collection, got.Group, got.Page)
			} else {
				s = fmt.Sprintf("%s unit=%d", got.Collection, got.Unit)
			}
			assert.Equal(t, tt.want, s)
		})
	}
}

func TestServe_RequiresOriginAndAPI(t *testing.T) {
	env := newTestEnv(t, nil)

	code, _, stderr := env.run("serve")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr, "app_origin must be set")
}

func TestConfig_MissingExplicitFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "queue", "list"}, &stdout, &stderr)
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "failed to load config")
}

func TestCachePurge_NewRulesAreStaged(t *testing.T) {
	env := newTestEnv(t, map[string]string{"app_origin": "https://app.example"})

	code, _, stderr := env.run("cache", "purge")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.NotContains(t, stderr, "waiting for skip-waiting")

	rules := filepath.Join(env.dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rules, []byte(`version: 2
rules:
  - name: everything-live
    strategy: network_only
    match:
      - hosts: [api.quran.com]
`), 0o644))
	env.writeConfig(t, map[string]string{"app_origin": "https://app.example", "rules_file": rules})

	code, _, stderr = env.run("cache", "purge")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, stderr, "new cache rules waiting for skip-waiting")
	assert.Contains(t, stderr, "active=1")
	assert.Contains(t, stderr, "configured=2")
}
