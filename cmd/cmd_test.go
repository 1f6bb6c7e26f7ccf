package cmd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/rubiojr/pulse/pkg/config"
	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/feed"
	"github.com/rubiojr/pulse/pkg/log"
	"github.com/rubiojr/pulse/pkg/realtime"
	"github.com/rubiojr/pulse/pkg/server"
	"github.com/rubiojr/pulse/pkg/storage"
	"github.com/rubiojr/pulse/pkg/version"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	for _, name := range []string{realtime.EnvURL, realtime.EnvAPIKey, config.EnvUserID, config.EnvUsername, config.EnvLogLevel} {
		t.Setenv(name, "")
		require.NoError(t, os.Unsetenv(name))
	}
	return dir
}

func runCLI(t *testing.T, configPath string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := &cli.Command{
		Name:   "pulse",
		Writer: &out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Value: configPath},
		},
		Commands: []*cli.Command{
			InitCommand(),
			FeedCommand(),
			BroadcastCommand(),
			NotifyCommand(),
			NotificationsCommand(),
			StatsCommand(),
			MigrateCommand(),
			VersionCommand(),
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.Run(ctx, append([]string{"pulse"}, args...))
	return out.String(), err
}

func lines(s string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			out = append(out, l)
		}
	}
	return out
}

type devEnv struct {
	dir        string
	configPath string
	store      *storage.Store
}

// newDevEnv starts an archiving dev server and writes a config pointing at
// it. The server archive and the CLI share the same database file.
func newDevEnv(t *testing.T) *devEnv {
	t.Helper()
	dir := isolate(t)

	store, err := storage.Open(context.Background(), filepath.Join(dir, "pulse.db"))
	require.NoError(t, err)
	srv := server.New(server.Config{APIKeys: []string{"dev"}, Archive: store})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		store.Close()
	})

	configPath := filepath.Join(dir, "config.toml")
	toml := fmt.Sprintf(`storage_dir = %q

[realtime]
url = %q
api_key = "dev"
timeout = "2s"

[identity]
user_id = "u1"
username = "ada"
`, dir, ts.URL)
	require.NoError(t, os.WriteFile(configPath, []byte(toml), 0600))
	return &devEnv{dir: dir, configPath: configPath, store: store}
}

func TestInitConfig(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "config", "pulse", "config.toml")

	require.NoError(t, initConfig(path, false))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "dev", cfg.Realtime.APIKey)

	err = initConfig(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, initConfig(path, true))
}

func parseBroadcastFlags(t *testing.T, args ...string) (core.ActivityEvent, error) {
	t.Helper()
	var (
		got      core.ActivityEvent
		parseErr error
	)
	c := BroadcastCommand()
	c.Action = func(ctx context.Context, c *cli.Command) error {
		got, parseErr = activityFromFlags(c)
		return nil
	}
	require.NoError(t, c.Run(context.Background(), append([]string{"broadcast"}, args...)))
	return got, parseErr
}

func TestActivityFromFlags(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want core.Metadata
	}{
		{
			name: "rating",
			args: []string{"--type", "rating_added", "--target-id", "ext-1", "--target-type", "extension", "--rating", "4.5"},
			want: core.RatingAdded{Rating: 4.5},
		},
		{
			name: "download",
			args: []string{"--type", "download", "--count", "3", "--version", "1.2.0"},
			want: core.Download{Count: 3, Version: "1.2.0"},
		},
		{
			name: "raw metadata wins",
			args: []string{"--type", "milestone_reached", "--milestone", "ignored", "--metadata", `{"milestone":"1k downloads","value":1000}`},
			want: core.MilestoneReached{Milestone: "1k downloads", Value: 1000},
		},
		{
			name: "no metadata",
			args: []string{"--type", "extension_added"},
			want: core.ExtensionAdded{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := parseBroadcastFlags(t, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.Metadata)
			assert.Equal(t, tt.want.EventType(), e.Type)
		})
	}
}

func TestActivityFromFlagsErrors(t *testing.T) {
	_, err := parseBroadcastFlags(t, "--type", "starred")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown event type")

	_, err = parseBroadcastFlags(t, "--type", "rating_added", "--metadata", `{"rating":"five"}`)
	var pe *core.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "metadata", pe.Field)
}

func feedEvent(id string, at time.Time) core.ActivityEvent {
	return core.ActivityEvent{ID: id, Type: core.EventUserJoined, Timestamp: at, Username: id, Metadata: core.UserJoined{}}
}

func TestFeedPrinterPrintsOnlyNewEventsOldestFirst(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	p := newFeedPrinter(&out, true)

	a, b, c := feedEvent("a", now.Add(-2*time.Minute)), feedEvent("b", now.Add(-time.Minute)), feedEvent("c", now)

	require.NoError(t, p.print(feed.Snapshot{Events: []core.ActivityEvent{b, a}}, now))
	require.NoError(t, p.print(feed.Snapshot{Events: []core.ActivityEvent{c, b, a}}, now))
	require.NoError(t, p.print(feed.Snapshot{Events: []core.ActivityEvent{c, b, a}, Pending: 1}, now))

	var ids []string
	for _, l := range lines(out.String()) {
		e, err := core.ParseActivity([]byte(l))
		require.NoError(t, err)
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Len(t, p.seen, 3)
}

func TestFeedPrinterReportsMalformedEvents(t *testing.T) {
	var out bytes.Buffer
	p := newFeedPrinter(&out, false)

	require.NoError(t, p.print(feed.Snapshot{Errors: 2}, time.Now()))
	require.NoError(t, p.print(feed.Snapshot{Errors: 2}, time.Now()))
	assert.Equal(t, 1, strings.Count(out.String(), "2 malformed events skipped"))
}

func TestFormatTime(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		at   time.Time
		want string
	}{
		{now.Add(-20 * time.Second), "just now"},
		{now.Add(-time.Minute), "1 minute ago"},
		{now.Add(-5 * time.Minute), "5 minutes ago"},
		{now.Add(-3 * time.Hour), "3 hours ago"},
		{now.Add(-24 * time.Hour), "1 day ago"},
		{now.Add(-3 * 24 * time.Hour), "3 days ago"},
		{time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC), "Jan 2, 09:30"},
		{time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC), "Jan 2, 2024"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatTime(tt.at, now))
	}
}

func TestEventLabel(t *testing.T) {
	assert.Equal(t, "Rating Added", eventLabel(core.EventRatingAdded))
	assert.Equal(t, "Mcp Added", eventLabel(core.EventMCPAdded))
	assert.Equal(t, "Download", eventLabel(core.EventDownload))
}

func TestVersionCommand(t *testing.T) {
	configPath := filepath.Join(isolate(t), "config.toml")
	out, err := runCLI(t, configPath, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version.Version)
	assert.Contains(t, out, "vsn="+version.Protocol)

	out, err = runCLI(t, configPath, "version", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"version":%q,"protocol":%q}`, version.Version, version.Protocol), out)
}

func TestMigrateCommand(t *testing.T) {
	dir := isolate(t)
	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf("storage_dir = %q\n", dir)), 0600))

	out, err := runCLI(t, configPath, "migrate", "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "0 applied, 3 pending")

	out, err = runCLI(t, configPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "Applied 3 migrations")

	out, err = runCLI(t, configPath, "migrate", "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "3 applied, 0 pending")
}

func TestBroadcastIsArchivedAndSearchable(t *testing.T) {
	env := newDevEnv(t)
	ctx := context.Background()

	out, err := runCLI(t, env.configPath, "broadcast", "--json",
		"--type", "rating_added", "--target-id", "ext-1", "--target-name", "Weather",
		"--target-type", "extension", "--rating", "4")
	require.NoError(t, err)
	sent, err := core.ParseActivity([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	assert.Equal(t, "ada", sent.Username, "identity from config")

	require.Eventually(t, func() bool {
		n, err := env.store.CountActivity(ctx)
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	out, err = runCLI(t, env.configPath, "feed", "--history", "10", "--json")
	require.NoError(t, err)
	require.Len(t, lines(out), 1)
	assert.Contains(t, out, sent.ID)

	out, err = runCLI(t, env.configPath, "feed", "--search", "Weather", "--type", "rating_added")
	require.NoError(t, err)
	assert.Contains(t, out, "ada rated Weather 4/5")

	out, err = runCLI(t, env.configPath, "feed", "--search", "zeppelin")
	require.NoError(t, err)
	assert.Contains(t, out, "No activity found.")

	out, err = runCLI(t, env.configPath, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "Rating Added")
}

func TestBroadcastRejectsInvalidRating(t *testing.T) {
	env := newDevEnv(t)

	_, err := runCLI(t, env.configPath, "broadcast", "--type", "rating_added", "--rating", "9")
	var pe *core.ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "metadata", pe.Field)
}

func TestNotifyCommand(t *testing.T) {
	env := newDevEnv(t)

	out, err := runCLI(t, env.configPath, "notify", "--title", "Hello", "--message", "New review", "--json", "u2")
	require.NoError(t, err)
	n, err := core.ParseNotification([]byte(strings.TrimSpace(out)))
	require.NoError(t, err)
	assert.Equal(t, "u2", n.UserID)
	assert.False(t, n.Read)

	_, err = runCLI(t, env.configPath, "notify", "u2")
	require.Error(t, err, "title and message both empty")

	_, err = runCLI(t, env.configPath, "notify")
	require.Error(t, err)
}

func TestNotificationsListAndRead(t *testing.T) {
	env := newDevEnv(t)
	ctx := context.Background()

	now := time.Now()
	for i, title := range []string{"first", "second"} {
		n := core.Notification{UserID: "u1", Title: title, Message: "m"}.Stamp(now.Add(time.Duration(i) * time.Second))
		require.NoError(t, env.store.SaveNotification(ctx, n))
	}

	out, err := runCLI(t, env.configPath, "notifications", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "2 unread")
	assert.Less(t, strings.Index(out, "second"), strings.Index(out, "first"), "newest first")

	out, err = runCLI(t, env.configPath, "notifications", "read")
	require.NoError(t, err)
	assert.Contains(t, out, "Marked 2 notifications as read")

	out, err = runCLI(t, env.configPath, "notifications", "list", "--unread", "--json")
	require.NoError(t, err)
	assert.Empty(t, lines(out))

	_, err = runCLI(t, env.configPath, "notifications", "list", "--user", "")
	require.NoError(t, err, "falls back to identity.user_id")
}

func TestReloadConfigurationRotatesAPIKeys(t *testing.T) {
	dir := isolate(t)
	srv := server.New(server.Config{APIKeys: []string{"old"}})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	status := func(key string) int {
		body := strings.NewReader(`{"messages":[{"topic":"realtime:activity-feed","event":"ping"}]}`)
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/realtime/v1/api/broadcast", body)
		require.NoError(t, err)
		req.Header.Set("apikey", key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	require.Equal(t, http.StatusAccepted, status("old"))

	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level = \"warn\"\n\n[server]\napi_keys = [\"new\"]\n"), 0600))
	require.NoError(t, reloadConfiguration(configPath, srv))
	t.Cleanup(func() { log.SetLevel(zerolog.InfoLevel) })

	assert.Equal(t, http.StatusUnauthorized, status("old"))
	assert.Equal(t, http.StatusAccepted, status("new"))

	// A broken reload leaves the previous keys in place.
	require.NoError(t, os.WriteFile(configPath, []byte("log_level = \"loud\"\n"), 0600))
	assert.Error(t, reloadConfiguration(configPath, srv))
	assert.Equal(t, http.StatusAccepted, status("new"))
}
