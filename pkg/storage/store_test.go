package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/rubiojr/pulse/pkg/core"
	"github.com/rubiojr/pulse/pkg/realtime"
	"github.com/rubiojr/pulse/pkg/server"
)

var (
	_ server.Archive        = (*Store)(nil)
	_ realtime.SessionStore = (*Store)(nil)
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func activity(id string, offset time.Duration, md core.Metadata) core.ActivityEvent {
	return core.ActivityEvent{
		ID:         id,
		Type:       md.EventType(),
		Timestamp:  base.Add(offset),
		Username:   "ada",
		TargetID:   "ext-" + id,
		TargetName: "Weather " + id,
		TargetType: core.TargetExtension,
		Metadata:   md,
	}
}

func TestActivityRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	want := activity("a1", 0, core.ReviewAdded{ReviewID: "r1", Review: "Great forecast", Rating: 4})
	require.NoError(t, s.SaveActivity(ctx, want))

	got, err := s.RecentActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, want.ID, got[0].ID)
	assert.Equal(t, want.Metadata, got[0].Metadata)
	assert.True(t, want.Timestamp.Equal(got[0].Timestamp))
}

func TestRecentActivityNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveActivity(ctx, activity(fmt.Sprintf("e%d", i), time.Duration(i)*time.Minute, core.Download{Count: i})))
	}

	got, err := s.RecentActivity(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "e4", got[0].ID)
	assert.Equal(t, "e2", got[2].ID)

	n, err := s.CountActivity(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestSaveActivityReplaces(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.SaveActivity(ctx, activity("dup", 0, core.RatingAdded{Rating: 2})))
	require.NoError(t, s.SaveActivity(ctx, activity("dup", 0, core.RatingAdded{Rating: 5})))

	got, err := s.RecentActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, core.RatingAdded{Rating: 5}, got[0].Metadata)

	hits, err := s.SearchActivity(ctx, ActivityQuery{Text: "rated"})
	require.NoError(t, err)
	assert.Len(t, hits, 1, "index entry replaced, not duplicated")
}

func TestSearchActivity(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.SaveActivity(ctx, activity("r", 0, core.ReviewAdded{Review: "lovely radar maps"})))
	require.NoError(t, s.SaveActivity(ctx, activity("d", time.Minute, core.Download{Count: 3})))
	m := activity("m", 2*time.Minute, core.MilestoneReached{Milestone: "1k downloads", Value: 1000})
	m.TargetType = core.TargetMCP
	require.NoError(t, s.SaveActivity(ctx, m))

	tests := []struct {
		name string
		q    ActivityQuery
		want []string
	}{
		{"all", ActivityQuery{}, []string{"m", "d", "r"}},
		{"text", ActivityQuery{Text: "radar"}, []string{"r"}},
		{"type", ActivityQuery{Type: core.EventDownload}, []string{"d"}},
		{"target type", ActivityQuery{TargetType: core.TargetMCP}, []string{"m"}},
		{"target id", ActivityQuery{TargetID: "ext-d"}, []string{"d"}},
		{"since", ActivityQuery{Since: base.Add(time.Minute)}, []string{"m", "d"}},
		{"until", ActivityQuery{Until: base}, []string{"r"}},
		{"limit", ActivityQuery{Limit: 1}, []string{"m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.SearchActivity(ctx, tt.q)
			require.NoError(t, err)
			ids := make([]string, len(got))
			for i, e := range got {
				ids[i] = e.ID
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestEscapeFTS5Query(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "radar", `"radar"`},
		{"hyphen", "mcp-server", `"mcp-server"`},
		{"colon", "weather:now", `"weather:now"`},
		{"quote", `"unterminated`, `"""unterminated"`},
		{"prefix", "serv*", `"serv"*`},
		{"several words", "  lovely   radar ", `"lovely" "radar"`},
		{"only wildcards", "* **", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, escapeFTS5Query(tt.input))
		})
	}
}

func TestSearchActivityFreeText(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	e := activity("x", 0, core.Download{Count: 1})
	e.TargetName = "mcp-server weather"
	require.NoError(t, s.SaveActivity(ctx, e))

	tests := []struct {
		text string
		want int
	}{
		{"mcp-server", 1},
		{"MCP-Server", 1},
		{"serv*", 1},
		{"weather:now", 0},
		{`"unterminated`, 0},
		{"(weather", 1},
		{"*", 1},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			got, err := s.SearchActivity(ctx, ActivityQuery{Text: tt.text})
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestPruneActivity(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.SaveActivity(ctx, activity("old", -48*time.Hour, core.UserJoined{})))
	require.NoError(t, s.SaveActivity(ctx, activity("new", 0, core.UserJoined{})))

	n, err := s.PruneActivity(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.RecentActivity(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	empty, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.True(t, empty.Oldest.IsZero())

	require.NoError(t, s.SaveActivity(ctx, activity("r1", -2*time.Hour, core.RatingAdded{Rating: 3})))
	require.NoError(t, s.SaveActivity(ctx, activity("r2", -time.Hour, core.RatingAdded{Rating: 4})))
	require.NoError(t, s.SaveActivity(ctx, activity("j1", 0, core.UserJoined{})))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, map[core.EventType]int{core.EventRatingAdded: 2, core.EventUserJoined: 1}, stats.ByType)
	assert.True(t, stats.Oldest.Equal(base.Add(-2*time.Hour)))
	assert.True(t, stats.Newest.Equal(base))
}

func notification(id, user string, offset time.Duration) core.Notification {
	return core.Notification{
		ID:        id,
		UserID:    user,
		Type:      core.NotificationInfo,
		Title:     "Title " + id,
		Message:   "Message " + id,
		CreatedAt: base.Add(offset),
	}
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, s.SaveNotification(ctx, notification("n1", "u1", 0)))
	require.NoError(t, s.SaveNotification(ctx, notification("n2", "u1", time.Minute)))
	require.NoError(t, s.SaveNotification(ctx, notification("n3", "u1", 2*time.Minute)))
	require.NoError(t, s.SaveNotification(ctx, notification("x1", "u2", 0)))

	all, err := s.Notifications(ctx, "u1", false, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "n3", all[0].ID)
	assert.False(t, all[0].Read)

	changed, err := s.MarkRead(ctx, "u1", "n1", "n2", "x1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), changed, "other users' notifications are untouched")

	unread, err := s.Notifications(ctx, "u1", true, 10)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "n3", unread[0].ID)

	// A replayed notification keeps its read flag.
	require.NoError(t, s.SaveNotification(ctx, notification("n1", "u1", 0)))
	count, err := s.UnreadCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	changed, err = s.MarkRead(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), changed)

	all, err = s.Notifications(ctx, "u1", false, 10)
	require.NoError(t, err)
	for _, n := range all {
		assert.True(t, n.Read, n.ID)
	}

	count, err = s.UnreadCount(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSessionToken(t *testing.T) {
	s := openStore(t)

	tok, err := s.LoadToken()
	require.NoError(t, err)
	assert.Nil(t, tok)

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.SaveToken(&oauth2.Token{AccessToken: "a", TokenType: "Bearer", RefreshToken: "r", Expiry: expiry}))
	require.NoError(t, s.SaveToken(&oauth2.Token{AccessToken: "b", RefreshToken: "r2", Expiry: expiry}))

	tok, err = s.LoadToken()
	require.NoError(t, err)
	require.NotNil(t, tok)
	assert.Equal(t, "b", tok.AccessToken)
	assert.Equal(t, "r2", tok.RefreshToken)
	assert.True(t, expiry.Equal(tok.Expiry))

	require.NoError(t, s.SaveToken(nil))
	tok, err = s.LoadToken()
	require.NoError(t, err)
	assert.Nil(t, tok)
}

func TestOpenPersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "pulse.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SaveActivity(ctx, activity("keep", 0, core.UserJoined{Referrer: "hn"})))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.RecentActivity(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, core.UserJoined{Referrer: "hn"}, got[0].Metadata)
}
