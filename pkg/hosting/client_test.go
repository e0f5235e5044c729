package hosting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/events"
	"github.com/ralphd/ralph/pkg/rerr"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func staticTokenSource(tok string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok})
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(Config{
		BaseURL:     srv.URL,
		GraphQLURL:  srv.URL + "/graphql",
		TokenSource: staticTokenSource("test-token"),
		Clock:       clock.NewFake(clock.Real{}.Now()),
	})
}

func TestGetIssueDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/acme/widgets/issues/42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"number":42,"node_id":"N1","title":"flaky test","state":"open","labels":[{"name":"ralph:status:queued"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	issue, err := c.GetIssue(context.Background(), IssueRef{Repo: "acme/widgets", Number: 42})
	require.NoError(t, err)
	require.Equal(t, "flaky test", issue.Title)
	require.True(t, issue.Open)
	require.Equal(t, []string{"ralph:status:queued"}, issue.Labels)
}

func TestListIssuesByLabelSkipsPullRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Contains(t, r.URL.RawQuery, "labels=ralph%3Astatus%3Aqueued")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"number":1,"state":"open","labels":[{"name":"ralph:status:queued"}]},{"number":2,"state":"open","pull_request":{}}]`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	issues, err := c.ListIssuesByLabel(context.Background(), "acme/widgets", "ralph:status:queued")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	require.Equal(t, 1, issues[0].Number)
}

func TestGetIssueClassifiesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Not Found"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.GetIssue(context.Background(), IssueRef{Repo: "acme/widgets", Number: 42})
	require.True(t, rerr.Is(err, rerr.KindNotFound))
}

func TestGetIssueClassifiesSecondaryRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message":"You have exceeded a secondary rate limit"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.GetIssue(context.Background(), IssueRef{Repo: "acme/widgets", Number: 42})
	require.True(t, rerr.Is(err, rerr.KindRateLimit))
}

func TestMergePullRequestSendsExpectedHeadSHA(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		buf := make([]byte, 256)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Write([]byte(`{"merged":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.MergePullRequest(context.Background(), "acme/widgets", 7, "abc123")
	require.NoError(t, err)
	require.Contains(t, gotBody, "abc123")
}

func TestDependencySignalsParsesGraphQLNodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"data": {
				"repository": {
					"issue": {
						"trackedInIssues": {"nodes": [{"state":"OPEN"}]},
						"trackedIssues": {"nodes": [{"state":"CLOSED"}]}
					}
				}
			}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	signals, coverage, err := c.DependencySignals(context.Background(), IssueRef{Repo: "acme/widgets", Number: 1})
	require.NoError(t, err)
	require.True(t, coverage.GraphDepsComplete)
	require.Len(t, signals, 2)

	var sawBlockedOpen, sawSubClosed bool
	for _, s := range signals {
		if s.Kind == "blocked_by" && s.Open {
			sawBlockedOpen = true
		}
		if s.Kind == "sub_issue" && !s.Open {
			sawSubClosed = true
		}
	}
	require.True(t, sawBlockedOpen)
	require.True(t, sawSubClosed)
}

func TestReadRetriesTransientAndNumbersAttempts(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"number":42,"state":"open"}`))
	}))
	defer srv.Close()

	broker := events.NewBroker(nil)
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	c := NewClient(Config{
		BaseURL:     srv.URL,
		TokenSource: staticTokenSource("test-token"),
		Clock:       clock.NewFake(clock.Real{}.Now()),
		Broker:      broker,
	})

	issue, err := c.GetIssue(context.Background(), IssueRef{Repo: "acme/widgets", Number: 42})
	require.NoError(t, err)
	require.Equal(t, 42, issue.Number)
	require.Equal(t, 3, calls)

	var attempts []string
	deadline := time.After(time.Second)
	for len(attempts) < 3 {
		select {
		case evt := <-sub.C:
			if evt.Type == events.EventHostingRequest {
				attempts = append(attempts, evt.Metadata["attempt"])
			}
		case <-deadline:
			t.Fatal("telemetry records not delivered")
		}
	}
	require.Equal(t, []string{"1", "2", "3"}, attempts)
}

func TestWriteIsNotRetriedOnTransientFailure(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	err := c.MergePullRequest(context.Background(), "acme/widgets", 7, "abc123")
	require.True(t, rerr.Is(err, rerr.KindTransient))
	require.Equal(t, 1, calls)
}
