package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/ralphd/ralph/pkg/clock"
	"github.com/ralphd/ralph/pkg/hosting"
	"github.com/ralphd/ralph/pkg/labelio"
	"github.com/ralphd/ralph/pkg/storage"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeNotifier struct {
	notifications []Notification
}

func (f *fakeNotifier) Notify(ctx context.Context, n Notification) error {
	f.notifications = append(f.notifications, n)
	return nil
}

func newTestWriter(t *testing.T) (*Writer, *hosting.Fake, *fakeNotifier) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fc := hosting.NewFake()
	fk := clock.NewFake(time.Unix(0, 0))
	lio := labelio.New(fc, store, fk)
	notifier := &fakeNotifier{}
	return New(lio, notifier, fk), fc, notifier
}

func TestEscalateUpsertsCommentAndLabel(t *testing.T) {
	w, fc, notifier := newTestWriter(t)
	fc.Issues["acme/widgets#9"] = &hosting.Issue{Number: 9, Open: true, Labels: []string{string(types.LabelInProgress)}}

	ref := hosting.IssueRef{Repo: "acme/widgets", Number: 9}
	url, err := w.Escalate(context.Background(), ref, types.EscalationLowConfidence, "plan confidence 0.40 below threshold", "/var/log/ralph/run-1.log")
	require.NoError(t, err)
	require.NotEmpty(t, url)
	require.Contains(t, fc.Issues["acme/widgets#9"].Labels, string(types.LabelEscalated))
	require.Len(t, notifier.notifications, 1)
	require.Equal(t, "plan confidence 0.40 below threshold", notifier.notifications[0].Reason)
	require.Equal(t, types.EscalationLowConfidence, notifier.notifications[0].Type)
}

func TestEscalateIsIdempotentOnRepeatedCall(t *testing.T) {
	w, fc, _ := newTestWriter(t)
	fc.Issues["acme/widgets#10"] = &hosting.Issue{Number: 10, Open: true}
	ref := hosting.IssueRef{Repo: "acme/widgets", Number: 10}

	url1, err := w.Escalate(context.Background(), ref, types.EscalationOther, "same reason", "")
	require.NoError(t, err)
	url2, err := w.Escalate(context.Background(), ref, types.EscalationOther, "same reason", "")
	require.NoError(t, err)
	require.Equal(t, url1, url2)
	require.Len(t, fc.Comments["acme/widgets#10"], 1, "a semantically identical escalation must not create a second comment")
}
