package storage

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blast/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file:" + filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedConn(t *testing.T, s *Store, id string) {
	t.Helper()
	_, err := s.DB.Exec(`INSERT OR IGNORE INTO connections (id,name,owner_id,api_key) VALUES (?,?,?,?)`,
		id, "test "+id, "owner-1", "key-"+id)
	require.NoError(t, err)
}

func seedJob(t *testing.T, s *Store, recipients ...string) *model.BroadcastJob {
	t.Helper()
	seedConn(t, s, "conn-1")
	rs := make([]model.Recipient, len(recipients))
	for i, p := range recipients {
		rs[i] = model.Recipient{Phone: p}
	}
	job := &model.BroadcastJob{
		ID:           "job-" + t.Name(),
		ConnectionID: "conn-1",
		OwnerID:      "owner-1",
		Type:         "text",
		Message:      "hello",
		Speed:        model.SpeedNormal,
		DedupKey:     "dk",
	}
	require.NoError(t, s.CreateJob(job, rs))
	return job
}

func TestConnectionRoundTrip(t *testing.T) {
	s := openTestStore(t)

	conn, err := s.CreateConnection("primary", "owner-1")
	require.NoError(t, err)
	require.NotEmpty(t, conn.ID)
	require.NotEmpty(t, conn.APIKey)
	assert.Equal(t, model.StateIdle, conn.State)

	got, err := s.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "primary", got.Name)

	byKey, err := s.GetConnectionByAPIKey(conn.APIKey)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, byKey.ID)

	_, err = s.GetConnectionByAPIKey("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateConnectionState(t *testing.T) {
	s := openTestStore(t)
	conn, err := s.CreateConnection("c", "o")
	require.NoError(t, err)

	require.NoError(t, s.UpdateConnectionState(conn.ID, model.StateOpen, true, "628123", 0))
	got, err := s.GetConnection(conn.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateOpen, got.State)
	assert.True(t, got.Connected)
	assert.Equal(t, "628123", got.Phone)
	assert.NotNil(t, got.LastSeen)
}

func TestJobStatusMonotonic(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, "628111")

	// queued -> active -> completed is the happy path.
	require.NoError(t, s.UpdateJobStatus(job.ID, model.JobActive))
	require.NoError(t, s.UpdateJobStatus(job.ID, model.JobCompleted))

	// Terminal statuses reject further movement.
	err := s.UpdateJobStatus(job.ID, model.JobActive)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	err = s.UpdateJobStatus(job.ID, model.JobQueued)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, got.Status)
}

func TestJobStatusSameStatusIsNoop(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, "628111")

	require.NoError(t, s.UpdateJobStatus(job.ID, model.JobActive))
	assert.NoError(t, s.UpdateJobStatus(job.ID, model.JobActive))
}

func TestCancelOnlyQueuedJobs(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, "628111")

	require.NoError(t, s.CancelJob(job.ID))
	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, got.Status)

	seedConn(t, s, "c")
	job2 := &model.BroadcastJob{ID: "job2", ConnectionID: "c", OwnerID: "o", Type: "text", Message: "x", Speed: "normal", DedupKey: "d2"}
	require.NoError(t, s.CreateJob(job2, []model.Recipient{{Phone: "628222"}}))
	require.NoError(t, s.UpdateJobStatus(job2.ID, model.JobActive))
	assert.ErrorIs(t, s.CancelJob(job2.ID), ErrInvalidTransition)
}

func TestLedgerMarkOnlyTouchesWaitingRows(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, "628111", "628222")

	require.NoError(t, s.MarkMessage(job.ID, "628111", model.MsgSent, "prov-1", ""))
	// A second mark on a settled row is silently ignored.
	require.NoError(t, s.MarkMessage(job.ID, "628111", model.MsgFailed, "", "late error"))

	statuses, err := s.MessageStatuses(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MsgSent, statuses["628111"])
	assert.Equal(t, model.MsgWaiting, statuses["628222"])
}

func TestCreateJobRequiresKnownConnection(t *testing.T) {
	s := openTestStore(t)
	job := &model.BroadcastJob{ID: "orphan", ConnectionID: "ghost", OwnerID: "o", Type: "text", Message: "x", Speed: "normal", DedupKey: "d"}
	assert.Error(t, s.CreateJob(job, []model.Recipient{{Phone: "628111"}}))
}

func TestCreateJobDuplicateRecipientsCollapse(t *testing.T) {
	s := openTestStore(t)
	seedConn(t, s, "c")
	job := &model.BroadcastJob{ID: "dup", ConnectionID: "c", OwnerID: "o", Type: "text", Message: "x", Speed: "normal", DedupKey: "d"}
	require.NoError(t, s.CreateJob(job, []model.Recipient{
		{Phone: "628111"}, {Phone: "628111"}, {Phone: "628222"},
	}))

	msgs, err := s.ListMessages(job.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestJobProgress(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, "1", "2", "3", "4")

	require.NoError(t, s.MarkMessage(job.ID, "1", model.MsgSent, "p1", ""))
	require.NoError(t, s.MarkMessage(job.ID, "2", model.MsgFailed, "", "boom"))
	require.NoError(t, s.MarkMessage(job.ID, "3", model.MsgSkipped, "", ""))

	sent, failed, skipped, waiting, err := s.JobProgress(job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, 1, waiting)
}

func TestSkipRemainingOnlyTouchesWaitingRows(t *testing.T) {
	s := openTestStore(t)
	job := seedJob(t, s, "1", "2", "3")
	require.NoError(t, s.MarkMessage(job.ID, "1", model.MsgSent, "p1", ""))

	n, err := s.SkipRemaining(job.ID, "delivery attempts exhausted")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	statuses, err := s.MessageStatuses(job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MsgSent, statuses["1"])
	assert.Equal(t, model.MsgSkipped, statuses["2"])
	assert.Equal(t, model.MsgSkipped, statuses["3"])
}

func TestListJobsByParent(t *testing.T) {
	s := openTestStore(t)
	seedConn(t, s, "conn-1")
	for i := 1; i <= 3; i++ {
		job := &model.BroadcastJob{
			ID: fmt.Sprintf("batch-%d", i), ParentJobID: "parent-1", ConnectionID: "conn-1",
			OwnerID: "o", Type: "text", Message: "x", Speed: "normal", DedupKey: fmt.Sprintf("d-%d", i),
		}
		require.NoError(t, s.CreateJob(job, []model.Recipient{{Phone: fmt.Sprintf("628%d", i)}}))
	}

	batches, err := s.ListJobsByParent("parent-1")
	require.NoError(t, err)
	require.Len(t, batches, 3)
	assert.Equal(t, "batch-1", batches[0].ID)
	assert.Equal(t, "batch-3", batches[2].ID)

	none, err := s.ListJobsByParent("ghost")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestPlanRate(t *testing.T) {
	s := openTestStore(t)

	rate, err := s.PlanRate("owner-x")
	require.NoError(t, err)
	assert.Zero(t, rate)

	require.NoError(t, s.SetPlanRate("owner-x", 15))
	rate, err = s.PlanRate("owner-x")
	require.NoError(t, err)
	assert.Equal(t, 15, rate)
}
