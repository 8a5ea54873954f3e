package ingest

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphloom/loom/errors"
	"github.com/graphloom/loom/faults"
	"github.com/graphloom/loom/graphstore"
	loomtesting "github.com/graphloom/loom/internal/testing"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore(loomtesting.CreateTestDB(t))

	job := NewJob("doc://a")
	job.Enter(StageExtracting)
	job.StagedMutations = &graphstore.Mutations{
		Nodes: []graphstore.Node{{ID: "equipment__pump_p_101", Kind: "equipment", Name: "Pump P-101"}},
	}
	job.RecordFailure(faults.Markf(faults.Transient, "extraction", "timeout"))
	require.NoError(t, store.Create(job))

	got, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.SourceRef, got.SourceRef)
	assert.Equal(t, StageExtracting, got.Stage)
	assert.Equal(t, 1, got.Attempts[StageExtracting])
	require.NotNil(t, got.StagedMutations)
	assert.Equal(t, "equipment__pump_p_101", got.StagedMutations.Nodes[0].ID)
	require.NotNil(t, got.LastError)
	assert.Equal(t, faults.Transient, got.LastError.Class)
}

func TestStoreGetMissing(t *testing.T) {
	store := NewStore(loomtesting.CreateTestDB(t))
	_, err := store.Get("no-such-id")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestStoreUpdateMissing(t *testing.T) {
	store := NewStore(loomtesting.CreateTestDB(t))
	err := store.Update(NewJob("doc://a"))
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestStoreClaimNextOrdersByAge(t *testing.T) {
	store := NewStore(loomtesting.CreateTestDB(t))

	first := NewJob("doc://first")
	first.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Create(first))
	second := NewJob("doc://second")
	require.NoError(t, store.Create(second))

	claimed, err := store.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, StatusRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	// claimed job is no longer claimable
	next, err := store.ClaimNext()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.ID)

	empty, err := store.ClaimNext()
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestStoreListFiltersByStatus(t *testing.T) {
	store := NewStore(loomtesting.CreateTestDB(t))

	a := NewJob("doc://a")
	require.NoError(t, store.Create(a))
	b := NewJob("doc://b")
	b.Succeed()
	require.NoError(t, store.Create(b))

	queued := StatusQueued
	jobs, err := store.List(&queued, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, a.ID, jobs[0].ID)

	all, err := store.List(nil, 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStoreQueueDepthAndCounts(t *testing.T) {
	store := NewStore(loomtesting.CreateTestDB(t))

	require.NoError(t, store.Create(NewJob("doc://a")))
	require.NoError(t, store.Create(NewJob("doc://b")))
	done := NewJob("doc://c")
	done.Succeed()
	require.NoError(t, store.Create(done))

	depth, err := store.QueueDepth()
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	counts, err := store.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusQueued])
	assert.Equal(t, 1, counts[StatusSucceeded])
}

func TestStoreCleanupOldKeepsActiveJobs(t *testing.T) {
	store := NewStore(loomtesting.CreateTestDB(t))

	old := NewJob("doc://old")
	old.Succeed()
	old.UpdatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, store.Create(old))

	// manual timestamp rewind since Update refreshes updated_at
	_, err := store.db.Exec(`UPDATE jobs SET updated_at = ? WHERE id = ?`, old.UpdatedAt, old.ID)
	require.NoError(t, err)

	active := NewJob("doc://active")
	require.NoError(t, store.Create(active))

	n, err := store.CleanupOld(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Get(old.ID)
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = store.Get(active.ID)
	require.NoError(t, err)
}

func TestQueueNotifiesSubscribers(t *testing.T) {
	q := NewQueue(loomtesting.CreateTestDB(t))
	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	job := NewJob("doc://a")
	require.NoError(t, q.Enqueue(job))

	select {
	case got := <-ch:
		assert.Equal(t, job.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("no notification received")
	}
}

func TestDeadLetterErrors(t *testing.T) {
	s := NewDeadLetterStore(loomtesting.CreateTestDB(t))

	_, err := s.Get("missing")
	require.ErrorIs(t, err, ErrDeadLetterNotFound)

	err = s.MarkReprocessed("missing", "new-id")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDeadLetterNotFound))
}

func TestStoreCountByStatusQueryError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectQuery("SELECT status, COUNT").
		WillReturnError(errors.New("disk I/O error"))

	_, err = NewStore(mockDB).CountByStatus()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to count jobs")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreUpdateExecError(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	mock.ExpectExec("UPDATE jobs").
		WillReturnError(errors.New("database is locked"))

	job := NewJob("doc://locked")
	err = NewStore(mockDB).Update(job)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
}
