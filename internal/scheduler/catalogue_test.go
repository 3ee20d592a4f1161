package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cheri-hub/sicar-api/internal/apperror"
	"github.com/cheri-hub/sicar-api/internal/downloads"
	"github.com/cheri-hub/sicar-api/internal/trigger"
)

type fakeSubmitter struct {
	nextID   int64
	forced   []bool
	conflict map[string]bool
	outcome  map[int64]downloads.Status
}

func (s *fakeSubmitter) Submit(_ context.Context, target downloads.Target, force bool) (*downloads.SubmitResult, error) {
	s.forced = append(s.forced, force)
	if s.conflict[target.Polygon] {
		return nil, apperror.Conflict("DOWNLOAD_IN_PROGRESS", "busy", 99)
	}
	s.nextID++
	return &downloads.SubmitResult{Job: &downloads.Job{ID: s.nextID, Status: downloads.StatusPending}}, nil
}

func (s *fakeSubmitter) Await(_ context.Context, ids []int64, _ time.Duration) ([]downloads.Job, error) {
	jobs := make([]downloads.Job, 0, len(ids))
	for _, id := range ids {
		status, ok := s.outcome[id]
		if !ok {
			status = downloads.StatusCompleted
		}
		job := downloads.Job{ID: id, Status: status}
		if status == downloads.StatusFailed {
			msg := "SICAR unavailable"
			job.ErrorMessage = &msg
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

type fakeRefresher struct {
	n   int
	err error
}

func (f fakeRefresher) Refresh(context.Context) (int, error) { return f.n, f.err }

func TestDefaultCatalogue(t *testing.T) {
	defs := DefaultCatalogue(CatalogueConfig{Hour: 0, Minute: 30}, &fakeSubmitter{}, fakeRefresher{})
	require.Len(t, defs, 2)
	assert.Equal(t, TaskDailyCollection, defs[0].Name)
	assert.Equal(t, trigger.Daily{Hour: 0, Minute: 30}, defs[0].Trigger)
	assert.Equal(t, TaskUpdateReleases, defs[1].Name)
	assert.Equal(t, trigger.Daily{Hour: 23, Minute: 0}, defs[1].Trigger)
}

func TestDailyCollectionSummarizesOutcomes(t *testing.T) {
	sub := &fakeSubmitter{
		conflict: map[string]bool{"HYDROGRAPHY": true},
		outcome:  map[int64]downloads.Status{2: downloads.StatusFailed},
	}
	run := DailyCollection(sub, CatalogueConfig{
		States:   []string{"SP", "MG"},
		Polygons: []string{"APPS", "HYDROGRAPHY"},
	})

	result, err := run(context.Background())
	require.Error(t, err)
	summary := result.(*CollectionResult)
	assert.Equal(t, "failed", summary.Status)
	assert.Equal(t, 2, summary.Submitted)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, []bool{true, true, true, true}, sub.forced)
	assert.Equal(t, "SICAR unavailable", summary.Jobs[2].Error)
}

func TestDailyCollectionSucceeds(t *testing.T) {
	run := DailyCollection(&fakeSubmitter{}, CatalogueConfig{States: []string{"SP"}, Polygons: []string{"APPS"}})

	result, err := run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "completed", result.(*CollectionResult).Status)
}

func TestUpdateReleases(t *testing.T) {
	result, err := UpdateReleases(fakeRefresher{n: 27})(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 27, result.(map[string]any)["states_updated"])

	_, err = UpdateReleases(fakeRefresher{err: errors.New("down")})(context.Background())
	assert.Error(t, err)
}
