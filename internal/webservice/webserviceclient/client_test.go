package webserviceclient

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/firing"
	"github.com/runinator/runinator/internal/repository"
	"github.com/runinator/runinator/internal/webservice"
)

type noopPublisher struct{}

func (noopPublisher) Publish(ctx context.Context, f *firing.Firing) (int64, error) {
	return 0, nil
}

func boolPtr(b bool) *bool { return &b }

func newTestServer(t *testing.T) (*httptest.Server, *repository.InMemory) {
	t.Helper()

	store := repository.NewInMemory()
	srv := webservice.NewServer(store, noopPublisher{}, config.ServerConfig{
		ReadTimeout:     "5s",
		WriteTimeout:    "5s",
		IdleTimeout:     "30s",
		ShutdownTimeout: "5s",
	})
	require.NoError(t, srv.Init(context.Background()))

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func TestClient_DueTasksFiltersEnabledPastDue(t *testing.T) {
	ts, store := newTestServer(t)
	client := NewClient(ts.URL, 5*time.Second)

	past := time.Now().Add(-time.Minute).Truncate(time.Second)
	future := time.Now().Add(time.Hour).Truncate(time.Second)

	dueID := store.AddTask(repository.ScheduledTask{
		Name: "due", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, NextExecution: &past, Enabled: boolPtr(true),
	})
	store.AddTask(repository.ScheduledTask{
		Name: "not-due", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, NextExecution: &future, Enabled: boolPtr(true),
	})
	store.AddTask(repository.ScheduledTask{
		Name: "disabled", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, NextExecution: &past, Enabled: boolPtr(false),
	})

	due, err := client.DueTasks(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, dueID, due[0].ID)
}

func TestClient_AdvanceNextExecution(t *testing.T) {
	ts, store := newTestServer(t)
	client := NewClient(ts.URL, 5*time.Second)

	past := time.Now().Add(-time.Minute).Truncate(time.Second)
	id := store.AddTask(repository.ScheduledTask{
		Name: "ping", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, NextExecution: &past, Enabled: boolPtr(true),
	})

	next := time.Now().Add(time.Minute).Truncate(time.Second)
	require.NoError(t, client.AdvanceNextExecution(context.Background(), id, next))

	got, ok := store.Task(id)
	require.True(t, ok)
	require.NotNil(t, got.NextExecution)
	assert.True(t, got.NextExecution.Equal(next))
	assert.Equal(t, "* * * * *", got.CronSchedule)
}

func TestClient_RecordRun(t *testing.T) {
	ts, store := newTestServer(t)
	client := NewClient(ts.URL, 5*time.Second)

	id := store.AddTask(repository.ScheduledTask{
		Name: "ping", CronSchedule: "* * * * *", ActionName: "Console", ActionFunction: "run_console",
		TimeoutMs: 1000, Enabled: boolPtr(true),
	})

	err := client.RecordRun(context.Background(), repository.TaskRun{TaskID: id, StartTime: time.Now(), DurationMs: 42})
	require.NoError(t, err)

	runs := store.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, int64(42), runs[0].DurationMs)
}
