package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/audit"
	"github.com/pitabwire/complyflow/internal/database/dbtest"
	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/internal/events"
	"github.com/pitabwire/complyflow/model"
)

func TestPgStore(t *testing.T) {
	pool := dbtest.Postgres(t)
	store := NewPgStore(pool)
	ctx := testCtx()

	defs := definition.NewRegistry(definition.NewPgStore(pool), store, &audit.MemorySink{}, zap.NewNop())
	rec := &events.Recorder{}
	sched := NewScheduler(defs, store, rec, nil, zap.NewNop(), Options{DefaultSLA: time.Hour})
	now := time.Now().UTC().Truncate(time.Millisecond)
	sched.Now = func() time.Time { return now }

	d := linearDefinition()
	d.Tasks[0].DueIn = "1m"
	def, err := defs.Register(ctx, d)
	require.NoError(t, err)

	exec, err := sched.StartExecution(ctx, model.ExecutionRequest{
		DefinitionID: def.ID,
		TenantID:     "t1",
		TriggerType:  model.TriggerManual,
		SeedContext:  map[string]any{"region": "EU"},
	})
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		got, err := store.GetExecution(ctx, "t1", exec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionActive, got.State)
		assert.Equal(t, []string{"A"}, got.CurrentTasks)
		assert.Equal(t, "EU", got.ContextData["region"])
		assert.Equal(t, time.Hour, got.SLA)

		_, err = store.GetExecution(ctx, "t2", exec.ID)
		assert.Equal(t, model.ErrNotFound, model.ErrorCode(err))
	})

	t.Run("outcome advances and audits in order", func(t *testing.T) {
		tasks, err := store.ListTasks(ctx, "t1", exec.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 1)

		res, err := sched.HandleTaskOutcome(ctx, "t1", tasks[0].ID, model.OutcomeCompleted, map[string]any{"score": 3})
		require.NoError(t, err)
		assert.False(t, res.Duplicate)

		dup, err := sched.HandleTaskOutcome(ctx, "t1", tasks[0].ID, model.OutcomeCompleted, nil)
		require.NoError(t, err)
		assert.True(t, dup.Duplicate)

		tasks, err = store.ListTasks(ctx, "t1", exec.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, "B", tasks[1].TaskKey)

		trail, err := store.AuditTrail(ctx, "t1", exec.ID)
		require.NoError(t, err)
		require.NotEmpty(t, trail)
		assert.Equal(t, ActionExecutionCreated, trail[0].Action)
		assert.Equal(t, ActionTaskCreated, trail[len(trail)-1].Action)
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		stale, err := store.GetExecution(ctx, "t1", exec.ID)
		require.NoError(t, err)
		require.NoError(t, store.WithinTx(ctx, func(tx Tx) error {
			e, err := tx.LockExecution(ctx, "t1", exec.ID)
			if err != nil {
				return err
			}
			return tx.UpdateExecution(ctx, e)
		}))

		err = store.WithinTx(ctx, func(tx Tx) error { return tx.UpdateExecution(ctx, stale) })
		assert.Equal(t, model.ErrConflict, model.ErrorCode(err))
	})

	t.Run("sweep queries", func(t *testing.T) {
		expired, err := store.FindExpired(ctx, now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Len(t, expired, 1)

		n, err := store.CountNonTerminal(ctx, "t1", def.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		list, err := store.ListExecutions(ctx, "t1", model.ExecutionFilters{DefinitionID: def.ID})
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("cancel", func(t *testing.T) {
		got, err := sched.Cancel(ctx, "t1", exec.ID, "withdrawn")
		require.NoError(t, err)
		assert.Equal(t, model.ExecutionCancelled, got.State)

		tasks, err := store.ListTasks(ctx, "t1", exec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.TaskCancelled, tasks[1].State)

		require.NoError(t, store.HealthCheck(context.Background()))
	})
}
