package trigger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pitabwire/complyflow/internal/audit"
	"github.com/pitabwire/complyflow/internal/config"
	"github.com/pitabwire/complyflow/internal/definition"
	"github.com/pitabwire/complyflow/internal/events"
	"github.com/pitabwire/complyflow/internal/idempotency"
	"github.com/pitabwire/complyflow/internal/trigger"
	"github.com/pitabwire/complyflow/internal/workflow"
	"github.com/pitabwire/complyflow/model"
)

// TestPipeline_followUpBurstDoesNotStall completes many tasks at once while
// every completion fires a follow-up trigger, wired the way the server wires
// the bus, evaluator, dispatcher and scheduler.
func TestPipeline_followUpBurstDoesNotStall(t *testing.T) {
	const burst = 300

	ctx, cancel := context.WithCancel(model.WithRequestContext(context.Background(),
		&model.RequestContext{SubjectID: "alice", TenantID: "t1"}))
	defer cancel()

	engine := config.EngineConfig{
		Workers:   8,
		QueueSize: 1024,
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Millisecond,
		},
		LockTimeout: 5 * time.Second,
	}

	bus := events.NewMemoryBus(256, nil, zap.NewNop())
	defer bus.Close()

	sink := &audit.MemorySink{}
	executions := workflow.NewMemoryStore()
	definitions := definition.NewMemoryStore()
	registry := definition.NewRegistry(definitions, executions, sink, zap.NewNop())
	scheduler := workflow.NewScheduler(registry, executions, bus, nil, zap.NewNop(), workflow.OptionsFromConfig(engine))

	evaluator := trigger.NewEvaluator(definitions, sink, zap.NewNop(),
		trigger.WithDeduplication(idempotency.NewMemoryStore(), time.Hour),
		trigger.WithStateProvider(scheduler),
	)
	dispatcher := trigger.NewDispatcher(scheduler, nil, engine, nil, zap.NewNop())
	intake := trigger.NewIntake(evaluator, dispatcher, zap.NewNop())
	unsubscribe := bus.Subscribe("internal-triggers", intake.HandleStateChange)
	defer unsubscribe()

	runDone := make(chan error, 1)
	go func() { runDone <- dispatcher.Run(ctx) }()

	src, err := registry.Register(ctx, model.WorkflowDefinition{
		TenantID: "t1",
		Name:     "src",
		Tasks:    []model.TaskDefinition{{ID: "A", Name: "Assess", Type: model.TaskTypeAssessment}},
	})
	require.NoError(t, err)
	follow, err := registry.Register(ctx, model.WorkflowDefinition{
		TenantID: "t1",
		Name:     "follow",
		Tasks:    []model.TaskDefinition{{ID: "R", Name: "Remediate", Type: model.TaskTypeRemediation}},
		Triggers: []model.TriggerDefinition{{
			ID:        "on-src-done",
			Type:      model.TriggerTaskCompletion,
			Condition: &model.Condition{Op: model.OpEq, Field: "event.definition_name", Value: "src"},
		}},
	})
	require.NoError(t, err)

	taskIDs := make([]string, 0, burst)
	for range burst {
		exec, err := scheduler.StartExecution(ctx, model.ExecutionRequest{
			DefinitionID: src.ID,
			TenantID:     "t1",
			TriggerType:  model.TriggerManual,
		})
		require.NoError(t, err)
		tasks, err := scheduler.Tasks(ctx, "t1", exec.ID)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		taskIDs = append(taskIDs, tasks[0].ID)
	}

	finished := make(chan struct{})
	errs := make(chan error, burst)
	go func() {
		var wg sync.WaitGroup
		for _, id := range taskIDs {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				if _, err := scheduler.HandleTaskOutcome(ctx, "t1", id, model.OutcomeCompleted, nil); err != nil {
					errs <- err
				}
			}(id)
		}
		wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(10 * time.Second):
		t.Fatal("task outcomes did not return while follow-up triggers were firing")
	}
	close(errs)
	for err := range errs {
		t.Errorf("HandleTaskOutcome() error = %v", err)
	}

	// Concurrent deliveries on one trigger coalesce, so at least one
	// follow-up starts.
	assert.Eventually(t, func() bool {
		started, err := scheduler.List(ctx, "t1", model.ExecutionFilters{DefinitionID: follow.ID})
		return err == nil && len(started) > 0
	}, 5*time.Second, 10*time.Millisecond)

	// A fresh outcome is still served after the burst.
	extra, err := scheduler.StartExecution(ctx, model.ExecutionRequest{DefinitionID: src.ID, TenantID: "t1", TriggerType: model.TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionActive, extra.State)

	cancel()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
