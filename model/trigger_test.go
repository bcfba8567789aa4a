package model

import (
	"testing"
	"time"
)

func TestTriggerType_Valid(t *testing.T) {
	for tt := range triggerTypes {
		if !tt.Valid() {
			t.Errorf("%q.Valid() = false, want true", tt)
		}
	}
	if TriggerType("webhook").Valid() {
		t.Error(`"webhook".Valid() = true, want false`)
	}
	if len(triggerTypes) != 9 {
		t.Errorf("len(triggerTypes) = %d, want 9", len(triggerTypes))
	}
}

func TestWorkflowTrigger_CoolingDown(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	tr := &WorkflowTrigger{Cooldown: time.Hour}

	if tr.CoolingDown(t0) {
		t.Error("CoolingDown() before first firing = true, want false")
	}

	tr.LastTriggered = &t0
	if !tr.CoolingDown(t0.Add(10 * time.Minute)) {
		t.Error("CoolingDown(t+10m) = false, want true")
	}
	if tr.CoolingDown(t0.Add(time.Hour)) {
		t.Error("CoolingDown(t+60m) = true, want false")
	}
	if tr.CoolingDown(t0.Add(61 * time.Minute)) {
		t.Error("CoolingDown(t+61m) = true, want false")
	}
}

func TestWorkflowExecution_Touch(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	exec := &WorkflowExecution{SLA: 48 * time.Hour}
	exec.Touch(now)
	if !exec.LastActivityAt.Equal(now) {
		t.Errorf("LastActivityAt = %v, want %v", exec.LastActivityAt, now)
	}
	if exec.ExpiresAt == nil || !exec.ExpiresAt.Equal(now.Add(48*time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", exec.ExpiresAt, now.Add(48*time.Hour))
	}

	noSLA := &WorkflowExecution{}
	noSLA.Touch(now)
	if noSLA.ExpiresAt != nil {
		t.Errorf("ExpiresAt without SLA = %v, want nil", noSLA.ExpiresAt)
	}
}

func TestTaskState_Terminal(t *testing.T) {
	terminal := []TaskState{TaskCompleted, TaskFailed, TaskCancelled, TaskSkipped}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%q.Terminal() = false, want true", s)
		}
	}
	open := []TaskState{TaskPending, TaskAssigned, TaskInProgress, TaskWaitingReview, TaskWaitingApproval}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%q.Terminal() = true, want false", s)
		}
	}
}
