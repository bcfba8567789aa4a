package definition

import (
	"slices"
	"testing"

	"github.com/pitabwire/complyflow/model"
)

func TestTopologicalOrder(t *testing.T) {
	tasks := []model.TaskDefinition{
		{ID: "report", DependsOn: []string{"fix", "brief"}},
		{ID: "assess"},
		{ID: "fix", DependsOn: []string{"assess"}},
		{ID: "brief", DependsOn: []string{"assess"}},
	}
	order, cyclic := TopologicalOrder(tasks)
	if cyclic != nil {
		t.Fatalf("cyclic = %v, want nil", cyclic)
	}
	want := []string{"assess", "fix", "brief", "report"}
	if !slices.Equal(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestTopologicalOrder_cycle(t *testing.T) {
	tasks := []model.TaskDefinition{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A", "D"}},
		{ID: "C", DependsOn: []string{"B"}},
		{ID: "D", DependsOn: []string{"C"}},
	}
	order, cyclic := TopologicalOrder(tasks)
	if !slices.Equal(order, []string{"A"}) {
		t.Errorf("order = %v, want [A]", order)
	}
	if !slices.Equal(cyclic, []string{"B", "C", "D"}) {
		t.Errorf("cyclic = %v, want [B C D]", cyclic)
	}
}

func TestDependents(t *testing.T) {
	deps := Dependents([]model.TaskDefinition{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"A"}},
	})
	if !slices.Equal(deps["A"], []string{"B", "C"}) {
		t.Errorf("Dependents[A] = %v, want [B C]", deps["A"])
	}
}
