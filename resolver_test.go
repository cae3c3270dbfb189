package conduit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	conduit "github.com/synoptiq/go-conduit"
)

func stageList(edges map[string][]string, order ...string) []conduit.PipelineStage {
	stages := make([]conduit.PipelineStage, 0, len(order))
	for _, name := range order {
		stages = append(stages, conduit.PipelineStage{
			Name:      name,
			Type:      conduit.StageTypeCustom,
			DependsOn: edges[name],
		})
	}
	return stages
}

// indexOf fails the test if name is absent.
func indexOf(t *testing.T, order []string, name string) int {
	t.Helper()
	for i, n := range order {
		if n == name {
			return i
		}
	}
	t.Fatalf("stage %q missing from order %v", name, order)
	return -1
}

func TestResolveLinearChain(t *testing.T) {
	stages := stageList(map[string][]string{
		"transform": {"extract"},
		"load":      {"transform"},
	}, "extract", "transform", "load")

	order, err := conduit.Resolve(stages)
	require.NoError(t, err)
	assert.Equal(t, []string{"extract", "transform", "load"}, order)
}

func TestResolveDependentsAfterDependencies(t *testing.T) {
	edges := map[string][]string{
		"b": {"a"},
		"c": {"a"},
		"d": {"b", "c"},
		"e": {"d", "a"},
	}
	stages := stageList(edges, "e", "d", "c", "b", "a")

	order, err := conduit.Resolve(stages)
	require.NoError(t, err)
	require.Len(t, order, len(stages))

	for name, deps := range edges {
		for _, dep := range deps {
			assert.Less(t, indexOf(t, order, dep), indexOf(t, order, name),
				"%q must run before %q", dep, name)
		}
	}
}

func TestResolveDeclarationOrderTieBreak(t *testing.T) {
	// No edges at all: the declared order is the execution order.
	stages := stageList(nil, "gamma", "alpha", "beta")

	order, err := conduit.Resolve(stages)
	require.NoError(t, err)
	assert.Equal(t, []string{"gamma", "alpha", "beta"}, order)
}

func TestResolveDeterministic(t *testing.T) {
	stages := stageList(map[string][]string{
		"d": {"a", "b"},
		"e": {"c"},
	}, "a", "b", "c", "d", "e")

	first, err := conduit.Resolve(stages)
	require.NoError(t, err)
	second, err := conduit.Resolve(stages)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolveCycle(t *testing.T) {
	stages := stageList(map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	}, "a", "b", "c")

	order, err := conduit.Resolve(stages)
	require.Error(t, err)
	assert.Nil(t, order)

	var cycleErr *conduit.CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, cycleErr.Remaining)
}

func TestResolvePartialCycle(t *testing.T) {
	// "start" is orderable, the b<->c knot is not.
	stages := stageList(map[string][]string{
		"b": {"c"},
		"c": {"b"},
	}, "start", "b", "c")

	_, err := conduit.Resolve(stages)
	var cycleErr *conduit.CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
	assert.ElementsMatch(t, []string{"b", "c"}, cycleErr.Remaining)
}

func TestResolveSelfDependency(t *testing.T) {
	stages := stageList(map[string][]string{"a": {"a"}}, "a")

	_, err := conduit.Resolve(stages)
	var cycleErr *conduit.CyclicDependencyError
	require.ErrorAs(t, err, &cycleErr)
}

func TestResolveUnknownDependency(t *testing.T) {
	stages := stageList(map[string][]string{"load": {"nonexistent"}}, "extract", "load")

	_, err := conduit.Resolve(stages)
	var unknownErr *conduit.UnknownDependencyError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "load", unknownErr.StageName)
	assert.Equal(t, "nonexistent", unknownErr.Dependency)
}

func TestResolveEmpty(t *testing.T) {
	order, err := conduit.Resolve(nil)
	require.NoError(t, err)
	assert.Empty(t, order)
}
