package conduit

// Resolve converts the depends_on edges of a stage list into a single valid
// execution order using Kahn's algorithm. It returns an UnknownDependencyError
// when an edge names a stage not present in the list, and a
// CyclicDependencyError when no complete order exists.
//
// The order is deterministic for a fixed input: among several stages whose
// dependencies are all satisfied, the one declared first runs first. Calling
// Resolve twice on the same list yields the same order.
func Resolve(stages []PipelineStage) ([]string, error) {
	declared := make(map[string]int, len(stages))
	for i, stage := range stages {
		declared[stage.Name] = i
	}

	// dependents[a] lists the stages that wait on a; inDegree[b] counts the
	// dependencies b still has.
	dependents := make(map[string][]string, len(stages))
	inDegree := make(map[string]int, len(stages))
	for _, stage := range stages {
		inDegree[stage.Name] = len(stage.DependsOn)
		for _, dep := range stage.DependsOn {
			if _, ok := declared[dep]; !ok {
				return nil, NewUnknownDependencyError(stage.Name, dep)
			}
			dependents[dep] = append(dependents[dep], stage.Name)
		}
	}

	// Seed the queue in declaration order so the tie-break is stable.
	queue := make([]string, 0, len(stages))
	for _, stage := range stages {
		if inDegree[stage.Name] == 0 {
			queue = append(queue, stage.Name)
		}
	}

	order := make([]string, 0, len(stages))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)

		for _, dependent := range dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(stages) {
		remaining := make([]string, 0, len(stages)-len(order))
		for _, stage := range stages {
			if inDegree[stage.Name] > 0 {
				remaining = append(remaining, stage.Name)
			}
		}
		return nil, NewCyclicDependencyError(remaining)
	}

	return order, nil
}
