package planner

// topoOrder sorts ids so that every id comes after its in-set dependencies.
// Ties are broken by input order. ok is false when a cycle prevents a full
// ordering; in that case the input order is returned unchanged along with the
// ids that could not be placed.
func topoOrder(ids []string, deps map[string][]string) (order []string, cyclic []string, ok bool) {
	position := make(map[string]int, len(ids))
	for i, id := range ids {
		position[id] = i
	}

	// Kahn's algorithm over in-set edges only.
	inDegree := make(map[string]int, len(ids))
	dependents := make(map[string][]string, len(ids))
	for _, id := range ids {
		for _, dep := range deps[id] {
			if _, in := position[dep]; !in {
				continue
			}
			inDegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	placed := make(map[string]bool, len(ids))
	order = make([]string, 0, len(ids))
	for len(order) < len(ids) {
		next := ""
		for _, id := range ids {
			if !placed[id] && inDegree[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			break
		}
		placed[next] = true
		order = append(order, next)
		for _, dependent := range dependents[next] {
			inDegree[dependent]--
		}
	}

	if len(order) == len(ids) {
		return order, nil, true
	}

	for _, id := range ids {
		if !placed[id] {
			cyclic = append(cyclic, id)
		}
	}
	return append([]string(nil), ids...), cyclic, false
}
