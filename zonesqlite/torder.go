// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package zonesqlite

import "fmt"

// topologicalOrder computes a total order over the synchronized tables such
// that every table appears after all tables it references via foreign keys
// (parents first). Ties break by declaration order, keeping the result
// deterministic for tests and for outbound batching.
//
// Kahn's algorithm; the graph is guaranteed acyclic after validation.
func topologicalOrder(tables []*validatedTable) ([]*validatedTable, map[string]int, error) {
	byName := make(map[string]*validatedTable, len(tables))
	for _, vt := range tables {
		byName[vt.name] = vt
	}

	// children[parent] lists tables carrying an FK to parent; inDegree is
	// the number of distinct parents a table waits on.
	children := make(map[string][]*validatedTable, len(tables))
	inDegree := make(map[string]int, len(tables))
	for _, vt := range tables {
		inDegree[vt.name] = 0
	}
	for _, vt := range tables {
		seen := make(map[string]bool)
		for _, fk := range vt.info.ForeignKeys {
			if fk.RefTable == vt.name || seen[fk.RefTable] {
				continue
			}
			if _, ok := byName[fk.RefTable]; !ok {
				continue
			}
			seen[fk.RefTable] = true
			children[fk.RefTable] = append(children[fk.RefTable], vt)
			inDegree[vt.name]++
		}
	}

	// Ready queue kept sorted by declaration index.
	var queue []*validatedTable
	insert := func(vt *validatedTable) {
		pos := len(queue)
		for i, q := range queue {
			if vt.declIdx < q.declIdx {
				pos = i
				break
			}
		}
		queue = append(queue, nil)
		copy(queue[pos+1:], queue[pos:])
		queue[pos] = vt
	}
	for _, vt := range tables {
		if inDegree[vt.name] == 0 {
			insert(vt)
		}
	}

	ordered := make([]*validatedTable, 0, len(tables))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		ordered = append(ordered, current)

		for _, child := range children[current.name] {
			inDegree[child.name]--
			if inDegree[child.name] == 0 {
				insert(child)
			}
		}
	}

	if len(ordered) != len(tables) {
		// Unreachable post-validation; kept as a guard for callers that
		// skip validateSchema.
		return nil, nil, fmt.Errorf("dependency cycle among synchronized tables")
	}

	ranks := make(map[string]int, len(ordered))
	for i, vt := range ordered {
		ranks[vt.name] = i
	}
	return ordered, ranks, nil
}
