package ir

// SplitVisible partitions records into those whose dependencies are all
// satisfied and those still pending. A dependency is satisfied by a folded
// hash or by another visible record in the input. Both outputs keep the
// input order.
func SplitVisible(recs []ChangeRecord, folded map[ContentHash]bool) (visible, pending []ChangeRecord) {
	index := make(map[ContentHash]int, len(recs))
	for i, r := range recs {
		if _, dup := index[r.Hash]; !dup {
			index[r.Hash] = i
		}
	}

	missing := make([]int, len(recs))
	waiters := make(map[ContentHash][]int)
	ok := make([]bool, len(recs))
	var queue []int

	for i, r := range recs {
		if index[r.Hash] != i {
			continue
		}
		for _, d := range r.Dependencies {
			if folded[d] {
				continue
			}
			missing[i]++
			waiters[d] = append(waiters[d], i)
		}
		if missing[i] == 0 {
			queue = append(queue, i)
		}
	}

	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		ok[i] = true
		for _, w := range waiters[recs[i].Hash] {
			missing[w]--
			if missing[w] == 0 {
				queue = append(queue, w)
			}
		}
	}

	for i, r := range recs {
		if index[r.Hash] != i {
			continue
		}
		if ok[i] {
			visible = append(visible, r)
		} else {
			pending = append(pending, r)
		}
	}
	return visible, pending
}
