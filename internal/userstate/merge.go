package userstate

// Merge folds an uploaded state into the stored one and reports whether the result differs
// from current. A nil current means nothing is stored yet, so the result always counts as
// changed. Tombstones older than horizon (unix seconds) are dropped. Neither input is modified.
func Merge(incoming, current State, horizon float64) (State, bool) {
	return mergeWith(incoming, current, horizon, RandomIDSource)
}

func mergeWith(incoming, current State, horizon float64, source IDSource) (State, bool) {
	merged := incoming.Clone()
	if merged == nil {
		merged = State{}
	}

	for series, list := range merged {
		merged[series] = dedupe(list, source)
	}

	for series, currentList := range current {
		list, ok := merged[series]
		if !ok {
			merged[series] = cloneProfiles(currentList)
			continue
		}
		merged[series] = mergeSeries(list, currentList)
	}

	for series, list := range merged {
		merged[series] = dropExpiredTombstones(list, horizon)
	}

	if current == nil {
		return merged, true
	}
	return merged, !merged.Equal(current)
}

// dedupe assigns missing ids and keeps only the first profile for each id.
func dedupe(list []Profile, source IDSource) []Profile {
	assignIDs(list, source)

	seen := make(map[string]struct{}, len(list))
	out := list[:0]
	for _, p := range list {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

func mergeSeries(list, currentList []Profile) []Profile {
	position := make(map[string]int, len(list)+len(currentList))
	for i, p := range list {
		position[p.ID] = i
	}

	for _, cur := range cloneProfiles(currentList) {
		i, ok := position[cur.ID]
		if !ok {
			position[cur.ID] = len(list)
			list = append(list, cur)
			continue
		}
		if currentWins(list[i], cur) {
			list[i] = cur
		}
	}
	return list
}

// currentWins decides a conflict on one id. A stored tombstone cannot be revived by a live
// upload; otherwise the newer timestamp wins and the upload wins ties.
func currentWins(incoming, current Profile) bool {
	if current.Tombstone() && !incoming.Tombstone() {
		return true
	}
	return incoming.TS < current.TS
}

func dropExpiredTombstones(list []Profile, horizon float64) []Profile {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Tombstone() && list[i].TS < horizon {
			list = append(list[:i], list[i+1:]...)
		}
	}
	return list
}
