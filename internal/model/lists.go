package model

// Helpers that compute the desired list contents for a compare-and-swap edit.
// None of them mutate the snapshot they are given.

func IndexOf(entries []string, locator string) int {
	for i, e := range entries {
		if e == locator {
			return i
		}
	}
	return -1
}

func AppendEntry(entries []string, locator string) []string {
	out := make([]string, 0, len(entries)+1)
	out = append(out, entries...)
	return append(out, locator)
}

// RemoveEntry drops the first occurrence of locator. ok is false when the
// locator is not in the list.
func RemoveEntry(entries []string, locator string) (out []string, ok bool) {
	i := IndexOf(entries, locator)
	if i == -1 {
		return append([]string(nil), entries...), false
	}
	out = make([]string, 0, len(entries)-1)
	out = append(out, entries[:i]...)
	return append(out, entries[i+1:]...), true
}

// MoveEntry swaps locator with its neighbour: up moves it towards index 0.
// ok is false when the locator is missing or already at the boundary.
func MoveEntry(entries []string, locator string, up bool) (out []string, ok bool) {
	out = append([]string(nil), entries...)
	i := IndexOf(entries, locator)
	if i == -1 {
		return out, false
	}
	j := i + 1
	if up {
		j = i - 1
	}
	if j < 0 || j >= len(out) {
		return out, false
	}
	out[i], out[j] = out[j], out[i]
	return out, true
}

func EqualEntries(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
