package pipeline

// IsInteresting decides whether a cycle's detections are worth publishing.
// Without a configured label set every cycle is interesting, including one
// with no detections at all. Otherwise at least one detection at or above the
// threshold must carry a label from the set (compared case-insensitively).
func IsInteresting(detections []Detection, threshold float64, labelsOfInterest LabelSet) bool {
	if labelsOfInterest == nil {
		return true
	}
	for _, d := range detections {
		if d.Score >= threshold && labelsOfInterest.Contains(d.Label) {
			return true
		}
	}
	return false
}

// MatchedLabels returns the distinct labels of interest found above threshold
func MatchedLabels(detections []Detection, threshold float64, labelsOfInterest LabelSet) []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range detections {
		if d.Score < threshold || !labelsOfInterest.Contains(d.Label) || seen[d.Label] {
			continue
		}
		seen[d.Label] = true
		out = append(out, d.Label)
	}
	return out
}
