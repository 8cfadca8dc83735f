package pipeline

import "strconv"

// FilterByScore returns the detections whose score is at or above threshold
func FilterByScore(detections []Detection, threshold float64) []Detection {
	kept := make([]Detection, 0, len(detections))
	for _, d := range detections {
		if d.Score >= threshold {
			kept = append(kept, d)
		}
	}
	return kept
}

// BuildTally counts detections per label after applying the score threshold.
// Every label in labelsMinimum is present in the result, with count 0 when
// nothing matched it.
func BuildTally(detections []Detection, threshold float64, labelsMinimum []string) Tally {
	tally := make(Tally)
	for _, d := range FilterByScore(detections, threshold) {
		tally[d.Label]++
	}
	for _, label := range labelsMinimum {
		if _, ok := tally[label]; !ok {
			tally[label] = 0
		}
	}
	return tally
}

// Tags renders the tally as string tags for artifact metadata
func (t Tally) Tags() map[string]string {
	tags := make(map[string]string, len(t))
	for label, n := range t {
		tags[label] = strconv.Itoa(n)
	}
	return tags
}
