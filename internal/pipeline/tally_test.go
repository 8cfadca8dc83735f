package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(label string, score float64) Detection {
	return Detection{Label: label, Score: score}
}

func TestBuildTally(t *testing.T) {
	t.Run("counts detections at or above threshold", func(t *testing.T) {
		dets := []Detection{det("person", 0.9), det("person", 0.6), det("car", 0.3)}

		tally := BuildTally(dets, 0.5, nil)

		assert.Equal(t, Tally{"person": 2}, tally)
	})

	t.Run("threshold is inclusive", func(t *testing.T) {
		tally := BuildTally([]Detection{det("dog", 0.5)}, 0.5, nil)

		assert.Equal(t, 1, tally["dog"])
	})

	t.Run("pads minimum labels with zero", func(t *testing.T) {
		dets := []Detection{det("person", 0.9), det("car", 0.3)}

		tally := BuildTally(dets, 0.5, []string{"person", "car"})

		assert.Equal(t, Tally{"person": 1, "car": 0}, tally)
	})

	t.Run("padding never resets a detected label", func(t *testing.T) {
		dets := []Detection{det("person", 0.9), det("person", 0.8)}

		tally := BuildTally(dets, 0.5, []string{"person"})

		assert.Equal(t, 2, tally["person"])
	})

	t.Run("empty input with minimum labels", func(t *testing.T) {
		tally := BuildTally(nil, 0.5, []string{"bicycle"})

		assert.Equal(t, Tally{"bicycle": 0}, tally)
	})

	t.Run("sum never exceeds detection count", func(t *testing.T) {
		dets := []Detection{det("a", 0.1), det("b", 0.7), det("b", 0.99), det("c", 0.5)}

		for _, threshold := range []float64{0, 0.2, 0.5, 0.8, 1} {
			tally := BuildTally(dets, threshold, []string{"z"})
			assert.LessOrEqual(t, tally.Total(), len(dets))
		}
	})
}

func TestTallySerializationIsDeterministic(t *testing.T) {
	tally := Tally{"zebra": 1, "apple": 3, "mango": 0}

	first, err := json.Marshal(tally)
	require.NoError(t, err)
	second, err := json.Marshal(Tally{"mango": 0, "zebra": 1, "apple": 3})
	require.NoError(t, err)

	assert.Equal(t, `{"apple":3,"mango":0,"zebra":1}`, string(first))
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"apple", "mango", "zebra"}, tally.Labels())
}

func TestTallyTags(t *testing.T) {
	assert.Equal(t, map[string]string{"person": "2", "car": "0"}, Tally{"person": 2, "car": 0}.Tags())
}

func TestIsInteresting(t *testing.T) {
	t.Run("absent set accepts everything", func(t *testing.T) {
		assert.True(t, IsInteresting(nil, 0.5, nil))
		assert.True(t, IsInteresting([]Detection{det("cat", 0.1)}, 0.5, nil))
	})

	t.Run("empty set accepts nothing", func(t *testing.T) {
		assert.False(t, IsInteresting([]Detection{det("cat", 0.9)}, 0.5, NewLabelSet([]string{})))
	})

	t.Run("matches case-insensitively", func(t *testing.T) {
		labels := NewLabelSet([]string{"Person"})

		assert.True(t, IsInteresting([]Detection{det("person", 0.8)}, 0.5, labels))
		assert.True(t, IsInteresting([]Detection{det("PERSON", 0.8)}, 0.5, labels))
	})

	t.Run("below threshold does not count", func(t *testing.T) {
		labels := NewLabelSet([]string{"person"})

		assert.False(t, IsInteresting([]Detection{det("person", 0.49), det("car", 0.9)}, 0.5, labels))
	})

	t.Run("label outside set does not count", func(t *testing.T) {
		labels := NewLabelSet([]string{"person"})

		assert.False(t, IsInteresting([]Detection{det("car", 0.9)}, 0.5, labels))
	})
}

func TestMatchedLabels(t *testing.T) {
	labels := NewLabelSet([]string{"person", "dog"})
	dets := []Detection{det("person", 0.9), det("person", 0.8), det("dog", 0.2), det("car", 0.9)}

	assert.Equal(t, []string{"person"}, MatchedLabels(dets, 0.5, labels))
}

func TestLabelSet(t *testing.T) {
	assert.Nil(t, NewLabelSet(nil))

	set := NewLabelSet([]string{" Car ", "bus", ""})
	assert.True(t, set.Contains("CAR"))
	assert.False(t, set.Contains(""))
	assert.Equal(t, []string{"bus", "car"}, set.Slice())

	var absent LabelSet
	assert.False(t, absent.Contains("car"))
}

func TestCycleConfigClone(t *testing.T) {
	cfg := DefaultCycleConfig()
	cfg.LabelsOfInterest = NewLabelSet([]string{"person"})
	cfg.LabelsMinimum = []string{"person"}

	clone := cfg.Clone()
	clone.LabelsOfInterest["car"] = struct{}{}
	clone.LabelsMinimum[0] = "car"

	assert.False(t, cfg.LabelsOfInterest.Contains("car"))
	assert.Equal(t, "person", cfg.LabelsMinimum[0])
}
