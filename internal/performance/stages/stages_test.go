package stages

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatbotProfile(hold bool) *Schedule {
	return MustSchedule(
		Stage{Duration: 30 * time.Second, Target: 50},
		Stage{Duration: time.Minute, Target: 100, Hold: hold},
		Stage{Duration: 30 * time.Second, Target: 0},
	)
}

func TestSchedule_Target_HoldProfile(t *testing.T) {
	s := chatbotProfile(true)

	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 0},
		{15 * time.Second, 25},
		{30 * time.Second, 100},
		{45 * time.Second, 100},
		{89 * time.Second, 100},
		{90 * time.Second, 100},
		{105 * time.Second, 50},
		{120 * time.Second, 0},
		{10 * time.Minute, 0},
	}

	for _, tt := range tests {
		t.Run(tt.elapsed.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, s.Target(tt.elapsed))
		})
	}
}

func TestSchedule_Target_LinearBetweenStages(t *testing.T) {
	s := chatbotProfile(false)

	// Every second within the schedule must match the interpolation between
	// the previous stage's target and the enclosing stage's target.
	type bound struct {
		start, end time.Duration
		from, to   int
	}
	bounds := []bound{
		{0, 30 * time.Second, 0, 50},
		{30 * time.Second, 90 * time.Second, 50, 100},
		{90 * time.Second, 120 * time.Second, 100, 0},
	}

	for _, b := range bounds {
		for el := b.start; el < b.end; el += time.Second {
			progress := float64(el-b.start) / float64(b.end-b.start)
			want := int(float64(b.from) + float64(b.to-b.from)*progress + 0.5)
			require.Equal(t, want, s.Target(el), "elapsed=%s", el)
		}
	}

	assert.Equal(t, 75, s.Target(60*time.Second))
}

func TestSchedule_Target_NegativeElapsed(t *testing.T) {
	s := chatbotProfile(false)
	assert.Equal(t, 0, s.Target(-time.Second))
}

func TestSchedule_Target_EndsOnLastTarget(t *testing.T) {
	s := MustSchedule(Stage{Duration: time.Second, Target: 7})
	assert.Equal(t, 7, s.Target(time.Hour))
}

func TestSchedule_Phase(t *testing.T) {
	s := chatbotProfile(true)

	assert.Equal(t, PhaseRampUp, s.Phase(10*time.Second))
	assert.Equal(t, PhaseSteady, s.Phase(60*time.Second))
	assert.Equal(t, PhaseRampDown, s.Phase(100*time.Second))
	assert.Equal(t, PhaseDone, s.Phase(2*time.Minute))
}

func TestSchedule_StageIndex(t *testing.T) {
	s := chatbotProfile(false)

	assert.Equal(t, 0, s.StageIndex(0))
	assert.Equal(t, 1, s.StageIndex(30*time.Second))
	assert.Equal(t, 2, s.StageIndex(119*time.Second))
	assert.Equal(t, 3, s.StageIndex(120*time.Second))
}

func TestSchedule_Totals(t *testing.T) {
	s := chatbotProfile(false)

	assert.Equal(t, 2*time.Minute, s.TotalDuration())
	assert.Equal(t, 100, s.MaxTarget())
	assert.Equal(t, 3, s.Len())

	stages := s.Stages()
	stages[0].Target = 999
	assert.Equal(t, 50, s.Stages()[0].Target, "Stages must return a copy")
}

func TestNewSchedule_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
	}{
		{"empty", nil},
		{"zero duration", []Stage{{Duration: 0, Target: 1}}},
		{"negative target", []Stage{{Duration: time.Second, Target: -1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSchedule(tt.stages)
			assert.Error(t, err)
		})
	}
}

func TestParseStages(t *testing.T) {
	got, err := ParseStages("30s:50, 1m:100!,30s:0")
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, 30*time.Second, got[0].Duration)
	assert.Equal(t, 50, got[0].Target)
	assert.False(t, got[0].Hold)
	assert.True(t, got[1].Hold)
	assert.Equal(t, 100, got[1].Target)
	assert.Equal(t, "stage-3", got[2].Name)
}

func TestParseStages_Errors(t *testing.T) {
	for _, in := range []string{"", "30s", "abc:10", "30s:ten"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseStages(in)
			assert.Error(t, err)
		})
	}
}
