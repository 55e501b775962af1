package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTargetFrames_ReferenceRateAlternates(t *testing.T) {
	parity := 0
	var got []int
	for i := 0; i < 6; i++ {
		got = append(got, targetFrames(ReferenceRate, &parity))
	}
	assert.Equal(t, []int{221, 220, 221, 220, 221, 220}, got)

	// Starting from the other parity shifts the sequence.
	parity = 1
	assert.Equal(t, 220, targetFrames(ReferenceRate, &parity))
	assert.Equal(t, 221, targetFrames(ReferenceRate, &parity))
}

func TestTargetFrames_OtherRates(t *testing.T) {
	tests := []struct {
		rate int
		want int
	}{
		{48000, 240},
		{88200, 441},
		{96000, 480},
		{32000, 160},
		{22050, 110},
		{0, 0},
	}

	for _, tt := range tests {
		parity := 0
		for i := 0; i < 3; i++ {
			assert.Equal(t, tt.want, targetFrames(tt.rate, &parity), "rate %d call %d", tt.rate, i)
		}
		assert.Equal(t, tt.rate*5/1000, tt.want)
	}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name     string
		target   int
		reported int
		want     int
	}{
		{"exact", 240, 240, 240},
		{"inside low", 240, 231, 231},
		{"inside high", 240, 249, 249},
		{"low boundary rejected", 240, 230, 240},
		{"high boundary rejected", 240, 250, 240},
		{"far low", 240, 0, 240},
		{"far high", 240, 1000, 240},
		{"reference odd", 221, 212, 212},
		{"reference boundary", 221, 211, 221},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reconcile(tt.target, tt.reported))
		})
	}
}

func TestNextFrameCount_ConsumesFeedback(t *testing.T) {
	s, _, obs := attachFake(t)
	flowing(s, 48000)

	s.feedback.Add(120)
	s.feedback.Add(122)

	s.mu.Lock()
	first := s.nextFrameCount()
	second := s.nextFrameCount()
	s.mu.Unlock()

	assert.Equal(t, 242, first, "accumulated feedback inside the window is adopted")
	assert.Equal(t, 240, second, "feedback was reset by the first fill")
	assert.Zero(t, s.feedback.Load())
	assert.Equal(t, 1, obs.adopted)
}
