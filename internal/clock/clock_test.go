package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeadlineToTicksInfinite(t *testing.T) {
	d := Deadline{Infinite: true}
	assert.Equal(t, MaxTicks-1, d.ToTicks())
}

func TestDeadlineToTicksPast(t *testing.T) {
	d := Deadline{TargetUS: NowUS() - 1000}
	assert.Equal(t, uint64(0), d.ToTicks())
}

func TestDeadlineToTicksFuture(t *testing.T) {
	d := FromRelative(5000)
	ticks := d.ToTicks()
	assert.GreaterOrEqual(t, ticks, uint64(1))
	assert.LessOrEqual(t, ticks, uint64(10))
}

func TestFromRelativeForever(t *testing.T) {
	d := FromRelative(Forever)
	assert.True(t, d.Infinite)
}

func TestExpired(t *testing.T) {
	d := Deadline{TargetUS: NowUS() - 1}
	assert.True(t, d.Expired())
	d2 := Deadline{Infinite: true}
	assert.False(t, d2.Expired())
}
