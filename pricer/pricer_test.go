package pricer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSizeBoundaries(t *testing.T) {
	b := Price(int64(0.5*mib), 0) // exactly 0.5 MiB
	assert.Equal(t, 5, b.SizeCredits, "0.5 MiB is not < 0.5 MiB, falls into the next step")
	assert.Equal(t, SizeSmall, b.SizeTier)

	b = Price(20*mib, 0) // exactly 20 MiB
	assert.Equal(t, 20, b.SizeCredits, "20 MiB is not < 20 MiB, falls into the next step")
	assert.Equal(t, SizeLarge, b.SizeTier)

	b = Price(int64(0.5*mib)-1, 0)
	assert.Equal(t, 2, b.SizeCredits)
	assert.Equal(t, SizeTiny, b.SizeTier)
}

func TestTimeBoundary(t *testing.T) {
	b := Price(0, 10) // exactly 10s
	assert.Equal(t, 3, b.TimeCredits, "10s is not < 10s, falls into the next step")
	assert.Equal(t, TimeNormal, b.TimeTier)

	b = Price(0, 9.999)
	assert.Equal(t, 0, b.TimeCredits)
	assert.Equal(t, TimeQuick, b.TimeTier)
}

func TestScenarioS1(t *testing.T) {
	b := Price(200*1024, 5)
	assert.Equal(t, 2, b.Total)
}

func TestScenarioS3Debt(t *testing.T) {
	b := Price(60*mib, 150)
	assert.Equal(t, 60, b.Total)
	assert.Equal(t, SizeHuge, b.SizeTier)
	assert.Equal(t, TimeExtreme, b.TimeTier)
}
