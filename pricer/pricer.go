// Package pricer computes the credit cost of a completed analysis from the
// file size and elapsed processing time. It is a pure function: no clock,
// no I/O, no collaborators.
package pricer

import "math"

// SizeTier and TimeTier label a cost band for reporting; they carry no
// pricing weight of their own.
type SizeTier string

const (
	SizeTiny   SizeTier = "tiny"
	SizeSmall  SizeTier = "small"
	SizeMedium SizeTier = "medium"
	SizeLarge  SizeTier = "large"
	SizeHuge   SizeTier = "huge"
)

type TimeTier string

const (
	TimeQuick   TimeTier = "quick"
	TimeNormal  TimeTier = "normal"
	TimeSlow    TimeTier = "slow"
	TimeHeavy   TimeTier = "heavy"
	TimeExtreme TimeTier = "extreme"
)

const (
	mib = 1024 * 1024
)

// Breakdown is the full pricing detail attached to a completed job.
type Breakdown struct {
	SizeTier    SizeTier
	TimeTier    TimeTier
	SizeCredits int
	TimeCredits int
	Total       int
}

// sizeStep and timeStep are the contract: altering these values changes
// what users are charged.
func sizeStep(bytes int64) (int, SizeTier) {
	switch {
	case bytes < 0.5*mib:
		return 2, SizeTiny
	case bytes < 5*mib:
		return 5, SizeSmall
	case bytes < 20*mib:
		return 10, SizeMedium
	case bytes < 50*mib:
		return 20, SizeLarge
	default:
		return 35, SizeHuge
	}
}

func timeStep(seconds float64) (int, TimeTier) {
	switch {
	case seconds < 10:
		return 0, TimeQuick
	case seconds < 30:
		return 3, TimeNormal
	case seconds < 60:
		return 7, TimeSlow
	case seconds < 120:
		return 15, TimeHeavy
	default:
		return 25, TimeExtreme
	}
}

// Price computes the credit breakdown for a file of the given size that
// took the given elapsed seconds to process.
func Price(sizeBytes int64, elapsedSeconds float64) Breakdown {
	sizeCredits, sTier := sizeStep(sizeBytes)
	timeCredits, tTier := timeStep(elapsedSeconds)
	return Breakdown{
		SizeTier:    sTier,
		TimeTier:    tTier,
		SizeCredits: sizeCredits,
		TimeCredits: timeCredits,
		Total:       int(math.Ceil(float64(sizeCredits + timeCredits))),
	}
}
