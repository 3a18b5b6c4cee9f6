package util

import (
	"math"
	"testing"
)

func TestNewDistributionStats(t *testing.T) {
	even := NewDistributionStats([]float64{4, 4, 4, 4})
	if even.DistributionQuality != 1 {
		t.Errorf("Even spread should score 1, got %f", even.DistributionQuality)
	}

	skewed := NewDistributionStats([]float64{8, 0})
	if skewed.DistributionQuality >= even.DistributionQuality {
		t.Errorf("Skewed spread should score lower than even spread")
	}
	if skewed.Min != 0 || skewed.Max != 8 || skewed.Mean != 4 {
		t.Errorf("Unexpected stats %+v", skewed.Stats)
	}
	if math.Abs(skewed.StdDeviation-4) > 1e-9 {
		t.Errorf("Expected std deviation 4, got %f", skewed.StdDeviation)
	}

	if (NewStats(nil) != Stats{}) {
		t.Error("Empty input should yield zero stats")
	}
}
