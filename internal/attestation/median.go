package attestation

import "slices"

// Median returns the lower median of timestamps: the element at index
// (n-1)/2 of the ascending order. For an even count this is the lower of the
// two middle values; values are never averaged. Returns 0 for no input.
func Median(timestamps []Timestamp) Timestamp {
	if len(timestamps) == 0 {
		return 0
	}

	sorted := slices.Clone(timestamps)
	slices.Sort(sorted)

	return sorted[(len(sorted)-1)/2]
}
