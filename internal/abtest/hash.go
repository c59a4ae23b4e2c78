package abtest

// hashString is the 32-bit rolling string hash h = h*31 + c with int32
// wraparound, taken over UTF-16 code units. Assignments persisted by earlier
// clients were produced with this exact function, so it must not change.
func hashString(s string) uint32 {
	var h int32
	for _, r := range s {
		if r >= 0x10000 {
			// surrogate pair
			r -= 0x10000
			h = (h << 5) - h + int32(0xD800+(r>>10))
			h = (h << 5) - h + int32(0xDC00+(r&0x3FF))
			continue
		}
		h = (h << 5) - h + int32(r)
	}
	if h < 0 {
		// abs of MinInt32 overflows in int32, widen first
		return uint32(-int64(h))
	}
	return uint32(h)
}

// bucket maps a user to [0,100) for an experiment.
func bucket(userID, experimentID string) int {
	return int(hashString(userID+experimentID) % 100)
}

// pickVariant walks cumulative weights. Rounding gaps below 100 fall through
// to the last variant.
func pickVariant(variants []Variant, b int) Variant {
	cumulative := 0.0
	for _, v := range variants {
		cumulative += v.Weight
		if float64(b) < cumulative {
			return v
		}
	}
	return variants[len(variants)-1]
}
