package console

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders the last width values scaled between their minimum and
// maximum. A flat series renders at the lowest level.
func Sparkline(values []int32, width int) string {
	if width <= 0 || len(values) == 0 {
		return ""
	}
	if len(values) > width {
		values = values[len(values)-width:]
	}

	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}

	out := make([]rune, len(values))
	span := int64(hi) - int64(lo)
	top := int64(len(sparkBlocks) - 1)
	for i, v := range values {
		if span == 0 {
			out[i] = sparkBlocks[0]
			continue
		}
		out[i] = sparkBlocks[(int64(v)-int64(lo))*top/span]
	}
	return string(out)
}
