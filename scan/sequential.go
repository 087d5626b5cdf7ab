package scan

// Sequential computes the prefix sum on a single thread. It exists as the
// oracle for the parallel engine's tests and as the sensible path for inputs
// too small to be worth dispatching.
func Sequential(input []uint32, inclusive bool) []uint32 {
	out := make([]uint32, len(input))
	var acc uint32
	if inclusive {
		for i, v := range input {
			acc += v
			out[i] = acc
		}
	} else {
		for i, v := range input {
			out[i] = acc
			acc += v
		}
	}
	return out
}
