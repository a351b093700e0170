package model

// Sanitize returns a copy of s in which every entry that is non-finite or
// equal to the sentinel (compared at float32 precision) is replaced by 0,
// together with the per-entry validity mask. s is not modified.
func Sanitize(s *Sequence, sentinel float64) (*Sequence, []bool) {
	out := s.Clone()
	valid := make([]bool, len(s.Data))
	nan := float32(sentinel)
	for i, v := range out.Data {
		if isValid(v, nan) {
			valid[i] = true
		} else {
			out.Data[i] = 0
		}
	}
	return out, valid
}

// PaddingMask collapses an element validity mask of a batch x length x dim
// sequence to one flag per position: true when no feature is valid.
func PaddingMask(valid []bool, batch, length, dim int) []bool {
	pad := make([]bool, batch*length)
	for p := range pad {
		row := valid[p*dim : (p+1)*dim]
		pad[p] = true
		for _, ok := range row {
			if ok {
				pad[p] = false
				break
			}
		}
	}
	return pad
}
