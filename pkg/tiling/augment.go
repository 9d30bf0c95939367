package tiling

import (
	"denoiseg/internal/models"
)

// Augment returns the pool grown by the 8 symmetries of the square: every
// pair is rotated by 90, 180 and 270 degrees in the plane of the first two
// axes, then every resulting pair is mirrored along the first axis.
// Pools of non-square tiles are returned unchanged. The input slice is not
// modified.
func Augment(pairs []models.TrainingPair) []models.TrainingPair {
	if len(pairs) == 0 || !square(pairs[0].Input) {
		return pairs
	}

	out := make([]models.TrainingPair, 0, 8*len(pairs))
	out = append(out, pairs...)

	for _, p := range pairs {
		r := p
		for i := 0; i < 3; i++ {
			r = rotate(r)
			out = append(out, r)
		}
	}

	n := len(out)
	for i := 0; i < n; i++ {
		out = append(out, flip(out[i]))
	}
	return out
}

func square(a *models.Array) bool {
	return a.NumDims() >= 2 && a.Shape[0] == a.Shape[1]
}

func rotate(p models.TrainingPair) models.TrainingPair {
	r := models.TrainingPair{Input: p.Input.Rotate90(0, 1), Labeled: p.Labeled}
	if p.Target != nil {
		r.Target = p.Target.Rotate90(0, 1)
	}
	return r
}

func flip(p models.TrainingPair) models.TrainingPair {
	f := models.TrainingPair{Input: p.Input.InvertAxis(0), Labeled: p.Labeled}
	if p.Target != nil {
		f.Target = p.Target.InvertAxis(0)
	}
	return f
}
