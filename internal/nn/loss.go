package nn

import "math"

// HuberLoss is the mean smooth-L1 loss with delta 1, together with its
// gradient with respect to pred.
func HuberLoss(pred, target []float64) (float64, []float64) {
	n := float64(len(pred))
	if n == 0 {
		return 0, nil
	}
	var loss float64
	grad := make([]float64, len(pred))
	for i := range pred {
		d := pred[i] - target[i]
		if math.Abs(d) < 1 {
			loss += 0.5 * d * d
			grad[i] = d / n
		} else {
			loss += math.Abs(d) - 0.5
			grad[i] = math.Copysign(1, d) / n
		}
	}
	return loss / n, grad
}
