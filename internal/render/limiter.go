package render

import "math"

// Limiter keeps a frame inside a power budget in two stages:
//  1. per-pixel white cap: scales a pixel so R+G+B+W <= WhiteCap
//  2. global budget: estimates the frame's current and scales every pixel so
//     it stays under BudgetMA, compressing smoothly above Knee*BudgetMA
//
// Zero WhiteCap or BudgetMA disables that stage.
type Limiter struct {
	WhiteCap float32
	ChanMA   float64 // mA per channel at full scale; WS2812/SK6812 ≈ 20
	BudgetMA float64
	Knee     float64 // fraction of budget where soft limiting begins
}

// Current estimates the draw of buf in mA.
func Current(buf []Color, chanMA float64) float64 {
	var total float64
	for i := range buf {
		c := buf[i]
		total += float64(clamp01(c.R)+clamp01(c.G)+clamp01(c.B)+clamp01(c.W)) * chanMA
	}
	return total
}

// Apply limits buf in place and returns the global scale it used.
func (l *Limiter) Apply(buf []Color) float32 {
	if l.WhiteCap > 0 {
		for i := range buf {
			s := buf[i].R + buf[i].G + buf[i].B + buf[i].W
			if s > l.WhiteCap {
				buf[i] = buf[i].Scale(l.WhiteCap / s)
			}
		}
	}

	if l.BudgetMA <= 0 {
		return 1
	}
	chanMA := l.ChanMA
	if chanMA <= 0 {
		chanMA = 20
	}
	knee := l.Knee
	if knee <= 0 || knee >= 1 {
		knee = 0.9
	}
	total := Current(buf, chanMA)
	if total <= 0 {
		return 1
	}

	ratio := total / l.BudgetMA
	if ratio <= knee {
		return 1
	}
	// Past the knee, the delivered ratio approaches 1 but never reaches it.
	out := knee + (1-knee)*math.Tanh((ratio-knee)/(1-knee))
	s := float32(out / ratio)
	for i := range buf {
		buf[i] = buf[i].Scale(s)
	}
	return s
}

func clamp01(x float32) float32 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
