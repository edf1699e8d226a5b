package kronos

// Bias controls how hard the allocation leans toward recent memory.
type Bias string

const (
	BiasLow    Bias = "low"
	BiasMedium Bias = "medium"
	BiasHigh   Bias = "high"
)

// ParseBias maps arbitrary input to a valid bias, defaulting to medium.
func ParseBias(s string) Bias {
	switch Bias(s) {
	case BiasLow, BiasMedium, BiasHigh:
		return Bias(s)
	default:
		return BiasMedium
	}
}

// Allocation is the per-window slot split.
type Allocation struct {
	Hot      int
	Working  int
	LongTerm int
}

// Total returns the allocated slot count.
func (a Allocation) Total() int { return a.Hot + a.Working + a.LongTerm }

// Allocate splits n slots across the three live windows. Low and medium
// bias weigh the windows equally; high bias weighs them 2 : 1 : 0.5.
// Slots are floored proportionally and the remainder goes to HOT, so the
// split always sums to exactly n.
func Allocate(n int, bias Bias) Allocation {
	if n <= 0 {
		return Allocation{}
	}

	wHot, wWorking, wLong := 1.0, 1.0, 1.0
	if bias == BiasHigh {
		wHot, wWorking, wLong = 2.0, 1.0, 0.5
	}
	total := wHot + wWorking + wLong

	a := Allocation{
		Hot:      int(float64(n) * wHot / total),
		Working:  int(float64(n) * wWorking / total),
		LongTerm: int(float64(n) * wLong / total),
	}
	a.Hot += n - a.Total()
	return a
}
