package fairness

import (
	"math"
	"time"
)

// Multiplier law shared by server and clients: m(t) = 1.0024 × 1.0718^t.
// The server alone decides settlement; clients use the same law for display.
const (
	multiplierBase   = 1.0024
	multiplierGrowth = 1.0718
)

// Multiplier returns m(t) for elapsed time since round start.
func Multiplier(elapsed time.Duration) float64 {
	t := elapsed.Seconds()
	if t < 0 {
		t = 0
	}
	return multiplierBase * math.Pow(multiplierGrowth, t)
}

// MultiplierPPM returns m(t) rounded to 2 decimals, scaled to ppm.
func MultiplierPPM(elapsed time.Duration) uint64 {
	m := Multiplier(elapsed)
	cents := math.Floor(m*100 + 0.5)
	return uint64(cents) * (PPM / 100)
}

// TimeAt inverts the law: the elapsed time at which m(t) reaches m.
func TimeAt(m float64) time.Duration {
	if m <= multiplierBase {
		return 0
	}
	sec := math.Log(m/multiplierBase) / math.Log(multiplierGrowth)
	return time.Duration(sec * float64(time.Second))
}

// BufferedPPM returns m(t + ε) in ppm: the multiplier the round will have
// reached one cashout-buffer from now. Cashout and crash decisions compare
// this value against the crash point, so a request that would only win within
// ε of the crash is refused.
func BufferedPPM(elapsed, buffer time.Duration) uint64 {
	return MultiplierPPM(elapsed + buffer)
}

// CrashElapsed returns the elapsed time at which a round with the given crash
// point ends. Used to size the running phase and by recovery replay.
func CrashElapsed(crashPPM uint64) time.Duration {
	return TimeAt(float64(crashPPM) / PPM)
}
