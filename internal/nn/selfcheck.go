package nn

import (
	"errors"
	"log"
	"math"
	"math/rand"
	"sync/atomic"
)

// ErrSelfCheck reports a confirmed divergence between the two backends.
// Continuing to serve evaluations after it is unsafe; the caller is expected
// to terminate the process.
var ErrSelfCheck = errors.New("backend self-check mismatch")

const (
	// One call in selfCheckProbability is audited against the reference
	// backend.
	selfCheckProbability = 2000

	// The credit scheme tolerates one large divergence per
	// selfCheckMinEvaluations clean evaluations, accumulating up to three
	// divergences worth of trust between errors.
	selfCheckMinEvaluations = 2_000_000
	minCredit               = selfCheckMinEvaluations / selfCheckProbability / 2
	maxCredit               = 3 * minCredit

	// Relative error above which two outputs count as divergent. Magnitudes
	// below smallNumber are floored before comparing so near-zero outputs
	// don't produce spurious relative errors.
	selfCheckRelativeError = 10e-2
	smallNumber            = 1e-3
)

// selfChecker audits sampled calls by running both backends and comparing
// outputs element-wise under a credit policy: every checked call earns one
// credit (saturating), every out-of-tolerance element spends minCredit, and
// spending below minCredit is fatal. The counter is the engine's only
// runtime-mutated shared state; increments may interleave loosely between
// threads, the threshold is a safety margin rather than an exact count.
type selfChecker struct {
	credit atomic.Int64
}

func newSelfChecker() *selfChecker {
	c := &selfChecker{}
	c.credit.Store(minCredit)
	return c
}

func (c *selfChecker) shouldCheck() bool {
	return rand.Intn(selfCheckProbability) == 0
}

// accrue records a checked call, saturating the credit at maxCredit.
func (c *selfChecker) accrue() {
	if v := c.credit.Add(1); v > maxCredit {
		c.credit.Store(maxCredit)
	}
}

// spend charges one large divergence against the credit. It reports fatal
// when the credit is already below the spending amount.
func (c *selfChecker) spend() (fatal bool) {
	if c.credit.Load() < minCredit {
		return true
	}
	c.credit.Add(-minCredit)
	return false
}

// relDiff is the comparison metric: the maximal sentinel for NaNs and for
// opposite-signed values of meaningful magnitude, otherwise the larger of
// the two relative errors over magnitude-floored inputs.
func relDiff(a, b float32) float32 {
	if math.IsNaN(float64(a)) || math.IsNaN(float64(b)) {
		return math.MaxFloat32
	}
	fa := abs32(a)
	fb := abs32(b)
	if fa > smallNumber && fb > smallNumber {
		if (a < 0) != (b < 0) && a != 0 && b != 0 {
			return math.MaxFloat32
		}
	}
	fa = max(fa, smallNumber)
	fb = max(fb, smallNumber)
	d := fa - fb
	return max(abs32(d/fa), abs32(d/fb))
}

// compare checks one output vector against the reference. It reports whether
// all elements were within tolerance and whether any out-of-tolerance
// element exhausted the credit.
func (c *selfChecker) compare(got, ref []float32, label string) (clean, fatal bool) {
	clean = true
	for i := range got {
		if err := relDiff(got[i], ref[i]); err > selfCheckRelativeError {
			clean = false
			log.Printf("self-check: %s[%d] expected %f got %f (error %.1f%%, credit %d)",
				label, i, ref[i], got[i], err*100, c.credit.Load())
			if c.spend() {
				fatal = true
			}
		}
	}
	return clean, fatal
}

// withinTolerance compares two runs of the same backend, with no credit
// involvement; it distinguishes a transient fault from a persistent one.
func withinTolerance(a, b []float32) bool {
	for i := range a {
		if relDiff(a[i], b[i]) > selfCheckRelativeError {
			return false
		}
	}
	return true
}

// audit re-runs the input on the reference backend and compares. On an
// out-of-credit divergence it re-runs the audited backend once: a retry that
// disagrees with the first run confirms a persistent fault and returns
// ErrSelfCheck; a retry that agrees is logged as transient and tolerated.
func (c *selfChecker) audit(audited, reference forwardEngine, input, policy, value []float32) error {
	c.accrue()

	refPolicy := make([]float32, len(policy))
	refValue := make([]float32, len(value))
	reference.forward(input, refPolicy, refValue)

	cleanP, fatalP := c.compare(policy, refPolicy, "policy")
	cleanV, fatalV := c.compare(value, refValue, "value")
	if cleanP && cleanV {
		return nil
	}

	if fatalP || fatalV {
		retryPolicy := make([]float32, len(policy))
		retryValue := make([]float32, len(value))
		audited.forward(input, retryPolicy, retryValue)
		if !withinTolerance(retryPolicy, policy) || !withinTolerance(retryValue, value) {
			return ErrSelfCheck
		}
		log.Printf("self-check: retry matched first run, treating divergence as transient")
	}
	return nil
}
