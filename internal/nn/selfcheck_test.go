package nn

import (
	"errors"
	"math"
	"testing"
)

func TestRelDiff(t *testing.T) {
	nan := float32(math.NaN())
	sentinel := float32(math.MaxFloat32)

	cases := []struct {
		a, b float32
		want float32
	}{
		{nan, 1, sentinel},
		{1, nan, sentinel},
		{1, -1, sentinel},       // opposite signs
		{-0.01, 0.01, sentinel}, // opposite signs above the floor
		{0.5, 0.5, 0},
		{1e-5, -1e-5, 0}, // both floored, sign ignored below smallNumber
	}
	for _, c := range cases {
		if got := relDiff(c.a, c.b); got != c.want {
			t.Errorf("relDiff(%g, %g) = %g, want %g", c.a, c.b, got, c.want)
		}
	}

	if got := relDiff(1.0, 1.05); got < 0.04 || got > 0.06 {
		t.Errorf("relDiff(1.0, 1.05) = %g, want ~0.05", got)
	}
	if got := relDiff(1.0, 1.5); got <= selfCheckRelativeError {
		t.Errorf("relDiff(1.0, 1.5) = %g, should exceed the tolerance", got)
	}
}

// Fatal must trigger exactly when the credit first drops below minCredit,
// never a spend earlier.
func TestCreditFatalBoundary(t *testing.T) {
	c := newSelfChecker()
	if c.spend() {
		t.Fatal("first spend at the initial credit was fatal")
	}
	if !c.spend() {
		t.Fatal("second spend with exhausted credit was not fatal")
	}

	// Accrue past the cap; the credit saturates at three spends of trust.
	c = newSelfChecker()
	for i := 0; i < 4*maxCredit; i++ {
		c.accrue()
	}
	if got := c.credit.Load(); got != maxCredit {
		t.Fatalf("credit = %d after saturation, want %d", got, maxCredit)
	}
	for i := 0; i < 3; i++ {
		if c.spend() {
			t.Fatalf("spend %d fatal at credit %d", i+1, c.credit.Load())
		}
	}
	if !c.spend() {
		t.Fatal("fourth spend from a saturated counter was not fatal")
	}
}

func TestCompareSpendsPerElement(t *testing.T) {
	c := newSelfChecker()
	got := []float32{1.0, 2.0, 3.0}
	ref := []float32{1.0, 2.0, 3.0}
	if clean, fatal := c.compare(got, ref, "test"); !clean || fatal {
		t.Fatalf("identical vectors: clean=%v fatal=%v", clean, fatal)
	}

	got[1] = 2.5 // 25% off, one element spends the whole initial credit
	if clean, fatal := c.compare(got, ref, "test"); clean || fatal {
		t.Fatalf("single divergence: clean=%v fatal=%v, want dirty non-fatal", clean, fatal)
	}
	if clean, fatal := c.compare(got, ref, "test"); clean || !fatal {
		t.Fatalf("repeat divergence on empty credit: clean=%v fatal=%v, want fatal", clean, fatal)
	}
}

// stubEngine writes fixed outputs; flaky engines mutate them between calls.
type stubEngine struct {
	policy, value []float32
	perturb       float32 // added to policy[0] on every call after the first
	calls         int
}

func (s *stubEngine) forward(_, policy, value []float32) {
	copy(policy, s.policy)
	copy(value, s.value)
	if s.calls > 0 {
		policy[0] += s.perturb * float32(s.calls)
	}
	s.calls++
}

func TestAuditTransientAndPersistent(t *testing.T) {
	reference := &stubEngine{policy: []float32{1.0}, value: []float32{1.0}}

	// Deterministic divergence: retry matches the first run, tolerated even
	// with exhausted credit.
	det := &stubEngine{policy: []float32{2.0}, value: []float32{1.0}}
	c := newSelfChecker()
	c.credit.Store(0)
	policy := []float32{2.0}
	value := []float32{1.0}
	if err := c.audit(det, reference, nil, policy, value); err != nil {
		t.Fatalf("deterministic divergence escalated: %v", err)
	}

	// Unstable divergence: retry disagrees with the first run, confirming a
	// persistent fault once the credit is exhausted.
	flaky := &stubEngine{policy: []float32{2.0}, value: []float32{1.0}, perturb: 1.0, calls: 1}
	c = newSelfChecker()
	c.credit.Store(0)
	if err := c.audit(flaky, reference, nil, policy, value); !errors.Is(err, ErrSelfCheck) {
		t.Fatalf("audit = %v, want ErrSelfCheck", err)
	}

	// With credit available the divergence is spent, not escalated.
	flaky2 := &stubEngine{policy: []float32{2.0}, value: []float32{1.0}, perturb: 1.0, calls: 1}
	c = newSelfChecker()
	if err := c.audit(flaky2, reference, nil, policy, value); err != nil {
		t.Fatalf("funded divergence escalated: %v", err)
	}
}
