package distr

import (
	"errors"
	"math/rand/v2"
	"testing"
)

func newRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func TestRangeValidate(t *testing.T) {
	tests := []struct {
		r       Range
		wantErr bool
	}{
		{Range{Min: 0, Max: 0}, false},
		{Range{Min: 1, Max: 10}, false},
		{Range{Min: 5, Max: 4}, true},
		{Range{Min: -1, Max: 4}, true},
	}

	for _, tt := range tests {
		if err := tt.r.Validate(); (err != nil) != tt.wantErr {
			t.Errorf("%v.Validate() error = %v, wantErr %v", tt.r, err, tt.wantErr)
		}
	}
}

func TestRangePick(t *testing.T) {
	r := newRand()
	d := Range{Min: 3, Max: 7}
	seen := make(map[int]bool)

	for range 10000 {
		v := d.Pick(r)
		if v < 3 || v > 7 {
			t.Fatalf("Pick returned %d outside %v", v, d)
		}
		seen[v] = true
	}
	if len(seen) != 5 {
		t.Errorf("expected all 5 values to appear, got %v", seen)
	}

	if got := Fixed(9).Pick(r); got != 9 {
		t.Errorf("Fixed(9).Pick = %d, want 9", got)
	}
}

func TestByName(t *testing.T) {
	for _, name := range Names() {
		d, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q) failed: %v", name, err)
		}
		if d.Name() != name {
			t.Errorf("ByName(%q).Name() = %q", name, d.Name())
		}
	}

	if _, err := ByName("pareto"); !errors.Is(err, ErrUnknownDistribution) {
		t.Errorf("expected ErrUnknownDistribution, got %v", err)
	}
}

func TestSampleStaysInRange(t *testing.T) {
	r := newRand()
	for _, name := range Names() {
		d, _ := ByName(name)
		for _, n := range []uint64{1, 2, 17, 1000} {
			for _, mu := range []int{0, 50, 100} {
				for range 2000 {
					if v := d.Sample(r, n, mu); v >= n {
						t.Fatalf("%s.Sample(n=%d, mu=%d) = %d out of range", name, n, mu, v)
					}
				}
			}
		}
	}
}

func TestNormalCentresOnMu(t *testing.T) {
	r := newRand()
	const n = 10000
	var sum float64
	const draws = 20000
	for range draws {
		sum += float64(Normal{}.Sample(r, n, 50))
	}
	mean := sum / draws
	if mean < 4800 || mean > 5200 {
		t.Errorf("expected mean near 5000, got %.1f", mean)
	}
}

func TestZipfHotEndAtMu(t *testing.T) {
	r := newRand()
	const n = 1000
	z := NewZipf(DefaultZipfSkew)
	counts := make(map[uint64]int)
	for range 20000 {
		counts[z.Sample(r, n, 30)]++
	}
	// rank 0 maps to 30% of the range and should be the hottest seed
	hot := uint64(300)
	for v, c := range counts {
		if c > counts[hot] {
			t.Fatalf("seed %d (%d draws) hotter than hot end %d (%d draws)", v, c, hot, counts[hot])
		}
	}
}

func TestZipfReusesGenerator(t *testing.T) {
	z := NewZipf(DefaultZipfSkew)
	r1, r2 := newRand(), newRand()

	a := z.generator(r1, 100)
	if z.generator(r1, 100) != a {
		t.Error("expected the generator to be reused for the same source and n")
	}
	if z.generator(r1, 200) == a {
		t.Error("expected a new generator when n changes")
	}
	z.generator(r2, 200)
	if z.cached() != 2 {
		t.Errorf("expected one generator per source, got %d", z.cached())
	}

	for range 1000 {
		if v := z.Sample(r1, 200, 50); v >= 200 {
			t.Fatalf("sample %d out of range", v)
		}
	}
}

func TestValidateMu(t *testing.T) {
	if err := ValidateMu(50); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateMu(101); err == nil {
		t.Error("expected error for mu > 100")
	}
	if err := ValidateMu(-1); err == nil {
		t.Error("expected error for mu < 0")
	}
}
