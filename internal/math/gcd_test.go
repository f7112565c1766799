package math

import "testing"

func TestGreatestCommonDivisor(t *testing.T) {
	cases := []struct{ a, b, want int }{
		{16, 4096, 16},
		{12, 18, 6},
		{7, 13, 1},
		{5, 5, 5},
	}

	for _, c := range cases {
		if got := GreatestCommonDivisor(c.a, c.b); got != c.want {
			t.Errorf("GreatestCommonDivisor(%d, %d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestLowestCommonMultiple(t *testing.T) {
	cases := []struct{ a, b, want int }{
		{16, 4096, 4096},
		{4096, 4096, 4096},
		{4, 6, 12},
	}

	for _, c := range cases {
		if got := LowestCommonMultiple(c.a, c.b); got != c.want {
			t.Errorf("LowestCommonMultiple(%d, %d) = %d, want %d", c.a, c.b, got, c.want)
		}
	}
}
