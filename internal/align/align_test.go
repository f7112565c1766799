package align

import "testing"

func TestAddress(t *testing.T) {
	cases := []struct {
		name      string
		addr      uint64
		alignment uint64
		want      uint64
	}{
		{"already aligned", 4096, 4096, 4096},
		{"rounds up", 4097, 4096, 8192},
		{"zero alignment is a no-op", 123, 0, 123},
		{"zero address", 0, 16, 0},
		{"one below boundary", 4095, 4096, 4096},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Address(c.addr, c.alignment); got != c.want {
				t.Errorf("Address(%d, %d) = %d, want %d", c.addr, c.alignment, got, c.want)
			}
		})
	}
}

func TestAddressUint32(t *testing.T) {
	if got := Address(uint32(17), uint32(16)); got != 32 {
		t.Errorf("Address(17, 16) = %d, want 32", got)
	}
}
