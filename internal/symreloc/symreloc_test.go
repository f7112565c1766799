package symreloc

import (
	"debug/elf"
	"testing"
)

func TestEntrypointPrefersWhicheverNameComesFirst(t *testing.T) {
	cases := []struct {
		name  string
		symbs []elf.Symbol
		want  uint64
	}{
		{
			name: "_start before start",
			symbs: []elf.Symbol{
				{Name: "other", Value: 1},
				{Name: "_start", Value: 0x1000},
				{Name: "start", Value: 0x2000},
			},
			want: 0x1000,
		},
		{
			name: "start before _start",
			symbs: []elf.Symbol{
				{Name: "other", Value: 1},
				{Name: "start", Value: 0x2000},
				{Name: "_start", Value: 0x1000},
			},
			want: 0x2000,
		},
		{
			name: "only start present",
			symbs: []elf.Symbol{
				{Name: "start", Value: 0x3000},
			},
			want: 0x3000,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := entrypoint(c.symbs)
			if err != nil {
				t.Fatalf("entrypoint returned error: %v", err)
			}
			if got != c.want {
				t.Errorf("entrypoint() = 0x%x, want 0x%x", got, c.want)
			}
		})
	}
}

func TestEntrypointErrorsWithoutStartSymbol(t *testing.T) {
	_, err := entrypoint([]elf.Symbol{{Name: "main"}, {Name: "__bss_start"}})
	if err != ErrNoStartSymbol {
		t.Errorf("entrypoint() error = %v, want ErrNoStartSymbol", err)
	}
}
