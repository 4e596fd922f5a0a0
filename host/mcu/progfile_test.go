package mcu

import (
	"errors"
	"strings"
	"testing"

	"piohal/pio"
)

func TestReadProgram(t *testing.T) {
	src := `# square wave
.side_set 1 opt
.origin 8
e081            # set pindirs, 1
.wrap_target
e001 0xE000
.wrap
0001
`
	p, err := ReadProgram(strings.NewReader(src))
	if err != nil {
		t.Fatalf("ReadProgram: %v", err)
	}
	want := []pio.Instr{0xe081, 0xe001, 0xe000, 0x0001}
	if len(p.Code) != len(want) {
		t.Fatalf("Expected %d instructions, got %d", len(want), len(p.Code))
	}
	for i := range want {
		if p.Code[i] != want[i] {
			t.Errorf("Expected 0x%04x at %d, got 0x%04x", want[i], i, p.Code[i])
		}
	}
	if p.WrapTarget != 1 || p.WrapSource != 2 {
		t.Errorf("Expected wrap 2->1, got %d->%d", p.WrapSource, p.WrapTarget)
	}
	if p.Origin != 8 {
		t.Errorf("Expected origin 8, got %d", p.Origin)
	}
	if p.SideSet != (pio.SideSet{Bits: 1, Optional: true}) {
		t.Errorf("Expected optional 1-bit side-set, got %+v", p.SideSet)
	}
	if p.SideSetBase != -1 {
		t.Errorf("Expected no fixed side-set base, got %d", p.SideSetBase)
	}
}

func TestReadProgramDefaults(t *testing.T) {
	p, err := ReadProgram(strings.NewReader("a042\na042\na042\n.side_set_base 12\n"))
	if err != nil {
		t.Fatalf("ReadProgram: %v", err)
	}
	if p.WrapTarget != 0 || p.WrapSource != 2 {
		t.Errorf("Expected wrap 2->0, got %d->%d", p.WrapSource, p.WrapTarget)
	}
	if p.Origin != pio.NoOrigin {
		t.Errorf("Expected relocatable program, got origin %d", p.Origin)
	}
	if p.SideSetBase != 12 {
		t.Errorf("Expected side-set base 12, got %d", p.SideSetBase)
	}
}

func TestReadProgramErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", "# nothing\n"},
		{"bad word", "e0g1\n"},
		{"word too wide", "1e081\n"},
		{"unknown directive", ".define x 1\ne081\n"},
		{"wrap first", ".wrap\ne081\n"},
		{"origin range", ".origin 32\ne081\n"},
		{"side_set width", ".side_set 6\ne081\n"},
		{"side_set modifier", ".side_set 1 sideways\ne081\n"},
		{"trailing wrap_target", "e081\n.wrap_target\n"},
		{"unterminated quote", "e081 \"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ReadProgram(strings.NewReader(tt.src)); err == nil {
				t.Error("Expected error")
			}
		})
	}

	_, err := ReadProgram(strings.NewReader(""))
	if !errors.Is(err, pio.ErrInvalidOperand) {
		t.Errorf("Expected ErrInvalidOperand for an empty listing, got %v", err)
	}
}
