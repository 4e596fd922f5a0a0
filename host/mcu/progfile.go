package mcu

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"piohal/pio"
)

// ReadProgram parses a program listing: one or more hex instruction words
// per line, # comments, and these directives:
//
//	.origin N                     load at address N
//	.side_set N [opt] [pindirs]   side-set width and mode
//	.side_set_base N              fixed side-set pin base
//	.wrap_target                  the next instruction is the wrap target
//	.wrap                         the previous instruction is the wrap source
//
// Without .wrap_target and .wrap the program wraps from its last
// instruction to its first.
func ReadProgram(r io.Reader) (*pio.Program, error) {
	p := pio.NewProgram()
	wrapSource := -1
	scanner := bufio.NewScanner(r)
	for line := 1; scanner.Scan(); line++ {
		tokens, err := shlex.Split(scanner.Text())
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if len(tokens) == 0 {
			continue
		}
		if strings.HasPrefix(tokens[0], ".") {
			if err := directive(p, &wrapSource, tokens); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			continue
		}
		for _, tok := range tokens {
			w, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(tok), "0x"), 16, 16)
			if err != nil {
				return nil, fmt.Errorf("line %d: instruction %q: %w", line, tok, err)
			}
			p.Code = append(p.Code, pio.Instr(w))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(p.Code) == 0 {
		return nil, fmt.Errorf("no instructions: %w", pio.ErrInvalidOperand)
	}
	if wrapSource < 0 {
		wrapSource = len(p.Code) - 1
	}
	p.WrapSource = uint8(wrapSource)
	if int(p.WrapTarget) >= len(p.Code) {
		return nil, fmt.Errorf(".wrap_target after the last instruction: %w", pio.ErrInvalidOperand)
	}
	return p, nil
}

func directive(p *pio.Program, wrapSource *int, tokens []string) error {
	name, args := tokens[0], tokens[1:]
	switch name {
	case ".wrap_target":
		p.WrapTarget = uint8(len(p.Code))
	case ".wrap":
		if len(p.Code) == 0 {
			return fmt.Errorf(".wrap before any instruction")
		}
		*wrapSource = len(p.Code) - 1
	case ".origin":
		v, err := intArg(name, args, 0, pio.InstructionMemorySize-1)
		if err != nil {
			return err
		}
		p.Origin = int8(v)
	case ".side_set_base":
		v, err := intArg(name, args, 0, 31)
		if err != nil {
			return err
		}
		p.SideSetBase = int8(v)
	case ".side_set":
		if len(args) == 0 {
			return fmt.Errorf(".side_set: missing width")
		}
		v, err := intArg(name, args[:1], 0, 5)
		if err != nil {
			return err
		}
		p.SideSet.Bits = uint8(v)
		for _, mod := range args[1:] {
			switch mod {
			case "opt":
				p.SideSet.Optional = true
			case "pindirs":
				p.SideSet.PinDirs = true
			default:
				return fmt.Errorf(".side_set: unknown modifier %q", mod)
			}
		}
	default:
		return fmt.Errorf("unknown directive %s", name)
	}
	return nil
}

func intArg(name string, args []string, lo, hi int) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%s takes one argument", name)
	}
	v, err := strconv.ParseInt(args[0], 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if int(v) < lo || int(v) > hi {
		return 0, fmt.Errorf("%s %d out of range %d..%d", name, v, lo, hi)
	}
	return int(v), nil
}
