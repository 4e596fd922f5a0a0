// Command piohost loads a PIO program listing onto a piohal board and
// starts a state machine running it.
//
//	piohost -device /dev/ttyACM0 -freq 1MHz -set-base 25 -set-count 1 blink.pio
//
// After the machine starts, commands read from stdin drive it: exec, put,
// query, stop, start and quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/shlex"
	"periph.io/x/conn/v3/physic"

	"piohal/host/mcu"
	"piohal/host/serial"
	"piohal/pio"
)

const (
	programOID = 0
	machineOID = 1
)

var (
	device      = flag.String("device", "/dev/ttyACM0", "Serial device path")
	baud        = flag.Int("baud", 115200, "Baud rate (ignored for USB CDC)")
	block       = flag.Uint("pio", 0, "PIO block")
	sm          = flag.Uint("sm", 0, "State machine within the block")
	setBase     = flag.Uint("set-base", 0, "First pin driven by SET")
	setCount    = flag.Uint("set-count", 0, "Number of SET pins")
	outBase     = flag.Uint("out-base", 0, "First pin driven by OUT")
	outCount    = flag.Uint("out-count", 0, "Number of OUT pins")
	inBase      = flag.Uint("in-base", 0, "First pin sampled by IN")
	sideSetBase = flag.Uint("sideset-base", 0, "First side-set pin")
	dictOnly    = flag.Bool("dict", false, "Print the dictionary and exit")
	timeout     = flag.Duration("timeout", 2*time.Second, "Per-command timeout")
)

var freq physic.Frequency

func main() {
	flag.Var(&freq, "freq", "State machine clock, e.g. 1MHz (default: system clock)")
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "piohost: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud
	m, err := mcu.Connect(cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*(*timeout))
	err = m.Identify(ctx)
	cancel()
	if err != nil {
		return err
	}
	dict := m.Dictionary()
	fmt.Printf("Connected to %s (%s)\n", dict.Version, dict.BuildVersions)
	if *dictOnly {
		printDictionary(dict)
		return nil
	}

	if flag.NArg() != 1 {
		return errors.New("usage: piohost [flags] program.pio")
	}
	f, err := os.Open(flag.Arg(0))
	if err != nil {
		return err
	}
	prog, err := mcu.ReadProgram(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("%s: %w", flag.Arg(0), err)
	}

	smCfg, err := machineConfig(dict)
	if err != nil {
		return err
	}
	if err := start(m, prog, smCfg); err != nil {
		return err
	}
	return interact(m)
}

func machineConfig(dict *mcu.Dictionary) (pio.Config, error) {
	cfg := pio.DefaultConfig()
	cfg.SetBase, cfg.SetCount = uint8(*setBase), uint8(*setCount)
	cfg.OutBase, cfg.OutCount = uint8(*outBase), uint8(*outCount)
	cfg.InBase = uint8(*inBase)
	cfg.SideSetBase = uint8(*sideSetBase)
	if freq == 0 {
		return cfg, nil
	}
	hz, err := dict.ConfigUint("SYSTEM_CLOCK")
	if err != nil {
		return cfg, err
	}
	div, err := pio.ClockDividerFor(physic.Frequency(hz)*physic.Hertz, freq)
	if err != nil {
		return cfg, err
	}
	cfg.ClockDivider = div
	fmt.Printf("Clock divider %d+%d/256 (%s)\n", div.Int, div.Frac, div.Frequency(physic.Frequency(hz)*physic.Hertz))
	return cfg, nil
}

func start(m *mcu.MCU, prog *pio.Program, cfg pio.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 4*(*timeout))
	defer cancel()

	origin, err := m.LoadProgram(ctx, programOID, uint8(*block), prog)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d instructions at %d in PIO%d\n", len(prog.Code), origin, *block)
	if err := m.ClaimStateMachine(ctx, machineOID, uint8(*block), uint8(*sm)); err != nil {
		return err
	}
	if err := m.Configure(ctx, machineOID, cfg); err != nil {
		return err
	}
	if err := m.Bind(ctx, machineOID, programOID); err != nil {
		return err
	}
	if err := m.Start(ctx, machineOID); err != nil {
		return err
	}
	fmt.Printf("SM%d running\n", *sm)
	return nil
}

func interact(m *mcu.MCU) error {
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		args, err := shlex.Split(scanner.Text())
		if err != nil {
			fmt.Println(err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "q" {
			break
		}
		if err := command(m, args); err != nil {
			fmt.Println(err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := m.Release(ctx, machineOID); err != nil {
		return err
	}
	return m.UnloadProgram(ctx, programOID)
}

func command(m *mcu.MCU, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "help":
		fmt.Println("exec INSTR | put WORD | query | stop | start | quit")
		return nil
	case "stop":
		return m.Stop(ctx, machineOID)
	case "start":
		return m.Start(ctx, machineOID)
	case "query":
		st, err := m.Query(ctx, machineOID)
		if err != nil {
			return err
		}
		fmt.Printf("state=%s pc=%d tx=%d rx=%d\n", st.State, st.PC, st.TxLevel, st.RxLevel)
		return nil
	case "exec", "put":
		if len(args) != 2 {
			return fmt.Errorf("%s takes one argument", args[0])
		}
		v, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return err
		}
		if args[0] == "put" {
			return m.Put(ctx, machineOID, uint32(v))
		}
		if v > 0xffff {
			return fmt.Errorf("instruction 0x%x wider than 16 bits", v)
		}
		return m.Exec(ctx, machineOID, pio.Instr(v))
	}
	return fmt.Errorf("unknown command %q (try help)", args[0])
}

func printDictionary(d *mcu.Dictionary) {
	fmt.Println("Config:")
	for k, v := range d.Config {
		fmt.Printf("  %s = %s\n", k, v)
	}
	fmt.Println("Commands:")
	for _, name := range d.CommandNames() {
		f, _ := d.Command(name)
		fmt.Printf("  %3d %s\n", f.ID, name)
	}
}
