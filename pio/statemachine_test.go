package pio

import (
	"errors"
	"sync"
	"testing"

	"piohal/regs"
)

type smSnapshot struct {
	clkdiv, execctrl, shiftctrl, pinctrl uint32
	enabled                              bool
	inte0, inte1                         uint32
	state                                SMState
	program                              *LoadedProgram
}

func snapshot(sim *regs.Sim, sm *StateMachine) smSnapshot {
	bit := uint32(1) << sm.index
	sources := bit<<intRxNotEmpty | bit<<intTxNotFull | bit<<intSMIRQ
	return smSnapshot{
		clkdiv:    sim.Peek(smOffset(sm.index, smCLKDIV)),
		execctrl:  sim.Peek(smOffset(sm.index, smEXECCTRL)),
		shiftctrl: sim.Peek(smOffset(sm.index, smSHIFTCTRL)),
		pinctrl:   sim.Peek(smOffset(sm.index, smPINCTRL)),
		enabled:   sim.Peek(regCTRL)&bit != 0,
		inte0:     sim.Peek(inteOffset(0)) & sources,
		inte1:     sim.Peek(inteOffset(1)) & sources,
		state:     sm.State(),
		program:   sm.Program(),
	}
}

func TestClaimTwice(t *testing.T) {
	b, _ := newTestBlock(t)

	sm, err := b.Claim(0)
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := b.Claim(0); !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("Expected ErrAlreadyClaimed, got %v", err)
	}
	if sm.State() != Halted {
		t.Errorf("Failed claim disturbed the owner: state %v", sm.State())
	}

	if err := sm.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := b.Claim(0); err != nil {
		t.Errorf("Claim after release failed: %v", err)
	}
}

func TestClaimIndexOutOfRange(t *testing.T) {
	b, _ := newTestBlock(t)
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for state machine 4")
		}
	}()
	b.Claim(4)
}

func TestConcurrentClaimSingleWinner(t *testing.T) {
	b, _ := newTestBlock(t)

	var wg sync.WaitGroup
	results := make(chan *StateMachine, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sm, err := b.Claim(3)
			if err == nil {
				results <- sm
			} else if !errors.Is(err, ErrAlreadyClaimed) {
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(results)

	n := 0
	for sm := range results {
		n++
		if sm.State() != Halted {
			t.Errorf("Winner in state %v", sm.State())
		}
	}
	if n != 1 {
		t.Errorf("Expected exactly one successful claim, got %d", n)
	}
}

func TestReleaseThenClaimIsFresh(t *testing.T) {
	b, sim := newTestBlock(t)
	if err := b.BindInterrupt(0); err != nil {
		t.Fatalf("BindInterrupt failed: %v", err)
	}

	fresh, _ := b.Claim(1)
	want := snapshot(sim, fresh)
	fresh.Release()

	lp, _ := b.Load(sideSetProgram(), NoOrigin)
	sm, _ := b.Claim(1)
	cfg := DefaultConfig()
	cfg.ClockDivider = ClockDivider{Int: 3, Frac: 128}
	cfg.OutBase, cfg.OutCount = 2, 8
	cfg.FIFOJoin = FIFOJoinTx
	cfg.InShift = ShiftConfig{Right: false, Auto: true, Threshold: 8}
	if err := sm.Configure(cfg); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := sm.Bind(lp); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	sm.Start()
	sim.Poke(inteOffset(0), 1<<(intTxNotFull+1))
	if err := sm.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if lp.Refs() != 0 {
		t.Errorf("Expected release to drop the binding, refs %d", lp.Refs())
	}

	again, err := b.Claim(1)
	if err != nil {
		t.Fatalf("Claim after release failed: %v", err)
	}
	if got := snapshot(sim, again); got != want {
		t.Errorf("Reclaimed machine differs from a fresh one:\nwant %+v\ngot  %+v", want, got)
	}
}

func TestStaleHandle(t *testing.T) {
	b, _ := newTestBlock(t)
	old, _ := b.Claim(2)
	old.Release()
	current, _ := b.Claim(2)

	checks := map[string]error{
		"Start":     old.Start(),
		"Stop":      old.Stop(),
		"Configure": old.Configure(DefaultConfig()),
		"Exec":      old.Exec(EncodeNop()),
		"Release":   old.Release(),
	}
	for name, err := range checks {
		if !errors.Is(err, ErrNotClaimed) {
			t.Errorf("%s on stale handle: expected ErrNotClaimed, got %v", name, err)
		}
	}
	if old.State() != Unclaimed {
		t.Errorf("Expected stale handle to report unclaimed, got %v", old.State())
	}
	if current.State() != Halted {
		t.Errorf("Stale handle disturbed the owner: %v", current.State())
	}
}

func TestConfigureWhileRunning(t *testing.T) {
	b, _ := newTestBlock(t)
	sm, _ := b.Claim(0)
	sm.Start()

	if err := sm.Configure(DefaultConfig()); !errors.Is(err, ErrNotHalted) {
		t.Errorf("Expected ErrNotHalted, got %v", err)
	}
	if sm.State() != Running {
		t.Errorf("Expected running, got %v", sm.State())
	}

	sm.Stop()
	if err := sm.Configure(DefaultConfig()); err != nil {
		t.Errorf("Configure after stop failed: %v", err)
	}
	if sm.State() != Configured {
		t.Errorf("Expected configured, got %v", sm.State())
	}
}

func TestStartStopUseAliases(t *testing.T) {
	b, sim := newTestBlock(t)
	sm, _ := b.Claim(2)
	sim.ResetLog()

	sm.Start()
	sm.Restart()
	sm.ClockDividerRestart()
	sm.Stop()

	want := []regs.Access{
		{Offset: regCTRL, Op: regs.OpSet, Value: 1 << 2},
		{Offset: regCTRL, Op: regs.OpSet, Value: 1 << 6},
		{Offset: regCTRL, Op: regs.OpSet, Value: 1 << 10},
		{Offset: regCTRL, Op: regs.OpClear, Value: 1 << 2},
	}
	got := sim.AccessesTo(regCTRL)
	if len(got) != len(want) {
		t.Fatalf("Expected %d CTRL writes, got %+v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CTRL write %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestIndependentMachinesDoNotInterfere(t *testing.T) {
	b, sim := newTestBlock(t)
	sm0, _ := b.Claim(0)
	sm1, _ := b.Claim(1)

	sm0.Start()
	sm1.Start()
	sm0.Stop()

	if ctrl := sim.Peek(regCTRL) & 0xf; ctrl != 0b10 {
		t.Errorf("Expected only SM1 enabled, got %#b", ctrl)
	}
	if sm0.State() == Running || sm1.State() != Running {
		t.Errorf("Unexpected states %v %v", sm0.State(), sm1.State())
	}
}

func sideSetProgram() *Program {
	cfg := SideSet{Bits: 1, Optional: true, PinDirs: true}
	a, _ := EncodeDelaySideSet(EncodeOut(OutPins, 1), 0, 1, cfg)
	b, _ := EncodeDelaySideSet(EncodeJmp(JmpAlways, 0), 1, NoSideSet, cfg)
	p := NewProgram(EncodeNop(), a, b)
	p.SideSet = cfg
	p.SideSetBase = 9
	p.WrapSource, p.WrapTarget = 2, 1
	return p
}

func TestBindWritesProgramFields(t *testing.T) {
	b, sim := newTestBlock(t)
	b.Load(nops(4), NoOrigin)
	lp, err := b.Load(sideSetProgram(), NoOrigin)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	sm, _ := b.Claim(0)
	cfg := DefaultConfig()
	cfg.JmpPin = 17
	cfg.SideSetBase = 3
	cfg.OutBase, cfg.OutCount = 4, 1
	sm.Configure(cfg)

	sim.ResetLog()
	if err := sm.Bind(lp); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	exec := sim.Peek(smOffset(0, smEXECCTRL))
	if top := exec >> execWrapTop & 0x1f; top != 6 {
		t.Errorf("Expected wrap top 6, got %d", top)
	}
	if bottom := exec >> execWrapBottom & 0x1f; bottom != 5 {
		t.Errorf("Expected wrap bottom 5, got %d", bottom)
	}
	if exec&execSideEn == 0 || exec&execSidePinDir == 0 {
		t.Errorf("Expected SIDE_EN and SIDE_PINDIR, got %#x", exec)
	}
	if pin := exec >> execJmpPinShift & 0x1f; pin != 17 {
		t.Errorf("Bind overwrote jmp pin: %d", pin)
	}

	pinctrl := sim.Peek(smOffset(0, smPINCTRL))
	if n := pinctrl >> pinSideSetCount & 0x7; n != 2 {
		t.Errorf("Expected side-set count 2, got %d", n)
	}
	if base := pinctrl >> pinSideSetBase & 0x1f; base != 9 {
		t.Errorf("Expected program side-set base 9, got %d", base)
	}
	if base := pinctrl >> pinOutBase & 0x1f; base != 4 {
		t.Errorf("Bind overwrote out base: %d", base)
	}

	for _, a := range sim.AccessesTo(smOffset(0, smEXECCTRL)) {
		if a.Op != regs.OpXor {
			t.Errorf("EXECCTRL must be updated through the XOR alias, got %v", a.Op)
		}
	}
	instr := sim.AccessesTo(smOffset(0, smINSTR))
	if len(instr) != 1 || Instr(instr[0].Value) != EncodeJmp(JmpAlways, 4) {
		t.Errorf("Expected jmp 4 on INSTR, got %+v", instr)
	}

	// A fixed side-set base survives a later Configure.
	cfg.SideSetBase = 1
	sm.Configure(cfg)
	if base := sim.Peek(smOffset(0, smPINCTRL)) >> pinSideSetBase & 0x1f; base != 9 {
		t.Errorf("Configure overwrote program side-set base: %d", base)
	}
	if sm.State() != Bound {
		t.Errorf("Expected bound, got %v", sm.State())
	}
}

func TestRebindMovesReference(t *testing.T) {
	b, _ := newTestBlock(t)
	lp1, _ := b.Load(nops(2), NoOrigin)
	lp2, _ := b.Load(nops(2), NoOrigin)
	sm, _ := b.Claim(0)

	sm.Bind(lp1)
	sm.Bind(lp2)
	if lp1.Refs() != 0 || lp2.Refs() != 1 {
		t.Errorf("Expected refs 0/1, got %d/%d", lp1.Refs(), lp2.Refs())
	}
	if err := b.Unload(lp1); err != nil {
		t.Errorf("Unload of unbound program failed: %v", err)
	}
	if err := sm.Bind(lp1); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Expected ErrNotLoaded binding an unloaded program, got %v", err)
	}
	if sm.Program() != lp2 {
		t.Error("Failed bind changed the binding")
	}
}

func TestBindRequiresHaltedAndSameBlock(t *testing.T) {
	b, _ := newTestBlock(t)
	other := NewBlock(1, regs.NewSim(PIO1Base))
	lpOther, _ := other.Load(nops(1), NoOrigin)
	lp, _ := b.Load(nops(1), NoOrigin)
	sm, _ := b.Claim(0)

	if err := sm.Bind(lpOther); !errors.Is(err, ErrWrongBlock) {
		t.Errorf("Expected ErrWrongBlock, got %v", err)
	}
	sm.Start()
	if err := sm.Bind(lp); !errors.Is(err, ErrNotHalted) {
		t.Errorf("Expected ErrNotHalted, got %v", err)
	}
	if lp.Refs() != 0 {
		t.Errorf("Failed bind changed refs: %d", lp.Refs())
	}
}

func TestExecRules(t *testing.T) {
	b, sim := newTestBlock(t)
	sm, _ := b.Claim(0)

	if err := sm.Exec(EncodePull(false, true)); err != nil {
		t.Errorf("Halted exec failed: %v", err)
	}

	sm.Start()
	sim.ResetLog()
	if err := sm.Exec(EncodeSet(SetPins, 1)); err != nil {
		t.Errorf("set while running failed: %v", err)
	}
	if err := sm.Exec(EncodeIRQSet(false, 0)); err != nil {
		t.Errorf("irq while running failed: %v", err)
	}
	if err := sm.Exec(EncodeMov(MovDestX, MovOpNone, MovSrcY)); err != nil {
		t.Errorf("mov x while running failed: %v", err)
	}
	for _, in := range []Instr{
		EncodeJmp(JmpAlways, 0),
		EncodeIRQSet(true, 0),
		EncodeWait(true, WaitGPIO, 0),
		EncodeMov(MovDestPC, MovOpNone, MovSrcX),
		EncodeMov(MovDestExec, MovOpNone, MovSrcOSR),
	} {
		if err := sm.Exec(in); !errors.Is(err, ErrNotHalted) {
			t.Errorf("%v while running: expected ErrNotHalted, got %v", in.Opcode(), err)
		}
	}
	if n := len(sim.AccessesTo(smOffset(0, smINSTR))); n != 3 {
		t.Errorf("Expected 3 instructions executed, got %d", n)
	}
}

func TestConfigureRegisters(t *testing.T) {
	b, sim := newTestBlock(t)
	sm, _ := b.Claim(3)

	cfg := Config{
		ClockDivider: ClockDivider{Int: 2, Frac: 0x80},
		OutBase:      1,
		OutCount:     32,
		SetBase:      2,
		SetCount:     5,
		InBase:       3,
		SideSetBase:  4,
		JmpPin:       5,
		FIFOJoin:     FIFOJoinRx,
		OutShift:     ShiftConfig{Right: true, Auto: true, Threshold: 32},
		InShift:      ShiftConfig{Right: false, Auto: true, Threshold: 24},
	}
	if err := sm.Configure(cfg); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	if got := sim.Peek(smOffset(3, smCLKDIV)); got != 0x00028000 {
		t.Errorf("Expected CLKDIV 0x00028000, got %#x", got)
	}
	wantShift := uint32(shiftFJoinRx | shiftOutRight | shiftAutoPull | shiftAutoPush | 24<<shiftPushThresh)
	if got := sim.Peek(smOffset(3, smSHIFTCTRL)); got != wantShift {
		t.Errorf("Expected SHIFTCTRL %#x, got %#x", wantShift, got)
	}

	back, err := sm.Config()
	if err != nil {
		t.Fatalf("Config failed: %v", err)
	}
	if back != cfg {
		t.Errorf("Config read back differs:\nwant %+v\ngot  %+v", cfg, back)
	}
}

func TestConfigureValidation(t *testing.T) {
	b, _ := newTestBlock(t)
	sm, _ := b.Claim(0)

	tests := []struct {
		name   string
		modify func(*Config)
		want   error
	}{
		{"divider zero", func(c *Config) { c.ClockDivider = ClockDivider{Frac: 0xff} }, ErrClockDividerTooSmall},
		{"pull threshold 0", func(c *Config) { c.OutShift.Threshold = 0 }, ErrInvalidOperand},
		{"push threshold 33", func(c *Config) { c.InShift.Threshold = 33 }, ErrInvalidOperand},
		{"set count 6", func(c *Config) { c.SetCount = 6 }, ErrInvalidOperand},
		{"out count 33", func(c *Config) { c.OutCount = 33 }, ErrInvalidOperand},
		{"out base 32", func(c *Config) { c.OutBase = 32 }, ErrInvalidOperand},
		{"jmp pin 40", func(c *Config) { c.JmpPin = 40 }, ErrInvalidOperand},
		{"fifo join", func(c *Config) { c.FIFOJoin = 3 }, ErrInvalidOperand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := sm.Configure(cfg); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
	if sm.State() != Halted {
		t.Errorf("Rejected configuration changed state to %v", sm.State())
	}
}

func TestWithStateMachineReleasesOnPanic(t *testing.T) {
	b, _ := newTestBlock(t)

	func() {
		defer func() { recover() }()
		b.WithStateMachine(0, func(sm *StateMachine) error {
			sm.Start()
			panic("boom")
		})
	}()

	sm, err := b.Claim(0)
	if err != nil {
		t.Fatalf("Machine not released after panic: %v", err)
	}
	if sm.State() != Halted {
		t.Errorf("Expected halted machine, got %v", sm.State())
	}
}

func TestWithStateMachineClaimed(t *testing.T) {
	b, _ := newTestBlock(t)
	b.Claim(1)
	called := false
	err := b.WithStateMachine(1, func(*StateMachine) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrAlreadyClaimed) || called {
		t.Errorf("Expected ErrAlreadyClaimed without calling fn, got %v (called=%v)", err, called)
	}
}

func TestWithStateMachineReportsReleaseError(t *testing.T) {
	b, _ := newTestBlock(t)
	err := b.WithStateMachine(2, func(sm *StateMachine) error {
		return sm.Release()
	})
	if !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Expected ErrNotClaimed from the second release, got %v", err)
	}

	fnErr := errors.New("fn failed")
	err = b.WithStateMachine(2, func(sm *StateMachine) error {
		sm.Release()
		return fnErr
	})
	if err != fnErr {
		t.Errorf("Expected fn's error to win, got %v", err)
	}
}
