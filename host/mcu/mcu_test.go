package mcu

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/physic"

	"piohal/core"
	"piohal/pio"
	"piohal/pio/piocmd"
	"piohal/pio/piospi"
	"piohal/protocol"
	"piohal/regs"
)

// loopbackPort runs the firmware command stack in-process: host writes go
// through a firmware Transport and its output is piped back.
type loopbackPort struct {
	mu  sync.Mutex
	r   *io.PipeReader
	w   *io.PipeWriter
	fw  *protocol.Transport
	out *protocol.ScratchOutput
}

func (p *loopbackPort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *loopbackPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fw.Receive(protocol.NewSliceInputBuffer(b))
	reply := append([]byte(nil), p.out.Result()...)
	p.out.Reset()
	if _, err := p.w.Write(reply); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (p *loopbackPort) Close() error {
	p.w.Close()
	return p.r.Close()
}

var (
	firmwareOnce sync.Once
	firmwareSim  *regs.Sim
	spiSim       *regs.Sim
)

// newTestMCU connects to a simulated board with one PIO block. Firmware
// state is shared by every test in the package, so tests use distinct oids.
func newTestMCU(t *testing.T) *MCU {
	t.Helper()
	firmwareOnce.Do(func() {
		core.InitCoreCommands()
		firmwareSim = regs.NewSim(pio.PIO0Base)
		firmwareSim.WriteOneToClear(0x030)
		firmwareSim.WriteOneToClear(0x008)
		piocmd.NewHandler(pio.NewBlock(0, firmwareSim)).Register()

		// SPI runs on its own block with the FIFO interrupt bound and
		// every FIFO ready.
		spiSim = regs.NewSim(pio.PIO1Base)
		spiSim.WriteOneToClear(0x030)
		spiSim.WriteOneToClear(0x008)
		spiSim.Poke(0x004, 0x0f000000)
		spi := pio.NewBlockWithInterrupts(1, spiSim, core.NewInterruptTable())
		if err := spi.BindInterrupt(0); err != nil {
			panic(err)
		}
		piospi.NewCommands(125*physic.MegaHertz, spi).Register()
		core.GetGlobalDictionary().BuildDictionary()
	})

	r, w := io.Pipe()
	port := &loopbackPort{r: r, w: w, out: protocol.NewScratchOutput()}
	port.fw = protocol.NewTransport(port.out, core.DispatchCommand)
	core.SetGlobalTransport(port.fw)

	m := New(port)
	t.Cleanup(func() {
		m.Close()
		core.SetGlobalTransport(nil)
	})
	return m
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func identified(t *testing.T) (*MCU, context.Context) {
	t.Helper()
	m := newTestMCU(t)
	ctx := testContext(t)
	if err := m.Identify(ctx); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	return m, ctx
}

func TestIdentify(t *testing.T) {
	m, _ := identified(t)

	if len(m.RawDictionary()) <= identifyChunk {
		t.Errorf("Expected a dictionary spanning several chunks, got %d bytes", len(m.RawDictionary()))
	}
	d := m.Dictionary()
	f, ok := d.Command("config_pio_program")
	if !ok {
		t.Fatal("Expected config_pio_program in dictionary")
	}
	if len(f.Params) != 8 {
		t.Errorf("Expected 8 parameters, got %d", len(f.Params))
	}
	if f.Params[6].Type != ParamInt {
		t.Errorf("Expected sideset_base to be signed")
	}
	if r, ok := d.Response(identifyResponseID); !ok || r.Name != "identify_response" {
		t.Errorf("Expected identify_response at ID 0, got %+v", r)
	}
	if v, err := d.ConfigUint("PIO_INSTRUCTION_MEMORY"); err != nil || v != 32 {
		t.Errorf("Expected PIO_INSTRUCTION_MEMORY 32, got %d (err %v)", v, err)
	}
	if got := d.EnumName("pio_status", uint32(piocmd.StatusAddressInUse)); got != "address_in_use" {
		t.Errorf("Expected address_in_use, got %s", got)
	}
}

func TestSendBeforeIdentify(t *testing.T) {
	m := newTestMCU(t)
	if err := m.Send(testContext(t), "pio_sm_start", 1); !errors.Is(err, ErrNoDictionary) {
		t.Errorf("Expected ErrNoDictionary, got %v", err)
	}
}

func TestSendRejectsBadArguments(t *testing.T) {
	m, ctx := identified(t)
	seq := m.transport.Sequence()

	if err := m.Send(ctx, "no_such_command"); err == nil {
		t.Error("Expected error for unknown command")
	}
	if err := m.Send(ctx, "pio_sm_start"); err == nil {
		t.Error("Expected error for missing argument")
	}
	if err := m.Send(ctx, "pio_sm_start", "seven"); err == nil {
		t.Error("Expected error for a string where an integer belongs")
	}
	if got := m.transport.Sequence(); got != seq {
		t.Errorf("Expected nothing sent, sequence moved from 0x%02x to 0x%02x", seq, got)
	}
}

func TestProgramAndMachineLifecycle(t *testing.T) {
	m, ctx := identified(t)

	prog := pio.NewProgram(
		pio.EncodeSet(pio.SetPinDirs, 1),
		pio.EncodeSet(pio.SetPins, 1),
		pio.EncodeJmp(pio.JmpAlways, 1),
	)
	origin, err := m.LoadProgram(ctx, 1, 0, prog)
	if err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	if got := firmwareSim.Peek(0x048 + 4*uintptr(origin)); got != uint32(prog.Code[0]) {
		t.Errorf("Expected 0x%04x at %d, got 0x%04x", prog.Code[0], origin, got)
	}

	if err := m.ClaimStateMachine(ctx, 10, 0, 1); err != nil {
		t.Fatalf("ClaimStateMachine: %v", err)
	}
	if err := m.ClaimStateMachine(ctx, 11, 0, 1); !errors.Is(err, pio.ErrAlreadyClaimed) {
		t.Errorf("Expected ErrAlreadyClaimed, got %v", err)
	}

	cfg := pio.DefaultConfig()
	cfg.SetCount = 1
	cfg.SetBase = 25
	if err := m.Configure(ctx, 10, cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if err := m.Bind(ctx, 10, 1); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if err := m.Start(ctx, 10); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st, err := m.Query(ctx, 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if st.State != pio.Running {
		t.Errorf("Expected %s, got %s", pio.Running, st.State)
	}

	if err := m.Exec(ctx, 10, pio.EncodeJmp(pio.JmpAlways, 0)); !errors.Is(err, pio.ErrNotHalted) {
		t.Errorf("Expected ErrNotHalted for jmp while running, got %v", err)
	}
	if err := m.Put(ctx, 10, 0xcafe); err != nil {
		t.Errorf("Put: %v", err)
	}
	if err := m.UnloadProgram(ctx, 1); !errors.Is(err, pio.ErrBusy) {
		t.Errorf("Expected ErrBusy unloading a bound program, got %v", err)
	}

	if err := m.Stop(ctx, 10); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.Release(ctx, 10); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := m.Query(ctx, 10); !errors.Is(err, piocmd.ErrUnknownObject) {
		t.Errorf("Expected ErrUnknownObject after release, got %v", err)
	}
	if err := m.UnloadProgram(ctx, 1); err != nil {
		t.Errorf("UnloadProgram: %v", err)
	}
}

func TestLoadProgramInChunks(t *testing.T) {
	m, ctx := identified(t)

	code := make([]pio.Instr, codeChunkWords+5)
	for i := range code {
		code[i] = pio.EncodeSet(pio.SetX, uint8(i%32))
	}
	prog := pio.NewProgram(code...)
	prog.Origin = 0
	origin, err := m.LoadProgram(ctx, 2, 0, prog)
	if err != nil {
		t.Fatalf("LoadProgram: %v", err)
	}
	if origin != 0 {
		t.Errorf("Expected origin 0, got %d", origin)
	}
	for i, want := range code {
		if got := firmwareSim.Peek(0x048 + 4*uintptr(i)); got != uint32(want) {
			t.Errorf("Expected 0x%04x at %d, got 0x%04x", want, i, got)
		}
	}

	again := pio.NewProgram(pio.EncodeSet(pio.SetX, 1))
	again.Origin = 4
	if _, err := m.LoadProgram(ctx, 3, 0, again); !errors.Is(err, pio.ErrAddressInUse) {
		t.Errorf("Expected ErrAddressInUse, got %v", err)
	}
	if err := m.UnloadProgram(ctx, 2); err != nil {
		t.Errorf("UnloadProgram: %v", err)
	}
}

func TestAwaitStopsOnShutdown(t *testing.T) {
	m, ctx := identified(t)
	defer core.ResetFirmwareState()

	if err := m.Send(ctx, "emergency_stop"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, err := m.Await(ctx, "pio_status", nil); !errors.Is(err, ErrShutdown) {
		t.Errorf("Expected ErrShutdown, got %v", err)
	}
}
