package hal

import (
	"context"
	"errors"
	"testing"
	"time"

	"piohal/core"
	"piohal/pio"
	"piohal/regs"
)

func newTestDMA(t *testing.T) (*DMA, *regs.Sim) {
	t.Helper()
	sim := dmaBank().(*regs.Sim)
	return newDMA(sim), sim
}

func TestDMAStartPaced(t *testing.T) {
	d, sim := newTestDMA(t)
	tx, err := d.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	rx, err := d.Claim()
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if tx.Index() != 0 || rx.Index() != 1 {
		t.Fatalf("Expected channels 0 and 1, got %d and %d", tx.Index(), rx.Index())
	}

	const fifo = pio.PIO0Base + 0x10
	var txDone, rxDone core.Signal
	if err := tx.StartPaced(pio.DMATransfer{FIFO: fifo, DREQ: 2, Tx: true, Words: make([]uint32, 3)}, &txDone); err != nil {
		t.Fatalf("StartPaced tx: %v", err)
	}
	if err := rx.StartPaced(pio.DMATransfer{FIFO: fifo + 0x10, DREQ: 6, Words: make([]uint32, 5)}, &rxDone); err != nil {
		t.Fatalf("StartPaced rx: %v", err)
	}

	tests := []struct {
		name   string
		offset uintptr
		want   uint32
	}{
		{"tx write addr", dmaWriteAddr, fifo},
		{"tx count", dmaTransCount, 3},
		{"tx ctrl", dmaCtrlTrig, 1 | 2<<2 | 1<<4 | 0<<11 | 2<<15},
		{"rx read addr", dmaChannelStride + dmaReadAddr, fifo + 0x10},
		{"rx count", dmaChannelStride + dmaTransCount, 5},
		{"rx ctrl", dmaChannelStride + dmaCtrlTrig, 1 | 2<<2 | 1<<5 | 1<<11 | 6<<15},
		{"inte0", dmaINTE0, 0x3},
	}
	for _, tt := range tests {
		if got := sim.Peek(tt.offset); got != tt.want {
			t.Errorf("%s: expected 0x%08x, got 0x%08x", tt.name, tt.want, got)
		}
	}

	sim.Poke(dmaINTS0, 1<<1)
	d.OnInterrupt()
	if txDone.Pending() {
		t.Error("Expected tx still pending")
	}
	if !rxDone.Pending() {
		t.Error("Expected rx done")
	}
	if got := sim.Peek(dmaINTS0); got != 0 {
		t.Errorf("Expected INTS0 acknowledged, got 0x%x", got)
	}
}

func TestDMABusyChannel(t *testing.T) {
	d, sim := newTestDMA(t)
	ch, _ := d.Claim()
	sim.Poke(dmaCtrlTrig, dmaCtrlBusy)

	var done core.Signal
	err := ch.StartPaced(pio.DMATransfer{Tx: true, Words: []uint32{1}}, &done)
	if !errors.Is(err, ErrDMABusy) {
		t.Errorf("Expected ErrDMABusy, got %v", err)
	}
	err = ch.StartPaced(pio.DMATransfer{Tx: true}, &done)
	if !errors.Is(err, pio.ErrInvalidOperand) {
		t.Errorf("Expected ErrInvalidOperand for an empty transfer, got %v", err)
	}
}

func TestDMAClaimExhaustion(t *testing.T) {
	d, _ := newTestDMA(t)
	var chans []*DMAChannel
	for i := 0; i < dmaChannels; i++ {
		ch, err := d.Claim()
		if err != nil {
			t.Fatalf("Claim %d: %v", i, err)
		}
		chans = append(chans, ch)
	}
	if _, err := d.Claim(); !errors.Is(err, ErrNoDMAChannel) {
		t.Errorf("Expected ErrNoDMAChannel, got %v", err)
	}
	chans[4].Release()
	ch, err := d.Claim()
	if err != nil {
		t.Fatalf("Claim after release: %v", err)
	}
	if ch.Index() != 4 {
		t.Errorf("Expected channel 4 back, got %d", ch.Index())
	}
}

func TestDMAAbort(t *testing.T) {
	d, sim := newTestDMA(t)
	d.Claim()
	ch, _ := d.Claim()

	var done core.Signal
	if err := ch.StartPaced(pio.DMATransfer{Tx: true, Words: []uint32{1}}, &done); err != nil {
		t.Fatalf("StartPaced: %v", err)
	}
	sim.ResetLog()
	ch.Abort()

	var aborted bool
	for _, a := range sim.AccessesTo(dmaChanAbort) {
		if a.Op == regs.OpWrite && a.Value == 1<<1 {
			aborted = true
		}
	}
	if !aborted {
		t.Error("Expected CHAN_ABORT write for channel 1")
	}
	if got := sim.Peek(dmaINTE0); got&(1<<1) != 0 {
		t.Errorf("Expected channel interrupt disabled, got INTE0 0x%x", got)
	}

	sim.Poke(dmaINTS0, 1<<1)
	d.OnInterrupt()
	if done.Pending() {
		t.Error("Expected no notification after abort")
	}
}

// A state machine streams through a hal channel and completes when the
// DMA interrupt fires.
func TestStateMachineTxDMA(t *testing.T) {
	d, sim := newTestDMA(t)
	ch, _ := d.Claim()

	block := pio.NewBlockWithInterrupts(0, regs.NewSim(pio.PIO0Base), core.NewInterruptTable())
	sm, err := block.Claim(3)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- sm.TxDMA(ctx, ch, []uint32{1, 2, 3, 4}) }()

	for d.waiting[0].Load() == nil {
		select {
		case err := <-errc:
			t.Fatalf("TxDMA returned early: %v", err)
		case <-time.After(time.Millisecond):
		}
	}
	if got := (sim.Peek(dmaCtrlTrig) >> dmaCtrlTreqSel) & 0x3f; got != 3 {
		t.Errorf("Expected DREQ 3 for PIO0 SM3 TX, got %d", got)
	}
	sim.Poke(dmaINTS0, 1)
	d.OnInterrupt()
	if err := <-errc; err != nil {
		t.Errorf("Expected TxDMA to finish, got %v", err)
	}
}
