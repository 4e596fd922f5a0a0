package pio

import (
	"context"
	"fmt"

	"piohal/core"
)

// DMATransfer describes a FIFO-paced transfer for a DMA channel.
type DMATransfer struct {
	FIFO  uintptr  // bus address of the TX or RX FIFO register
	DREQ  uint8    // data request line pacing the transfer
	Tx    bool     // memory to FIFO when set, FIFO to memory otherwise
	Words []uint32 // source or destination buffer
}

// DMAChannel is a claimed DMA channel. StartPaced begins the transfer and
// arranges for done to be notified from the DMA completion interrupt.
// Abort stops an unfinished transfer and must leave the channel idle.
type DMAChannel interface {
	StartPaced(t DMATransfer, done *core.Signal) error
	Abort()
}

// DREQ returns the data request line of the machine's TX or RX FIFO.
func (sm *StateMachine) DREQ(tx bool) uint8 {
	dreq := 8*sm.block.index + sm.index
	if !tx {
		dreq += 4
	}
	return dreq
}

// TxDMA streams words into the TX FIFO through ch and parks until the
// channel reports completion. If ctx ends first the channel is aborted,
// the machine is stopped and ctx.Err() is returned; ownership and the
// program binding are unchanged.
func (sm *StateMachine) TxDMA(ctx context.Context, ch DMAChannel, words []uint32) error {
	return sm.dma(ctx, ch, true, words)
}

// RxDMA fills words from the RX FIFO through ch. Cancellation behaves as
// for TxDMA.
func (sm *StateMachine) RxDMA(ctx context.Context, ch DMAChannel, words []uint32) error {
	return sm.dma(ctx, ch, false, words)
}

func (sm *StateMachine) dma(ctx context.Context, ch DMAChannel, tx bool, words []uint32) error {
	if err := sm.check(); err != nil {
		return err
	}
	if len(words) == 0 {
		return nil
	}
	b := sm.block
	fifo := sm.rxf()
	if tx {
		fifo = sm.txf()
	}
	t := DMATransfer{
		FIFO:  b.bank.Addr(fifo),
		DREQ:  sm.DREQ(tx),
		Tx:    tx,
		Words: words,
	}

	var done core.Signal
	if err := ch.StartPaced(t, &done); err != nil {
		return fmt.Errorf("PIO%d SM%d dma: %w", b.index, sm.index, err)
	}
	core.RecordEvent(core.EvtDMAStart, b.index, sm.index, uint32(t.DREQ), uint32(len(words)))

	if err := done.Wait(ctx); err != nil {
		ch.Abort()
		sm.stop()
		core.RecordEvent(core.EvtDMACancel, b.index, sm.index, uint32(t.DREQ), 0)
		return err
	}
	return nil
}
