package hal

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"piohal/core"
	"piohal/pio"
	"piohal/regs"
)

// DMABase is the bus address of the DMA controller.
const DMABase = 0x50000000

const (
	dmaChannels      = 12
	dmaChannelStride = 0x40

	dmaReadAddr   = 0x00
	dmaWriteAddr  = 0x04
	dmaTransCount = 0x08
	dmaCtrlTrig   = 0x0c

	dmaINTE0     = 0x404
	dmaINTS0     = 0x40c
	dmaChanAbort = 0x444
)

// CTRL_TRIG fields.
const (
	dmaCtrlEnable    = 1 << 0
	dmaCtrlSizeWord  = 2 << 2
	dmaCtrlIncrRead  = 1 << 4
	dmaCtrlIncrWrite = 1 << 5
	dmaCtrlChainTo   = 11
	dmaCtrlTreqSel   = 15
	dmaCtrlBusy      = 1 << 24
)

var (
	ErrNoDMAChannel = errors.New("no free DMA channel")
	ErrDMABusy      = errors.New("DMA channel busy")
)

// DMA hands out the controller's channels. Completion of any claimed
// channel is reported on DMA_IRQ_0.
type DMA struct {
	bank    regs.Bank
	mu      sync.Mutex
	claimed uint16
	waiting [dmaChannels]atomic.Pointer[core.Signal]
}

func newDMA(bank regs.Bank) *DMA {
	return &DMA{bank: bank}
}

// Claim returns the lowest free channel.
func (d *DMA) Claim() (*DMAChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := uint8(0); i < dmaChannels; i++ {
		if d.claimed&(1<<i) == 0 {
			d.claimed |= 1 << i
			return &DMAChannel{dma: d, index: i}, nil
		}
	}
	return nil, ErrNoDMAChannel
}

// OnInterrupt acknowledges finished channels and wakes their waiters.
func (d *DMA) OnInterrupt() {
	ints := d.bank.Reg(dmaINTS0)
	pending := ints.Get()
	ints.Set(pending)
	for i := range d.waiting {
		if pending&(1<<i) == 0 {
			continue
		}
		if s := d.waiting[i].Swap(nil); s != nil {
			s.Notify()
		}
	}
}

// DMAChannel is one claimed channel. It satisfies pio.DMAChannel.
type DMAChannel struct {
	dma   *DMA
	index uint8
}

var _ pio.DMAChannel = (*DMAChannel)(nil)

// Index returns the channel number.
func (ch *DMAChannel) Index() uint8 { return ch.index }

func (ch *DMAChannel) reg(offset uintptr) regs.Register {
	return ch.dma.bank.Reg(uintptr(ch.index)*dmaChannelStride + offset)
}

// StartPaced programs the channel for a word transfer between t.Words and
// the FIFO and triggers it. done is notified when the last word moves.
func (ch *DMAChannel) StartPaced(t pio.DMATransfer, done *core.Signal) error {
	if len(t.Words) == 0 {
		return fmt.Errorf("dma channel %d: empty transfer: %w", ch.index, pio.ErrInvalidOperand)
	}
	ctrl := ch.reg(dmaCtrlTrig)
	if ctrl.Get()&dmaCtrlBusy != 0 {
		return fmt.Errorf("dma channel %d: %w", ch.index, ErrDMABusy)
	}
	buf := uint32(uintptr(unsafe.Pointer(&t.Words[0])))
	read, write := uint32(t.FIFO), buf
	incr := uint32(dmaCtrlIncrWrite)
	if t.Tx {
		read, write = buf, uint32(t.FIFO)
		incr = dmaCtrlIncrRead
	}

	ch.dma.waiting[ch.index].Store(done)
	ch.dma.bank.Reg(dmaINTE0).SetBits(1 << ch.index)
	ch.reg(dmaReadAddr).Set(read)
	ch.reg(dmaWriteAddr).Set(write)
	ch.reg(dmaTransCount).Set(uint32(len(t.Words)))
	ctrl.Set(dmaCtrlEnable | dmaCtrlSizeWord | incr |
		uint32(ch.index)<<dmaCtrlChainTo | uint32(t.DREQ)<<dmaCtrlTreqSel)
	return nil
}

// Abort stops the transfer and waits for the channel to go idle.
func (ch *DMAChannel) Abort() {
	ch.dma.bank.Reg(dmaINTE0).ClearBits(1 << ch.index)
	abort := ch.dma.bank.Reg(dmaChanAbort)
	abort.Set(1 << ch.index)
	for abort.Get()&(1<<ch.index) != 0 {
	}
	ch.dma.waiting[ch.index].Store(nil)
	ch.dma.bank.Reg(dmaINTS0).Set(1 << ch.index)
}

// Release aborts any transfer and returns the channel.
func (ch *DMAChannel) Release() {
	ch.Abort()
	d := ch.dma
	d.mu.Lock()
	d.claimed &^= 1 << ch.index
	d.mu.Unlock()
}
