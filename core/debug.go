package core

import "sync/atomic"

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

// Event captures a resource transition for post-mortem analysis
type Event struct {
	Type   uint8  // Event type code
	Block  uint8  // PIO block index
	SM     uint8  // State machine index, or slot for program events
	Clock  uint32 // System clock at event
	Value1 uint32 // Context-dependent value
	Value2 uint32 // Context-dependent value
}

// Event type codes
const (
	EvtLoad       = 1  // Program loaded: v1=origin v2=length
	EvtUnload     = 2  // Program unloaded: v1=origin v2=length
	EvtClaim      = 3  // State machine claimed
	EvtRelease    = 4  // State machine released
	EvtBind       = 5  // Program bound: v1=origin v2=refs
	EvtStart      = 6  // State machine enabled
	EvtStop       = 7  // State machine disabled
	EvtExec       = 8  // Immediate instruction: v1=instr
	EvtDMAStart   = 9  // DMA transfer started: v1=dreq v2=words
	EvtDMACancel  = 10 // DMA transfer aborted
	EvtIRQ        = 11 // Block interrupt: v1=ints
	EvtLoadFailed = 12 // Load rejected: v1=length
)

const (
	EventRingSize = 32 // Keep last 32 events for post-mortem
)

var (
	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {} // No-op by default

	// debugEnabled controls whether debug output is active
	debugEnabled bool = false

	eventRing     [EventRingSize]Event
	eventRingHead uint32 // atomic, total events recorded
	eventsEnabled bool   = true

	// Async debug output channel
	debugChan chan string
)

// SetDebugWriter sets the platform-specific debug output function
// This allows platforms to redirect debug output to UART, USB, etc.
func SetDebugWriter(writer DebugWriter) {
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	return debugEnabled
}

// InitAsyncDebug starts the async debug output goroutine
// Call this from main() after SetDebugWriter
func InitAsyncDebug() {
	debugChan = make(chan string, 16)
	go debugOutputWorker()
}

func debugOutputWorker() {
	for msg := range debugChan {
		if debugPrintln != nil {
			debugPrintln(msg)
		}
	}
}

// DebugPrintln writes a debug message using the platform-specific writer
func DebugPrintln(msg string) {
	if debugEnabled && debugPrintln != nil {
		debugPrintln(msg)
	}
}

// DebugAsync queues a debug message for async output (non-blocking).
// The message is dropped when the channel is full.
func DebugAsync(msg string) {
	if !debugEnabled || debugChan == nil {
		return
	}
	select {
	case debugChan <- msg:
	default:
	}
}

// RecordEvent stores an event in the ring. Safe from interrupt handlers.
func RecordEvent(eventType, block, sm uint8, value1, value2 uint32) {
	if !eventsEnabled {
		return
	}
	idx := (atomic.AddUint32(&eventRingHead, 1) - 1) % EventRingSize
	eventRing[idx] = Event{
		Type:   eventType,
		Block:  block,
		SM:     sm,
		Clock:  GetTime(),
		Value1: value1,
		Value2: value2,
	}
}

// Events returns the recorded events, oldest first.
func Events() []Event {
	head := atomic.LoadUint32(&eventRingHead)
	n := head
	if n > EventRingSize {
		n = EventRingSize
	}
	out := make([]Event, 0, n)
	for i := head - n; i != head; i++ {
		out = append(out, eventRing[i%EventRingSize])
	}
	return out
}

// EventName returns a short label for an event type code.
func EventName(eventType uint8) string {
	switch eventType {
	case EvtLoad:
		return "LOAD"
	case EvtUnload:
		return "UNLOAD"
	case EvtClaim:
		return "CLAIM"
	case EvtRelease:
		return "RELEASE"
	case EvtBind:
		return "BIND"
	case EvtStart:
		return "START"
	case EvtStop:
		return "STOP"
	case EvtExec:
		return "EXEC"
	case EvtDMAStart:
		return "DMA_START"
	case EvtDMACancel:
		return "DMA_CANCEL!"
	case EvtIRQ:
		return "IRQ"
	case EvtLoadFailed:
		return "LOAD_FAILED!"
	}
	return "UNKNOWN"
}

// DumpEventRing writes the event ring through the debug writer (call on
// shutdown or after an error).
func DumpEventRing() {
	if debugPrintln == nil {
		return
	}
	debugPrintln("[PIO] === Event Ring Dump ===")
	for _, evt := range Events() {
		debugPrintln("[PIO] " + EventName(evt.Type) +
			" pio=" + itoa(int(evt.Block)) +
			" sm=" + itoa(int(evt.SM)) +
			" clock=" + utoa(evt.Clock) +
			" v1=" + hex32(evt.Value1) +
			" v2=" + utoa(evt.Value2))
	}
	debugPrintln("[PIO] === End Dump ===")
}

// ClearEventRing clears the event buffer
func ClearEventRing() {
	for i := range eventRing {
		eventRing[i] = Event{}
	}
	atomic.StoreUint32(&eventRingHead, 0)
}
