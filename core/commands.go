package core

import (
	"sync"
	"sync/atomic"

	"piohal/protocol"
)

var (
	isShutdown uint32 // atomic bool

	shutdownMu    sync.Mutex
	shutdownHooks []func()
)

// InitCoreCommands registers the bootstrap and housekeeping commands.
// identify_response and identify must keep IDs 0 and 1; the host relies on
// them before it has a dictionary.
func InitCoreCommands() {
	RegisterResponse("identify_response", "offset=%u data=%*s") // ID 0
	RegisterCommand("identify", "offset=%u count=%c", handleIdentify) // ID 1

	RegisterCommand("get_clock", "", handleGetClock)
	RegisterCommand("get_config", "", handleGetConfig)
	RegisterCommand("emergency_stop", "", handleEmergencyStop)

	RegisterResponse("clock", "clock=%u")
	RegisterResponse("config", "is_shutdown=%c")
	RegisterResponse("shutdown", "clock=%u")

	RegisterConstant("CLOCK_FREQ", uint32(TimerFreq))
}

// handleIdentify returns chunks of the data dictionary
func handleIdentify(data *[]byte) error {
	offset, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}
	count, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	chunk := GetGlobalDictionary().GetChunk(offset, uint8(count))
	SendResponse("identify_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, offset)
		protocol.EncodeVLQBytes(output, chunk)
	})
	return nil
}

func handleGetClock(data *[]byte) error {
	clock := GetTime()
	SendResponse("clock", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, clock)
	})
	return nil
}

func handleGetConfig(data *[]byte) error {
	shut := atomic.LoadUint32(&isShutdown)
	SendResponse("config", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, shut)
	})
	return nil
}

func handleEmergencyStop(data *[]byte) error {
	TryShutdown("emergency stop")
	return nil
}

// RegisterShutdownHook adds fn to the actions run on shutdown. Hooks run in
// registration order and must not block.
func RegisterShutdownHook(fn func()) {
	shutdownMu.Lock()
	shutdownHooks = append(shutdownHooks, fn)
	shutdownMu.Unlock()
}

// TryShutdown enters the shutdown state once, running the registered hooks
// and dumping the event ring.
func TryShutdown(reason string) {
	if !atomic.CompareAndSwapUint32(&isShutdown, 0, 1) {
		return
	}
	DebugPrintln("[CORE] shutdown: " + reason)

	shutdownMu.Lock()
	hooks := make([]func(), len(shutdownHooks))
	copy(hooks, shutdownHooks)
	shutdownMu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	clock := GetTime()
	SendResponse("shutdown", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, clock)
	})
	DumpEventRing()
}

// IsShutdown returns true if the firmware is in shutdown state
func IsShutdown() bool {
	return atomic.LoadUint32(&isShutdown) != 0
}

// ResetFirmwareState clears the shutdown state (host reconnect)
func ResetFirmwareState() {
	atomic.StoreUint32(&isShutdown, 0)
}
