package hal

import "piohal/regs"

// Cortex-M0+ MPU registers.
const (
	MPUBase = 0xe000ed90

	mpuCTRL = 0x04
	mpuRBAR = 0x0c
	mpuRASR = 0x10

	mpuEnable        = 1 << 0
	mpuPrivDefEna    = 1 << 2
	rbarValid        = 1 << 4
	rasrEnable       = 1 << 0
	rasrSize256      = 7 << 1 // 2^(7+1) bytes
	rasrSRDShift     = 8
	rasrExecuteNever = 1 << 28
)

// InstallStackGuard makes the 32 bytes at stackBottom, rounded up to a 32
// byte boundary, inaccessible so that a stack overflow faults instead of
// corrupting memory below it. It uses MPU region 0 and panics if the MPU is
// already enabled. The guarded address is returned.
func InstallStackGuard(mpu regs.Bank, stackBottom uint32) uint32 {
	if mpu.Reg(mpuCTRL).Get() != 0 {
		panic("hal: MPU already configured")
	}
	addr := (stackBottom + 31) &^ 31
	// One subregion per 32 bytes of the 256 byte region; disable all but
	// ours.
	srd := uint32(0xff) ^ 1<<((addr>>5)&7)

	mpu.Reg(mpuCTRL).Set(mpuEnable | mpuPrivDefEna)
	mpu.Reg(mpuRBAR).Set(addr&^0xff | rbarValid)
	mpu.Reg(mpuRASR).Set(rasrEnable | rasrSize256 | srd<<rasrSRDShift | rasrExecuteNever)
	return addr
}
