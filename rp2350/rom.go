//go:build tinygo

package rp2350

/*
#include <stdint.h>
#include <stdbool.h>

#define ROM_TABLE_CODE(c1, c2) ((c1) | ((c2) << 8))

#define ROM_FUNC_REBOOT       ROM_TABLE_CODE('R', 'B')
#define ROM_FUNC_EXPLICIT_BUY ROM_TABLE_CODE('E', 'B')
#define ROM_FUNC_GET_SYS_INFO ROM_TABLE_CODE('G', 'S')

#define BOOTROM_FUNC_TABLE_OFFSET   0x14
#define BOOTROM_WELL_KNOWN_PTR_SIZE 2
#define BOOTROM_TABLE_LOOKUP_OFFSET (BOOTROM_FUNC_TABLE_OFFSET + BOOTROM_WELL_KNOWN_PTR_SIZE)

#define RT_FLAG_FUNC_ARM_SEC 0x0004

#define SYS_INFO_BOOT_INFO 0x0040

#define WATCHDOG_CTRL         0x400d8000
#define WATCHDOG_CTRL_TRIGGER (1u << 31)

typedef void *(*rom_table_lookup_fn)(uint32_t code, uint32_t mask);
typedef int (*rom_explicit_buy_fn)(uint8_t *buffer, uint32_t buffer_size);
typedef int (*rom_get_sys_info_fn)(uint32_t *out_buffer, uint32_t out_buffer_word_size, uint32_t flags);

// TinyGo runs in Secure state with no TrustZone configured.
__attribute__((always_inline))
static void *rom_func_lookup(uint32_t code) {
    rom_table_lookup_fn lookup =
        (rom_table_lookup_fn)(uintptr_t)*(uint16_t*)(BOOTROM_TABLE_LOOKUP_OFFSET);
    return lookup(code, RT_FLAG_FUNC_ARM_SEC);
}

static int rom_confirm_image(void) {
    rom_explicit_buy_fn fn = (rom_explicit_buy_fn) rom_func_lookup(ROM_FUNC_EXPLICIT_BUY);
    if (!fn) return -1;
    uint32_t workarea[64];
    return fn((uint8_t*)workarea, sizeof(workarea));
}

// rom_boot_partition returns the pp byte of BOOT_INFO word 1 (0xttppbbdd),
// 0xFF when unknown.
static int rom_boot_partition(void) {
    rom_get_sys_info_fn fn = (rom_get_sys_info_fn) rom_func_lookup(ROM_FUNC_GET_SYS_INFO);
    if (!fn) return 0xFF;
    uint32_t buf[5];
    if (fn(buf, 5, SYS_INFO_BOOT_INFO) < 0) return 0xFF;
    if (!(buf[0] & SYS_INFO_BOOT_INFO)) return 0xFF;
    return (buf[1] >> 16) & 0xFF;
}

static void rom_watchdog_reset(void) {
    *(volatile uint32_t*)WATCHDOG_CTRL = WATCHDOG_CTRL_TRIGGER;
    while(1) { __asm__("nop"); }
}
*/
import "C"

import "errors"

var ErrConfirmFailed = errors.New("rp2350: image confirm failed")

// ConfirmImage accepts the running image when the boot ROM started it in
// try-before-you-buy mode. It must run within 16.7s of boot or the ROM
// reverts. Calling it for an already accepted image succeeds.
func ConfirmImage() error {
	if C.rom_confirm_image() != 0 {
		return ErrConfirmFailed
	}
	return nil
}

// BootPartition returns the partition the ROM booted from, -1 when the
// image was started without a partition table.
func BootPartition() int {
	p := int(C.rom_boot_partition())
	if p == 0xFF {
		return -1
	}
	return p
}

var shutdownFunc func()

// SetShutdown registers fn to run before any reset, typically to bring the
// WiFi chip down cleanly.
func SetShutdown(fn func()) {
	shutdownFunc = fn
}

// Reset restarts the chip through the watchdog. It does not return.
func Reset() {
	if shutdownFunc != nil {
		shutdownFunc()
	}
	C.rom_watchdog_reset()
}
