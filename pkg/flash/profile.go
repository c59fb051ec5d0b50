package flash

import (
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// appFlashStart is the flash base of STM32 parts; per-profile offsets
// are added on top of it.
const appFlashStart uint32 = 0x08000000

// Offset reads the application flash address out of a profile's
// kconfig output. Klipper records the link offset either as a plain
// value (CONFIG_FLASH_START=0x8000) or as a selected choice entry
// (CONFIG_STM32_FLASH_START_8000=y); both resolve against the STM32
// flash base. Without a recognizable entry the base itself is
// returned.
func Offset(configPath string) uint32 {
	cfg, err := ini.Load(configPath)
	if err != nil {
		return appFlashStart
	}
	section := cfg.Section("")

	if key, err := section.GetKey("CONFIG_FLASH_START"); err == nil {
		if addr, err := strconv.ParseUint(strings.TrimPrefix(key.Value(), "0x"), 16, 32); err == nil {
			if addr >= uint64(appFlashStart) {
				return uint32(addr)
			}
			return appFlashStart + uint32(addr)
		}
	}

	for _, key := range section.Keys() {
		name := key.Name()
		idx := strings.LastIndex(name, "FLASH_START_")
		if idx < 0 || key.Value() != "y" {
			continue
		}
		if off, err := strconv.ParseUint(name[idx+len("FLASH_START_"):], 16, 32); err == nil {
			return appFlashStart + uint32(off)
		}
	}
	return appFlashStart
}
