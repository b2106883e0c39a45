package vmm

// EntryFlag is a flag bit in a page-directory or page-table entry,
// following the x86-standard layout: bit 0 Present, bit 1 Read/Write,
// bit 2 User.
type EntryFlag uint32

const (
	// FlagPresent marks the entry as backed by a physical frame.
	FlagPresent EntryFlag = 1 << 0
	// FlagRW marks the entry as writable; if clear, only reads are allowed.
	FlagRW EntryFlag = 1 << 1
	// FlagUser marks the entry as accessible from user mode; if clear,
	// only kernel-mode accesses succeed.
	FlagUser EntryFlag = 1 << 2
)

// entry is a single 32-bit page-directory or page-table entry: the top
// 20 bits hold a frame number, the bottom 12 bits hold flags.
type entry uint32

func makeEntry(frameAddr uint32, flags EntryFlag) entry {
	return entry((frameAddr &^ 0xFFF) | uint32(flags))
}

func (e entry) hasFlags(flags EntryFlag) bool {
	return uint32(e)&uint32(flags) == uint32(flags)
}

func (e entry) frameAddr() uint32 {
	return uint32(e) &^ 0xFFF
}

func (e *entry) setFrame(frameAddr uint32) {
	*e = entry((uint32(*e) &^ 0xFFF) | (frameAddr &^ 0xFFF))
}

func (e *entry) setFlags(flags EntryFlag) {
	*e = entry(uint32(*e) | uint32(flags))
}

func (e *entry) clearFlags(flags EntryFlag) {
	*e = entry(uint32(*e) &^ uint32(flags))
}
