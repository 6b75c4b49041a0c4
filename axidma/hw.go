package axidma

// Register and descriptor layout of the AXI DMA core. Offsets and masks follow
// the AXI DMA product guide (PG021); section numbers there are noted where useful.

const (
	DMA_TO_DEVICE = 0 // MM2S
	DEVICE_TO_DMA = 1 // S2MM

	BD_MINIMUM_ALIGNMENT = 0x40
	MICROMODE_BUF_ALIGN  = 0xFFF
	MAX_TRANSFER_LEN     = 0x7FFFFF
	MCHAN_MAX_TRANSFER   = 0x00FFFF

	TX_OFFSET = 0x00 // MM2S channel registers
	RX_OFFSET = 0x30 // S2MM channel registers
)

// Per-channel register offsets, relative to the channel base.
const (
	CR_OFFSET           = 0x00
	SR_OFFSET           = 0x04
	CDESC_OFFSET        = 0x08
	CDESC_MSB_OFFSET    = 0x0C
	TDESC_OFFSET        = 0x10
	TDESC_MSB_OFFSET    = 0x14
	SRCADDR_OFFSET      = 0x18
	SRCADDR_MSB_OFFSET  = 0x1C
	DESTADDR_OFFSET     = 0x18
	DESTADDR_MSB_OFFSET = 0x1C
	BUFFLEN_OFFSET      = 0x28
	SGCTL_OFFSET        = 0x2C

	// Multichannel S2MM: ring index i>0 uses these plus (i-1)*RX_NDESC_OFFSET.
	RX_CDESC0_OFFSET     = 0x40
	RX_CDESC0_MSB_OFFSET = 0x44
	RX_TDESC0_OFFSET     = 0x48
	RX_TDESC0_MSB_OFFSET = 0x4C
	RX_NDESC_OFFSET      = 0x20
)

// Control register bits.
const (
	CR_RUNSTOP = 0x00000001
	CR_RESET   = 0x00000004
	CR_KEYHOLE = 0x00000008
	CR_CYCLIC  = 0x00000010

	COALESCE_MASK  = 0x00FF0000
	COALESCE_SHIFT = 16
	DELAY_MASK     = 0xFF000000
	DELAY_SHIFT    = 24
)

// Status register bits.
const (
	SR_HALTED = 0x00000001
	SR_IDLE   = 0x00000002

	ERR_INTERNAL = 0x00000010
	ERR_SLAVE    = 0x00000020
	ERR_DECODE   = 0x00000040
	ERR_SG_INT   = 0x00000100
	ERR_SG_SLV   = 0x00000200
	ERR_SG_DEC   = 0x00000400
	ERR_ALL      = 0x00000770
)

// Interrupt bits, shared by CR (enable) and SR (pending, write 1 to ack).
const (
	IRQ_IOC   = 0x00001000
	IRQ_DELAY = 0x00002000
	IRQ_ERROR = 0x00004000
	IRQ_ALL   = 0x00007000
)

// Descriptor word offsets. The first BD_HW_NUM_BYTES belong to the hardware;
// ID and the cached capability words after that are software only.
const (
	BD_NDESC_OFFSET        = 0x00
	BD_NDESC_MSB_OFFSET    = 0x04
	BD_BUFA_OFFSET         = 0x08
	BD_BUFA_MSB_OFFSET     = 0x0C
	BD_MCCTL_OFFSET        = 0x10
	BD_STRIDE_VSIZE_OFFSET = 0x14
	BD_CTRL_LEN_OFFSET     = 0x18
	BD_STS_OFFSET          = 0x1C
	BD_USR0_OFFSET         = 0x20
	BD_ID_OFFSET           = 0x34
	BD_HAS_STSCNTRL_OFFSET = 0x38
	BD_HAS_DRE_OFFSET      = 0x3C
	BD_ADDRLEN_OFFSET      = 0x40

	BD_HAS_DRE_MASK  = 0xF00
	BD_HAS_DRE_SHIFT = 8
	BD_WORDLEN_MASK  = 0xFF

	BD_START_CLEAR    = 8  // first byte cleared by Clear/Clone
	BD_BYTES_TO_CLEAR = 48 // BUFA .. USR4
	BD_HW_NUM_BYTES   = 52 // bytes the engine reads and writes
	BD_NUM_WORDS      = 20
	BD_SIZE           = BD_NUM_WORDS * 4

	LAST_APPWORD = 4

	DESC_LSB_MASK = 0xFFFFFFC0
)

// Descriptor control and status bits.
const (
	BD_CTRL_TXSOF = 0x08000000
	BD_CTRL_TXEOF = 0x04000000
	BD_CTRL_ALL   = 0x0C000000

	BD_STS_COMPLETE = 0x80000000
	BD_STS_DEC_ERR  = 0x40000000
	BD_STS_SLV_ERR  = 0x20000000
	BD_STS_INT_ERR  = 0x10000000
	BD_STS_ALL_ERR  = 0x70000000
	BD_STS_RXSOF    = 0x08000000
	BD_STS_RXEOF    = 0x04000000
	BD_STS_ALL      = 0xFC000000
)

// Multichannel and 2-D descriptor fields.
const (
	BD_TDEST_FIELD_MASK    = 0x0000000F
	BD_TID_FIELD_MASK      = 0x00000F00
	BD_TUSER_FIELD_MASK    = 0x000F0000
	BD_ARCACHE_FIELD_MASK  = 0x0F000000
	BD_ARUSER_FIELD_MASK   = 0xF0000000
	BD_TDEST_FIELD_SHIFT   = 0
	BD_TID_FIELD_SHIFT     = 8
	BD_TUSER_FIELD_SHIFT   = 16
	BD_ARCACHE_FIELD_SHIFT = 24
	BD_ARUSER_FIELD_SHIFT  = 28

	BD_STRIDE_FIELD_MASK  = 0x0000FFFF
	BD_VSIZE_FIELD_MASK   = 0xFFF80000
	BD_STRIDE_FIELD_SHIFT = 0
	BD_VSIZE_FIELD_SHIFT  = 19
)

const (
	// ALL_BDS asks FromHw for everything that is ready.
	ALL_BDS = 0x0FFFFFFF
	// NO_CHANGE leaves a coalescing field untouched.
	NO_CHANGE = 0xFFFFFFFF

	RESET_TIMEOUT = 500 // polls of the reset bit before giving up
)

func upper32(v uint64) uint32 { return uint32(v >> 32) }
func lower32(v uint64) uint32 { return uint32(v) }
