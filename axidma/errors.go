package axidma

import "errors"

var (
	ErrInvalidParameter    = errors.New("invalid parameter")
	ErrInsufficientBuffers = errors.New("insufficient free descriptors")
	ErrOutOfSequence       = errors.New("descriptors out of sequence")
	ErrRejectedTransfer    = errors.New("transfer rejected")
	ErrNoDescriptorList    = errors.New("no descriptor list")
	ErrDmaError            = errors.New("dma error")
	ErrRingCorrupted       = errors.New("descriptor ring corrupted")
	ErrRingSpansZero       = errors.New("descriptor region wraps past address zero")
	ErrIsStarted           = errors.New("channel is running")
	ErrNotInitialized      = errors.New("engine not initialized")
	ErrNotSupported        = errors.New("not supported by this hardware build")
)
