package fio

import (
	"os"

	"github.com/fio-reactor/fio/internal/conc"
)

// packet is a queued outbound write: a tagged union of an in-memory
// buffer or a file-descriptor slice. Exactly one of buffer
// or file is set.
type packet struct {
	node conc.Node[packet]

	buffer []byte
	offset int // bytes of buffer already written
	dealloc func([]byte)

	file       *os.File
	fileOffset int64
	fileLen    int64
	fileClose  bool

	urgent bool
}

func packetNode(p *packet) *conc.Node[packet] { return &p.node }

func newBufferPacket(buf []byte, dealloc func([]byte), urgent bool) *packet {
	return &packet{buffer: buf, dealloc: dealloc, urgent: urgent}
}

func newFilePacket(f *os.File, offset, length int64, closeAfter, urgent bool) *packet {
	return &packet{file: f, fileOffset: offset, fileLen: length, fileClose: closeAfter, urgent: urgent}
}

func (p *packet) remaining() int64 {
	if p.file != nil {
		return p.fileLen
	}
	return int64(len(p.buffer) - p.offset)
}

func (p *packet) release() {
	if p.dealloc != nil {
		p.dealloc(p.buffer)
		p.dealloc = nil
	}
	if p.file != nil && p.fileClose {
		p.file.Close()
	}
	p.buffer = nil
	p.file = nil
}
