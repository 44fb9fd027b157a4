// Package conn speaks the relay RPC framing over a single connection:
// a handshake token, one request, then chunk and response frames back.
package conn

import (
	"bytes"
	"io"

	"github.com/libp2p/go-msgio"
)

// MaxFrameSize bounds a single frame
const MaxFrameSize = 10 * 1024 * 1024 // 10MB

// Framer reads and writes whole frames on one connection
type Framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error

	// CloseWrite signals that no more frames will be written
	CloseWrite() error
	Close() error
}

// halfCloser is implemented by streams that can close their write side alone
type halfCloser interface {
	CloseWrite() error
}

// streamFramer delimits frames on a byte stream with varint length prefixes
type streamFramer struct {
	rwc    io.ReadWriteCloser
	reader msgio.ReadCloser
	writer msgio.WriteCloser
}

// NewStreamFramer frames a raw byte stream such as a libp2p stream
func NewStreamFramer(rwc io.ReadWriteCloser) Framer {
	return &streamFramer{
		rwc:    rwc,
		reader: msgio.NewVarintReaderSize(rwc, MaxFrameSize),
		writer: msgio.NewVarintWriter(rwc),
	}
}

func (f *streamFramer) ReadFrame() ([]byte, error) {
	msg, err := f.reader.ReadMsg()
	if err != nil {
		return nil, err
	}
	frame := bytes.Clone(msg)
	f.reader.ReleaseMsg(msg)
	return frame, nil
}

func (f *streamFramer) WriteFrame(data []byte) error {
	return f.writer.WriteMsg(data)
}

func (f *streamFramer) CloseWrite() error {
	if hc, ok := f.rwc.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

func (f *streamFramer) Close() error {
	return f.rwc.Close()
}
