package protocol

// InputBuffer holds received bytes until the frame scanner has consumed
// whole frames from its front.
type InputBuffer interface {
	Data() []byte
	Pop(n int)
}

// OutputBuffer collects encoded message bytes.
type OutputBuffer interface {
	Output(data []byte)
}

// ScratchOutput is a fixed-size OutputBuffer. Bytes past MessageMax are
// dropped.
type ScratchOutput struct {
	buf [MessageMax]byte
	n   int
}

// NewScratchOutput returns an empty ScratchOutput.
func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	s.n += copy(s.buf[s.n:], data)
}

// Result returns what was written since the last Reset.
func (s *ScratchOutput) Result() []byte {
	return s.buf[:s.n]
}

func (s *ScratchOutput) Reset() {
	s.n = 0
}

// FifoBuffer queues received bytes for the frame scanner. The queued bytes
// are always contiguous, so a frame can be decoded in place; Pop moves the
// unread tail to the front.
type FifoBuffer struct {
	buf []byte
}

// NewFifoBuffer returns a FifoBuffer holding at most capacity bytes.
func NewFifoBuffer(capacity int) *FifoBuffer {
	return &FifoBuffer{buf: make([]byte, 0, capacity)}
}

// Write queues as much of data as fits and returns how much that was.
func (f *FifoBuffer) Write(data []byte) int {
	n := min(len(data), cap(f.buf)-len(f.buf))
	f.buf = append(f.buf, data[:n]...)
	return n
}

func (f *FifoBuffer) Data() []byte {
	return f.buf
}

// Available returns the number of queued bytes.
func (f *FifoBuffer) Available() int {
	return len(f.buf)
}

func (f *FifoBuffer) Pop(n int) {
	if n >= len(f.buf) {
		f.buf = f.buf[:0]
		return
	}
	f.buf = f.buf[:copy(f.buf, f.buf[n:])]
}

func (f *FifoBuffer) Reset() {
	f.buf = f.buf[:0]
}
