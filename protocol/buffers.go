package protocol

// InputBuffer is a source of received bytes that the transport consumes
// from the front.
type InputBuffer interface {
	Data() []byte
	Available() int
	Pop(n int)
}

// OutputBuffer is a sink for encoded frames. Update and DataSince let the
// framer patch the length byte and checksum what it wrote.
type OutputBuffer interface {
	Output(data []byte)
	CurPosition() int
	Update(pos int, val byte)
	DataSince(pos int) []byte
}

// SliceInputBuffer is an InputBuffer over a fixed slice.
type SliceInputBuffer struct {
	data []byte
}

func NewSliceInputBuffer(data []byte) *SliceInputBuffer {
	return &SliceInputBuffer{data: data}
}

func (s *SliceInputBuffer) Data() []byte   { return s.data }
func (s *SliceInputBuffer) Available() int { return len(s.data) }

func (s *SliceInputBuffer) Pop(n int) {
	s.data = s.data[min(n, len(s.data)):]
}

const scratchSize = 256

// ScratchOutput is an OutputBuffer backed by a fixed array. Writes past the
// end are truncated.
type ScratchOutput struct {
	buf [scratchSize]byte
	n   int
}

func NewScratchOutput() *ScratchOutput {
	return &ScratchOutput{}
}

func (s *ScratchOutput) Output(data []byte) {
	s.n += copy(s.buf[s.n:], data)
}

func (s *ScratchOutput) CurPosition() int { return s.n }

func (s *ScratchOutput) Update(pos int, val byte) {
	if pos >= 0 && pos < s.n {
		s.buf[pos] = val
	}
}

func (s *ScratchOutput) DataSince(pos int) []byte {
	if pos < 0 || pos > s.n {
		return nil
	}
	return s.buf[pos:s.n]
}

// Result returns everything written since the last Reset.
func (s *ScratchOutput) Result() []byte { return s.buf[:s.n] }

func (s *ScratchOutput) Reset() { s.n = 0 }

// RingBuffer is a byte FIFO of fixed capacity used for serial receive
// paths. It is not safe for concurrent use.
type RingBuffer struct {
	buf   []byte
	head  int // index of the oldest byte
	count int
}

func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends as much of data as fits and returns the number of bytes
// stored.
func (r *RingBuffer) Write(data []byte) int {
	n := min(len(data), r.Free())
	for i := 0; i < n; i++ {
		r.buf[(r.head+r.count+i)%len(r.buf)] = data[i]
	}
	r.count += n
	return n
}

// Read moves up to len(data) bytes out of the buffer.
func (r *RingBuffer) Read(data []byte) int {
	n := copy(data, r.Data())
	r.Pop(n)
	return n
}

func (r *RingBuffer) Available() int { return r.count }
func (r *RingBuffer) Free() int      { return len(r.buf) - r.count }
func (r *RingBuffer) IsEmpty() bool  { return r.count == 0 }

// Data returns the buffered bytes in order. When the contents wrap around
// the end of the storage they are copied into a new slice.
func (r *RingBuffer) Data() []byte {
	end := r.head + r.count
	if end <= len(r.buf) {
		return r.buf[r.head:end]
	}
	out := make([]byte, r.count)
	n := copy(out, r.buf[r.head:])
	copy(out[n:], r.buf[:end-len(r.buf)])
	return out
}

func (r *RingBuffer) Pop(n int) {
	n = min(n, r.count)
	r.head = (r.head + n) % len(r.buf)
	r.count -= n
}

func (r *RingBuffer) Reset() {
	r.head = 0
	r.count = 0
}
