package progress

import "io"

// Reader wraps an io.Reader and reports the cumulative byte count after every read.
type Reader struct {
	reader    io.Reader
	totalRead int64
	onRead    func(total int64)
}

// NewReader starts counting at offset, which is where a resumed transfer picks up.
func NewReader(r io.Reader, offset int64, cb func(total int64)) *Reader {
	return &Reader{
		reader:    r,
		totalRead: offset,
		onRead:    cb,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		if pr.onRead != nil {
			pr.onRead(pr.totalRead)
		}
	}

	return n, err
}

// Total returns the bytes counted so far, including the starting offset.
func (pr *Reader) Total() int64 {
	return pr.totalRead
}
