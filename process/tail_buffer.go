package process

const defaultTailBytes = 256 * 1024 // kept in memory per stream

// tailBuffer keeps only the last N bytes written to it so a stream can hand
// out a representative snippet without retaining the entire output in
// memory. It is not safe for concurrent use; Stream serializes access.
type tailBuffer struct {
	maxBytes int
	total    int64
	contents []byte
}

func newTailBuffer(maxBytes int) *tailBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultTailBytes
	}
	return &tailBuffer{maxBytes: maxBytes}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.total += int64(len(p))
	if len(p) >= b.maxBytes {
		b.contents = append(b.contents[:0], p[len(p)-b.maxBytes:]...)
		return len(p), nil
	}

	// Append then trim front to keep the most recent bytes
	b.contents = append(b.contents, p...)
	if over := len(b.contents) - b.maxBytes; over > 0 {
		b.contents = append(b.contents[:0], b.contents[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	cp := make([]byte, len(b.contents))
	copy(cp, b.contents)
	return cp
}

func (b *tailBuffer) TotalBytes() int64 {
	return b.total
}

func (b *tailBuffer) Truncated() bool {
	return int64(len(b.contents)) < b.total
}
