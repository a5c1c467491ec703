package device

// Element is one descriptor chain popped from a queue, translated to host
// memory. Out buffers are written by the driver and read by the device, In
// buffers are written by the device.
type Element struct {
	Head uint16

	Out [][]byte
	In  [][]byte

	OutLen uint32
	InLen  uint32
}

// ReadOut gathers the device readable buffers into p and returns the number
// of bytes copied.
func (e *Element) ReadOut(p []byte) int {
	var n int
	for _, b := range e.Out {
		if n == len(p) {
			break
		}
		n += copy(p[n:], b)
	}
	return n
}

// WriteIn scatters p over the device writable buffers and returns the number
// of bytes copied.
func (e *Element) WriteIn(p []byte) int {
	var n int
	for _, b := range e.In {
		if n == len(p) {
			break
		}
		n += copy(b, p[n:])
	}
	return n
}
