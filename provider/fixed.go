package provider

// Fixed is a Provider over caller-supplied memory. The whole buffer is committed from the start and can
// neither grow nor shrink.
type Fixed struct {
	data     []byte
	pageSize int
}

var _ Provider = &Fixed{}

// NewFixed wraps buffer. pageSize may be 0 to select DefaultPageSize.
func NewFixed(buffer []byte, pageSize int) *Fixed {
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	return &Fixed{data: buffer, pageSize: pageSize}
}

func (f *Fixed) PageSize() int  { return f.pageSize }
func (f *Fixed) MaxLength() int { return len(f.data) }
func (f *Fixed) Committed() int { return len(f.data) }
func (f *Fixed) Bytes() []byte  { return f.data }

func (f *Fixed) Map(hint, size int) (int, error) {
	return 0, ErrFixedLength
}

func (f *Fixed) Unmap(offset, size int) error {
	return ErrFixedLength
}
