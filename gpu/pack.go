package gpu

// AlignUp rounds n up to the next multiple of align. An align of zero or one
// leaves n unchanged.
func AlignUp(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	m := n % align
	if m == 0 {
		return n
	}
	return n - m + align
}

// PackRecords lays records out back to back, each one starting on a multiple
// of align. It returns the packed bytes and the byte offset of every record,
// suitable for use as dynamic offsets.
func PackRecords(align uint64, records ...[]byte) ([]byte, []uint32) {
	offsets := make([]uint32, len(records))
	var size uint64
	for i, r := range records {
		size = AlignUp(size, align)
		offsets[i] = uint32(size)
		size += uint64(len(r))
	}
	size = AlignUp(size, align)

	buf := make([]byte, size)
	for i, r := range records {
		copy(buf[offsets[i]:], r)
	}
	return buf, offsets
}

// Stride is the distance between consecutive records of recordSize bytes
// once padded to align.
func Stride(recordSize, align uint64) uint64 {
	return AlignUp(recordSize, align)
}
