package cmn

// OverflowLessThan compares two millisecond timestamps that are stored in
// 32 bits and therefore wrap roughly every 49.7 days. It treats "a" as
// earlier than "b" if the forward distance from a to b is less than half
// the 32-bit range, which is the usual definition of "before" for wrapping
// clocks (RFC 1982 serial number arithmetic). Do not widen this to 64 bits:
// the wraparound behaviour is the point.
func OverflowLessThan(a, b uint32) bool {
	return int32(a-b) < 0
}
