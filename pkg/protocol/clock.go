package protocol

import "time"

// Ping/Pong timestamps travel as a compressed 32-bit value: the low 10 bits
// hold the top 8 bits of the sub-second nanoseconds (~4.2 ms granularity),
// the high 22 bits hold the seconds (wrapping every ~48 days). The value is
// opaque to the receiver of a Ping; only the original sender interprets the
// echoed Pong.

// EncodeTime compresses a duration since the Unix epoch into 32 bits.
func EncodeTime(d time.Duration) uint32 {
	secs := uint32(d / time.Second)
	nanos := uint32(d % time.Second)
	return secs<<10 | nanos>>22
}

// DecodeTime expands a compressed timestamp back into a (wrapped) duration
// since the Unix epoch.
func DecodeTime(v uint32) time.Duration {
	secs := time.Duration(v>>10) * time.Second
	return secs + time.Duration(v<<22)
}

// Timestamp encodes a wall-clock instant for embedding in a Ping.
func Timestamp(t time.Time) uint32 {
	return EncodeTime(time.Duration(t.UnixNano()))
}

// Elapsed computes the round-trip time for an echoed timestamp. The second
// return is false when the echo decodes to a time ahead of now (clock skew
// or a wrap boundary); such samples must be discarded, never negated.
func Elapsed(echo uint32, now time.Time) (time.Duration, bool) {
	rtt := DecodeTime(Timestamp(now)) - DecodeTime(echo)
	if rtt < 0 {
		return 0, false
	}
	return rtt, true
}
