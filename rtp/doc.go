// Package rtp frames encoded audio with the 12-byte RTP header used on the
// provider's bidirectional media stream.
//
// Only the header framing is reused: version 2, no padding, extension or
// CSRC, marker unset, fixed payload type. Header construction and parsing
// go through pion/rtp. Sequence numbers wrap at 2^16 and timestamps at 2^32;
// the SSRC is fixed for the life of a Packetizer.
//
// Streams may also carry bare codec payloads without a header. Depacketize
// accepts both forms: anything shorter than a header or without the RTP
// version bits is decoded as raw payload.
package rtp
