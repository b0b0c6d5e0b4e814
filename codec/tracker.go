/*
File Name:  tracker.go
Package:    codec

Tracker (directory) protocol framing. Fixed 7-byte preamble
conn_type(u8)=0, version(u8), nonce(u32), cmd(u8), followed by a
command-specific payload. Responses reuse the nonce+cmd prefix.
*/
package codec

import (
	"io"

	"github.com/mimir-im/mimir/types"
)

// TrackerConnType is the fixed first byte of every tracker packet.
const TrackerConnType uint8 = 0

// TrackerVersion is the current tracker protocol version.
const TrackerVersion uint8 = 1

// Tracker command codes.
const (
	CmdAnnounce  uint8 = 0
	CmdGetAddrs  uint8 = 1
)

// TrackerHeader is the fixed preamble of every tracker packet, request or response.
type TrackerHeader struct {
	Version uint8
	Nonce   uint32
	Cmd     uint8
}

func encodeTrackerHeader(h TrackerHeader) []byte {
	var buf []byte
	putUint8(&buf, TrackerConnType)
	putUint8(&buf, h.Version)
	putUint32(&buf, h.Nonce)
	putUint8(&buf, h.Cmd)
	return buf
}

// DecodeTrackerHeader reads the 7-byte tracker preamble from r.
func DecodeTrackerHeader(r io.Reader) (TrackerHeader, error) {
	var h TrackerHeader

	connType, err := readUint8(r)
	if err != nil {
		return h, err
	}
	if connType != TrackerConnType {
		return h, types.ErrMalformed
	}

	version, err := readUint8(r)
	if err != nil {
		return h, err
	}
	h.Version = version

	nonce, err := readUint32(r)
	if err != nil {
		return h, err
	}
	h.Nonce = nonce

	cmd, err := readUint8(r)
	if err != nil {
		return h, err
	}
	h.Cmd = cmd

	return h, nil
}

// Announce is the ANNOUNCE command payload: pubkey[32], priority(u8),
// client_id(u32), addr[32], sig[64] where sig = Ed25519_sign(privkey, addr).
type Announce struct {
	PubKey   types.PeerKey
	Priority uint8
	ClientID uint32
	Addr     types.OverlayAddr
	Sig      [64]byte
}

// EncodeAnnounce encodes a full ANNOUNCE request packet.
func EncodeAnnounce(nonce uint32, a Announce) []byte {
	buf := encodeTrackerHeader(TrackerHeader{Version: TrackerVersion, Nonce: nonce, Cmd: CmdAnnounce})
	putFixed(&buf, a.PubKey[:])
	putUint8(&buf, a.Priority)
	putUint32(&buf, a.ClientID)
	putFixed(&buf, a.Addr[:])
	putFixed(&buf, a.Sig[:])
	return buf
}

// DecodeAnnounceBody decodes the ANNOUNCE payload following the header.
func DecodeAnnounceBody(r io.Reader) (Announce, error) {
	var a Announce

	pub, err := readFixed(r, types.PeerKeySize)
	if err != nil {
		return a, err
	}
	copy(a.PubKey[:], pub)

	priority, err := readUint8(r)
	if err != nil {
		return a, err
	}
	a.Priority = priority

	clientID, err := readUint32(r)
	if err != nil {
		return a, err
	}
	a.ClientID = clientID

	addr, err := readFixed(r, types.OverlayAddrSize)
	if err != nil {
		return a, err
	}
	copy(a.Addr[:], addr)

	sig, err := readFixed(r, 64)
	if err != nil {
		return a, err
	}
	copy(a.Sig[:], sig)

	return a, nil
}

// EncodeAnnounceResponse encodes the ANNOUNCE reply: ttl(u64).
func EncodeAnnounceResponse(nonce uint32, ttl uint64) []byte {
	buf := encodeTrackerHeader(TrackerHeader{Version: TrackerVersion, Nonce: nonce, Cmd: CmdAnnounce})
	putUint64(&buf, ttl)
	return buf
}

// DecodeAnnounceResponseBody decodes the ANNOUNCE reply payload.
func DecodeAnnounceResponseBody(r io.Reader) (ttl uint64, err error) {
	return readUint64(r)
}

// GetAddrs is the GET_ADDRS request payload: pubkey[32].
type GetAddrs struct {
	PubKey types.PeerKey
}

// EncodeGetAddrs encodes a full GET_ADDRS request packet.
func EncodeGetAddrs(nonce uint32, g GetAddrs) []byte {
	buf := encodeTrackerHeader(TrackerHeader{Version: TrackerVersion, Nonce: nonce, Cmd: CmdGetAddrs})
	putFixed(&buf, g.PubKey[:])
	return buf
}

// DecodeGetAddrsBody decodes the GET_ADDRS payload following the header.
func DecodeGetAddrsBody(r io.Reader) (GetAddrs, error) {
	var g GetAddrs
	pub, err := readFixed(r, types.PeerKeySize)
	if err != nil {
		return g, err
	}
	copy(g.PubKey[:], pub)
	return g, nil
}

// PeerRecord is a single record within a GET_ADDRS reply.
type PeerRecord struct {
	Addr       types.OverlayAddr
	Sig        [64]byte
	Priority   uint8
	ClientID   uint32
	TTL        uint64
}

// EncodeGetAddrsResponse encodes the GET_ADDRS reply: count(u8) then that
// many records of (addr[32], sig[64], priority(u8), client_id(u32), ttl(u64)).
func EncodeGetAddrsResponse(nonce uint32, records []PeerRecord) []byte {
	buf := encodeTrackerHeader(TrackerHeader{Version: TrackerVersion, Nonce: nonce, Cmd: CmdGetAddrs})
	putUint8(&buf, uint8(len(records)))
	for _, rec := range records {
		putFixed(&buf, rec.Addr[:])
		putFixed(&buf, rec.Sig[:])
		putUint8(&buf, rec.Priority)
		putUint32(&buf, rec.ClientID)
		putUint64(&buf, rec.TTL)
	}
	return buf
}

// DecodeGetAddrsResponseBody decodes the GET_ADDRS reply payload.
func DecodeGetAddrsResponseBody(r io.Reader) ([]PeerRecord, error) {
	count, err := readUint8(r)
	if err != nil {
		return nil, err
	}

	records := make([]PeerRecord, 0, count)
	for i := 0; i < int(count); i++ {
		var rec PeerRecord

		addr, err := readFixed(r, types.OverlayAddrSize)
		if err != nil {
			return nil, err
		}
		copy(rec.Addr[:], addr)

		sig, err := readFixed(r, 64)
		if err != nil {
			return nil, err
		}
		copy(rec.Sig[:], sig)

		priority, err := readUint8(r)
		if err != nil {
			return nil, err
		}
		rec.Priority = priority

		clientID, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		rec.ClientID = clientID

		ttl, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		rec.TTL = ttl

		records = append(records, rec)
	}

	return records, nil
}

// AnnounceSignedMessage returns the bytes that ANNOUNCE.Sig is computed over:
// sig = Ed25519_sign(privkey, addr).
func AnnounceSignedMessage(addr types.OverlayAddr) []byte {
	return append([]byte(nil), addr[:]...)
}
