package codec

import (
	"bytes"
	"testing"
)

func TestAnnounceRoundTrip(t *testing.T) {
	var pub, addr [32]byte
	pub[0] = 9
	addr[1] = 3
	var sig [64]byte
	sig[0] = 0xAA

	raw := EncodeAnnounce(555, Announce{PubKey: pub, Priority: 4, ClientID: 77, Addr: addr, Sig: sig})

	r := bytes.NewReader(raw)
	header, err := DecodeTrackerHeader(r)
	if err != nil {
		t.Fatalf("DecodeTrackerHeader: %v", err)
	}
	if header.Cmd != CmdAnnounce || header.Nonce != 555 {
		t.Fatalf("header mismatch: %+v", header)
	}

	a, err := DecodeAnnounceBody(r)
	if err != nil {
		t.Fatalf("DecodeAnnounceBody: %v", err)
	}
	if a.PubKey != pub || a.Priority != 4 || a.ClientID != 77 || a.Addr != addr || a.Sig != sig {
		t.Fatalf("body mismatch: %+v", a)
	}
}

func TestGetAddrsResponseRoundTrip(t *testing.T) {
	var addr1, addr2 [32]byte
	addr1[0] = 1
	addr2[0] = 2

	records := []PeerRecord{
		{Addr: addr1, Priority: 1, ClientID: 10, TTL: 3600},
		{Addr: addr2, Priority: 2, ClientID: 20, TTL: 7200},
	}

	raw := EncodeGetAddrsResponse(99, records)
	r := bytes.NewReader(raw)

	header, err := DecodeTrackerHeader(r)
	if err != nil {
		t.Fatalf("DecodeTrackerHeader: %v", err)
	}
	if header.Nonce != 99 || header.Cmd != CmdGetAddrs {
		t.Fatalf("header mismatch: %+v", header)
	}

	decoded, err := DecodeGetAddrsResponseBody(r)
	if err != nil {
		t.Fatalf("DecodeGetAddrsResponseBody: %v", err)
	}
	if len(decoded) != 2 || decoded[0].ClientID != 10 || decoded[1].ClientID != 20 {
		t.Fatalf("records mismatch: %+v", decoded)
	}
}

func TestGetAddrsResponseEmpty(t *testing.T) {
	raw := EncodeGetAddrsResponse(1, nil)
	r := bytes.NewReader(raw)
	if _, err := DecodeTrackerHeader(r); err != nil {
		t.Fatalf("DecodeTrackerHeader: %v", err)
	}
	decoded, err := DecodeGetAddrsResponseBody(r)
	if err != nil {
		t.Fatalf("DecodeGetAddrsResponseBody: %v", err)
	}
	if len(decoded) != 0 {
		t.Fatalf("expected empty reply, got %d records", len(decoded))
	}
}
