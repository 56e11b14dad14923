package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	body := []byte("<methodCall/>")

	var buf bytes.Buffer
	if err := Encode(&buf, 0x80000001, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("frame size: got %d, want %d", buf.Len(), HeaderSize+len(body))
	}
	// length covers handle + payload, little-endian
	if got := binary.LittleEndian.Uint32(buf.Bytes()[0:4]); got != uint32(len(body)+4) {
		t.Fatalf("length field: got %d, want %d", got, len(body)+4)
	}

	h, payload, err := Decode(&buf, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.Handle != 0x80000001 {
		t.Errorf("Handle mismatch: got %#x", h.Handle)
	}
	if h.Length != uint32(len(body)+4) {
		t.Errorf("Length mismatch: got %d", h.Length)
	}
	if !bytes.Equal(payload, body) {
		t.Errorf("Body mismatch: got %q, want %q", payload, body)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, 7, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	h, payload, err := Decode(&buf, 0)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.Handle != 7 || len(payload) != 0 {
		t.Fatalf("got handle %d, %d payload bytes", h.Handle, len(payload))
	}
}

func TestDecodeSequence(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		if err := Encode(&buf, Handle(0x80000000+i), []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		h, payload, err := Decode(&buf, 0)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if h.Handle != Handle(0x80000000+i) || payload[0] != byte(i) {
			t.Fatalf("frame %d out of order: handle %#x payload %v", i, h.Handle, payload)
		}
	}
	if _, _, err := Decode(&buf, 0); err != io.EOF {
		t.Fatalf("expected io.EOF at clean end of stream, got %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	raw := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(raw[0:4], 3)
	_, _, err := Decode(bytes.NewReader(raw), 0)
	if !errors.Is(err, ErrMalformedFrame) || !errors.Is(err, ErrFraming) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestDecodeOversized(t *testing.T) {
	raw := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(raw[0:4], 4+1025)
	_, _, err := Decode(bytes.NewReader(raw), 1024)
	if !errors.Is(err, ErrOversizedFrame) {
		t.Fatalf("expected ErrOversizedFrame, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, 1, []byte("hello world")); err != nil {
		t.Fatal(err)
	}
	cut := buf.Bytes()[:buf.Len()-3]
	if _, _, err := Decode(bytes.NewReader(cut), 0); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
	if _, _, err := Decode(bytes.NewReader(cut[:5]), 0); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF inside header, got %v", err)
	}
}

func TestHandleKind(t *testing.T) {
	cases := []struct {
		h    Handle
		want HandleKind
	}{
		{0, KindEvent},
		{0x7FFFFFFF, KindEvent},
		{0x80000000, KindRequest},
		{0xFFFFFFFF, KindRequest},
	}
	for _, tc := range cases {
		if got := tc.h.Kind(); got != tc.want {
			t.Errorf("Handle(%#x).Kind() = %v, want %v", tc.h, got, tc.want)
		}
	}
}

func TestParsePreamble(t *testing.T) {
	v, err := ParsePreamble("GBXRemote 2 3.3")
	if err != nil {
		t.Fatal(err)
	}
	if v.Control != (Version{Major: 2}) || v.Script != (Version{Major: 3, Minor: 3}) {
		t.Fatalf("got %+v", v)
	}
	if v.Preamble() != "GBXRemote 2 3.3" {
		t.Fatalf("Preamble() = %q", v.Preamble())
	}

	legacy, err := ParsePreamble("GBXRemote 2")
	if err != nil {
		t.Fatal(err)
	}
	if !legacy.Script.IsZero() {
		t.Fatalf("legacy preamble should have no script version, got %v", legacy.Script)
	}

	for _, bad := range []string{"", "HTTP/1.1 200 OK", "GBXRemote", "GBXRemote x", "GBXRemote 2 3.y", "GBXRemote 1 2 3"} {
		if _, err := ParsePreamble(bad); !errors.Is(err, ErrBadPreamble) {
			t.Errorf("ParsePreamble(%q): expected ErrBadPreamble, got %v", bad, err)
		}
	}
}

func TestHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	local := Versions{Control: Version{Major: 2}, Script: Version{Major: 3, Minor: 3}}
	remote := Versions{Control: Version{Major: 2, Minor: 1}, Script: Version{Major: 3, Minor: 1}}

	errc := make(chan error, 1)
	go func() {
		got, err := AcceptHandshake(server, remote)
		if err == nil && got != local {
			err = errors.New("server saw wrong versions: " + got.Preamble())
		}
		errc <- err
	}()

	got, err := Handshake(client, local)
	if err != nil {
		t.Fatalf("Handshake failed: %v", err)
	}
	if got != remote {
		t.Fatalf("client saw %+v, want %+v", got, remote)
	}
	if err := <-errc; err != nil {
		t.Fatalf("AcceptHandshake failed: %v", err)
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	local := Versions{Control: Version{Major: 2}, Script: Version{Major: 3}}
	go AcceptHandshake(server, Versions{Control: Version{Major: 1}})

	_, err := Handshake(client, local)
	if !errors.Is(err, ErrVersionMismatch) || !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	var vm *VersionMismatchError
	if !errors.As(err, &vm) || vm.Remote.Control.Major != 1 {
		t.Fatalf("expected *VersionMismatchError carrying the remote side, got %#v", err)
	}
}

func TestCompatible(t *testing.T) {
	v := func(c, s int) Versions { return Versions{Control: Version{Major: c}, Script: Version{Major: s}} }
	cases := []struct {
		local, remote Versions
		want          bool
	}{
		{v(2, 3), v(2, 3), true},
		{v(2, 3), v(2, 0), true}, // peer without a script surface
		{v(2, 3), v(2, 2), false},
		{v(2, 3), v(1, 3), false},
	}
	for _, tc := range cases {
		if got := Compatible(tc.local, tc.remote); got != tc.want {
			t.Errorf("Compatible(%s, %s) = %v", tc.local.Preamble(), tc.remote.Preamble(), got)
		}
	}
}

func TestReadPreambleTooLong(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(MaxPreambleSize+1))
	buf.Write(bytes.Repeat([]byte("x"), MaxPreambleSize+1))
	if _, err := ReadPreamble(&buf); !errors.Is(err, ErrBadPreamble) {
		t.Fatalf("expected ErrBadPreamble, got %v", err)
	}
}
