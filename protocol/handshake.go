package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Magic opens every preamble.
const Magic = "GBXRemote"

// MaxPreambleSize bounds the preamble text so a peer speaking some other
// protocol cannot make us allocate arbitrary memory.
const MaxPreambleSize = 64

var (
	ErrProtocol        = errors.New("protocol error")
	ErrBadPreamble     = fmt.Errorf("%w: bad preamble", ErrProtocol)
	ErrVersionMismatch = fmt.Errorf("%w: version mismatch", ErrProtocol)
)

// Version is a major[.minor] API version. The zero Version means "not
// declared".
type Version struct {
	Major int
	Minor int
}

func (v Version) IsZero() bool { return v == Version{} }

func (v Version) String() string {
	if v.Minor == 0 {
		return strconv.Itoa(v.Major)
	}
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// ParseVersion parses "major" or "major.minor".
func ParseVersion(s string) (Version, error) {
	majorStr, minorStr, hasMinor := strings.Cut(s, ".")
	major, err := strconv.Atoi(majorStr)
	if err != nil || major < 0 {
		return Version{}, fmt.Errorf("%w: version %q", ErrBadPreamble, s)
	}
	v := Version{Major: major}
	if hasMinor {
		minor, err := strconv.Atoi(minorStr)
		if err != nil || minor < 0 {
			return Version{}, fmt.Errorf("%w: version %q", ErrBadPreamble, s)
		}
		v.Minor = minor
	}
	return v, nil
}

// Versions is what one side declares in its preamble: the version of the
// server-control surface and, optionally, of the scripting surface.
type Versions struct {
	Control Version
	Script  Version
}

// Preamble renders the preamble text, e.g. "GBXRemote 2 3.3".
func (v Versions) Preamble() string {
	s := Magic + " " + v.Control.String()
	if !v.Script.IsZero() {
		s += " " + v.Script.String()
	}
	return s
}

// ParsePreamble parses preamble text. A missing script version is accepted
// and left zero.
func ParsePreamble(s string) (Versions, error) {
	parts := strings.Fields(s)
	if len(parts) < 2 || len(parts) > 3 || parts[0] != Magic {
		return Versions{}, fmt.Errorf("%w: %q", ErrBadPreamble, s)
	}
	var (
		v   Versions
		err error
	)
	if v.Control, err = ParseVersion(parts[1]); err != nil {
		return Versions{}, err
	}
	if len(parts) == 3 {
		if v.Script, err = ParseVersion(parts[2]); err != nil {
			return Versions{}, err
		}
	}
	return v, nil
}

// VersionMismatchError carries both sides of a failed negotiation.
type VersionMismatchError struct {
	Local  Versions
	Remote Versions
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("%s: local %q, remote %q", ErrVersionMismatch, e.Local.Preamble(), e.Remote.Preamble())
}

func (e *VersionMismatchError) Is(target error) bool {
	return target == ErrVersionMismatch || target == ErrProtocol
}

// Compatible reports whether two declarations can talk: control majors must
// match, and script majors must match when both sides declare one.
func Compatible(local, remote Versions) bool {
	if local.Control.Major != remote.Control.Major {
		return false
	}
	if !local.Script.IsZero() && !remote.Script.IsZero() && local.Script.Major != remote.Script.Major {
		return false
	}
	return true
}

// Handshake performs the client side of the preamble exchange: it writes
// the local preamble, then reads and checks the peer's. It returns the
// versions the peer declared.
func Handshake(rw io.ReadWriter, local Versions) (Versions, error) {
	if err := WritePreamble(rw, local); err != nil {
		return Versions{}, err
	}
	remote, err := ReadPreamble(rw)
	if err != nil {
		return Versions{}, err
	}
	if !Compatible(local, remote) {
		return remote, &VersionMismatchError{Local: local, Remote: remote}
	}
	return remote, nil
}

// AcceptHandshake is the server side: read the client's preamble, answer with
// ours, then check compatibility. The answer is sent even on a mismatch so
// the client sees what we speak.
func AcceptHandshake(rw io.ReadWriter, local Versions) (Versions, error) {
	remote, err := ReadPreamble(rw)
	if err != nil {
		return Versions{}, err
	}
	if err := WritePreamble(rw, local); err != nil {
		return remote, err
	}
	if !Compatible(local, remote) {
		return remote, &VersionMismatchError{Local: local, Remote: remote}
	}
	return remote, nil
}

// WritePreamble writes [len:4 LE][text] in one Write.
func WritePreamble(w io.Writer, v Versions) error {
	text := v.Preamble()
	buf := make([]byte, 4+len(text))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(text)))
	copy(buf[4:], text)
	_, err := w.Write(buf)
	return err
}

func ReadPreamble(r io.Reader) (Versions, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Versions{}, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxPreambleSize {
		return Versions{}, fmt.Errorf("%w: length %d", ErrBadPreamble, n)
	}
	text := make([]byte, n)
	if _, err := io.ReadFull(r, text); err != nil {
		return Versions{}, err
	}
	return ParsePreamble(string(text))
}
