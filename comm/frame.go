package comm

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/snksoft/crc"
)

// frames are encoded as [SOT][PAYLOAD][CRC][EOT].  The payload and CRC
// are sanitized so the delimiter bytes never appear inside the frame.

const (
	// frameStart is the start of frame byte
	frameStart = 0x0D

	// frameEnd is the end of frame byte
	frameEnd = 0x0A

	// specialCharFirstReplacement is the first byte used to replace a
	// special character
	specialCharFirstReplacement = 0x5E

	// specialCharShift is the amount to shift special characters up.
	// special characters max out at 0x5E, so we will never overflow
	specialCharShift = 0x40
)

var (
	// specialChars must be filtered out of payloads before framing
	specialChars = []byte{0x0A, 0x0D, 0x5E}

	crcTable = crc.NewTable(crc.XMODEM)

	// ErrCRCMismatch is generated when a frame fails its checksum; the
	// controller state is unknown and the command should be reissued
	ErrCRCMismatch = errors.New("CRC mismatch, data lost in transmission")
)

func sanitize(data []byte) []byte {
	out := []byte{}
	for _, b := range data {
		if bytes.Contains(specialChars, []byte{b}) {
			out = append(out, specialCharFirstReplacement, b+specialCharShift)
		} else {
			out = append(out, b)
		}
	}
	return out
}

func reverseSanitize(data []byte) []byte {
	out := []byte{}
	subNext := false
	for _, b := range data {
		if b == specialCharFirstReplacement {
			// substitution marker; subtract from the next byte
			subNext = true
		} else {
			if subNext {
				b = b - specialCharShift
			}
			out = append(out, b)
			subNext = false
		}
	}
	return out
}

func crcBytes(data []byte) []byte {
	crcUint := crcTable.InitCrc()
	crcUint = crcTable.UpdateCrc(crcUint, data)
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, crcTable.CRC16(crcUint))
	return out
}

// Frame wraps a payload with the start byte, a CRC-16 (CCITT XMODEM)
// trailer and the end byte, sanitizing delimiter bytes along the way
func Frame(payload []byte) []byte {
	body := sanitize(payload)
	body = append(body, sanitize(crcBytes(payload))...)
	out := append([]byte{frameStart}, body...)
	return append(out, frameEnd)
}

// ReadFrame consumes one frame from r and returns its payload
func ReadFrame(r io.Reader) ([]byte, error) {
	raw, err := bufio.NewReader(r).ReadBytes(frameEnd)
	if err != nil {
		return nil, err
	}
	return Deframe(raw)
}

// Deframe unwraps a frame, verifying the checksum.  Bytes outside the
// delimiters are discarded.
func Deframe(raw []byte) ([]byte, error) {
	if !bytes.Contains(raw, []byte{frameStart}) {
		return nil, fmt.Errorf("frame start byte %X not found", frameStart)
	}
	if !bytes.Contains(raw, []byte{frameEnd}) {
		return nil, fmt.Errorf("frame end byte %X not found", frameEnd)
	}
	iStart := bytes.IndexByte(raw, frameStart)
	iEnd := bytes.IndexByte(raw, frameEnd)
	body := reverseSanitize(raw[iStart+1 : iEnd])

	if len(body) < 2 {
		return nil, errors.New("frame too short to carry a checksum")
	}
	fidx := len(body) - 2
	payload, recv := body[:fidx], body[fidx:]
	if !bytes.Equal(recv, crcBytes(payload)) {
		return nil, ErrCRCMismatch
	}
	return payload, nil
}
