package comm_test

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/qt3uw/confocal/comm"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("MOV 2.500000 1.250000")
	got, err := comm.Deframe(comm.Frame(payload))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mangled payload: %q", got)
	}
}

func TestFrameSanitizesDelimiters(t *testing.T) {
	// payload containing the frame delimiters and the escape byte itself
	payload := []byte{0x0A, 0x0D, 0x5E, 'x'}
	raw := comm.Frame(payload)
	// exactly one start and one end delimiter survive in the wire form
	if n := bytes.Count(raw[1:len(raw)-1], []byte{0x0A}); n != 0 {
		t.Errorf("end delimiter leaked into the body %d times", n)
	}
	if n := bytes.Count(raw[1:len(raw)-1], []byte{0x0D}); n != 0 {
		t.Errorf("start delimiter leaked into the body %d times", n)
	}
	got, err := comm.Deframe(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("round trip mangled payload: %v", got)
	}
}

func TestDeframeDetectsCorruption(t *testing.T) {
	raw := comm.Frame([]byte("POS?"))
	raw[2] ^= 0x01
	if _, err := comm.Deframe(raw); !errors.Is(err, comm.ErrCRCMismatch) {
		t.Errorf("expected ErrCRCMismatch, got %v", err)
	}
}

func TestDeframeRejectsMissingDelimiters(t *testing.T) {
	if _, err := comm.Deframe([]byte("garbage")); err == nil {
		t.Error("frame with no delimiters should be rejected")
	}
}

// duplexConn is an in-memory ReadWriteCloser for loopback tests
type duplexConn struct {
	rd *bytes.Buffer
	wr *bytes.Buffer
}

func (d *duplexConn) Read(p []byte) (int, error)  { return d.rd.Read(p) }
func (d *duplexConn) Write(p []byte) (int, error) { return d.wr.Write(p) }
func (d *duplexConn) Close() error                { return nil }

func TestRemoteDeviceSendAppendsTerminator(t *testing.T) {
	conn := &duplexConn{rd: &bytes.Buffer{}, wr: &bytes.Buffer{}}
	rd := comm.NewRemoteDevice("fake", false)
	rd.Conn = conn
	if err := rd.Send([]byte("SVO 1")); err != nil {
		t.Fatal(err)
	}
	if got := conn.wr.String(); got != "SVO 1\r" {
		t.Errorf("wire bytes %q, want %q", got, "SVO 1\r")
	}
}

func TestRemoteDeviceRecvStripsTerminator(t *testing.T) {
	conn := &duplexConn{rd: bytes.NewBufferString("2.5 1.25\r"), wr: &bytes.Buffer{}}
	rd := comm.NewRemoteDevice("fake", false)
	rd.Conn = conn
	resp, err := rd.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "2.5 1.25" {
		t.Errorf("got %q", resp)
	}
}

func TestRemoteDeviceNotConnected(t *testing.T) {
	rd := comm.NewRemoteDevice("fake", false)
	if err := rd.Send([]byte("x")); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, err := rd.Recv(); !errors.Is(err, comm.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestRemoteDeviceSendRecvOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
	}()

	rd := comm.NewRemoteDevice(ln.Addr().String(), false)
	if err := rd.Open(); err != nil {
		t.Fatal(err)
	}
	defer rd.Close()
	resp, err := rd.SendRecv([]byte("IDN?"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "IDN?" {
		t.Errorf("echo returned %q", resp)
	}
}
