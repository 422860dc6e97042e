// Package piezo provides a Go interface to piezo scanning amplifiers
// that speak the framed ASCII command set (MOV, POS?, SVO, ERR?).
package piezo

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/qt3uw/confocal/comm"
)

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Second}
}

// ReplyError is a non-OK reply from the amplifier, e.g. "ERR 5"
type ReplyError struct {
	Cmd   string
	Reply string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("piezo: command %q rejected, amplifier replied %q", e.Cmd, e.Reply)
}

// Controller maps to a multi-channel piezo amplifier.  It satisfies
// stage.Actuator; positions are in the amplifier's command units.
type Controller struct {
	sync.Mutex

	rd comm.RemoteDevice
}

// NewController returns a fully configured new controller
func NewController(addr string, isSerial bool) *Controller {
	return &Controller{rd: comm.NewRemoteDevice(addr, isSerial)}
}

// SerialConf yields the config used when the link is a serial port
func (c *Controller) SerialConf() *serial.Config {
	return makeSerConf(c.rd.Addr)
}

// txrx sends one framed command and returns the deframed reply payload
func (c *Controller) txrx(cmd string) (string, error) {
	c.Lock()
	defer c.Unlock()
	if c.rd.Conn == nil {
		if err := c.rd.Open(); err != nil {
			return "", err
		}
	}
	if _, err := c.rd.Conn.Write(comm.Frame([]byte(cmd))); err != nil {
		return "", err
	}
	resp, err := comm.ReadFrame(c.rd.Conn)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// command issues a write-style command and checks for the OK reply
func (c *Controller) command(cmd string) error {
	resp, err := c.txrx(cmd)
	if err != nil {
		return err
	}
	if resp != "OK" {
		return &ReplyError{Cmd: cmd, Reply: resp}
	}
	return nil
}

// Write commands all channels to the given values at once
func (c *Controller) Write(cmds []float64) error {
	parts := make([]string, 1, len(cmds)+1)
	parts[0] = "MOV"
	for _, v := range cmds {
		parts = append(parts, strconv.FormatFloat(v, 'G', -1, 64))
	}
	return c.command(strings.Join(parts, " "))
}

// Read returns the commanded value of every channel
func (c *Controller) Read() ([]float64, error) {
	resp, err := c.txrx("POS?")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(resp)
	if len(fields) == 0 {
		return nil, fmt.Errorf("piezo: blank reply to POS?, is the amplifier online")
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		out[i], err = strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("piezo: malformed POS? field %q: %w", f, err)
		}
	}
	return out, nil
}

// Enable turns the servo loop on for a channel (1-based)
func (c *Controller) Enable(channel int) error {
	return c.command(fmt.Sprintf("SVO %d 1", channel))
}

// Disable turns the servo loop off for a channel (1-based)
func (c *Controller) Disable(channel int) error {
	return c.command(fmt.Sprintf("SVO %d 0", channel))
}

// LastError queries and clears the amplifier's error register
func (c *Controller) LastError() (int, error) {
	resp, err := c.txrx("ERR?")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(resp))
}

// Close releases the link to the amplifier
func (c *Controller) Close() error {
	c.Lock()
	defer c.Unlock()
	return c.rd.Close()
}
