package drivers

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/gridworks/gridbox/pkg/devcfg"
	"github.com/gridworks/gridbox/pkg/hal"
)

// The sgbus line protocol is a minimal ASCII request/reply exchange:
//
//	request : '#' <address> 'R' CR LF
//	reply   : '=' <field> (';' <field>)* '*' <checksum> CR LF
//
// where the checksum is the XOR of the reply payload bytes (between '='
// and '*') rendered as two uppercase hex digits.

const (
	sgbusDefaultBaudrate = 4800
	sgbusReadTimeout     = 100 * time.Millisecond
	sgbusMaxReplyLen     = 256
)

// lineExchanger performs one request/reply exchange on the bus. It is
// an interface so that driver tests can run against a scripted fake.
type lineExchanger interface {
	Exchange(request string) (string, error)
	Close() error
}

// sgbusClient talks the sgbus protocol over a serial line. The port is
// opened lazily at first exchange, so that constructing a driver does
// not require the hardware to be present yet.
type sgbusClient struct {
	portName string
	baudrate int

	mu   sync.Mutex
	port serial.Port
}

func newSgbusClient(coord *devcfg.Coordinator) (*sgbusClient, error) {
	portName, ok := coord.StringProp(devcfg.PortAttr)
	if !ok || portName == "" {
		return nil, &hal.HalError{Reason: fmt.Sprintf("coordinator %s has no port", coord.UID())}
	}

	baudrate := sgbusDefaultBaudrate
	if b, ok := coord.IntProp("baudrate"); ok {
		baudrate = b
	}

	return &sgbusClient{portName: portName, baudrate: baudrate}, nil
}

func (c *sgbusClient) ensureOpen() error {
	if c.port != nil {
		return nil
	}
	port, err := serial.Open(c.portName, &serial.Mode{BaudRate: c.baudrate})
	if err != nil {
		return err
	}
	if err := port.SetReadTimeout(sgbusReadTimeout); err != nil {
		port.Close()
		return err
	}
	c.port = port
	return nil
}

// Exchange writes the request and reads the reply line. The serial
// exchanges of one request are atomic with respect to other users of
// the client.
func (c *sgbusClient) Exchange(request string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpen(); err != nil {
		return "", err
	}

	if _, err := c.port.Write([]byte(request)); err != nil {
		return "", err
	}

	var reply bytes.Buffer
	buf := make([]byte, 1)
	for reply.Len() < sgbusMaxReplyLen {
		n, err := c.port.Read(buf)
		if err != nil {
			return "", err
		}
		if n == 0 {
			// read timeout without data: the device did not answer
			return "", fmt.Errorf("no reply on %s", c.portName)
		}
		if buf[0] == '\n' {
			return strings.TrimRight(reply.String(), "\r"), nil
		}
		reply.WriteByte(buf[0])
	}
	return "", fmt.Errorf("reply too long on %s", c.portName)
}

func (c *sgbusClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

func sgbusChecksum(payload string) string {
	var sum byte
	for i := 0; i < len(payload); i++ {
		sum ^= payload[i]
	}
	return fmt.Sprintf("%02X", sum)
}

// sgbusRequest renders the poll request for a device address.
func sgbusRequest(address string) string {
	return "#" + address + "R\r\n"
}

// parseSgbusReply validates the framing and checksum of a reply and
// returns its payload fields.
func parseSgbusReply(deviceID, reply string) ([]string, error) {
	if !strings.HasPrefix(reply, "=") {
		return nil, &hal.FramingError{DeviceID: deviceID, Reason: fmt.Sprintf("malformed reply (%q)", reply)}
	}
	payload, checksum, ok := strings.Cut(reply[1:], "*")
	if !ok {
		return nil, &hal.FramingError{DeviceID: deviceID, Reason: fmt.Sprintf("missing checksum (%q)", reply)}
	}
	if expected := sgbusChecksum(payload); !strings.EqualFold(checksum, expected) {
		return nil, &hal.FramingError{
			DeviceID: deviceID,
			Reason:   fmt.Sprintf("checksum mismatch (got %s, expected %s)", checksum, expected),
		}
	}
	return strings.Split(payload, ";"), nil
}
