package motor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/multierr"
)

// MaxHubs is the most ports a SerialBus will open
const MaxHubs = 10

// hubAddr addresses the hub itself instead of one of its nodes
const hubAddr = -1

// Fault codes for errors raised by the host side of the link rather than by a node
const (
	CodeTimeout  uint32 = 0x80000001
	CodeProtocol uint32 = 0x80000002
	CodeIO       uint32 = 0x80000003
)

var (
	ErrNoUSBSerial = errors.New("no USB serial ports found")

	log = logrus.WithField("pkg", "motor")
)

// GetSerialPorts returns the names of all USB serial ports
func GetSerialPorts() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("error listing serial ports: %w", err)
	}

	var result []string
	for _, p := range ports {
		if p.IsUSB {
			result = append(result, p.Name)
		}
	}
	if len(result) == 0 {
		return nil, ErrNoUSBSerial
	}
	return result, nil
}

// SerialConfig configures a SerialBus
type SerialConfig struct {
	// Ports to open. When empty, USB serial ports are discovered
	Ports       []string
	BaudRate    int
	ReadTimeout time.Duration
}

// SerialBus discovers hubs on serial ports and speaks the line protocol to their nodes
type SerialBus struct {
	cfg  SerialConfig
	open func(name string, cfg SerialConfig) (io.ReadWriteCloser, error)

	hubs []*Hub
}

var _ Bus = &SerialBus{}

// NewSerialBus creates a SerialBus. No port is opened until Ports is called
func NewSerialBus(cfg SerialConfig) *SerialBus {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = time.Second
	}
	return &SerialBus{cfg: cfg, open: openSerial}
}

func openSerial(name string, cfg SerialConfig) (io.ReadWriteCloser, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, err
	}

	// short reads let the Hub enforce its own response deadline
	err = port.SetReadTimeout(10 * time.Millisecond)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("error setting read timeout: %w", err)
	}

	err = port.ResetInputBuffer()
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("error resetting input buffer: %w", err)
	}

	return port, nil
}

// Ports opens every configured or discovered port, up to MaxHubs
func (b *SerialBus) Ports() ([]Port, error) {
	names := b.cfg.Ports
	if len(names) == 0 {
		var err error
		names, err = GetSerialPorts()
		if errors.Is(err, ErrNoUSBSerial) {
			return nil, fmt.Errorf("%w: %w", ErrNoHardware, err)
		}
		if err != nil {
			return nil, err
		}
	}
	if len(names) > MaxHubs {
		log.Warnf("found %d ports, only using the first %d", len(names), MaxHubs)
		names = names[:MaxHubs]
	}

	var result []Port
	for _, name := range names {
		rwc, err := b.open(name, b.cfg)
		if err != nil {
			return nil, fmt.Errorf("error opening port %q: %w", name, err)
		}

		hub, err := NewHub(name, rwc, b.cfg.ReadTimeout)
		if err != nil {
			rwc.Close()
			return nil, fmt.Errorf("error connecting to hub on %q: %w", name, err)
		}
		b.hubs = append(b.hubs, hub)

		log.WithFields(logrus.Fields{"port_name": name, "nodes": hub.NodeCount()}).Info("opened hub")
		result = append(result, hub)
	}

	return result, nil
}

// Close closes every opened hub. All hubs are closed even if some fail
func (b *SerialBus) Close() error {
	var err error
	for _, h := range b.hubs {
		err = multierr.Append(err, h.Close())
	}
	b.hubs = nil
	return err
}

// Hub is one serial port with a number of nodes behind it. Requests are serialized so nodes
// on the same Hub can be used from separate goroutines
type Hub struct {
	name    string
	rwc     io.ReadWriteCloser
	timeout time.Duration

	mtx     sync.Mutex
	pending []byte
	nodes   int
	// stale is set when a response may still be in flight and must not be read as the answer to
	// the next request
	stale bool
}

// inputResetter is implemented by serial.Port
type inputResetter interface {
	ResetInputBuffer() error
}

var _ Port = &Hub{}

// NewHub connects to a hub over rwc and asks it for its node count
func NewHub(name string, rwc io.ReadWriteCloser, timeout time.Duration) (*Hub, error) {
	h := &Hub{name: name, rwc: rwc, timeout: timeout}

	resp, err := h.exec(hubAddr, "NC", "")
	if err != nil {
		return nil, err
	}

	n, err := strconv.Atoi(resp)
	if err != nil || n < 0 {
		return nil, &Fault{Addr: hubAddr, Code: CodeProtocol, Msg: fmt.Sprintf("invalid node count %q", resp)}
	}
	h.nodes = n

	return h, nil
}

func (h *Hub) Name() string {
	return h.name
}

func (h *Hub) NodeCount() int {
	return h.nodes
}

func (h *Hub) Node(i int) (Motor, error) {
	if i < 0 || i >= h.nodes {
		return nil, fmt.Errorf("bad node %d for hub %q with %d nodes", i, h.name, h.nodes)
	}
	return &serialNode{hub: h, addr: i}, nil
}

func (h *Hub) Close() error {
	return h.rwc.Close()
}

// exec sends one request and waits for its response line. The value after "OK" is returned
func (h *Hub) exec(addr int, cmd, arg string) (string, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.stale {
		err := h.drain()
		if err != nil {
			return "", &Fault{Addr: addr, Code: CodeIO, Msg: "drain before " + cmd, Err: err}
		}
	}

	req := formatRequest(addr, cmd, arg)
	_, err := h.rwc.Write([]byte(req))
	if err != nil {
		h.stale = true
		return "", &Fault{Addr: addr, Code: CodeIO, Msg: "write " + cmd, Err: err}
	}

	line, err := h.readLine()
	if err != nil {
		h.stale = true
		return "", &Fault{Addr: addr, Code: CodeIO, Msg: "read " + cmd, Err: err}
	}
	if line == "" {
		h.stale = true
		return "", &Fault{Addr: addr, Code: CodeTimeout, Msg: "no response to " + cmd}
	}

	return parseResponse(addr, cmd, line)
}

// readLine reads until a newline or the deadline. An empty string means nothing arrived in time
func (h *Hub) readLine() (string, error) {
	deadline := time.Now().Add(h.timeout)
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(h.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(h.pending[:i]), "\r")
			h.pending = h.pending[i+1:]
			return line, nil
		}

		n, err := h.rwc.Read(buf)
		if n > 0 {
			h.pending = append(h.pending, buf[:n]...)
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		if time.Now().After(deadline) {
			h.pending = nil
			return "", nil
		}
	}
}

// drain discards anything left over from a request that failed, including a late response, so it
// cannot be matched to the next request. Reading stops once the port is idle or after the timeout
func (h *Hub) drain() error {
	discarded := len(h.pending)
	h.pending = nil

	if r, ok := h.rwc.(inputResetter); ok {
		err := r.ResetInputBuffer()
		if err != nil {
			return err
		}
	}

	deadline := time.Now().Add(h.timeout)
	buf := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := h.rwc.Read(buf)
		discarded += n
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if n == 0 {
			break
		}
	}

	if discarded > 0 {
		log.WithField("port_name", h.name).Warnf("discarded %d bytes of stale input", discarded)
	}
	h.stale = false
	return nil
}

func formatRequest(addr int, cmd, arg string) string {
	target := "H"
	if addr != hubAddr {
		target = strconv.Itoa(addr)
	}
	if arg == "" {
		return target + " " + cmd + "\n"
	}
	return target + " " + cmd + " " + arg + "\n"
}

// parseResponse handles "OK [value]" and "ERR <hex code> <message>"
func parseResponse(addr int, cmd, line string) (string, error) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 3)
	switch fields[0] {
	case "OK":
		if len(fields) == 1 {
			return "", nil
		}
		return strings.Join(fields[1:], " "), nil
	case "ERR":
		if len(fields) < 2 {
			return "", &Fault{Addr: addr, Code: CodeProtocol, Msg: fmt.Sprintf("malformed error to %s: %q", cmd, line)}
		}
		code, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 32)
		if err != nil {
			return "", &Fault{Addr: addr, Code: CodeProtocol, Msg: fmt.Sprintf("bad error code to %s: %q", cmd, line)}
		}
		msg := cmd
		if len(fields) == 3 {
			msg = fields[2]
		}
		return "", &Fault{Addr: addr, Code: uint32(code), Msg: msg}
	default:
		return "", &Fault{Addr: addr, Code: CodeProtocol, Msg: fmt.Sprintf("unexpected response to %s: %q", cmd, line)}
	}
}

type serialNode struct {
	hub  *Hub
	addr int
}

var _ Motor = &serialNode{}

func (n *serialNode) do(cmd, arg string) error {
	_, err := n.hub.exec(n.addr, cmd, arg)
	return err
}

func (n *serialNode) query(cmd string) (bool, error) {
	resp, err := n.hub.exec(n.addr, cmd, "")
	if err != nil {
		return false, err
	}
	switch resp {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, &Fault{Addr: n.addr, Code: CodeProtocol, Msg: fmt.Sprintf("expected 0 or 1 from %s, got %q", cmd, resp)}
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

func (n *serialNode) ClearFaults() error {
	return n.do("AC", "")
}

func (n *serialNode) ClearMotionStop() error {
	return n.do("SC", "")
}

func (n *serialNode) RequestEnable(enable bool) error {
	if enable {
		return n.do("EN", "1")
	}
	return n.do("EN", "0")
}

func (n *serialNode) IsReady() (bool, error) {
	return n.query("RDY")
}

func (n *serialNode) HomingSupported() (bool, error) {
	return n.query("HV")
}

func (n *serialNode) AlreadyHomed() (bool, error) {
	return n.query("HW")
}

func (n *serialNode) InitiateHoming() error {
	return n.do("HI", "")
}

func (n *serialNode) WasHomed() (bool, error) {
	return n.query("HW")
}

func (n *serialNode) SetVelocityUnits(u VelUnit) error {
	return n.do("VU", u.String())
}

func (n *serialNode) SetAccelUnits(u AccUnit) error {
	return n.do("AU", u.String())
}

func (n *serialNode) SetAccelLimit(v float64) error {
	return n.do("AL", formatFloat(v))
}

func (n *serialNode) SetVelocityLimit(v float64) error {
	return n.do("VL", formatFloat(v))
}

func (n *serialNode) CommandVelocity(v float64) error {
	return n.do("MV", formatFloat(v))
}
