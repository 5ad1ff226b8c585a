package motor

import (
	"fmt"
	"math"
	"sync"
)

// Names of the calls recorded by a SimNode
const (
	CallClearFaults      = "ClearFaults"
	CallClearMotionStop  = "ClearMotionStop"
	CallEnable           = "Enable"
	CallDisable          = "Disable"
	CallIsReady          = "IsReady"
	CallHomingSupported  = "HomingSupported"
	CallAlreadyHomed     = "AlreadyHomed"
	CallInitiateHoming   = "InitiateHoming"
	CallWasHomed         = "WasHomed"
	CallSetVelocityUnits = "SetVelocityUnits"
	CallSetAccelUnits    = "SetAccelUnits"
	CallSetAccelLimit    = "SetAccelLimit"
	CallSetVelocityLimit = "SetVelocityLimit"
	CallCommandVelocity  = "CommandVelocity"
)

// SimNodeConfig describes how a simulated node behaves
type SimNodeConfig struct {
	// PollsUntilReady is the number of IsReady polls after enabling before the node is ready.
	// Negative means it never becomes ready
	PollsUntilReady int

	HomingSupported bool
	AlreadyHomed    bool

	// PollsUntilHomed is the number of WasHomed polls after initiating homing before it completes.
	// Negative means homing never completes
	PollsUntilHomed int
}

// SimNode is an in-memory Motor. It records every call so runs can be inspected
type SimNode struct {
	addr int
	cfg  SimNodeConfig

	mtx        sync.Mutex
	enabled    bool
	readyPolls int
	homing     bool
	homed      bool
	homedPolls int
	velUnit    VelUnit
	accUnit    AccUnit
	accLimit   float64
	velLimit   float64
	velocity   float64

	calls      []string
	velocities []float64
	failures   map[string]simFailure
}

type simFailure struct {
	after int
	fault *Fault
}

var _ Motor = &SimNode{}

// NewSimNode creates a simulated node with the given address
func NewSimNode(addr int, cfg SimNodeConfig) *SimNode {
	return &SimNode{
		addr:     addr,
		cfg:      cfg,
		homed:    cfg.AlreadyHomed,
		failures: map[string]simFailure{},
	}
}

// FailOn makes the named call return a Fault once it has already succeeded "after" times
func (s *SimNode) FailOn(call string, after int, code uint32, msg string) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.failures[call] = simFailure{after: after, fault: &Fault{Addr: s.addr, Code: code, Msg: msg}}
}

// record must be called with the lock held
func (s *SimNode) record(call string) error {
	prior := s.countLocked(call)
	s.calls = append(s.calls, call)

	f, ok := s.failures[call]
	if ok && prior >= f.after {
		return f.fault
	}
	return nil
}

func (s *SimNode) countLocked(call string) int {
	n := 0
	for _, c := range s.calls {
		if c == call {
			n++
		}
	}
	return n
}

// Calls returns every call made to the node, in order
func (s *SimNode) Calls() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]string(nil), s.calls...)
}

// Count returns the number of times the named call was made
func (s *SimNode) Count(call string) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.countLocked(call)
}

// Velocities returns every commanded velocity, in order
func (s *SimNode) Velocities() []float64 {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return append([]float64(nil), s.velocities...)
}

// Enabled tells if the node is currently enabled
func (s *SimNode) Enabled() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.enabled
}

// Limits returns the configured acceleration and velocity limits
func (s *SimNode) Limits() (float64, float64) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.accLimit, s.velLimit
}

func (s *SimNode) ClearFaults() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.record(CallClearFaults)
}

func (s *SimNode) ClearMotionStop() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.record(CallClearMotionStop)
}

func (s *SimNode) RequestEnable(enable bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	call := CallDisable
	if enable {
		call = CallEnable
	}
	err := s.record(call)
	if err != nil {
		return err
	}

	s.enabled = enable
	s.readyPolls = 0
	if !enable {
		s.velocity = 0
	}
	return nil
}

func (s *SimNode) IsReady() (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.record(CallIsReady)
	if err != nil {
		return false, err
	}
	if !s.enabled || s.cfg.PollsUntilReady < 0 {
		return false, nil
	}

	s.readyPolls++
	return s.readyPolls > s.cfg.PollsUntilReady, nil
}

func (s *SimNode) HomingSupported() (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.record(CallHomingSupported)
	if err != nil {
		return false, err
	}
	return s.cfg.HomingSupported, nil
}

func (s *SimNode) AlreadyHomed() (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.record(CallAlreadyHomed)
	if err != nil {
		return false, err
	}
	return s.homed, nil
}

func (s *SimNode) InitiateHoming() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.record(CallInitiateHoming)
	if err != nil {
		return err
	}
	if !s.enabled {
		return &Fault{Addr: s.addr, Code: 0x2001, Msg: "homing requested while disabled"}
	}

	s.homing = true
	s.homedPolls = 0
	return nil
}

func (s *SimNode) WasHomed() (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.record(CallWasHomed)
	if err != nil {
		return false, err
	}
	if s.homing && s.cfg.PollsUntilHomed >= 0 {
		s.homedPolls++
		if s.homedPolls > s.cfg.PollsUntilHomed {
			s.homing = false
			s.homed = true
		}
	}
	return s.homed, nil
}

func (s *SimNode) SetVelocityUnits(u VelUnit) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.record(CallSetVelocityUnits)
	if err != nil {
		return err
	}
	s.velUnit = u
	return nil
}

func (s *SimNode) SetAccelUnits(u AccUnit) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.record(CallSetAccelUnits)
	if err != nil {
		return err
	}
	s.accUnit = u
	return nil
}

func (s *SimNode) SetAccelLimit(v float64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.record(CallSetAccelLimit)
	if err != nil {
		return err
	}
	s.accLimit = v
	return nil
}

func (s *SimNode) SetVelocityLimit(v float64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.record(CallSetVelocityLimit)
	if err != nil {
		return err
	}
	s.velLimit = v
	return nil
}

// CommandVelocity faults like a real drive when the node is disabled or the value exceeds the
// configured limit
func (s *SimNode) CommandVelocity(v float64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	err := s.record(CallCommandVelocity)
	if err != nil {
		return err
	}
	s.velocities = append(s.velocities, v)

	if !s.enabled {
		return &Fault{Addr: s.addr, Code: 0x2002, Msg: "velocity commanded while disabled"}
	}
	if s.velLimit > 0 && math.Abs(v) > s.velLimit {
		return &Fault{Addr: s.addr, Code: 0x2003, Msg: fmt.Sprintf("velocity %.3f exceeds limit %.3f", v, s.velLimit)}
	}

	s.velocity = v
	return nil
}

// SimPort is a simulated hub
type SimPort struct {
	name  string
	nodes []*SimNode
}

var _ Port = &SimPort{}

// NewSimPort creates a simulated hub with the given nodes
func NewSimPort(name string, nodes ...*SimNode) *SimPort {
	return &SimPort{name: name, nodes: nodes}
}

func (p *SimPort) Name() string {
	return p.name
}

func (p *SimPort) NodeCount() int {
	return len(p.nodes)
}

func (p *SimPort) Node(i int) (Motor, error) {
	if i < 0 || i >= len(p.nodes) {
		return nil, fmt.Errorf("bad node %d for sim port %q", i, p.name)
	}
	return p.nodes[i], nil
}

// SimNodes returns the concrete simulated nodes
func (p *SimPort) SimNodes() []*SimNode {
	return p.nodes
}

// SimBus is a simulated set of hubs
type SimBus struct {
	ports []*SimPort

	mtx    sync.Mutex
	closed int
}

var _ Bus = &SimBus{}

// NewSimBus creates a simulated Bus from the given ports
func NewSimBus(ports ...*SimPort) *SimBus {
	return &SimBus{ports: ports}
}

// NewUniformSimBus creates a SimBus with the same node config everywhere
func NewUniformSimBus(ports, nodesPerPort int, cfg SimNodeConfig) *SimBus {
	var result []*SimPort
	for p := range ports {
		var nodes []*SimNode
		for n := range nodesPerPort {
			nodes = append(nodes, NewSimNode(n, cfg))
		}
		result = append(result, NewSimPort(fmt.Sprintf("sim%d", p), nodes...))
	}
	return NewSimBus(result...)
}

func (b *SimBus) Ports() ([]Port, error) {
	total := 0
	var result []Port
	for _, p := range b.ports {
		total += p.NodeCount()
		result = append(result, p)
	}
	if total == 0 {
		return nil, ErrNoHardware
	}
	return result, nil
}

// SimPorts returns the concrete simulated ports
func (b *SimBus) SimPorts() []*SimPort {
	return b.ports
}

func (b *SimBus) Close() error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.closed++
	return nil
}

// Closed returns the number of times Close was called
func (b *SimBus) Closed() int {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.closed
}
