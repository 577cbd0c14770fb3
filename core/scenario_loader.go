package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/mesh-simulator/internal/logging"
	"github.com/signalsfoundry/mesh-simulator/model"
)

// Scenario is a scripted simulation: nodes to place, optional pre-built
// links, and commands to issue at given simulated offsets. It decodes from
// YAML or JSON.
type Scenario struct {
	Name    string           `yaml:"name,omitempty" json:"name,omitempty"`
	Nodes   []ScenarioNode   `yaml:"nodes" json:"nodes"`
	Links   []ScenarioLink   `yaml:"links,omitempty" json:"links,omitempty"`
	Actions []ScenarioAction `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// ScenarioNode places one node.
type ScenarioNode struct {
	ID       string  `yaml:"id" json:"id"`
	Kind     string  `yaml:"kind,omitempty" json:"kind,omitempty"`
	X        float64 `yaml:"x" json:"x"`
	Y        float64 `yaml:"y" json:"y"`
	Address  string  `yaml:"address,omitempty" json:"address,omitempty"`
	Disabled bool    `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// ScenarioLink creates a link up front instead of waiting for a probe.
type ScenarioLink struct {
	Receiving string `yaml:"receiving" json:"receiving"`
	Sending   string `yaml:"sending" json:"sending"`
	Delay     int    `yaml:"delay" json:"delay"`
}

// Scenario action types.
const (
	ActionBroadcast   = "broadcast"
	ActionAnnounce    = "announce"
	ActionConnect     = "connect"
	ActionSend        = "send"
	ActionToggle      = "toggle"
	ActionDiscover    = "discover"
	ActionTraffic     = "traffic"
	ActionStopTraffic = "stop_traffic"
)

// ScenarioAction is one command issued At after the scenario starts.
type ScenarioAction struct {
	At   time.Duration `yaml:"at" json:"at"`
	Type string        `yaml:"type" json:"type"`
	Node string        `yaml:"node" json:"node"`

	Range       float64 `yaml:"range,omitempty" json:"range,omitempty"`
	ServiceType string  `yaml:"service_type,omitempty" json:"service_type,omitempty"`
	Service     string  `yaml:"service,omitempty" json:"service,omitempty"`
	Dest        string  `yaml:"dest,omitempty" json:"dest,omitempty"`
	Label       string  `yaml:"label,omitempty" json:"label,omitempty"`
	Message     string  `yaml:"message,omitempty" json:"message,omitempty"`
	Rate        float64 `yaml:"rate,omitempty" json:"rate,omitempty"`
}

// ErrScenarioInvalid is returned for scenarios that cannot be applied.
var ErrScenarioInvalid = errors.New("invalid scenario")

// LoadScenario decodes a scenario from r. JSON input is accepted since it is
// valid YAML.
func LoadScenario(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrScenarioInvalid)
		}
		return nil, fmt.Errorf("decode scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks structure without touching a network.
func (sc *Scenario) Validate() error {
	ids := make(map[string]bool, len(sc.Nodes))
	for i, n := range sc.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node %d has no id", ErrScenarioInvalid, i)
		}
		if ids[n.ID] {
			return fmt.Errorf("%w: duplicate node %q", ErrScenarioInvalid, n.ID)
		}
		if _, err := model.ParseNodeKind(n.Kind); err != nil {
			return fmt.Errorf("%w: node %q: %v", ErrScenarioInvalid, n.ID, err)
		}
		ids[n.ID] = true
	}
	for i, l := range sc.Links {
		if !ids[l.Receiving] || !ids[l.Sending] || l.Receiving == l.Sending {
			return fmt.Errorf("%w: link %d joins %q and %q", ErrScenarioInvalid, i, l.Receiving, l.Sending)
		}
	}
	for i, a := range sc.Actions {
		if a.At < 0 {
			return fmt.Errorf("%w: action %d has negative offset", ErrScenarioInvalid, i)
		}
		if !ids[a.Node] {
			return fmt.Errorf("%w: action %d names unknown node %q", ErrScenarioInvalid, i, a.Node)
		}
		switch a.Type {
		case ActionBroadcast:
			if a.Range <= 0 {
				return fmt.Errorf("%w: action %d: broadcast needs a positive range", ErrScenarioInvalid, i)
			}
		case ActionAnnounce, ActionToggle:
		case ActionConnect, ActionDiscover:
			if a.Service == "" && a.Dest == "" {
				return fmt.Errorf("%w: action %d: %s needs a service", ErrScenarioInvalid, i, a.Type)
			}
		case ActionSend, ActionStopTraffic:
			if a.Dest == "" {
				return fmt.Errorf("%w: action %d: %s needs a dest", ErrScenarioInvalid, i, a.Type)
			}
		case ActionTraffic:
			if a.Dest == "" || a.Rate <= 0 {
				return fmt.Errorf("%w: action %d: traffic needs a dest and a positive rate", ErrScenarioInvalid, i)
			}
		default:
			return fmt.Errorf("%w: action %d has unknown type %q", ErrScenarioInvalid, i, a.Type)
		}
	}
	return nil
}

// ActionResult records what happened when a scripted action fired.
type ActionResult struct {
	At     time.Time
	Action ScenarioAction
	OK     bool
	Detail string
}

// ScenarioRun collects results as scheduled actions fire.
type ScenarioRun struct {
	NodeIDs []string
	Results []ActionResult
	// Discoveries maps discovery IDs started by discover actions to the path
	// they settled on (nil when nothing was found).
	Discoveries map[string][]string
}

// ApplyScenario places the scenario's nodes and links on net and schedules
// its actions relative to the current simulation time.
func ApplyScenario(net *Network, sc *Scenario) (*ScenarioRun, error) {
	if sc == nil {
		return nil, fmt.Errorf("%w: nil scenario", ErrScenarioInvalid)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	run := &ScenarioRun{Discoveries: make(map[string][]string)}

	for _, sn := range sc.Nodes {
		kind, _ := model.ParseNodeKind(sn.Kind)
		if _, err := net.AddNode(NodeSpec{
			ID:       sn.ID,
			Kind:     kind,
			Position: model.Position{X: sn.X, Y: sn.Y},
			Address:  sn.Address,
			Disabled: sn.Disabled,
		}); err != nil {
			return nil, err
		}
		run.NodeIDs = append(run.NodeIDs, sn.ID)
	}
	for _, l := range sc.Links {
		if _, err := net.Connect(l.Receiving, l.Sending, l.Delay); err != nil {
			return nil, err
		}
	}

	actions := append([]ScenarioAction(nil), sc.Actions...)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].At < actions[j].At })
	start := net.Now()
	for _, a := range actions {
		net.sched.Schedule(start.Add(a.At), func() {
			ok, detail := net.runAction(run, a)
			run.Results = append(run.Results, ActionResult{At: net.Now(), Action: a, OK: ok, Detail: detail})
		})
	}

	net.log.Info(context.Background(), "scenario applied",
		logging.String("scenario", sc.Name),
		logging.Int("nodes", len(sc.Nodes)),
		logging.Int("links", len(sc.Links)),
		logging.Int("actions", len(sc.Actions)),
	)
	return run, nil
}

func (n *Network) runAction(run *ScenarioRun, a ScenarioAction) (bool, string) {
	node, ok := n.nodes[a.Node]
	if !ok {
		return false, ErrNodeNotFound.Error()
	}
	target := a.Service
	if target == "" {
		target = a.Dest
	}

	switch a.Type {
	case ActionBroadcast:
		return node.SendDiscoveryBroadcast(a.Range), ""
	case ActionAnnounce:
		return node.AnnounceService(a.ServiceType), ""
	case ActionToggle:
		enabled := node.ToggleEnabled()
		return true, fmt.Sprintf("enabled=%t", enabled)
	case ActionConnect:
		rec, ok := node.ServiceRecord(target)
		if !ok {
			return false, fmt.Sprintf("%s has no record for %s", node.id, target)
		}
		return node.RequestServiceConnection(rec), ""
	case ActionDiscover:
		var id string
		id, ok := node.DiscoverPath(target, func(path []string, _ int, found bool) {
			if found {
				run.Discoveries[id] = path
			} else {
				run.Discoveries[id] = nil
			}
		})
		return ok, id
	case ActionSend:
		return node.SendPacket(a.Dest, model.PacketKindData, model.DataPayload{Label: a.Label, Message: a.Message}), ""
	case ActionTraffic:
		if err := n.StartTraffic(node.id, a.Dest, a.Rate); err != nil {
			return false, err.Error()
		}
		return true, ""
	case ActionStopTraffic:
		return n.StopTraffic(node.id, a.Dest), ""
	default:
		return false, "unknown action"
	}
}
