// core/scenario_loader_test.go
package core

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const sampleScenario = `
name: three-hop
nodes:
  - {id: svc, kind: service, x: 0, y: 0, address: 10.0.0.1}
  - {id: relay, x: 40, y: 0}
  - {id: client, kind: normal, x: 80, y: 0}
actions:
  - {at: 0s, type: broadcast, node: svc, range: 50}
  - {at: 12s, type: announce, node: svc, service_type: Web Server}
  - {at: 16s, type: connect, node: client, service: svc}
  - {at: 20s, type: send, node: client, dest: svc, label: ping}
  - {at: 21s, type: discover, node: client, service: svc}
`

func TestLoadScenario_ParsesYAML(t *testing.T) {
	sc, err := LoadScenario(strings.NewReader(sampleScenario))
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}
	if sc.Name != "three-hop" {
		t.Fatalf("expected name three-hop, got %q", sc.Name)
	}
	if len(sc.Nodes) != 3 || len(sc.Actions) != 5 {
		t.Fatalf("expected 3 nodes and 5 actions, got %d and %d", len(sc.Nodes), len(sc.Actions))
	}
	if sc.Actions[1].At != 12*time.Second {
		t.Fatalf("expected announce at 12s, got %v", sc.Actions[1].At)
	}
	if sc.Actions[1].ServiceType != "Web Server" {
		t.Fatalf("unexpected service type %q", sc.Actions[1].ServiceType)
	}
}

func TestLoadScenario_AcceptsJSON(t *testing.T) {
	jsonData := `{
  "nodes": [
    {"id": "a", "x": 0, "y": 0},
    {"id": "b", "x": 5, "y": 0}
  ],
  "links": [{"receiving": "b", "sending": "a", "delay": 3}]
}`
	sc, err := LoadScenario(strings.NewReader(jsonData))
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}
	if len(sc.Links) != 1 || sc.Links[0].Delay != 3 {
		t.Fatalf("expected one link with delay 3, got %+v", sc.Links)
	}
}

func TestLoadScenario_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":          ``,
		"duplicate node": "nodes: [{id: a}, {id: a}]",
		"bad kind":       "nodes: [{id: a, kind: satellite}]",
		"unknown node":   "nodes: [{id: a}]\nactions: [{type: toggle, node: b}]",
		"unknown action": "nodes: [{id: a}]\nactions: [{type: explode, node: a}]",
		"no range":       "nodes: [{id: a}]\nactions: [{type: broadcast, node: a}]",
		"self link":      "nodes: [{id: a}]\nlinks: [{receiving: a, sending: a}]",
		"bad traffic":    "nodes: [{id: a}, {id: b}]\nactions: [{type: traffic, node: a, dest: b}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadScenario(strings.NewReader(doc))
			if !errors.Is(err, ErrScenarioInvalid) {
				t.Fatalf("expected ErrScenarioInvalid, got %v", err)
			}
		})
	}

	if _, err := LoadScenario(strings.NewReader("nodes: [{id: a, colour: red}]")); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestApplyScenario_RunsActions(t *testing.T) {
	sc, err := LoadScenario(strings.NewReader(sampleScenario))
	if err != nil {
		t.Fatalf("LoadScenario returned error: %v", err)
	}
	se := newTestSim(t)
	run, err := ApplyScenario(se.Network, sc)
	if err != nil {
		t.Fatalf("ApplyScenario returned error: %v", err)
	}
	if len(run.NodeIDs) != 3 {
		t.Fatalf("expected 3 nodes placed, got %v", run.NodeIDs)
	}

	se.RunFor(40 * time.Second)

	if len(run.Results) != 5 {
		t.Fatalf("expected 5 action results, got %d", len(run.Results))
	}
	for _, res := range run.Results {
		if !res.OK {
			t.Fatalf("action %s on %s failed: %s", res.Action.Type, res.Action.Node, res.Detail)
		}
	}

	client, _ := se.Network.Node("client")
	session, ok := client.Session("svc")
	if !ok {
		t.Fatalf("client never established a session to svc")
	}
	if strings.Join(session.Path, ",") != "client,relay,svc" {
		t.Fatalf("unexpected session path %v", session.Path)
	}
	svc, _ := se.Network.Node("svc")
	if svc.DataReceived() != 1 {
		t.Fatalf("expected svc to receive one routed packet, got %d", svc.DataReceived())
	}
	discoveryID := run.Results[4].Detail
	if got := run.Discoveries[discoveryID]; strings.Join(got, ",") != "client,relay,svc" {
		t.Fatalf("discovery %s settled on %v", discoveryID, got)
	}
}

func TestApplyScenario_DuplicateNode(t *testing.T) {
	se := newTestSim(t)
	if _, err := se.Network.AddNode(NodeSpec{ID: "a"}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	sc := &Scenario{Nodes: []ScenarioNode{{ID: "a"}}}
	if _, err := ApplyScenario(se.Network, sc); !errors.Is(err, ErrNodeExists) {
		t.Fatalf("expected ErrNodeExists, got %v", err)
	}
}
