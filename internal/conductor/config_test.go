package conductor

import "testing"

func baseConfig() Config {
	return Config{
		Agents:    []AgentConfig{{ID: "alice", Name: "Alice"}, {ID: "bob", Name: "Bob"}},
		Bundles:   []BundleConfig{{ID: "app1", File: "app1.bundle"}, {ID: "app2", File: "app2.bundle"}},
		Instances: []InstanceConfig{{ID: "inst1", Bundle: "app1", Agent: "alice"}, {ID: "inst2", Bundle: "app2", Agent: "bob"}},
	}
}

func TestValidateRejectsDuplicateInstanceIDs(t *testing.T) {
	cfg := baseConfig()
	cfg.Instances = append(cfg.Instances, InstanceConfig{ID: "inst1", Bundle: "app2", Agent: "bob"})
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected duplicate instance id to fail validation")
	}
}

func TestValidateRejectsUnknownAgentReference(t *testing.T) {
	cfg := baseConfig()
	cfg.Instances[0].Agent = "carol"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown agent reference to fail validation")
	}
}

func TestValidateRejectsUnknownBundleReference(t *testing.T) {
	cfg := baseConfig()
	cfg.Instances[0].Bundle = "app9"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected unknown bundle reference to fail validation")
	}
}

func TestValidateRejectsInterfaceReferencingUnknownInstance(t *testing.T) {
	cfg := baseConfig()
	cfg.Interfaces = []InterfaceConfig{{ID: "iface1", Instances: []string{"inst9"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected interface referencing unknown instance to fail validation")
	}
}

func TestValidateRejectsUnknownDPKIInstance(t *testing.T) {
	cfg := baseConfig()
	cfg.DPKI = &DPKIConfig{InstanceID: "inst9"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected dpki referencing unknown instance to fail validation")
	}
}

func TestValidateAcceptsAcyclicBridgeGraph(t *testing.T) {
	cfg := baseConfig()
	cfg.Instances = append(cfg.Instances, InstanceConfig{ID: "inst3", Bundle: "app1", Agent: "alice"})
	cfg.Bridges = []BridgeConfig{
		{CallerID: "inst1", CalleeID: "inst2", Handle: "h1"},
		{CallerID: "inst2", CalleeID: "inst3", Handle: "h2"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected acyclic bridge graph to validate, got %v", err)
	}
}

func TestValidateRejectsCyclicBridgeGraph(t *testing.T) {
	cfg := baseConfig()
	cfg.Bridges = []BridgeConfig{
		{CallerID: "inst1", CalleeID: "inst2", Handle: "h1"},
		{CallerID: "inst2", CalleeID: "inst1", Handle: "h2"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected cyclic bridge graph to fail validation")
	}
}

func TestBridgeStartupOrderPutsCalleesBeforeCallers(t *testing.T) {
	instanceIDs := []string{"app1", "app2", "app3"}
	bridges := []BridgeConfig{
		{CallerID: "app1", CalleeID: "app2", Handle: "h1"},
		{CallerID: "app2", CalleeID: "app3", Handle: "h2"},
	}
	order, err := bridgeStartupOrder(instanceIDs, bridges)
	if err != nil {
		t.Fatalf("bridgeStartupOrder: %v", err)
	}

	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["app3"] >= pos["app2"] {
		t.Fatalf("expected app3 (callee) before app2 (caller), got order %v", order)
	}
	if pos["app2"] >= pos["app1"] {
		t.Fatalf("expected app2 (callee) before app1 (caller), got order %v", order)
	}
}

func TestBridgeStartupOrderDetectsCycle(t *testing.T) {
	instanceIDs := []string{"a", "b"}
	bridges := []BridgeConfig{
		{CallerID: "a", CalleeID: "b", Handle: "h1"},
		{CallerID: "b", CalleeID: "a", Handle: "h2"},
	}
	if _, err := bridgeStartupOrder(instanceIDs, bridges); err == nil {
		t.Fatalf("expected cycle to be detected")
	}
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	cfg := baseConfig()
	clone := cfg.Clone()
	clone.Agents[0].Name = "mutated"
	clone.Instances = append(clone.Instances, InstanceConfig{ID: "inst9"})

	if cfg.Agents[0].Name == "mutated" {
		t.Fatalf("expected original config's agent to be unaffected by clone mutation")
	}
	if len(cfg.Instances) != 2 {
		t.Fatalf("expected original config's instances slice to be unaffected by clone append")
	}
}
