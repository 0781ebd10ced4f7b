// Package flowstore provides the template/flow-store collaborator: read-only
// lookup of conversation nodes, loaded from YAML template files.
package flowstore

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"convoflow/internal/core"
)

// Store resolves nodes and flows for the orchestrator. Implementations are
// read-mostly and must be safe for concurrent use.
type Store interface {
	// GetNode returns the node with the given id, or nil when absent.
	GetNode(nodeID string) *core.Node
	// GetFlow returns all nodes of a template, or nil when absent.
	GetFlow(templateID string) []*core.Node
}

// Template is one tenant-scoped conversation flow as authored in YAML.
type Template struct {
	ID       string      `yaml:"id"`
	TenantID string      `yaml:"tenant_id"`
	Nodes    []core.Node `yaml:"nodes"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// MemoryStore is an in-memory Store built from registered templates.
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[string]*core.Node
	flows map[string][]*core.Node
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes: make(map[string]*core.Node),
		flows: make(map[string][]*core.Node),
	}
}

// LoadFile reads a YAML template file into a new store.
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template file: %w", err)
	}

	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse template file %s: %w", path, err)
	}

	store := NewMemoryStore()
	for _, tpl := range file.Templates {
		if err := store.AddTemplate(tpl); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// AddTemplate registers a template, stamping its tenant onto every node that
// does not declare one. Node ids must be unique across the store.
func (s *MemoryStore) AddTemplate(tpl Template) error {
	if tpl.ID == "" {
		return fmt.Errorf("template id cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.flows[tpl.ID]; exists {
		return fmt.Errorf("duplicate template id: %s", tpl.ID)
	}

	flow := make([]*core.Node, 0, len(tpl.Nodes))
	for i := range tpl.Nodes {
		node := tpl.Nodes[i]
		if node.ID == "" {
			return fmt.Errorf("template %s: node %d has no id", tpl.ID, i)
		}
		if node.TenantID == "" {
			node.TenantID = tpl.TenantID
		}
		if err := checkPayload(&node); err != nil {
			return fmt.Errorf("template %s: %w", tpl.ID, err)
		}
		if _, exists := s.nodes[node.ID]; exists {
			return fmt.Errorf("template %s: duplicate node id: %s", tpl.ID, node.ID)
		}
		s.nodes[node.ID] = &node
		flow = append(flow, &node)
	}
	s.flows[tpl.ID] = flow
	return nil
}

// checkPayload enforces that a node carries the payload its type declares, so
// the navigation engine never dereferences a nil payload. End nodes without a
// payload are normalized to an empty one.
func checkPayload(n *core.Node) error {
	switch n.Type {
	case core.NodeTypeMessage:
		if n.Message == nil {
			return fmt.Errorf("node %s: message node without message payload", n.ID)
		}
	case core.NodeTypeInput:
		if n.Input == nil {
			return fmt.Errorf("node %s: input node without input payload", n.ID)
		}
	case core.NodeTypeButton:
		if n.Button == nil || len(n.Button.Options) == 0 {
			return fmt.Errorf("node %s: button node needs at least one option", n.ID)
		}
	case core.NodeTypeCondition:
		if n.Condition == nil {
			return fmt.Errorf("node %s: condition node without condition payload", n.ID)
		}
	case core.NodeTypeAction:
		if n.Action == nil || len(n.Action.Actions) == 0 {
			return fmt.Errorf("node %s: action node without actions", n.ID)
		}
	case core.NodeTypeEnd:
		if n.End == nil {
			n.End = &core.EndPayload{}
		}
	default:
		return fmt.Errorf("node %s: unknown node type %q", n.ID, n.Type)
	}
	return nil
}

func (s *MemoryStore) GetNode(nodeID string) *core.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodes[nodeID]
}

func (s *MemoryStore) GetFlow(templateID string) []*core.Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flows[templateID]
}
