// Package models defines the flow graph data model.
//
// A Flow is a directed graph of typed nodes connected by edges. Node configs
// form a closed tagged union keyed by the node type; the shape is validated
// once at load time so the engine never has to re-check it per execution.
package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// NodeType identifies the behavior of a flow node.
type NodeType string

const (
	// NodeTypeTrigger is a flow entry point matched against inbound messages.
	NodeTypeTrigger NodeType = "trigger"
	// NodeTypeAction performs a side effect (send, set variable, webhook).
	NodeTypeAction NodeType = "action"
	// NodeTypeCondition branches on a predicate over the variable bag.
	NodeTypeCondition NodeType = "condition"
	// NodeTypeDelay pauses the walk for a configured number of seconds.
	NodeTypeDelay NodeType = "delay"
	// NodeTypeResponse sends a message and suspends the flow awaiting a reply.
	NodeTypeResponse NodeType = "response"
)

// IsValidNodeType checks if the given node type is supported.
func IsValidNodeType(nt NodeType) bool {
	switch nt {
	case NodeTypeTrigger, NodeTypeAction, NodeTypeCondition, NodeTypeDelay, NodeTypeResponse:
		return true
	default:
		return false
	}
}

// TriggerType identifies how a trigger node matches inbound messages.
type TriggerType string

const (
	TriggerTextEquals     TriggerType = "text_equals"
	TriggerTextContains   TriggerType = "text_contains"
	TriggerTextStartsWith TriggerType = "text_starts_with"
	TriggerTextEndsWith   TriggerType = "text_ends_with"
	TriggerTextRegex      TriggerType = "text_regex"
	TriggerAnyMessage     TriggerType = "any_message"
	TriggerMediaReceived  TriggerType = "media_received"
)

// ActionType identifies the side effect performed by an action node.
type ActionType string

const (
	ActionSendMessage  ActionType = "send_message"
	ActionSendImage    ActionType = "send_image"
	ActionSendDocument ActionType = "send_document"
	ActionSetVariable  ActionType = "set_variable"
	ActionWebhook      ActionType = "webhook"
)

// ConditionOperator identifies the predicate applied by a condition node.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "equals"
	OperatorNotEquals   ConditionOperator = "not_equals"
	OperatorContains    ConditionOperator = "contains"
	OperatorGreaterThan ConditionOperator = "greater_than"
	OperatorLessThan    ConditionOperator = "less_than"
	// OperatorExpression evaluates a boolean expression over the variable bag.
	OperatorExpression ConditionOperator = "expression"
)

// ResponseType identifies the contract an expected reply must satisfy.
type ResponseType string

const (
	ResponseAny    ResponseType = "any"
	ResponseText   ResponseType = "text"
	ResponseNumber ResponseType = "number"
	ResponseEmail  ResponseType = "email"
	ResponsePhone  ResponseType = "phone"
	ResponseChoice ResponseType = "choice"
)

// NodeConfig is the closed set of per-type node configurations.
type NodeConfig interface {
	nodeConfig()
}

// TriggerConfig configures a trigger node.
type TriggerConfig struct {
	TriggerType TriggerType `json:"triggerType"`
	Text        string      `json:"text,omitempty"`
	Pattern     string      `json:"pattern,omitempty"`
	Flags       string      `json:"flags,omitempty"`
	MediaType   string      `json:"mediaType,omitempty"`
}

func (TriggerConfig) nodeConfig() {}

// ActionConfig configures an action node.
type ActionConfig struct {
	ActionType   ActionType        `json:"actionType"`
	Message      string            `json:"message,omitempty"`
	ImageURL     string            `json:"imageUrl,omitempty"`
	Caption      string            `json:"caption,omitempty"`
	DocumentURL  string            `json:"documentUrl,omitempty"`
	FileName     string            `json:"fileName,omitempty"`
	VariableName string            `json:"variableName,omitempty"`
	Value        string            `json:"value,omitempty"`
	WebhookURL   string            `json:"webhookUrl,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

func (ActionConfig) nodeConfig() {}

// ConditionConfig configures a condition node.
type ConditionConfig struct {
	Variable   string            `json:"variable,omitempty"`
	Operator   ConditionOperator `json:"operator"`
	Value      string            `json:"value,omitempty"`
	Expression string            `json:"expression,omitempty"`
}

func (ConditionConfig) nodeConfig() {}

// DelayConfig configures a delay node.
type DelayConfig struct {
	// Duration is the pause in seconds. Zero or negative falls back to 1.
	Duration int `json:"duration,omitempty"`
}

func (DelayConfig) nodeConfig() {}

// Choice is one selectable option of a choice-type response node.
type Choice struct {
	Label        string `json:"label"`
	Value        string `json:"value"`
	TargetNodeID string `json:"targetNodeId,omitempty"`
}

// ResponseValidation constrains a free-text reply.
type ResponseValidation struct {
	Required  bool   `json:"required,omitempty"`
	MinLength int    `json:"minLength,omitempty"`
	MaxLength int    `json:"maxLength,omitempty"`
	Pattern   string `json:"pattern,omitempty"`
}

// ResponseConfig configures a response node. The same shape is snapshotted
// into a session's expectedResponse when the node executes.
type ResponseConfig struct {
	Message      string              `json:"message"`
	ResponseType ResponseType        `json:"responseType,omitempty"`
	Choices      []Choice            `json:"choices,omitempty"`
	Validation   *ResponseValidation `json:"validation,omitempty"`
	// Timeout is stored for the session snapshot but is not enforced;
	// waiting sessions never expire on their own.
	Timeout int `json:"timeout,omitempty"`
}

func (ResponseConfig) nodeConfig() {}

// NodeData carries the display label and the type-specific config of a node.
type NodeData struct {
	Label  string     `json:"label,omitempty"`
	Config NodeConfig `json:"config"`
}

// Node is one vertex of a flow graph.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

// nodeShell mirrors Node with the config left raw for two-phase decoding.
type nodeShell struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data struct {
		Label  string          `json:"label,omitempty"`
		Config json.RawMessage `json:"config"`
	} `json:"data"`
}

// UnmarshalJSON decodes the node config into the concrete struct matching the
// node type. Unknown node types fail decoding; flows are validated before
// they reach the engine.
func (n *Node) UnmarshalJSON(data []byte) error {
	var shell nodeShell
	if err := json.Unmarshal(data, &shell); err != nil {
		return err
	}
	n.ID = shell.ID
	n.Type = shell.Type
	n.Data.Label = shell.Data.Label

	raw := shell.Data.Config
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	switch shell.Type {
	case NodeTypeTrigger:
		var cfg TriggerConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("node %s: invalid trigger config: %w", shell.ID, err)
		}
		n.Data.Config = cfg
	case NodeTypeAction:
		var cfg ActionConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("node %s: invalid action config: %w", shell.ID, err)
		}
		n.Data.Config = cfg
	case NodeTypeCondition:
		var cfg ConditionConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("node %s: invalid condition config: %w", shell.ID, err)
		}
		n.Data.Config = cfg
	case NodeTypeDelay:
		var cfg DelayConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("node %s: invalid delay config: %w", shell.ID, err)
		}
		n.Data.Config = cfg
	case NodeTypeResponse:
		var cfg ResponseConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("node %s: invalid response config: %w", shell.ID, err)
		}
		n.Data.Config = cfg
	default:
		return fmt.Errorf("node %s: %w: %q", shell.ID, ErrInvalidNodeType, shell.Type)
	}
	return nil
}

// Edge connects two nodes. SourceHandle labels condition branches
// ("true"/"false") and choice-response routes (the choice value); an empty
// handle means the edge fires unconditionally.
type Edge struct {
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// Flow is a named, ownable automation definition: a graph of typed nodes
// connected by edges. Flows are created and edited via the API and read-only
// to the engine, which only increments trigger statistics.
type Flow struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	InstanceID    string     `json:"instanceId"`
	Name          string     `json:"name"`
	Active        bool       `json:"active"`
	TriggerCount  int        `json:"triggerCount"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
	Nodes         []Node     `json:"nodes"`
	Edges         []Edge     `json:"edges"`
	Timestamps
}

// NodeByID returns the node with the given id, or nil if the flow has none.
func (f *Flow) NodeByID(id string) *Node {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i]
		}
	}
	return nil
}

// TriggerNodes returns all trigger nodes of the flow in definition order.
func (f *Flow) TriggerNodes() []Node {
	var triggers []Node
	for _, n := range f.Nodes {
		if n.Type == NodeTypeTrigger {
			triggers = append(triggers, n)
		}
	}
	return triggers
}

// EdgesFrom returns all edges whose source is the given node id,
// in definition order.
func (f *Flow) EdgesFrom(nodeID string) []Edge {
	var edges []Edge
	for _, e := range f.Edges {
		if e.Source == nodeID {
			edges = append(edges, e)
		}
	}
	return edges
}

// Validate performs comprehensive validation on a flow definition.
// It enforces the graph invariants (unique node ids, edge endpoints exist)
// and per-type config shape so execution can trust the structure.
func (f *Flow) Validate() error {
	if f.Name == "" {
		return ErrEmptyFlowName
	}
	if len(f.Name) > MaxFlowNameLength {
		return ErrFlowNameTooLong
	}
	if len(f.Nodes) == 0 {
		return ErrNoNodes
	}

	seen := make(map[string]bool, len(f.Nodes))
	for _, n := range f.Nodes {
		if n.ID == "" {
			return ErrEmptyNodeID
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateNodeID, n.ID)
		}
		seen[n.ID] = true

		if err := validateNode(n); err != nil {
			return fmt.Errorf("node %s: %w", n.ID, err)
		}
	}

	for _, e := range f.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("%w: source %s", ErrDanglingEdge, e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("%w: target %s", ErrDanglingEdge, e.Target)
		}
	}
	return nil
}

// validateNode validates per-type config shape.
func validateNode(n Node) error {
	if !IsValidNodeType(n.Type) {
		return fmt.Errorf("%w: %q", ErrInvalidNodeType, n.Type)
	}

	switch cfg := n.Data.Config.(type) {
	case TriggerConfig:
		return validateTriggerConfig(cfg)
	case ActionConfig:
		return validateActionConfig(cfg)
	case ConditionConfig:
		return validateConditionConfig(cfg)
	case DelayConfig:
		return nil
	case ResponseConfig:
		return validateResponseConfig(cfg)
	default:
		return fmt.Errorf("%w: config does not match node type %q", ErrInvalidNodeType, n.Type)
	}
}

func validateTriggerConfig(cfg TriggerConfig) error {
	switch cfg.TriggerType {
	case TriggerTextEquals, TriggerTextContains, TriggerTextStartsWith, TriggerTextEndsWith:
		if cfg.Text == "" {
			return ErrMissingTriggerText
		}
	case TriggerTextRegex:
		if _, err := regexp.Compile(cfg.Pattern); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
	case TriggerAnyMessage, TriggerMediaReceived:
		// no required fields
	default:
		return fmt.Errorf("%w: %q", ErrInvalidTriggerType, cfg.TriggerType)
	}
	return nil
}

func validateActionConfig(cfg ActionConfig) error {
	switch cfg.ActionType {
	case ActionSendMessage:
		if cfg.Message == "" {
			return fmt.Errorf("%w: message", ErrMissingActionField)
		}
	case ActionSendImage:
		if cfg.ImageURL == "" {
			return fmt.Errorf("%w: imageUrl", ErrMissingActionField)
		}
	case ActionSendDocument:
		if cfg.DocumentURL == "" {
			return fmt.Errorf("%w: documentUrl", ErrMissingActionField)
		}
	case ActionSetVariable:
		if cfg.VariableName == "" {
			return fmt.Errorf("%w: variableName", ErrMissingActionField)
		}
		if len(cfg.VariableName) > MaxVariableNameLength {
			return fmt.Errorf("%w: variableName too long", ErrMissingActionField)
		}
	case ActionWebhook:
		if cfg.WebhookURL == "" {
			return fmt.Errorf("%w: webhookUrl", ErrMissingActionField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidActionType, cfg.ActionType)
	}
	return nil
}

func validateConditionConfig(cfg ConditionConfig) error {
	switch cfg.Operator {
	case OperatorEquals, OperatorNotEquals, OperatorContains, OperatorGreaterThan, OperatorLessThan:
		return nil
	case OperatorExpression:
		if cfg.Expression == "" {
			return fmt.Errorf("%w: expression operator requires an expression", ErrInvalidOperator)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOperator, cfg.Operator)
	}
}

func validateResponseConfig(cfg ResponseConfig) error {
	switch cfg.ResponseType {
	case ResponseAny, ResponseText, ResponseNumber, ResponseEmail, ResponsePhone, "":
		// free-text contracts have no extra required fields
	case ResponseChoice:
		if len(cfg.Choices) == 0 {
			return ErrMissingChoices
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidResponse, cfg.ResponseType)
	}
	if cfg.Validation != nil && cfg.Validation.Pattern != "" {
		if _, err := regexp.Compile(cfg.Validation.Pattern); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
		}
	}
	return nil
}
