package flow

import (
	"encoding/json"
	"fmt"
)

// NodeType identifies the behaviour of a node
type NodeType string

// Node types
const (
	NodeStart             NodeType = "start"
	NodeMessage           NodeType = "message"
	NodeMenu              NodeType = "menu"
	NodeQuestion          NodeType = "question"
	NodeAPI               NodeType = "api"
	NodeDatabase          NodeType = "database"
	NodeWebhook           NodeType = "webhook"
	NodeAIAssistant       NodeType = "aiAssistant"
	NodeAppointment       NodeType = "appointment"
	NodeSchedule          NodeType = "schedule"
	NodeAttendantHandoff  NodeType = "attendantHandoff"
	NodeInternalMessage   NodeType = "internalMessage"
	NodeInactivityTimeout NodeType = "inactivityTimeout"
	NodeCondition         NodeType = "condition"
	NodeFlow              NodeType = "flow"
	NodeEnd               NodeType = "end"
)

// NodeConfig is the typed configuration carried by a node
type NodeConfig interface {
	Validate() error
}

var configFactories = map[NodeType]func() NodeConfig{
	NodeStart:             func() NodeConfig { return &StartConfig{} },
	NodeMessage:           func() NodeConfig { return &MessageConfig{} },
	NodeMenu:              func() NodeConfig { return &MenuConfig{} },
	NodeQuestion:          func() NodeConfig { return &QuestionConfig{} },
	NodeAPI:               func() NodeConfig { return &HTTPCallConfig{} },
	NodeDatabase:          func() NodeConfig { return &DatabaseConfig{} },
	NodeWebhook:           func() NodeConfig { return &HTTPCallConfig{Method: "POST"} },
	NodeAIAssistant:       func() NodeConfig { return &AIAssistantConfig{} },
	NodeAppointment:       func() NodeConfig { return &AppointmentConfig{} },
	NodeSchedule:          func() NodeConfig { return &ScheduleConfig{} },
	NodeAttendantHandoff:  func() NodeConfig { return &AttendantHandoffConfig{} },
	NodeInternalMessage:   func() NodeConfig { return &InternalMessageConfig{} },
	NodeInactivityTimeout: func() NodeConfig { return &InactivityTimeoutConfig{} },
	NodeCondition:         func() NodeConfig { return &ConditionConfig{} },
	NodeFlow:              func() NodeConfig { return &FlowConfig{} },
	NodeEnd:               func() NodeConfig { return &EndConfig{} },
}

// KnownType reports whether t is a supported node type
func KnownType(t NodeType) bool {
	_, ok := configFactories[t]
	return ok
}

// NewConfig returns an empty config for the node type
func NewConfig(t NodeType) (NodeConfig, error) {
	factory, ok := configFactories[t]
	if !ok {
		return nil, fmt.Errorf("unknown node type %q", t)
	}
	return factory(), nil
}

// TimeoutClass returns the inactivity timeout class of the node type
func (t NodeType) TimeoutClass() TimeoutClass {
	switch t {
	case NodeMenu:
		return TimeoutMenu
	case NodeQuestion, NodeAppointment:
		return TimeoutQuestion
	default:
		return TimeoutGeneral
	}
}

// Node is a typed step of a flow
type Node struct {
	// ID is unique within the flow
	ID string `json:"id"`

	// Type selects the handler and the config shape
	Type NodeType `json:"type"`

	// Name is a human readable label
	Name string `json:"name,omitempty"`

	// Config is one of the *Config structs of this package, matching Type
	Config NodeConfig `json:"config"`
}

// UnmarshalJSON decodes the config into the struct declared by the node type
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID     string          `json:"id"`
		Type   NodeType        `json:"type"`
		Name   string          `json:"name"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	cfg, err := NewConfig(raw.Type)
	if err != nil {
		return fmt.Errorf("node %q: %w", raw.ID, err)
	}
	if len(raw.Config) > 0 && string(raw.Config) != "null" {
		if err := json.Unmarshal(raw.Config, cfg); err != nil {
			return fmt.Errorf("node %q: failed to decode %s config: %w", raw.ID, raw.Type, err)
		}
	}

	n.ID = raw.ID
	n.Type = raw.Type
	n.Name = raw.Name
	n.Config = cfg
	return nil
}

// StartConfig configures the start node
type StartConfig struct{}

// Validate implements NodeConfig
func (c *StartConfig) Validate() error { return nil }

// EndConfig configures an explicit end node
type EndConfig struct {
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Validate implements NodeConfig
func (c *EndConfig) Validate() error { return nil }

// MessageConfig sends a message to the contact and continues
type MessageConfig struct {
	Text     string `json:"text"`
	MediaURL string `json:"media_url,omitempty"`
}

// Validate implements NodeConfig
func (c *MessageConfig) Validate() error {
	if c.Text == "" && c.MediaURL == "" {
		return fmt.Errorf("message requires text or media_url")
	}
	return nil
}

// InternalMessageConfig posts a message into the ticket, optionally hidden from the contact
type InternalMessageConfig struct {
	Text    string `json:"text"`
	Private bool   `json:"private,omitempty"`
}

// Validate implements NodeConfig
func (c *InternalMessageConfig) Validate() error {
	if c.Text == "" {
		return fmt.Errorf("internal message requires text")
	}
	return nil
}

// MenuOption is one selectable entry of a menu
type MenuOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// MenuConfig presents numbered options and waits for a selection
type MenuConfig struct {
	Prompt         string       `json:"prompt"`
	Options        []MenuOption `json:"options"`
	InvalidMessage string       `json:"invalid_message,omitempty"`
	MaxRetries     int          `json:"max_retries,omitempty"`
}

// Validate implements NodeConfig
func (c *MenuConfig) Validate() error {
	if len(c.Options) == 0 {
		return fmt.Errorf("menu requires at least one option")
	}
	seen := make(map[string]bool, len(c.Options))
	for _, opt := range c.Options {
		if opt.Value == "" {
			return fmt.Errorf("menu option value must not be empty")
		}
		if seen[opt.Value] {
			return fmt.Errorf("duplicate menu option %q", opt.Value)
		}
		seen[opt.Value] = true
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

// Question input types
const (
	InputText    = "text"
	InputNumber  = "number"
	InputEmail   = "email"
	InputPhone   = "phone"
	InputOptions = "options"
)

// QuestionConfig asks for a typed answer and stores it in a variable
type QuestionConfig struct {
	Prompt         string   `json:"prompt"`
	InputType      string   `json:"input_type"`
	Options        []string `json:"options,omitempty"`
	Variable       string   `json:"variable"`
	InvalidMessage string   `json:"invalid_message,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	Min            *float64 `json:"min,omitempty"`
	Max            *float64 `json:"max,omitempty"`
	Pattern        string   `json:"pattern,omitempty"`
}

// Validate implements NodeConfig
func (c *QuestionConfig) Validate() error {
	if c.Prompt == "" {
		return fmt.Errorf("question requires a prompt")
	}
	if c.Variable == "" {
		return fmt.Errorf("question requires a variable")
	}
	switch c.InputType {
	case "", InputText, InputNumber, InputEmail, InputPhone:
	case InputOptions:
		if len(c.Options) == 0 {
			return fmt.Errorf("options question requires options")
		}
	default:
		return fmt.Errorf("unknown input type %q", c.InputType)
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return fmt.Errorf("min must not exceed max")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative")
	}
	return nil
}

// HTTPCallConfig configures the api and webhook nodes
type HTTPCallConfig struct {
	URL              string            `json:"url"`
	Method           string            `json:"method,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             string            `json:"body,omitempty"`
	TimeoutSeconds   int               `json:"timeout_seconds,omitempty"`
	Retries          int               `json:"retries,omitempty"`
	ResponseVariable string            `json:"response_variable,omitempty"`
	ResponseMapping  map[string]string `json:"response_mapping,omitempty"`
}

// Validate implements NodeConfig
func (c *HTTPCallConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	switch c.Method {
	case "", "GET", "POST", "PUT", "PATCH", "DELETE":
	default:
		return fmt.Errorf("unsupported method %q", c.Method)
	}
	if c.TimeoutSeconds < 0 || c.Retries < 0 {
		return fmt.Errorf("timeout_seconds and retries must not be negative")
	}
	return nil
}

// Database result modes
const (
	QueryOne  = "one"
	QueryMany = "many"
	QueryExec = "exec"
)

// DatabaseConfig runs a parameterized query against a tenant connection
type DatabaseConfig struct {
	Connection     string   `json:"connection"`
	Query          string   `json:"query"`
	Params         []string `json:"params,omitempty"`
	Mode           string   `json:"mode,omitempty"`
	ResultVariable string   `json:"result_variable,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	Retries        int      `json:"retries,omitempty"`
}

// Validate implements NodeConfig
func (c *DatabaseConfig) Validate() error {
	if c.Query == "" {
		return fmt.Errorf("query is required")
	}
	switch c.Mode {
	case "", QueryOne, QueryMany, QueryExec:
	default:
		return fmt.Errorf("unknown query mode %q", c.Mode)
	}
	if c.TimeoutSeconds < 0 || c.Retries < 0 {
		return fmt.Errorf("timeout_seconds and retries must not be negative")
	}
	return nil
}

// AIAssistantConfig hands the conversation to a language model
type AIAssistantConfig struct {
	Model            string   `json:"model,omitempty"`
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	Prompt           string   `json:"prompt"`
	ResponseVariable string   `json:"response_variable,omitempty"`
	Conversational   bool     `json:"conversational,omitempty"`
	ExitKeywords     []string `json:"exit_keywords,omitempty"`
	MaxTurns         int      `json:"max_turns,omitempty"`
}

// Validate implements NodeConfig
func (c *AIAssistantConfig) Validate() error {
	if c.Prompt == "" && c.SystemPrompt == "" {
		return fmt.Errorf("ai assistant requires a prompt or system_prompt")
	}
	if c.MaxTurns < 0 {
		return fmt.Errorf("max_turns must not be negative")
	}
	return nil
}

// AppointmentConfig offers free slots of a service and books the chosen one
type AppointmentConfig struct {
	ServiceID           string `json:"service_id"`
	Prompt              string `json:"prompt,omitempty"`
	ConfirmationMessage string `json:"confirmation_message,omitempty"`
	NoSlotsMessage      string `json:"no_slots_message,omitempty"`
	ResultVariable      string `json:"result_variable,omitempty"`
	MaxSlots            int    `json:"max_slots,omitempty"`
	MaxRetries          int    `json:"max_retries,omitempty"`
}

// Validate implements NodeConfig
func (c *AppointmentConfig) Validate() error {
	if c.ServiceID == "" {
		return fmt.Errorf("appointment requires service_id")
	}
	return nil
}

// TimeWindow is a daily opening window on a set of weekdays
type TimeWindow struct {
	// Days uses three letter English abbreviations (mon, tue, ...)
	Days  []string `json:"days"`
	Start string   `json:"start"`
	End   string   `json:"end"`
}

// ScheduleConfig branches on whether "now" falls inside business hours
type ScheduleConfig struct {
	Timezone string       `json:"timezone,omitempty"`
	Windows  []TimeWindow `json:"windows"`
	Holidays []string     `json:"holidays,omitempty"`
}

// Validate implements NodeConfig
func (c *ScheduleConfig) Validate() error {
	if len(c.Windows) == 0 {
		return fmt.Errorf("schedule requires at least one window")
	}
	return nil
}

// AttendantHandoffConfig transfers the conversation to a human queue
type AttendantHandoffConfig struct {
	QueueID string `json:"queue_id"`
	UserID  string `json:"user_id,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Validate implements NodeConfig
func (c *AttendantHandoffConfig) Validate() error {
	if c.QueueID == "" {
		return fmt.Errorf("attendant handoff requires queue_id")
	}
	return nil
}

// InactivityTimeoutConfig overrides the inactivity policy from this point on
type InactivityTimeoutConfig struct {
	InactivitySettings
}

// Validate implements NodeConfig
func (c *InactivityTimeoutConfig) Validate() error {
	return c.InactivitySettings.Validate()
}

// ConditionConfig branches purely through edge conditions
type ConditionConfig struct{}

// Validate implements NodeConfig
func (c *ConditionConfig) Validate() error { return nil }

// FlowConfig continues the conversation in another flow
type FlowConfig struct {
	FlowID        string `json:"flow_id"`
	StartNodeID   string `json:"start_node_id,omitempty"`
	PassVariables bool   `json:"pass_variables,omitempty"`
}

// Validate implements NodeConfig
func (c *FlowConfig) Validate() error {
	if c.FlowID == "" {
		return fmt.Errorf("flow continuation requires flow_id")
	}
	return nil
}
