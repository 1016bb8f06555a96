package engine

import (
	"errors"
	"fmt"

	"github.com/tcmartin/flowconsole/pkg/config"
	"github.com/tcmartin/flowconsole/pkg/models"
)

// ErrRejected is wrapped by Result.Err when the engine answers with status "error"
var ErrRejected = errors.New("engine rejected command")

// Result is the status envelope every command response carries
type Result struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Err reports a rejected command as an error
func (r Result) Err() error {
	if r.Status == "error" {
		return fmt.Errorf("%w: %s", ErrRejected, r.Error)
	}
	return nil
}

// StepPayload is the wire shape of a step
type StepPayload struct {
	ActionType    string `json:"action_type" yaml:"action_type"`
	Description   string `json:"description" yaml:"description"`
	SelectorType  string `json:"selector_type,omitempty" yaml:"selector_type,omitempty"`
	SelectorValue string `json:"selector_value,omitempty" yaml:"selector_value,omitempty"`
	Value         string `json:"value,omitempty" yaml:"value,omitempty"`
	WaitTime      int    `json:"wait_time,omitempty" yaml:"wait_time,omitempty"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
}

// StepPayloadFrom converts a flow step to its wire shape
func StepPayloadFrom(st models.Step) StepPayload {
	p := StepPayload{
		ActionType:  string(st.ActionType),
		Description: st.Description,
		Value:       st.Value,
		WaitTime:    st.WaitTime,
		Enabled:     st.Enabled,
	}
	if st.ElementSelector != nil {
		p.SelectorType = string(st.ElementSelector.SelectorType)
		p.SelectorValue = st.ElementSelector.SelectorValue
	}
	return p
}

// InitConfig is the operator configuration snapshot sent with initialize and run
type InitConfig struct {
	AppPath              string                `json:"app_path"`
	AppiumURL            string                `json:"appium_url"`
	ProductsFile         string                `json:"products_file"`
	Products             []config.ProductEntry `json:"products"`
	Iterations           int                   `json:"iterations"`
	ProductsPerIteration int                   `json:"products_per_iteration"`
	ComboBoxName         string                `json:"combo_box_name"`
	ComboBoxOption       string                `json:"combo_box_option"`
	RadioButtonName      string                `json:"radio_button_name"`
	PaymentAmount        float64               `json:"payment_amount"`
	StepDelay            int                   `json:"step_delay"`
	RetryAttempts        int                   `json:"retry_attempts"`
	RetryDelay           int                   `json:"retry_delay"`
	EnableDebug          bool                  `json:"enable_debug"`
}

// NewInitConfig builds the wire snapshot from the automation config
func NewInitConfig(cfg config.AutomationConfig) InitConfig {
	products := cfg.Products
	if products == nil {
		products = []config.ProductEntry{}
	}
	return InitConfig{
		AppPath:              cfg.AppPath,
		AppiumURL:            cfg.EngineURL,
		ProductsFile:         cfg.ProductsFile,
		Products:             products,
		Iterations:           cfg.Iterations,
		ProductsPerIteration: cfg.ProductsPerIteration,
		ComboBoxName:         cfg.ComboBoxName,
		ComboBoxOption:       cfg.ComboBoxOption,
		RadioButtonName:      cfg.RadioButtonName,
		PaymentAmount:        cfg.PaymentAmount,
		StepDelay:            cfg.StepDelay,
		RetryAttempts:        cfg.RetryAttempts,
		RetryDelay:           cfg.RetryDelay,
		EnableDebug:          cfg.EnableDebug,
	}
}

// RunRequest submits a flow for execution
type RunRequest struct {
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	Steps         []StepPayload `json:"steps"`
	Iterations    int           `json:"iterations"`
	StartFromStep int           `json:"start_from_step"`
	Config        InitConfig    `json:"config"`
}

// RunResponse is returned when the engine finishes or abandons a run
type RunResponse struct {
	Result
	FailedStep    *int `json:"failed_step,omitempty"`
	StepsExecuted int  `json:"steps_executed,omitempty"`
}

// HealthResponse reports engine liveness
type HealthResponse struct {
	Status          string `json:"status"`
	EngineConnected bool   `json:"appium_connected"`
	Version         string `json:"version"`
}

// RecordStopResponse carries the authoritative list of captured steps
type RecordStopResponse struct {
	Result
	Steps []StepPayload `json:"steps"`
	Count int           `json:"count"`
}

// RecordStatusResponse reports the engine's recording state
type RecordStatusResponse struct {
	Recording  bool          `json:"recording"`
	StepsCount int           `json:"steps_count"`
	Steps      []StepPayload `json:"steps"`
}

// ProductsResponse is the product list read from a file on the engine host
type ProductsResponse struct {
	Result
	Products []config.ProductEntry `json:"products"`
	Count    int                   `json:"count"`
}

// CapturedElement is a UI control reported by the debug commands
type CapturedElement struct {
	Name         string `json:"name"`
	AutomationID string `json:"automationId"`
	ClassName    string `json:"className"`
	ControlType  string `json:"controlType"`
	Text         string `json:"text"`
	Visible      bool   `json:"visible"`
	Enabled      bool   `json:"enabled"`
	X            int    `json:"x"`
	Y            int    `json:"y"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// Selector returns the most specific selector for the element
func (e CapturedElement) Selector() models.ElementSelector {
	sel := models.ElementSelector{Label: e.Name, Description: e.ControlType}
	switch {
	case e.AutomationID != "":
		sel.SelectorType = models.SelectorAccessibilityID
		sel.SelectorValue = e.AutomationID
	case e.Name != "":
		sel.SelectorType = models.SelectorName
		sel.SelectorValue = e.Name
	default:
		sel.SelectorType = models.SelectorClassName
		sel.SelectorValue = e.ClassName
	}
	if sel.Label == "" {
		sel.Label = sel.SelectorValue
	}
	return sel
}

// ElementsResponse lists captured elements
type ElementsResponse struct {
	Result
	Elements []CapturedElement `json:"elements"`
	Count    int               `json:"count"`
}

// WindowResponse describes the target application window
type WindowResponse struct {
	Result
	WindowInfo map[string]interface{} `json:"window_info"`
}

// ReconnectResponse reports the reattached window handle
type ReconnectResponse struct {
	Result
	Handle string `json:"handle,omitempty"`
}
