// Package widget implements the pytest WIP widget: the result model, the
// controller that keeps it in sync with the host, and the status indicator.
package widget

import (
	"encoding/json"
)

// ResultValue is the value object carried by result messages and snapshot
// records. Fields missing from the wire decode to their zero value.
type ResultValue struct {
	Filename    string          `json:"filename"`
	Success     bool            `json:"success"`
	Differences json.RawMessage `json:"differences"`
	Status      string          `json:"status"`
}

// ResultMessage is a push message on the result channel.
type ResultMessage struct {
	Value ResultValue `json:"value"`
}

// Record is one entry of the host's snapshot response.
type Record struct {
	Value ResultValue `json:"value"`
}

// DisplayState is an immutable copy of the model used for rendering.
type DisplayState struct {
	Filename    string
	Success     bool
	Differences string
	Status      string
	Loaded      bool // false until the first message or record is applied
}

// ResultModel holds the latest known result. It is owned by the controller's
// run loop and is not safe for concurrent use.
type ResultModel struct {
	value     ResultValue
	loaded    bool
	observers []func(DisplayState)
}

// NewResultModel returns an empty model.
func NewResultModel() *ResultModel {
	return &ResultModel{}
}

// OnChange registers fn to be called after every update.
func (m *ResultModel) OnChange(fn func(DisplayState)) {
	m.observers = append(m.observers, fn)
}

// ApplyResultMessage replaces all four fields with the message's value and
// notifies observers.
func (m *ResultModel) ApplyResultMessage(msg ResultMessage) {
	m.value = ResultValue{
		Filename:    msg.Value.Filename,
		Success:     msg.Value.Success,
		Differences: append(json.RawMessage(nil), msg.Value.Differences...),
		Status:      msg.Value.Status,
	}
	m.loaded = true

	state := m.DisplayState()
	for _, fn := range m.observers {
		fn(state)
	}
}

// LoadInitialState applies the first record, if any. It reports whether the
// model was updated; an empty slice leaves the model untouched and silent.
func (m *ResultModel) LoadInitialState(records []Record) bool {
	if len(records) == 0 {
		return false
	}
	m.ApplyResultMessage(ResultMessage(records[0]))
	return true
}

// DisplayState returns a copy of the current fields.
func (m *ResultModel) DisplayState() DisplayState {
	return DisplayState{
		Filename:    m.value.Filename,
		Success:     m.value.Success,
		Differences: differencesText(m.value.Differences),
		Status:      m.value.Status,
		Loaded:      m.loaded,
	}
}

// differencesText turns the raw differences value into display text. Strings
// (the producer sends an HTML diff table) are unquoted; numbers and other
// JSON values are shown verbatim; null or absent is empty.
func differencesText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
