package tool

import (
	"encoding/json"
)

// Call is one planned capability invocation.
type Call struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args"`
}

// Key identifies a call by capability and canonical arguments.
// encoding/json sorts map keys, so equal argument maps produce equal keys.
func (c Call) Key() string {
	b, err := json.Marshal(c.Args)
	if err != nil {
		return c.Capability + ":!"
	}
	return c.Capability + ":" + string(b)
}

// ArgsSize is the encoded size of the arguments in bytes.
func (c Call) ArgsSize() int {
	b, err := json.Marshal(c.Args)
	if err != nil {
		return 0
	}
	return len(b)
}
