package worker

import (
	"encoding/json"

	"github.com/google/uuid"
)

// dispatchMessage is the wire shape of one execution-queue message. The
// full execution context lives in Redis under ExecutionID; this message is
// deliberately small so queue payloads stay cheap to serialize and log.
type dispatchMessage struct {
	ExecutionID uuid.UUID  `json:"execution_id"`
	WorkflowID  *uuid.UUID `json:"workflow_id,omitempty"`
	Code        string     `json:"code,omitempty"`
	ScriptName  string     `json:"script_name,omitempty"`
	Sync        bool       `json:"sync,omitempty"`
}

func parseDispatchMessage(body []byte) (dispatchMessage, error) {
	var m dispatchMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return dispatchMessage{}, err
	}
	return m, nil
}
