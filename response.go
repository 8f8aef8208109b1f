package bridgekeeper

import (
	"strings"
	"time"
)

// Action is the human decision carried in a callback.
type Action string

const (
	ActionApprove     Action = "approve"
	ActionDeny        Action = "deny"
	ActionAcknowledge Action = "acknowledge"
	ActionDetails     Action = "details"
	ActionUnknown     Action = "unknown"
)

// Response is a parsed approval callback from the chat platform.
type Response struct {
	ID            string    `json:"id"`
	Action        Action    `json:"action"`
	TaskID        string    `json:"task_id"`
	CallbackData  string    `json:"callback_data"`
	UserID        int64     `json:"user_id"`
	Username      string    `json:"username,omitempty"`
	FirstName     string    `json:"first_name,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// ParseCallback splits callback data of the form "{action}_{task_id}".
// Task ids may themselves contain underscores, so only the first segment
// is consumed. Unrecognized actions map to ActionUnknown with an empty
// task id and the raw data preserved on the Response.
func ParseCallback(data string) (Action, string) {
	action, taskID, found := strings.Cut(data, "_")
	if !found {
		taskID = ""
	}
	switch Action(action) {
	case ActionApprove, ActionDeny, ActionAcknowledge, ActionDetails:
		return Action(action), taskID
	default:
		return ActionUnknown, ""
	}
}

// NewResponse builds a Response from raw callback fields, generating the id
// and parsing the action. The caller supplies the correlation id when the
// webhook request carried one.
func NewResponse(callbackData string, userID int64, username, firstName string, ts time.Time, correlationID string) Response {
	action, taskID := ParseCallback(callbackData)
	if ts.IsZero() {
		ts = time.Now()
	}
	return Response{
		ID:            NewID(),
		Action:        action,
		TaskID:        taskID,
		CallbackData:  callbackData,
		UserID:        userID,
		Username:      username,
		FirstName:     firstName,
		Timestamp:     ts,
		CorrelationID: correlationID,
	}
}
