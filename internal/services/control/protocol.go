// Package control implements the daemon's unix socket protocol: one JSON
// request and one JSON response per connection.
package control

import (
	"github.com/goccy/go-json"
)

// CommandType names a control command.
type CommandType string

// Control commands.
const (
	CmdList    CommandType = "LIST"
	CmdStatus  CommandType = "STATUS"
	CmdStart   CommandType = "START"
	CmdStop    CommandType = "STOP"
	CmdPause   CommandType = "PAUSE"
	CmdResume  CommandType = "RESUME"
	CmdBackups CommandType = "BACKUPS"
)

// Request is sent by the client.
type Request struct {
	Type  CommandType `json:"type"`
	Task  string      `json:"task,omitempty"`
	Block bool        `json:"block,omitempty"`
}

// Response is sent by the server. Data depends on the command.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func okResponse(data any) (*Response, error) {
	resp := &Response{Success: true}
	if data == nil {
		return resp, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	resp.Data = raw
	return resp, nil
}

func errResponse(err error) *Response {
	return &Response{Success: false, Error: err.Error()}
}
