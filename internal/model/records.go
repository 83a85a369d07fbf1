package model

import "time"

// FunctionLogEntry is one line a function wrote to its log file.
type FunctionLogEntry struct {
	Level     string    `json:"level,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// FunctionResult is the outcome of one sandboxed invocation.
type FunctionResult struct {
	StatusCode int                `json:"status_code"`
	Headers    map[string]string  `json:"headers,omitempty"`
	Body       string             `json:"body"`
	Duration   time.Duration      `json:"-"`
	Logs       []FunctionLogEntry `json:"-"`
}

// AccessLog records one tenant request. It is written once.
type AccessLog struct {
	ID           string             `json:"id"`
	AppID        string             `json:"app_id"`
	RouteID      string             `json:"route_id,omitempty"`
	RequestID    string             `json:"request_id"`
	Method       string             `json:"method"`
	Path         string             `json:"path"`
	Host         string             `json:"host"`
	StatusCode   int                `json:"status_code"`
	Duration     time.Duration      `json:"duration"`
	BytesWritten int64              `json:"bytes_written"`
	ClientIP     string             `json:"client_ip,omitempty"`
	UserAgent    string             `json:"user_agent,omitempty"`
	AuthScheme   string             `json:"auth_scheme,omitempty"`
	FunctionLogs []FunctionLogEntry `json:"function_logs,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}
