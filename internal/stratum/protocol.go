package stratum

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Stratum methods handled by the bridge.
const (
	MethodSubscribe            = "mining.subscribe"
	MethodAuthorize            = "mining.authorize"
	MethodSubmit               = "mining.submit"
	MethodNotify               = "mining.notify"
	MethodSetDifficulty        = "mining.set_difficulty"
	MethodExtranonceSubscribe  = "mining.extranonce.subscribe"
	MethodSuggestDifficulty    = "mining.suggest_difficulty"
	MethodConfigure            = "mining.configure"
	MethodSetVersionMask       = "mining.set_version_mask"
	extensionVersionRolling    = "version-rolling"
	versionRollingMaskParam    = "version-rolling.mask"
	versionRollingMinBitsParam = "version-rolling.min-bit-count"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response. On the wire it is the
// conventional [code, message, data] triple.
type Error struct {
	Code    int
	Message string
	Data    any
}

// MarshalJSON encodes the error as [code, message, data].
func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Code, e.Message, e.Data})
}

// UnmarshalJSON accepts both the triple and the JSON-RPC 2.0 object form.
func (e *Error) UnmarshalJSON(data []byte) error {
	var triple []any
	if err := json.Unmarshal(data, &triple); err == nil {
		if len(triple) < 2 {
			return fmt.Errorf("error triple has %d elements", len(triple))
		}
		code, ok := triple[0].(float64)
		if !ok {
			return fmt.Errorf("error code must be a number")
		}
		e.Code = int(code)
		e.Message, _ = triple[1].(string)
		if len(triple) > 2 {
			e.Data = triple[2]
		}
		return nil
	}

	var obj struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	e.Code, e.Message, e.Data = obj.Code, obj.Message, obj.Data
	return nil
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// Common Stratum error codes
const (
	ErrorOther          = 20
	ErrorJobNotFound    = 21
	ErrorDuplicateShare = 22
	ErrorLowDifficulty  = 23
	ErrorUnauthorized   = 24
	ErrorNotSubscribed  = 25
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// SubscribeRequest represents a mining.subscribe request
type SubscribeRequest struct {
	UserAgent string
	SessionID string
}

// AuthorizeRequest represents a mining.authorize request
type AuthorizeRequest struct {
	Username string
	Password string
}

// SubmitRequest represents a mining.submit request
type SubmitRequest struct {
	Username    string
	JobID       string
	ExtraNonce2 string
	NTime       string
	Nonce       string
	// VersionBits is empty unless the miner rolls the version.
	VersionBits string
}

// ConfigureRequest represents a mining.configure request
type ConfigureRequest struct {
	Extensions []string
	Params     map[string]any
}

// VersionRollingMask returns the requested mask, if any.
func (r *ConfigureRequest) VersionRollingMask() (uint32, bool) {
	if !r.Has(extensionVersionRolling) {
		return 0, false
	}
	raw, ok := r.Params[versionRollingMaskParam].(string)
	if !ok {
		return 0xffffffff, true
	}
	mask, err := strconv.ParseUint(raw, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(mask), true
}

// Has reports whether ext was requested.
func (r *ConfigureRequest) Has(ext string) bool {
	for _, e := range r.Extensions {
		if e == ext {
			return true
		}
	}
	return false
}

// NotifyParams represents mining.notify parameters
type NotifyParams struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
}

// Params returns the positional parameter list.
func (p *NotifyParams) Params() []any {
	branch := p.MerkleBranch
	if branch == nil {
		branch = []string{}
	}
	return []any{p.JobID, p.PrevHash, p.Coinb1, p.Coinb2, branch, p.Version, p.NBits, p.NTime, p.CleanJobs}
}

// response always carries result and error, as miners expect both keys.
type response struct {
	ID     any    `json:"id"`
	Result any    `json:"result"`
	Error  *Error `json:"error"`
}

// notification always carries a null id.
type notification struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	var v any
	switch {
	case msg.Method == "":
		v = response{ID: msg.ID, Result: msg.Result, Error: msg.Error}
	case msg.ID == nil:
		params := msg.Params
		if params == nil {
			params = []any{}
		}
		v = notification{Method: msg.Method, Params: params}
	default:
		v = msg
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// NewResponse creates a new response message
func NewResponse(id any, result any) *Message {
	return &Message{
		ID:     id,
		Result: result,
	}
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params []any) *Message {
	return &Message{
		ID:     nil,
		Method: method,
		Params: params,
	}
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParseSubscribeRequest parses mining.subscribe parameters. Both
// parameters are optional.
func ParseSubscribeRequest(params []any) (*SubscribeRequest, error) {
	req := &SubscribeRequest{}

	if len(params) > 0 {
		if userAgent, ok := params[0].(string); ok {
			req.UserAgent = userAgent
		}
	}

	if len(params) > 1 {
		if sessionID, ok := params[1].(string); ok {
			req.SessionID = sessionID
		}
	}

	return req, nil
}

// ParseAuthorizeRequest parses mining.authorize parameters. The password
// may be omitted.
func ParseAuthorizeRequest(params []any) (*AuthorizeRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	username, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("username must be string")
	}

	req := &AuthorizeRequest{Username: username}
	if len(params) > 1 && params[1] != nil {
		password, ok := params[1].(string)
		if !ok {
			return nil, fmt.Errorf("password must be string")
		}
		req.Password = password
	}

	return req, nil
}

// ParseSubmitRequest parses mining.submit parameters
func ParseSubmitRequest(params []any) (*SubmitRequest, error) {
	if len(params) < 5 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	fields := make([]string, 5)
	names := [...]string{"username", "job_id", "extranonce2", "ntime", "nonce"}
	for i, name := range names {
		s, ok := params[i].(string)
		if !ok {
			return nil, fmt.Errorf("%s must be string", name)
		}
		fields[i] = s
	}

	req := &SubmitRequest{
		Username:    fields[0],
		JobID:       fields[1],
		ExtraNonce2: fields[2],
		NTime:       fields[3],
		Nonce:       fields[4],
	}

	if len(params) > 5 && params[5] != nil {
		vb, ok := params[5].(string)
		if !ok {
			return nil, fmt.Errorf("version bits must be string")
		}
		req.VersionBits = vb
	}

	return req, nil
}

// ParseSuggestDifficulty parses mining.suggest_difficulty parameters.
func ParseSuggestDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("insufficient parameters")
	}

	switch v := params[0].(type) {
	case float64:
		if v <= 0 {
			return 0, fmt.Errorf("difficulty must be positive")
		}
		return v, nil
	case string:
		d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || d <= 0 {
			return 0, fmt.Errorf("invalid difficulty %q", v)
		}
		return d, nil
	default:
		return 0, fmt.Errorf("difficulty must be a number")
	}
}

// ParseConfigureRequest parses mining.configure parameters
func ParseConfigureRequest(params []any) (*ConfigureRequest, error) {
	if len(params) < 1 {
		return nil, fmt.Errorf("insufficient parameters")
	}

	list, ok := params[0].([]any)
	if !ok {
		return nil, fmt.Errorf("extensions must be a list")
	}

	req := &ConfigureRequest{Params: map[string]any{}}
	for _, e := range list {
		if s, ok := e.(string); ok {
			req.Extensions = append(req.Extensions, s)
		}
	}

	if len(params) > 1 {
		if m, ok := params[1].(map[string]any); ok {
			req.Params = m
		}
	}

	return req, nil
}

// ConfigureResult builds the mining.configure response for a negotiated
// version-rolling mask.
func ConfigureResult(req *ConfigureRequest, mask uint32, enabled bool) map[string]any {
	result := map[string]any{}
	if req.Has(extensionVersionRolling) {
		result[extensionVersionRolling] = enabled
		if enabled {
			result[versionRollingMaskParam] = fmt.Sprintf("%08x", mask)
		}
	}
	for _, ext := range req.Extensions {
		if ext != extensionVersionRolling {
			result[ext] = false
		}
	}
	return result
}

// ErrorCode maps a share rejection reason to a Stratum error.
func ErrorCode(reason string) (int, string) {
	switch reason {
	case "stale":
		return ErrorJobNotFound, "Job not found"
	case "duplicate":
		return ErrorDuplicateShare, "Duplicate share"
	case "low-difficulty":
		return ErrorLowDifficulty, "Low difficulty share"
	default:
		return ErrorOther, "Invalid share"
	}
}
