// Package stratum implements the Stratum V1 (line-based JSON-RPC) message model
package stratum

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Message represents a Stratum V1 JSON message. Every field is optional: a
// message without a method but with a result or error is a response.
type Message struct {
	ID     any    `json:"id,omitempty"`
	Method string `json:"method,omitempty"`
	Params any    `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error is the error member of a response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

// UnmarshalJSON accepts the object form {"code":..,"message":..}, the legacy
// array form [code, message, data] and a bare string.
func (e *Error) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '{':
		var obj struct {
			Code    json.Number `json:"code"`
			Message string      `json:"message"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		e.Code = numberToInt(obj.Code)
		e.Message = obj.Message
	case '[':
		var arr []any
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&arr); err != nil {
			return err
		}
		if len(arr) > 0 {
			if n, ok := arr[0].(json.Number); ok {
				e.Code = numberToInt(n)
			}
		}
		if len(arr) > 1 {
			if s, ok := arr[1].(string); ok {
				e.Message = s
			}
		}
	case '"':
		if err := json.Unmarshal(data, &e.Message); err != nil {
			return err
		}
		e.Code = -1
	default:
		return fmt.Errorf("stratum: unsupported error shape %q", data)
	}
	return nil
}

func numberToInt(n json.Number) int {
	if v, err := n.Int64(); err == nil {
		return int(v)
	}
	if f, err := n.Float64(); err == nil {
		return int(f)
	}
	return 0
}

// MethodKind enumerates the V1 methods the proxy understands.
type MethodKind int

const (
	MethodUnknown MethodKind = iota
	MethodLogin
	MethodGetJob
	MethodSubmit
	MethodKeepAlive
	MethodJob
)

// Method names on the wire
const (
	NameLogin     = "login"
	NameGetJob    = "getjob"
	NameSubmit    = "submit"
	NameKeepAlive = "keepalived"
	NameJob       = "job"
)

// Method is a parsed method name. Unknown methods keep their name.
type Method struct {
	Kind MethodKind
	Name string
}

// ParseMethod classifies a method name.
func ParseMethod(name string) Method {
	switch name {
	case NameLogin:
		return Method{Kind: MethodLogin, Name: name}
	case NameGetJob:
		return Method{Kind: MethodGetJob, Name: name}
	case NameSubmit:
		return Method{Kind: MethodSubmit, Name: name}
	case NameKeepAlive:
		return Method{Kind: MethodKeepAlive, Name: name}
	case NameJob:
		return Method{Kind: MethodJob, Name: name}
	default:
		return Method{Kind: MethodUnknown, Name: name}
	}
}

// Unknown builds the method value for an unrecognised name.
func Unknown(name string) Method {
	return Method{Kind: MethodUnknown, Name: name}
}

func (m Method) String() string {
	return m.Name
}

// GetMethod returns the method of a request or notification. ok is false when
// the message carries no method.
func (m *Message) GetMethod() (Method, bool) {
	if m.Method == "" {
		return Method{}, false
	}
	return ParseMethod(m.Method), true
}

// HasMethod reports whether the message is a request or notification.
func (m *Message) HasMethod() bool {
	return m.Method != ""
}

// IsResponse reports whether the message is a response: no method, and a
// result or an error.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true for a method call without an id.
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ParamList returns positional params.
func (m *Message) ParamList() ([]any, bool) {
	l, ok := m.Params.([]any)
	return l, ok
}

// ParamObject returns named params.
func (m *Message) ParamObject() (map[string]any, bool) {
	o, ok := m.Params.(map[string]any)
	return o, ok
}

// StringParam returns positional param i when it is a string.
func (m *Message) StringParam(i int) (string, bool) {
	l, ok := m.ParamList()
	if !ok || i < 0 || i >= len(l) {
		return "", false
	}
	s, ok := l[i].(string)
	return s, ok
}

// IDUint64 returns a numeric id.
func (m *Message) IDUint64() (uint64, bool) {
	switch v := m.ID.(type) {
	case json.Number:
		n, err := strconv.ParseUint(v.String(), 10, 64)
		return n, err == nil
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Marshal encodes the message with the trailing newline required on the wire.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Parse decodes one line. Numbers are kept as json.Number so ids and heights
// survive a round trip unchanged.
func Parse(line []byte) (Message, error) {
	var msg Message
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// NumberID builds a numeric id.
func NumberID(id uint64) json.Number {
	return json.Number(strconv.FormatUint(id, 10))
}

// Login creates a positional login request for "wallet:worker".
func Login(id uint64, wallet, worker string) Message {
	return Message{
		ID:     NumberID(id),
		Method: NameLogin,
		Params: []any{wallet + ":" + worker},
	}
}

// Submit creates a positional submit request.
func Submit(id uint64, jobID, nonce, result string) Message {
	return Message{
		ID:     NumberID(id),
		Method: NameSubmit,
		Params: []any{jobID, nonce, result},
	}
}

// Job creates a job notification.
func Job(jobID, blob, target string, height uint64) Message {
	return Message{
		Method: NameJob,
		Params: []any{jobID, blob, target, json.Number(strconv.FormatUint(height, 10))},
	}
}

// OkResponse creates a success response.
func OkResponse(id any, result any) Message {
	return Message{
		ID:     id,
		Result: result,
	}
}

// ErrorResponse creates an error response.
func ErrorResponse(id any, code int, message string) Message {
	return Message{
		ID:    id,
		Error: &Error{Code: code, Message: message},
	}
}

// LoginRequest creates the named-params login used by V1 pools.
func LoginRequest(id uint64, login, pass, agent string) Message {
	return Message{
		ID:     NumberID(id),
		Method: NameLogin,
		Params: map[string]any{
			"login": login,
			"pass":  pass,
			"agent": agent,
		},
	}
}

// SubmitRequest creates the named-params submit used by V1 pools.
func SubmitRequest(id uint64, sessionID, jobID, nonce, result string) Message {
	return Message{
		ID:     NumberID(id),
		Method: NameSubmit,
		Params: map[string]any{
			"id":     sessionID,
			"job_id": jobID,
			"nonce":  nonce,
			"result": result,
		},
	}
}

// JobParams is the work description carried by a job notification or by the
// job member of a login result.
type JobParams struct {
	JobID    string
	Blob     string
	Target   string
	Height   uint64
	SeedHash string
}

// ParseJob extracts job fields from either the named or the positional shape.
func ParseJob(v any) (JobParams, bool) {
	switch p := v.(type) {
	case map[string]any:
		jp := JobParams{
			JobID:    asString(p["job_id"]),
			Blob:     asString(p["blob"]),
			Target:   asString(p["target"]),
			Height:   asUint64(p["height"]),
			SeedHash: asString(p["seed_hash"]),
		}
		return jp, jp.JobID != ""
	case []any:
		if len(p) < 3 {
			return JobParams{}, false
		}
		jp := JobParams{
			JobID:  asString(p[0]),
			Blob:   asString(p[1]),
			Target: asString(p[2]),
		}
		if len(p) > 3 {
			jp.Height = asUint64(p[3])
		}
		return jp, jp.JobID != ""
	}
	return JobParams{}, false
}

// LoginResult is the interesting part of a login response.
type LoginResult struct {
	SessionID string
	Status    string
	Job       JobParams
	HasJob    bool
}

// ParseLoginResult reads {"id":..,"job":{..},"status":..}.
func ParseLoginResult(v any) (LoginResult, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return LoginResult{}, false
	}
	res := LoginResult{
		SessionID: asString(obj["id"]),
		Status:    asString(obj["status"]),
	}
	if job, ok := ParseJob(obj["job"]); ok {
		res.Job = job
		res.HasJob = true
	}
	return res, true
}

// Accepted reports whether a response accepts the request it answers: no
// error and a result of true or {"status":"OK"}.
func (m *Message) Accepted() bool {
	if m.Error != nil {
		return false
	}
	switch r := m.Result.(type) {
	case bool:
		return r
	case map[string]any:
		return strings.EqualFold(asString(r["status"]), "OK")
	}
	return false
}

// SplitIdentity splits "wallet:worker" or "wallet.worker". Wallet addresses
// never contain either separator.
func SplitIdentity(login string) (wallet, worker string) {
	login = strings.TrimSpace(login)
	if i := strings.IndexAny(login, ":."); i >= 0 {
		return login[:i], login[i+1:]
	}
	return login, ""
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	}
	return ""
}

func asUint64(v any) uint64 {
	switch n := v.(type) {
	case json.Number:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		if err == nil {
			return u
		}
		f, err := n.Float64()
		if err == nil && f > 0 {
			return uint64(f)
		}
	case float64:
		if n > 0 {
			return uint64(n)
		}
	case string:
		u, err := strconv.ParseUint(n, 10, 64)
		if err == nil {
			return u
		}
	}
	return 0
}
