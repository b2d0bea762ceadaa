package protocol

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/Tyrowin/gocomet/internal/errs"
)

var (
	ErrAlreadyReplied     = errors.New("reply already sent")
	ErrResultCodeRequired = errors.New("multi-handler reply requires a result code")
)

// Reply answers one inbound query. Implementations guarantee at most one
// qres frame per query id.
type Reply interface {
	// Send answers with err or data. Multi-handler replies require SendCode.
	Send(err error, data any) error
	// SendCode answers for one handler of a multi-handler dispatch.
	SendCode(code string, err error, data any) error
	// Fail emits a failure reply if one is still owed.
	Fail(err error)
	// Expected reports whether the sender asked for a reply.
	Expected() bool
}

// NewReply picks the reply shape for a dispatch to n handlers.
func NewReply(w Writer, query json.RawMessage, n int, log *slog.Logger) Reply {
	env := Envelope{QueryID: query}
	if !env.HasQuery() {
		return &noReply{log: log}
	}
	if n <= 1 {
		return &singleReply{w: w, q: query}
	}
	return &multiReply{
		w:       w,
		q:       query,
		total:   n,
		results: make(map[string]any, n),
		errors:  make(map[string]string),
		log:     log,
	}
}

type successBody struct {
	Q       json.RawMessage `json:"q"`
	Success bool            `json:"success"`
	Data    any             `json:"data"`
}

type failureBody struct {
	Q       json.RawMessage `json:"q"`
	Success bool            `json:"success"`
	Error   any             `json:"error"`
	ErrType string          `json:"errtype,omitempty"`
	ErrCode string          `json:"errcode,omitempty"`
	Params  map[string]any  `json:"params,omitempty"`
}

func failure(q json.RawMessage, err error) failureBody {
	body := failureBody{Q: q, Error: err.Error()}
	if tagged, ok := errs.As(err); ok {
		body.Error = tagged.Message()
		body.ErrType = string(tagged.Kind())
		body.ErrCode = tagged.Code()
		body.Params = tagged.Params()
	}
	return body
}

func write(w Writer, q json.RawMessage, err error, data any) error {
	if err != nil {
		return w.Send(EventReply, failure(q, err))
	}
	return w.Send(EventReply, successBody{Q: q, Success: true, Data: data})
}

type noReply struct {
	log *slog.Logger
}

func (r *noReply) Send(err error, _ any) error {
	if r.log != nil {
		r.log.Warn("Reply called but sender did not ask for one", "error", err)
	}
	return nil
}

func (r *noReply) SendCode(_ string, err error, data any) error {
	return r.Send(err, data)
}

func (r *noReply) Fail(error) {}

func (r *noReply) Expected() bool { return false }

type singleReply struct {
	mu      sync.Mutex
	w       Writer
	q       json.RawMessage
	replied bool
}

func (r *singleReply) Send(err error, data any) error {
	r.mu.Lock()
	if r.replied {
		r.mu.Unlock()
		return ErrAlreadyReplied
	}
	r.replied = true
	r.mu.Unlock()
	return write(r.w, r.q, err, data)
}

func (r *singleReply) SendCode(_ string, err error, data any) error {
	return r.Send(err, data)
}

func (r *singleReply) Fail(err error) {
	_ = r.Send(err, nil)
}

func (r *singleReply) Expected() bool { return true }

// multiReply collects one result per handler and answers once all handlers
// have reported. There is no timeout: a handler that never reports leaves
// the client to time the query out.
type multiReply struct {
	mu      sync.Mutex
	w       Writer
	q       json.RawMessage
	total   int
	calls   int
	results map[string]any
	errors  map[string]string
	done    bool
	log     *slog.Logger
}

func (r *multiReply) Send(error, any) error {
	if r.log != nil {
		r.log.Error("Multi-handler reply called without a result code")
	}
	return ErrResultCodeRequired
}

func (r *multiReply) SendCode(code string, err error, data any) error {
	if code == "" {
		return r.Send(err, data)
	}

	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return ErrAlreadyReplied
	}
	r.calls++
	if err != nil {
		r.errors[code] = err.Error()
	} else {
		r.results[code] = data
	}
	if r.calls < r.total {
		r.mu.Unlock()
		return nil
	}
	r.done = true
	results, failures := r.results, r.errors
	r.mu.Unlock()

	if len(failures) > 0 {
		return r.w.Send(EventReply, failureBody{Q: r.q, Error: failures})
	}
	return r.w.Send(EventReply, successBody{Q: r.q, Success: true, Data: results})
}

func (r *multiReply) Fail(err error) {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()
	_ = write(r.w, r.q, err, nil)
}

func (r *multiReply) Expected() bool { return true }
