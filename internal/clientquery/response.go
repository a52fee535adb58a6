package clientquery

import (
	"strconv"
	"strings"
)

// Keepalive challenge id sent by the client when the connection idles; the
// connection answers with a bare newline and never correlates it.
const keepaliveErrorID = 1796

// Status is the terminal line closing a command response:
// "error id=<n> msg=<escaped>". Id zero means success.
type Status struct {
	ID  int
	Msg string
}

// OK reports whether the status indicates success.
func (s Status) OK() bool { return s.ID == 0 }

// ParseStatus parses a terminal status line. The second return is false
// when the line is not a status line at all.
func ParseStatus(line string) (Status, bool) {
	if !strings.HasPrefix(line, "error ") && line != "error" {
		return Status{}, false
	}
	kv := ParseKV(line)
	idRaw, ok := kv["id"]
	if !ok {
		return Status{}, false
	}
	id, err := strconv.Atoi(idRaw)
	if err != nil {
		return Status{}, false
	}
	return Status{ID: id, Msg: kv["msg"]}, true
}

// IsNotification reports whether a line is an asynchronous event line.
// ClientQuery marks every such line with a fixed "notify" prefix.
func IsNotification(line string) bool {
	return strings.HasPrefix(line, "notify")
}

// Response is a completed command exchange: zero or more payload lines
// followed by the terminal status.
type Response struct {
	Payload []string
	Status  Status
}

// OK reports whether the command succeeded.
func (r Response) OK() bool { return r.Status.OK() }

// Records parses every payload line as pipe-separated key/value records
// and concatenates them in payload order.
func (r Response) Records() []map[string]string {
	var out []map[string]string
	for _, line := range r.Payload {
		out = append(out, ParseRecords(line)...)
	}
	return out
}

// First returns the first payload record, or nil when there is none.
func (r Response) First() map[string]string {
	recs := r.Records()
	if len(recs) == 0 {
		return nil
	}
	return recs[0]
}
