package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/h4rm0n1c/tsraild/internal/clientquery"
	"github.com/h4rm0n1c/tsraild/internal/engine"
)

// dispatch parses one command line and produces the full response text.
// First response line is "OK" (possibly with inline payload) or
// "ERR <reason>"; list commands append payload lines after the OK.
func (s *Server) dispatch(line string) string {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return errResp("bad-args")
	}
	verb, args := fields[0], fields[1:]

	switch verb {
	case "status":
		return s.status()
	case "key-status":
		present := 0
		if s.st.KeyPresent() {
			present = 1
		}
		return fmt.Sprintf("OK key_present=%d\n", present)
	case "setkey":
		if len(args) != 1 {
			return errResp("bad-args")
		}
		if err := s.st.WriteKey(args[0]); err != nil {
			s.log.Error().Err(err).Msg("key write failed")
			return errResp("key-file-unwritable")
		}
		// Reauthenticate with the new key; never awaited here.
		s.sess.Kick()
		return "OK\n"
	case "dump-state":
		data, err := json.MarshalIndent(s.eng.Snapshot(), "", "  ")
		if err != nil {
			return errResp("internal")
		}
		return "OK\n" + string(data) + "\n"
	case "approve-uid":
		if len(args) != 1 {
			return errResp("bad-args")
		}
		return s.mutation(s.eng.ApproveUID(args[0]))
	case "approve-clid":
		if len(args) != 1 {
			return errResp("bad-args")
		}
		return s.mutation(s.eng.ApproveCLID(args[0]))
	case "approve-nick":
		if len(args) == 0 {
			return errResp("bad-args")
		}
		return s.mutation(s.eng.ApproveNick(strings.Join(args, " ")))
	case "unapprove-uid":
		if len(args) != 1 {
			return errResp("bad-args")
		}
		return s.mutation(s.eng.UnapproveUID(args[0]))
	case "approved-list":
		return listResp(s.eng.ApprovedList())
	case "ignore-uid":
		if len(args) != 1 {
			return errResp("bad-args")
		}
		return s.mutation(s.eng.IgnoreUID(args[0]))
	case "unignore-uid":
		if len(args) != 1 {
			return errResp("bad-args")
		}
		return s.mutation(s.eng.UnignoreUID(args[0]))
	case "ignore-list":
		return listResp(s.eng.IgnoreList())
	case "policy":
		if len(args) < 2 {
			return errResp("bad-args")
		}
		return s.policy(args[0], strings.Join(args[1:], " "))
	case "channels":
		var b strings.Builder
		b.WriteString("OK\n")
		for _, ch := range s.eng.Channels() {
			fmt.Fprintf(&b, "%d\t%s\n", ch.ID, ch.Name)
		}
		return b.String()
	default:
		return errResp("unknown-command")
	}
}

func (s *Server) status() string {
	st := s.sess.Status()
	ov := s.eng.StatusOverview()

	auth := "failed"
	if st.AuthOK {
		auth = "ok"
	}
	resp := fmt.Sprintf(
		"OK link=%s auth=%s schandlerid=%d channel_id=%d channel_name=%q "+
			"approved_total=%d present_approved=%d present_unknown=%d present_ignored=%d",
		st.State, auth, ov.SchandlerID, ov.ChannelID, ov.ChannelName,
		ov.Counts.ApprovedTotal, ov.Counts.PresentApproved,
		ov.Counts.PresentUnknown, ov.Counts.PresentIgnored,
	)
	if st.LastError != "" && st.State != clientquery.StateReady {
		resp += fmt.Sprintf(" last_error=%q", st.LastError)
	}
	return resp + "\n"
}

func (s *Server) policy(name, value string) string {
	boolVal, boolOK := parseBool(value)

	switch name {
	case "auto-mute-unknown":
		if !boolOK {
			return errResp("bad-args")
		}
		return s.mutation(s.eng.SetAutoMuteUnknown(boolVal))
	case "require-approved":
		if !boolOK {
			return errResp("bad-args")
		}
		return s.mutation(s.eng.SetRequireApproved(boolVal))
	case "show-ignored":
		if !boolOK {
			return errResp("bad-args")
		}
		return s.mutation(s.eng.SetShowIgnored(boolVal))
	case "target-channel":
		ref := value
		if ref == "none" || ref == "0" {
			ref = ""
		}
		return s.mutation(s.eng.SetTargetChannel(ref))
	default:
		return errResp("unknown-policy")
	}
}

// mutation maps an engine mutation result onto the wire response. The
// engine persists before returning nil, so OK implies durability.
func (s *Server) mutation(err error) string {
	switch {
	case err == nil:
		return "OK\n"
	case errors.Is(err, engine.ErrUnknownCLID):
		return errResp("unknown-clid")
	case errors.Is(err, engine.ErrNickNotPresent):
		return errResp("nick-not-present")
	case errors.Is(err, engine.ErrUnknownChannel):
		return errResp("unknown-channel")
	default:
		s.log.Error().Err(err).Msg("control mutation failed")
		return errResp("config-io")
	}
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func errResp(reason string) string {
	return "ERR " + reason + "\n"
}

func listResp(items []string) string {
	var b strings.Builder
	b.WriteString("OK\n")
	for _, item := range items {
		b.WriteString(item)
		b.WriteByte('\n')
	}
	return b.String()
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
