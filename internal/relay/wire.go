package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Relay frame labels (NIP-01).
const (
	LabelEvent  = "EVENT"
	LabelReq    = "REQ"
	LabelClose  = "CLOSE"
	LabelOK     = "OK"
	LabelEOSE   = "EOSE"
	LabelNotice = "NOTICE"
	LabelClosed = "CLOSED"
)

// Frame is one decoded relay protocol message. Which fields are set depends
// on Label.
type Frame struct {
	Label   string
	SubID   string
	Event   *nostr.Event
	Filters []nostr.Filter
	EventID string
	OK      bool
	Message string
}

func ParseFrame(data []byte) (Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return Frame{}, err
	}
	if len(parts) == 0 {
		return Frame{}, errors.New("empty frame")
	}
	var f Frame
	if err := json.Unmarshal(parts[0], &f.Label); err != nil {
		return Frame{}, fmt.Errorf("frame label: %w", err)
	}
	str := func(i int, dst *string) error {
		if len(parts) <= i {
			return fmt.Errorf("%s frame: missing element %d", f.Label, i)
		}
		return json.Unmarshal(parts[i], dst)
	}

	switch f.Label {
	case LabelEvent:
		raw := parts[len(parts)-1]
		switch len(parts) {
		case 2:
		case 3:
			if err := str(1, &f.SubID); err != nil {
				return Frame{}, err
			}
		default:
			return Frame{}, errors.New("EVENT frame: bad length")
		}
		var ev nostr.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return Frame{}, fmt.Errorf("EVENT frame: %w", err)
		}
		f.Event = &ev
	case LabelReq:
		if err := str(1, &f.SubID); err != nil {
			return Frame{}, err
		}
		for _, raw := range parts[2:] {
			var flt nostr.Filter
			if err := json.Unmarshal(raw, &flt); err != nil {
				return Frame{}, fmt.Errorf("REQ frame: %w", err)
			}
			f.Filters = append(f.Filters, flt)
		}
	case LabelClose, LabelEOSE:
		if err := str(1, &f.SubID); err != nil {
			return Frame{}, err
		}
	case LabelClosed:
		if err := str(1, &f.SubID); err != nil {
			return Frame{}, err
		}
		_ = str(2, &f.Message)
	case LabelOK:
		if err := str(1, &f.EventID); err != nil {
			return Frame{}, err
		}
		if len(parts) < 3 {
			return Frame{}, errors.New("OK frame: missing status")
		}
		if err := json.Unmarshal(parts[2], &f.OK); err != nil {
			return Frame{}, err
		}
		_ = str(3, &f.Message)
	case LabelNotice:
		_ = str(1, &f.Message)
	default:
		return Frame{}, fmt.Errorf("unknown frame label %q", f.Label)
	}
	return f, nil
}

func EncodePublish(ev nostr.Event) ([]byte, error) {
	return json.Marshal([]any{LabelEvent, ev})
}

func EncodeEvent(subID string, ev nostr.Event) ([]byte, error) {
	return json.Marshal([]any{LabelEvent, subID, ev})
}

func EncodeReq(subID string, filters []nostr.Filter) ([]byte, error) {
	msg := []any{LabelReq, subID}
	for _, f := range filters {
		msg = append(msg, f)
	}
	return json.Marshal(msg)
}

func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{LabelClose, subID})
}

func EncodeOK(eventID string, ok bool, message string) ([]byte, error) {
	return json.Marshal([]any{LabelOK, eventID, ok, message})
}

func EncodeEOSE(subID string) ([]byte, error) {
	return json.Marshal([]any{LabelEOSE, subID})
}

func EncodeNotice(message string) ([]byte, error) {
	return json.Marshal([]any{LabelNotice, message})
}

func EncodeClosed(subID, message string) ([]byte, error) {
	return json.Marshal([]any{LabelClosed, subID, message})
}

// Verify checks that ev's id matches its content and its signature is valid.
func Verify(ev *nostr.Event) bool {
	if ev.GetID() != ev.ID {
		return false
	}
	ok, err := ev.CheckSignature()
	return err == nil && ok
}

// MatchesAny reports whether ev satisfies at least one filter.
func MatchesAny(filters []nostr.Filter, ev *nostr.Event) bool {
	for _, f := range filters {
		if f.Matches(ev) {
			return true
		}
	}
	return false
}
