// Package ack implements the byte-wise fragment ACK parser of spec §4.4,
// grounded directly on the state machine in
// original_source/kinesis-video-pic/src/client/src/AckParser.c: a streaming
// parser over a restricted JSON-like grammar (one flat object per ACK, no
// escapes) that never needs the whole ACK buffered before producing a
// result.
package ack

import (
	"strconv"

	kvserrors "github.com/alxayo/go-kvs-producer/internal/errors"
)

// EventType mirrors FRAGMENT_ACK_TYPE.
type EventType int

const (
	EventUndefined EventType = iota
	EventBuffering
	EventReceived
	EventPersisted
	EventError
	EventIdle
)

func (e EventType) String() string {
	switch e {
	case EventBuffering:
		return "BUFFERING"
	case EventReceived:
		return "RECEIVED"
	case EventPersisted:
		return "PERSISTED"
	case EventError:
		return "ERROR"
	case EventIdle:
		return "IDLE"
	default:
		return "UNDEFINED"
	}
}

func eventTypeFromString(s string) EventType {
	switch s {
	case "buffering":
		return EventBuffering
	case "received":
		return EventReceived
	case "persisted":
		return EventPersisted
	case "error":
		return EventError
	case "idle":
		return EventIdle
	default:
		return EventUndefined
	}
}

// keyName mirrors FRAGMENT_ACK_KEY_NAME.
type keyName int

const (
	keyUnknown keyName = iota
	keyEventType
	keyFragmentNumber
	keyFragmentTimecode
	keyErrorID
	keyCount
)

func keyNameFromString(s string) keyName {
	switch s {
	case "EventType":
		return keyEventType
	case "FragmentNumber":
		return keyFragmentNumber
	case "FragmentTimecode":
		return keyFragmentTimecode
	case "ErrorId":
		return keyErrorID
	default:
		return keyUnknown
	}
}

// FragmentAck is the parsed result of one ACK JSON object, produced at a
// closing brace and handed to the stream runtime's correlator (spec §4.6).
type FragmentAck struct {
	Type             EventType
	FragmentNumber   string
	FragmentTimecode uint64 // milliseconds, server-side ACK timestamp
	ErrorID          uint64
}

// state mirrors FRAGMENT_ACK_PARSER_STATE.
type state int

const (
	stateStart state = iota
	stateAckStart
	stateKeyStart
	stateDelimiter
	stateBodyStart
	stateTextValue
	stateNumericValue
	stateSkipBodyBraceEnd
	stateSkipBodyBracketEnd
	stateValueEnd
)

const (
	openBrace    = '{'
	closeBrace   = '}'
	openBracket  = '['
	closeBracket = ']'
	quote        = '"'
	delimiter    = ':'
	comma        = ','
)

func isWhitespace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func isStartOfNumeric(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-'
}

// Parser is a streaming, byte-wise FragmentAck parser. Zero value is not
// usable; construct with New. Not safe for concurrent use — the owning
// Stream serializes calls per upload handle.
type Parser struct {
	state       state
	accumulator []byte
	curKey      keyName
	seen        [keyCount]bool
	level       int
	cur         FragmentAck
}

// New constructs a Parser in its initial state.
func New() *Parser {
	p := &Parser{}
	p.reset()
	return p
}

func (p *Parser) reset() {
	p.state = stateStart
	p.accumulator = p.accumulator[:0]
	p.curKey = keyUnknown
	for i := range p.seen {
		p.seen[i] = false
	}
	p.level = 0
	p.cur = FragmentAck{Type: EventUndefined}
}

// Feed processes segment, a (possibly partial) chunk of one or more ACK
// JSON objects, and returns every FragmentAck completed during this call.
// Partial objects are buffered in Parser state across calls — feeding the
// same bytes split at arbitrary boundaries yields identical results to
// feeding them whole (spec scenario S5).
func (p *Parser) Feed(segment []byte) ([]FragmentAck, error) {
	var out []FragmentAck
	for _, c := range segment {
		done, err := p.step(c)
		if err != nil {
			p.reset()
			return out, err
		}
		if done {
			ack, verr := p.validate()
			if verr != nil {
				p.reset()
				return out, verr
			}
			out = append(out, ack)
			p.reset()
		}
	}
	return out, nil
}

func (p *Parser) step(c byte) (done bool, err error) {
	switch p.state {
	case stateStart:
		if c == openBrace {
			p.state = stateAckStart
		}

	case stateAckStart:
		if !isWhitespace(c) {
			if c != quote {
				return false, kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.keyStart", nil)
			}
			p.state = stateKeyStart
		}

	case stateKeyStart:
		if c == quote {
			p.curKey = keyNameFromString(string(p.accumulator))
			p.state = stateDelimiter
			p.accumulator = p.accumulator[:0]
		} else {
			p.accumulator = append(p.accumulator, c)
		}

	case stateDelimiter:
		if !isWhitespace(c) && c == delimiter {
			p.state = stateBodyStart
		}

	case stateBodyStart:
		if isWhitespace(c) {
			break
		}
		switch {
		case c == openBrace:
			p.level = 1
			p.state = stateSkipBodyBraceEnd
		case c == openBracket:
			p.level = 1
			p.state = stateSkipBodyBracketEnd
		case c == quote:
			p.state = stateTextValue
		case isStartOfNumeric(c):
			p.accumulator = append(p.accumulator, c)
			p.state = stateNumericValue
		default:
			return false, kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.bodyStart", nil)
		}

	case stateTextValue:
		if c == quote {
			if err := p.processValue(string(p.accumulator)); err != nil {
				return false, err
			}
			p.state = stateValueEnd
		} else {
			p.accumulator = append(p.accumulator, c)
		}

	case stateNumericValue:
		switch {
		case isWhitespace(c), c == comma, c == closeBrace:
			if err := p.processValue(string(p.accumulator)); err != nil {
				return false, err
			}
			if c == closeBrace {
				return true, nil
			}
			p.state = stateValueEnd
		case c == quote, c == openBrace, c == openBracket, c == closeBracket, c == delimiter:
			return false, kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.numericValue", nil)
		default:
			p.accumulator = append(p.accumulator, c)
		}

	case stateSkipBodyBraceEnd:
		if c == openBrace {
			p.level++
		} else if c == closeBrace {
			p.level--
		}
		if p.level == 0 {
			p.state = stateValueEnd
		}

	case stateSkipBodyBracketEnd:
		if c == openBracket {
			p.level++
		} else if c == closeBracket {
			p.level--
		}
		if p.level == 0 {
			p.state = stateValueEnd
		}

	case stateValueEnd:
		if isWhitespace(c) || c == comma {
			break
		}
		switch c {
		case closeBrace:
			return true, nil
		case quote:
			p.state = stateKeyStart
		default:
			return false, kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.valueEnd", nil)
		}
	}
	return false, nil
}

func (p *Parser) processValue(value string) error {
	switch p.curKey {
	case keyEventType:
		if p.seen[keyEventType] {
			return kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.duplicateKey", nil)
		}
		p.cur.Type = eventTypeFromString(value)
	case keyFragmentNumber:
		if p.seen[keyFragmentNumber] {
			return kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.duplicateKey", nil)
		}
		p.cur.FragmentNumber = value
	case keyFragmentTimecode:
		if p.seen[keyFragmentTimecode] {
			return kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.duplicateKey", nil)
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.timecode", err)
		}
		p.cur.FragmentTimecode = n
	case keyErrorID:
		if p.seen[keyErrorID] {
			return kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.duplicateKey", nil)
		}
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.errorId", err)
		}
		p.cur.ErrorID = n
	}
	if p.curKey != keyUnknown {
		p.seen[p.curKey] = true
	}
	p.accumulator = p.accumulator[:0]
	return nil
}

func (p *Parser) validate() (FragmentAck, error) {
	if p.cur.Type == EventUndefined {
		return FragmentAck{}, kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.validate", nil)
	}
	if p.cur.Type == EventError && p.cur.ErrorID == 0 {
		return FragmentAck{}, kvserrors.NewKind(kvserrors.KindInvalidAckFormat, "ack.validate.missingErrorId", nil)
	}
	return p.cur, nil
}
