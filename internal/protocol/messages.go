package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Envelope is one decoded inbound frame: Auth, ChatFromPeer or StatusReport.
type Envelope interface {
	Type() MessageType
	inbound()
}

// Auth carries the peer's credential. It must be the first frame.
type Auth struct {
	Token string
}

// ChatFromPeer is a chat line said in game.
type ChatFromPeer struct {
	User    string
	Message string
}

// StatusReport is a periodic status push from the peer. Players and
// MaxPlayers are required; everything else is optional.
type StatusReport struct {
	TPS         float64  `json:"tps"`
	Players     int      `json:"players"`
	MaxPlayers  int      `json:"max_players"`
	Uptime      string   `json:"uptime,omitempty"`
	PlayerNames []string `json:"player_names,omitempty"`
	Version     string   `json:"version,omitempty"`
}

func (Auth) Type() MessageType         { return TypeAuth }
func (ChatFromPeer) Type() MessageType { return TypeChatFromPeer }
func (StatusReport) Type() MessageType { return TypeStatusUpdate }

func (Auth) inbound()         {}
func (ChatFromPeer) inbound() {}
func (StatusReport) inbound() {}

// Command is an outbound instruction for a peer: ChatToPeer or ConsoleCommand.
type Command interface {
	Type() MessageType
	outbound()
}

// ChatToPeer is a chat line from the external channel, shown in game.
type ChatToPeer struct {
	User    string
	Message string
	// Color is an optional "#rrggbb" name colour.
	Color string
}

// ConsoleCommand asks the peer to run a server console command.
type ConsoleCommand struct {
	Command string
	Issuer  string
}

func (ChatToPeer) Type() MessageType     { return TypeChatToPeer }
func (ConsoleCommand) Type() MessageType { return TypeConsoleCommand }

func (ChatToPeer) outbound()     {}
func (ConsoleCommand) outbound() {}

// wireMessage is the object encoding of every message type. Optional fields
// are pointers so a missing field can be told apart from a zero value.
type wireMessage struct {
	Type        string       `json:"type"`
	Token       *string      `json:"token,omitempty"`
	User        *string      `json:"user,omitempty"`
	Message     *string      `json:"message,omitempty"`
	Color       string       `json:"color,omitempty"`
	Command     *string      `json:"command,omitempty"`
	TPS         *looseFloat  `json:"tps,omitempty"`
	Players     *looseInt    `json:"players,omitempty"`
	MaxPlayers  *looseInt    `json:"max_players,omitempty"`
	Uptime      *looseString `json:"uptime,omitempty"`
	PlayerNames []string     `json:"player_names,omitempty"`
	Version     string       `json:"version,omitempty"`
}

// Decode parses one inbound frame in either encoding.
func Decode(raw []byte) (Envelope, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, decodeErr("", ErrEmptyFrame, "empty frame")
	}
	if DetectEncoding(raw) == EncodingJSON {
		return decodeObject(raw)
	}
	return decodePipe(string(raw))
}

func decodePipe(s string) (Envelope, error) {
	s = strings.TrimRight(s, "\r\n")
	head, rest, _ := strings.Cut(s, Delimiter)
	typ := MessageType(strings.TrimSpace(head))

	switch typ {
	case TypeAuth:
		token, _, _ := strings.Cut(rest, Delimiter)
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, decodeErr(typ, ErrMissingField, "missing token")
		}
		return Auth{Token: token}, nil

	case TypeChatFromPeer:
		fields := strings.SplitN(rest, Delimiter, 2)
		if len(fields) < 2 {
			return nil, decodeErr(typ, ErrMissingField, "expected user and message")
		}
		if fields[0] == "" {
			return nil, decodeErr(typ, ErrMissingField, "missing user")
		}
		return ChatFromPeer{User: fields[0], Message: fields[1]}, nil

	case TypeStatusUpdate:
		fields := strings.SplitN(rest, Delimiter, 4)
		if len(fields) < 3 {
			return nil, decodeErr(typ, ErrMissingField, "expected tps, players and max_players")
		}
		var report StatusReport
		if tps := strings.TrimSpace(fields[0]); tps != "" {
			v, err := parseFinite(tps)
			if err != nil {
				return nil, decodeErr(typ, ErrMalformed, "tps %q is not a number", tps)
			}
			report.TPS = v
		}
		players, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, decodeErr(typ, ErrMalformed, "players %q is not an integer", fields[1])
		}
		maxPlayers, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, decodeErr(typ, ErrMalformed, "max_players %q is not an integer", fields[2])
		}
		report.Players, report.MaxPlayers = players, maxPlayers
		if len(fields) == 4 {
			report.Uptime = fields[3]
		}
		return report, nil

	case "":
		return nil, decodeErr("", ErrMissingField, "missing type")

	default:
		return nil, decodeErr(typ, ErrUnknownType, "unknown type %q", string(typ))
	}
}

func decodeObject(raw []byte) (Envelope, error) {
	var w wireMessage
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, decodeErr("", ErrMalformed, "invalid object: %v", err)
	}
	typ := MessageType(strings.TrimSpace(w.Type))

	switch typ {
	case TypeAuth:
		if w.Token == nil || strings.TrimSpace(*w.Token) == "" {
			return nil, decodeErr(typ, ErrMissingField, "missing token")
		}
		return Auth{Token: strings.TrimSpace(*w.Token)}, nil

	case TypeChatFromPeer:
		if w.User == nil || *w.User == "" {
			return nil, decodeErr(typ, ErrMissingField, "missing user")
		}
		if w.Message == nil {
			return nil, decodeErr(typ, ErrMissingField, "missing message")
		}
		return ChatFromPeer{User: *w.User, Message: *w.Message}, nil

	case TypeStatusUpdate:
		if w.Players == nil || w.MaxPlayers == nil {
			return nil, decodeErr(typ, ErrMissingField, "players and max_players are required")
		}
		report := StatusReport{
			Players:     int(*w.Players),
			MaxPlayers:  int(*w.MaxPlayers),
			PlayerNames: w.PlayerNames,
			Version:     w.Version,
		}
		if w.TPS != nil {
			report.TPS = float64(*w.TPS)
		}
		if w.Uptime != nil {
			report.Uptime = string(*w.Uptime)
		}
		return report, nil

	case "":
		return nil, decodeErr("", ErrMissingField, "missing type")

	default:
		return nil, decodeErr(typ, ErrUnknownType, "unknown type %q", string(typ))
	}
}

var trailingColor = regexp.MustCompile(`\|(#[0-9a-fA-F]{6})$`)

// DecodeCommand parses one outbound frame. It is the peer-side counterpart
// of EncodeCommand.
func DecodeCommand(raw []byte) (Command, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, decodeErr("", ErrEmptyFrame, "empty frame")
	}

	if DetectEncoding(raw) == EncodingJSON {
		var w wireMessage
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, decodeErr("", ErrMalformed, "invalid object: %v", err)
		}
		typ := MessageType(strings.TrimSpace(w.Type))
		switch typ {
		case TypeChatToPeer:
			if w.User == nil || w.Message == nil {
				return nil, decodeErr(typ, ErrMissingField, "expected user and message")
			}
			return ChatToPeer{User: *w.User, Message: *w.Message, Color: w.Color}, nil
		case TypeConsoleCommand:
			if w.Command == nil || *w.Command == "" {
				return nil, decodeErr(typ, ErrMissingField, "missing command")
			}
			cmd := ConsoleCommand{Command: *w.Command}
			if w.User != nil {
				cmd.Issuer = *w.User
			}
			return cmd, nil
		default:
			return nil, decodeErr(typ, ErrUnknownType, "unknown type %q", string(typ))
		}
	}

	s := strings.TrimRight(string(raw), "\r\n")
	head, rest, _ := strings.Cut(s, Delimiter)
	typ := MessageType(strings.TrimSpace(head))
	switch typ {
	case TypeChatToPeer:
		fields := strings.SplitN(rest, Delimiter, 2)
		if len(fields) < 2 {
			return nil, decodeErr(typ, ErrMissingField, "expected user and message")
		}
		cmd := ChatToPeer{User: fields[0], Message: fields[1]}
		if m := trailingColor.FindStringSubmatchIndex(cmd.Message); m != nil {
			cmd.Color = cmd.Message[m[2]:m[3]]
			cmd.Message = cmd.Message[:m[0]]
		}
		return cmd, nil
	case TypeConsoleCommand:
		if rest == "" {
			return nil, decodeErr(typ, ErrMissingField, "missing command")
		}
		return ConsoleCommand{Command: rest}, nil
	default:
		return nil, decodeErr(typ, ErrUnknownType, "unknown type %q", string(typ))
	}
}

// EncodeCommand renders an outbound command. The pipe form matches what
// existing game plugins parse: the issuer of a console command is only
// carried by the object form.
func EncodeCommand(cmd Command, enc Encoding) ([]byte, error) {
	switch c := cmd.(type) {
	case ChatToPeer:
		if enc == EncodingJSON {
			return json.Marshal(wireMessage{Type: string(TypeChatToPeer), User: &c.User, Message: &c.Message, Color: c.Color})
		}
		out := pipe(TypeChatToPeer, sanitizeField(c.User), c.Message)
		if c.Color != "" {
			out += Delimiter + c.Color
		}
		return []byte(out), nil
	case ConsoleCommand:
		if enc == EncodingJSON {
			w := wireMessage{Type: string(TypeConsoleCommand), Command: &c.Command}
			if c.Issuer != "" {
				w.User = &c.Issuer
			}
			return json.Marshal(w)
		}
		return []byte(pipe(TypeConsoleCommand, c.Command)), nil
	default:
		return nil, fmt.Errorf("encode command: unsupported %T", cmd)
	}
}

// EncodeEnvelope renders an inbound message the way a peer would send it.
func EncodeEnvelope(env Envelope, enc Encoding) ([]byte, error) {
	switch e := env.(type) {
	case Auth:
		if enc == EncodingJSON {
			return json.Marshal(wireMessage{Type: string(TypeAuth), Token: &e.Token})
		}
		return []byte(pipe(TypeAuth, e.Token)), nil
	case ChatFromPeer:
		if enc == EncodingJSON {
			return json.Marshal(wireMessage{Type: string(TypeChatFromPeer), User: &e.User, Message: &e.Message})
		}
		return []byte(pipe(TypeChatFromPeer, sanitizeField(e.User), e.Message)), nil
	case StatusReport:
		if enc == EncodingJSON {
			tps, players, maxPlayers, uptime := looseFloat(e.TPS), looseInt(e.Players), looseInt(e.MaxPlayers), looseString(e.Uptime)
			return json.Marshal(wireMessage{
				Type:        string(TypeStatusUpdate),
				TPS:         &tps,
				Players:     &players,
				MaxPlayers:  &maxPlayers,
				Uptime:      &uptime,
				PlayerNames: e.PlayerNames,
				Version:     e.Version,
			})
		}
		return []byte(pipe(TypeStatusUpdate,
			strconv.FormatFloat(e.TPS, 'f', -1, 64),
			strconv.Itoa(e.Players),
			strconv.Itoa(e.MaxPlayers),
			e.Uptime,
		)), nil
	default:
		return nil, fmt.Errorf("encode envelope: unsupported %T", env)
	}
}

func pipe(typ MessageType, fields ...string) string {
	return string(typ) + Delimiter + strings.Join(fields, Delimiter)
}

// sanitizeField strips the delimiter from fields that are not the trailing
// free-text field, so the receiver splits them back correctly.
func sanitizeField(s string) string {
	return strings.ReplaceAll(s, Delimiter, "")
}

// looseFloat accepts both 19.8 and "19.8"; plugins disagree on which to send.
type looseFloat float64

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	v, err := parseFinite(unquote(b))
	if err != nil {
		return fmt.Errorf("not a number: %s", b)
	}
	*f = looseFloat(v)
	return nil
}

// parseFinite is strconv.ParseFloat without NaN and the infinities, which
// neither JSON nor the store can hold.
func parseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("non-finite number %q", s)
	}
	return v, nil
}

type looseInt int

func (i *looseInt) UnmarshalJSON(b []byte) error {
	s := unquote(b)
	if v, err := strconv.Atoi(s); err == nil {
		*i = looseInt(v)
		return nil
	}
	v, err := parseFinite(s)
	if err != nil {
		return fmt.Errorf("not an integer: %s", b)
	}
	*i = looseInt(int(v))
	return nil
}

type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	*s = looseString(unquote(b))
	return nil
}

func unquote(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return string(b)
}
