package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// DecodeError reports a datagram that could not be classified at all.
// Peers are untrusted, so callers log and discard these.
type DecodeError struct {
	Reason string
	Size   int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed datagram (%d bytes): %s", e.Size, e.Reason)
}

// Decode classifies a raw datagram. Unknown leading tokens are not errors:
// they come back as raw broadcasts.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < MarkerSize {
		return nil, &DecodeError{Reason: "shorter than marker", Size: len(raw)}
	}
	if !bytes.Equal(raw[:MarkerSize], Marker[:]) {
		return nil, &DecodeError{Reason: "missing out-of-band marker", Size: len(raw)}
	}

	payload := string(raw[MarkerSize:])
	if strings.TrimRight(payload, "\x00") == "" {
		return nil, &DecodeError{Reason: "empty payload", Size: len(raw)}
	}

	token := leadingToken(payload)

	switch token {
	case ReplyChallenge:
		challenge := leadingToken(strings.TrimLeft(payload[len(token):], " "))
		if challenge == "" {
			return nil, &DecodeError{Reason: "challenge reply without token", Size: len(raw)}
		}
		return &Message{Kind: KindChallenge, Command: token, Challenge: challenge}, nil

	case ReplyStatus:
		return &Message{Kind: KindStatus, Command: token, Status: ParseStatus(payload[len(token):])}, nil

	case ReplyPrint:
		text := strings.TrimPrefix(payload[len(token):], "\n")
		return newBroadcast(token, BroadcastPrint, text), nil
	}

	if isLogLine(payload) {
		return newBroadcast(string(replyLog), BroadcastLog, payload[1:]), nil
	}

	return newBroadcast(token, BroadcastRaw, payload), nil
}

func newBroadcast(cmd string, kind BroadcastKind, text string) *Message {
	return &Message{
		Kind:    KindBroadcast,
		Command: cmd,
		Broadcast: Broadcast{
			Kind: kind,
			Text: strings.TrimRight(text, "\x00\r\n"),
		},
	}
}

// isLogLine reports a log_dest_udp datagram: the 'n' prefix followed by
// whole console lines. Anything else starting with 'n' is an unknown reply.
func isLogLine(payload string) bool {
	return payload[0] == replyLog && strings.HasSuffix(strings.TrimRight(payload, "\x00"), "\n")
}

// leadingToken returns s up to the first space, newline or NUL.
func leadingToken(s string) string {
	if i := strings.IndexAny(s, " \t\r\n\x00"); i >= 0 {
		return s[:i]
	}
	return s
}

// ParseStatus parses the body following the statusResponse token:
//
//	\key\value\key\value...
//	score ping ["team"] "name"
//	...
//
// Parsing never fails. Rows that do not parse are skipped and a body with
// no player block yields an empty player list.
func ParseStatus(body string) *StatusSnapshot {
	snap := &StatusSnapshot{
		Players: []PlayerRow{},
		Info:    make(map[string]string),
	}

	lines := strings.Split(strings.TrimLeft(body, "\r\n"), "\n")
	if len(lines) == 0 {
		return snap
	}

	parseInfo(strings.TrimRight(lines[0], "\r\x00"), snap.Info)

	snap.GameName = snap.Info[KeyGameName]
	snap.GameVersion = snap.Info[KeyGameVersion]
	snap.HostName = snap.Info[KeyHostName]
	snap.MapName = snap.Info[KeyMapName]
	snap.ClientCount = atoiOrZero(snap.Info[KeyClients])
	snap.MaxClients = atoiOrZero(snap.Info[KeyMaxClients])
	snap.BotCount = atoiOrZero(snap.Info[KeyBots])

	for _, line := range lines[1:] {
		line = strings.TrimRight(line, "\r\x00")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if row, ok := parsePlayerRow(line); ok {
			snap.Players = append(snap.Players, row)
		}
	}

	return snap
}

// parseInfo reads a backslash-delimited key/value line into info. A trailing
// key without value is ignored.
func parseInfo(line string, info map[string]string) {
	line = strings.TrimPrefix(line, `\`)
	if line == "" {
		return
	}
	parts := strings.Split(line, `\`)
	for i := 0; i+1 < len(parts); i += 2 {
		if parts[i] == "" {
			continue
		}
		info[parts[i]] = parts[i+1]
	}
}

// parsePlayerRow parses `score ping "name"` or `score ping team "name"`.
func parsePlayerRow(line string) (PlayerRow, bool) {
	open := strings.IndexByte(line, '"')
	closing := strings.LastIndexByte(line, '"')
	if open < 0 || closing <= open {
		return PlayerRow{}, false
	}

	fields := strings.Fields(line[:open])
	if len(fields) != 2 && len(fields) != 3 {
		return PlayerRow{}, false
	}

	nums := make([]int, len(fields))
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			return PlayerRow{}, false
		}
		nums[i] = n
	}

	row := PlayerRow{
		Score: nums[0],
		Ping:  nums[1],
		Name:  line[open+1 : closing],
	}
	if len(nums) == 3 {
		row.Team = nums[2]
	}
	return row, true
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
