// Package protocol implements the out-of-band packet codec used by Xonotic
// (DarkPlaces) game servers. Every control datagram starts with a 4-byte
// 0xFFFFFFFF marker followed by an ASCII command line. There is no length
// prefix and no message id; replies are classified by their leading token.
package protocol

// Marker prefixes every out-of-band datagram.
var Marker = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}

// MarkerSize is the size of the out-of-band marker in bytes.
const MarkerSize = len(Marker)

// MaxDatagramSize is the largest datagram the codec will read.
const MaxDatagramSize = 65535

// Outgoing request commands.
const (
	CmdGetChallenge = "getchallenge"
	CmdGetStatus    = "getstatus"
	CmdRcon         = "rcon"
)

// Leading tokens of server replies.
const (
	ReplyChallenge = "challenge"
	ReplyStatus    = "statusResponse"
	ReplyPrint     = "print"

	// replyLog is the single-byte prefix DarkPlaces puts in front of
	// log_dest_udp lines (chat, kills, server messages). Those datagrams
	// always carry complete, newline-terminated lines.
	replyLog = 'n'
)

// Status info keys read into StatusSnapshot fields.
const (
	KeyGameName    = "gamename"
	KeyGameVersion = "gameversion"
	KeyHostName    = "hostname"
	KeyMapName     = "mapname"
	KeyClients     = "clients"
	KeyMaxClients  = "sv_maxclients"
	KeyBots        = "bots"
)

// Kind classifies a decoded datagram.
type Kind int

const (
	KindBroadcast Kind = iota
	KindChallenge
	KindStatus
)

var kindStrings = map[Kind]string{
	KindBroadcast: "broadcast",
	KindChallenge: "challenge",
	KindStatus:    "status",
}

// String returns the string representation of Kind.
func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// BroadcastKind tells where unsolicited text came from.
type BroadcastKind string

const (
	BroadcastPrint BroadcastKind = "print" // console output, usually in reply to rcon
	BroadcastLog   BroadcastKind = "log"   // log_dest_udp stream (chat)
	BroadcastRaw   BroadcastKind = "raw"   // unrecognized leading token
)

// Broadcast is free-form text pushed by the server.
type Broadcast struct {
	Kind BroadcastKind `json:"kind"`
	Text string        `json:"text"`
}

// Message is a decoded out-of-band datagram. Exactly one of Challenge,
// Status or Broadcast is meaningful, selected by Kind.
type Message struct {
	Kind      Kind
	Command   string
	Challenge string
	Status    *StatusSnapshot
	Broadcast Broadcast
}

// StatusSnapshot is the parsed body of a statusResponse.
type StatusSnapshot struct {
	GameName    string            `json:"game_name"`
	GameVersion string            `json:"game_version"`
	HostName    string            `json:"host_name"`
	MapName     string            `json:"map_name"`
	ClientCount int               `json:"client_count"`
	MaxClients  int               `json:"max_clients"`
	BotCount    int               `json:"bot_count"`
	Players     []PlayerRow       `json:"players"`
	Info        map[string]string `json:"info"`
}

// PlayerRow is one player line of a statusResponse. Team is zero when the
// server does not report teams.
type PlayerRow struct {
	Score int    `json:"score"`
	Ping  int    `json:"ping"`
	Team  int    `json:"team,omitempty"`
	Name  string `json:"name"`
}
