package protocol

import (
	"bytes"
	"fmt"
)

// PacketBuilder constructs out-of-band datagrams.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a PacketBuilder with the marker already written.
func NewPacketBuilder() *PacketBuilder {
	b := &PacketBuilder{}
	b.buf.Write(Marker[:])
	return b
}

// Reset clears the builder and writes a fresh marker.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
	b.buf.Write(Marker[:])
}

// WriteCommand writes the command token.
func (b *PacketBuilder) WriteCommand(cmd string) *PacketBuilder {
	b.buf.WriteString(cmd)
	return b
}

// WriteArg writes a space followed by arg.
func (b *PacketBuilder) WriteArg(arg string) *PacketBuilder {
	b.buf.WriteByte(' ')
	b.buf.WriteString(arg)
	return b
}

// Build returns the constructed datagram.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the current size of the datagram being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a printable dump of the datagram for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %q", len(data), data[MarkerSize:])
}

// Encode builds marker ++ command ++ (" " ++ arg)*.
func Encode(command string, args ...string) []byte {
	b := NewPacketBuilder()
	b.WriteCommand(command)
	for _, a := range args {
		b.WriteArg(a)
	}
	return b.Build()
}

// BuildGetChallenge creates a challenge request.
func BuildGetChallenge() []byte {
	return Encode(CmdGetChallenge)
}

// BuildGetStatus creates a status request.
func BuildGetStatus() []byte {
	return Encode(CmdGetStatus)
}

// BuildRcon creates an authenticated console command.
// Format: rcon <password> <challenge> <command>
func BuildRcon(password, challenge, command string) []byte {
	return Encode(CmdRcon, password, challenge, command)
}

// RedactRcon returns a printable form of an rcon datagram with the password
// masked. Non-rcon datagrams are returned as their printable payload.
func RedactRcon(pkt []byte) string {
	if len(pkt) < MarkerSize {
		return ""
	}
	payload := string(pkt[MarkerSize:])
	prefix := CmdRcon + " "
	if len(payload) <= len(prefix) || payload[:len(prefix)] != prefix {
		return payload
	}
	rest := payload[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == ' ' {
			return prefix + "****" + rest[i:]
		}
	}
	return prefix + "****"
}
