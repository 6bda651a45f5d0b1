package protocol

import (
	"fmt"
	"strings"
)

// FormatStatus renders a snapshot as a short multi-line summary:
//
//	Xonotic      0.8.6        My Server
//	3/16 (1 bots)
//	stormkeep
//	Players:
//	10 5 Player1
func FormatStatus(s *StatusSnapshot) string {
	if s == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%-12s %-12s %-12s\n", s.GameName, s.GameVersion, StripColors(s.HostName))
	fmt.Fprintf(&b, "%d/%d (%d bots)\n", s.ClientCount, s.MaxClients, s.BotCount)
	fmt.Fprintf(&b, "%s\n", s.MapName)
	b.WriteString("Players:\n")
	for _, p := range s.Players {
		fmt.Fprintf(&b, "%d %d %s\n", p.Score, p.Ping, StripColors(p.Name))
	}
	return b.String()
}
