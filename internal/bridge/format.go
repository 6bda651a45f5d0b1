package bridge

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrMessageTooLong is returned by Say when the text exceeds the relay limit.
var ErrMessageTooLong = errors.New("message too long")

// Author identifies who wrote a relayed message outside the game.
type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FormatSay builds the console command that shows text in game, e.g.
//
//	discordsay "<1234>:[alice]: hello"
//
// Length is measured in characters of text alone; maxLen <= 0 disables it.
func FormatSay(sayCommand string, author Author, text string, maxLen int) (string, error) {
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		return "", fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLong, utf8.RuneCountInString(text), maxLen)
	}

	line := fmt.Sprintf("<%s>:[%s]: %s", author.ID, author.Name, text)
	return sayCommand + ` "` + quoteConsole(line) + `"`, nil
}

// consoleEscaper makes text safe inside a double-quoted console argument.
// Line breaks would end the command and $ would expand cvars.
var consoleEscaper = strings.NewReplacer(
	"\\", "\\\\",
	`"`, `\"`,
	"$", "$$",
	"\r", " ",
	"\n", " ",
	"\x00", "",
)

func quoteConsole(s string) string {
	return consoleEscaper.Replace(s)
}

// FormatInbound renders a game broadcast for a markdown chat channel.
func FormatInbound(text string) string {
	return "`" + strings.ReplaceAll(text, "`", "'") + "`"
}
