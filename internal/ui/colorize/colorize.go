package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/charmbracelet/lipgloss"
)

// lexerFor picks an assembly lexer for the architecture, with fallbacks.
func lexerFor(archName string) chroma.Lexer {
	candidates := []string{"gas", "nasm"}
	if archName == "arm64" {
		candidates = []string{"armasm", "gas"}
	}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// terminalFormatter returns an appropriate terminal formatter
func terminalFormatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("MEMLIFT_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func render(s lipgloss.Style, text string) string {
	if IsDisabled() {
		return text
	}
	return s.Render(text)
}

// Instruction highlights one instruction's text.
func Instruction(archName, insn string) string {
	if IsDisabled() {
		return insn
	}
	lexer := lexerFor(archName)
	if lexer == nil {
		return insn
	}
	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := terminalFormatter().Format(&buf, LiftDark, iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// Address formats an address in yellow
func Address(addr uint64) string {
	return render(addressStyle, fmt.Sprintf("%08X", addr))
}

// FuncName formats a function or range name
func FuncName(name string) string {
	return render(addressStyle, name)
}

// Tag formats a hashtag
func Tag(tag string) string {
	return render(tagStyle, tag)
}

// Detail formats detail text in light gray
func Detail(detail string) string {
	return render(detailStyle, detail)
}

// HexBytes formats opcode bytes
func HexBytes(s string) string {
	return render(detailStyle, s)
}

// Border formats border characters in dark gray
func Border(s string) string {
	return render(borderStyle, s)
}

// Header formats header text
func Header(s string) string {
	return render(headerStyle, s)
}

// Number formats a count or size
func Number(s string) string {
	return render(numberStyle, s)
}

// Error formats error messages
func Error(s string) string {
	return render(errorStyle, s)
}

// Outcome colors a call outcome: green for return, red for abort.
func Outcome(s string) string {
	switch s {
	case "return":
		return render(okStyle, s)
	case "abort":
		return render(errorStyle, s)
	}
	return render(tagStyle, s)
}

// Perm colors a permission string; executable ranges stand out.
func Perm(s string) string {
	if strings.Contains(s, "x") {
		return render(errorStyle, s)
	}
	return render(detailStyle, s)
}
