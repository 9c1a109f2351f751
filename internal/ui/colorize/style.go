// Package colorize highlights disassembly, addresses and trace tags for
// terminal output.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
)

// Theme colors
const (
	ColorAddress  = "#FFC800" // yellow
	ColorMnemonic = "#FFFFFF"
	ColorRegister = "#87CEEB" // light blue
	ColorNumber   = "#FF80C0" // pink
	ColorComment  = "#FF8000" // orange
	ColorDetail   = "#B4B4B4" // light gray
	ColorBorder   = "#505050"
	ColorHeader   = "#569CD6" // blue
	ColorTag      = "#FFB4C8"
	ColorError    = "#FF5050"
	ColorOK       = "#50C878"
)

// LiftDark is the chroma style for instruction text.
var LiftDark = styles.Register(chroma.MustNewStyle("memlift-dark", chroma.StyleEntries{
	chroma.Text:           ColorMnemonic,
	chroma.Background:     "bg:#000000",
	chroma.Comment:        ColorComment,
	chroma.CommentPreproc: ColorComment,

	chroma.Keyword:       ColorMnemonic,
	chroma.KeywordPseudo: ColorMnemonic,
	chroma.Name:          ColorRegister,
	chroma.NameBuiltin:   ColorRegister,
	chroma.NameVariable:  ColorRegister,

	chroma.LiteralNumber:        ColorNumber,
	chroma.LiteralNumberHex:     ColorNumber,
	chroma.LiteralNumberInteger: ColorNumber,

	chroma.NameLabel:    ColorAddress,
	chroma.NameFunction: ColorMnemonic,

	chroma.Operator:    ColorMnemonic,
	chroma.Punctuation: ColorMnemonic,
	chroma.String:      ColorOK,
}))

func fg(c string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(c))
}

var (
	addressStyle = fg(ColorAddress)
	detailStyle  = fg(ColorDetail)
	borderStyle  = fg(ColorBorder)
	headerStyle  = fg(ColorHeader).Bold(true)
	tagStyle     = fg(ColorTag)
	errorStyle   = fg(ColorError)
	okStyle      = fg(ColorOK)
	numberStyle  = fg(ColorNumber)
)
