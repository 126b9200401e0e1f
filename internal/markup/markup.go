// Package markup sanitizes remote text for the conversation log, which is
// rendered as HTML-like markup.
package markup

import (
	"html"
	"strings"
)

// Escape escapes markup-significant characters.
func Escape(s string) string {
	return html.EscapeString(s)
}

// Attr escapes a value for use inside a single-quoted attribute.
func Attr(s string) string {
	return html.EscapeString(s)
}

// Clean escapes a message body and then replaces emoji with their text
// smileys. Replacements are already escaped so they are safe to apply after
// Escape.
func Clean(body string) string {
	return emojiReplacer.Replace(Escape(body))
}

// Replacement values must be valid escaped markup.
var emojiReplacer = strings.NewReplacer(
	"\U0001F60A", ":-)",
	"\U0001F603", ":-D",
	"\U0001F609", ";-)",
	"\U0001F606", "xD",
	"\U0001F61C", ";-P",
	"\U0001F60B", ":-p",
	"\U0001F60D", "8-)",
	"\U0001F60E", "B-)",
	"\U0001F612", ":-(",
	"\U0001F60F", ";-]",
	"\U0001F614", "3(",
	"\U0001F622", ":'(",
	"\U0001F62D", ":_(",
	"\U0001F629", ":((",
	"\U0001F628", ":o",
	"\U0001F610", ":|",
	"\U0001F60C", "3-)",
	"\U0001F620", "&gt;(",
	"\U0001F621", "&gt;((",
	"\U0001F607", "O:)",
	"\U0001F630", ";o",
	"\U0001F633", "8|",
	"\U0001F632", "8o",
	"\U0001F637", ":X",
	"\U0001F61A", ":-*",
	"\U0001F608", "}:)",
	"❤️", "&lt;3",
	"❤", "&lt;3",
	"\U0001F44D", ":like:",
	"\U0001F44E", ":dislike:",
	"☝", ":+1:",
	"✌", ":v:",
)
