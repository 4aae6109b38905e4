package bigip

import "strings"

// Quote wraps s in single quotes for a POSIX shell, escaping embedded
// single quotes.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`, "`", "\\`")

// QuotePath wraps a remote path in double quotes. Shell.Run already
// single-quotes the whole command, so paths inside it use double quotes.
func QuotePath(p string) string {
	return `"` + pathEscaper.Replace(p) + `"`
}
