package app

import "strings"

// NameFromURL derives an application name from its repository URL: a
// trailing path separator and a trailing .git suffix (case insensitive) are
// stripped, then the segment after the last / or \ is taken.
func NameFromURL(gitURL string) string {
	name := strings.TrimSuffix(gitURL, "/")
	if strings.HasSuffix(strings.ToLower(name), ".git") {
		name = name[:len(name)-len(".git")]
	}
	slash := strings.LastIndex(name, "/")
	backslash := strings.LastIndex(name, "\\")
	if backslash > slash {
		slash = backslash
	}
	return name[slash+1:]
}
