package api

import (
	"github.com/h2non/filetype"
)

// filetype needs at most the first 262 bytes to recognise a format.
const sniffLen = 262

// detectType returns the MIME type of a blob from its first bytes.
func detectType(head []byte) string {
	kind, err := filetype.Match(head)
	if err != nil || kind == filetype.Unknown {
		return "application/octet-stream"
	}
	return kind.MIME.Value
}
