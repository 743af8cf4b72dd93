package sandbox

import (
	"encoding/binary"
	"strings"

	"github.com/docker/docker/pkg/stdcopy"
)

const frameHeaderLen = 8

// Demux splits a multiplexed attach stream into stdout and stderr.
//
// Each frame is [tag, 0, 0, 0, size uint32 big endian] followed by size bytes.
// Parsing stops at the first header that is short or carries an unknown tag.
// A frame whose payload is cut off contributes the bytes that are present.
func Demux(raw []byte) (stdout, stderr []byte) {
	pos := 0
	for len(raw)-pos >= frameHeaderLen {
		header := raw[pos : pos+frameHeaderLen]
		size := int(binary.BigEndian.Uint32(header[4:frameHeaderLen]))
		pos += frameHeaderLen

		end := pos + size
		if end > len(raw) || end < pos {
			end = len(raw)
		}
		payload := raw[pos:end]

		switch stdcopy.StdType(header[0]) {
		case stdcopy.Stdin, stdcopy.Stdout:
			stdout = append(stdout, payload...)
		case stdcopy.Stderr, stdcopy.Systemerr:
			stderr = append(stderr, payload...)
		default:
			return stdout, stderr
		}
		pos = end
	}
	return stdout, stderr
}

// normalizeText right-trims whitespace and keeps one trailing newline when
// the stream ended with one.
func normalizeText(b []byte) string {
	s := string(b)
	trimmed := strings.TrimRight(s, " \t\r\n")
	if trimmed == "" {
		return ""
	}
	if strings.HasSuffix(s, "\n") {
		return trimmed + "\n"
	}
	return trimmed
}
