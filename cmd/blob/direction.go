package main

import (
	"fmt"
	"strings"
)

// Direction is the transfer direction between the local disk and the bucket.
type Direction int

const (
	Upload Direction = iota + 1
	Download
)

func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection accepts upload, u, download or d in any case.
func ParseDirection(s string) (Direction, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "upload", "u":
		return Upload, true
	case "download", "d":
		return Download, true
	}
	return 0, false
}
