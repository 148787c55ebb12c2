// Package tracecontext implements W3C Trace Context extraction, ID
// generation, and header injection: full parse/generate semantics with
// non-zero, cryptographically random IDs rather than just forwarding an
// opaque string.
package tracecontext

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const (
	traceIDHexLen = 32
	spanIDHexLen  = 16
	version       = "00"
)

// Context is the derived trace identity for one captured span: never
// stored beyond the owning stream's lifetime.
type Context struct {
	TraceID    string // 32 lowercase hex chars
	SpanID     string // 16 lowercase hex chars
	ParentID   string // 16 lowercase hex chars, empty if this hop started the trace
	Flags      byte
	TraceState string
}

// Extract parses an inbound traceparent/tracestate pair. A missing or
// malformed traceparent yields a fresh trace: the filter never rejects the request over a
// bad header, it just mints new IDs.
func Extract(traceparent, tracestate string) Context {
	parsed, ok := Parse(traceparent)
	if !ok {
		return Context{
			TraceID:    newHexID(16),
			SpanID:     newHexID(8),
			Flags:      0,
			TraceState: tracestate,
		}
	}
	return Context{
		TraceID:    parsed.TraceID,
		SpanID:     newHexID(8),
		ParentID:   parsed.SpanID,
		Flags:      parsed.Flags,
		TraceState: tracestate,
	}
}

// Parse decodes a traceparent header value. It accepts exactly the
// "00-<32hex>-<16hex>-<2hex>" shape; any other version or malformed field
// is rejected (ok=false) rather than guessed at.
func Parse(traceparent string) (Context, bool) {
	if len(traceparent) != len(version)+1+traceIDHexLen+1+spanIDHexLen+1+2 {
		return Context{}, false
	}
	if traceparent[2] != '-' || traceparent[2+1+traceIDHexLen] != '-' || traceparent[2+1+traceIDHexLen+1+spanIDHexLen] != '-' {
		return Context{}, false
	}
	if traceparent[:2] != version {
		return Context{}, false
	}

	traceID := traceparent[3 : 3+traceIDHexLen]
	spanID := traceparent[3+traceIDHexLen+1 : 3+traceIDHexLen+1+spanIDHexLen]
	flagsHex := traceparent[len(traceparent)-2:]

	if !isLowerHex(traceID) || !isLowerHex(spanID) || !isLowerHex(flagsHex) {
		return Context{}, false
	}
	if isAllZero(traceID) || isAllZero(spanID) {
		return Context{}, false
	}

	flagsBytes, err := hex.DecodeString(flagsHex)
	if err != nil || len(flagsBytes) != 1 {
		return Context{}, false
	}

	return Context{TraceID: traceID, SpanID: spanID, Flags: flagsBytes[0]}, true
}

// TraceParent renders the W3C traceparent header value for this context,
// always stamping the current hop's span ID.
func (c Context) TraceParent() string {
	return fmt.Sprintf("%s-%s-%s-%02x", version, c.TraceID, c.SpanID, c.Flags)
}

func isLowerHex(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

func isAllZero(hexStr string) bool {
	for _, r := range hexStr {
		if r != '0' {
			return false
		}
	}
	return true
}

func newHexID(numBytes int) string {
	buf := make([]byte, numBytes)
	for {
		if _, err := rand.Read(buf); err != nil {
			continue
		}
		if !isAllZeroBytes(buf) {
			return hex.EncodeToString(buf)
		}
	}
}

func isAllZeroBytes(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}
	return true
}
