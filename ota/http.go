package ota

import (
	"bytes"
	"strconv"
)

var (
	crlf         = []byte("\r\n")
	headerTerm   = []byte("\r\n\r\n")
	httpVersion  = []byte("HTTP/1.")
	hdrLength    = []byte("Content-Length")
	hdrRanges    = []byte("Accept-Ranges")
	hdrRange     = []byte("Content-Range")
	rangeUnit    = []byte("bytes")
	rangeUnitSep = []byte("bytes ")
)

// response is the part of an HTTP/1.x response header the engine uses.
type response struct {
	status        int
	contentLength int64 // -1 when absent
	acceptRanges  bool
	rangeStart    int64 // -1 when absent
	rangeEnd      int64
	rangeSize     int64 // -1 when the server sent "*"
}

// headerEnd returns the offset of the first body byte in b, or -1 if the
// blank line terminating the header has not been seen yet.
func headerEnd(b []byte) int {
	i := bytes.Index(b, headerTerm)
	if i < 0 {
		return -1
	}
	return i + len(headerTerm)
}

// parseResponse parses a header up to and including the blank line.
func parseResponse(hdr []byte) (response, error) {
	r := response{contentLength: -1, rangeStart: -1, rangeSize: -1}
	line, rest, _ := bytes.Cut(hdr, crlf)
	if !bytes.HasPrefix(line, httpVersion) {
		return r, ErrHeader
	}
	_, code, ok := bytes.Cut(line, []byte{' '})
	if !ok || len(code) < 3 {
		return r, ErrHeader
	}
	status, err := strconv.Atoi(string(code[:3]))
	if err != nil {
		return r, ErrHeader
	}
	r.status = status

	for len(rest) > 0 {
		line, rest, _ = bytes.Cut(rest, crlf)
		if len(line) == 0 {
			break
		}
		name, value, ok := bytes.Cut(line, []byte{':'})
		if !ok {
			continue
		}
		name = bytes.TrimSpace(name)
		value = bytes.TrimSpace(value)
		switch {
		case bytes.EqualFold(name, hdrLength):
			n, err := strconv.ParseInt(string(value), 10, 64)
			if err != nil || n < 0 {
				return r, ErrHeader
			}
			r.contentLength = n
		case bytes.EqualFold(name, hdrRanges):
			r.acceptRanges = bytes.EqualFold(value, rangeUnit)
		case bytes.EqualFold(name, hdrRange):
			if err := r.parseContentRange(value); err != nil {
				return r, err
			}
		}
	}
	return r, nil
}

// parseContentRange handles "bytes first-last/size" and "bytes first-last/*".
func (r *response) parseContentRange(v []byte) error {
	if len(v) < len(rangeUnitSep) || !bytes.EqualFold(v[:len(rangeUnitSep)], rangeUnitSep) {
		return ErrHeader
	}
	v = v[len(rangeUnitSep):]
	span, size, ok := bytes.Cut(v, []byte{'/'})
	if !ok {
		return ErrHeader
	}
	first, last, ok := bytes.Cut(span, []byte{'-'})
	if !ok {
		return ErrHeader
	}
	var err error
	if r.rangeStart, err = strconv.ParseInt(string(first), 10, 64); err != nil {
		return ErrHeader
	}
	if r.rangeEnd, err = strconv.ParseInt(string(last), 10, 64); err != nil {
		return ErrHeader
	}
	if !bytes.Equal(size, []byte{'*'}) {
		if r.rangeSize, err = strconv.ParseInt(string(size), 10, 64); err != nil {
			return ErrHeader
		}
	}
	return nil
}

// appendRequest formats a GET for uri on host. The Host header carries the
// port unless it is 80. With ranged set it asks for bytes start through end.
func appendRequest(dst []byte, host string, port uint16, uri string, ranged bool, start, end uint32) []byte {
	dst = append(dst, "GET "...)
	if len(uri) == 0 || uri[0] != '/' {
		dst = append(dst, '/')
	}
	dst = append(dst, uri...)
	dst = append(dst, " HTTP/1.1\r\nHost: "...)
	dst = append(dst, host...)
	if port != 0 && port != 80 {
		dst = append(dst, ':')
		dst = strconv.AppendUint(dst, uint64(port), 10)
	}
	if ranged {
		dst = append(dst, "\r\nRange: bytes="...)
		dst = strconv.AppendUint(dst, uint64(start), 10)
		dst = append(dst, '-')
		dst = strconv.AppendUint(dst, uint64(end), 10)
	}
	dst = append(dst, "\r\nConnection: close\r\n\r\n"...)
	return dst
}

// jsonObject returns the first complete top-level {...} in body. Braces
// inside JSON strings do not count. ok is false until the object closes.
func jsonObject(body []byte) (obj []byte, ok bool) {
	open := bytes.IndexByte(body, '{')
	if open < 0 {
		return nil, false
	}
	depth := 0
	inString, escaped := false, false
	for i := open; i < len(body); i++ {
		b := body[i]
		switch {
		case escaped:
			escaped = false
		case inString:
			switch b {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
		case b == '"':
			inString = true
		case b == '{':
			depth++
		case b == '}':
			depth--
			if depth == 0 {
				return body[open : i+1], true
			}
		}
	}
	return nil, false
}
