package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strconv"
)

// maxAttrs bounds the attributes copied into a ring entry.
const maxAttrs = 4

// Handler is a slog.Handler that writes text records to w and keeps
// records at MinLevel and above in a Ring.
type Handler struct {
	text  slog.Handler
	ring  *Ring
	min   slog.Level
	attrs []slog.Attr
	group string
}

// NewHandler returns a handler writing to w (typically the serial console)
// and recording into ring. Records below slog.LevelInfo are not retained.
func NewHandler(w io.Writer, ring *Ring, opts *slog.HandlerOptions) *Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &Handler{
		text: slog.NewTextHandler(w, opts),
		ring: ring,
		min:  slog.LevelInfo,
	}
}

// Enabled reports whether the text handler accepts level.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.text.Enabled(ctx, level)
}

// Handle writes r to the console and, at Info and above, to the ring.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	err := h.text.Handle(ctx, r)
	if h.ring != nil && r.Level >= h.min {
		var buf [bodySize]byte
		msg := appendRecord(buf[:0], h.group, h.attrs, r)
		h.ring.Add(r.Time, r.Level, string(msg))
	}
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h2 := *h
	h2.text = h.text.WithAttrs(attrs)
	h2.attrs = append(h.attrs[:len(h.attrs):len(h.attrs)], attrs...)
	return &h2
}

func (h *Handler) WithGroup(name string) slog.Handler {
	h2 := *h
	h2.text = h.text.WithGroup(name)
	if h.group != "" {
		name = h.group + "." + name
	}
	h2.group = name
	return &h2
}

// appendRecord formats "[group:]msg key=val ..." into dst without growing it
// past its capacity.
func appendRecord(dst []byte, group string, attrs []slog.Attr, r slog.Record) []byte {
	if group != "" {
		dst = appendBounded(dst, group)
		dst = appendBounded(dst, ":")
	}
	dst = appendBounded(dst, r.Message)
	n := 0
	add := func(a slog.Attr) bool {
		if n == maxAttrs || len(dst) >= cap(dst)-1 {
			return false
		}
		dst = appendBounded(dst, " ")
		dst = appendBounded(dst, a.Key)
		dst = appendBounded(dst, "=")
		dst = appendValue(dst, a.Value)
		n++
		return true
	}
	for _, a := range attrs {
		if !add(a) {
			return dst
		}
	}
	r.Attrs(add)
	return dst
}

func appendValue(dst []byte, v slog.Value) []byte {
	var scratch [24]byte
	switch v.Kind() {
	case slog.KindString:
		return appendBounded(dst, v.String())
	case slog.KindInt64:
		return appendBounded(dst, string(strconv.AppendInt(scratch[:0], v.Int64(), 10)))
	case slog.KindUint64:
		return appendBounded(dst, string(strconv.AppendUint(scratch[:0], v.Uint64(), 10)))
	case slog.KindBool:
		return appendBounded(dst, strconv.FormatBool(v.Bool()))
	case slog.KindDuration:
		return appendBounded(dst, v.Duration().String())
	default:
		return appendBounded(dst, "?")
	}
}

func appendBounded(dst []byte, s string) []byte {
	if room := cap(dst) - len(dst); len(s) > room {
		s = s[:room]
	}
	return append(dst, s...)
}
