package lut

import (
	"fmt"
	"io"
)

// Print writes a human readable dump of the table. With all set, empty
// entries are listed too.
func (t *Table) Print(w io.Writer, all bool) {
	fmt.Fprintf(w, "LUT (unit %d bytes)\r\n", t.Unit)
	for s := Slot(0); s < NumSlots; s++ {
		e := &t.Entries[s]
		if e.Count == 0 && !all {
			continue
		}
		fmt.Fprintf(w, "  %-2d %-13s", uint8(s), s)
		if e.Secure {
			fmt.Fprint(w, " secure")
		}
		if e.Count == 0 {
			fmt.Fprint(w, " -\r\n")
			continue
		}
		for i := 0; i < int(e.Count) && i < MaxRanges; i++ {
			r := e.Ranges[i]
			start := uint32(r.Start) * t.Unit
			fmt.Fprintf(w, " [0x%08x-0x%08x)", start, start+uint32(r.Count)*t.Unit)
		}
		fmt.Fprint(w, "\r\n")
	}
}
