package report

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/imatrix-iot/iMatrix-sub000/ota"
)

var jsonHandle codec.JsonHandle

// Payload is the JSON document published on the status topic.
type Payload struct {
	State      string `codec:"state"`
	Latest     string `codec:"latest"`
	Slot       string `codec:"slot,omitempty"`
	Site       string `codec:"site,omitempty"`
	URI        string `codec:"uri,omitempty"`
	Received   uint32 `codec:"received"`
	Total      uint32 `codec:"total"`
	GoodLoad   bool   `codec:"good_load"`
	CRC        string `codec:"crc,omitempty"`
	GoodLatest bool   `codec:"good_latest"`
	UpToDate   bool   `codec:"up_to_date"`
	Found      string `codec:"found,omitempty"`
	Running    string `codec:"running"`
	Error      string `codec:"error,omitempty"`
}

// NewPayload summarizes st for publishing.
func NewPayload(st ota.Status, running string) Payload {
	p := Payload{
		State:      st.State.String(),
		Latest:     st.Latest.String(),
		Received:   st.Received,
		Total:      st.Total,
		GoodLoad:   st.GoodLoad,
		GoodLatest: st.GoodLatest,
		UpToDate:   st.UpToDate,
		Found:      st.Metadata.Version,
		Running:    running,
	}
	if st.Target.Site != "" {
		p.Slot = st.Target.Slot.String()
		p.Site = st.Target.Site
		p.URI = st.Target.URI
	}
	if st.GoodLoad {
		p.CRC = fmt.Sprintf("%08x", st.CRC)
	}
	switch {
	case st.Err != nil:
		p.Error = st.Err.Error()
	case st.LatestErr != nil:
		p.Error = st.LatestErr.Error()
	}
	return p
}

// Marshal encodes p as JSON.
func (p Payload) Marshal() ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, &jsonHandle).Encode(p); err != nil {
		return nil, fmt.Errorf("report: encode status: %w", err)
	}
	return b, nil
}

// CommandKind is a remote request.
type CommandKind uint8

const (
	_ CommandKind = iota
	// CmdCheck starts version discovery. Arg names the image type.
	CmdCheck
	// CmdStatus asks for a status publish.
	CmdStatus
	// CmdAbort drops any transfer in progress.
	CmdAbort
)

var commandNames = [...]string{
	CmdCheck:  "check",
	CmdStatus: "status",
	CmdAbort:  "abort",
}

func (k CommandKind) String() string {
	if int(k) < len(commandNames) && commandNames[k] != "" {
		return commandNames[k]
	}
	return fmt.Sprintf("CommandKind(%d)", uint8(k))
}

// Command is one message from the command topic.
type Command struct {
	Kind CommandKind
	Arg  string
}

// ParseCommand decodes "<name> [arg]".
func ParseCommand(b []byte) (Command, error) {
	b = bytes.TrimSpace(b)
	name, arg, _ := bytes.Cut(b, []byte{' '})
	for k, n := range commandNames {
		if n != "" && string(name) == n {
			return Command{Kind: CommandKind(k), Arg: string(bytes.TrimSpace(arg))}, nil
		}
	}
	return Command{}, fmt.Errorf("report: unknown command %q", name)
}
