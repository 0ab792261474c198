package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.bug.st/serial"
)

var (
	monitorBaudFlag   int
	monitorFilterFlag string
)

func newMonitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor [port]",
		Short: "Print the device log from its USB serial port",
		Long: `Print log lines from the device's USB serial port. Without a port the
only available one is used. --filter keeps lines containing the given text,
e.g. --filter ota: for the engine's events.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runMonitor,
	}
	cmd.Flags().IntVarP(&monitorBaudFlag, "baud", "b", 115200, "Baud rate")
	cmd.Flags().StringVarP(&monitorFilterFlag, "filter", "f", "", "Only print lines containing this text")
	return cmd
}

func runMonitor(cmd *cobra.Command, args []string) error {
	portName := ""
	if len(args) == 1 {
		portName = args[0]
	} else {
		ports, err := serial.GetPortsList()
		if err != nil {
			return err
		}
		switch len(ports) {
		case 0:
			return fmt.Errorf("no serial ports found")
		case 1:
			portName = ports[0]
		default:
			return fmt.Errorf("several serial ports found, pick one: %s", strings.Join(ports, ", "))
		}
	}

	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: monitorBaudFlag,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return fmt.Errorf("failed to open port %s: %w", portName, err)
	}
	defer port.Close()

	// A zero read means the timeout fired; the port stays open.
	if err := port.SetReadTimeout(500 * time.Millisecond); err != nil {
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Monitoring %s @ %d baud, Ctrl+C to exit\n", portName, monitorBaudFlag)
	return copyLines(cmd.OutOrStdout(), port, monitorFilterFlag)
}

// copyLines copies lines from r to w, keeping those that contain filter.
func copyLines(w io.Writer, r io.Reader, filter string) error {
	sc := bufio.NewScanner(timeoutReader{r})
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if filter != "" && !strings.Contains(line, filter) {
			continue
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// timeoutReader retries zero-length reads, which go.bug.st/serial returns
// when its read timeout elapses.
type timeoutReader struct{ r io.Reader }

func (t timeoutReader) Read(p []byte) (int, error) {
	for {
		n, err := t.r.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
	}
}
