package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	consolePort    = "23"
	dialTimeout    = 10 * time.Second
	replyTimeout   = 5 * time.Second
	passwordEnv    = "IMATRIX_PASSWORD"
	consolePrompt  = "> "
	dotEnvFile     = ".env"
	pollInterval   = 500 * time.Millisecond
	loginPromptKey = "password"
)

var (
	consolePortFlag     string
	consolePasswordFlag string
)

var errNoPrompt = errors.New("console: no prompt before timeout")

func newConsoleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "console <ip> [command...]",
		Short: "Run console commands on a device",
		Long: `Open the device's telnet console. With a command, run it once and print
the reply; without, start an interactive session.

The password comes from --password, the ` + passwordEnv + ` environment
variable, a ` + dotEnvFile + ` file in the current directory or an interactive prompt.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dotEnv, err := readDotEnv(dotEnvFile)
			if err != nil {
				return err
			}
			pass := resolvePassword(consolePasswordFlag, envLookup(dotEnv), terminalPrompt(cmd.ErrOrStderr()))
			addr := net.JoinHostPort(args[0], consolePortFlag)
			if len(args) > 1 {
				return runOnce(cmd.OutOrStdout(), addr, pass, strings.Join(args[1:], " "))
			}
			return interactive(cmd.InOrStdin(), cmd.OutOrStdout(), addr, pass)
		},
	}
	cmd.Flags().StringVarP(&consolePortFlag, "port", "p", consolePort, "Console port")
	cmd.Flags().StringVar(&consolePasswordFlag, "password", "", "Console password (or use "+passwordEnv+")")
	return cmd
}

// readDotEnv parses KEY=VALUE lines. A missing file is not an error.
func readDotEnv(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	defer f.Close()

	vars := make(map[string]string)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if n := len(value); n >= 2 && (value[0] == '"' || value[0] == '\'') && value[n-1] == value[0] {
			value = value[1 : n-1]
		}
		vars[strings.TrimSpace(key)] = value
	}
	return vars, sc.Err()
}

// envLookup consults the process environment, then the dotenv values.
func envLookup(dotEnv map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v, true
		}
		v, ok := dotEnv[key]
		return v, ok && v != ""
	}
}

// terminalPrompt asks for the password when stdin is a terminal.
func terminalPrompt(w io.Writer) func() ([]byte, error) {
	return func() ([]byte, error) {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return nil, nil
		}
		fmt.Fprint(w, "Password: ")
		defer fmt.Fprintln(w)
		return term.ReadPassword(fd)
	}
}

// resolvePassword picks the flag, then passwordEnv, then the prompt.
func resolvePassword(flag string, lookup func(string) (string, bool), prompt func() ([]byte, error)) string {
	if flag != "" {
		return flag
	}
	if v, ok := lookup(passwordEnv); ok {
		return v
	}
	if prompt == nil {
		return ""
	}
	p, err := prompt()
	if err != nil {
		return ""
	}
	return string(p)
}

// telnetReader drops IAC command sequences from the device stream. State
// carries across reads so a sequence split between segments is still
// removed. IAC IAC yields a literal 0xFF.
type telnetReader struct {
	r     io.Reader
	state byte
}

const (
	tnData byte = iota
	tnCommand
	tnOption

	tnIAC  = 0xFF
	tnWill = 0xFB
	tnDont = 0xFE
)

func (t *telnetReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	out := 0
	for _, b := range p[:n] {
		switch t.state {
		case tnCommand:
			switch {
			case b == tnIAC:
				p[out] = b
				out++
				t.state = tnData
			case b >= tnWill && b <= tnDont:
				t.state = tnOption
			default:
				t.state = tnData
			}
		case tnOption:
			t.state = tnData
		default:
			if b == tnIAC {
				t.state = tnCommand
				continue
			}
			p[out] = b
			out++
		}
	}
	return out, err
}

// session is a logged-in console connection.
type session struct {
	conn    net.Conn
	in      *telnetReader
	timeout time.Duration
}

func dialSession(addr, password string) (*session, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	s, err := login(conn, password, replyTimeout)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// login answers the password prompt and discards the banner.
func login(conn net.Conn, password string, timeout time.Duration) (*session, error) {
	s := &session{conn: conn, in: &telnetReader{r: conn}, timeout: timeout}
	got, err := s.readUntil(func(acc string) bool {
		return strings.Contains(strings.ToLower(acc), loginPromptKey)
	})
	if err != nil {
		return nil, fmt.Errorf("login prompt: %w (got %q)", err, got)
	}
	if _, err := io.WriteString(conn, password+"\r\n"); err != nil {
		return nil, fmt.Errorf("send password: %w", err)
	}
	if _, err := s.readReply(); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return s, nil
}

// Run sends one command line and returns the reply without the prompt.
func (s *session) Run(line string) (string, error) {
	if _, err := io.WriteString(s.conn, line+"\r\n"); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	out, err := s.readReply()
	return strings.TrimSpace(out), err
}

func (s *session) Close() error { return s.conn.Close() }

func (s *session) readReply() (string, error) {
	out, err := s.readUntil(func(acc string) bool {
		return strings.HasSuffix(acc, consolePrompt)
	})
	return strings.TrimSuffix(out, consolePrompt), err
}

// readUntil accumulates device output until done reports true. It returns
// errNoPrompt when s.timeout passes first.
func (s *session) readUntil(done func(string) bool) (string, error) {
	var acc strings.Builder
	buf := make([]byte, 512)
	deadline := time.Now().Add(s.timeout)
	for time.Now().Before(deadline) {
		s.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := s.in.Read(buf)
		acc.Write(buf[:n])
		if n > 0 && done(acc.String()) {
			return acc.String(), nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		} else if err != nil {
			return acc.String(), err
		}
	}
	return acc.String(), errNoPrompt
}

func runOnce(w io.Writer, addr, password, line string) error {
	s, err := dialSession(addr, password)
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := s.Run(line)
	if out != "" {
		fmt.Fprintln(w, out)
	}
	return err
}

// restarts reports whether line makes the device drop the connection.
func restarts(line string) bool {
	return line == "reboot" || strings.HasPrefix(line, "boot ")
}

func interactive(in io.Reader, w io.Writer, addr, password string) error {
	fmt.Fprintf(w, "Connecting to %s...\n", addr)
	s, err := dialSession(addr, password)
	if err != nil {
		return err
	}
	defer func() { s.Close() }()
	fmt.Fprintln(w, "Connected. Type 'quit' to exit.")

	sc := bufio.NewScanner(in)
	for {
		fmt.Fprint(w, consolePrompt)
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch line {
		case "":
			continue
		case "quit", "exit":
			return nil
		}

		out, err := s.Run(line)
		if out != "" {
			fmt.Fprintln(w, out)
		}
		if err == nil {
			continue
		}
		if restarts(line) {
			fmt.Fprintln(w, "Device is restarting.")
			return nil
		}
		fmt.Fprintf(w, "%v, reconnecting...\n", err)
		s.Close()
		next, err := dialSession(addr, password)
		if err != nil {
			return fmt.Errorf("reconnect: %w", err)
		}
		s = next
	}
}
