package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

var (
	serveAddrFlag      string
	serveDirFlag       string
	serveDropAfterFlag int
	serveNoRangesFlag  bool
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve images and version metadata over HTTP",
		Long: `Serve a directory laid out like the update site: metadata documents under
/firmware/<type>/ and images wherever their image_url points.

--drop-after cuts the first response for each path after that many body
bytes so the device exercises its resume path. --no-ranges hides range
support so the device has to restart the transfer instead.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
	cmd.Flags().StringVarP(&serveAddrFlag, "addr", "a", ":8080", "Listen address")
	cmd.Flags().StringVarP(&serveDirFlag, "dir", "d", ".", "Directory to serve")
	cmd.Flags().IntVar(&serveDropAfterFlag, "drop-after", 0, "Abort the first response per path after N body bytes")
	cmd.Flags().BoolVar(&serveNoRangesFlag, "no-ranges", false, "Ignore Range requests and hide Accept-Ranges")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(serveDirFlag); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv := &http.Server{
		Addr: serveAddrFlag,
		Handler: newImageServer(serveDirFlag, imageServerOptions{
			dropAfter: serveDropAfterFlag,
			noRanges:  serveNoRangesFlag,
			logger:    logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	fmt.Printf("Serving %s on %s\n", serveDirFlag, serveAddrFlag)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type imageServerOptions struct {
	dropAfter int
	noRanges  bool
	logger    *slog.Logger
}

// imageServer is a file server with fault injection for the loader's retry
// paths.
type imageServer struct {
	files http.Handler
	opts  imageServerOptions

	mu      sync.Mutex
	dropped map[string]bool
}

func newImageServer(dir string, opts imageServerOptions) *imageServer {
	if opts.logger == nil {
		opts.logger = slog.New(slog.DiscardHandler)
	}
	return &imageServer{
		files:   http.FileServer(http.Dir(dir)),
		opts:    opts,
		dropped: make(map[string]bool),
	}
}

func (s *imageServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.opts.logger.Info("serve:request",
		slog.String("remote", r.RemoteAddr),
		slog.String("path", r.URL.Path),
		slog.String("range", r.Header.Get("Range")),
	)
	if s.opts.noRanges {
		r.Header.Del("Range")
	}
	fw := &faultWriter{ResponseWriter: w, noRanges: s.opts.noRanges, limit: -1}
	if s.opts.dropAfter > 0 && s.firstRequest(r.URL.Path) {
		fw.limit = s.opts.dropAfter
	}
	defer func() {
		if fw.cut {
			s.opts.logger.Warn("serve:dropped", slog.String("path", r.URL.Path), slog.Int("after", s.opts.dropAfter))
			panic(http.ErrAbortHandler)
		}
	}()
	s.files.ServeHTTP(fw, r)
}

// firstRequest reports whether path has not been dropped yet, marking it.
func (s *imageServer) firstRequest(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped[path] {
		return false
	}
	s.dropped[path] = true
	return true
}

// faultWriter truncates the body after limit bytes (-1 for no limit).
type faultWriter struct {
	http.ResponseWriter
	noRanges bool
	limit    int
	written  int
	cut      bool
}

func (w *faultWriter) WriteHeader(code int) {
	if w.noRanges {
		w.Header().Del("Accept-Ranges")
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *faultWriter) Write(p []byte) (int, error) {
	if w.noRanges {
		w.Header().Del("Accept-Ranges")
	}
	if w.limit < 0 {
		return w.ResponseWriter.Write(p)
	}
	if w.cut {
		return 0, http.ErrAbortHandler
	}
	room := w.limit - w.written
	if len(p) > room {
		n, _ := w.ResponseWriter.Write(p[:room])
		w.written += n
		if f, ok := w.ResponseWriter.(http.Flusher); ok {
			f.Flush()
		}
		w.cut = true
		return n, http.ErrAbortHandler
	}
	n, err := w.ResponseWriter.Write(p)
	w.written += n
	return n, err
}
