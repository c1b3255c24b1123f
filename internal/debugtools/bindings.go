package debugtools

import (
	"context"
	"io"
	"log"
	"net"
	"net/http"

	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"
)

// ServeStdio runs the trusted local binding over in and out until ctx is
// done or in is closed. Nothing else may write to out.
func ServeStdio(ctx context.Context, s *server.MCPServer, in io.Reader, out io.Writer, entry *logrus.Entry) error {
	stdio := server.NewStdioServer(s)
	w := entry.WriterLevel(logrus.ErrorLevel)
	defer w.Close()
	stdio.SetErrorLogger(log.New(w, "", 0))

	entry.Info("debug tools listening on stdio")
	err := stdio.Listen(ctx, in, out)
	if err == context.Canceled {
		return nil
	}
	return err
}

// HTTPHandler returns the network binding. Authentication is applied by
// the caller's middleware.
func HTTPHandler(s *server.MCPServer) http.Handler {
	return server.NewStreamableHTTPServer(s,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return withRemote(ctx, remoteHost(r))
		}),
	)
}

// RequestClientID identifies a plain HTTP caller: the X-Debug-Client header
// when present, otherwise the peer host.
func RequestClientID(r *http.Request) string {
	if id := r.Header.Get("X-Debug-Client"); id != "" {
		return "rest:" + id
	}
	return "remote:" + remoteHost(r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
