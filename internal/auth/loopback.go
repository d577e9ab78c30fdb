package auth

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultRedirectURL is registered with the provider apps as the loopback
// callback.
const DefaultRedirectURL = "http://127.0.0.1:8085/callback"

// LoopbackAuthorizer prints the authorization URL and accepts the redirect
// two ways: a local HTTP callback server on the redirect URL's host, and a
// redirect URL pasted into In. Whichever arrives first wins.
type LoopbackAuthorizer struct {
	Out io.Writer // where the URL and prompts go
	In  io.Reader // optional source of a pasted redirect URL
}

func (a *LoopbackAuthorizer) Authorize(ctx context.Context, authURL, redirectURL string) (Result, error) {
	u, err := url.Parse(redirectURL)
	if err != nil {
		return Result{}, fmt.Errorf("invalid redirect URL: %w", err)
	}

	results := make(chan Result, 2)
	deliver := func(r Result) {
		select {
		case results <- r:
		default:
		}
	}

	listener, err := net.Listen("tcp", u.Host)
	if err != nil && a.In == nil {
		return Result{}, fmt.Errorf("could not bind %s for the OAuth callback: %w", u.Host, err)
	}
	if listener != nil {
		server := &http.Server{Handler: callbackHandler(u.Path, deliver)}
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				deliver(Result{Error: err.Error()})
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
	}

	fmt.Fprintln(a.Out, "Open this URL in your browser:")
	fmt.Fprintln(a.Out, authURL)
	if a.In != nil {
		fmt.Fprintln(a.Out, "")
		fmt.Fprintln(a.Out, "If the browser cannot reach this machine, paste the URL it was redirected to:")
		// The reader goroutine may stay blocked on In after we return; a
		// late line is dropped by deliver.
		go readPasted(a.In, deliver)
	}

	select {
	case r := <-results:
		return r, nil
	case <-ctx.Done():
		return Result{Cancelled: true}, nil
	}
}

func callbackHandler(path string, deliver func(Result)) http.Handler {
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		res, ok := resultFromQuery(r.URL.Query())
		if !ok {
			http.Error(w, "No code in callback", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		if res.Error != "" {
			fmt.Fprint(w, "<html><body><h1>Authorization failed</h1><p>You may close this window.</p></body></html>")
		} else {
			fmt.Fprint(w, "<html><body><h1>Authentication successful</h1><p>You may close this window.</p></body></html>")
		}
		deliver(res)
	})
	return mux
}

func readPasted(in io.Reader, deliver func(Result)) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if res, ok := ParseCallback(scanner.Text()); ok {
			deliver(res)
			return
		}
	}
}

// ParseCallback extracts the result from a redirect URL or its query string.
func ParseCallback(raw string) (Result, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Result{}, false
	}
	query := raw
	if i := strings.Index(raw, "?"); i >= 0 {
		query = raw[i+1:]
	}
	if i := strings.Index(query, "#"); i >= 0 {
		query = query[:i]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return Result{}, false
	}
	return resultFromQuery(values)
}

func resultFromQuery(q url.Values) (Result, bool) {
	res := Result{Code: q.Get("code"), State: q.Get("state"), Error: q.Get("error")}
	if res.Code == "" && res.Error == "" {
		return Result{}, false
	}
	return res, true
}
