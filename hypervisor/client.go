// Package hypervisor drives a single Firecracker process: spawning it with
// the serial FIFO wired as stdin, speaking its minimal HTTP/1.1 control
// dialect over a per-VM Unix socket, and tearing it down (spec.md §4.5).
package hypervisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/noidhq/noid/noiderr"
)

// responseTimeout bounds how long a single control-socket request/response
// may take, per SPEC_FULL.md's §4.5 supplement.
const responseTimeout = 30 * time.Second

// Client speaks the hand-rolled HTTP/1.1 dialect over one VM's control
// socket. Reimplementing the dialect by hand (rather than pulling in
// net/http) is deliberate per spec.md §9: the only client is this driver,
// payloads are tiny, and it keeps the privilege-separated build dependency
// surface small — grounded on original_source/crates/noid-core/src/
// vm.rs::fc_request, which builds and parses the exchange the same way.
type Client struct {
	socketPath string
}

// NewClient returns a Client bound to socketPath. No connection is made
// until a request is issued.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// CheckSocket dials and immediately closes the control socket, used as the
// readiness probe while waiting for a freshly spawned hypervisor.
func (c *Client) CheckSocket(ctx context.Context) error {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Put issues a PUT request with a JSON body and requires a 2xx response.
func (c *Client) Put(ctx context.Context, path string, body any) error {
	return c.doJSON(ctx, "PUT", path, body)
}

// Patch issues a PATCH request with a JSON body and requires a 2xx response.
func (c *Client) Patch(ctx context.Context, path string, body any) error {
	return c.doJSON(ctx, "PATCH", path, body)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s %s body: %w", method, path, err)
	}

	status, respBody, err := c.request(ctx, method, path, payload)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, noiderr.ErrHypervisor)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%s %s: status %d: %s: %w", method, path, status, strings.TrimSpace(string(respBody)), noiderr.ErrHypervisor)
	}
	return nil
}

// request builds the raw HTTP/1.1 exchange over the Unix socket and parses
// the status line and Content-Length-bounded body out of the reply.
func (c *Client) request(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close() //nolint:errcheck

	_ = conn.SetDeadline(time.Now().Add(responseTimeout))

	req := fmt.Sprintf(
		"%s %s HTTP/1.1\r\nHost: localhost\r\nContent-Type: application/json\r\nContent-Length: %d\r\nAccept: application/json\r\n\r\n%s",
		method, path, len(body), body)
	if _, err := conn.Write([]byte(req)); err != nil {
		return 0, nil, fmt.Errorf("write request: %w", err)
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return 0, nil, fmt.Errorf("read status line: %w", err)
	}
	status, err := parseStatusCode(statusLine)
	if err != nil {
		return 0, nil, err
	}

	var contentLength int
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, nil, fmt.Errorf("read headers: %w", err)
		}
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "content-length:") {
			v := strings.TrimSpace(trimmed[len("content-length:"):])
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0, nil, fmt.Errorf("parse content-length: %w", err)
			}
			contentLength = n
		}
	}

	respBody := make([]byte, 0, contentLength)
	buf := make([]byte, 4096)
	for len(respBody) < contentLength {
		n, err := reader.Read(buf)
		if n > 0 {
			respBody = append(respBody, buf[:n]...)
		}
		if err != nil {
			break
		}
	}
	return status, bytes.TrimSpace(respBody), nil
}

func parseStatusCode(statusLine string) (int, error) {
	fields := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(fields) < 2 {
		return 0, fmt.Errorf("malformed status line: %q", statusLine)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("parse status code from %q: %w", statusLine, err)
	}
	return code, nil
}
