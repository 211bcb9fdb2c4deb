package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

const maxImageBytes = 8 << 20

var (
	ErrImageTooLarge    = errors.New("chat: image exceeds size limit")
	ErrImageURLRejected = errors.New("chat: image url not allowed")
)

// Shared address space (RFC 6598) is not covered by netip.Addr.IsPrivate.
var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// HTTPImageFetcher downloads message images for multimodal prompts. Unless
// allowPrivate is set, connections to loopback, private, link-local and
// other non-public addresses are refused at dial time, so redirects and
// DNS answers are checked too.
type HTTPImageFetcher struct {
	client   *http.Client
	maxBytes int64
}

func NewHTTPImageFetcher(timeout time.Duration, allowPrivate bool) *HTTPImageFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: timeout}
	if !allowPrivate {
		dialer.Control = rejectNonPublic
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &HTTPImageFetcher{
		client:   &http.Client{Timeout: timeout, Transport: transport},
		maxBytes: maxImageBytes,
	}
}

func (f *HTTPImageFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageURLRejected, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrImageURLRejected, u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create image request: %w", err)
	}
	res, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("fetch image: http status %d", res.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, ErrImageTooLarge
	}
	return data, nil
}

func rejectNonPublic(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrImageURLRejected, address)
	}
	if !isPublicAddr(ap.Addr()) {
		return fmt.Errorf("%w: %s is not a public address", ErrImageURLRejected, ap.Addr())
	}
	return nil
}

func isPublicAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case !addr.IsValid(),
		addr.IsUnspecified(),
		addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsInterfaceLocalMulticast(),
		addr.IsMulticast(),
		sharedAddressSpace.Contains(addr):
		return false
	}
	return true
}
