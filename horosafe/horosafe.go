// Package horosafe holds the safety checks shared by every component that
// touches the network or the filesystem on behalf of harvested data: URL
// validation against internal targets, bounded reads and path confinement.
package horosafe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"net/url"
	"path/filepath"
	"strings"
)

var (
	// ErrSSRF is returned when a URL targets a private or loopback address.
	ErrSSRF = errors.New("horosafe: URL targets a private or loopback address")
	// ErrUnsafeScheme is returned for schemes other than http and https.
	ErrUnsafeScheme = errors.New("horosafe: only http and https schemes are allowed")
	// ErrPathTraversal is returned when a name escapes its base directory.
	ErrPathTraversal = errors.New("horosafe: path traversal detected")
	// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
	ErrTooLarge = errors.New("horosafe: body exceeds limit")
)

var private = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// URLPolicy decides which fetch targets are acceptable.
type URLPolicy struct {
	// AllowPrivate accepts loopback and private targets.
	AllowPrivate bool
	// Lookup resolves host names. Default: net.LookupHost.
	Lookup func(host string) ([]string, error)
}

// ValidateURL applies the default policy.
func ValidateURL(raw string) error { return URLPolicy{}.Check(raw) }

// Check validates scheme and host, and unless AllowPrivate is set rejects
// hosts that are or resolve to internal addresses. Unresolvable hosts pass;
// the connection attempt reports them.
func (p URLPolicy) Check(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("horosafe: invalid URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return ErrUnsafeScheme
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("horosafe: URL has no host")
	}
	if p.AllowPrivate {
		return nil
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if Internal(addr) {
			return ErrSSRF
		}
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return ErrSSRF
	}
	lookup := p.Lookup
	if lookup == nil {
		lookup = net.LookupHost
	}
	addrs, err := lookup(host)
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		if addr, err := netip.ParseAddr(a); err == nil && Internal(addr) {
			return ErrSSRF
		}
	}
	return nil
}

// Internal reports loopback, link-local, unspecified and private addresses.
func Internal(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return true
	}
	for _, p := range private {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// LimitedReadAll reads at most max bytes from r.
func LimitedReadAll(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, max)
	}
	return data, nil
}

// SafePath joins name under base and rejects results outside base.
func SafePath(base, name string) (string, error) {
	if strings.Contains(name, "..") {
		return "", ErrPathTraversal
	}
	base = filepath.Clean(base)
	joined := filepath.Join(base, filepath.Clean("/"+name))
	if joined != base && !strings.HasPrefix(joined, base+string(filepath.Separator)) {
		return "", ErrPathTraversal
	}
	return joined, nil
}

// FileName maps an arbitrary label (symbol, title) to a safe file name
// component: letters, digits, dot, dash and underscore survive, everything
// else becomes an underscore.
func FileName(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.':
			if b.Len() > 0 {
				b.WriteRune(r)
			}
		default:
			b.WriteByte('_')
		}
	}
	s := strings.Trim(b.String(), "._")
	if len(s) > 100 {
		s = s[:100]
	}
	if s == "" {
		return "_"
	}
	return s
}
