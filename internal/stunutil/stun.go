package stunutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

// NAT classes reported to the rendezvous server. With one socket per
// server we can only tell symmetric NATs (different mapping per
// destination) from the cone family.
const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// Result is the outcome of a discovery round.
type Result struct {
	PublicAddr string
	NATType    string
}

// Discover asks each STUN server for this host's mapped address and
// classifies the NAT from the answers. Servers that fail are skipped;
// discovery fails only when none answer.
func Discover(ctx context.Context, servers []string, timeout time.Duration) (Result, error) {
	if len(servers) == 0 {
		return Result{NATType: NATTypeUnknown}, fmt.Errorf("no STUN servers configured")
	}

	var (
		mapped  []string
		lastErr error
	)
	for _, server := range servers {
		addr, err := bindingRequest(ctx, server, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		mapped = append(mapped, addr)
	}
	if len(mapped) == 0 {
		return Result{NATType: NATTypeUnknown}, fmt.Errorf("all STUN servers failed: %w", lastErr)
	}

	return Result{PublicAddr: mapped[0], NATType: Classify(mapped)}, nil
}

// Classify compares mapped addresses from different servers. Diverging
// mappings mean a symmetric NAT; identical ones mean cone or restricted.
// A single answer cannot distinguish anything.
func Classify(mapped []string) string {
	if len(mapped) < 2 {
		return NATTypeUnknown
	}
	for _, addr := range mapped[1:] {
		if addr != mapped[0] {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

func bindingRequest(ctx context.Context, server string, timeout time.Duration) (string, error) {
	target := strings.TrimSpace(server)
	if target == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(target, "stun:") {
		target = "stun:" + target
	}

	uri, err := stun.ParseURI(target)
	if err != nil {
		return "", err
	}
	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		req := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		err := client.Do(req, func(ev stun.Event) {
			if ev.Error != nil {
				errCh <- ev.Error
				return
			}
			var mapped stun.XORMappedAddress
			if err := mapped.GetFrom(ev.Message); err != nil {
				errCh <- err
				return
			}
			addrCh <- mapped.String()
		})
		if err != nil {
			errCh <- err
		}
	}()

	select {
	case addr := <-addrCh:
		return addr, nil
	case err := <-errCh:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
