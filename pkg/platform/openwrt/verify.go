package openwrt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

const (
	DefaultRADIUSPort = 1812

	verifyAttempts = 3
	verifyBackoff  = 500 * time.Millisecond
)

// ErrAccessRejected is returned when radiusd answers Access-Reject for a
// freshly written account.
var ErrAccessRejected = errors.New("radius rejected new account")

// radiusVerifier sends a test Access-Request after radiusd restarts, so a
// malformed authorize entry is caught before credentials are handed out.
type radiusVerifier struct {
	addr    string
	secret  []byte
	timeout time.Duration
	backoff time.Duration
	logger  *zap.Logger
}

func newRADIUSVerifier(cfg platform.RouterConfig, logger *zap.Logger) *radiusVerifier {
	port := cfg.RADIUSPort
	if port == 0 {
		port = DefaultRADIUSPort
	}
	return &radiusVerifier{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		secret:  []byte(cfg.RADIUSSecret),
		timeout: cfg.ConnectTimeout(),
		backoff: verifyBackoff,
		logger:  logger,
	}
}

// Verify authenticates username/password. radiusd may still be starting, so
// transport errors are retried; a reject is final.
func (v *radiusVerifier) Verify(ctx context.Context, username, password string) error {
	packet := radius.New(radius.CodeAccessRequest, v.secret)
	if err := rfc2865.UserName_SetString(packet, username); err != nil {
		return err
	}
	if err := rfc2865.UserPassword_SetString(packet, password); err != nil {
		return err
	}

	var response *radius.Packet
	var err error
	for attempt := 0; attempt < verifyAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(v.backoff):
			}
		}

		reqCtx, cancel := context.WithTimeout(ctx, v.timeout)
		response, err = radius.Exchange(reqCtx, packet, v.addr)
		cancel()
		if err == nil {
			break
		}
		v.logger.Debug("RADIUS verify attempt failed",
			zap.Int("attempt", attempt+1),
			zap.String("addr", v.addr),
			zap.Error(err),
		)
	}
	if err != nil {
		return fmt.Errorf("radius verify after %d attempts: %w", verifyAttempts, err)
	}

	switch response.Code {
	case radius.CodeAccessAccept:
		return nil
	case radius.CodeAccessReject:
		if msg, err := rfc2865.ReplyMessage_LookupString(response); err == nil && msg != "" {
			return fmt.Errorf("%w: %s", ErrAccessRejected, msg)
		}
		return ErrAccessRejected
	default:
		return fmt.Errorf("unexpected RADIUS response code: %d", response.Code)
	}
}
