package openwrt

import (
	"bufio"
	"strings"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/macaddr"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

// ParseLeases parses a dnsmasq lease file:
//
//	<expiry> <mac> <ip> <hostname> <client-id>
//
// A hostname of "*" means none was sent. The IPv6 "duid" header line and
// rows with an unusable MAC are skipped. The lease file carries no RADIUS
// username, so RouterUsername is always empty.
func ParseLeases(data, routerID string, logger *zap.Logger) []platform.PollResult {
	results := make([]platform.PollResult, 0)
	scanner := bufio.NewScanner(strings.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[0] == "duid" {
			continue
		}

		mac, err := macaddr.Canonicalize(fields[1])
		if err != nil {
			if logger != nil {
				logger.Debug("Skipping lease with unusable MAC", zap.String("line", scanner.Text()))
			}
			continue
		}

		var hostname string
		if len(fields) > 3 && fields[3] != "*" {
			hostname = fields[3]
		}

		results = append(results, platform.PollResult{
			MAC:      mac,
			IP:       fields[2],
			Hostname: hostname,
			RouterID: routerID,
		})
	}
	return results
}
