package openwrt_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform/openwrt"
)

func TestOpenWrt(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "OpenWrt Adapter Suite")
}

var _ = Describe("ParseLeases", func() {
	It("should parse a single lease", func() {
		results := openwrt.ParseLeases("1690000000 AA:BB:CC:DD:EE:FF 192.168.1.50 phone-1 01:aa:bb\n", "attic", nil)

		Expect(results).To(HaveLen(1))
		Expect(results[0]).To(Equal(platform.PollResult{
			MAC:      "AA:BB:CC:DD:EE:FF",
			IP:       "192.168.1.50",
			Hostname: "phone-1",
			RouterID: "attic",
		}))
	})

	It("should canonicalize lowercase MACs", func() {
		results := openwrt.ParseLeases("1690000000 aa:bb:cc:dd:ee:01 192.168.1.51 * *", "attic", nil)

		Expect(results).To(HaveLen(1))
		Expect(results[0].MAC).To(Equal("AA:BB:CC:DD:EE:01"))
	})

	It("should treat '*' hostname as absent", func() {
		results := openwrt.ParseLeases("1690000000 AA:BB:CC:DD:EE:02 192.168.1.52 * 01:aa:bb:cc:dd:ee:02", "attic", nil)

		Expect(results).To(HaveLen(1))
		Expect(results[0].Hostname).To(BeEmpty())
	})

	It("should skip duid lines, blank lines and malformed rows", func() {
		data := "duid 00:01:00:01:2c:aa:bb:cc:dd:ee:ff:00\n" +
			"\n" +
			"1690000000 not-a-mac 192.168.1.60 laptop *\n" +
			"1690000000 AA:BB:CC:DD:EE:03\n" +
			"1690000001 AA:BB:CC:DD:EE:04 192.168.1.61 tablet *\n"

		results := openwrt.ParseLeases(data, "attic", nil)

		Expect(results).To(HaveLen(1))
		Expect(results[0].IP).To(Equal("192.168.1.61"))
	})

	It("should return an empty, non-nil slice for an empty table", func() {
		results := openwrt.ParseLeases("", "attic", nil)

		Expect(results).NotTo(BeNil())
		Expect(results).To(BeEmpty())
	})

	It("should never report a router username", func() {
		results := openwrt.ParseLeases("1690000000 AA:BB:CC:DD:EE:05 192.168.1.62 host *", "attic", nil)

		Expect(results[0].RouterUsername).To(BeEmpty())
	})
})

var _ = Describe("AuthorizeLine", func() {
	It("should render Cleartext-Password and Simultaneous-Use", func() {
		Expect(openwrt.AuthorizeLine("guest-9", "s3cretpw", 2)).To(Equal(
			`guest-9 Cleartext-Password := "s3cretpw", Simultaneous-Use := "2"`,
		))
	})
})
