package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspotd/pkg/directory"
	"github.com/codelaboratoryltd/hotspotd/pkg/identity"
	"github.com/codelaboratoryltd/hotspotd/pkg/platform"
)

func TestIdentity(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Identity Resolver Suite")
}

type failingDirectory struct {
	*directory.Memory
}

func (failingDirectory) GetAccountByVendorUsername(ctx context.Context, username string) (directory.RouterAccount, error) {
	return directory.RouterAccount{}, errors.New("connection reset")
}

var _ = Describe("Resolver", func() {
	var (
		ctx      context.Context
		dir      *directory.Memory
		resolver *identity.Resolver
		now      time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir = directory.NewMemory()
		resolver = identity.NewResolver(dir, zap.NewNop())
		now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

		Expect(dir.SaveAccount(ctx, directory.RouterAccount{
			ID:             "acct-1",
			VendorUsername: "guest-42",
			Platform:       platform.PlatformMikroTik,
			DeviceLimit:    3,
			AppUserID:      "u1",
			RouterID:       "lobby",
			CreatedAt:      now,
		})).To(Succeed())
	})

	Context("when the router reports a known username", func() {
		It("should resolve exactly via the account", func() {
			m, err := resolver.Resolve(ctx, platform.PollResult{
				MAC: "AA:BB:CC:DD:EE:01", IP: "10.5.50.10", RouterUsername: "guest-42", RouterID: "lobby",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(m.Resolved()).To(BeTrue())
			Expect(m.UserID).To(Equal("u1"))
			Expect(m.Confidence).To(Equal(identity.MatchUsername))
			Expect(m.AccountID).To(Equal("acct-1"))
		})

		It("should prefer the username over an IP owned by another user", func() {
			_, err := dir.UpsertDevice(ctx, "u2", "AA:BB:CC:DD:EE:02", directory.Observation{
				IPAddress: "10.5.50.10", SeenAt: now,
			})
			Expect(err).NotTo(HaveOccurred())

			m, err := resolver.Resolve(ctx, platform.PollResult{
				MAC: "AA:BB:CC:DD:EE:01", IP: "10.5.50.10", RouterUsername: "guest-42",
			})

			Expect(err).NotTo(HaveOccurred())
			Expect(m.UserID).To(Equal("u1"))
			Expect(m.Confidence).To(Equal(identity.MatchUsername))
		})
	})

	Context("when only the IP is known", func() {
		BeforeEach(func() {
			_, err := dir.UpsertDevice(ctx, "u3", "AA:BB:CC:DD:EE:03", directory.Observation{
				IPAddress: "192.168.1.50", SeenAt: now,
			})
			Expect(err).NotTo(HaveOccurred())
		})

		It("should resolve with IP confidence", func() {
			m, err := resolver.Resolve(ctx, platform.PollResult{MAC: "AA:BB:CC:DD:EE:FF", IP: "192.168.1.50"})

			Expect(err).NotTo(HaveOccurred())
			Expect(m.UserID).To(Equal("u3"))
			Expect(m.Confidence).To(Equal(identity.MatchIP))
			Expect(m.AccountID).To(BeEmpty())
		})

		It("should fall through to IP when the username is unknown", func() {
			m, err := resolver.Resolve(ctx, platform.PollResult{IP: "192.168.1.50", RouterUsername: "stranger"})

			Expect(err).NotTo(HaveOccurred())
			Expect(m.UserID).To(Equal("u3"))
			Expect(m.Confidence).To(Equal(identity.MatchIP))
		})

		It("should pick the most recently seen holder of the IP", func() {
			_, err := dir.UpsertDevice(ctx, "u4", "AA:BB:CC:DD:EE:04", directory.Observation{
				IPAddress: "192.168.1.50", SeenAt: now.Add(time.Minute),
			})
			Expect(err).NotTo(HaveOccurred())

			m, err := resolver.Resolve(ctx, platform.PollResult{IP: "192.168.1.50"})

			Expect(err).NotTo(HaveOccurred())
			Expect(m.UserID).To(Equal("u4"))
		})
	})

	Context("when nothing matches", func() {
		It("should return an unresolved match without error", func() {
			m, err := resolver.Resolve(ctx, platform.PollResult{MAC: "AA:BB:CC:DD:EE:09", IP: "10.9.9.9"})

			Expect(err).NotTo(HaveOccurred())
			Expect(m.Resolved()).To(BeFalse())
			Expect(m.Confidence).To(Equal(identity.MatchNone))
		})

		It("should not error on an empty result", func() {
			m, err := resolver.Resolve(ctx, platform.PollResult{})

			Expect(err).NotTo(HaveOccurred())
			Expect(m.Resolved()).To(BeFalse())
		})
	})

	Context("when the directory fails", func() {
		It("should return the error", func() {
			r := identity.NewResolver(failingDirectory{dir}, zap.NewNop())

			_, err := r.Resolve(ctx, platform.PollResult{RouterUsername: "guest-42"})

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("connection reset"))
		})
	})
})
