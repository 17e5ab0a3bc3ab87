package integration

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/stacklok/toolhive-replicator/internal/checkpoint"
	"github.com/stacklok/toolhive-replicator/internal/listener"
	"github.com/stacklok/toolhive-replicator/internal/replicator"
	"github.com/stacklok/toolhive-replicator/internal/store/sqlite"
	"github.com/stacklok/toolhive-replicator/internal/transport"
	"github.com/stacklok/toolhive-replicator/test-integration/replicator/helpers"
)

const runTimeout = 30 * time.Second

var fastRetry = replicator.RetryPolicy{
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     200 * time.Millisecond,
}

func newReplicator(local *sqlite.Store, url string, mutate func(*replicator.Configuration), opts ...replicator.Option) *replicator.Replicator {
	target, err := replicator.NewURLEndpoint(url)
	Expect(err).NotTo(HaveOccurred())

	cfg := replicator.Configuration{
		Name:         CurrentSpecReport().LeafNodeText,
		Store:        local,
		Target:       target,
		Direction:    replicator.DirectionPushAndPull,
		BatchSize:    10,
		Retry:        fastRetry,
		PollInterval: 50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := replicator.New(cfg, opts...)
	Expect(err).NotTo(HaveOccurred())

	DeferCleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), runTimeout)
		defer stopCancel()
		_, _ = replicator.StopAndWait(stopCtx, r)
	})
	return r
}

func run(r *replicator.Replicator, opts replicator.RunOptions) replicator.Status {
	runCtx, runCancel := context.WithTimeout(ctx, runTimeout)
	defer runCancel()
	status, err := replicator.Run(runCtx, r, opts)
	Expect(err).NotTo(HaveOccurred())
	return status
}

var _ = Describe("Replication over websocket", Label("websocket"), func() {
	var (
		tempDir string
		local   *sqlite.Store
		remote  *sqlite.Store
		server  *helpers.ListenerTestHelper
	)

	BeforeEach(func() {
		tempDir = createTempDir("replicator-test-")
		local = helpers.OpenStore(ctx, tempDir, "local")
		remote = helpers.OpenStore(ctx, tempDir, "remote")
	})

	AfterEach(func() {
		if server != nil {
			server.Stop()
			server = nil
		}
		Expect(local.Close()).To(Succeed())
		Expect(remote.Close()).To(Succeed())
		cleanupTempDir(tempDir)
	})

	Context("one-shot", func() {
		BeforeEach(func() {
			server = helpers.NewListenerTestHelper(remote)
			server.Start(ctx)
		})

		It("pushes local documents", func() {
			helpers.PutDocs(ctx, local, "local", 25)

			r := newReplicator(local, server.URL(), func(c *replicator.Configuration) {
				c.Direction = replicator.DirectionPush
			})
			status := run(r, replicator.RunOptions{})

			Expect(status.Activity).To(Equal(replicator.ActivityStopped))
			Expect(status.Error).To(BeNil())
			Expect(status.Progress).To(Equal(replicator.Progress{Completed: 25, Total: 25}))
			Expect(helpers.CountDocs(ctx, remote)).To(Equal(25))
			Expect(helpers.DocBody(ctx, remote, "local-7")).To(MatchJSON(`{"source":"local","n":7}`))
		})

		It("pulls remote documents", func() {
			helpers.PutDocs(ctx, remote, "remote", 12)

			r := newReplicator(local, server.URL(), func(c *replicator.Configuration) {
				c.Direction = replicator.DirectionPull
			})
			status := run(r, replicator.RunOptions{})

			Expect(status.Error).To(BeNil())
			Expect(status.Progress).To(Equal(replicator.Progress{Completed: 12, Total: 12}))
			Expect(helpers.CountDocs(ctx, local)).To(Equal(12))
		})

		It("replicates in both directions and resumes from checkpoints", func() {
			helpers.PutDocs(ctx, local, "local", 5)
			helpers.PutDocs(ctx, remote, "remote", 4)

			checkpoints, err := checkpoint.NewSQLiteStore(ctx, local.DB())
			Expect(err).NotTo(HaveOccurred())
			r := newReplicator(local, server.URL(), nil, replicator.WithCheckpointStore(checkpoints))

			status := run(r, replicator.RunOptions{})
			Expect(status.Error).To(BeNil())
			Expect(status.Progress.Completed).To(Equal(status.Progress.Total))
			Expect(status.Progress.Total).To(BeNumerically(">=", 9))
			Expect(helpers.CountDocs(ctx, local)).To(Equal(9))
			Expect(helpers.CountDocs(ctx, remote)).To(Equal(9))

			By("running again from the stored checkpoints")
			status = run(r, replicator.RunOptions{})
			Expect(status.Error).To(BeNil())
			Expect(status.Progress.Completed).To(Equal(status.Progress.Total))
			// at most the changes each side received during the first run come back
			Expect(status.Progress.Total).To(BeNumerically("<=", 9))

			By("resetting the checkpoints")
			status = run(r, replicator.RunOptions{ResetCheckpoint: true})
			Expect(status.Error).To(BeNil())
			Expect(status.Progress.Completed).To(Equal(status.Progress.Total))
			Expect(status.Progress.Total).To(BeNumerically(">=", 18))
			Expect(helpers.CountDocs(ctx, local)).To(Equal(9))
		})

		It("reports every activity transition in order", func() {
			helpers.PutDocs(ctx, local, "local", 3)
			r := newReplicator(local, server.URL(), func(c *replicator.Configuration) {
				c.Direction = replicator.DirectionPush
			})

			var (
				mu         sync.Mutex
				activities []replicator.ActivityLevel
			)
			token := r.AddChangeListener(func(s replicator.Status) {
				mu.Lock()
				defer mu.Unlock()
				// progress updates repeat the activity
				if n := len(activities); n == 0 || activities[n-1] != s.Activity {
					activities = append(activities, s.Activity)
				}
			})
			defer r.RemoveChangeListener(token)
			recorded := func() []replicator.ActivityLevel {
				mu.Lock()
				defer mu.Unlock()
				return append([]replicator.ActivityLevel(nil), activities...)
			}

			run(r, replicator.RunOptions{})
			Eventually(recorded).Should(HaveLen(3))
			Expect(recorded()).To(Equal([]replicator.ActivityLevel{
				replicator.ActivityConnecting,
				replicator.ActivityBusy,
				replicator.ActivityStopped,
			}))
		})
	})

	Context("authentication", func() {
		BeforeEach(func() {
			server = helpers.NewListenerTestHelper(remote, listener.WithBasicAuth("sync", "s3cret"))
			server.Start(ctx)
		})

		It("replicates with valid credentials", func() {
			helpers.PutDocs(ctx, local, "local", 2)
			r := newReplicator(local, server.URL(), func(c *replicator.Configuration) {
				c.Authenticator = transport.BasicAuthenticator{Username: "sync", Password: "s3cret"}
			})

			status := run(r, replicator.RunOptions{})
			Expect(status.Error).To(BeNil())
			Expect(helpers.CountDocs(ctx, remote)).To(Equal(2))
		})

		It("stops with a transport error when credentials are rejected", func() {
			r := newReplicator(local, server.URL(), func(c *replicator.Configuration) {
				c.Authenticator = transport.BasicAuthenticator{Username: "sync", Password: "wrong"}
				c.Continuous = true
			})

			status := run(r, replicator.RunOptions{})
			Expect(status.Activity).To(Equal(replicator.ActivityStopped))
			Expect(status.Error).NotTo(BeNil())
			Expect(status.Error.Domain).To(Equal(replicator.DomainTransport))
			Expect(status.Error.Code).To(Equal(401))
		})
	})

	Context("continuous", func() {
		BeforeEach(func() {
			server = helpers.NewListenerTestHelper(remote)
			server.Start(ctx)
		})

		It("follows changes on both sides until stopped", func() {
			r := newReplicator(local, server.URL(), func(c *replicator.Configuration) {
				c.Continuous = true
			})
			status := run(r, replicator.RunOptions{})
			Expect(status.Activity).To(Equal(replicator.ActivityIdle))

			helpers.PutDocs(ctx, local, "local", 4)
			helpers.PutDocs(ctx, remote, "remote", 6)
			Eventually(func() int { return helpers.CountDocs(ctx, remote) }, runTimeout).Should(Equal(10))
			Eventually(func() int { return helpers.CountDocs(ctx, local) }, runTimeout).Should(Equal(10))

			stopCtx, stopCancel := context.WithTimeout(ctx, runTimeout)
			defer stopCancel()
			status, err := replicator.StopAndWait(stopCtx, r)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Activity).To(Equal(replicator.ActivityStopped))
			Expect(status.Error).To(BeNil())
			Expect(status.Progress.Completed).To(Equal(status.Progress.Total))
		})

		It("goes offline when the listener disappears and resumes when it returns", func() {
			r := newReplicator(local, server.URL(), func(c *replicator.Configuration) {
				c.Continuous = true
				c.Direction = replicator.DirectionPush
			})
			run(r, replicator.RunOptions{})

			server.Stop()
			Eventually(func() replicator.ActivityLevel { return r.Status().Activity }, runTimeout).
				Should(Equal(replicator.ActivityOffline))
			Expect(r.Status().Error).NotTo(BeNil())
			Expect(r.Status().Error.Domain).To(Equal(replicator.DomainTransport))

			helpers.PutDocs(ctx, local, "offline", 3)
			server.Start(ctx)

			Eventually(func() int { return helpers.CountDocs(ctx, remote) }, runTimeout).Should(Equal(3))
			Eventually(func() replicator.ActivityLevel { return r.Status().Activity }, runTimeout).
				Should(Equal(replicator.ActivityIdle))
			Expect(r.Status().Error).To(BeNil())
		})
	})
})
