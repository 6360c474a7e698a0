package events_test

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/firstparty-proxy/internal/connection"
	"github.com/angeloszaimis/firstparty-proxy/internal/events"
	"github.com/angeloszaimis/firstparty-proxy/internal/identity"
	"github.com/angeloszaimis/firstparty-proxy/internal/metrics"
)

type tracked struct {
	uri    string
	header http.Header
}

var _ = Describe("Emitter", func() {
	var (
		backend   *httptest.Server
		registry  *connection.Registry
		collector *metrics.Collector
		requests  chan tracked
		release   chan struct{}
		releaseMu *sync.Once
		cancel    context.CancelFunc
		opts      events.Options
	)

	newEmitter := func() *events.Emitter {
		return events.NewEmitter(quietLogger(), registry, collector, opts)
	}

	BeforeEach(func() {
		requests = make(chan tracked, 16)
		release = make(chan struct{})
		releaseMu = &sync.Once{}

		backend = newH2CServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requests <- tracked{uri: r.URL.RequestURI(), header: r.Header.Clone()}
			<-release
			w.Write([]byte("ignored"))
		}))

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		collector = metrics.NewCollector(100, quietLogger())
		collector.Start(ctx)

		registry = connection.NewRegistry(quietLogger(), collector, connection.Options{})
		opts = events.Options{URL: backend.URL, Token: "tok", Timeout: 5 * time.Second}
	})

	AfterEach(func() {
		releaseMu.Do(func() { close(release) })
		registry.Close()
		backend.Close()
		cancel()
	})

	releaseBackend := func() {
		releaseMu.Do(func() { close(release) })
	}

	It("should send the startup event without waiting for the backend", func() {
		emitter := newEmitter()

		start := time.Now()
		emitter.Send(events.Event{Name: "Server started", WebsiteID: "W1"})
		Expect(time.Since(start)).To(BeNumerically("<", 100*time.Millisecond))

		var got tracked
		Eventually(requests).Should(Receive(&got))
		Expect(got.uri).To(Equal("/tr?event=Server+started&id=W1"))
		Expect(got.header).NotTo(HaveKey(identity.HeaderForwardedFor))
		Expect(got.header).NotTo(HaveKey(identity.HeaderForwardedForSign))
		Expect(got.header.Get("User-Agent")).To(Equal(events.DefaultUserAgent))

		releaseBackend()
		Expect(emitter.Wait(context.Background())).To(Succeed())
		Eventually(func() int64 {
			return collector.Snapshot().Origins[backend.URL].EventsSent
		}).Should(Equal(int64(1)))
	})

	It("should forward and sign the user IP with the emitter token", func() {
		releaseBackend()
		emitter := newEmitter()

		emitter.Send(events.Event{Name: "click", WebsiteID: "W1", UserIP: "203.0.113.9", UserAgent: "Mozilla/5.0"})

		var got tracked
		Eventually(requests).Should(Receive(&got))
		Expect(got.header.Get(identity.HeaderForwardedFor)).To(Equal("203.0.113.9"))
		Expect(got.header.Get(identity.HeaderForwardedForSign)).To(Equal(identity.Sign("203.0.113.9", "tok")))
		Expect(got.header.Get("User-Agent")).To(Equal("Mozilla/5.0"))
	})

	It("should prefer the event token over the emitter token", func() {
		releaseBackend()
		emitter := newEmitter()

		emitter.Send(events.Event{Name: "click", UserIP: "203.0.113.9", Token: "other"})

		var got tracked
		Eventually(requests).Should(Receive(&got))
		Expect(got.header.Get(identity.HeaderForwardedForSign)).To(Equal(identity.Sign("203.0.113.9", "other")))
	})

	It("should send to the event's own origin when given", func() {
		releaseBackend()
		other := make(chan string, 1)
		second := newH2CServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			other <- r.URL.RequestURI()
		}))
		defer second.Close()

		emitter := newEmitter()
		emitter.Send(events.Event{Name: "moved", URL: second.URL + "/"})

		Eventually(other).Should(Receive(Equal("/tr?event=moved")))
		Expect(emitter.Wait(context.Background())).To(Succeed())
	})

	It("should swallow an unreachable backend", func() {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		dead := "http://" + listener.Addr().String()
		listener.Close()
		opts.URL = dead

		emitter := newEmitter()
		Expect(func() {
			emitter.Send(events.Event{Name: "lost", WebsiteID: "W1"})
		}).NotTo(Panic())

		Expect(emitter.Wait(context.Background())).To(Succeed())
		Eventually(func() int64 {
			return collector.Snapshot().Origins[dead].EventsDropped
		}).Should(Equal(int64(1)))
	})

	It("should drop events over the rate limit", func() {
		releaseBackend()
		opts.RateLimit = 0.001
		opts.Burst = 1
		emitter := newEmitter()

		emitter.Send(events.Event{Name: "first"})
		emitter.Send(events.Event{Name: "second"})
		Expect(emitter.Wait(context.Background())).To(Succeed())

		Eventually(requests).Should(Receive())
		Consistently(requests, 100*time.Millisecond).ShouldNot(Receive())
		Eventually(func() int64 {
			return collector.Snapshot().Origins[backend.URL].EventsDropped
		}).Should(Equal(int64(1)))
	})

	It("should stop once the wait deadline passes", func() {
		emitter := newEmitter()
		emitter.Send(events.Event{Name: "stuck"})
		Eventually(requests).Should(Receive())

		ctx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer waitCancel()
		Expect(emitter.Wait(ctx)).To(MatchError(context.DeadlineExceeded))

		releaseBackend()
		Expect(emitter.Wait(context.Background())).To(Succeed())
	})

	It("should refuse events after Close", func() {
		releaseBackend()
		emitter := newEmitter()
		Expect(emitter.Close(context.Background())).To(Succeed())

		emitter.Send(events.Event{Name: "late"})

		Consistently(requests, 100*time.Millisecond).ShouldNot(Receive())
		Eventually(func() int64 {
			return collector.Snapshot().Origins[backend.URL].EventsDropped
		}).Should(Equal(int64(1)))
	})
})
