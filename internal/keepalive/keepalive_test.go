package keepalive_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/angeloszaimis/firstparty-proxy/internal/connection"
	"github.com/angeloszaimis/firstparty-proxy/internal/keepalive"
	"github.com/angeloszaimis/firstparty-proxy/internal/origin"
)

var _ = Describe("Keepalive", func() {
	var (
		backend  *httptest.Server
		registry *connection.Registry
		log      *slog.Logger
		mutex    sync.Mutex
		dialed   []net.Conn
	)

	BeforeEach(func() {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
		dialed = nil

		backend = httptest.NewServer(h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		}), &http2.Server{}))

		dialer := &net.Dialer{}
		registry = connection.NewRegistry(log, nil, connection.Options{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				nc, err := dialer.DialContext(ctx, network, addr)
				if err == nil {
					mutex.Lock()
					dialed = append(dialed, nc)
					mutex.Unlock()
				}
				return nc, err
			},
		})
	})

	AfterEach(func() {
		registry.Close()
		backend.Close()
	})

	Describe("Run", func() {
		It("should keep a healthy session", func() {
			conn, err := registry.Get(context.Background(), origin.Resolve(backend.URL))
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go keepalive.Run(ctx, registry, 20*time.Millisecond, log)

			Consistently(registry.Current, 150*time.Millisecond).Should(BeIdenticalTo(conn))
		})

		It("should drop a session whose transport died", func() {
			_, err := registry.Get(context.Background(), origin.Resolve(backend.URL))
			Expect(err).NotTo(HaveOccurred())

			mutex.Lock()
			dialed[0].Close()
			mutex.Unlock()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go keepalive.Run(ctx, registry, 20*time.Millisecond, log)

			Eventually(registry.Current).Should(BeNil())
		})

		It("should keep a session that is only at its stream limit", func() {
			release := make(chan struct{})
			limited := httptest.NewServer(h2c.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/slow" {
					<-release
				}
				w.Write([]byte("OK"))
			}), &http2.Server{MaxConcurrentStreams: 1}))
			defer limited.Close()

			target := origin.Resolve(limited.URL)
			conn, err := registry.Get(context.Background(), target)
			Expect(err).NotTo(HaveOccurred())

			send := func(path string) int {
				req, err := http.NewRequest(http.MethodGet, target.String()+path, nil)
				if err != nil {
					return 0
				}
				resp, err := conn.RoundTrip(req)
				if err != nil {
					return 0
				}
				defer resp.Body.Close()
				io.Copy(io.Discard, resp.Body)
				return resp.StatusCode
			}
			Expect(send("/warm")).To(Equal(http.StatusOK))

			const requests = 3
			statuses := make(chan int, requests)
			for i := 0; i < requests; i++ {
				go func() { statuses <- send("/slow") }()
			}
			Eventually(conn.ActiveStreams).Should(Equal(int64(requests)))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go keepalive.Run(ctx, registry, 20*time.Millisecond, log)

			Consistently(registry.Current, 150*time.Millisecond).Should(BeIdenticalTo(conn))
			Expect(conn.Usable()).To(BeTrue())

			close(release)
			for i := 0; i < requests; i++ {
				Eventually(statuses).Should(Receive(Equal(http.StatusOK)))
			}
		})

		It("should skip an empty slot", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			go keepalive.Run(ctx, registry, 10*time.Millisecond, log)

			Consistently(registry.Current, 50*time.Millisecond).Should(BeNil())
		})

		It("should return immediately when disabled", func() {
			done := make(chan struct{})
			go func() {
				keepalive.Run(context.Background(), registry, 0, log)
				close(done)
			}()

			Eventually(done).Should(BeClosed())
		})

		It("should stop when context is cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				keepalive.Run(ctx, registry, 10*time.Millisecond, log)
				close(done)
			}()

			cancel()
			Eventually(done).Should(BeClosed())
		})
	})
})
