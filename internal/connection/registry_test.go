package connection_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/net/http2"

	"github.com/angeloszaimis/firstparty-proxy/internal/connection"
	"github.com/angeloszaimis/firstparty-proxy/internal/origin"
)

var _ = Describe("Registry", func() {
	var (
		registry *connection.Registry
		backend1 *httptest.Server
		backend2 *httptest.Server
		origin1  origin.Origin
		origin2  origin.Origin
		dials    atomic.Int64
		ctx      context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		dials.Store(0)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprintf(w, "%s %s", r.Proto, r.URL.Path)
		})
		backend1 = newH2CServer(handler)
		backend2 = newH2CServer(handler)
		origin1 = origin.Resolve(backend1.URL)
		origin2 = origin.Resolve(backend2.URL + "/")

		dialer := &net.Dialer{}
		registry = connection.NewRegistry(quietLogger(), nil, connection.Options{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				dials.Add(1)
				return dialer.DialContext(ctx, network, addr)
			},
		})
	})

	AfterEach(func() {
		registry.Close()
		backend1.Close()
		backend2.Close()
	})

	get := func(ctx context.Context, conn *connection.Conn, path string) (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, conn.Origin().String()+path, nil)
		Expect(err).NotTo(HaveOccurred())
		return conn.RoundTrip(req)
	}

	Describe("Get", func() {
		It("should dial lazily and speak HTTP/2", func() {
			Expect(registry.Current()).To(BeNil())

			conn, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())
			Expect(conn.Origin()).To(Equal(origin1))
			Expect(registry.Current()).To(BeIdenticalTo(conn))

			resp, err := get(ctx, conn, "/ping")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("HTTP/2.0 /ping"))
		})

		It("should reuse the session for the same origin", func() {
			conn1, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())
			conn2, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())

			Expect(conn1).To(BeIdenticalTo(conn2))
			Expect(dials.Load()).To(Equal(int64(1)))
		})

		It("should replace the session when the origin changes", func() {
			first, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())

			second, err := registry.Get(ctx, origin2)
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Origin()).To(Equal(origin2))

			again, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())

			Expect(again).NotTo(BeIdenticalTo(first))
			Expect(again.ID()).NotTo(Equal(first.ID()))
			Expect(dials.Load()).To(Equal(int64(3)))
			Eventually(first.Usable).Should(BeFalse())
		})

		It("should collapse concurrent first use into one session", func() {
			const goroutines = 50

			conns := make([]*connection.Conn, goroutines)
			var wg sync.WaitGroup
			wg.Add(goroutines)

			for i := 0; i < goroutines; i++ {
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					conn, err := registry.Get(ctx, origin1)
					Expect(err).NotTo(HaveOccurred())
					conns[i] = conn
				}(i)
			}
			wg.Wait()

			for _, conn := range conns {
				Expect(conn).To(BeIdenticalTo(registry.Current()))
			}
			Expect(dials.Load()).To(Equal(int64(1)))
		})

		It("should return dial errors and keep the slot empty", func() {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			dead := origin.Resolve("http://" + ln.Addr().String())
			ln.Close()

			conn, err := registry.Get(ctx, dead)
			Expect(err).To(HaveOccurred())
			Expect(conn).To(BeNil())
			Expect(registry.Current()).To(BeNil())
		})

		It("should stop waiting when the caller's context ends", func() {
			blocking := connection.NewRegistry(quietLogger(), nil, connection.Options{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					<-ctx.Done()
					return nil, ctx.Err()
				},
				DialTimeout: 500 * time.Millisecond,
			})
			defer blocking.Close()

			short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()

			_, err := blocking.Get(short, origin1)
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
		})

		It("should fail after Close", func() {
			Expect(registry.Close()).To(Succeed())

			_, err := registry.Get(ctx, origin1)
			Expect(err).To(MatchError(connection.ErrClosed))
		})
	})

	Describe("in-flight streams across an origin change", func() {
		It("should let a request on the replaced session complete", func() {
			release := make(chan struct{})
			slow := newH2CServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				<-release
				w.Write([]byte("late"))
			}))
			defer slow.Close()

			slowOrigin := origin.Resolve(slow.URL)
			old, err := registry.Get(ctx, slowOrigin)
			Expect(err).NotTo(HaveOccurred())

			type result struct {
				body string
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := get(ctx, old, "/slow")
				if err != nil {
					done <- result{err: err}
					return
				}
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				done <- result{body: string(body), err: err}
			}()

			Eventually(old.ActiveStreams).Should(Equal(int64(1)))

			_, err = registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())
			Expect(registry.Current()).NotTo(BeIdenticalTo(old))

			close(release)

			var res result
			Eventually(done).Should(Receive(&res))
			Expect(res.err).NotTo(HaveOccurred())
			Expect(res.body).To(Equal("late"))
			Eventually(old.ActiveStreams).Should(BeZero())
		})
	})

	Describe("a session at its stream limit", func() {
		It("should keep serving every request on the one session", func() {
			release := make(chan struct{})
			var entered atomic.Int64
			limited := newLimitedH2CServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/slow" {
					entered.Add(1)
					<-release
				}
				w.Write([]byte("ok"))
			}), 1)
			defer limited.Close()

			limitedOrigin := origin.Resolve(limited.URL)
			session, err := registry.Get(ctx, limitedOrigin)
			Expect(err).NotTo(HaveOccurred())

			resp, err := get(ctx, session, "/warm")
			Expect(err).NotTo(HaveOccurred())
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			const requests = 4
			statuses := make(chan int, requests)
			for i := 0; i < requests; i++ {
				go func() {
					defer GinkgoRecover()
					conn, err := registry.Get(ctx, limitedOrigin)
					Expect(err).NotTo(HaveOccurred())
					resp, err := get(ctx, conn, "/slow")
					Expect(err).NotTo(HaveOccurred())
					io.Copy(io.Discard, resp.Body)
					resp.Body.Close()
					statuses <- resp.StatusCode
				}()
			}

			Eventually(session.ActiveStreams).Should(Equal(int64(requests)))
			Consistently(entered.Load, 100*time.Millisecond).Should(Equal(int64(1)))
			Expect(session.Usable()).To(BeTrue())
			Expect(registry.Current()).To(BeIdenticalTo(session))
			Expect(dials.Load()).To(Equal(int64(1)))

			close(release)
			for i := 0; i < requests; i++ {
				Eventually(statuses).Should(Receive(Equal(http.StatusOK)))
			}
			Expect(dials.Load()).To(Equal(int64(1)))
		})
	})

	Describe("errors reported on a replaced session", func() {
		It("should leave its in-flight stream running", func() {
			release := make(chan struct{})
			slow := newH2CServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				<-release
				w.Write([]byte("late"))
			}))
			defer slow.Close()

			old, err := registry.Get(ctx, origin.Resolve(slow.URL))
			Expect(err).NotTo(HaveOccurred())

			type result struct {
				body string
				err  error
			}
			done := make(chan result, 1)
			go func() {
				resp, err := get(ctx, old, "/held")
				if err != nil {
					done <- result{err: err}
					return
				}
				defer resp.Body.Close()
				body, err := io.ReadAll(resp.Body)
				done <- result{body: string(body), err: err}
			}()
			Eventually(old.ActiveStreams).Should(Equal(int64(1)))

			current, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())
			Eventually(old.Usable).Should(BeFalse())

			_, refused := get(ctx, old, "/after-switch")
			Expect(connection.IsUnusable(refused)).To(BeTrue())
			Expect(connection.IsReset(refused)).To(BeFalse())

			registry.Report(old, refused)
			registry.Report(old, fmt.Errorf("read: %w", syscall.ECONNRESET))
			Expect(registry.Drop(old, errors.New("reset"))).To(BeFalse())
			Expect(registry.Current()).To(BeIdenticalTo(current))
			Expect(old.Closed()).To(BeFalse())

			close(release)

			var res result
			Eventually(done).Should(Receive(&res))
			Expect(res.err).NotTo(HaveOccurred())
			Expect(res.body).To(Equal("late"))
		})
	})

	Describe("Drop", func() {
		It("should empty the slot so the next call rebuilds", func() {
			conn, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())

			Expect(registry.Drop(conn, errors.New("reset"))).To(BeTrue())
			Expect(registry.Current()).To(BeNil())
			Expect(conn.Usable()).To(BeFalse())

			rebuilt, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())
			Expect(rebuilt).NotTo(BeIdenticalTo(conn))
			Expect(dials.Load()).To(Equal(int64(2)))
		})

		It("should leave a newer session alone", func() {
			old, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())
			current, err := registry.Get(ctx, origin2)
			Expect(err).NotTo(HaveOccurred())

			Expect(registry.Drop(old, errors.New("reset"))).To(BeFalse())
			Expect(registry.Current()).To(BeIdenticalTo(current))
		})

		It("should ignore nil", func() {
			Expect(registry.Drop(nil, nil)).To(BeFalse())
		})
	})

	Describe("Report", func() {
		It("should drop the session on reset-class errors", func() {
			conn, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())

			registry.Report(conn, fmt.Errorf("read: %w", syscall.ECONNRESET))
			Expect(registry.Current()).To(BeNil())
		})

		It("should keep the session on other errors", func() {
			conn, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())

			registry.Report(conn, errors.New("stream error: stream ID 3; INTERNAL_ERROR"))
			registry.Report(conn, context.DeadlineExceeded)
			Expect(registry.Current()).To(BeIdenticalTo(conn))
		})
	})

	Describe("dial breaker", func() {
		var deadOrigin origin.Origin

		BeforeEach(func() {
			listener, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			deadOrigin = origin.Resolve("http://" + listener.Addr().String())
			listener.Close()
		})

		It("should fail fast once repeated dials fail", func() {
			guarded := connection.NewRegistry(quietLogger(), nil, connection.Options{
				FailureThreshold: 2,
				ResetTimeout:     time.Minute,
			})
			defer guarded.Close()

			for i := 0; i < 2; i++ {
				_, err := guarded.Get(ctx, deadOrigin)
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, connection.ErrCircuitOpen)).To(BeFalse())
			}

			_, err := guarded.Get(ctx, deadOrigin)
			Expect(err).To(MatchError(connection.ErrCircuitOpen))
			Expect(guarded.Status().Breakers).To(HaveKeyWithValue(deadOrigin.String(), "OPEN"))
		})

		It("should not affect other origins", func() {
			guarded := connection.NewRegistry(quietLogger(), nil, connection.Options{
				FailureThreshold: 1,
				ResetTimeout:     time.Minute,
			})
			defer guarded.Close()

			_, err := guarded.Get(ctx, deadOrigin)
			Expect(err).To(HaveOccurred())

			conn, err := guarded.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())
			Expect(conn.Origin()).To(Equal(origin1))
		})

		It("should never open without a threshold", func() {
			for i := 0; i < 3; i++ {
				_, err := registry.Get(ctx, deadOrigin)
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, connection.ErrCircuitOpen)).To(BeFalse())
			}
		})
	})

	Describe("Status", func() {
		It("should be empty before the first dial", func() {
			status := registry.Status()
			Expect(status.Origin).To(BeEmpty())
			Expect(status.ConnectedAt).To(BeNil())
			Expect(status.Breakers).To(BeEmpty())
		})

		It("should describe the live session", func() {
			conn, err := registry.Get(ctx, origin1)
			Expect(err).NotTo(HaveOccurred())

			status := registry.Status()
			Expect(status.Origin).To(Equal(origin1.String()))
			Expect(status.ConnID).To(Equal(conn.ID()))
			Expect(status.Usable).To(BeTrue())
			Expect(status.ConnectedAt).NotTo(BeNil())
			Expect(status.Breakers).To(HaveKeyWithValue(origin1.String(), "CLOSED"))
		})
	})

	Describe("TLS origins", func() {
		It("should negotiate h2 over TLS", func() {
			secure := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(r.Proto))
			}))
			secure.EnableHTTP2 = true
			secure.StartTLS()
			defer secure.Close()

			clientTLS := secure.Client().Transport.(*http.Transport).TLSClientConfig
			tlsRegistry := connection.NewRegistry(quietLogger(), nil, connection.Options{
				TLSConfig: clientTLS,
			})
			defer tlsRegistry.Close()

			conn, err := tlsRegistry.Get(ctx, origin.Resolve(secure.URL))
			Expect(err).NotTo(HaveOccurred())

			resp, err := get(ctx, conn, "/")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			Expect(string(body)).To(Equal("HTTP/2.0"))
		})

		It("should refuse servers without h2", func() {
			plain := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			defer plain.Close()

			cfg := plain.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
			tlsRegistry := connection.NewRegistry(quietLogger(), nil, connection.Options{TLSConfig: cfg})
			defer tlsRegistry.Close()

			_, err := tlsRegistry.Get(ctx, origin.Resolve(plain.URL))
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("IsReset", func() {
	DescribeTable("classifies transport errors",
		func(err error, expected bool) {
			Expect(connection.IsReset(err)).To(Equal(expected))
		},
		Entry("nil", nil, false),
		Entry("ECONNRESET", fmt.Errorf("read tcp: %w", syscall.ECONNRESET), true),
		Entry("EPIPE", fmt.Errorf("write tcp: %w", syscall.EPIPE), true),
		Entry("closed conn", fmt.Errorf("write: %w", net.ErrClosed), true),
		Entry("unexpected EOF", io.ErrUnexpectedEOF, true),
		Entry("goaway", http2.GoAwayError{ErrCode: http2.ErrCodeNo}, true),
		Entry("lost connection", errors.New("http2: client connection lost"), true),
		Entry("refused by a draining session", errors.New("http2: client conn not usable"), false),
		Entry("deadline", context.DeadlineExceeded, false),
		Entry("stream error", http2.StreamError{StreamID: 1, Code: http2.ErrCodeInternal}, false),
		Entry("other", errors.New("boom"), false),
	)
})

var _ = Describe("IsUnusable", func() {
	DescribeTable("recognises streams refused before anything was sent",
		func(err error, expected bool) {
			Expect(connection.IsUnusable(err)).To(Equal(expected))
		},
		Entry("nil", nil, false),
		Entry("draining session", errors.New("http2: client conn not usable"), true),
		Entry("wrapped", fmt.Errorf("send: %w", errors.New("http2: client conn not usable")), true),
		Entry("reset", fmt.Errorf("read: %w", syscall.ECONNRESET), false),
	)
})
