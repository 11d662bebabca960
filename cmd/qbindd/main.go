// Command qbindd runs a standalone QUIC UDP binding demultiplexer, exposing
// metrics and registering a wildcard listener for a dummy ALPN so the
// binding's receive path can be exercised end-to-end without a real
// handshake stack. The listener's CreateConnection always fails, so no
// connection is ever created.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"net/http/pprof"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/VictoriaMetrics/metrics"

	"github.com/pg9182/qbind/pkg/qbind"
	"github.com/pg9182/qbind/pkg/qdatapath"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Printf("usage: %s [options] [env_file]\n\noptions:\n%s\nnote: if env_file is provided, config from the environment is ignored\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		if x, err := readEnv(pflag.Arg(0)); err == nil {
			e = x
		} else {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
	}

	var c qbind.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(c.LogLevel).With().Timestamp().Logger()

	dbgAddr, _ := getEnvList("INSECURE_DEBUG_SERVER_ADDR", e, os.Environ())

	set := metrics.NewSet()

	var b *qbind.Binding
	dp := qdatapath.New(bindingReceiver{&b})
	dp.Concurrency = 2

	var err error
	b, err = qbind.InitializeBinding(c, false, dp, noopWorker{}, nil, set, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize binding: %v\n", err)
		os.Exit(1)
	}

	b.RegisterListener(&qbind.Listener{
		Wildcard: true,
		ALPN:     "h3",
		CreateConnection: func(remote netip.AddrPort, dcid, scid []byte) (qbind.Connection, error) {
			return nil, errors.New("qbindd: no connection implementation wired up")
		},
	})

	if dbgAddr != "" {
		dbg := http.NewServeMux()
		dbg.HandleFunc("/debug/pprof/", pprof.Index)
		dbg.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		dbg.HandleFunc("/debug/pprof/profile", pprof.Profile)
		dbg.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		dbg.HandleFunc("/debug/pprof/trace", pprof.Trace)
		dbg.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			b.WritePrometheus(w)
		})
		go func() {
			log.Warn().Str("addr", dbgAddr).Msg("running insecure debug server")
			if err := http.ListenAndServe(dbgAddr, dbg); err != nil {
				log.Warn().Err(err).Msg("debug server failed")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		b.Uninitialize()
	}()

	log.Info().Str("addr", c.Addr.String()).Msg("listening")
	if err := dp.ListenAndServe(c.Addr); err != nil && !errors.Is(err, qdatapath.ErrClosed) {
		fmt.Fprintf(os.Stderr, "error: run datapath: %v\n", err)
		os.Exit(1)
	}
}

// bindingReceiver forwards to *b, which is only assigned after dp is
// constructed (the datapath and binding reference each other).
type bindingReceiver struct {
	b **qbind.Binding
}

func (r bindingReceiver) OnReceive(chain []*qbind.Datagram)   { (*r.b).OnReceive(chain) }
func (r bindingReceiver) OnUnreachable(remote netip.AddrPort) { (*r.b).OnUnreachable(remote) }

// noopWorker never reports overload and runs submitted work inline; a real
// deployment would wire in a bounded worker pool instead.
type noopWorker struct{}

func (noopWorker) Overloaded() bool { return false }
func (noopWorker) Submit(fn func()) { fn() }

func getEnvList(k string, e ...[]string) (string, bool) {
	for _, l := range e {
		for _, x := range l {
			if xk, xv, ok := strings.Cut(x, "="); ok && xk == k {
				return xv, true
			}
		}
	}
	return "", false
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	var r []string
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
