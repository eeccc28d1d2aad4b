package cli

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wesleyorama2/volley/internal/target"
)

func newTargetCmd(state *rootState) *cobra.Command {
	var (
		addr string
		cfg  target.Config
	)

	cmd := &cobra.Command{
		Use:   "target",
		Short: "Serve a mock chatbot API to run load tests against",
		Long: `Serve GET / and POST /chat/ on --addr. Chat answers are cached in memory;
cache misses go through a simulated model call whose latency and failure
ratio are configurable.

  volley target --addr :8080 --latency 200ms --failure-ratio 0.02`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.FailureRatio < 0 || cfg.FailureRatio > 1 {
				return &ExitError{Code: ExitFailure, Err: fmt.Errorf("--failure-ratio must be between 0 and 1")}
			}
			cfg.Logger = state.log()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			err := target.New(cfg).ListenAndServe(ctx, addr, func(a net.Addr) {
				fmt.Fprintf(out, "Chatbot target listening on http://%s\n", a)
				fmt.Fprintln(out, "  GET  /")
				fmt.Fprintln(out, "  POST /chat/  {\"user_input\": \"...\"}")
			})
			if err != nil {
				return &ExitError{Code: ExitFailure, Err: err}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&addr, "addr", ":8080", "Listen address")
	f.DurationVar(&cfg.ModelLatency, "latency", 100*time.Millisecond, "Simulated model latency")
	f.DurationVar(&cfg.Jitter, "jitter", 0, "Extra random model latency in [0, jitter)")
	f.Float64Var(&cfg.FailureRatio, "failure-ratio", 0, "Fraction of model calls that fail with 503")
	f.DurationVar(&cfg.CacheTTL, "cache-ttl", target.DefaultCacheTTL, "Cache lifetime of model answers (negative disables the cache)")
	f.IntVar(&cfg.CacheSize, "cache-size", target.DefaultCacheSize, "Maximum number of cached answers, oldest evicted first")

	return cmd
}
