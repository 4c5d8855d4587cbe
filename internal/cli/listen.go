package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/next-trace/scg-event-bus/adapters/webhook"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/servicebus"
)

type listenOptions struct {
	max        int
	listenAddr string
}

// received is one line of listen output.
type received struct {
	Event     string          `json:"event"`
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Raw       string          `json:"raw,omitempty"`
}

func newListenCmd(g *globalFlags, lookupEnv func(string) (string, bool)) *cobra.Command {
	o := &listenOptions{}

	cmd := &cobra.Command{
		Use:   "listen <eventName>...",
		Short: "Subscribe to event names and print every delivery as a JSON line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, g, lookupEnv, o, args)
		},
	}

	cmd.Flags().IntVarP(&o.max, "max", "n", 0, "exit after this many deliveries (0 waits for a signal)")
	cmd.Flags().StringVar(&o.listenAddr, "listen-addr", ":8080", "HTTP address for the Webhook bus type")

	return cmd
}

func runListen(
	cmd *cobra.Command,
	g *globalFlags,
	lookupEnv func(string) (string, bool),
	o *listenOptions,
	names []string,
) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	b, tr, res, err := g.openBus(cmd, lookupEnv)
	if err != nil {
		return err
	}
	defer b.Close()

	p := &printer{w: cmd.OutOrStdout(), max: o.max, done: cancel}

	for _, name := range names {
		id := "eventbusctl." + b.Normalizer().Normalize(name)

		if err := res.Register(id, cbus.DynamicHandlerFunc(p.print)); err != nil {
			return err
		}

		if err := servicebus.SubscribeDynamic(ctx, b, name, id); err != nil {
			return err
		}
	}

	if wh, ok := tr.(*webhook.Transport); ok {
		stop, err := serve(ctx, o.listenAddr, wh.Handler())
		if err != nil {
			return err
		}
		defer stop()
	}

	<-ctx.Done()

	if err := cmd.Context().Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

type printer struct {
	mu    sync.Mutex
	w     io.Writer
	count int
	max   int
	done  context.CancelFunc
}

func (p *printer) print(_ context.Context, e cbus.DynamicEvent) error {
	line := received{Event: e.Name, ID: e.ID.String(), CreatedAt: e.CreatedAt}
	if json.Valid(e.Payload) {
		line.Payload = e.Payload
	} else {
		line.Raw = string(e.Payload)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.max > 0 && p.count >= p.max {
		return nil
	}

	if err := json.NewEncoder(p.w).Encode(line); err != nil {
		return fmt.Errorf("write delivery: %w", err)
	}

	p.count++
	if p.max > 0 && p.count >= p.max {
		p.done()
	}

	return nil
}

func serve(ctx context.Context, addr string, h http.Handler) (stop func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}

	go func() { _ = srv.Serve(ln) }()

	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		_ = srv.Shutdown(sctx)
	}, nil
}
