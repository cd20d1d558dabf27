package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyberinferno/go-rudp/codec"
	"github.com/cyberinferno/go-rudp/logger"
	"github.com/cyberinferno/go-rudp/reactor"
	"github.com/cyberinferno/go-rudp/udpclient"
)

const pingID int32 = 5

type pingOptions struct {
	addr     string
	count    int
	interval time.Duration
	timeout  time.Duration
	size     int
}

type pingStats struct {
	sent, received int
	min, max, sum  time.Duration
}

func (s *pingStats) observe(rtt time.Duration) {
	if s.received == 0 || rtt < s.min {
		s.min = rtt
	}
	s.max = max(s.max, rtt)
	s.sum += rtt
	s.received++
}

func (s *pingStats) String() string {
	if s.received == 0 {
		return fmt.Sprintf("%d sent, 0 received", s.sent)
	}
	avg := s.sum / time.Duration(s.received)
	return fmt.Sprintf("%d sent, %d received, rtt min/avg/max %s/%s/%s", s.sent, s.received, s.min, avg, s.max)
}

func pingCmd(flags *globalFlags) *cobra.Command {
	opts := pingOptions{}

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Measure echo round trips against a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger("rudpd-ping", flags, "")
			if err != nil {
				return err
			}
			defer log.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			stats, err := runPing(ctx, opts, log)
			fmt.Fprintln(cmd.OutOrStdout(), stats.String())
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.addr, "addr", "a", "127.0.0.1:7400", "Server address")
	cmd.Flags().IntVarP(&opts.count, "count", "n", 5, "Number of pings")
	cmd.Flags().DurationVarP(&opts.interval, "interval", "i", 200*time.Millisecond, "Delay between pings")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "Connect and reply timeout")
	cmd.Flags().IntVar(&opts.size, "size", 32, "Body size in bytes (at least 8)")

	return cmd
}

// closeClient closes c and waits up to wait for OnDisconnected. A client
// that is no longer connected has already reported its disconnect.
func closeClient(c *udpclient.Client, disconnected <-chan struct{}, wait time.Duration) {
	connected := c.IsConnected()
	c.Close()
	if !connected {
		return
	}

	select {
	case <-disconnected:
	case <-time.After(wait):
	}
}

// runPing connects, sends opts.count frames carrying their send time and
// waits for each echo.
func runPing(ctx context.Context, opts pingOptions, log logger.Logger) (*pingStats, error) {
	stats := &pingStats{}

	loop := reactor.NewLoop(log)
	loop.Start()
	defer loop.Stop()

	cfg := udpclient.DefaultConfig(opts.addr)
	cfg.ConnectTimeout = opts.timeout
	client := udpclient.NewClient(cfg, loop, log, nil)

	connected := make(chan error, 1)
	disconnected := make(chan struct{}, 1)
	replies := make(chan time.Duration, opts.count)

	client.OnConnected(func() { connected <- nil })
	client.OnConnectFailed(func(err error) { connected <- err })
	client.OnDisconnected(func() { disconnected <- struct{}{} })
	client.OnMessage(func(f codec.Frame) {
		if f.ID != pingID || len(f.Body) < 8 {
			return
		}
		sent := time.Unix(0, int64(binary.LittleEndian.Uint64(f.Body)))
		select {
		case replies <- time.Since(sent):
		default:
		}
	})

	if err := client.Connect(); err != nil {
		return stats, err
	}
	select {
	case err := <-connected:
		if err != nil {
			return stats, fmt.Errorf("connect %s: %w", opts.addr, err)
		}
	case <-ctx.Done():
		return stats, ctx.Err()
	}

	defer closeClient(client, disconnected, time.Second)

	body := make([]byte, max(opts.size, 8))
	for i := 0; i < opts.count; i++ {
		binary.LittleEndian.PutUint64(body, uint64(time.Now().UnixNano()))
		client.Send(codec.Frame{ID: pingID, RPCID: int32(i), Body: body})
		stats.sent++

		select {
		case rtt := <-replies:
			stats.observe(rtt)
			log.Info("reply", logger.Field{Key: "seq", Value: i}, logger.Field{Key: "rtt", Value: rtt.String()})
		case <-disconnected:
			return stats, fmt.Errorf("disconnected after %d pings", i)
		case <-time.After(opts.timeout):
			log.Warn("reply timed out", logger.Field{Key: "seq", Value: i})
		case <-ctx.Done():
			return stats, ctx.Err()
		}

		if i < opts.count-1 {
			select {
			case <-time.After(opts.interval):
			case <-ctx.Done():
				return stats, ctx.Err()
			}
		}
	}

	return stats, nil
}
