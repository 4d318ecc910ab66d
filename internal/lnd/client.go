// Package lnd reads channel balances and forwarding telemetry from an LND
// node by shelling into its container and running lncli. All calls are
// bounded by a timeout and retried a configurable number of times.
package lnd

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"lnfeetuner/internal/config"
	"lnfeetuner/internal/telemetry"
)

// Runner executes commands against the node's container.
type Runner interface {
	// Lncli runs `lncli args...` inside the container and returns stdout.
	Lncli(ctx context.Context, args ...string) ([]byte, error)
	// Logs returns the container log tail since the given time.
	Logs(ctx context.Context, since time.Time) ([]byte, error)
}

// DockerRunner reaches lncli through `docker exec`.
type DockerRunner struct {
	Container string
}

func (r DockerRunner) Lncli(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"exec", r.Container, "lncli"}, args...)
	cmd := exec.CommandContext(ctx, "docker", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("lncli %s: %w: %s", args[0], err, bytes.TrimSpace(stderr.Bytes()))
	}
	return stdout.Bytes(), nil
}

func (r DockerRunner) Logs(ctx context.Context, since time.Time) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "docker", "logs", "--since", since.UTC().Format(time.RFC3339), r.Container)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	// lnd writes its log to stdout, docker mirrors warnings on stderr.
	cmd.Stderr = &stdout
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("docker logs: %w", err)
	}
	return stdout.Bytes(), nil
}

// Client is the high-level node reader used by the service cycle.
type Client struct {
	runner  Runner
	timeout time.Duration
	retries int
	logger  zerolog.Logger
}

func NewClient(cfg config.NodeConfig, logger zerolog.Logger) *Client {
	return &Client{
		runner:  DockerRunner{Container: cfg.LNDContainer},
		timeout: cfg.RequestTimeout,
		retries: cfg.MaxRetries,
		logger:  logger.With().Str("component", "lnd").Logger(),
	}
}

// NewClientWithRunner is the test seam.
func NewClientWithRunner(runner Runner, timeout time.Duration, retries int, logger zerolog.Logger) *Client {
	return &Client{runner: runner, timeout: timeout, retries: retries, logger: logger}
}

func (c *Client) lncli(ctx context.Context, args ...string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
			c.logger.Warn().Int("attempt", attempt).Strs("args", args).Msg("retrying lncli call")
		}
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		out, err := c.runner.Lncli(callCtx, args...)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// ListChannels returns all open channels grouped as-is; callers map them to
// peers via the remote pubkey.
func (c *Client) ListChannels(ctx context.Context) ([]Channel, error) {
	out, err := c.lncli(ctx, "listchannels")
	if err != nil {
		return nil, fmt.Errorf("listchannels: %w", err)
	}
	var resp listChannelsResponse
	if err := decodeJSON(out, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

// ForwardingHistory pages through settled forwards in [start, end).
func (c *Client) ForwardingHistory(ctx context.Context, start, end time.Time) ([]ForwardingEvent, error) {
	const pageSize = 1000

	var events []ForwardingEvent
	offset := uint64(0)
	for {
		out, err := c.lncli(ctx, "fwdinghistory",
			"--start_time", strconv.FormatInt(start.Unix(), 10),
			"--end_time", strconv.FormatInt(end.Unix(), 10),
			"--index_offset", strconv.FormatUint(offset, 10),
			"--max_events", strconv.Itoa(pageSize),
		)
		if err != nil {
			return nil, fmt.Errorf("fwdinghistory: %w", err)
		}
		var resp forwardingHistoryResponse
		if err := decodeJSON(out, &resp); err != nil {
			return nil, err
		}
		events = append(events, resp.ForwardingEvents...)
		if len(resp.ForwardingEvents) < pageSize {
			return events, nil
		}
		offset = resp.LastOffsetIndex
	}
}

const retryBackoff = 250 * time.Millisecond

var htlcFailRe = regexp.MustCompile(`ChannelLink\(([0-9a-f]+:\d+)\).*(?:failing|unable to forward).*htlc`)

// HtlcFailures scans the node log tail for per-channel HTLC link failures.
// Log scraping is best-effort: a malformed line is skipped, a failed read
// degrades to zero failures rather than aborting the cycle.
func (c *Client) HtlcFailures(ctx context.Context, since time.Time) (map[string]int, error) {
	logCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.runner.Logs(logCtx, since)
	if err != nil {
		return nil, fmt.Errorf("htlc failures: %w", err)
	}

	fails := make(map[string]int)
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		m := htlcFailRe.FindSubmatch(scanner.Bytes())
		if m == nil {
			continue
		}
		fails[string(m[1])]++
	}
	return fails, scanner.Err()
}

// Forwards converts raw forwarding events into telemetry. Each settled
// forward yields an outbound success on the out-channel and an inbound
// success on the in-channel; mapping chan ids to peers is the aggregator's
// job.
func Forwards(events []ForwardingEvent) []telemetry.Event {
	result := make([]telemetry.Event, 0, len(events)*2)
	for _, ev := range events {
		ts := time.Unix(0, ev.TimestampNs.Int64())
		result = append(result, telemetry.Event{
			Timestamp: ts,
			ChannelID: strconv.FormatInt(ev.ChanIDOut.Int64(), 10),
			Kind:      telemetry.ForwardSuccess,
			AmountSat: ev.AmtOut.Int64(),
			FeeMsat:   ev.FeeMsat.Int64(),
		})
		result = append(result, telemetry.Event{
			Timestamp: ts,
			ChannelID: strconv.FormatInt(ev.ChanIDIn.Int64(), 10),
			Kind:      telemetry.ForwardSuccess,
			AmountSat: ev.AmtIn.Int64(),
			Inbound:   true,
		})
	}
	return result
}
