package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/and161185/ea-relay/internal/eaclient"
	"github.com/and161185/ea-relay/internal/model"
)

// maxDetail mirrors the relay's ack detail cap.
const maxDetail = 1024

func deviceClient(addr string, hc *http.Client) *eaclient.Device {
	creds, err := loadDevice()
	if err != nil {
		fail(err)
	}
	dev, err := eaclient.NewDevice(eaclient.DeviceConfig{
		BaseURL:          addr,
		DeviceID:         creds.DeviceID,
		HMACSecret:       creds.HMACSecret,
		EncryptionKeyB64: creds.EncryptionKeyB64,
		HTTPClient:       hc,
	})
	if err != nil {
		fail(err)
	}
	return dev
}

type polledSignal struct {
	ApprovalID string `json:"approval_id"`
	Payload    any    `json:"payload,omitempty"`
	Error      string `json:"error,omitempty"`
}

func cmdPoll(ctx context.Context, addr string, hc *http.Client) {
	sigs, err := deviceClient(addr, hc).Poll(ctx)
	if err != nil {
		fail(err)
	}
	out := make([]polledSignal, 0, len(sigs))
	for _, s := range sigs {
		p := polledSignal{ApprovalID: s.ApprovalID}
		if s.Err != nil {
			p.Error = s.Err.Error()
		} else {
			p.Payload = s.Payload
		}
		out = append(out, p)
	}
	printJSON(out)
}

func cmdAck(ctx context.Context, args []string, addr string, hc *http.Client) {
	fs := flag.NewFlagSet("ack", flag.ExitOnError)
	id := fs.String("id", "", "approval id (uuid)")
	status := fs.String("status", "", "executed|failed")
	detail := fs.String("detail", "", "free-form detail")
	_ = fs.Parse(args)
	if *id == "" || *status == "" {
		fmt.Fprintln(os.Stderr, "need -id and -status")
		os.Exit(1)
	}
	res, err := deviceClient(addr, hc).Ack(ctx, *id, model.ExecutionStatus(*status), *detail)
	if err != nil {
		fail(err)
	}
	printJSON(res)
}

func cmdRun(args []string, addr string, hc *http.Client) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	command := fs.String("exec", "", "command run per signal; payload on stdin")
	interval := fs.Duration("interval", 5*time.Second, "poll interval")
	once := fs.Bool("once", false, "poll a single time")
	_ = fs.Parse(args)
	if *command == "" {
		fmt.Fprintln(os.Stderr, "need -exec")
		os.Exit(1)
	}
	dev := deviceClient(addr, hc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := runner{dev: dev, exec: shellExecutor(*command), log: os.Stderr}
	if *once {
		if err := r.tick(ctx); err != nil {
			fail(err)
		}
		return
	}
	r.loop(ctx, *interval)
}

type pollAcker interface {
	Poll(ctx context.Context) ([]eaclient.Signal, error)
	Ack(ctx context.Context, approvalID string, status model.ExecutionStatus, detail string) (eaclient.AckResult, error)
}

// executor runs one signal and returns its output; an error marks the
// execution failed.
type executor func(ctx context.Context, s eaclient.Signal) (string, error)

type runner struct {
	dev  pollAcker
	exec executor
	log  io.Writer
}

// loop polls until ctx is done. Transport errors are reported and retried on
// the next tick.
func (r runner) loop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if err := r.tick(ctx); err != nil && ctx.Err() == nil {
			fmt.Fprintf(r.log, "poll: %v\n", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// tick executes every delivered signal once and acks the outcome.
// Undecryptable signals are acked failed without running the command.
func (r runner) tick(ctx context.Context) error {
	sigs, err := r.dev.Poll(ctx)
	if err != nil {
		return err
	}
	for _, s := range sigs {
		status, detail := model.ExecutionExecuted, ""
		if s.Err != nil {
			status, detail = model.ExecutionFailed, s.Err.Error()
		} else if out, err := r.exec(ctx, s); err != nil {
			status, detail = model.ExecutionFailed, strings.TrimSpace(err.Error()+": "+out)
		} else {
			detail = strings.TrimSpace(out)
		}
		if len(detail) > maxDetail {
			detail = strings.ToValidUTF8(detail[:maxDetail], "")
		}
		res, err := r.dev.Ack(ctx, s.ApprovalID, status, detail)
		if err != nil {
			return fmt.Errorf("ack %s: %w", s.ApprovalID, err)
		}
		fmt.Fprintf(r.log, "%s %s replayed=%t\n", res.ApprovalID, res.Status, res.Replayed)
	}
	return nil
}

func shellExecutor(command string) executor {
	return func(ctx context.Context, s eaclient.Signal) (string, error) {
		c := exec.CommandContext(ctx, "sh", "-c", command)
		c.Stdin = bytes.NewReader(s.Payload)
		c.Env = append(os.Environ(), "EA_APPROVAL_ID="+s.ApprovalID)
		var out bytes.Buffer
		c.Stdout = &out
		c.Stderr = &out
		err := c.Run()
		return out.String(), err
	}
}
