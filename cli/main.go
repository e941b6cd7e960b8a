// Command runctl drives runs through the RunControl RPC surface and tails their event streams.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/agentrun/internal/domain"
	"github.com/xiaot623/agentrun/internal/transport/rpc"
)

const usage = `usage: runctl [flags] <command> [args]

commands:
  start <tenant> <user> <message...>     open a run
  send <run_id> <message...>             reply to a run waiting for input
  decide <run_id> <approval_id> <decision> [comment...]
                                         APPROVE, REJECT, ESCALATE or REASSIGN
  state <run_id>                         print the projected run state
  cancel <run_id> [reason...]            cancel a run
  tail <run_id> [from_sequence]          stream run events until interrupted
`

func main() {
	rpcAddr := flag.String("rpc", "localhost:8082", "RunControl JSON-RPC address")
	httpAddr := flag.String("http", "http://localhost:8080", "HTTP API base URL (for tail)")
	user := flag.String("as", "", "reviewer identity for decide")
	assignTo := flag.String("assign-to", "", "assignee for REASSIGN")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cli := &runctl{
		client:   rpc.NewClient(*rpcAddr),
		httpAddr: *httpAddr,
		reviewer: *user,
		assignTo: *assignTo,
		out:      os.Stdout,
	}
	if err := cli.run(ctx, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "runctl:", err)
		if errors.Is(err, errUsage) {
			flag.Usage()
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid arguments")

type runctl struct {
	client   *rpc.Client
	httpAddr string
	reviewer string
	assignTo string
	out      io.Writer
}

func (r *runctl) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "start":
		if len(args) < 3 {
			return errUsage
		}
		resp, err := r.client.StartRun(ctx, domain.StartRunRequest{
			TenantID: args[0],
			UserID:   args[1],
			Content:  strings.Join(args[2:], " "),
		})
		if err != nil {
			return err
		}
		return r.print(resp)

	case "send":
		if len(args) < 2 {
			return errUsage
		}
		resp, err := r.client.SendMessage(ctx, args[0], domain.SendMessageRequest{Content: strings.Join(args[1:], " ")})
		if err != nil {
			return err
		}
		return r.print(resp)

	case "decide":
		if len(args) < 3 {
			return errUsage
		}
		resp, err := r.client.ResolveApproval(ctx, args[0], args[1], domain.ApprovalDecisionRequest{
			Decision:  args[2],
			DecidedBy: r.reviewer,
			Comment:   strings.Join(args[3:], " "),
			AssignTo:  r.assignTo,
		})
		if err != nil {
			return err
		}
		return r.print(resp)

	case "state":
		if len(args) != 1 {
			return errUsage
		}
		state, err := r.client.GetRunState(ctx, args[0])
		if err != nil {
			return err
		}
		return r.print(state)

	case "cancel":
		if len(args) < 1 {
			return errUsage
		}
		return r.client.CancelRun(ctx, args[0], strings.Join(args[1:], " "))

	case "tail":
		if len(args) < 1 || len(args) > 2 {
			return errUsage
		}
		var from int64
		if len(args) == 2 {
			v, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("%w: from_sequence must be an integer", errUsage)
			}
			from = v
		}
		return r.tail(ctx, args[0], from)
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func (r *runctl) print(v any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// tail prints one line per event frame until the context ends or the server closes the stream.
func (r *runctl) tail(ctx context.Context, runID string, from int64) error {
	target, err := streamURL(r.httpAddr, runID, from)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		var frame struct {
			Type     string `json:"type"`
			Sequence int64  `json:"sequence"`
			Event    struct {
				Type    string          `json:"type"`
				StepID  string          `json:"step_id"`
				Payload json.RawMessage `json:"payload"`
			} `json:"event"`
			Error string `json:"error"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if frame.Type == "error" {
			return errors.New(frame.Error)
		}
		fmt.Fprintf(r.out, "%6d  %-28s %s\n", frame.Sequence, frame.Event.Type, frame.Event.Payload)
	}
}

func streamURL(base, runID string, from int64) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse http address: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/runs/" + url.PathEscape(runID) + "/stream"
	if from > 0 {
		u.RawQuery = url.Values{"from_sequence": {strconv.FormatInt(from, 10)}}.Encode()
	}
	return u.String(), nil
}
