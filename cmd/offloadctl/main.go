// offloadctl is the remote CLI client for offloadd.
//
// It connects to the offloadd gRPC API. With arguments it runs one
// command and exits; without, it starts an interactive shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/flowoffload/pkg/cmdtree"
	"github.com/psaab/flowoffload/pkg/engine"
	"github.com/psaab/flowoffload/pkg/grpcapi"
	"github.com/psaab/flowoffload/pkg/logging"
)

const rpcTimeout = 5 * time.Second

func main() {
	addr := flag.String("addr", "127.0.0.1:50051", "offloadd gRPC address")
	flag.Parse()

	conn, err := grpcapi.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "offloadctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	c := &ctl{client: grpcapi.NewClient(conn), out: os.Stdout}

	// Verify connectivity
	snap, err := c.stats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "offloadctl: cannot reach offloadd at %s: %v\n", *addr, err)
		os.Exit(1)
	}
	c.env.Shards = len(snap.Shards)

	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && err != errExit {
			fmt.Fprintf(os.Stderr, "offloadctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "offloadctl> ",
		HistoryFile:     "/tmp/offloadctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &completer{ctl: c},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "offloadctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()
	c.out = rl.Stdout()

	fmt.Fprintf(c.out, "offloadctl: connected to offloadd at %s (%d shards)\n", *addr, c.env.Shards)
	fmt.Fprintln(c.out, "Type '?' for help")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errExit = errors.New("exit")

type ctl struct {
	client *grpcapi.Client
	out    io.Writer
	env    cmdtree.Env
}

func (c *ctl) dispatch(line string) error {
	if strings.HasSuffix(line, "?") {
		c.showContextHelp(strings.TrimSuffix(line, "?"))
		return nil
	}

	parts, err := cmdtree.Resolve(cmdtree.OperationalTree, strings.Fields(line))
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])
	case "clear":
		return c.handleClear(parts[1:])
	case "help":
		c.showContextHelp("")
		return nil
	case "quit", "exit":
		return errExit
	}
	return fmt.Errorf("unknown command: %s", parts[0])
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		c.showContextHelp("show ")
		return nil
	}
	switch args[0] {
	case "statistics":
		return c.showStatistics(args[1:])
	case "flows":
		return c.showFlows(args[1:])
	case "events":
		return c.showEvents(args[1:])
	}
	return fmt.Errorf("unknown show command: %s", args[0])
}

func (c *ctl) handleClear(args []string) error {
	if len(args) == 0 || args[0] != "flow" {
		c.showContextHelp("clear ")
		return nil
	}
	if len(args) != 4 {
		return fmt.Errorf("usage: clear flow <tcp|udp> <src-ip:port> <dst-ip:port>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	out, err := c.client.RemoveFlow(ctx, args[1], args[2], args[3])
	if err != nil {
		return err
	}
	var reply struct {
		Shard int `json:"shard"`
	}
	if err := grpcapi.FromStruct(out, &reply); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "removal queued on shard %d\n", reply.Shard)
	return nil
}

func (c *ctl) stats() (engine.Snapshot, error) {
	var snap engine.Snapshot
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	out, err := c.client.GetStats(ctx)
	if err != nil {
		return snap, err
	}
	err = grpcapi.FromStruct(out, &snap)
	return snap, err
}

func (c *ctl) showStatistics(args []string) error {
	snap, err := c.stats()
	if err != nil {
		return err
	}
	c.env.Shards = len(snap.Shards)
	w := c.out

	if len(args) == 0 {
		t := snap.Totals
		fmt.Fprintln(w, "Offload statistics:")
		fmt.Fprintf(w, "  %-25s %d\n", "Active flows:", t.Active)
		fmt.Fprintf(w, "  %-25s %d\n", "Installed:", t.InstalledTotal)
		fmt.Fprintf(w, "  %-25s %d\n", "Removed:", t.RemovedTotal)
		fmt.Fprintf(w, "  %-25s %d\n", "Failed:", t.FailedTotal)
		fmt.Fprintf(w, "  %-25s %d\n", "Aged out:", t.AgedTotal)
		fmt.Fprintf(w, "  %-25s %d\n", "Pending remove:", t.PendingRemove)
		fmt.Fprintf(w, "  %-25s %d\n", "Queue drops:", t.Dropped)
		fmt.Fprintf(w, "  %-25s %d\n", "Packets received:", t.Received)
		fmt.Fprintf(w, "  %-25s %d\n", "Flows offered:", t.Offered)
		return nil
	}

	switch args[0] {
	case "shards":
		fmt.Fprintf(w, "%-6s %10s %10s %10s %8s %8s %8s %8s %8s\n",
			"Shard", "Active", "Installed", "Removed", "Failed", "Aged", "Pending", "Drops", "Stale")
		for _, s := range snap.Shards {
			fmt.Fprintf(w, "%-6d %10d %10d %10d %8d %8d %8d %8d %8d\n",
				s.Shard, s.Active, s.InstalledTotal, s.RemovedTotal, s.FailedTotal,
				s.AgedTotal, s.PendingRemove, s.InstallDropped+s.RemoveDropped, s.StaleAged)
		}
	case "classifiers":
		fmt.Fprintf(w, "%-4s %-30s %10s %10s %10s %10s %10s\n",
			"ID", "Source", "Received", "Offered", "Unsupp", "SlowPath", "EnqDrops")
		for _, s := range snap.Classifiers {
			fmt.Fprintf(w, "%-4d %-30s %10d %10d %10d %10d %10d\n",
				s.ID, s.Source, s.Received, s.Offered, s.Unsupported, s.SlowPath, s.EnqueueDropped)
		}
	default:
		return fmt.Errorf("unknown statistics view: %s", args[0])
	}
	return nil
}

// keyValues parses "name value" pairs of integer options.
func keyValues(args []string, names ...string) (map[string]int, error) {
	out := make(map[string]int)
	for i := 0; i < len(args); i++ {
		known := false
		for _, n := range names {
			if args[i] == n {
				known = true
			}
		}
		if !known {
			return nil, fmt.Errorf("unexpected %q", args[i])
		}
		if i+1 >= len(args) {
			return nil, fmt.Errorf("%s: missing value", args[i])
		}
		v, err := strconv.Atoi(args[i+1])
		if err != nil || v < 0 {
			return nil, fmt.Errorf("%s: invalid value %q", args[i], args[i+1])
		}
		out[args[i]] = v
		i++
	}
	return out, nil
}

func (c *ctl) showFlows(args []string) error {
	opts, err := keyValues(args, "shard", "limit")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	out, err := c.client.ListFlows(ctx, opts["shard"], opts["limit"])
	if err != nil {
		return err
	}
	var reply struct {
		Shard int                  `json:"shard"`
		Flows []grpcapi.FlowRecord `json:"flows"`
	}
	if err := grpcapi.FromStruct(out, &reply); err != nil {
		return err
	}
	for _, f := range reply.Flows {
		fmt.Fprintf(c.out, "%s %s -> %s in %d out %d state %s handle %s\n",
			f.Protocol, f.Src, f.Dst, f.InPort, f.OutPort, f.State, f.Handle)
		fmt.Fprintf(c.out, "  Packets: %d, Bytes: %d, Idle: %.1fs, Age: %s\n",
			f.Packets, f.Bytes, f.IdleSeconds, f.Age)
	}
	fmt.Fprintf(c.out, "Shard %d: %d flows shown\n", reply.Shard, len(reply.Flows))
	return nil
}

func (c *ctl) showEvents(args []string) error {
	var typ string
	var rest []string
	for i := 0; i < len(args); i++ {
		if args[i] == "type" && i+1 < len(args) {
			typ = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	opts, err := keyValues(rest, "limit")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	out, err := c.client.ListEvents(ctx, typ, opts["limit"])
	if err != nil {
		return err
	}
	var reply struct {
		Events []logging.EventRecord `json:"events"`
	}
	if err := grpcapi.FromStruct(out, &reply); err != nil {
		return err
	}
	if len(reply.Events) == 0 {
		fmt.Fprintln(c.out, "no events recorded")
		return nil
	}
	for _, e := range reply.Events {
		fmt.Fprintf(c.out, "%s %-12s shard=%d %s %s -> %s",
			e.Time.Format(time.RFC3339), e.Type, e.Shard, e.Protocol, e.SrcAddr, e.DstAddr)
		if e.Reason != "" {
			fmt.Fprintf(c.out, " reason=%q", e.Reason)
		}
		fmt.Fprintln(c.out)
	}
	fmt.Fprintf(c.out, "(%d events shown)\n", len(reply.Events))
	return nil
}

// --- Completion and help ---

type completer struct {
	ctl *ctl
}

func (cp *completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])

	// Determine partial word for replacement length
	words := strings.Fields(text)
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '
	var partial string
	if !trailingSpace && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}

	candidates := cmdtree.CompleteFromTree(cmdtree.OperationalTree, words, partial, cp.ctl.env)
	var result [][]rune
	for _, c := range candidates {
		result = append(result, []rune(c[len(partial):]+" "))
	}
	return result, len(partial)
}

func (c *ctl) showContextHelp(prefix string) {
	words := strings.Fields(prefix)
	var partial string
	if len(prefix) > 0 && prefix[len(prefix)-1] != ' ' && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	candidates := cmdtree.CompleteFromTreeWithDesc(cmdtree.OperationalTree, words, partial, c.env)
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "no completions")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}
